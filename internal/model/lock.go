package model

import "time"

// GenerationLock is the row behind the per-owner generation mutex.
// A row whose ExpiresAt has passed is treated as absent.
type GenerationLock struct {
	OwnerKey   string    `gorm:"primaryKey;size:128"`
	Token      string    `gorm:"size:36;not null"`
	AcquiredAt time.Time `gorm:"not null"`
	ExpiresAt  time.Time `gorm:"index;not null"`
}
