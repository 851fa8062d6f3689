package model

import (
	"time"

	"gorm.io/gorm"
)

// RecurrenceCompletion records how one occurrence of a template was resolved.
// An occurrence has at most one row, whether it was completed or skipped.
type RecurrenceCompletion struct {
	ID              uint       `gorm:"primaryKey"`
	TaskID          uint       `gorm:"uniqueIndex:idx_completion_resolution;not null"` // template id
	InstanceID      *uint      `gorm:"index"`
	CompletedAt     time.Time  `gorm:"not null"`
	OriginalDueDate *time.Time `gorm:"uniqueIndex:idx_completion_resolution"`
	Skipped         bool       `gorm:"default:false"`
	CreatedAt       time.Time
}

func (c *RecurrenceCompletion) AfterFind(tx *gorm.DB) error {
	if c.OriginalDueDate != nil {
		*c.OriginalDueDate = c.OriginalDueDate.UTC()
	}
	return nil
}
