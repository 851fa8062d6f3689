package model

import (
	"time"

	"gorm.io/datatypes"
)

// EventType names an audited task mutation.
type EventType string

const (
	EventCreated           EventType = "created"
	EventStatusChanged     EventType = "status_changed"
	EventCompleted         EventType = "completed"
	EventArchived          EventType = "archived"
	EventRecurrenceChanged EventType = "recurrence_changed"
)

// TaskEvent is an immutable audit row.
type TaskEvent struct {
	ID        uint      `gorm:"primaryKey"`
	TaskID    uint      `gorm:"index;not null"`
	UserID    uint      `gorm:"index"` // actor
	EventType EventType `gorm:"size:32;index;not null"`
	FieldName string    `gorm:"size:64"`
	OldValue  string
	NewValue  string
	Metadata  datatypes.JSONMap
	CreatedAt time.Time `gorm:"index"`
}
