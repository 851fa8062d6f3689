package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusArchived   Status = "archived"
	StatusWaiting    Status = "waiting"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusDone, StatusArchived, StatusWaiting:
		return true
	}
	return false
}

// Priority orders tasks inside a listing.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// RecurrenceType selects the recurrence arithmetic of a template.
type RecurrenceType string

const (
	RecurrenceNone    RecurrenceType = "none"
	RecurrenceDaily   RecurrenceType = "daily"
	RecurrenceWeekly  RecurrenceType = "weekly"
	RecurrenceMonthly RecurrenceType = "monthly"
	RecurrenceCustom  RecurrenceType = "custom"
)

func (r RecurrenceType) Valid() bool {
	switch r {
	case RecurrenceNone, RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly, RecurrenceCustom:
		return true
	}
	return false
}

// Kind tells which role a task row plays.
type Kind int

const (
	KindPlain Kind = iota
	KindTemplate
	KindInstance
)

func (k Kind) String() string {
	switch k {
	case KindTemplate:
		return "template"
	case KindInstance:
		return "instance"
	default:
		return "plain"
	}
}

// ErrShapeViolation is returned when a task mixes template and instance fields.
var ErrShapeViolation = errors.New("task shape violation")

// Task is a plain task, a recurrence template or an instance materialized from a template.
// Dates (DueDate, RecurrenceEndDate, LastGeneratedDate) are calendar dates stored as midnight UTC.
type Task struct {
	ID        uint     `gorm:"primaryKey"`
	UID       string   `gorm:"size:36;uniqueIndex"`
	UserID    uint     `gorm:"index"`
	ProjectID *uint    `gorm:"index"`
	Name      string   `gorm:"not null"`
	Note      string
	Status    Status   `gorm:"size:16;index;default:not_started"`
	Priority  Priority `gorm:"size:8;default:medium"`
	// DueDate and RecurringParentID form the occurrence key of an instance.
	DueDate     *time.Time `gorm:"uniqueIndex:idx_recurring_occurrence,priority:2"`
	CompletedAt *time.Time

	RecurrenceType        RecurrenceType `gorm:"size:16;index;default:none"`
	RecurrenceInterval    int            `gorm:"default:1"`
	RecurrenceWeekday     *int
	RecurrenceMonthDay    *int
	RecurrenceWeekOfMonth *int
	RecurrenceEndDate     *time.Time
	CompletionBased       bool `gorm:"default:false"`
	LastGeneratedDate     *time.Time

	RecurringParentID *uint `gorm:"index;uniqueIndex:idx_recurring_occurrence,priority:1"`

	Tags      []Tag `gorm:"many2many:task_tags"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Kind classifies the row from its stored fields.
func (t *Task) Kind() Kind {
	switch {
	case t.RecurringParentID != nil:
		return KindInstance
	case t.RecurrenceType != "" && t.RecurrenceType != RecurrenceNone:
		return KindTemplate
	default:
		return KindPlain
	}
}

func (t *Task) IsTemplate() bool { return t.Kind() == KindTemplate }
func (t *Task) IsInstance() bool { return t.Kind() == KindInstance }

// ValidateShape checks the template/instance/plain invariant and the ranges of the rule fields.
func (t *Task) ValidateShape() error {
	if t.RecurrenceType != "" && !t.RecurrenceType.Valid() {
		return fmt.Errorf("%w: unknown recurrence type %q", ErrShapeViolation, t.RecurrenceType)
	}
	if t.Status != "" && !t.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrShapeViolation, t.Status)
	}
	if t.Priority != "" && !t.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrShapeViolation, t.Priority)
	}
	if t.RecurringParentID != nil {
		if t.RecurrenceType != "" && t.RecurrenceType != RecurrenceNone {
			return fmt.Errorf("%w: instance carries recurrence type %q", ErrShapeViolation, t.RecurrenceType)
		}
		if t.ID != 0 && *t.RecurringParentID == t.ID {
			return fmt.Errorf("%w: task %d is its own recurring parent", ErrShapeViolation, t.ID)
		}
		return nil
	}
	if t.Kind() != KindTemplate {
		return nil
	}
	if t.RecurrenceInterval < 1 {
		return fmt.Errorf("%w: recurrence interval must be positive, got %d", ErrShapeViolation, t.RecurrenceInterval)
	}
	if t.RecurrenceWeekday != nil && (*t.RecurrenceWeekday < 0 || *t.RecurrenceWeekday > 6) {
		return fmt.Errorf("%w: recurrence weekday out of range: %d", ErrShapeViolation, *t.RecurrenceWeekday)
	}
	if t.RecurrenceMonthDay != nil && (*t.RecurrenceMonthDay < 1 || *t.RecurrenceMonthDay > 31) {
		return fmt.Errorf("%w: recurrence month day out of range: %d", ErrShapeViolation, *t.RecurrenceMonthDay)
	}
	if t.RecurrenceWeekOfMonth != nil && (*t.RecurrenceWeekOfMonth < 1 || *t.RecurrenceWeekOfMonth > 5) {
		return fmt.Errorf("%w: recurrence week of month out of range: %d", ErrShapeViolation, *t.RecurrenceWeekOfMonth)
	}
	return nil
}

func (t *Task) BeforeCreate(tx *gorm.DB) error {
	if t.UID == "" {
		t.UID = uuid.NewString()
	}
	if t.RecurrenceType == "" {
		t.RecurrenceType = RecurrenceNone
	}
	return nil
}

func (t *Task) BeforeSave(tx *gorm.DB) error {
	return t.ValidateShape()
}

// AfterFind keeps the calendar dates in UTC whatever location the driver returned them in.
func (t *Task) AfterFind(tx *gorm.DB) error {
	for _, d := range []*time.Time{t.DueDate, t.RecurrenceEndDate, t.LastGeneratedDate} {
		if d != nil {
			*d = d.UTC()
		}
	}
	return nil
}
