package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"daily-planner/internal/model"
)

// EventRepository appends and reads task audit events.
type EventRepository struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

func (r *EventRepository) Create(ctx context.Context, event *model.TaskEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("create task event: %w", err)
	}
	return nil
}

func (r *EventRepository) ListByTask(ctx context.Context, taskID uint) ([]model.TaskEvent, error) {
	var events []model.TaskEvent
	if err := r.db.WithContext(ctx).Where("task_id = ?", taskID).Order("id ASC").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// CompletionRepository stores the resolution history of template occurrences.
type CompletionRepository struct {
	db *gorm.DB
}

func NewCompletionRepository(db *gorm.DB) *CompletionRepository {
	return &CompletionRepository{db: db}
}

func (r *CompletionRepository) Create(ctx context.Context, c *model.RecurrenceCompletion) error {
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("create recurrence completion: %w", err)
	}
	return nil
}

// CreateOnce inserts c unless its occurrence already has a row. The insert runs in its own
// savepoint so a duplicate leaves the surrounding transaction usable.
func (r *CompletionRepository) CreateOnce(ctx context.Context, c *model.RecurrenceCompletion) (bool, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(c).Error
	})
	switch {
	case err == nil:
		return true, nil
	case IsUniqueViolation(err):
		return false, nil
	default:
		return false, fmt.Errorf("create recurrence completion: %w", err)
	}
}

// Find returns the history row of the occurrence of templateID due on dueDate.
func (r *CompletionRepository) Find(ctx context.Context, templateID uint, dueDate *time.Time) (*model.RecurrenceCompletion, error) {
	var c model.RecurrenceCompletion
	if err := r.occurrence(ctx, templateID, dueDate).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// Resolved reports whether the occurrence of templateID due on dueDate already has a history row.
func (r *CompletionRepository) Resolved(ctx context.Context, templateID uint, dueDate *time.Time) (bool, error) {
	var count int64
	if err := r.occurrence(ctx, templateID, dueDate).Count(&count).Error; err != nil {
		return false, fmt.Errorf("count completions: %w", err)
	}
	return count > 0, nil
}

func (r *CompletionRepository) occurrence(ctx context.Context, templateID uint, dueDate *time.Time) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&model.RecurrenceCompletion{}).Where("task_id = ?", templateID)
	if dueDate == nil {
		return q.Where("original_due_date IS NULL")
	}
	return q.Where("original_due_date = ?", *dueDate)
}

func (r *CompletionRepository) ListByTemplate(ctx context.Context, templateID uint) ([]model.RecurrenceCompletion, error) {
	var out []model.RecurrenceCompletion
	if err := r.db.WithContext(ctx).Where("task_id = ?", templateID).Order("completed_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
