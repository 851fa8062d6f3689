package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"daily-planner/internal/model"
)

// TaskRepository handles CRUD for tasks, templates and instances.
type TaskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Create(ctx context.Context, task *model.Task) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// ListActive returns the default listing: plain tasks and instances that are neither done nor archived.
func (r *TaskRepository) ListActive(ctx context.Context, userID uint) ([]model.Task, error) {
	var tasks []model.Task
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("NOT (recurrence_type <> ? AND recurring_parent_id IS NULL)", model.RecurrenceNone).
		Where("status NOT IN ?", []model.Status{model.StatusDone, model.StatusArchived}).
		Order("due_date IS NULL, due_date, created_at DESC").
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListTemplates returns every recurrence template of the user.
func (r *TaskRepository) ListTemplates(ctx context.Context, userID uint) ([]model.Task, error) {
	var tasks []model.Task
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND recurrence_type <> ? AND recurring_parent_id IS NULL", userID, model.RecurrenceNone).
		Order("id ASC").
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListScheduledTemplates returns the templates driven by batch generation (not completion-based),
// with their tags preloaded for copying onto instances.
func (r *TaskRepository) ListScheduledTemplates(ctx context.Context, userID uint) ([]model.Task, error) {
	var tasks []model.Task
	if err := r.db.WithContext(ctx).
		Preload("Tags").
		Where("user_id = ? AND recurrence_type <> ? AND recurring_parent_id IS NULL", userID, model.RecurrenceNone).
		Where("completion_based = ?", false).
		Order("id ASC").
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return tasks, nil
}

func (r *TaskRepository) FindByID(ctx context.Context, userID, taskID uint) (*model.Task, error) {
	var task model.Task
	if err := r.db.WithContext(ctx).Where("user_id = ? AND id = ?", userID, taskID).First(&task).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// Get loads a task by id regardless of owner, with tags.
func (r *TaskRepository) Get(ctx context.Context, taskID uint) (*model.Task, error) {
	var task model.Task
	if err := r.db.WithContext(ctx).Preload("Tags").First(&task, taskID).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// FindInstance looks up the instance of templateID due on dueDate.
func (r *TaskRepository) FindInstance(ctx context.Context, templateID uint, dueDate time.Time) (*model.Task, error) {
	var task model.Task
	if err := r.db.WithContext(ctx).
		Where("recurring_parent_id = ? AND due_date = ?", templateID, dueDate).
		First(&task).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// ListInstances returns the instances of a template ordered by due date.
func (r *TaskRepository) ListInstances(ctx context.Context, templateID uint) ([]model.Task, error) {
	var tasks []model.Task
	if err := r.db.WithContext(ctx).
		Where("recurring_parent_id = ?", templateID).
		Order("due_date ASC").
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// UpdateStatus persists the status and completion timestamp of task.
func (r *TaskRepository) UpdateStatus(ctx context.Context, task *model.Task) error {
	if err := r.db.WithContext(ctx).Model(task).
		Select("Status", "CompletedAt").
		Updates(task).Error; err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

// AdvanceLastGenerated moves the generation high-water mark forward; it never moves it back.
func (r *TaskRepository) AdvanceLastGenerated(ctx context.Context, templateID uint, date time.Time) error {
	if err := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ? AND (last_generated_date IS NULL OR last_generated_date < ?)", templateID, date).
		Update("last_generated_date", date).Error; err != nil {
		return fmt.Errorf("advance last generated date: %w", err)
	}
	return nil
}

// UpdateRecurrence persists the rule fields of a template. The high-water mark is kept so
// already materialized occurrences are not produced again.
func (r *TaskRepository) UpdateRecurrence(ctx context.Context, task *model.Task) error {
	if err := r.db.WithContext(ctx).Model(task).
		Select("RecurrenceType", "RecurrenceInterval", "RecurrenceWeekday", "RecurrenceMonthDay",
			"RecurrenceWeekOfMonth", "RecurrenceEndDate", "CompletionBased").
		Updates(task).Error; err != nil {
		return fmt.Errorf("update recurrence: %w", err)
	}
	return nil
}
