package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/datatypes"

	"daily-planner/internal/model"
	"daily-planner/internal/recurrence"
	"daily-planner/internal/repository"
)

var (
	// ErrInvalidStatus is returned for an unknown status value.
	ErrInvalidStatus = errors.New("invalid task status")
	ErrInvalidTask   = errors.New("invalid task")
)

// RecurrenceInput describes the rule of a template.
type RecurrenceInput struct {
	Type            model.RecurrenceType `json:"type"`
	Interval        int                  `json:"interval"`
	Weekday         *int                 `json:"weekday,omitempty"`
	MonthDay        *int                 `json:"month_day,omitempty"`
	WeekOfMonth     *int                 `json:"week_of_month,omitempty"`
	EndDate         *time.Time           `json:"end_date,omitempty"`
	CompletionBased bool                 `json:"completion_based"`
}

// TaskInput represents data required to create a task.
type TaskInput struct {
	Name     string
	Note     string
	Project  string
	Tags     []string
	Priority model.Priority
	DueDate  *time.Time
	// Recurrence turns the task into a template when set.
	Recurrence *RecurrenceInput
}

// TaskService wraps task-related business logic. Status changes go through it so that
// the completion tracker sees every transition of an instance.
type TaskService struct {
	store        *repository.Store
	tracker      *CompletionTracker
	materializer *Materializer
	log          *slog.Logger
	now          func() time.Time
}

func NewTaskService(store *repository.Store, tracker *CompletionTracker, materializer *Materializer, log *slog.Logger) *TaskService {
	return &TaskService{
		store:        store,
		tracker:      tracker,
		materializer: materializer,
		log:          log,
		now:          time.Now,
	}
}

// CreateTask stores a plain task or, when input.Recurrence is set, a template.
// A completion-based template gets its first occurrence right away, due on the template's
// due date or today.
func (s *TaskService) CreateTask(ctx context.Context, user *model.User, input TaskInput) (*model.Task, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if input.Priority == "" {
		input.Priority = model.PriorityMedium
	}

	task := &model.Task{
		UserID:         user.ID,
		Name:           name,
		Note:           strings.TrimSpace(input.Note),
		Priority:       input.Priority,
		Status:         model.StatusNotStarted,
		RecurrenceType: model.RecurrenceNone,
	}
	if input.DueDate != nil {
		due := recurrence.Date(*input.DueDate)
		task.DueDate = &due
	}
	if r := input.Recurrence; r != nil && r.Type != "" && r.Type != model.RecurrenceNone {
		applyRecurrence(task, r)
	}

	today := recurrence.Today(s.now(), user.Location())
	var rule recurrence.Rule
	if task.IsTemplate() {
		var err error
		if rule, err = recurrence.FromTask(task, today); err != nil {
			return nil, err
		}
	}

	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		project, err := tx.Projects.GetOrCreate(ctx, user.ID, input.Project)
		if err != nil {
			return err
		}
		if project != nil {
			task.ProjectID = &project.ID
		}
		if task.Tags, err = tx.Tags.GetOrCreateMany(ctx, user.ID, input.Tags); err != nil {
			return err
		}

		if err := tx.Tasks.Create(ctx, task); err != nil {
			return err
		}
		event := &model.TaskEvent{
			TaskID:    task.ID,
			UserID:    user.ID,
			EventType: model.EventCreated,
			Metadata:  datatypes.JSONMap{"kind": task.Kind().String()},
		}
		if task.IsTemplate() {
			event.FieldName = "recurrence_type"
			event.NewValue = string(task.RecurrenceType)
		}
		if err := tx.Events.Create(ctx, event); err != nil {
			return err
		}

		if task.IsTemplate() && task.CompletionBased {
			first := rule.Anchor
			if task.DueDate == nil {
				first = today
			}
			if _, _, err := s.materializer.in(tx).Ensure(ctx, task, first, user.ID, SourceManual); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("task created", "user_id", user.ID, "task_id", task.ID, "kind", task.Kind().String())
	return task, nil
}

func (s *TaskService) ListActive(ctx context.Context, user *model.User) ([]model.Task, error) {
	return s.store.Tasks.ListActive(ctx, user.ID)
}

func (s *TaskService) ListTemplates(ctx context.Context, user *model.User) ([]model.Task, error) {
	return s.store.Tasks.ListTemplates(ctx, user.ID)
}

func (s *TaskService) GetTask(ctx context.Context, user *model.User, taskID uint) (*model.Task, error) {
	return s.store.Tasks.FindByID(ctx, user.ID, taskID)
}

// StatusChange is the outcome of ChangeStatus.
type StatusChange struct {
	Task       *model.Task       `json:"task"`
	Transition *TransitionResult `json:"transition,omitempty"`
}

// ChangeStatus moves a task to status. The status write, its audit event and the
// completion bookkeeping of an instance commit together or not at all.
func (s *TaskService) ChangeStatus(ctx context.Context, user *model.User, taskID uint, status model.Status) (*StatusChange, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	var change StatusChange
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		task, err := tx.Tasks.FindByID(ctx, user.ID, taskID)
		if err != nil {
			return err
		}
		change.Task = task
		if task.IsTemplate() {
			return fmt.Errorf("%w: templates have no status of their own", ErrInvalidStatus)
		}
		old := task.Status
		if old == status {
			return nil
		}

		task.Status = status
		if status == model.StatusDone {
			completedAt := s.now().UTC()
			task.CompletedAt = &completedAt
		} else {
			task.CompletedAt = nil
		}
		if err := tx.Tasks.UpdateStatus(ctx, task); err != nil {
			return err
		}
		event := &model.TaskEvent{
			TaskID:    task.ID,
			UserID:    user.ID,
			EventType: model.EventStatusChanged,
			FieldName: "status",
			OldValue:  string(old),
			NewValue:  string(status),
		}
		if err := tx.Events.Create(ctx, event); err != nil {
			return err
		}

		change.Transition, err = s.tracker.in(tx).OnStatusChanged(ctx, task, old, status, user.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("change status of task %d: %w", taskID, err)
	}
	return &change, nil
}

// CompleteTask marks a task as done.
func (s *TaskService) CompleteTask(ctx context.Context, user *model.User, taskID uint) (*StatusChange, error) {
	return s.ChangeStatus(ctx, user, taskID, model.StatusDone)
}

// SkipOccurrence resolves an instance without doing it. The instance is archived, not deleted.
func (s *TaskService) SkipOccurrence(ctx context.Context, user *model.User, taskID uint) (*StatusChange, error) {
	var change StatusChange
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		task, err := tx.Tasks.FindByID(ctx, user.ID, taskID)
		if err != nil {
			return err
		}
		change.Task = task
		change.Transition, err = s.tracker.in(tx).OnSkipped(ctx, task, user.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &change, nil
}

// UpdateRecurrence replaces the rule of a template and audits the change.
func (s *TaskService) UpdateRecurrence(ctx context.Context, user *model.User, taskID uint, input RecurrenceInput) (*model.Task, error) {
	if input.Type == "" || input.Type == model.RecurrenceNone {
		return nil, fmt.Errorf("%w: a template needs a recurrence type", recurrence.ErrInvalidRule)
	}

	var task *model.Task
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		var err error
		if task, err = tx.Tasks.FindByID(ctx, user.ID, taskID); err != nil {
			return err
		}
		if !task.IsTemplate() {
			return fmt.Errorf("%w: task %d is a %s, not a template", recurrence.ErrInvalidRule, task.ID, task.Kind())
		}
		oldType, oldInterval := task.RecurrenceType, task.RecurrenceInterval

		applyRecurrence(task, &input)
		if _, err := recurrence.FromTask(task, task.CreatedAt.In(user.Location())); err != nil {
			return err
		}
		if err := tx.Tasks.UpdateRecurrence(ctx, task); err != nil {
			return err
		}
		return tx.Events.Create(ctx, &model.TaskEvent{
			TaskID:    task.ID,
			UserID:    user.ID,
			EventType: model.EventRecurrenceChanged,
			FieldName: "recurrence",
			OldValue:  fmt.Sprintf("%s/%d", oldType, oldInterval),
			NewValue:  fmt.Sprintf("%s/%d", task.RecurrenceType, task.RecurrenceInterval),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("update recurrence of task %d: %w", taskID, err)
	}
	return task, nil
}

// History returns the completion and skip rows of a template.
func (s *TaskService) History(ctx context.Context, user *model.User, templateID uint) ([]model.RecurrenceCompletion, error) {
	tmpl, err := s.store.Tasks.FindByID(ctx, user.ID, templateID)
	if err != nil {
		return nil, err
	}
	if !tmpl.IsTemplate() {
		return nil, fmt.Errorf("%w: task %d is a %s, not a template", recurrence.ErrInvalidRule, tmpl.ID, tmpl.Kind())
	}
	return s.store.Completions.ListByTemplate(ctx, tmpl.ID)
}

// Events returns the audit trail of a task.
func (s *TaskService) Events(ctx context.Context, user *model.User, taskID uint) ([]model.TaskEvent, error) {
	task, err := s.store.Tasks.FindByID(ctx, user.ID, taskID)
	if err != nil {
		return nil, err
	}
	return s.store.Events.ListByTask(ctx, task.ID)
}

func applyRecurrence(task *model.Task, r *RecurrenceInput) {
	task.RecurrenceType = r.Type
	task.RecurrenceInterval = r.Interval
	if task.RecurrenceInterval == 0 {
		task.RecurrenceInterval = 1
	}
	task.RecurrenceWeekday = r.Weekday
	task.RecurrenceMonthDay = r.MonthDay
	task.RecurrenceWeekOfMonth = r.WeekOfMonth
	task.RecurrenceEndDate = nil
	if r.EndDate != nil {
		end := recurrence.Date(*r.EndDate)
		task.RecurrenceEndDate = &end
	}
	task.CompletionBased = r.CompletionBased
}
