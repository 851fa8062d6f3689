package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"

	"daily-planner/internal/model"
	"daily-planner/internal/recurrence"
	"daily-planner/internal/repository"
)

var (
	// ErrNotInstance is returned when an occurrence operation targets a task that has no template.
	ErrNotInstance = errors.New("task is not a recurring instance")
	// ErrOccurrenceResolved is returned when skipping an occurrence that was already completed or skipped.
	ErrOccurrenceResolved = errors.New("occurrence already resolved")
)

// TransitionResult describes what a completion or skip wrote.
type TransitionResult struct {
	Completion *model.RecurrenceCompletion `json:"completion,omitempty"`
	// Next is the occurrence materialized for completion-based templates.
	Next        *model.Task `json:"next,omitempty"`
	NextCreated bool        `json:"next_created"`
}

// CompletionTracker records the resolution of instances and, for completion-based
// templates, materializes the following occurrence from the resolution moment.
// It does not take the generation lock; the occurrence uniqueness constraint covers races.
type CompletionTracker struct {
	store        *repository.Store
	materializer *Materializer
	log          *slog.Logger
	now          func() time.Time
}

func NewCompletionTracker(store *repository.Store, materializer *Materializer, log *slog.Logger) *CompletionTracker {
	return &CompletionTracker{store: store, materializer: materializer, log: log, now: time.Now}
}

func (t *CompletionTracker) in(tx *repository.Store) *CompletionTracker {
	c := *t
	c.store = tx
	c.materializer = t.materializer.in(tx)
	return &c
}

// OnStatusChanged is called by the task update path after an instance changed status.
// Only a transition into done is recorded; everything else is a no-op returning nil.
func (t *CompletionTracker) OnStatusChanged(ctx context.Context, instance *model.Task, oldStatus, newStatus model.Status, actorID uint) (*TransitionResult, error) {
	if instance.Kind() != model.KindInstance {
		return nil, nil
	}
	if newStatus != model.StatusDone || oldStatus == model.StatusDone {
		return nil, nil
	}

	var result *TransitionResult
	err := t.store.Transaction(ctx, func(tx *repository.Store) error {
		tmpl, err := tx.Tasks.Get(ctx, *instance.RecurringParentID)
		if err != nil {
			return fmt.Errorf("load template %d: %w", *instance.RecurringParentID, err)
		}

		resolved, err := tx.Completions.Resolved(ctx, tmpl.ID, instance.DueDate)
		if err != nil {
			return err
		}
		if resolved {
			return t.resolvedBefore(ctx, tx, tmpl, instance)
		}

		completedAt := t.now().UTC()
		completion := &model.RecurrenceCompletion{
			TaskID:          tmpl.ID,
			InstanceID:      &instance.ID,
			CompletedAt:     completedAt,
			OriginalDueDate: instance.DueDate,
		}
		created, err := tx.Completions.CreateOnce(ctx, completion)
		if err != nil {
			return err
		}
		if !created {
			// Resolved concurrently by another transaction.
			return t.resolvedBefore(ctx, tx, tmpl, instance)
		}
		event := &model.TaskEvent{
			TaskID:    instance.ID,
			UserID:    actorID,
			EventType: model.EventCompleted,
			FieldName: "status",
			OldValue:  string(oldStatus),
			NewValue:  string(newStatus),
			Metadata:  occurrenceMetadata(tmpl.ID, instance.DueDate),
		}
		if err := tx.Events.Create(ctx, event); err != nil {
			return err
		}

		result = &TransitionResult{Completion: completion}
		if tmpl.CompletionBased {
			next, created, err := t.in(tx).advance(ctx, tmpl, completedAt, instance.DueDate, actorID)
			if err != nil {
				return err
			}
			result.Next, result.NextCreated = next, created
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record completion of task %d: %w", instance.ID, err)
	}
	return result, nil
}

// OnSkipped archives the instance and records the occurrence as skipped. For completion-based
// templates the skip moment anchors the next occurrence, exactly like a completion.
func (t *CompletionTracker) OnSkipped(ctx context.Context, instance *model.Task, actorID uint) (*TransitionResult, error) {
	if instance.Kind() != model.KindInstance {
		return nil, ErrNotInstance
	}

	var result *TransitionResult
	err := t.store.Transaction(ctx, func(tx *repository.Store) error {
		tmpl, err := tx.Tasks.Get(ctx, *instance.RecurringParentID)
		if err != nil {
			return fmt.Errorf("load template %d: %w", *instance.RecurringParentID, err)
		}

		resolved, err := tx.Completions.Resolved(ctx, tmpl.ID, instance.DueDate)
		if err != nil {
			return err
		}
		if resolved || instance.Status == model.StatusDone || instance.Status == model.StatusArchived {
			return ErrOccurrenceResolved
		}

		skippedAt := t.now().UTC()
		completion := &model.RecurrenceCompletion{
			TaskID:          tmpl.ID,
			InstanceID:      &instance.ID,
			CompletedAt:     skippedAt,
			OriginalDueDate: instance.DueDate,
			Skipped:         true,
		}
		created, err := tx.Completions.CreateOnce(ctx, completion)
		if err != nil {
			return err
		}
		if !created {
			return ErrOccurrenceResolved
		}

		oldStatus := instance.Status
		instance.Status = model.StatusArchived
		if err := tx.Tasks.UpdateStatus(ctx, instance); err != nil {
			return err
		}

		meta := occurrenceMetadata(tmpl.ID, instance.DueDate)
		meta["skipped"] = true
		event := &model.TaskEvent{
			TaskID:    instance.ID,
			UserID:    actorID,
			EventType: model.EventArchived,
			FieldName: "status",
			OldValue:  string(oldStatus),
			NewValue:  string(model.StatusArchived),
			Metadata:  meta,
		}
		if err := tx.Events.Create(ctx, event); err != nil {
			return err
		}

		result = &TransitionResult{Completion: completion}
		if tmpl.CompletionBased {
			next, created, err := t.in(tx).advance(ctx, tmpl, skippedAt, instance.DueDate, actorID)
			if err != nil {
				return err
			}
			result.Next, result.NextCreated = next, created
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("skip task %d: %w", instance.ID, err)
	}
	return result, nil
}

// resolvedBefore handles a completion of an occurrence that already has a history row.
// A skipped occurrence cannot be completed; a completed one is not recorded twice.
func (t *CompletionTracker) resolvedBefore(ctx context.Context, tx *repository.Store, tmpl, instance *model.Task) error {
	prev, err := tx.Completions.Find(ctx, tmpl.ID, instance.DueDate)
	if err != nil {
		return fmt.Errorf("load completion: %w", err)
	}
	if prev.Skipped {
		return fmt.Errorf("%w: occurrence of task %d was skipped", ErrOccurrenceResolved, instance.ID)
	}
	t.log.Info("occurrence already resolved, completion not recorded again",
		"template_id", tmpl.ID, "task_id", instance.ID)
	return nil
}

// maxAdvanceSteps bounds the search for an unresolved next occurrence.
const maxAdvanceSteps = 64

// advance materializes the single occurrence following a resolution at the given moment.
// The occurrence falls after due, the date of the resolved occurrence, and is never one
// that is already done or archived. An invalid rule or an exhausted template is logged
// and produces nothing.
func (t *CompletionTracker) advance(ctx context.Context, tmpl *model.Task, resolvedAt time.Time, due *time.Time, actorID uint) (*model.Task, bool, error) {
	owner, err := t.store.Users.FindByID(ctx, tmpl.UserID)
	if err != nil {
		return nil, false, fmt.Errorf("load owner %d: %w", tmpl.UserID, err)
	}
	loc := owner.Location()

	rule, err := recurrence.FromTask(tmpl, tmpl.CreatedAt.In(loc))
	if err != nil {
		t.log.Error("completion-based template has an invalid rule", "template_id", tmpl.ID, "error", err)
		return nil, false, nil
	}

	anchor := recurrence.Today(resolvedAt, loc)
	floor := anchor
	if due != nil {
		floor = recurrence.StoredDate(*due)
	}
	for i := 0; i < maxAdvanceSteps; i++ {
		next, ok := rule.NextAnchoredAfter(anchor, floor)
		if !ok {
			t.log.Info("completion-based template exhausted", "template_id", tmpl.ID)
			return nil, false, nil
		}
		instance, created, err := t.materializer.Ensure(ctx, tmpl, next, actorID, SourceCompletion)
		if err != nil || created || !closed(instance.Status) {
			return instance, created, err
		}
		floor = next
	}
	t.log.Warn("no open occurrence found ahead", "template_id", tmpl.ID, "after", floor.Format(time.DateOnly))
	return nil, false, nil
}

func closed(s model.Status) bool {
	return s == model.StatusDone || s == model.StatusArchived
}

func occurrenceMetadata(templateID uint, due *time.Time) datatypes.JSONMap {
	meta := datatypes.JSONMap{"template_id": templateID}
	if due != nil {
		meta["original_due_date"] = recurrence.StoredDate(*due).Format(time.DateOnly)
	}
	return meta
}
