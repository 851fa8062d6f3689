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

// Sources recorded in the metadata of materialization events.
const (
	SourceScheduler  = "scheduler"
	SourceCompletion = "completion"
	SourceManual     = "manual"
)

// Materializer turns one occurrence of a template into a concrete task instance.
type Materializer struct {
	store *repository.Store
	log   *slog.Logger
}

func NewMaterializer(store *repository.Store, log *slog.Logger) *Materializer {
	return &Materializer{store: store, log: log}
}

func (m *Materializer) in(tx *repository.Store) *Materializer {
	return &Materializer{store: tx, log: m.log}
}

// Ensure makes sure tmpl has an instance due on due. It returns the instance and whether this
// call created it. A concurrent insert of the same occurrence is reported as already existing.
func (m *Materializer) Ensure(ctx context.Context, tmpl *model.Task, due time.Time, actorID uint, source string) (*model.Task, bool, error) {
	due = recurrence.Date(due)

	var (
		instance *model.Task
		created  bool
	)
	err := m.store.Transaction(ctx, func(tx *repository.Store) error {
		existing, err := tx.Tasks.FindInstance(ctx, tmpl.ID, due)
		if err == nil {
			instance = existing
			return nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("find instance: %w", err)
		}

		inst := &model.Task{
			UserID:            tmpl.UserID,
			ProjectID:         tmpl.ProjectID,
			Name:              tmpl.Name,
			Note:              tmpl.Note,
			Priority:          tmpl.Priority,
			Status:            model.StatusNotStarted,
			DueDate:           &due,
			RecurrenceType:    model.RecurrenceNone,
			RecurringParentID: &tmpl.ID,
			Tags:              append([]model.Tag(nil), tmpl.Tags...),
		}
		if err := tx.Tasks.Create(ctx, inst); err != nil {
			return err
		}

		event := &model.TaskEvent{
			TaskID:    inst.ID,
			UserID:    actorID,
			EventType: model.EventCreated,
			FieldName: "due_date",
			NewValue:  due.Format(time.DateOnly),
			Metadata: datatypes.JSONMap{
				"template_id": tmpl.ID,
				"source":      source,
			},
		}
		if err := tx.Events.Create(ctx, event); err != nil {
			return err
		}

		instance, created = inst, true
		return nil
	})

	switch {
	case err == nil:
	case repository.IsUniqueViolation(err):
		m.log.Debug("occurrence already materialized", "template_id", tmpl.ID, "due_date", due.Format(time.DateOnly))
		existing, ferr := m.store.Tasks.FindInstance(ctx, tmpl.ID, due)
		if ferr != nil {
			return nil, false, fmt.Errorf("load concurrent instance: %w", ferr)
		}
		return existing, false, nil
	default:
		return nil, false, fmt.Errorf("materialize template %d on %s: %w", tmpl.ID, due.Format(time.DateOnly), err)
	}

	if created {
		m.log.Info("instance materialized",
			"template_id", tmpl.ID, "task_id", instance.ID, "due_date", due.Format(time.DateOnly), "source", source)
	}
	return instance, created, nil
}
