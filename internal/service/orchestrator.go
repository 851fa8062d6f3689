package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"daily-planner/internal/model"
	"daily-planner/internal/recurrence"
	"daily-planner/internal/repository"
)

// OrchestratorConfig tunes generation passes.
type OrchestratorConfig struct {
	LockTTL time.Duration
	// MaxPerTemplate caps the instances one template may produce in a single pass;
	// the high-water mark makes the next pass continue where this one stopped.
	MaxPerTemplate int
	// Workers bounds the number of users generated in parallel by RunAll.
	Workers int
}

// TemplateFailure is a template that was skipped during a pass.
type TemplateFailure struct {
	TemplateID uint   `json:"template_id"`
	Error      string `json:"error"`
}

// GenerationResult summarizes one pass for one user.
type GenerationResult struct {
	UserID           uint              `json:"user_id"`
	Busy             bool              `json:"busy"`
	InstancesCreated []model.Task      `json:"instances_created"`
	Failures         []TemplateFailure `json:"failures,omitempty"`
}

// Orchestrator runs generation passes: it materializes every due occurrence of a user's
// schedule-driven templates up to a horizon, under the user's generation lock.
type Orchestrator struct {
	store        *repository.Store
	lock         *GenerationLock
	materializer *Materializer
	log          *slog.Logger
	cfg          OrchestratorConfig
	now          func() time.Time
}

func NewOrchestrator(store *repository.Store, lock *GenerationLock, materializer *Materializer, log *slog.Logger, cfg OrchestratorConfig) *Orchestrator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Orchestrator{
		store:        store,
		lock:         lock,
		materializer: materializer,
		log:          log,
		cfg:          cfg,
		now:          time.Now,
	}
}

// Horizon returns today in the user's timezone plus days.
func (o *Orchestrator) Horizon(user model.User, days int) time.Time {
	return recurrence.Today(o.now(), user.Location()).AddDate(0, 0, days)
}

// RunForUser materializes the user's occurrences up to horizon (a calendar date).
// When another pass holds the user's lock it returns a Busy result without error.
func (o *Orchestrator) RunForUser(ctx context.Context, userID uint, horizon time.Time) (*GenerationResult, error) {
	result := &GenerationResult{UserID: userID, InstancesCreated: []model.Task{}}
	log := o.log.With("user_id", userID)

	key := UserLockKey(userID)
	token, err := o.lock.Acquire(ctx, key, o.cfg.LockTTL)
	if errors.Is(err, ErrLockBusy) {
		log.Debug("generation already in progress")
		result.Busy = true
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := o.lock.Release(context.WithoutCancel(ctx), key, token); err != nil {
			log.Warn("release generation lock", "error", err)
		}
	}()

	user, err := o.store.Users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", userID, err)
	}
	loc := user.Location()
	horizon = recurrence.Date(horizon)

	templates, err := o.store.Tasks.ListScheduledTemplates(ctx, userID)
	if err != nil {
		return nil, err
	}

	for i := range templates {
		tmpl := &templates[i]
		created, err := o.generate(ctx, tmpl, loc, horizon)
		result.InstancesCreated = append(result.InstancesCreated, created...)
		if err != nil {
			log.Error("template skipped", "template_id", tmpl.ID, "error", err)
			result.Failures = append(result.Failures, TemplateFailure{TemplateID: tmpl.ID, Error: err.Error()})
		}
	}

	log.Info("generation pass finished",
		"horizon", horizon.Format(time.DateOnly),
		"templates", len(templates),
		"created", len(result.InstancesCreated),
		"failed", len(result.Failures))
	return result, nil
}

func (o *Orchestrator) generate(ctx context.Context, tmpl *model.Task, loc *time.Location, horizon time.Time) ([]model.Task, error) {
	rule, err := recurrence.FromTask(tmpl, tmpl.CreatedAt.In(loc))
	if err != nil {
		return nil, err
	}

	after := rule.Anchor.AddDate(0, 0, -1)
	if tmpl.LastGeneratedDate != nil {
		after = recurrence.StoredDate(*tmpl.LastGeneratedDate)
	}
	if rule.Exhausted(after) {
		return nil, nil
	}

	var (
		created   []model.Task
		processed *time.Time
		genErr    error
	)
	for _, due := range rule.NextOccurrences(after, horizon, o.cfg.MaxPerTemplate) {
		instance, ok, err := o.materializer.Ensure(ctx, tmpl, due, tmpl.UserID, SourceScheduler)
		if err != nil {
			genErr = err
			break
		}
		d := due
		processed = &d
		if ok {
			created = append(created, *instance)
		}
	}

	if processed != nil {
		if err := o.store.Tasks.AdvanceLastGenerated(ctx, tmpl.ID, *processed); err != nil {
			return created, errors.Join(genErr, err)
		}
	}
	return created, genErr
}

// RunAll runs a pass for every user with a horizon of today plus horizonDays in each
// user's timezone. Users are processed in parallel; one user's failure does not stop the others.
func (o *Orchestrator) RunAll(ctx context.Context, horizonDays int) ([]*GenerationResult, error) {
	users, err := o.store.Users.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	results := make([]*GenerationResult, len(users))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for i, user := range users {
		g.Go(func() error {
			res, err := o.RunForUser(gctx, user.ID, o.Horizon(user, horizonDays))
			if err != nil {
				o.log.Error("generation failed", "user_id", user.ID, "error", err)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	out := results[:0]
	for _, res := range results {
		if res != nil {
			out = append(out, res)
		}
	}
	return out, nil
}
