package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daily-planner/internal/model"
	"daily-planner/internal/recurrence"
	"daily-planner/internal/repository"
)

type fixture struct {
	store        *repository.Store
	lock         *GenerationLock
	materializer *Materializer
	tracker      *CompletionTracker
	orchestrator *Orchestrator
	tasks        *TaskService
	now          time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := repository.NewDB(repository.DriverSQLite, filepath.Join(t.TempDir(), "planner.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := repository.NewStore(db)

	f := &fixture{store: store, now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	f.lock = NewGenerationLock(store.Locks)
	f.lock.now = clock
	f.materializer = NewMaterializer(store, log)
	f.tracker = NewCompletionTracker(store, f.materializer, log)
	f.tracker.now = clock
	f.orchestrator = NewOrchestrator(store, f.lock, f.materializer, log, OrchestratorConfig{
		LockTTL:        30 * time.Second,
		MaxPerTemplate: 366,
		Workers:        2,
	})
	f.orchestrator.now = clock
	f.tasks = NewTaskService(store, f.tracker, f.materializer, log)
	f.tasks.now = clock
	return f
}

func (f *fixture) user(t *testing.T, tz string) *model.User {
	t.Helper()

	u := &model.User{FirstName: "Test", Timezone: tz}
	require.NoError(t, f.store.Users.Create(context.Background(), u))
	return u
}

func (f *fixture) template(t *testing.T, tmpl *model.Task) *model.Task {
	t.Helper()

	if tmpl.RecurrenceInterval == 0 {
		tmpl.RecurrenceInterval = 1
	}
	require.NoError(t, f.store.Tasks.Create(context.Background(), tmpl))
	return tmpl
}

func (f *fixture) dueDates(t *testing.T, templateID uint) []string {
	t.Helper()

	instances, err := f.store.Tasks.ListInstances(context.Background(), templateID)
	require.NoError(t, err)
	out := make([]string, 0, len(instances))
	for _, inst := range instances {
		out = append(out, inst.DueDate.UTC().Format(time.DateOnly))
	}
	return out
}

func date(s string) time.Time {
	d, err := recurrence.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func datePtr(s string) *time.Time {
	d := date(s)
	return &d
}

func intPtr(v int) *int { return &v }

func TestOrchestrator_DailyTemplateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.user(t, "UTC")
	tmpl := f.template(t, &model.Task{UserID: user.ID, Name: "stretch", RecurrenceType: model.RecurrenceDaily, DueDate: datePtr("2024-01-01")})

	res, err := f.orchestrator.RunForUser(ctx, user.ID, date("2024-01-05"))
	require.NoError(t, err)
	assert.False(t, res.Busy)
	assert.Len(t, res.InstancesCreated, 5)
	assert.Empty(t, res.Failures)

	res, err = f.orchestrator.RunForUser(ctx, user.ID, date("2024-01-05"))
	require.NoError(t, err)
	assert.Empty(t, res.InstancesCreated)

	assert.Equal(t, []string{"2024-01-01", "2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05"}, f.dueDates(t, tmpl.ID))

	got, err := f.store.Tasks.Get(ctx, tmpl.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastGeneratedDate)
	assert.Equal(t, "2024-01-05", got.LastGeneratedDate.UTC().Format(time.DateOnly))
}

func TestOrchestrator_InstancesCopyTemplateFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.user(t, "UTC")

	tmpl, err := f.tasks.CreateTask(ctx, user, TaskInput{
		Name:       "Pay rent",
		Note:       "transfer to landlord",
		Project:    "home",
		Tags:       []string{"bills"},
		Priority:   model.PriorityHigh,
		DueDate:    datePtr("2024-01-01"),
		Recurrence: &RecurrenceInput{Type: model.RecurrenceMonthly, Interval: 1},
	})
	require.NoError(t, err)
	require.True(t, tmpl.IsTemplate())

	res, err := f.orchestrator.RunForUser(ctx, user.ID, date("2024-01-01"))
	require.NoError(t, err)
	require.Len(t, res.InstancesCreated, 1)

	inst, err := f.store.Tasks.Get(ctx, res.InstancesCreated[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.KindInstance, inst.Kind())
	assert.Equal(t, "Pay rent", inst.Name)
	assert.Equal(t, "transfer to landlord", inst.Note)
	assert.Equal(t, model.PriorityHigh, inst.Priority)
	assert.Equal(t, model.StatusNotStarted, inst.Status)
	assert.Equal(t, model.RecurrenceNone, inst.RecurrenceType)
	assert.Equal(t, tmpl.ProjectID, inst.ProjectID)
	require.Len(t, inst.Tags, 1)
	assert.Equal(t, "bills", inst.Tags[0].Name)
}

func TestOrchestrator_WeeklyStride(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.user(t, "UTC")
	tmpl := f.template(t, &model.Task{
		UserID:             user.ID,
		Name:               "review",
		RecurrenceType:     model.RecurrenceWeekly,
		RecurrenceInterval: 2,
		RecurrenceWeekday:  intPtr(int(time.Wednesday)),
		DueDate:            datePtr("2024-01-01"),
	})

	_, err := f.orchestrator.RunForUser(ctx, user.ID, date("2024-03-01"))
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-03", "2024-01-17", "2024-01-31", "2024-02-14", "2024-02-28"}, f.dueDates(t, tmpl.ID))
}

func TestOrchestrator_MonthlyClampsToMonthEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.user(t, "UTC")
	tmpl := f.template(t, &model.Task{
		UserID:             user.ID,
		Name:               "invoice",
		RecurrenceType:     model.RecurrenceMonthly,
		RecurrenceMonthDay: intPtr(31),
		DueDate:            datePtr("2024-01-31"),
	})

	_, err := f.orchestrator.RunForUser(ctx, user.ID, date("2024-05-31"))
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-31", "2024-02-29", "2024-03-31", "2024-04-30", "2024-05-31"}, f.dueDates(t, tmpl.ID))
}

func TestOrchestrator_StopsAtEndDate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.user(t, "UTC")
	tmpl := f.template(t, &model.Task{
		UserID:            user.ID,
		Name:              "course",
		RecurrenceType:    model.RecurrenceDaily,
		DueDate:           datePtr("2024-01-01"),
		RecurrenceEndDate: datePtr("2024-01-03"),
	})

	res, err := f.orchestrator.RunForUser(ctx, user.ID, date("2024-01-10"))
	require.NoError(t, err)
	assert.Len(t, res.InstancesCreated, 3)

	res, err = f.orchestrator.RunForUser(ctx, user.ID, date("2024-02-10"))
	require.NoError(t, err)
	assert.Empty(t, res.InstancesCreated)
	assert.Empty(t, res.Failures)
	assert.Equal(t, []string{"2024-01-01", "2024-01-02", "2024-01-03"}, f.dueDates(t, tmpl.ID))
}

func TestOrchestrator_CapPerTemplateResumesNextPass(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.orchestrator.cfg.MaxPerTemplate = 3
	user := f.user(t, "UTC")
	tmpl := f.template(t, &model.Task{UserID: user.ID, Name: "walk", RecurrenceType: model.RecurrenceDaily, DueDate: datePtr("2024-01-01")})

	res, err := f.orchestrator.RunForUser(ctx, user.ID, date("2024-01-10"))
	require.NoError(t, err)
	assert.Len(t, res.InstancesCreated, 3)

	res, err = f.orchestrator.RunForUser(ctx, user.ID, date("2024-01-10"))
	require.NoError(t, err)
	assert.Len(t, res.InstancesCreated, 3)
	assert.Len(t, f.dueDates(t, tmpl.ID), 6)
}

func TestOrchestrator_InvalidTemplateDoesNotAbortRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.user(t, "UTC")
	// Nth week without a weekday passes the row shape check but cannot be evaluated.
	bad := f.template(t, &model.Task{
		UserID:                user.ID,
		Name:                  "broken",
		RecurrenceType:        model.RecurrenceMonthly,
		RecurrenceWeekOfMonth: intPtr(2),
		DueDate:               datePtr("2024-01-01"),
	})
	good := f.template(t, &model.Task{UserID: user.ID, Name: "ok", RecurrenceType: model.RecurrenceDaily, DueDate: datePtr("2024-01-01")})

	res, err := f.orchestrator.RunForUser(ctx, user.ID, date("2024-01-02"))
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, bad.ID, res.Failures[0].TemplateID)
	assert.Len(t, res.InstancesCreated, 2)
	assert.Len(t, f.dueDates(t, good.ID), 2)
	assert.Empty(t, f.dueDates(t, bad.ID))
}

func TestOrchestrator_BusyLockIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.user(t, "UTC")
	tmpl := f.template(t, &model.Task{UserID: user.ID, Name: "water", RecurrenceType: model.RecurrenceDaily, DueDate: datePtr("2024-01-01")})

	token, err := f.lock.Acquire(ctx, UserLockKey(user.ID), time.Minute)
	require.NoError(t, err)

	res, err := f.orchestrator.RunForUser(ctx, user.ID, date("2024-01-03"))
	require.NoError(t, err)
	assert.True(t, res.Busy)
	assert.Empty(t, res.InstancesCreated)
	assert.Empty(t, f.dueDates(t, tmpl.ID))

	require.NoError(t, f.lock.Release(ctx, UserLockKey(user.ID), token))

	res, err = f.orchestrator.RunForUser(ctx, user.ID, date("2024-01-03"))
	require.NoError(t, err)
	assert.False(t, res.Busy)
	assert.Len(t, res.InstancesCreated, 3)
}

func TestOrchestrator_ConcurrentRunsCreateEachOccurrenceOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.user(t, "UTC")
	tmpl := f.template(t, &model.Task{UserID: user.ID, Name: "read", RecurrenceType: model.RecurrenceDaily, DueDate: datePtr("2024-01-01")})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.orchestrator.RunForUser(ctx, user.ID, date("2024-01-05"))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			created += len(res.InstancesCreated)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, created)
	assert.Len(t, f.dueDates(t, tmpl.ID), 5)
}

func TestOrchestrator_EveryInstanceHasOneCreatedEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.user(t, "UTC")
	tmpl := f.template(t, &model.Task{UserID: user.ID, Name: "log", RecurrenceType: model.RecurrenceDaily, RecurrenceInterval: 2, DueDate: datePtr("2024-01-01")})

	for i := 0; i < 2; i++ {
		_, err := f.orchestrator.RunForUser(ctx, user.ID, date("2024-01-09"))
		require.NoError(t, err)
	}

	instances, err := f.store.Tasks.ListInstances(ctx, tmpl.ID)
	require.NoError(t, err)
	require.Len(t, instances, 5)
	for _, inst := range instances {
		events, err := f.store.Events.ListByTask(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, model.EventCreated, events[0].EventType)
		assert.Equal(t, user.ID, events[0].UserID)
		// JSON columns read numbers back as json.Number.
		assert.Equal(t, fmt.Sprint(tmpl.ID), fmt.Sprint(events[0].Metadata["template_id"]))
		assert.Equal(t, SourceScheduler, events[0].Metadata["source"])
	}
}

func TestOrchestrator_RunAllUsesEachUsersToday(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	// 2024-01-01 20:00 UTC is already 2024-01-02 in Auckland.
	f.now = time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC)

	utc := f.user(t, "UTC")
	nz := f.user(t, "Pacific/Auckland")
	utcTmpl := f.template(t, &model.Task{UserID: utc.ID, Name: "a", RecurrenceType: model.RecurrenceDaily, DueDate: datePtr("2024-01-01")})
	nzTmpl := f.template(t, &model.Task{UserID: nz.ID, Name: "b", RecurrenceType: model.RecurrenceDaily, DueDate: datePtr("2024-01-01")})

	results, err := f.orchestrator.RunAll(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	assert.Equal(t, []string{"2024-01-01", "2024-01-02"}, f.dueDates(t, utcTmpl.ID))
	assert.Equal(t, []string{"2024-01-01", "2024-01-02", "2024-01-03"}, f.dueDates(t, nzTmpl.ID))
}

func TestOrchestrator_SkipsCompletionBasedTemplates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.user(t, "UTC")
	tmpl := f.template(t, &model.Task{
		UserID:          user.ID,
		Name:            "haircut",
		RecurrenceType:  model.RecurrenceWeekly,
		CompletionBased: true,
		DueDate:         datePtr("2024-01-01"),
	})

	res, err := f.orchestrator.RunForUser(ctx, user.ID, date("2024-03-01"))
	require.NoError(t, err)
	assert.Empty(t, res.InstancesCreated)
	assert.Empty(t, f.dueDates(t, tmpl.ID))
}
