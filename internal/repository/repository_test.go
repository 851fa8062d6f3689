package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daily-planner/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := NewDB(DriverSQLite, filepath.Join(t.TempDir(), "planner.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewStore(db)
}

func createUser(t *testing.T, s *Store) *model.User {
	t.Helper()

	user := &model.User{FirstName: "Test", Timezone: "UTC"}
	require.NoError(t, s.Users.Create(context.Background(), user))
	return user
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestLockRepository_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	ok, err := s.Locks.Acquire(ctx, "user:1", "token-a", now, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Locks.Acquire(ctx, "user:1", "token-b", now.Add(time.Second), 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "live lock must not be taken over")

	ok, err = s.Locks.Acquire(ctx, "user:2", "token-c", now, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "other owners are independent")

	released, err := s.Locks.Release(ctx, "user:1", "token-b")
	require.NoError(t, err)
	assert.False(t, released, "wrong token must not release")

	released, err = s.Locks.Release(ctx, "user:1", "token-a")
	require.NoError(t, err)
	assert.True(t, released)

	_, err = s.Locks.Get(ctx, "user:1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLockRepository_StaleLockIsReplaced(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	ok, err := s.Locks.Acquire(ctx, "user:1", "old", now, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Locks.Acquire(ctx, "user:1", "new", now.Add(11*time.Second), 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	l, err := s.Locks.Get(ctx, "user:1")
	require.NoError(t, err)
	assert.Equal(t, "new", l.Token)

	released, err := s.Locks.Release(ctx, "user:1", "old")
	require.NoError(t, err)
	assert.False(t, released, "expired holder cannot release the new lock")
}

func TestTaskRepository_OccurrenceUniqueness(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := createUser(t, s)

	tmpl := &model.Task{UserID: user.ID, Name: "water plants", RecurrenceType: model.RecurrenceDaily, RecurrenceInterval: 1}
	require.NoError(t, s.Tasks.Create(ctx, tmpl))
	assert.NotEmpty(t, tmpl.UID)

	due := date(2024, 1, 1)
	first := &model.Task{UserID: user.ID, Name: "water plants", DueDate: &due, RecurringParentID: &tmpl.ID}
	require.NoError(t, s.Tasks.Create(ctx, first))

	dup := &model.Task{UserID: user.ID, Name: "water plants", DueDate: &due, RecurringParentID: &tmpl.ID}
	err := s.Tasks.Create(ctx, dup)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	found, err := s.Tasks.FindInstance(ctx, tmpl.ID, due)
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
}

func TestTaskRepository_RejectsShapeViolation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := createUser(t, s)

	parent := uint(1)
	bad := &model.Task{UserID: user.ID, Name: "bad", RecurringParentID: &parent, RecurrenceType: model.RecurrenceWeekly, RecurrenceInterval: 1}
	err := s.Tasks.Create(ctx, bad)
	require.ErrorIs(t, err, model.ErrShapeViolation)
}

func TestTaskRepository_ListActiveExcludesTemplates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := createUser(t, s)

	tmpl := &model.Task{UserID: user.ID, Name: "template", RecurrenceType: model.RecurrenceWeekly, RecurrenceInterval: 1}
	require.NoError(t, s.Tasks.Create(ctx, tmpl))
	due := date(2024, 1, 1)
	inst := &model.Task{UserID: user.ID, Name: "instance", DueDate: &due, RecurringParentID: &tmpl.ID}
	require.NoError(t, s.Tasks.Create(ctx, inst))
	plain := &model.Task{UserID: user.ID, Name: "plain"}
	require.NoError(t, s.Tasks.Create(ctx, plain))
	done := &model.Task{UserID: user.ID, Name: "done", Status: model.StatusDone}
	require.NoError(t, s.Tasks.Create(ctx, done))

	tasks, err := s.Tasks.ListActive(ctx, user.ID)
	require.NoError(t, err)

	var names []string
	for _, task := range tasks {
		names = append(names, task.Name)
	}
	assert.ElementsMatch(t, []string{"instance", "plain"}, names)
}

func TestTaskRepository_AdvanceLastGeneratedNeverMovesBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := createUser(t, s)

	tmpl := &model.Task{UserID: user.ID, Name: "template", RecurrenceType: model.RecurrenceDaily, RecurrenceInterval: 1}
	require.NoError(t, s.Tasks.Create(ctx, tmpl))

	require.NoError(t, s.Tasks.AdvanceLastGenerated(ctx, tmpl.ID, date(2024, 1, 10)))
	require.NoError(t, s.Tasks.AdvanceLastGenerated(ctx, tmpl.ID, date(2024, 1, 5)))

	got, err := s.Tasks.Get(ctx, tmpl.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastGeneratedDate)
	assert.True(t, got.LastGeneratedDate.Equal(date(2024, 1, 10)))
}

func TestStore_NestedTransactionRollsBackSavepointOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := createUser(t, s)

	err := s.Transaction(ctx, func(tx *Store) error {
		require.NoError(t, tx.Tasks.Create(ctx, &model.Task{UserID: user.ID, Name: "kept"}))
		inner := tx.Transaction(ctx, func(tx *Store) error {
			if err := tx.Tasks.Create(ctx, &model.Task{UserID: user.ID, Name: "dropped"}); err != nil {
				return err
			}
			return errors.New("boom")
		})
		require.Error(t, inner)
		return nil
	})
	require.NoError(t, err)

	tasks, err := s.Tasks.ListActive(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "kept", tasks[0].Name)
}

func TestTagRepository_GetOrCreateMany(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := createUser(t, s)

	tags, err := s.Tags.GetOrCreateMany(ctx, user.ID, []string{"Home", "home ", "", "errands"})
	require.NoError(t, err)
	require.Len(t, tags, 2)

	again, err := s.Tags.GetOrCreateMany(ctx, user.ID, []string{"home"})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, tags[0].ID, again[0].ID)
}

func TestCompletionRepository_OneRowPerOccurrence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := createUser(t, s)

	tmpl := &model.Task{UserID: user.ID, Name: "run", RecurrenceType: model.RecurrenceDaily, RecurrenceInterval: 1}
	require.NoError(t, s.Tasks.Create(ctx, tmpl))
	due := date(2024, 1, 1)

	err := s.Transaction(ctx, func(tx *Store) error {
		created, err := tx.Completions.CreateOnce(ctx, &model.RecurrenceCompletion{TaskID: tmpl.ID, CompletedAt: time.Now(), OriginalDueDate: &due, Skipped: true})
		require.NoError(t, err)
		assert.True(t, created)

		created, err = tx.Completions.CreateOnce(ctx, &model.RecurrenceCompletion{TaskID: tmpl.ID, CompletedAt: time.Now(), OriginalDueDate: &due})
		require.NoError(t, err)
		assert.False(t, created, "the occurrence is already resolved")

		// The transaction stays usable after the duplicate.
		next := date(2024, 1, 2)
		created, err = tx.Completions.CreateOnce(ctx, &model.RecurrenceCompletion{TaskID: tmpl.ID, CompletedAt: time.Now(), OriginalDueDate: &next})
		require.NoError(t, err)
		assert.True(t, created)
		return nil
	})
	require.NoError(t, err)

	err = s.Completions.Create(ctx, &model.RecurrenceCompletion{TaskID: tmpl.ID, CompletedAt: time.Now(), OriginalDueDate: &due})
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	rows, err := s.Completions.ListByTemplate(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	found, err := s.Completions.Find(ctx, tmpl.ID, &due)
	require.NoError(t, err)
	assert.True(t, found.Skipped)

	_, err = s.Completions.Find(ctx, tmpl.ID, ptrDate(date(2024, 1, 3)))
	assert.ErrorIs(t, err, ErrNotFound)
}

func ptrDate(t time.Time) *time.Time { return &t }
