package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daily-planner/internal/model"
	"daily-planner/internal/repository"
)

func setupEnv(t *testing.T) string {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "cli.db")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", dbPath)
	t.Setenv("LOG_LEVEL", "ERROR")
	t.Setenv("TELEGRAM_TOKEN", "")
	return dbPath
}

func seedTemplate(t *testing.T, dbPath string) (userID, templateID uint) {
	t.Helper()
	ctx := context.Background()

	db, err := repository.NewDB(repository.DriverSQLite, dbPath)
	require.NoError(t, err)
	defer closeDB(db)
	store := repository.NewStore(db)

	user := &model.User{FirstName: "Admin", Timezone: "UTC"}
	require.NoError(t, store.Users.Create(ctx, user))
	due := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tmpl := &model.Task{UserID: user.ID, Name: "backup", RecurrenceType: model.RecurrenceDaily, RecurrenceInterval: 1, DueDate: &due}
	require.NoError(t, store.Tasks.Create(ctx, tmpl))
	return user.ID, tmpl.ID
}

type generateOutput struct {
	UserID           uint         `json:"user_id"`
	Busy             bool         `json:"busy"`
	InstancesCreated []model.Task `json:"instances_created"`
}

func runGenerate(t *testing.T, args ...string) generateOutput {
	t.Helper()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs(append([]string{"generate"}, args...))
	require.NoError(t, root.ExecuteContext(context.Background()))

	var res generateOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &res), out.String())
	return res
}

func TestGenerateCommand_ForUser(t *testing.T) {
	dbPath := setupEnv(t)
	userID, templateID := seedTemplate(t, dbPath)
	user := strconv.FormatUint(uint64(userID), 10)

	res := runGenerate(t, "--user", user, "--horizon", "2024-01-03")
	assert.Equal(t, userID, res.UserID)
	assert.False(t, res.Busy)
	require.Len(t, res.InstancesCreated, 3)
	for i, inst := range res.InstancesCreated {
		require.NotNil(t, inst.RecurringParentID)
		assert.Equal(t, templateID, *inst.RecurringParentID)
		assert.Equal(t, time.Date(2024, 1, 1+i, 0, 0, 0, 0, time.UTC), inst.DueDate.UTC())
	}

	res = runGenerate(t, "--user", user, "--horizon", "2024-01-03")
	assert.Empty(t, res.InstancesCreated)
}

func TestGenerateCommand_Errors(t *testing.T) {
	setupEnv(t)

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"generate", "--horizon", "2024-01-03"})
	assert.Error(t, root.ExecuteContext(context.Background()), "--horizon needs --user")

	root = newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"generate", "--user", "42"})
	assert.ErrorIs(t, root.ExecuteContext(context.Background()), repository.ErrNotFound)
}

func TestMigrateCommand(t *testing.T) {
	dbPath := setupEnv(t)

	root := newRootCmd()
	root.SetArgs([]string{"migrate"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	db, err := repository.NewDB(repository.DriverSQLite, dbPath)
	require.NoError(t, err)
	defer closeDB(db)
	assert.True(t, db.Migrator().HasTable(&model.RecurrenceCompletion{}))
	assert.True(t, db.Migrator().HasTable(&model.GenerationLock{}))
}

func TestServeCommand_StopsOnCancel(t *testing.T) {
	setupEnv(t)
	t.Setenv("HTTP_ADDRESS", "127.0.0.1:0")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	root := newRootCmd()
	root.SetArgs([]string{"serve"})
	assert.NoError(t, root.ExecuteContext(ctx))
}
