package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daily-planner/internal/model"
)

func TestReminderService_DailySummary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.user(t, "UTC")

	_, err := f.tasks.CreateTask(ctx, user, TaskInput{Name: "Report <draft>", Project: "work", DueDate: datePtr("2024-01-05")})
	require.NoError(t, err)
	_, err = f.tasks.CreateTask(ctx, user, TaskInput{Name: "Old bill", DueDate: datePtr("2023-12-20")})
	require.NoError(t, err)
	f.template(t, &model.Task{UserID: user.ID, Name: "Meditate", RecurrenceType: model.RecurrenceDaily, DueDate: datePtr("2024-01-10")})
	_, err = f.orchestrator.RunForUser(ctx, user.ID, date("2024-01-10"))
	require.NoError(t, err)

	reminders := NewReminderService(f.store)
	text, err := reminders.DailySummary(ctx, *user, time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Contains(t, text, "04.01.2024")
	assert.Contains(t, text, "Report &lt;draft&gt;")
	assert.Contains(t, text, "<i>(work)</i>")
	assert.Contains(t, text, "просрочено")
	assert.Contains(t, text, "Meditate")
	assert.Contains(t, text, "осталось 6 дн.")
}

func TestReminderService_EmptySummary(t *testing.T) {
	f := newFixture(t)
	user := f.user(t, "UTC")

	text, err := NewReminderService(f.store).DailySummary(context.Background(), *user, f.now)
	require.NoError(t, err)
	assert.Contains(t, text, "нет открытых задач")
	assert.Contains(t, text, "нет запланированных повторений")
}
