package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskKind(t *testing.T) {
	parent := uint(1)

	assert.Equal(t, KindPlain, (&Task{}).Kind())
	assert.Equal(t, KindPlain, (&Task{RecurrenceType: RecurrenceNone}).Kind())
	assert.Equal(t, KindTemplate, (&Task{RecurrenceType: RecurrenceWeekly}).Kind())
	assert.Equal(t, KindInstance, (&Task{RecurringParentID: &parent, RecurrenceType: RecurrenceNone}).Kind())
}

func TestValidateShape(t *testing.T) {
	parent := uint(3)
	badDay := 32
	badWeekday := 7

	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{name: "plain", task: Task{Name: "buy milk"}},
		{name: "template", task: Task{RecurrenceType: RecurrenceDaily, RecurrenceInterval: 2}},
		{name: "instance", task: Task{RecurringParentID: &parent, RecurrenceType: RecurrenceNone}},
		{name: "instance with rule", task: Task{RecurringParentID: &parent, RecurrenceType: RecurrenceDaily, RecurrenceInterval: 1}, wantErr: true},
		{name: "self parent", task: Task{ID: 3, RecurringParentID: &parent}, wantErr: true},
		{name: "template zero interval", task: Task{RecurrenceType: RecurrenceMonthly}, wantErr: true},
		{name: "month day out of range", task: Task{RecurrenceType: RecurrenceMonthly, RecurrenceInterval: 1, RecurrenceMonthDay: &badDay}, wantErr: true},
		{name: "weekday out of range", task: Task{RecurrenceType: RecurrenceWeekly, RecurrenceInterval: 1, RecurrenceWeekday: &badWeekday}, wantErr: true},
		{name: "unknown status", task: Task{Status: "closed"}, wantErr: true},
		{name: "unknown recurrence", task: Task{RecurrenceType: "hourly", RecurrenceInterval: 1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.ValidateShape()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrShapeViolation)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestUserLocation(t *testing.T) {
	assert.Equal(t, "UTC", User{}.Location().String())
	assert.Equal(t, "UTC", User{Timezone: "Mars/Olympus"}.Location().String())
	assert.Equal(t, "Europe/Moscow", User{Timezone: "Europe/Moscow"}.Location().String())
}

func TestTaskAfterFindNormalizesDatesToUTC(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	midnight := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	due := midnight.In(ny)
	last := midnight.AddDate(0, 0, 3).In(ny)
	task := &Task{DueDate: &due, LastGeneratedDate: &last}
	require.NoError(t, task.AfterFind(nil))

	assert.Equal(t, time.UTC, task.DueDate.Location())
	assert.Equal(t, "2024-01-01", task.DueDate.Format(time.DateOnly))
	assert.Equal(t, "2024-01-04", task.LastGeneratedDate.Format(time.DateOnly))
	assert.Nil(t, task.RecurrenceEndDate)

	orig := midnight.In(ny)
	c := &RecurrenceCompletion{OriginalDueDate: &orig}
	require.NoError(t, c.AfterFind(nil))
	assert.Equal(t, "2024-01-01", c.OriginalDueDate.Format(time.DateOnly))
}
