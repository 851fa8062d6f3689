package bot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daily-planner/internal/model"
)

func TestParseRepeat(t *testing.T) {
	tests := []struct {
		in   string
		want model.RecurrenceType
		ok   bool
	}{
		{btnRepeatDaily, model.RecurrenceDaily, true},
		{" Каждую неделю ", model.RecurrenceWeekly, true},
		{"monthly", model.RecurrenceMonthly, true},
		{btnRepeatNone, model.RecurrenceNone, true},
		{"иногда", "", false},
	}
	for _, tt := range tests {
		got, ok := parseRepeat(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestShortTitle(t *testing.T) {
	assert.Equal(t, "Купить", shortTitle(" купить ", 20))
	assert.Equal(t, "Очень длинн…", shortTitle("очень длинное название", 12))
}

func TestFormatTask(t *testing.T) {
	today := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	due := func(d int) *time.Time {
		v := today.AddDate(0, 0, d)
		return &v
	}
	parent := uint(1)

	overdue := formatTask(model.Task{ID: 3, Name: "отчёт", DueDate: due(-1)}, today)
	assert.Contains(t, overdue, iconOverdue+" <b>#3</b> Отчёт")
	assert.Contains(t, overdue, "просрочено")

	soon := formatTask(model.Task{ID: 4, Name: "x", DueDate: due(2)}, today)
	assert.Contains(t, soon, iconDue)
	assert.Contains(t, soon, "осталось 2 дн.")

	inst := formatTask(model.Task{ID: 5, Name: "<b>", DueDate: due(0), RecurringParentID: &parent, Note: "a&b"}, today)
	assert.Contains(t, inst, iconRecurring)
	assert.Contains(t, inst, "&lt;b&gt;")
	assert.Contains(t, inst, "сегодня")
	assert.Contains(t, inst, "a&amp;b")
}

func TestGroupByProject(t *testing.T) {
	work, home := uint(1), uint(2)
	tasks := []model.Task{
		{ID: 1, Name: "a"},
		{ID: 2, Name: "b", ProjectID: &work},
		{ID: 3, Name: "c", ProjectID: &home},
		{ID: 4, Name: "d", ProjectID: &work},
	}
	groups, order := groupByProject(tasks, map[uint]string{work: "Работа", home: "Дом"})

	require.Equal(t, []string{"дом", "работа", noProjectKey}, order)
	assert.Len(t, groups["работа"].tasks, 2)
	assert.Equal(t, uint(2), groups["работа"].tasks[0].ID)
	assert.Contains(t, groups[noProjectKey].name, noProject)
}

func TestDescribeRule(t *testing.T) {
	assert.Equal(t, "каждый день", describeRule(&model.Task{RecurrenceType: model.RecurrenceDaily, RecurrenceInterval: 1}))
	assert.Equal(t, "раз в 2 нед., от дня выполнения",
		describeRule(&model.Task{RecurrenceType: model.RecurrenceWeekly, RecurrenceInterval: 2, CompletionBased: true}))
}
