package service

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"daily-planner/internal/model"
	"daily-planner/internal/recurrence"
	"daily-planner/internal/repository"
)

// ReminderService builds human-readable summaries for daily notifications.
type ReminderService struct {
	store *repository.Store
}

func NewReminderService(store *repository.Store) *ReminderService {
	return &ReminderService{store: store}
}

// DailySummary lists the user's open plain tasks and recurring instances as seen on now
// in the user's timezone.
func (s *ReminderService) DailySummary(ctx context.Context, user model.User, now time.Time) (string, error) {
	tasks, err := s.store.Tasks.ListActive(ctx, user.ID)
	if err != nil {
		return "", err
	}

	projects, err := s.store.Projects.ListByUser(ctx, user.ID)
	if err != nil {
		return "", err
	}
	projectNames := make(map[uint]string)
	for _, p := range projects {
		projectNames[p.ID] = p.Name
	}

	today := recurrence.Today(now, user.Location())

	// ListActive already orders by due date, undated last.
	var pending, recurring []model.Task
	for _, task := range tasks {
		if task.IsInstance() {
			recurring = append(recurring, task)
			continue
		}
		pending = append(pending, task)
	}

	var builder strings.Builder
	builder.WriteString("📋 <b>Ежедневный отчёт</b>\n")
	builder.WriteString(fmt.Sprintf("🗓 %s\n\n", today.Format("02.01.2006")))

	builder.WriteString("🔥 <b>Текущие задачи</b>\n")
	if len(pending) == 0 {
		builder.WriteString("— нет открытых задач\n")
	} else {
		for _, task := range pending {
			builder.WriteString(formatTask(task, projectNames, today))
		}
	}

	builder.WriteString("\n♻️ <b>Регулярные задачи</b>\n")
	if len(recurring) == 0 {
		builder.WriteString("— нет запланированных повторений\n")
	} else {
		for _, task := range recurring {
			builder.WriteString(formatTask(task, projectNames, today))
		}
	}

	return strings.TrimSpace(builder.String()), nil
}

func formatTask(task model.Task, projectNames map[uint]string, today time.Time) string {
	var sb strings.Builder

	icon := "🟢"
	if task.IsInstance() {
		icon = "♻️"
	}
	if task.DueDate != nil {
		d := recurrence.StoredDate(*task.DueDate)
		switch {
		case d.Before(today):
			icon = "⚠️"
		case !d.After(today.AddDate(0, 0, 2)):
			icon = "⏳"
		}
	}

	sb.WriteString(fmt.Sprintf("%s <code>#%d</code> %s", icon, task.ID, html.EscapeString(strings.TrimSpace(task.Name))))

	if task.ProjectID != nil {
		if name := strings.TrimSpace(projectNames[*task.ProjectID]); name != "" {
			sb.WriteString(fmt.Sprintf(" <i>(%s)</i>", html.EscapeString(name)))
		}
	}

	if task.DueDate != nil {
		d := recurrence.StoredDate(*task.DueDate)
		daysLeft := int(d.Sub(today).Hours() / 24)
		switch {
		case daysLeft < 0:
			sb.WriteString(fmt.Sprintf("\n   ⏰ до %s · <b>просрочено</b>", d.Format(time.DateOnly)))
		case daysLeft == 0:
			sb.WriteString(fmt.Sprintf("\n   ⏰ до %s · <b>сегодня</b>", d.Format(time.DateOnly)))
		default:
			sb.WriteString(fmt.Sprintf("\n   ⏰ до %s · осталось %d дн.", d.Format(time.DateOnly), daysLeft))
		}
	}

	if task.Status == model.StatusInProgress || task.Status == model.StatusWaiting {
		sb.WriteString(fmt.Sprintf("\n   🔄 %s", statusLabel(task.Status)))
	}

	if note := strings.TrimSpace(task.Note); note != "" {
		sb.WriteString(fmt.Sprintf("\n   📝 %s", html.EscapeString(note)))
	}

	sb.WriteByte('\n')
	return sb.String()
}

func statusLabel(status model.Status) string {
	switch status {
	case model.StatusNotStarted:
		return "не начата"
	case model.StatusInProgress:
		return "в работе"
	case model.StatusWaiting:
		return "ожидание"
	case model.StatusDone:
		return "выполнена"
	case model.StatusArchived:
		return "в архиве"
	default:
		return string(status)
	}
}
