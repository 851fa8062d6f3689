package bot

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"
	"unicode"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"daily-planner/internal/model"
)

const (
	iconDefault   = "🟢"
	iconDue       = "⏳"
	iconOverdue   = "⚠️"
	iconRecurring = "♻️"
)

func parseTaskID(data, prefix string) (uint, error) {
	raw := strings.TrimPrefix(data, prefix)
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(value), nil
}

// parseRepeat maps a keyboard answer to a recurrence type.
func parseRepeat(text string) (model.RecurrenceType, bool) {
	switch strings.TrimSpace(strings.ToLower(text)) {
	case strings.ToLower(btnRepeatNone), "нет", "-", "none":
		return model.RecurrenceNone, true
	case strings.ToLower(btnRepeatDaily), "ежедневно", "daily":
		return model.RecurrenceDaily, true
	case strings.ToLower(btnRepeatWeekly), "еженедельно", "weekly":
		return model.RecurrenceWeekly, true
	case strings.ToLower(btnRepeatMonthly), "ежемесячно", "monthly":
		return model.RecurrenceMonthly, true
	default:
		return "", false
	}
}

func repeatUnit(t model.RecurrenceType) string {
	switch t {
	case model.RecurrenceWeekly:
		return "недель"
	case model.RecurrenceMonthly:
		return "месяцев"
	default:
		return "дней"
	}
}

func describeRule(task *model.Task) string {
	var base string
	switch task.RecurrenceType {
	case model.RecurrenceDaily:
		base = "каждый день"
		if task.RecurrenceInterval > 1 {
			base = fmt.Sprintf("раз в %d дн.", task.RecurrenceInterval)
		}
	case model.RecurrenceWeekly:
		base = "каждую неделю"
		if task.RecurrenceInterval > 1 {
			base = fmt.Sprintf("раз в %d нед.", task.RecurrenceInterval)
		}
	case model.RecurrenceMonthly:
		base = "каждый месяц"
		if task.RecurrenceInterval > 1 {
			base = fmt.Sprintf("раз в %d мес.", task.RecurrenceInterval)
		}
	default:
		base = string(task.RecurrenceType)
	}
	if task.CompletionBased {
		base += ", от дня выполнения"
	}
	return base
}

func shortTitle(title string, maxLen int) string {
	clean := strings.TrimSpace(strings.ReplaceAll(title, "\n", " "))
	clean = normalizeTitle(clean)
	runes := []rune(clean)
	if len(runes) <= maxLen {
		return clean
	}
	if maxLen <= 1 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-1]) + "…"
}

func confirmKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnConfirm),
			tgbotapi.NewKeyboardButton(btnCancel),
			tgbotapi.NewKeyboardButton(btnCancelDialog),
		),
	)
	kb.ResizeKeyboard = true
	kb.OneTimeKeyboard = true
	return kb
}

func mainMenuKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(menuLabelNewTask),
			tgbotapi.NewKeyboardButton(menuLabelTasks),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(menuLabelProjects),
			tgbotapi.NewKeyboardButton(menuLabelHelp),
		),
	)
	kb.ResizeKeyboard = true
	kb.OneTimeKeyboard = false
	return kb
}

func cancelKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnCancelDialog),
		),
	)
	kb.ResizeKeyboard = true
	kb.OneTimeKeyboard = true
	return kb
}

func skipKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnSkip),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnCancelDialog),
		),
	)
	kb.ResizeKeyboard = true
	kb.OneTimeKeyboard = true
	return kb
}

func yesNoKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnYes),
			tgbotapi.NewKeyboardButton(btnNo),
			tgbotapi.NewKeyboardButton(btnCancelDialog),
		),
	)
	kb.ResizeKeyboard = true
	kb.OneTimeKeyboard = true
	return kb
}

func repeatKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnRepeatNone),
			tgbotapi.NewKeyboardButton(btnRepeatDaily),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnRepeatWeekly),
			tgbotapi.NewKeyboardButton(btnRepeatMonthly),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnCancelDialog),
		),
	)
	kb.ResizeKeyboard = true
	kb.OneTimeKeyboard = true
	return kb
}

func projectKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("Учеба"),
			tgbotapi.NewKeyboardButton("Работа"),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("Дом"),
			tgbotapi.NewKeyboardButton("Здоровье"),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnSkip),
			tgbotapi.NewKeyboardButton(btnCancelDialog),
		),
	)
	kb.ResizeKeyboard = true
	kb.OneTimeKeyboard = true
	return kb
}

func isSkipInput(text string) bool {
	value := strings.TrimSpace(strings.ToLower(text))
	return value == "-" || value == strings.ToLower(btnSkip) || value == "пропустить" || value == "skip"
}

func isConfirmInput(text string) bool {
	value := strings.TrimSpace(strings.ToLower(text))
	return value == strings.ToLower(btnConfirm) || value == "подтвердить" || value == "да"
}

func isCancelInput(text string) bool {
	value := strings.TrimSpace(strings.ToLower(text))
	return value == strings.ToLower(btnCancel) || value == "отмена"
}

func isCancelDialogInput(text string) bool {
	value := strings.TrimSpace(strings.ToLower(text))
	return value == strings.ToLower(btnCancelDialog) || value == "отменить ввод" || value == "отмена"
}

func escape(s string) string {
	return html.EscapeString(s)
}

func normalizedProject(projectID *uint, projectNames map[uint]string) (string, string) {
	if projectID == nil {
		return noProjectKey, projectLabel(noProject)
	}
	if name, ok := projectNames[*projectID]; ok {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			return noProjectKey, projectLabel(noProject)
		}
		return strings.ToLower(trimmed), projectLabel(trimmed)
	}
	return noProjectKey, projectLabel(noProject)
}

// formatTask renders one listing line. today is the user's calendar date.
func formatTask(task model.Task, today time.Time) string {
	var b strings.Builder
	icon := iconDefault
	if task.IsInstance() {
		icon = iconRecurring
	}
	if task.DueDate != nil {
		due := task.DueDate.UTC()
		switch days := int(due.Sub(today).Hours() / 24); {
		case days < 0:
			icon = iconOverdue
		case days <= 2 && !task.IsInstance():
			icon = iconDue
		}
	}
	b.WriteString(fmt.Sprintf("%s <b>#%d</b> %s\n", icon, task.ID, escape(normalizeTitle(task.Name))))
	if task.DueDate != nil {
		due := task.DueDate.UTC()
		days := int(due.Sub(today).Hours() / 24)
		switch {
		case days < 0:
			b.WriteString(fmt.Sprintf("   ⏰ Срок: %s · <b>просрочено</b>\n", due.Format(time.DateOnly)))
		case days == 0:
			b.WriteString(fmt.Sprintf("   ⏰ Срок: %s · сегодня\n", due.Format(time.DateOnly)))
		default:
			b.WriteString(fmt.Sprintf("   ⏰ Срок: %s · осталось %d дн.\n", due.Format(time.DateOnly), days))
		}
	}
	if task.Note != "" {
		b.WriteString(fmt.Sprintf("   📝 %s\n", escape(task.Note)))
	}
	b.WriteByte('\n')
	return b.String()
}

func normalizeTitle(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	runes := []rune(value)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func projectLabel(name string) string {
	base := strings.TrimSpace(name)
	var icon string
	switch strings.ToLower(base) {
	case "учеба":
		icon = "🎓"
	case "работа":
		icon = "💼"
	case "дом":
		icon = "🏠"
	case "здоровье":
		icon = "🩺"
	case strings.ToLower(noProject):
		icon = "📁"
	default:
		icon = "🏷️"
	}
	return fmt.Sprintf("%s %s", icon, escape(normalizeTitle(base)))
}
