package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"daily-planner/internal/model"
	"daily-planner/internal/recurrence"
	"daily-planner/internal/repository"
	"daily-planner/internal/service"
)

type conversationStage int

const (
	stageNone conversationStage = iota
	stageTitle
	stageDescription
	stageProject
	stageDeadline
	stageRepeat
	stageInterval
	stageCompletionBased
)

const (
	cbCompletePrefix = "complete:"
	cbSkipPrefix     = "skip:"
	cbConfirmPrefix  = "confirm:"
	cbCancelPrefix   = "cancel:"
)

const (
	btnSkip           = "⏭️ Пропустить"
	btnYes            = "Да"
	btnNo             = "Нет"
	btnConfirm        = "✅ Подтвердить"
	btnCancel         = "↩️ Отмена"
	btnCancelDialog   = "⏪ Отменить ввод"
	btnRepeatNone     = "Без повтора"
	btnRepeatDaily    = "Каждый день"
	btnRepeatWeekly   = "Каждую неделю"
	btnRepeatMonthly  = "Каждый месяц"
	noProject         = "Без проекта"
	noProjectKey      = "__no_project__"
	menuLabelNewTask  = "➕ Новая задача"
	menuLabelTasks    = "📋 Задачи"
	menuLabelProjects = "📂 Проекты"
	menuLabelHelp     = "ℹ️ Помощь"
)

type conversationState struct {
	stage      conversationStage
	input      service.TaskInput
	recurrence service.RecurrenceInput
}

type confirmationAction int

const (
	actionComplete confirmationAction = iota
	actionSkip
)

type confirmationRequest struct {
	taskID uint
	action confirmationAction
}

// Services groups what the bot needs from the rest of the planner.
type Services struct {
	Users        *repository.UserRepository
	Projects     *service.ProjectService
	Tasks        *service.TaskService
	Reminders    *service.ReminderService
	Orchestrator *service.Orchestrator
	HorizonDays  int
}

// Bot aggregates Telegram API with services.
type Bot struct {
	api           *tgbotapi.BotAPI
	svc           Services
	log           *slog.Logger
	conversations map[int64]*conversationState
	confirmations map[int64]confirmationRequest
	mu            sync.Mutex
}

func New(token string, svc Services, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	log = log.With("component", "bot")
	log.Info("bot authorized", "account", api.Self.UserName)

	return &Bot{
		api:           api,
		svc:           svc,
		log:           log,
		conversations: make(map[int64]*conversationState),
		confirmations: make(map[int64]confirmationRequest),
	}, nil
}

// Start begins polling updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := b.api.GetUpdatesChan(updateConfig)

	b.log.Info("start polling updates")

	go func() {
		<-ctx.Done()
		b.api.StopReceivingUpdates()
	}()

	for update := range updates {
		switch {
		case update.CallbackQuery != nil:
			if err := b.handleCallback(ctx, update.CallbackQuery); err != nil {
				b.log.Error("handle callback", "error", err)
			}
		case update.Message != nil:
			if update.Message.Chat == nil || !update.Message.Chat.IsPrivate() {
				continue
			}
			if err := b.handleMessage(ctx, update.Message); err != nil {
				b.log.Error("handle message", "error", err)
			}
		}
	}

	return nil
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.From == nil {
		return nil
	}

	if !msg.IsCommand() && isCancelDialogInput(msg.Text) {
		b.clearConversation(msg.From.ID)
		b.clearConfirmation(msg.From.ID)
		return b.sendText(msg.Chat.ID, "⏪ Диалог создания задачи отменён. Я здесь, чтобы начать заново.")
	}

	if !msg.IsCommand() {
		if handled, err := b.handleMenuAlias(ctx, msg); handled {
			return err
		}
	}

	if msg.IsCommand() {
		b.log.Debug("command", "telegram_id", msg.From.ID, "command", msg.Command(), "args", msg.CommandArguments())
		return b.handleCommand(ctx, msg)
	}

	if pending, ok := b.getConfirmation(msg.From.ID); ok {
		return b.handleConfirmationResponse(ctx, msg, pending)
	}

	if b.hasConversation(msg.From.ID) {
		return b.handleConversation(ctx, msg)
	}

	return b.sendText(msg.Chat.ID, "Я пока не понял сообщение. Набери /newtask, чтобы добавить задачу, или /help для списка команд.")
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) error {
	switch msg.Command() {
	case "start":
		return b.handleStart(ctx, msg)
	case "help":
		return b.handleHelp(msg)
	case "report":
		return b.handleReport(ctx, msg)
	case "newtask":
		return b.startNewTaskConversation(ctx, msg)
	case "tasks":
		return b.handleListTasks(ctx, msg)
	case "done", "complete":
		return b.handleComplete(ctx, msg)
	case "skip":
		return b.handleSkip(ctx, msg)
	case "generate":
		return b.handleGenerate(ctx, msg)
	case "tz":
		return b.handleTimezone(ctx, msg)
	case "projects":
		return b.handleProjects(ctx, msg)
	case "cancel":
		b.clearConversation(msg.From.ID)
		return b.sendText(msg.Chat.ID, "⏪ Диалог создания задачи отменён.")
	default:
		return b.sendText(msg.Chat.ID, "Команда не поддерживается. Загляни в /help.")
	}
}

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) error {
	if _, err := b.ensureUser(ctx, msg.From); err != nil {
		return err
	}

	name := strings.TrimSpace(msg.From.FirstName)
	if name == "" {
		name = "друг"
	}

	text := fmt.Sprintf(
		"👋 Привет, %s!\n<b>Я ежедневный планировщик: помогу не забыть задачи, в том числе повторяющиеся.</b>\n\n"+
			"Начни с /newtask, а полный список команд есть в /help.",
		escape(name),
	)

	return b.sendText(msg.Chat.ID, text)
}

func (b *Bot) handleHelp(msg *tgbotapi.Message) error {
	text := "ℹ️ <b>Подсказки</b>\n" +
		"• /newtask — добавить задачу пошагово (можно сделать её повторяющейся)\n" +
		"• /tasks — показать активные задачи и завершить по кнопке\n" +
		"• /done &lt;id&gt; — отметить задачу выполненной (например, /done 3)\n" +
		"• /skip &lt;id&gt; — пропустить повторение, не выполняя его\n" +
		"• /generate — создать повторения на ближайшие дни прямо сейчас\n" +
		"• /tz &lt;зона&gt; — часовой пояс, например /tz Europe/Moscow\n" +
		"• /projects — посмотреть проекты\n" +
		"• /report — отправить ежедневный отчёт\n" +
		"• /cancel — отменить текущий ввод"
	return b.sendText(msg.Chat.ID, text)
}

func (b *Bot) handleReport(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	text, err := b.svc.Reminders.DailySummary(ctx, *user, time.Now())
	if err != nil {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Не удалось сформировать отчёт: %s", escape(err.Error())))
	}
	return b.sendText(msg.Chat.ID, text)
}

func (b *Bot) handleGenerate(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}

	horizon := b.svc.Orchestrator.Horizon(*user, b.svc.HorizonDays)
	res, err := b.svc.Orchestrator.RunForUser(ctx, user.ID, horizon)
	if err != nil {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Не удалось создать повторения: %s", escape(err.Error())))
	}
	if res.Busy {
		return b.sendText(msg.Chat.ID, "⏳ Повторения уже создаются, загляни в /tasks через минуту.")
	}

	text := fmt.Sprintf("♻️ Создано повторений до %s: %d.", horizon.Format("02.01.2006"), len(res.InstancesCreated))
	if len(res.Failures) > 0 {
		text += fmt.Sprintf("\n⚠️ Шаблонов с ошибкой в правиле: %d.", len(res.Failures))
	}
	return b.sendText(msg.Chat.ID, text)
}

func (b *Bot) handleTimezone(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	zone := strings.TrimSpace(msg.CommandArguments())
	if zone == "" {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Текущий часовой пояс: <code>%s</code>. Укажи новый, например: /tz Europe/Moscow", escape(user.Timezone)))
	}
	if _, err := time.LoadLocation(zone); err != nil {
		return b.sendText(msg.Chat.ID, "Не знаю такой часовой пояс. Пример: <code>Europe/Moscow</code>, <code>Asia/Almaty</code>.")
	}
	if err := b.svc.Users.SetTimezone(ctx, user.ID, zone); err != nil {
		return err
	}
	return b.sendText(msg.Chat.ID, fmt.Sprintf("🕒 Часовой пояс обновлён: <code>%s</code>.", escape(zone)))
}

func (b *Bot) startNewTaskConversation(ctx context.Context, msg *tgbotapi.Message) error {
	if _, err := b.ensureUser(ctx, msg.From); err != nil {
		return err
	}
	b.setConversation(msg.From.ID, &conversationState{stage: stageTitle})
	return b.sendWithReplyMarkup(msg.Chat.ID, "🆕 Создаём новую задачу.\n<b>Шаг 1:</b> как её назвать?", cancelKeyboard())
}

func (b *Bot) handleConversation(ctx context.Context, msg *tgbotapi.Message) error {
	state := b.getConversation(msg.From.ID)
	if state == nil {
		return nil
	}

	text := strings.TrimSpace(msg.Text)
	switch state.stage {
	case stageTitle:
		if text == "" {
			return b.sendWithReplyMarkup(msg.Chat.ID, "Название не может быть пустым.", cancelKeyboard())
		}
		state.input.Name = text
		state.stage = stageDescription
		return b.sendWithReplyMarkup(msg.Chat.ID, "✏️ Добавь короткое описание (или нажми «Пропустить»).", skipKeyboard())
	case stageDescription:
		if !isSkipInput(text) {
			state.input.Note = text
		}
		state.stage = stageProject
		return b.sendWithReplyMarkup(msg.Chat.ID, "🏷 Выбери проект или отправь свой (можно «Пропустить»).", projectKeyboard())
	case stageProject:
		if !isSkipInput(text) {
			state.input.Project = text
		}
		state.stage = stageDeadline
		return b.sendWithReplyMarkup(msg.Chat.ID, "⏰ Укажи дату в формате <code>2025-11-30</code> (или «Пропустить»). Для повторяющейся задачи это дата первого повторения.", skipKeyboard())
	case stageDeadline:
		if !isSkipInput(text) {
			parsed, err := recurrence.ParseDate(text)
			if err != nil {
				return b.sendWithReplyMarkup(msg.Chat.ID, "Не могу распознать дату. Используй формат <code>2025-11-30</code> или «Пропустить».", skipKeyboard())
			}
			state.input.DueDate = &parsed
		}
		state.stage = stageRepeat
		return b.sendWithReplyMarkup(msg.Chat.ID, "🔁 Как часто повторять задачу?", repeatKeyboard())
	case stageRepeat:
		repeat, ok := parseRepeat(text)
		if !ok {
			return b.sendWithReplyMarkup(msg.Chat.ID, "Выбери вариант на клавиатуре.", repeatKeyboard())
		}
		if repeat == model.RecurrenceNone {
			err := b.finishTaskCreation(ctx, msg.From, state.input, msg.Chat.ID)
			b.clearConversation(msg.From.ID)
			return err
		}
		state.recurrence.Type = repeat
		state.stage = stageInterval
		return b.sendWithReplyMarkup(msg.Chat.ID, fmt.Sprintf("🔢 Раз в сколько %s повторять? (1–365)", repeatUnit(repeat)), tgbotapi.NewRemoveKeyboard(true))
	case stageInterval:
		interval, err := strconv.Atoi(text)
		if err != nil || interval < 1 || interval > 365 {
			return b.sendText(msg.Chat.ID, "Интервал должен быть числом от 1 до 365.")
		}
		state.recurrence.Interval = interval
		state.stage = stageCompletionBased
		return b.sendWithReplyMarkup(msg.Chat.ID, "📌 Отсчитывать следующее повторение от дня выполнения, а не по календарю?", yesNoKeyboard())
	case stageCompletionBased:
		switch strings.ToLower(text) {
		case "да", "yes", "y":
			state.recurrence.CompletionBased = true
		case "нет", "no", "n", "-":
			state.recurrence.CompletionBased = false
		default:
			return b.sendWithReplyMarkup(msg.Chat.ID, "Нажми «Да» или «Нет».", yesNoKeyboard())
		}
		rec := state.recurrence
		state.input.Recurrence = &rec
		err := b.finishTaskCreation(ctx, msg.From, state.input, msg.Chat.ID)
		b.clearConversation(msg.From.ID)
		return err
	default:
		b.clearConversation(msg.From.ID)
		return b.sendText(msg.Chat.ID, "Диалог сброшен. Попробуй ещё раз через /newtask.")
	}
}

func (b *Bot) finishTaskCreation(ctx context.Context, from *tgbotapi.User, input service.TaskInput, chatID int64) error {
	user, err := b.ensureUser(ctx, from)
	if err != nil {
		return err
	}

	task, err := b.svc.Tasks.CreateTask(ctx, user, input)
	if err != nil {
		return b.sendText(chatID, fmt.Sprintf("Не удалось сохранить задачу: %s", escape(err.Error())))
	}

	var summary strings.Builder
	summary.WriteString("✅ <b>Задача сохранена</b>\n")
	summary.WriteString(fmt.Sprintf("• <b>ID:</b> %d\n", task.ID))
	summary.WriteString(fmt.Sprintf("• <b>Название:</b> %s\n", escape(task.Name)))
	if task.Note != "" {
		summary.WriteString(fmt.Sprintf("• <b>Описание:</b> %s\n", escape(task.Note)))
	}
	if task.DueDate != nil {
		summary.WriteString(fmt.Sprintf("• <b>Дата:</b> %s\n", task.DueDate.UTC().Format(time.DateOnly)))
	}
	if task.IsTemplate() {
		summary.WriteString(fmt.Sprintf("• <b>Повтор:</b> %s\n", describeRule(task)))
	}

	msg := tgbotapi.NewMessage(chatID, strings.TrimSpace(summary.String()))
	msg.ReplyMarkup = tgbotapi.NewRemoveKeyboard(true)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := b.api.Send(msg); err != nil {
		return err
	}

	if task.IsTemplate() && !task.CompletionBased {
		if _, err := b.svc.Orchestrator.RunForUser(ctx, user.ID, b.svc.Orchestrator.Horizon(*user, b.svc.HorizonDays)); err != nil {
			b.log.Error("generate after create", "user_id", user.ID, "error", err)
		}
	}
	return b.sendTaskList(ctx, chatID, user)
}

func (b *Bot) handleListTasks(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	return b.sendTaskList(ctx, msg.Chat.ID, user)
}

func (b *Bot) handleComplete(ctx context.Context, msg *tgbotapi.Message) error {
	taskID, ok, err := b.commandTaskID(msg, "/done 12")
	if !ok {
		return err
	}
	return b.completeTask(ctx, msg.Chat.ID, msg.From, taskID, false)
}

func (b *Bot) handleSkip(ctx context.Context, msg *tgbotapi.Message) error {
	taskID, ok, err := b.commandTaskID(msg, "/skip 12")
	if !ok {
		return err
	}
	return b.skipTask(ctx, msg.Chat.ID, msg.From, taskID, false)
}

func (b *Bot) commandTaskID(msg *tgbotapi.Message, example string) (uint, bool, error) {
	args := strings.TrimSpace(msg.CommandArguments())
	if args == "" {
		return 0, false, b.sendText(msg.Chat.ID, "Укажи ID задачи: "+example)
	}
	taskID, err := strconv.ParseUint(strings.TrimPrefix(args, "#"), 10, 64)
	if err != nil {
		return 0, false, b.sendText(msg.Chat.ID, "ID задачи должен быть числом.")
	}
	return uint(taskID), true, nil
}

func (b *Bot) handleProjects(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	projects, err := b.svc.Projects.List(ctx, user)
	if err != nil {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Не удалось получить проекты: %s", escape(err.Error())))
	}
	if len(projects) == 0 {
		return b.sendText(msg.Chat.ID, "Проектов пока нет. Добавь их при создании задачи.")
	}
	var builder strings.Builder
	builder.WriteString("📂 <b>Проекты</b>\n")
	for _, p := range projects {
		builder.WriteString(fmt.Sprintf("• %s\n", escape(strings.TrimSpace(p.Name))))
	}
	return b.sendText(msg.Chat.ID, strings.TrimSpace(builder.String()))
}

func (b *Bot) handleConfirmationResponse(ctx context.Context, msg *tgbotapi.Message, req confirmationRequest) error {
	text := strings.TrimSpace(msg.Text)
	switch {
	case isConfirmInput(text):
		b.clearConfirmation(msg.From.ID)
		if req.action == actionSkip {
			return b.skipTask(ctx, msg.Chat.ID, msg.From, req.taskID, true)
		}
		return b.completeTask(ctx, msg.Chat.ID, msg.From, req.taskID, true)
	case isCancelInput(text):
		b.clearConfirmation(msg.From.ID)
		return b.sendMenuPlaceholder(msg.Chat.ID)
	default:
		prompt := "Подтверди или отмени выполнение задачи."
		if req.action == actionSkip {
			prompt = "Подтверди или отмени пропуск повторения."
		}
		return b.sendWithReplyMarkup(msg.Chat.ID, prompt, confirmKeyboard())
	}
}

// SendDailyReports sends a summary to every user linked to Telegram.
func (b *Bot) SendDailyReports(ctx context.Context) error {
	users, err := b.svc.Users.ListAll(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, user := range users {
		if user.TelegramID == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		text, err := b.svc.Reminders.DailySummary(ctx, user, now)
		if err != nil {
			b.log.Error("build summary", "user_id", user.ID, "error", err)
			continue
		}
		if err := b.sendText(*user.TelegramID, text); err != nil {
			b.log.Error("send summary", "user_id", user.ID, "error", err)
		}
	}
	return nil
}

func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User) (*model.User, error) {
	return b.svc.Users.UpsertFromTelegram(ctx, from.ID, from.FirstName, from.LastName, from.UserName)
}

func (b *Bot) sendText(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = mainMenuKeyboard()
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) sendTextWithRemove(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = tgbotapi.NewRemoveKeyboard(true)
	if _, err := b.api.Send(msg); err != nil {
		return err
	}
	return b.sendMenuPlaceholder(chatID)
}

func (b *Bot) sendWithReplyMarkup(chatID int64, text string, markup interface{}) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = markup
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) sendMenuPlaceholder(chatID int64) error {
	msg := tgbotapi.NewMessage(chatID, "🔹 Главное меню")
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = mainMenuKeyboard()
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) getConfirmation(userID int64) (confirmationRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.confirmations[userID]
	return req, ok
}

func (b *Bot) setConfirmation(userID int64, req confirmationRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirmations[userID] = req
}

func (b *Bot) clearConfirmation(userID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.confirmations, userID)
}

func (b *Bot) setConversation(userID int64, state *conversationState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversations[userID] = state
}

func (b *Bot) getConversation(userID int64) *conversationState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conversations[userID]
}

func (b *Bot) hasConversation(userID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.conversations[userID]
	return ok
}

func (b *Bot) clearConversation(userID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conversations, userID)
}

func (b *Bot) sendTaskList(ctx context.Context, chatID int64, user *model.User) error {
	tasks, err := b.svc.Tasks.ListActive(ctx, user)
	if err != nil {
		return b.sendText(chatID, fmt.Sprintf("Не удалось получить задачи: %s", escape(err.Error())))
	}
	if len(tasks) == 0 {
		return b.sendText(chatID, "У тебя нет активных задач. Добавь новую через /newtask.")
	}

	projects, _ := b.svc.Projects.List(ctx, user)
	projectNames := make(map[uint]string)
	for _, p := range projects {
		projectNames[p.ID] = p.Name
	}

	today := recurrence.Today(time.Now(), user.Location())
	groups, order := groupByProject(tasks, projectNames)

	var builder strings.Builder
	builder.WriteString("📋 <b>Текущие задачи</b>\n")
	builder.WriteString("Нажми на кнопку, чтобы отметить задачу выполненной или пропустить повторение.\n\n")

	var buttons [][]tgbotapi.InlineKeyboardButton
	for _, key := range order {
		section := groups[key]
		builder.WriteString(fmt.Sprintf("<b>%s</b>\n", section.name))
		for _, task := range section.tasks {
			builder.WriteString(formatTask(task, today))
			row := []tgbotapi.InlineKeyboardButton{
				tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("✅ #%d · %s", task.ID, shortTitle(task.Name, 20)), fmt.Sprintf("%s%d", cbCompletePrefix, task.ID)),
			}
			if task.IsInstance() {
				row = append(row, tgbotapi.NewInlineKeyboardButtonData("⏭ Пропустить", fmt.Sprintf("%s%d", cbSkipPrefix, task.ID)))
			}
			buttons = append(buttons, row)
		}
		builder.WriteByte('\n')
	}

	msg := tgbotapi.NewMessage(chatID, strings.TrimSpace(builder.String()))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(buttons...)
	msg.ParseMode = tgbotapi.ModeHTML
	_, err = b.api.Send(msg)
	return err
}

type projectGroup struct {
	name  string
	tasks []model.Task
}

// groupByProject splits tasks by project, named projects first in alphabetical order.
// Inside a group the listing order (due date, undated last) is kept.
func groupByProject(tasks []model.Task, projectNames map[uint]string) (map[string]*projectGroup, []string) {
	groups := make(map[string]*projectGroup)
	var order []string
	for _, task := range tasks {
		key, display := normalizedProject(task.ProjectID, projectNames)
		group, ok := groups[key]
		if !ok {
			group = &projectGroup{name: display}
			groups[key] = group
			order = append(order, key)
		}
		group.tasks = append(group.tasks, task)
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i] == noProjectKey {
			return false
		}
		if order[j] == noProjectKey {
			return true
		}
		return order[i] < order[j]
	})
	return groups, order
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) error {
	if cb == nil || cb.From == nil || cb.Message == nil {
		return nil
	}
	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		b.log.Warn("callback ack", "error", err)
	}

	data := cb.Data
	b.log.Debug("callback", "telegram_id", cb.From.ID, "data", data)

	switch {
	case strings.HasPrefix(data, cbCompletePrefix):
		taskID, err := parseTaskID(data, cbCompletePrefix)
		if err != nil {
			return nil
		}
		return b.askConfirmation(ctx, cb.Message.Chat.ID, cb.From, taskID, actionComplete)
	case strings.HasPrefix(data, cbSkipPrefix):
		taskID, err := parseTaskID(data, cbSkipPrefix)
		if err != nil {
			return nil
		}
		return b.askConfirmation(ctx, cb.Message.Chat.ID, cb.From, taskID, actionSkip)
	case strings.HasPrefix(data, cbConfirmPrefix):
		taskID, err := parseTaskID(data, cbConfirmPrefix)
		if err != nil {
			return nil
		}
		return b.completeTask(ctx, cb.Message.Chat.ID, cb.From, taskID, true)
	default:
		return nil
	}
}

func (b *Bot) askConfirmation(ctx context.Context, chatID int64, from *tgbotapi.User, taskID uint, action confirmationAction) error {
	user, err := b.ensureUser(ctx, from)
	if err != nil {
		return err
	}

	task, err := b.svc.Tasks.GetTask(ctx, user, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return b.sendText(chatID, "Задача не найдена.")
		}
		return err
	}
	if task.Status == model.StatusDone || task.Status == model.StatusArchived {
		return b.sendText(chatID, "Задача уже закрыта.")
	}

	text := fmt.Sprintf("Отметить задачу «%s» (#%d) как выполненную?", escape(task.Name), task.ID)
	if action == actionSkip {
		text = fmt.Sprintf("Пропустить повторение «%s» (#%d)?", escape(task.Name), task.ID)
	}
	b.setConfirmation(from.ID, confirmationRequest{taskID: task.ID, action: action})
	return b.sendWithReplyMarkup(chatID, text, confirmKeyboard())
}

func (b *Bot) completeTask(ctx context.Context, chatID int64, from *tgbotapi.User, taskID uint, refresh bool) error {
	user, err := b.ensureUser(ctx, from)
	if err != nil {
		return err
	}

	change, err := b.svc.Tasks.CompleteTask(ctx, user, taskID)
	if err != nil {
		return b.replyError(chatID, err)
	}

	info := fmt.Sprintf("✅ Задача «%s» выполнена.", escape(change.Task.Name))
	if tr := change.Transition; tr != nil && tr.Next != nil {
		info += fmt.Sprintf("\n♻️ Следующее повторение: %s.", tr.Next.DueDate.UTC().Format(time.DateOnly))
	}
	b.log.Info("task completed", "task_id", change.Task.ID, "user_id", user.ID)
	if err := b.sendTextWithRemove(chatID, info); err != nil {
		return err
	}
	if !refresh {
		return nil
	}
	return b.sendTaskList(ctx, chatID, user)
}

func (b *Bot) skipTask(ctx context.Context, chatID int64, from *tgbotapi.User, taskID uint, refresh bool) error {
	user, err := b.ensureUser(ctx, from)
	if err != nil {
		return err
	}

	change, err := b.svc.Tasks.SkipOccurrence(ctx, user, taskID)
	if err != nil {
		return b.replyError(chatID, err)
	}

	info := fmt.Sprintf("⏭ Повторение «%s» пропущено.", escape(change.Task.Name))
	if tr := change.Transition; tr != nil && tr.Next != nil {
		info += fmt.Sprintf("\n♻️ Следующее повторение: %s.", tr.Next.DueDate.UTC().Format(time.DateOnly))
	}
	if err := b.sendTextWithRemove(chatID, info); err != nil {
		return err
	}
	if !refresh {
		return nil
	}
	return b.sendTaskList(ctx, chatID, user)
}

func (b *Bot) replyError(chatID int64, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return b.sendTextWithRemove(chatID, "Задача не найдена или уже удалена.")
	case errors.Is(err, service.ErrNotInstance):
		return b.sendTextWithRemove(chatID, "Пропустить можно только повторение регулярной задачи.")
	case errors.Is(err, service.ErrOccurrenceResolved):
		return b.sendTextWithRemove(chatID, "Это повторение уже закрыто.")
	case errors.Is(err, service.ErrInvalidStatus):
		return b.sendTextWithRemove(chatID, "У шаблона повторяющейся задачи нет своего статуса: отмечай сами повторения.")
	default:
		return b.sendTextWithRemove(chatID, fmt.Sprintf("Ошибка: %s", escape(err.Error())))
	}
}

func (b *Bot) handleMenuAlias(ctx context.Context, msg *tgbotapi.Message) (bool, error) {
	text := strings.TrimSpace(strings.ToLower(msg.Text))
	switch text {
	case strings.ToLower(menuLabelNewTask):
		return true, b.startNewTaskConversation(ctx, msg)
	case strings.ToLower(menuLabelTasks):
		return true, b.handleListTasks(ctx, msg)
	case strings.ToLower(menuLabelProjects):
		return true, b.handleProjects(ctx, msg)
	case strings.ToLower(menuLabelHelp):
		return true, b.handleHelp(msg)
	default:
		return false, nil
	}
}
