package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"gorm.io/gorm"

	"agenda-planner/internal/config"
	"agenda-planner/internal/ical"
	"agenda-planner/internal/model"
	"agenda-planner/internal/recurrence"
	"agenda-planner/internal/repository"
	"agenda-planner/internal/service"
)

type conversationStage int

const (
	stageNone conversationStage = iota
	stageTitle
	stageNotes
	stageCategory
	stageDate
	stageTime
	stageDuration
	stageRecurrence
)

const (
	cbDonePrefix   = "done:"
	cbSkipPrefix   = "skip:"
	cbDeletePrefix = "delete:"
)

const (
	btnSkip         = "⏭️ Skip"
	btnConfirm      = "✅ Confirm"
	btnCancel       = "↩️ Cancel"
	btnCancelDialog = "⏪ Abort input"
	noCategory      = "No category"
	noCategoryKey   = "__no_category__"
	menuLabelNew    = "➕ New task"
	menuLabelToday  = "📋 Today"
	menuLabelMonth  = "🗓 Month"
	menuLabelHelp   = "ℹ️ Help"
)

type conversationState struct {
	stage       conversationStage
	input       service.TemplateInput
	date        time.Time
	timeMinutes int
}

type confirmationAction int

const (
	actionDelete confirmationAction = iota
	actionSkip
)

type confirmationRequest struct {
	templateID string
	action     confirmationAction
}

// telegramAPI is the slice of tgbotapi.BotAPI the bot talks through.
type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot aggregates Telegram API with services.
type Bot struct {
	api           telegramAPI
	userRepo      *repository.UserRepository
	categorySvc   *service.CategoryService
	templateSvc   *service.TemplateService
	agendaSvc     *service.AgendaService
	clock         service.Clock
	config        *config.Config
	conversations map[int64]*conversationState
	confirmations map[int64]confirmationRequest
	mu            sync.Mutex
}

func New(token string, userRepo *repository.UserRepository, categorySvc *service.CategoryService, templateSvc *service.TemplateService, agendaSvc *service.AgendaService, clock service.Clock, cfg *config.Config) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	log.Printf("[info] bot authorized on account %s", api.Self.UserName)

	return &Bot{
		api:           api,
		userRepo:      userRepo,
		categorySvc:   categorySvc,
		templateSvc:   templateSvc,
		agendaSvc:     agendaSvc,
		clock:         clock,
		config:        cfg,
		conversations: make(map[int64]*conversationState),
		confirmations: make(map[int64]confirmationRequest),
	}, nil
}

// Start begins polling updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := b.api.GetUpdatesChan(updateConfig)

	log.Println("[info] start polling updates")

	go func() {
		<-ctx.Done()
		b.api.StopReceivingUpdates()
	}()

	for update := range updates {
		switch {
		case update.CallbackQuery != nil:
			if err := b.handleCallback(ctx, update.CallbackQuery); err != nil {
				log.Printf("handle callback: %v", err)
			}
		case update.Message != nil:
			if update.Message.Chat == nil || !update.Message.Chat.IsPrivate() {
				continue
			}
			if err := b.handleMessage(ctx, update.Message); err != nil {
				log.Printf("handle message: %v", err)
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
		return b.sendText(msg.Chat.ID, "⏪ Input aborted. Ready when you are.")
	}

	if !msg.IsCommand() {
		if isMenuAlias(msg.Text) {
			// A menu press abandons any pending yes/no question; otherwise a
			// later stray "yes" would fire the stale action.
			b.clearConfirmation(msg.From.ID)
			return b.dispatchMenuAlias(ctx, msg)
		}
	}

	if msg.IsCommand() {
		b.clearConfirmation(msg.From.ID)
		log.Printf("[info] command from %d: /%s %s", msg.From.ID, msg.Command(), msg.CommandArguments())
		return b.handleCommand(ctx, msg)
	}

	if pending, ok := b.getConfirmation(msg.From.ID); ok {
		return b.handleConfirmationResponse(ctx, msg, pending)
	}

	if b.hasConversation(msg.From.ID) {
		log.Printf("[info] conversation step %d from %d", b.getConversation(msg.From.ID).stage, msg.From.ID)
		return b.handleConversation(ctx, msg)
	}

	return b.sendText(msg.Chat.ID, "Not sure what you mean. Use /newtask to add a task or /help for the command list.")
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) error {
	switch msg.Command() {
	case "start":
		return b.handleStart(ctx, msg)
	case "help":
		return b.handleHelp(msg)
	case "newtask":
		return b.startNewTaskConversation(ctx, msg)
	case "agenda":
		return b.handleAgenda(ctx, msg)
	case "month":
		return b.handleMonth(ctx, msg)
	case "tasks":
		return b.handleListTemplates(ctx, msg)
	case "export":
		return b.handleExport(ctx, msg)
	case "cancel":
		b.clearConversation(msg.From.ID)
		return b.sendText(msg.Chat.ID, "⏪ Input aborted.")
	default:
		return b.sendText(msg.Chat.ID, "Unknown command. See /help.")
	}
}

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) error {
	if _, err := b.ensureUser(ctx, msg.From); err != nil {
		return err
	}

	name := strings.TrimSpace(msg.From.FirstName)
	if name == "" {
		name = "there"
	}

	text := fmt.Sprintf(
		"👋 Hi, %s!\n<b>I keep your daily agenda: one-off and recurring tasks in one place.</b>\n\nCommands:\n"+
			"• /newtask — add a task step by step\n"+
			"• /agenda — today's agenda (or /agenda 2025-01-15)\n"+
			"• /month — month overview (or /month 2025-02)\n"+
			"• /tasks — all your task templates\n"+
			"• /export — download everything as an .ics calendar\n"+
			"• /help — hints\n"+
			"• /cancel — abort current input",
		escape(name),
	)

	return b.sendText(msg.Chat.ID, text)
}

func (b *Bot) handleHelp(msg *tgbotapi.Message) error {
	text := "ℹ️ <b>Hints</b>\n" +
		"• /newtask — add a task; pick a date, time and recurrence (once, daily, weekly, monthly, yearly)\n" +
		"• /agenda [YYYY-MM-DD] — what's on for a day\n" +
		"• /month [YYYY-MM] — which days of a month have tasks\n" +
		"• /tasks — list templates; buttons mark today's occurrence done, skip the next one, or delete the whole series\n" +
		"• /export — your calendar as an .ics file\n" +
		"• /cancel — abort current input\n\n" +
		"Skipping an occurrence removes just that date; the series keeps going. " +
		"Marking done only closes that day's occurrence."
	return b.sendText(msg.Chat.ID, text)
}

func (b *Bot) handleAgenda(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}

	date := b.clock.Now()
	if args := strings.TrimSpace(msg.CommandArguments()); args != "" {
		parsed, err := time.ParseInLocation("2006-01-02", args, b.config.Location)
		if err != nil {
			return b.sendText(msg.Chat.ID, "Can't parse the date. Use <code>/agenda 2025-01-15</code>.")
		}
		date = parsed
	}

	text, err := b.agendaSvc.DailyAgenda(ctx, *user, date)
	if err != nil {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Couldn't build the agenda: %s", escape(err.Error())))
	}
	return b.sendText(msg.Chat.ID, text)
}

func (b *Bot) handleMonth(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}

	now := b.clock.Now()
	year, month := now.Year(), now.Month()
	if args := strings.TrimSpace(msg.CommandArguments()); args != "" {
		parsed, err := time.Parse("2006-01", args)
		if err != nil {
			return b.sendText(msg.Chat.ID, "Can't parse the month. Use <code>/month 2025-02</code>.")
		}
		year, month = parsed.Year(), parsed.Month()
	}

	text, err := b.agendaSvc.MonthOverview(ctx, *user, year, month, b.config.Location)
	if err != nil {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Couldn't build the overview: %s", escape(err.Error())))
	}
	return b.sendText(msg.Chat.ID, text)
}

func (b *Bot) handleExport(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}

	templates, err := b.templateSvc.ListTemplates(ctx, user)
	if err != nil {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Couldn't load tasks: %s", escape(err.Error())))
	}
	if len(templates) == 0 {
		return b.sendText(msg.Chat.ID, "Nothing to export yet. Add a task with /newtask first.")
	}

	cal, err := ical.Export(templates, b.clock.Now())
	if err != nil {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Export failed: %s", escape(err.Error())))
	}
	raw, err := ical.Encode(cal)
	if err != nil {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Export failed: %s", escape(err.Error())))
	}

	log.Printf("[info] export %d templates for user=%d", len(templates), user.ID)
	doc := tgbotapi.NewDocument(msg.Chat.ID, tgbotapi.FileBytes{Name: "agenda.ics", Bytes: raw})
	doc.Caption = fmt.Sprintf("🗂 %d tasks exported", len(templates))
	_, err = b.api.Send(doc)
	return err
}

func (b *Bot) startNewTaskConversation(ctx context.Context, msg *tgbotapi.Message) error {
	if _, err := b.ensureUser(ctx, msg.From); err != nil {
		return err
	}
	log.Printf("[info] start new task conversation user=%d", msg.From.ID)
	b.setConversation(msg.From.ID, &conversationState{stage: stageTitle})
	return b.sendWithReplyMarkup(msg.Chat.ID, "🆕 New task.\n<b>Step 1:</b> what should it be called?", cancelKeyboard())
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
			return b.sendWithReplyMarkup(msg.Chat.ID, "The title can't be empty. Try again.", cancelKeyboard())
		}
		state.input.Title = text
		state.stage = stageNotes
		return b.sendWithReplyMarkup(msg.Chat.ID, "✏️ Add a short note (or hit Skip).", skipKeyboard())
	case stageNotes:
		if !isSkipInput(text) {
			state.input.Notes = text
		}
		state.stage = stageCategory
		return b.sendWithReplyMarkup(msg.Chat.ID, "🏷 Pick a category or type your own (Skip works too).", categoryKeyboard())
	case stageCategory:
		if !isSkipInput(text) {
			state.input.Category = text
		}
		state.stage = stageDate
		return b.sendWithReplyMarkup(msg.Chat.ID, "📆 First date in the format <code>2025-11-30</code> (Skip = today).", skipKeyboard())
	case stageDate:
		if isSkipInput(text) {
			state.date = recurrence.StartOfDay(b.clock.Now())
		} else {
			parsed, err := time.ParseInLocation("2006-01-02", text, b.config.Location)
			if err != nil {
				return b.sendWithReplyMarkup(msg.Chat.ID, "Can't parse the date. Use <code>2025-11-30</code> or Skip.", skipKeyboard())
			}
			state.date = parsed
		}
		state.stage = stageTime
		return b.sendWithReplyMarkup(msg.Chat.ID, "⏰ Time of day like <code>09:30</code> (Skip = all-day).", skipKeyboard())
	case stageTime:
		if !isSkipInput(text) {
			parsed, err := time.Parse("15:04", text)
			if err != nil {
				return b.sendWithReplyMarkup(msg.Chat.ID, "Can't parse the time. Use <code>09:30</code> or Skip.", skipKeyboard())
			}
			state.timeMinutes = parsed.Hour()*60 + parsed.Minute()
		}
		state.stage = stageDuration
		return b.sendWithReplyMarkup(msg.Chat.ID, "⏳ Duration in minutes, e.g. <code>45</code> (Skip = none).", skipKeyboard())
	case stageDuration:
		if !isSkipInput(text) {
			minutes, err := strconv.Atoi(text)
			if err != nil || minutes <= 0 || minutes > 24*60 {
				return b.sendWithReplyMarkup(msg.Chat.ID, "Duration must be a number of minutes between 1 and 1440.", skipKeyboard())
			}
			state.input.DurationMinutes = minutes
		}
		state.stage = stageRecurrence
		return b.sendWithReplyMarkup(msg.Chat.ID, "🔁 How often should it repeat?", recurrenceKeyboard())
	case stageRecurrence:
		kind, ok := parseRecurrenceInput(text)
		if !ok {
			return b.sendWithReplyMarkup(msg.Chat.ID, "Pick one of the buttons: Once, Daily, Weekly, Monthly or Yearly.", recurrenceKeyboard())
		}
		state.input.Recurrence = kind
		state.input.Origin = composeOrigin(state.date, state.timeMinutes, b.config.Location)
		err := b.finishTemplateCreation(ctx, msg.From, state.input, msg.Chat.ID)
		b.clearConversation(msg.From.ID)
		return err
	default:
		b.clearConversation(msg.From.ID)
		return b.sendText(msg.Chat.ID, "Input reset. Try again with /newtask.")
	}
}

func (b *Bot) finishTemplateCreation(ctx context.Context, from *tgbotapi.User, input service.TemplateInput, chatID int64) error {
	user, err := b.ensureUser(ctx, from)
	if err != nil {
		return err
	}

	tpl, err := b.templateSvc.CreateTemplate(ctx, user, input)
	if err != nil {
		return b.sendText(chatID, fmt.Sprintf("Couldn't save the task: %s", escape(err.Error())))
	}

	log.Printf("[info] template created id=%s user=%d recurrence=%s", tpl.ID, user.ID, tpl.Recurrence)

	var summary strings.Builder
	summary.WriteString("✅ <b>Task saved</b>\n")
	summary.WriteString(fmt.Sprintf("• <b>Title:</b> %s\n", escape(normalizeTitle(tpl.Title))))
	if tpl.Notes != "" {
		summary.WriteString(fmt.Sprintf("• <b>Notes:</b> %s\n", escape(tpl.Notes)))
	}
	summary.WriteString(fmt.Sprintf("• <b>First date:</b> %s\n", tpl.OriginDate.Format("2006-01-02")))
	if m := tpl.OriginDate.Hour()*60 + tpl.OriginDate.Minute(); m > 0 {
		summary.WriteString(fmt.Sprintf("• <b>Time:</b> %02d:%02d\n", m/60, m%60))
	}
	summary.WriteString(fmt.Sprintf("• <b>Repeats:</b> %s\n", recurrenceLabel(tpl.Recurrence)))

	msg := tgbotapi.NewMessage(chatID, strings.TrimSpace(summary.String()))
	msg.ReplyMarkup = tgbotapi.NewRemoveKeyboard(true)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := b.api.Send(msg); err != nil {
		return err
	}
	return b.sendTemplateList(ctx, chatID, user)
}

func (b *Bot) handleListTemplates(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}

	log.Printf("[info] list templates for user=%d", user.ID)
	return b.sendTemplateList(ctx, msg.Chat.ID, user)
}

func (b *Bot) handleConfirmationResponse(ctx context.Context, msg *tgbotapi.Message, req confirmationRequest) error {
	text := strings.TrimSpace(msg.Text)
	switch {
	case isConfirmInput(text):
		b.clearConfirmation(msg.From.ID)
		if req.action == actionDelete {
			return b.deleteSeriesAndRefresh(ctx, msg.Chat.ID, msg.From, req.templateID)
		}
		return b.skipOccurrenceAndRefresh(ctx, msg.Chat.ID, msg.From, req.templateID)
	case isCancelInput(text):
		b.clearConfirmation(msg.From.ID)
		return b.sendMenuPlaceholder(msg.Chat.ID)
	default:
		var prompt string
		if req.action == actionDelete {
			prompt = "Confirm or cancel deleting the whole series."
		} else {
			prompt = "Confirm or cancel skipping the occurrence."
		}
		return b.sendWithReplyMarkup(msg.Chat.ID, prompt, confirmKeyboard())
	}
}

// SendDailyAgendas pushes the day's agenda to every known user. Invoked by
// the cron scheduler each morning.
func (b *Bot) SendDailyAgendas(ctx context.Context) error {
	users, err := b.userRepo.ListAll(ctx)
	if err != nil {
		return err
	}
	now := b.clock.Now()
	for _, user := range users {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		text, err := b.agendaSvc.DailyAgenda(ctx, user, now)
		if err != nil {
			log.Printf("build agenda for user %d: %v", user.TelegramID, err)
			continue
		}
		if err := b.sendText(user.TelegramID, text); err != nil {
			log.Printf("send agenda to %d: %v", user.TelegramID, err)
		}
	}
	return nil
}

func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User) (*model.User, error) {
	return b.userRepo.UpsertFromTelegram(ctx, from.ID, from.FirstName, from.LastName, from.UserName)
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
	msg := tgbotapi.NewMessage(chatID, "🔹 Main menu")
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

func (b *Bot) sendTemplateList(ctx context.Context, chatID int64, user *model.User) error {
	templates, err := b.templateSvc.ListTemplates(ctx, user)
	if err != nil {
		return b.sendText(chatID, fmt.Sprintf("Couldn't load tasks: %s", escape(err.Error())))
	}

	categories, _ := b.categorySvc.List(ctx, user)
	catNames := make(map[uint]string)
	for _, cat := range categories {
		catNames[cat.ID] = cat.Name
	}

	today := recurrence.StartOfDay(b.clock.Now())

	type categoryGroup struct {
		Name      string
		Templates []model.TaskTemplate
	}

	groups := make(map[string]*categoryGroup)
	order := make([]string, 0, len(templates))

	for _, tpl := range templates {
		if _, hasNext := recurrence.Next(tpl, today); !hasNext {
			// One-off whose date has passed; nothing actionable left.
			continue
		}
		key, display := normalizedCategory(tpl.CategoryID, catNames)
		group, ok := groups[key]
		if !ok {
			group = &categoryGroup{Name: display}
			groups[key] = group
			order = append(order, key)
		}
		groups[key].Templates = append(groups[key].Templates, tpl)
	}

	if len(groups) == 0 {
		return b.sendText(chatID, "No upcoming tasks. Add one with /newtask.")
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i] == noCategoryKey {
			return false
		}
		if order[j] == noCategoryKey {
			return true
		}
		return strings.Compare(groups[order[i]].Name, groups[order[j]].Name) < 0
	})

	var builder strings.Builder
	builder.WriteString("📋 <b>Your tasks</b>\n")
	builder.WriteString("Buttons close today's occurrence, skip the next one, or delete the series.\n\n")

	var buttons [][]tgbotapi.InlineKeyboardButton
	for _, key := range order {
		section := groups[key]
		sort.SliceStable(section.Templates, func(i, j int) bool {
			left, _ := recurrence.Next(section.Templates[i], today)
			right, _ := recurrence.Next(section.Templates[j], today)
			if !left.Equal(right) {
				return left.Before(right)
			}
			return section.Templates[i].CreatedAt.Before(section.Templates[j].CreatedAt)
		})

		builder.WriteString(fmt.Sprintf("<b>%s</b>\n", section.Name))
		for _, tpl := range section.Templates {
			builder.WriteString(formatTemplate(tpl, today))

			var row []tgbotapi.InlineKeyboardButton
			if recurrence.OccursOn(tpl, today) && !tpl.CompletedOn(today) {
				row = append(row, tgbotapi.NewInlineKeyboardButtonData(
					fmt.Sprintf("✅ %s", shortTitle(tpl.Title, 20)), cbDonePrefix+tpl.ID))
			}
			row = append(row, tgbotapi.NewInlineKeyboardButtonData("⏭ Skip", cbSkipPrefix+tpl.ID))
			row = append(row, tgbotapi.NewInlineKeyboardButtonData("🗑 Delete", cbDeletePrefix+tpl.ID))
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

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) error {
	if cb == nil || cb.From == nil || cb.Message == nil {
		return nil
	}

	data := cb.Data
	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		log.Printf("callback ack: %v", err)
	}

	switch {
	case strings.HasPrefix(data, cbDonePrefix):
		log.Printf("[info] callback done user=%d template=%s", cb.From.ID, strings.TrimPrefix(data, cbDonePrefix))
		return b.completeTodayAndRefresh(ctx, cb.Message.Chat.ID, cb.From, strings.TrimPrefix(data, cbDonePrefix))
	case strings.HasPrefix(data, cbSkipPrefix):
		log.Printf("[info] callback skip user=%d template=%s", cb.From.ID, strings.TrimPrefix(data, cbSkipPrefix))
		return b.askSkipConfirmation(ctx, cb.Message.Chat.ID, cb.From, strings.TrimPrefix(data, cbSkipPrefix))
	case strings.HasPrefix(data, cbDeletePrefix):
		log.Printf("[info] callback delete user=%d template=%s", cb.From.ID, strings.TrimPrefix(data, cbDeletePrefix))
		return b.askDeleteConfirmation(ctx, cb.Message.Chat.ID, cb.From, strings.TrimPrefix(data, cbDeletePrefix))
	default:
		return nil
	}
}

func (b *Bot) askSkipConfirmation(ctx context.Context, chatID int64, from *tgbotapi.User, templateID string) error {
	user, err := b.ensureUser(ctx, from)
	if err != nil {
		return err
	}

	tpl, err := b.templateSvc.GetTemplate(ctx, user, templateID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return b.sendText(chatID, "Task not found.")
		}
		return err
	}

	next, ok := recurrence.Next(*tpl, b.clock.Now())
	if !ok {
		return b.sendText(chatID, "This task has no upcoming occurrence to skip.")
	}

	var text string
	if recurrence.ParseKind(tpl.Recurrence) == recurrence.KindNone {
		text = fmt.Sprintf("«%s» is a one-off. Skipping it deletes the task. Continue?", escape(normalizeTitle(tpl.Title)))
	} else {
		text = fmt.Sprintf("Skip «%s» on %s? The rest of the series stays.", escape(normalizeTitle(tpl.Title)), next.Format("2006-01-02"))
	}
	b.setConfirmation(from.ID, confirmationRequest{templateID: tpl.ID, action: actionSkip})
	return b.sendWithReplyMarkup(chatID, text, confirmKeyboard())
}

func (b *Bot) askDeleteConfirmation(ctx context.Context, chatID int64, from *tgbotapi.User, templateID string) error {
	user, err := b.ensureUser(ctx, from)
	if err != nil {
		return err
	}

	tpl, err := b.templateSvc.GetTemplate(ctx, user, templateID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return b.sendText(chatID, "Task not found.")
		}
		return err
	}

	text := fmt.Sprintf("Delete «%s» and all of its occurrences?", escape(normalizeTitle(tpl.Title)))
	b.setConfirmation(from.ID, confirmationRequest{templateID: tpl.ID, action: actionDelete})
	return b.sendWithReplyMarkup(chatID, text, confirmKeyboard())
}

func (b *Bot) completeTodayAndRefresh(ctx context.Context, chatID int64, from *tgbotapi.User, templateID string) error {
	user, err := b.ensureUser(ctx, from)
	if err != nil {
		return err
	}

	today := b.clock.Now()
	tpl, err := b.templateSvc.GetTemplate(ctx, user, templateID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return b.sendTextWithRemove(chatID, "Task not found or already deleted.")
		}
		return b.sendTextWithRemove(chatID, fmt.Sprintf("Error: %s", escape(err.Error())))
	}

	if tpl.CompletedOn(recurrence.StartOfDay(today)) {
		return b.sendTextWithRemove(chatID, "Already marked done for today.")
	}

	if err := b.templateSvc.CompleteOccurrence(ctx, user, templateID, today); err != nil {
		return b.sendTextWithRemove(chatID, fmt.Sprintf("Error: %s", escape(err.Error())))
	}

	log.Printf("[info] occurrence completed template=%s user=%d date=%s", templateID, user.ID, today.Format("2006-01-02"))
	if err := b.sendTextWithRemove(chatID, fmt.Sprintf("✅ «%s» done for today.", escape(normalizeTitle(tpl.Title)))); err != nil {
		return err
	}
	return b.sendTemplateList(ctx, chatID, user)
}

func (b *Bot) skipOccurrenceAndRefresh(ctx context.Context, chatID int64, from *tgbotapi.User, templateID string) error {
	user, err := b.ensureUser(ctx, from)
	if err != nil {
		return err
	}

	tpl, err := b.templateSvc.GetTemplate(ctx, user, templateID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return b.sendTextWithRemove(chatID, "Task not found or already deleted.")
		}
		return b.sendTextWithRemove(chatID, fmt.Sprintf("Error: %s", escape(err.Error())))
	}

	next, ok := recurrence.Next(*tpl, b.clock.Now())
	if !ok {
		return b.sendTextWithRemove(chatID, "No upcoming occurrence to skip.")
	}

	if err := b.templateSvc.CancelOccurrence(ctx, user, templateID, next); err != nil {
		return b.sendTextWithRemove(chatID, fmt.Sprintf("Error: %s", escape(err.Error())))
	}

	log.Printf("[info] occurrence skipped template=%s user=%d date=%s", templateID, user.ID, next.Format("2006-01-02"))
	var info string
	if recurrence.ParseKind(tpl.Recurrence) == recurrence.KindNone {
		info = fmt.Sprintf("🗑 One-off «%s» removed.", escape(normalizeTitle(tpl.Title)))
	} else {
		info = fmt.Sprintf("⏭ «%s» skipped on %s.", escape(normalizeTitle(tpl.Title)), next.Format("2006-01-02"))
	}
	if err := b.sendTextWithRemove(chatID, info); err != nil {
		return err
	}
	return b.sendTemplateList(ctx, chatID, user)
}

func (b *Bot) deleteSeriesAndRefresh(ctx context.Context, chatID int64, from *tgbotapi.User, templateID string) error {
	user, err := b.ensureUser(ctx, from)
	if err != nil {
		return err
	}

	tpl, err := b.templateSvc.GetTemplate(ctx, user, templateID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return b.sendTextWithRemove(chatID, "Task not found or already deleted.")
		}
		return b.sendTextWithRemove(chatID, fmt.Sprintf("Error: %s", escape(err.Error())))
	}

	if err := b.templateSvc.DeleteSeries(ctx, user, templateID); err != nil {
		return b.sendTextWithRemove(chatID, fmt.Sprintf("Error: %s", escape(err.Error())))
	}

	log.Printf("[info] series deleted template=%s user=%d", templateID, user.ID)
	if err := b.sendTextWithRemove(chatID, fmt.Sprintf("🗑 «%s» deleted.", escape(normalizeTitle(tpl.Title)))); err != nil {
		return err
	}
	return b.sendTemplateList(ctx, chatID, user)
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

func isMenuAlias(text string) bool {
	switch strings.TrimSpace(strings.ToLower(text)) {
	case strings.ToLower(menuLabelNew), strings.ToLower(menuLabelToday),
		strings.ToLower(menuLabelMonth), strings.ToLower(menuLabelHelp):
		return true
	default:
		return false
	}
}

func (b *Bot) dispatchMenuAlias(ctx context.Context, msg *tgbotapi.Message) error {
	switch strings.TrimSpace(strings.ToLower(msg.Text)) {
	case strings.ToLower(menuLabelNew):
		return b.startNewTaskConversation(ctx, msg)
	case strings.ToLower(menuLabelToday):
		return b.handleAgenda(ctx, msg)
	case strings.ToLower(menuLabelMonth):
		return b.handleMonth(ctx, msg)
	default:
		return b.handleHelp(msg)
	}
}

func confirmKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnConfirm),
			tgbotapi.NewKeyboardButton(btnCancel),
		),
	)
	kb.ResizeKeyboard = true
	kb.OneTimeKeyboard = true
	return kb
}

func mainMenuKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(menuLabelNew),
			tgbotapi.NewKeyboardButton(menuLabelToday),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(menuLabelMonth),
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

func recurrenceKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("Once"),
			tgbotapi.NewKeyboardButton("Daily"),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("Weekly"),
			tgbotapi.NewKeyboardButton("Monthly"),
			tgbotapi.NewKeyboardButton("Yearly"),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnCancelDialog),
		),
	)
	kb.ResizeKeyboard = true
	kb.OneTimeKeyboard = true
	return kb
}

func categoryKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("Work"),
			tgbotapi.NewKeyboardButton("Study"),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("Errands"),
			tgbotapi.NewKeyboardButton("Health"),
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
	return value == "-" || value == strings.ToLower(btnSkip) || value == "skip"
}

func isConfirmInput(text string) bool {
	value := strings.TrimSpace(strings.ToLower(text))
	return value == strings.ToLower(btnConfirm) || value == "confirm" || value == "yes"
}

func isCancelInput(text string) bool {
	value := strings.TrimSpace(strings.ToLower(text))
	return value == strings.ToLower(btnCancel) || value == "cancel"
}

func isCancelDialogInput(text string) bool {
	value := strings.TrimSpace(strings.ToLower(text))
	return value == strings.ToLower(btnCancelDialog) || value == "abort" || value == "abort input"
}

func parseRecurrenceInput(text string) (recurrence.Kind, bool) {
	switch strings.TrimSpace(strings.ToLower(text)) {
	case "once", "no", "none", "one-off":
		return recurrence.KindNone, true
	case "daily", "every day":
		return recurrence.KindDaily, true
	case "weekly", "every week":
		return recurrence.KindWeekly, true
	case "monthly", "every month":
		return recurrence.KindMonthly, true
	case "yearly", "every year":
		return recurrence.KindYearly, true
	default:
		return recurrence.KindNone, false
	}
}

func composeOrigin(date time.Time, minutes int, loc *time.Location) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, minutes/60, minutes%60, 0, 0, loc)
}

func recurrenceLabel(raw string) string {
	switch recurrence.ParseKind(raw) {
	case recurrence.KindDaily:
		return "every day"
	case recurrence.KindWeekly:
		return "every week"
	case recurrence.KindMonthly:
		return "every month"
	case recurrence.KindYearly:
		return "every year"
	default:
		return "never (one-off)"
	}
}

func escape(s string) string {
	return html.EscapeString(s)
}

func normalizedCategory(categoryID *uint, catNames map[uint]string) (string, string) {
	if categoryID == nil {
		return noCategoryKey, categoryLabel(noCategory)
	}
	if name, ok := catNames[*categoryID]; ok {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			return noCategoryKey, categoryLabel(noCategory)
		}
		return strings.ToLower(trimmed), categoryLabel(trimmed)
	}
	return noCategoryKey, categoryLabel(noCategory)
}

func formatTemplate(tpl model.TaskTemplate, today time.Time) string {
	var b strings.Builder

	icon := "🟢"
	if recurrence.ParseKind(tpl.Recurrence) != recurrence.KindNone {
		icon = "♻️"
	}
	if recurrence.OccursOn(tpl, today) && tpl.CompletedOn(today) {
		icon = "✅"
	}

	b.WriteString(fmt.Sprintf("%s %s", icon, escape(normalizeTitle(tpl.Title))))
	if m := tpl.OriginDate.Hour()*60 + tpl.OriginDate.Minute(); m > 0 {
		b.WriteString(fmt.Sprintf(" · %02d:%02d", m/60, m%60))
	}
	b.WriteString(fmt.Sprintf(" · %s\n", recurrenceLabel(tpl.Recurrence)))

	if next, ok := recurrence.Next(tpl, today); ok {
		if next.Equal(recurrence.StartOfDay(today)) {
			b.WriteString("   📆 today\n")
		} else {
			b.WriteString(fmt.Sprintf("   📆 next: %s\n", next.Format("2006-01-02")))
		}
	}
	if tpl.Notes != "" {
		b.WriteString(fmt.Sprintf("   📝 %s\n", escape(tpl.Notes)))
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

func categoryLabel(name string) string {
	base := strings.TrimSpace(name)
	var icon string
	switch strings.ToLower(base) {
	case "study":
		icon = "🎓"
	case "work":
		icon = "💼"
	case "errands":
		icon = "🛒"
	case "health":
		icon = "🩺"
	case strings.ToLower(noCategory):
		icon = "📁"
	default:
		icon = "🏷️"
	}
	return fmt.Sprintf("%s %s", icon, escape(normalizeTitle(base)))
}
