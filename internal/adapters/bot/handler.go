package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-topics-bot/internal/domain"
	"tg-topics-bot/internal/infra/metrics"
	"tg-topics-bot/internal/usecase/credentials"
	"tg-topics-bot/internal/usecase/queue"
	"tg-topics-bot/internal/usecase/ratelimit"
	"tg-topics-bot/internal/usecase/scan"
	"tg-topics-bot/internal/usecase/security"
	"tg-topics-bot/internal/usecase/sessions"
)

// Gate: проверка доступа пользователя к командам.
type Gate interface {
	Admit(userID int64) (bool, security.Reason)
	Record(userID int64, command, chatType string)
	UserLimits(userID int64) security.UserLimits
	AddBlacklist(userID int64, reason string)
	RemoveBlacklist(userID int64, reason string) bool
	RecentEvents(limit int, userID int64) []security.Event
}

// Throughput: глобальный лимит обращений к Telegram API.
type Throughput interface {
	CanAdmit() bool
	Record()
	SetMode(mode ratelimit.Mode, reason string) error
	Status() ratelimit.Status
}

// TaskQueue: очередь задач режима user.
type TaskQueue interface {
	Enqueue(ctx context.Context, userID, chatID int64, command string, params any, priority int) (domain.Task, error)
	Status(ctx context.Context, userID int64) (queue.Status, error)
	Cancel(ctx context.Context, taskID int64) (bool, error)
}

// Onboarding ведёт пользователя через выбор режима и ввод API данных.
type Onboarding interface {
	SelectMode(ctx context.Context, userID int64, mode domain.UserMode) (bool, error)
	SubmitCredentials(ctx context.Context, userID int64, text string) error
	Logout(ctx context.Context, userID int64) error
}

// SessionPool: живые MTProto-сессии пользователей.
type SessionPool interface {
	Info(ctx context.Context, userID int64) (sessions.SessionInfo, bool)
	HealthCheckAll(ctx context.Context) sessions.HealthReport
	Stats() sessions.Stats
}

// Activity: учёт сообщений участников.
type Activity interface {
	Track(ctx context.Context, chatID, userID int64, username, firstName string, at time.Time)
	ActiveUsers(ctx context.Context, chatID int64, date time.Time) ([]domain.ActivityRecord, error)
	Stats(ctx context.Context, chatID int64, date time.Time) (domain.ActivityStats, error)
}

// BotScanner сканирует топики без MTProto.
type BotScanner interface {
	ScanBotMode(ctx context.Context, chatID int64) (scan.Result, error)
}

// Analytics: журнал команд и сводки по нему.
type Analytics interface {
	TrackCommand(ctx context.Context, userID, chatID int64, command, chatType string)
	TrackAdmin(ctx context.Context, adminID, chatID int64, command string, target int64)
	TrackError(ctx context.Context, userID, chatID int64, command string, category domain.Category, message string)
	GlobalAnalytics(ctx context.Context, window time.Duration) (domain.LogSummary, error)
	UserAnalytics(ctx context.Context, userID int64, window time.Duration) (domain.LogSummary, error)
	TopUsers(ctx context.Context, window time.Duration, limit int) ([]domain.UserLogCount, error)
}

// Deps: зависимости обработчика.
type Deps struct {
	Users      domain.UserRepo
	Access     domain.AccessList
	Gate       Gate
	Limiter    Throughput
	Queue      TaskQueue
	Onboarding Onboarding
	Sessions   SessionPool
	Activity   Activity
	Scanner    BotScanner
	Observer   domain.TopicObserver
	Cache      domain.Cache
	Analytics  Analytics
	// DedupWindow: окно, в котором повтор той же команды в том же чате игнорируется.
	DedupWindow time.Duration
}

// Handler обслуживает апдейты бота.
type Handler struct {
	deps     Deps
	notifier *Notifier
	sender   Sender
	log      zerolog.Logger
	now      func() time.Time
}

// NewHandler создаёт обработчик.
func NewHandler(sender Sender, deps Deps, logger zerolog.Logger) *Handler {
	if deps.DedupWindow <= 0 {
		deps.DedupWindow = 10 * time.Second
	}
	return &Handler{
		deps:     deps,
		notifier: NewNotifier(sender, logger),
		sender:   sender,
		log:      logger,
		now:      time.Now,
	}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.Message != nil {
		h.handleMessage(ctx, upd.Message)
	} else if upd.CallbackQuery != nil {
		h.handleCallback(ctx, upd.CallbackQuery)
	}
}

// parseCommand выделяет команду без слэша и упоминания бота и её аргументы.
func parseCommand(text string) (string, string) {
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	fields := strings.SplitN(text, " ", 2)
	command := strings.TrimPrefix(fields[0], "/")
	if at := strings.Index(command, "@"); at >= 0 {
		command = command[:at]
	}
	args := ""
	if len(fields) == 2 {
		args = strings.TrimSpace(fields[1])
	}
	return strings.ToLower(command), args
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil || msg.From.IsBot {
		return
	}
	text := strings.TrimSpace(msg.Text)
	command, args := parseCommand(text)

	if command == "" {
		if msg.Chat.IsPrivate() {
			h.handleCredentialsInput(ctx, msg, text)
			return
		}
		h.trackGroupMessage(ctx, msg)
		return
	}

	switch command {
	case "start":
		h.handleStart(ctx, msg)
	case "help":
		h.reply(ctx, msg.Chat.ID, helpText(), nil)
	case "scan", "find_ids":
		h.handleScanCommand(ctx, msg, domain.CommandScan)
	case "get_ids":
		h.handleScanCommand(ctx, msg, domain.CommandGetIDs)
	case "get_all":
		h.handleScanCommand(ctx, msg, domain.CommandGetAll)
	case "get_users":
		h.handleScanCommand(ctx, msg, domain.CommandGetUsers)
	case "stats":
		h.handleScanCommand(ctx, msg, domain.CommandStats)
	case "queue":
		h.handleQueue(ctx, msg)
	case "limits":
		h.handleLimits(ctx, msg)
	case "status":
		h.handleStatus(ctx, msg)
	case "logout":
		h.handleLogout(ctx, msg)
	case "mode", "block", "unblock", "cancel", "health", "events", "analytics":
		h.handleAdmin(ctx, msg, command, args)
	default:
		if msg.Chat.IsPrivate() {
			h.reply(ctx, msg.Chat.ID, "Неизвестная команда. Используйте /help", nil)
		}
	}
}

func (h *Handler) upsertUser(ctx context.Context, from *tgbotapi.User) (domain.User, error) {
	return h.deps.Users.UpsertUser(ctx, from.ID, from.UserName, from.FirstName)
}

func (h *Handler) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	if !msg.Chat.IsPrivate() {
		h.reply(ctx, msg.Chat.ID, "🤖 <b>Topics Scanner</b>\n\nКоманды:\n• /scan — список топиков\n• /get_all — топики с названиями\n• /start — настройки (в личных сообщениях)", nil)
		return
	}
	user, err := h.upsertUser(ctx, msg.From)
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", msg.From.ID).Msg("не удалось сохранить пользователя")
		h.replyCategory(ctx, msg.Chat.ID, domain.CategoryInternal)
		return
	}
	h.reply(ctx, msg.Chat.ID, welcomeText(user), mainKeyboard())
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	h.answerCallback(cb.ID)
	if cb.From == nil || cb.Message == nil || cb.Message.Chat == nil {
		return
	}
	chatID := cb.Message.Chat.ID
	switch cb.Data {
	case "main_menu":
		user, err := h.upsertUser(ctx, cb.From)
		if err != nil {
			h.replyCategory(ctx, chatID, domain.CategoryInternal)
			return
		}
		h.reply(ctx, chatID, welcomeText(user), mainKeyboard())
	case "mode_bot", "mode_user":
		if _, err := h.upsertUser(ctx, cb.From); err != nil {
			h.replyCategory(ctx, chatID, domain.CategoryInternal)
			return
		}
		mode := domain.ModeBot
		if cb.Data == "mode_user" {
			mode = domain.ModeUser
		}
		needCredentials, err := h.deps.Onboarding.SelectMode(ctx, cb.From.ID, mode)
		if err != nil {
			h.log.Error().Err(err).Int64("user_id", cb.From.ID).Msg("не удалось сменить режим")
			h.replyCategory(ctx, chatID, domain.CategoryInternal)
			return
		}
		switch {
		case mode == domain.ModeBot:
			h.reply(ctx, chatID, "🤖 Включён режим bot.\n\nБот показывает General и топики, замеченные в сообщениях группы.", backKeyboard())
		case needCredentials:
			h.reply(ctx, chatID, credentialsHelpText(), backKeyboard())
		default:
			h.reply(ctx, chatID, "👤 Включён режим user с сохранёнными API данными.", backKeyboard())
		}
	case "help":
		h.reply(ctx, chatID, helpText(), backKeyboard())
	default:
		h.log.Debug().Str("data", cb.Data).Msg("неизвестный callback")
	}
}

func (h *Handler) answerCallback(id string) {
	start := time.Now()
	_, err := h.sender.Request(tgbotapi.NewCallback(id, ""))
	metrics.ObserveNetworkRequest("telegram_bot", "answer_callback", "callback", start, err)
	if err != nil {
		h.log.Debug().Err(err).Msg("не удалось ответить на callback")
	}
}

func (h *Handler) handleCredentialsInput(ctx context.Context, msg *tgbotapi.Message, text string) {
	if text == "" {
		return
	}
	user, err := h.deps.Users.GetUser(ctx, msg.From.ID)
	if err != nil || user.Status != domain.StatusPending {
		return
	}
	err = h.deps.Onboarding.SubmitCredentials(ctx, msg.From.ID, text)
	switch {
	case err == nil:
		h.reply(ctx, msg.Chat.ID, "✅ API данные сохранены. Режим user включён.\n\nСессию можно импортировать администратору или проверить командой /status.", nil)
	case errors.Is(err, credentials.ErrFormat):
		h.reply(ctx, msg.Chat.ID, "❌ Неверный формат.\n\n"+html.EscapeString(err.Error())+"\n\n"+credentialsHelpText(), nil)
	case errors.Is(err, domain.ErrInvalidCredentials):
		h.reply(ctx, msg.Chat.ID, "❌ API данные не прошли проверку подключения. Проверьте api_id и api_hash на my.telegram.org.", nil)
	default:
		h.log.Error().Err(err).Int64("user_id", msg.From.ID).Msg("не удалось сохранить API данные")
		h.replyCategory(ctx, msg.Chat.ID, domain.CategoryInternal)
	}
}

func (h *Handler) trackGroupMessage(ctx context.Context, msg *tgbotapi.Message) {
	if h.deps.Activity != nil {
		h.deps.Activity.Track(ctx, msg.Chat.ID, msg.From.ID, msg.From.UserName, msg.From.FirstName, msg.Time())
	}
	if h.deps.Observer != nil && msg.ReplyToMessage != nil && msg.Chat.IsSuperGroup() {
		if err := h.deps.Observer.ObserveTopic(ctx, msg.Chat.ID, msg.ReplyToMessage.MessageID); err != nil {
			h.log.Debug().Err(err).Int64("chat_id", msg.Chat.ID).Msg("не удалось запомнить топик")
		}
	}
}

// admit проверяет доступ и глобальный лимит, затем учитывает запрос.
func (h *Handler) admit(ctx context.Context, msg *tgbotapi.Message, command string) bool {
	userID := msg.From.ID
	if ok, reason := h.deps.Gate.Admit(userID); !ok {
		h.log.Info().Int64("user_id", userID).Str("reason", string(reason)).Str("command", command).Msg("команда отклонена")
		h.replyReason(ctx, msg.Chat.ID, reason)
		return false
	}
	if !h.deps.Limiter.CanAdmit() {
		metrics.IncAdmissionRejected("limiter", "throughput")
		h.replyCategory(ctx, msg.Chat.ID, domain.CategoryRateLimited)
		return false
	}
	h.deps.Gate.Record(userID, command, msg.Chat.Type)
	h.deps.Limiter.Record()
	if h.deps.Analytics != nil {
		h.deps.Analytics.TrackCommand(ctx, userID, msg.Chat.ID, command, msg.Chat.Type)
	}
	return true
}

func (h *Handler) handleScanCommand(ctx context.Context, msg *tgbotapi.Message, command string) {
	if msg.Chat.IsPrivate() {
		h.reply(ctx, msg.Chat.ID, "⚠️ Команда работает только в супергруппах. Добавьте бота в группу и вызовите её там.", nil)
		return
	}
	if !msg.Chat.IsSuperGroup() {
		h.reply(ctx, msg.Chat.ID, "⚠️ Команда работает только в супергруппах с топиками.", nil)
		return
	}
	user, err := h.upsertUser(ctx, msg.From)
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", msg.From.ID).Msg("не удалось сохранить пользователя")
		h.replyCategory(ctx, msg.Chat.ID, domain.CategoryInternal)
		return
	}
	if !h.admit(ctx, msg, command) {
		return
	}

	key := fmt.Sprintf("cmd:%d:%d:%s", msg.Chat.ID, msg.From.ID, command)
	run := func() error {
		if user.Mode == domain.ModeUser && user.HasCredentials() {
			return h.enqueue(ctx, msg, user, command)
		}
		err := h.runBotMode(ctx, msg.Chat.ID, command)
		if err != nil {
			h.trackError(ctx, user.ID, msg.Chat.ID, command, err)
		}
		return err
	}
	if h.deps.Cache == nil {
		_ = run()
		return
	}
	executed, err := h.deps.Cache.Once(ctx, key, h.deps.DedupWindow, run)
	if err != nil && !executed {
		h.log.Warn().Err(err).Msg("кэш недоступен, команда выполняется без защиты от повторов")
		_ = run()
		return
	}
	if !executed {
		h.log.Debug().Str("key", key).Msg("повтор команды проигнорирован")
	}
}

func (h *Handler) enqueue(ctx context.Context, msg *tgbotapi.Message, user domain.User, command string) error {
	params := domain.ScanParams{
		ChatTitle:    msg.Chat.Title,
		ChatUsername: msg.Chat.UserName,
		RequestID:    uuid.NewString(),
	}
	task, err := h.deps.Queue.Enqueue(ctx, user.ID, msg.Chat.ID, command, params, domain.CommandPriority(command))
	if err != nil {
		category := domain.Categorize(err)
		if category == domain.CategoryInternal {
			h.log.Error().Err(err).Int64("user_id", user.ID).Msg("не удалось поставить задачу")
		}
		h.trackError(ctx, user.ID, msg.Chat.ID, command, err)
		h.replyError(ctx, msg.Chat.ID, err)
		return err
	}
	text := fmt.Sprintf("⏳ Задача #%d поставлена в очередь.", task.ID)
	if st, err := h.deps.Queue.Status(ctx, user.ID); err == nil && st.UserPosition > 0 {
		text += fmt.Sprintf(" Позиция: %d.", st.UserPosition)
	}
	h.reply(ctx, msg.Chat.ID, text, nil)
	return nil
}

func (h *Handler) runBotMode(ctx context.Context, chatID int64, command string) error {
	today := h.now()
	switch command {
	case domain.CommandGetUsers:
		records, err := h.deps.Activity.ActiveUsers(ctx, chatID, today)
		if err != nil {
			h.replyError(ctx, chatID, err)
			return err
		}
		h.reply(ctx, chatID, scan.FormatActivity(records), nil)
	case domain.CommandStats:
		stats, err := h.deps.Activity.Stats(ctx, chatID, today)
		if err != nil {
			h.replyError(ctx, chatID, err)
			return err
		}
		h.reply(ctx, chatID, scan.FormatStats(stats), nil)
	default:
		res, err := h.deps.Scanner.ScanBotMode(ctx, chatID)
		if err != nil {
			h.log.Error().Err(err).Int64("chat_id", chatID).Msg("сканирование в режиме bot не удалось")
			h.replyError(ctx, chatID, err)
			return err
		}
		if command == domain.CommandGetAll {
			h.reply(ctx, chatID, scan.FormatTopicsFull(res), nil)
		} else {
			h.reply(ctx, chatID, scan.FormatTopicIDs(res), nil)
		}
	}
	return nil
}

func (h *Handler) handleQueue(ctx context.Context, msg *tgbotapi.Message) {
	st, err := h.deps.Queue.Status(ctx, msg.From.ID)
	if err != nil {
		h.log.Error().Err(err).Msg("не удалось получить состояние очереди")
		h.replyCategory(ctx, msg.Chat.ID, domain.CategoryInternal)
		return
	}
	var b strings.Builder
	b.WriteString("📊 <b>Очередь</b>\n")
	fmt.Fprintf(&b, "Ожидают: %d\nВыполняются: %d из %d\nГотово: %d\nОшибки: %d\n", st.Pending, st.Processing, st.Workers, st.Completed, st.Failed)
	if st.UserPosition > 0 {
		fmt.Fprintf(&b, "\nВаша ближайшая задача: позиция %d", st.UserPosition)
	} else {
		b.WriteString("\nУ вас нет задач в ожидании")
	}
	h.reply(ctx, msg.Chat.ID, b.String(), nil)
}

func (h *Handler) handleLimits(ctx context.Context, msg *tgbotapi.Message) {
	limits := h.deps.Gate.UserLimits(msg.From.ID)
	limiter := h.deps.Limiter.Status()
	var b strings.Builder
	b.WriteString("📏 <b>Ваши лимиты</b>\n")
	if limits.Unlimited {
		b.WriteString("Запросы: без ограничений\n")
	} else {
		fmt.Fprintf(&b, "Запросов сегодня: %d из %d\n", limits.RequestsToday, limits.DailyLimit)
		if limits.CooldownRemaining > 0 {
			fmt.Fprintf(&b, "Следующий запрос через: %d с\n", int(limits.CooldownRemaining.Round(time.Second).Seconds()))
		}
	}
	if !limits.SuspendedUntil.IsZero() {
		fmt.Fprintf(&b, "Доступ приостановлен до %s\n", limits.SuspendedUntil.Format("15:04"))
	}
	if limits.Blacklisted {
		b.WriteString("Доступ заблокирован\n")
	}
	fmt.Fprintf(&b, "\n⚙️ Режим API: %s (%d/%d запросов за час, пауза %d с)",
		html.EscapeString(limiter.ModeName), limiter.RequestsLastHour, limiter.MaxPerHour, limiter.CooldownSeconds)
	h.reply(ctx, msg.Chat.ID, b.String(), nil)
}

func (h *Handler) handleStatus(ctx context.Context, msg *tgbotapi.Message) {
	user, err := h.deps.Users.GetUser(ctx, msg.From.ID)
	if errors.Is(err, domain.ErrNotFound) {
		h.reply(ctx, msg.Chat.ID, "Вы ещё не настроили бота. Отправьте /start в личные сообщения.", nil)
		return
	}
	if err != nil {
		h.replyCategory(ctx, msg.Chat.ID, domain.CategoryInternal)
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "👤 <b>%s</b>\nРежим: %s\nСтатус: %s\n", html.EscapeString(user.DisplayName()), user.Mode, user.Status)
	info, ok := h.deps.Sessions.Info(ctx, msg.From.ID)
	switch {
	case !ok:
		b.WriteString("Сессия: не запущена")
	case info.Error != "":
		h.log.Warn().Str("error", info.Error).Int64("user_id", msg.From.ID).Msg("сессия не отвечает на проверку")
		b.WriteString("Сессия: не отвечает, она будет пересоздана при следующем запросе")
	default:
		name := info.Self.Username
		if name == "" {
			name = info.Self.FirstName
		}
		fmt.Fprintf(&b, "Сессия: активна с %s, аккаунт %s", info.CreatedAt.Format("02.01 15:04"), html.EscapeString(name))
	}
	h.reply(ctx, msg.Chat.ID, b.String(), nil)
}

func (h *Handler) handleLogout(ctx context.Context, msg *tgbotapi.Message) {
	if err := h.deps.Onboarding.Logout(ctx, msg.From.ID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.reply(ctx, msg.Chat.ID, "Вы ещё не настроили бота.", nil)
			return
		}
		h.log.Error().Err(err).Int64("user_id", msg.From.ID).Msg("не удалось выйти")
		h.replyCategory(ctx, msg.Chat.ID, domain.CategoryInternal)
		return
	}
	h.reply(ctx, msg.Chat.ID, "👋 API данные и сессия удалены. Включён режим bot.", nil)
}

func (h *Handler) handleAdmin(ctx context.Context, msg *tgbotapi.Message, command, args string) {
	if !h.deps.Access.IsAdmin(msg.From.ID) {
		h.reply(ctx, msg.Chat.ID, "⛔ Команда доступна только администраторам.", nil)
		return
	}
	chatID := msg.Chat.ID
	switch command {
	case "mode":
		if args == "" {
			st := h.deps.Limiter.Status()
			h.reply(ctx, chatID, fmt.Sprintf("Текущий режим: <b>%s</b>. Доступны: turtle, low, normal, burst.", html.EscapeString(st.ModeName)), nil)
			return
		}
		mode, err := ratelimit.ParseMode(strings.ToLower(args))
		if err != nil {
			h.reply(ctx, chatID, "Неизвестный режим. Доступны: turtle, low, normal, burst.", nil)
			return
		}
		if err := h.deps.Limiter.SetMode(mode, fmt.Sprintf("admin %d", msg.From.ID)); err != nil {
			h.replyCategory(ctx, chatID, domain.CategoryInternal)
			return
		}
		h.reply(ctx, chatID, fmt.Sprintf("✅ Режим лимитов: %s", html.EscapeString(ratelimit.PresetOf(mode).Name)), nil)
	case "block", "unblock":
		fields := strings.SplitN(args, " ", 2)
		userID, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
		if err != nil {
			h.reply(ctx, chatID, fmt.Sprintf("Использование: /%s &lt;user_id&gt; [причина]", command), nil)
			return
		}
		reason := "admin"
		if len(fields) == 2 && strings.TrimSpace(fields[1]) != "" {
			reason = strings.TrimSpace(fields[1])
		}
		h.trackAdmin(ctx, msg, command, userID)
		if command == "block" {
			h.deps.Gate.AddBlacklist(userID, reason)
			h.reply(ctx, chatID, fmt.Sprintf("🚫 Пользователь %d заблокирован.", userID), nil)
			return
		}
		if h.deps.Gate.RemoveBlacklist(userID, reason) {
			h.reply(ctx, chatID, fmt.Sprintf("✅ Пользователь %d разблокирован.", userID), nil)
		} else {
			h.reply(ctx, chatID, fmt.Sprintf("Пользователь %d не был заблокирован.", userID), nil)
		}
	case "cancel":
		taskID, err := strconv.ParseInt(args, 10, 64)
		if err != nil {
			h.reply(ctx, chatID, "Использование: /cancel &lt;task_id&gt;", nil)
			return
		}
		h.trackAdmin(ctx, msg, command, taskID)
		ok, err := h.deps.Queue.Cancel(ctx, taskID)
		switch {
		case err != nil:
			h.replyCategory(ctx, chatID, domain.CategoryInternal)
		case ok:
			h.reply(ctx, chatID, fmt.Sprintf("✅ Задача #%d отменена.", taskID), nil)
		default:
			h.reply(ctx, chatID, fmt.Sprintf("Задача #%d не найдена или уже завершена.", taskID), nil)
		}
	case "health":
		report := h.deps.Sessions.HealthCheckAll(ctx)
		stats := h.deps.Sessions.Stats()
		h.reply(ctx, chatID, fmt.Sprintf("🩺 Сессии: %d из %d\nЗдоровы: %d\nЗакрыты как неисправные: %d",
			stats.Active, stats.Max, report.Healthy, report.Unhealthy), nil)
	case "events":
		h.handleEvents(ctx, chatID, args)
	case "analytics":
		h.handleAnalytics(ctx, chatID, args)
	}
}

// handleEvents показывает последние события безопасности: /events [limit] [user_id].
func (h *Handler) handleEvents(ctx context.Context, chatID int64, args string) {
	var (
		limit  int
		userID int64
	)
	fields := strings.Fields(args)
	if len(fields) > 0 {
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			h.reply(ctx, chatID, "Использование: /events [количество] [user_id]", nil)
			return
		}
		limit = n
	}
	if len(fields) > 1 {
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			h.reply(ctx, chatID, "Использование: /events [количество] [user_id]", nil)
			return
		}
		userID = id
	}
	events := h.deps.Gate.RecentEvents(limit, userID)
	if len(events) == 0 {
		h.reply(ctx, chatID, "Событий безопасности нет.", nil)
		return
	}
	var b strings.Builder
	b.WriteString("🛡 <b>События безопасности</b>\n")
	for _, ev := range events {
		fmt.Fprintf(&b, "\n%s [%s] %s", ev.At.Format("02.01 15:04"), ev.Severity, html.EscapeString(ev.Type))
		if ev.UserID != 0 {
			fmt.Fprintf(&b, " user %d", ev.UserID)
		}
		if ev.Details != "" {
			fmt.Fprintf(&b, ": %s", html.EscapeString(ev.Details))
		}
	}
	h.reply(ctx, chatID, b.String(), nil)
}

const (
	globalAnalyticsWindow = 24 * time.Hour
	userAnalyticsWindow   = 7 * 24 * time.Hour
	topUsersShown         = 5
)

// handleAnalytics показывает сводку журнала: /analytics или /analytics <user_id>.
func (h *Handler) handleAnalytics(ctx context.Context, chatID int64, args string) {
	if h.deps.Analytics == nil {
		h.reply(ctx, chatID, "Аналитика отключена.", nil)
		return
	}
	if args != "" {
		userID, err := strconv.ParseInt(args, 10, 64)
		if err != nil {
			h.reply(ctx, chatID, "Использование: /analytics [user_id]", nil)
			return
		}
		summary, err := h.deps.Analytics.UserAnalytics(ctx, userID, userAnalyticsWindow)
		if err != nil {
			h.log.Error().Err(err).Int64("user_id", userID).Msg("не удалось получить аналитику пользователя")
			h.replyCategory(ctx, chatID, domain.CategoryInternal)
			return
		}
		h.reply(ctx, chatID, fmt.Sprintf("📈 <b>Пользователь %d за 7 дней</b>\n", userID)+formatSummary(summary), nil)
		return
	}
	summary, err := h.deps.Analytics.GlobalAnalytics(ctx, globalAnalyticsWindow)
	if err != nil {
		h.log.Error().Err(err).Msg("не удалось получить аналитику")
		h.replyCategory(ctx, chatID, domain.CategoryInternal)
		return
	}
	var b strings.Builder
	b.WriteString("📈 <b>Аналитика за 24 часа</b>\n")
	b.WriteString(formatSummary(summary))
	top, err := h.deps.Analytics.TopUsers(ctx, globalAnalyticsWindow, topUsersShown)
	if err != nil {
		h.log.Warn().Err(err).Msg("не удалось получить активных пользователей")
	}
	if len(top) > 0 {
		b.WriteString("\n<b>Самые активные:</b>")
		for i, u := range top {
			fmt.Fprintf(&b, "\n%d. %d: %d событий, ошибок %d", i+1, u.UserID, u.Events, u.Errors)
		}
	}
	h.reply(ctx, chatID, b.String(), nil)
}

func formatSummary(s domain.LogSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Событий: %d\nПользователей: %d\n", s.Events, s.UniqueUsers)
	if s.Operations > 0 {
		fmt.Fprintf(&b, "Задач: %d, неудачных %d, среднее время %s\n", s.Operations, s.FailedOperations, s.AvgDuration.Round(time.Millisecond))
	}
	if len(s.Commands) > 0 {
		b.WriteString("Команды: " + formatCounts(s.Commands) + "\n")
	}
	if len(s.Errors) > 0 {
		b.WriteString("Ошибки: " + formatCounts(s.Errors) + "\n")
	}
	return b.String()
}

// formatCounts печатает счётчики по убыванию, при равенстве по имени.
func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s %d", html.EscapeString(k), counts[k]))
	}
	return strings.Join(parts, ", ")
}

func (h *Handler) trackAdmin(ctx context.Context, msg *tgbotapi.Message, command string, target int64) {
	if h.deps.Analytics != nil {
		h.deps.Analytics.TrackAdmin(ctx, msg.From.ID, msg.Chat.ID, command, target)
	}
}

func (h *Handler) trackError(ctx context.Context, userID, chatID int64, command string, err error) {
	if h.deps.Analytics != nil {
		h.deps.Analytics.TrackError(ctx, userID, chatID, command, domain.Categorize(err), err.Error())
	}
}

func (h *Handler) reply(ctx context.Context, chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	_ = h.notifier.send(ctx, chatID, text, keyboard)
}

func (h *Handler) replyReason(ctx context.Context, chatID int64, reason security.Reason) {
	switch reason {
	case security.ReasonMaintenance:
		h.reply(ctx, chatID, "🛠 Бот на обслуживании. Попробуйте позже.", nil)
	case security.ReasonCooldown:
		h.reply(ctx, chatID, "⏳ Слишком часто. Подождите несколько секунд.", nil)
	case security.ReasonDailyLimit:
		h.reply(ctx, chatID, "⏳ Дневной лимит запросов исчерпан. Попробуйте завтра.", nil)
	default:
		h.replyCategory(ctx, chatID, reason.Category())
	}
}

func (h *Handler) replyError(ctx context.Context, chatID int64, err error) {
	var flood *domain.FloodWaitError
	switch {
	case errors.As(err, &flood):
		h.reply(ctx, chatID, fmt.Sprintf("⏳ Telegram просит подождать %d с перед следующим запросом.", int(flood.Wait.Seconds())), nil)
	case errors.Is(err, domain.ErrQueueFull):
		h.reply(ctx, chatID, "⏳ Очередь заполнена. Попробуйте позже.", nil)
	case errors.Is(err, domain.ErrPendingLimit):
		h.reply(ctx, chatID, "⏳ У вас уже есть задачи в очереди. Дождитесь их выполнения.", nil)
	default:
		h.replyCategory(ctx, chatID, domain.Categorize(err))
	}
}

func (h *Handler) replyCategory(ctx context.Context, chatID int64, category domain.Category) {
	h.reply(ctx, chatID, categoryText(category), nil)
}

func categoryText(category domain.Category) string {
	switch category {
	case domain.CategoryRateLimited:
		return "⏳ Слишком много запросов. Попробуйте позже."
	case domain.CategoryBlocked:
		return "🚫 Доступ ограничен."
	case domain.CategoryNoSession:
		return "🔑 Нет активной сессии. Настройте режим user через /start в личных сообщениях."
	default:
		return "❌ Внутренняя ошибка. Попробуйте позже."
	}
}

func mainKeyboard() *tgbotapi.InlineKeyboardMarkup {
	buttons := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🤖 Режим bot", "mode_bot"),
			tgbotapi.NewInlineKeyboardButtonData("👤 Режим user", "mode_user"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ Помощь", "help"),
		),
	)
	return &buttons
}

func backKeyboard() *tgbotapi.InlineKeyboardMarkup {
	buttons := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⬅️ Назад", "main_menu"),
		),
	)
	return &buttons
}

func welcomeText(user domain.User) string {
	mode := "bot"
	if user.Mode == domain.ModeUser {
		mode = "user"
	}
	return fmt.Sprintf("👋 Привет, %s!\n\nБот находит id и ссылки топиков в супергруппах-форумах.\n\nТекущий режим: <b>%s</b>\n\n"+
		"🤖 <b>bot</b> — без настройки, но видны только General и топики, замеченные в сообщениях.\n"+
		"👤 <b>user</b> — полный список через ваш аккаунт, нужны API данные с my.telegram.org.",
		html.EscapeString(user.DisplayName()), mode)
}

func credentialsHelpText() string {
	return "👤 <b>Режим user</b>\n\n1. Откройте https://my.telegram.org и войдите.\n2. В разделе API development tools создайте приложение.\n" +
		"3. Пришлите сюда сообщение из двух строк:\n<code>API_ID\nAPI_HASH</code>\n\nДанные хранятся в зашифрованном виде, удалить их можно командой /logout."
}

func helpText() string {
	return "📋 <b>Справка</b>\n\n" +
		"<b>В группе:</b>\n• /scan, /find_ids, /get_ids — id и ссылки топиков\n• /get_all — топики с названиями и сведения о чате\n" +
		"• /get_users — активные участники за сегодня\n• /stats — статистика активности за сегодня\n\n" +
		"<b>Везде:</b>\n• /start — настройки (в личных сообщениях)\n• /queue — состояние очереди\n• /limits — ваши лимиты\n" +
		"• /status — состояние вашей сессии\n• /logout — удалить API данные\n\n" +
		"⚠️ В режиме bot видны не все топики: Bot API не отдаёт их список."
}
