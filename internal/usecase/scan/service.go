package scan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"tg-topics-bot/internal/domain"
	"tg-topics-bot/internal/usecase/ratelimit"
	"tg-topics-bot/internal/usecase/sessions"
)

// SessionProvider выдаёт MTProto-клиента пользователя.
type SessionProvider interface {
	GetOrCreate(ctx context.Context, userID int64) (domain.ChatClient, sessions.Reason)
}

// Throughput подстраивает режим лимитов под сканируемую группу.
type Throughput interface {
	AutoAdjust(participants int, complexity domain.Complexity) bool
	Mode() ratelimit.Mode
	ReportOutcome(success bool)
}

// ActivitySource отдаёт накопленную активность чата.
type ActivitySource interface {
	ActiveUsers(ctx context.Context, chatID int64, date time.Time) ([]domain.ActivityRecord, error)
	Stats(ctx context.Context, chatID int64, date time.Time) (domain.ActivityStats, error)
}

// Config задаёт постраничное чтение.
type Config struct {
	PageSize     int
	MaxTopics    int
	PageDelay    time.Duration
	HistoryLimit int
}

func (c *Config) setDefaults() {
	if c.PageSize <= 0 || c.PageSize > 100 {
		c.PageSize = 100
	}
	if c.MaxTopics <= 0 {
		c.MaxTopics = 1000
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 300
	}
}

// Result: итог сканирования топиков.
type Result struct {
	Chat     domain.ChatInfo
	Topics   []domain.Topic
	Mode     string
	Complete bool
	Duration time.Duration
}

// Service выполняет команды сканирования в режимах user и bot.
type Service struct {
	sessions  SessionProvider
	limiter   Throughput
	activity  ActivitySource
	notifier  domain.Notifier
	inspector domain.ChatInspector
	observer  domain.TopicObserver
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewService создаёт сервис сканирования.
func NewService(
	sessions SessionProvider,
	limiter Throughput,
	activity ActivitySource,
	notifier domain.Notifier,
	inspector domain.ChatInspector,
	observer domain.TopicObserver,
	cfg Config,
	logger zerolog.Logger,
) *Service {
	cfg.setDefaults()
	return &Service{
		sessions:  sessions,
		limiter:   limiter,
		activity:  activity,
		notifier:  notifier,
		inspector: inspector,
		observer:  observer,
		cfg:       cfg,
		log:       logger,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute выполняет задачу очереди от имени пользователя.
func (s *Service) Execute(ctx context.Context, task domain.Task) (string, error) {
	client, reason := s.sessions.GetOrCreate(ctx, task.UserID)
	if client == nil {
		return "", fmt.Errorf("%w: %s", domain.ErrNoSession, reason)
	}
	switch task.Command {
	case domain.CommandScan, domain.CommandGetIDs:
		res, err := s.ScanUserMode(ctx, client, task.ChatID, domain.CommandComplexity(task.Command))
		if err != nil {
			return "", err
		}
		return FormatTopicIDs(res), nil
	case domain.CommandGetAll:
		res, err := s.ScanUserMode(ctx, client, task.ChatID, domain.ComplexityHeavy)
		if err != nil {
			return "", err
		}
		return FormatTopicsFull(res), nil
	case domain.CommandGetUsers:
		members, err := s.Members(ctx, client, task.ChatID)
		if err != nil {
			return "", err
		}
		return FormatMembers(members), nil
	case domain.CommandStats:
		stats, err := s.activity.Stats(ctx, task.ChatID, s.now())
		if err != nil {
			return "", err
		}
		return FormatStats(stats), nil
	default:
		return "", fmt.Errorf("unsupported command %q", task.Command)
	}
}

// ScanUserMode читает все топики форума через MTProto.
// Ошибки Telegram возвращаются как есть, подсказка FLOOD_WAIT сохраняется.
func (s *Service) ScanUserMode(ctx context.Context, client domain.ChatClient, chatID int64, complexity domain.Complexity) (Result, error) {
	start := s.now()
	info, err := client.FullChannel(ctx, chatID)
	s.report(err)
	if err != nil {
		return Result{}, fmt.Errorf("сведения о чате: %w", err)
	}
	if !info.Forum {
		return Result{}, domain.ErrNotForum
	}
	s.adjust(ctx, chatID, info.ParticipantsCount, complexity)

	var (
		topics   []domain.Topic
		cursor   domain.TopicCursor
		complete bool
	)
	for len(topics) < s.cfg.MaxTopics {
		limit := s.cfg.PageSize
		if rest := s.cfg.MaxTopics - len(topics); rest < limit {
			limit = rest
		}
		page, err := client.ForumTopics(ctx, chatID, cursor, limit)
		s.report(err)
		if err != nil {
			return Result{}, fmt.Errorf("список топиков: %w", err)
		}
		topics = append(topics, page.Topics...)
		if page.Next == nil || len(page.Topics) == 0 {
			complete = true
			break
		}
		cursor = *page.Next
		if err := s.sleep(ctx, s.cfg.PageDelay); err != nil {
			return Result{}, err
		}
	}

	res := Result{
		Chat:     info,
		Topics:   normalizeTopics(topics, info, chatID),
		Mode:     string(s.limiter.Mode()),
		Complete: complete,
		Duration: s.now().Sub(start),
	}
	s.log.Info().Int64("chat_id", chatID).Int("topics", len(res.Topics)).Dur("duration", res.Duration).Msg("топики просканированы")
	return res, nil
}

// ScanBotMode возвращает General и топики, замеченные ботом в сообщениях.
func (s *Service) ScanBotMode(ctx context.Context, chatID int64) (Result, error) {
	start := s.now()
	info, err := s.inspector.ChatInfo(ctx, chatID)
	if err != nil {
		return Result{}, fmt.Errorf("сведения о чате: %w", err)
	}
	ids, err := s.observer.ObservedTopics(ctx, chatID)
	if err != nil {
		s.log.Warn().Err(err).Int64("chat_id", chatID).Msg("не удалось получить замеченные топики")
	}
	topics := make([]domain.Topic, 0, len(ids)+1)
	for _, id := range ids {
		topics = append(topics, domain.Topic{ID: id})
	}
	return Result{
		Chat:     info,
		Topics:   normalizeTopics(topics, info, chatID),
		Mode:     string(domain.ModeBot),
		Duration: s.now().Sub(start),
	}, nil
}

// Members собирает участников из истории сообщений и учёта активности.
func (s *Service) Members(ctx context.Context, client domain.ChatClient, chatID int64) ([]domain.Member, error) {
	seen := make(map[int64]domain.Member)
	var cursor domain.HistoryCursor
	read := 0
	for read < s.cfg.HistoryLimit {
		limit := s.cfg.PageSize
		if rest := s.cfg.HistoryLimit - read; rest < limit {
			limit = rest
		}
		page, err := client.History(ctx, chatID, cursor, limit)
		s.report(err)
		if err != nil {
			return nil, fmt.Errorf("история чата: %w", err)
		}
		for _, msg := range page.Messages {
			if msg.SenderID == 0 {
				continue
			}
			member, ok := page.Members[msg.SenderID]
			if !ok {
				member = domain.Member{UserID: msg.SenderID}
			}
			seen[msg.SenderID] = member
		}
		read += len(page.Messages)
		if page.Next == nil || len(page.Messages) == 0 {
			break
		}
		cursor = *page.Next
		if err := s.sleep(ctx, s.cfg.PageDelay); err != nil {
			return nil, err
		}
	}

	if s.activity != nil {
		records, err := s.activity.ActiveUsers(ctx, chatID, s.now())
		if err != nil {
			s.log.Warn().Err(err).Int64("chat_id", chatID).Msg("не удалось получить активность")
		}
		for _, rec := range records {
			if _, ok := seen[rec.UserID]; !ok {
				seen[rec.UserID] = domain.Member{UserID: rec.UserID, Username: rec.Username, FirstName: rec.FirstName}
			}
		}
	}

	members := make([]domain.Member, 0, len(seen))
	for _, m := range seen {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members, nil
}

func (s *Service) adjust(ctx context.Context, chatID int64, participants int, complexity domain.Complexity) {
	if !s.limiter.AutoAdjust(participants, complexity) || s.notifier == nil {
		return
	}
	mode := s.limiter.Mode()
	text := fmt.Sprintf("⚙️ Режим лимитов переключён на «%s» для группы из %d участников.", ratelimit.PresetOf(mode).Name, participants)
	if err := s.notifier.Send(ctx, chatID, text); err != nil {
		s.log.Warn().Err(err).Int64("chat_id", chatID).Msg("не удалось сообщить о смене режима")
	}
}

// report сообщает лимитеру об исходе обращения к API. Отказы по правам не считаются сбоем API.
func (s *Service) report(err error) {
	if errors.Is(err, domain.ErrAdminRequired) || errors.Is(err, domain.ErrChannelPrivate) || errors.Is(err, context.Canceled) {
		return
	}
	s.limiter.ReportOutcome(err == nil)
}

// normalizeTopics убирает дубли, добавляет General, сортирует по id и проставляет ссылки.
func normalizeTopics(topics []domain.Topic, info domain.ChatInfo, chatID int64) []domain.Topic {
	byID := make(map[int]domain.Topic, len(topics)+1)
	for _, t := range topics {
		if _, ok := byID[t.ID]; !ok {
			byID[t.ID] = t
		}
	}
	if _, ok := byID[domain.GeneralTopicID]; !ok {
		byID[domain.GeneralTopicID] = domain.Topic{ID: domain.GeneralTopicID, Title: "General"}
	}
	out := make([]domain.Topic, 0, len(byID))
	for _, t := range byID {
		if info.Username != "" {
			t.Link = domain.PublicTopicLink(info.Username, t.ID)
		} else {
			t.Link = domain.TopicLink(chatID, t.ID)
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
