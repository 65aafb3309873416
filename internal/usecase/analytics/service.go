package analytics

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"tg-topics-bot/internal/domain"
)

const (
	errorMessageLimit = 200
	defaultTopUsers   = 10
	maxTopUsers       = 50
	writeTimeout      = 5 * time.Second
)

// Service пишет события в журнал logs и строит по нему сводки.
// Ошибки записи только логируются: аналитика не должна ломать обработку команд.
type Service struct {
	repo domain.LogQueryRepo
	log  zerolog.Logger
	now  func() time.Time
}

// NewService создаёт сервис аналитики.
func NewService(repo domain.LogQueryRepo, logger zerolog.Logger) *Service {
	return &Service{repo: repo, log: logger, now: time.Now}
}

// TrackCommand отмечает принятую команду.
func (s *Service) TrackCommand(ctx context.Context, userID, chatID int64, command, chatType string) {
	s.save(ctx, domain.LogEntry{
		Level:    domain.LogInfo,
		Message:  "команда принята",
		UserID:   userID,
		ChatID:   chatID,
		Command:  command,
		Metadata: map[string]any{domain.LogEventKey: domain.LogEventCommand, "chat_type": chatType},
	})
}

// TrackAdmin отмечает административное действие над пользователем или задачей.
func (s *Service) TrackAdmin(ctx context.Context, adminID, chatID int64, command string, target int64) {
	s.save(ctx, domain.LogEntry{
		Level:    domain.LogInfo,
		Message:  "действие администратора",
		UserID:   adminID,
		ChatID:   chatID,
		Command:  command,
		Metadata: map[string]any{domain.LogEventKey: domain.LogEventAdmin, "target": target},
	})
}

// TrackError отмечает ошибку команды или задачи. Длинный текст обрезается.
func (s *Service) TrackError(ctx context.Context, userID, chatID int64, command string, category domain.Category, message string) {
	if category == "" {
		category = domain.CategoryInternal
	}
	s.save(ctx, domain.LogEntry{
		Level:    domain.LogError,
		Message:  truncate(message, errorMessageLimit),
		UserID:   userID,
		ChatID:   chatID,
		Command:  command,
		Metadata: map[string]any{domain.LogEventKey: domain.LogEventError, "category": string(category)},
	})
}

// TrackPerformance отмечает длительность операции.
func (s *Service) TrackPerformance(ctx context.Context, userID int64, operation string, took time.Duration, success bool) {
	s.save(ctx, domain.LogEntry{
		Level:   domain.LogInfo,
		Message: "операция завершена",
		UserID:  userID,
		Command: operation,
		Metadata: map[string]any{
			domain.LogEventKey: domain.LogEventPerformance,
			"duration_ms":      took.Milliseconds(),
			"success":          success,
		},
	})
}

func (s *Service) save(ctx context.Context, entry domain.LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := s.repo.SaveLog(ctx, entry); err != nil {
		s.log.Warn().Err(err).Str("command", entry.Command).Int64("user_id", entry.UserID).Msg("не удалось записать событие в журнал")
	}
}

// UserAnalytics возвращает сводку по пользователю за последние window.
func (s *Service) UserAnalytics(ctx context.Context, userID int64, window time.Duration) (domain.LogSummary, error) {
	return s.repo.SummarizeLogs(ctx, s.now().Add(-window), userID)
}

// GlobalAnalytics возвращает сводку по всем пользователям за последние window.
func (s *Service) GlobalAnalytics(ctx context.Context, window time.Duration) (domain.LogSummary, error) {
	return s.repo.SummarizeLogs(ctx, s.now().Add(-window), 0)
}

// TopUsers возвращает самых активных пользователей. limit вне [1, 50] заменяется на 10.
func (s *Service) TopUsers(ctx context.Context, window time.Duration, limit int) ([]domain.UserLogCount, error) {
	if limit <= 0 || limit > maxTopUsers {
		limit = defaultTopUsers
	}
	return s.repo.TopLogUsers(ctx, s.now().Add(-window), limit)
}

// PurgeLogs удаляет записи журнала старше retention.
func (s *Service) PurgeLogs(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	n, err := s.repo.PurgeLogs(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info().Int64("purged", n).Msg("старые записи журнала удалены")
	}
	return n, nil
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}
