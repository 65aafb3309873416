package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"tg-topics-bot/internal/usecase/sessions"
)

// SecurityCleaner чистит историю запросов и события безопасности.
type SecurityCleaner interface {
	Cleanup() int
}

// SessionKeeper проверяет и закрывает MTProto-сессии.
type SessionKeeper interface {
	HealthCheckAll(ctx context.Context) sessions.HealthReport
	ReapExpired(ctx context.Context) (int, error)
}

// QueuePurger удаляет старые завершённые задачи.
type QueuePurger interface {
	PurgeCompleted(ctx context.Context, retention time.Duration) (int64, error)
}

// ActivityStore сбрасывает и чистит счётчики активности.
type ActivityStore interface {
	Flush(ctx context.Context) error
	Purge(ctx context.Context, retention time.Duration) (int64, error)
}

// LogPurger удаляет старые записи журнала.
type LogPurger interface {
	PurgeLogs(ctx context.Context, retention time.Duration) (int64, error)
}

// Config: расписания в формате cron и сроки хранения.
type Config struct {
	SecurityCleanup   string
	HealthCheck       string
	ReapSessions      string
	PurgeQueue        string
	FlushActivity     string
	QueueRetention    time.Duration
	ActivityRetention time.Duration
	LogRetention      time.Duration
	Location          *time.Location
}

// Scheduler запускает периодическое обслуживание.
type Scheduler struct {
	cron     *cron.Cron
	cfg      Config
	security SecurityCleaner
	sessions SessionKeeper
	queue    QueuePurger
	activity ActivityStore
	logs     LogPurger
	log      zerolog.Logger
}

// NewScheduler создаёт планировщик. Задание пропускается, если предыдущий запуск ещё идёт.
func NewScheduler(cfg Config, security SecurityCleaner, sessions SessionKeeper, queue QueuePurger, activity ActivityStore, logs LogPurger, logger zerolog.Logger) *Scheduler {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return &Scheduler{cron: c, cfg: cfg, security: security, sessions: sessions, queue: queue, activity: activity, logs: logs, log: logger}
}

// Start регистрирует задания и запускает cron.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{name: "security_cleanup", spec: s.cfg.SecurityCleanup, run: s.cleanupSecurity},
		{name: "session_health", spec: s.cfg.HealthCheck, run: s.checkSessions},
		{name: "session_reap", spec: s.cfg.ReapSessions, run: s.reapSessions},
		{name: "queue_purge", spec: s.cfg.PurgeQueue, run: s.purgeQueue},
		{name: "activity_flush", spec: s.cfg.FlushActivity, run: s.flushActivity},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		run := job.run
		if _, err := s.cron.AddFunc(job.spec, func() { run(ctx) }); err != nil {
			return fmt.Errorf("расписание %s: %w", job.name, err)
		}
	}
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("планировщик обслуживания запущен")
	return nil
}

// Stop останавливает планировщик и ждёт выполняющиеся задания.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("планировщик обслуживания остановлен")
}

func (s *Scheduler) cleanupSecurity(context.Context) {
	if s.security == nil {
		return
	}
	if n := s.security.Cleanup(); n > 0 {
		s.log.Info().Int("purged", n).Msg("[CRON] очистка данных безопасности")
	}
}

func (s *Scheduler) checkSessions(ctx context.Context) {
	if s.sessions == nil {
		return
	}
	report := s.sessions.HealthCheckAll(ctx)
	s.log.Debug().Int("total", report.Total).Int("healthy", report.Healthy).Int("unhealthy", report.Unhealthy).Msg("[CRON] проверка сессий")
}

func (s *Scheduler) reapSessions(ctx context.Context) {
	if s.sessions == nil {
		return
	}
	if _, err := s.sessions.ReapExpired(ctx); err != nil {
		s.log.Error().Err(err).Msg("[CRON] не удалось закрыть истёкшие сессии")
	}
}

func (s *Scheduler) purgeQueue(ctx context.Context) {
	if s.queue == nil {
		return
	}
	if _, err := s.queue.PurgeCompleted(ctx, s.cfg.QueueRetention); err != nil {
		s.log.Error().Err(err).Msg("[CRON] не удалось очистить очередь")
	}
	if s.activity != nil && s.cfg.ActivityRetention > 0 {
		if _, err := s.activity.Purge(ctx, s.cfg.ActivityRetention); err != nil {
			s.log.Error().Err(err).Msg("[CRON] не удалось очистить активность")
		}
	}
	if s.logs != nil && s.cfg.LogRetention > 0 {
		if _, err := s.logs.PurgeLogs(ctx, s.cfg.LogRetention); err != nil {
			s.log.Error().Err(err).Msg("[CRON] не удалось очистить журнал")
		}
	}
}

func (s *Scheduler) flushActivity(ctx context.Context) {
	if s.activity == nil {
		return
	}
	if err := s.activity.Flush(ctx); err != nil {
		s.log.Warn().Err(err).Msg("[CRON] не удалось сохранить активность")
	}
}
