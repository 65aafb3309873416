package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-topics-bot/internal/adapters/bot"
	"tg-topics-bot/internal/adapters/mtproto"
	"tg-topics-bot/internal/adapters/repo"
	"tg-topics-bot/internal/domain"
	"tg-topics-bot/internal/infra/cache"
	"tg-topics-bot/internal/infra/config"
	"tg-topics-bot/internal/infra/db"
	httpinfra "tg-topics-bot/internal/infra/http"
	"tg-topics-bot/internal/infra/log"
	"tg-topics-bot/internal/infra/metrics"
	queueinfra "tg-topics-bot/internal/infra/queue"
	"tg-topics-bot/internal/usecase/activity"
	"tg-topics-bot/internal/usecase/analytics"
	"tg-topics-bot/internal/usecase/credentials"
	"tg-topics-bot/internal/usecase/maintenance"
	"tg-topics-bot/internal/usecase/queue"
	"tg-topics-bot/internal/usecase/ratelimit"
	"tg-topics-bot/internal/usecase/scan"
	"tg-topics-bot/internal/usecase/security"
	"tg-topics-bot/internal/usecase/sessions"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv, cfg.LogLevel)
	loc := cfg.Location()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось подключиться к БД")
	}
	defer pool.Close()

	store := repo.NewPostgres(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("не удалось применить схему БД")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis недоступен, защита от повторов и сигналы очереди работают в деградированном режиме")
	}

	vault, err := credentials.NewVault(cfg.Security.EncryptionKey, cfg.Security.Salt)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось инициализировать шифрование")
	}

	factory := mtproto.NewFactory(store, log.Component(logger, "mtproto"))
	manager := sessions.NewManager(store, vault, factory, sessions.Config{
		MaxConcurrent:       cfg.Sessions.MaxConcurrent,
		ConnectTimeout:      cfg.Sessions.ConnectTimeout,
		DisconnectTimeout:   cfg.Sessions.DisconnectTimeout,
		ProbeTimeout:        cfg.Sessions.ProbeTimeout,
		CloseAllTimeout:     cfg.Sessions.CloseAllTimeout,
		HealthCheckTimeout:  cfg.Sessions.HealthCheckTimeout,
		InactivityRetention: cfg.Sessions.InactivityRetention,
	}, log.Component(logger, "sessions"))

	opts := credentials.Options{Closer: manager, TestTimeout: cfg.Telegram.TestTimeout}
	if cfg.Telegram.TestCredentials {
		opts.Tester = factory
	}
	onboarding := credentials.NewService(store, store, vault, opts, log.Component(logger, "credentials"))

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		InitialMode:           cfg.Limiter.InitialMode,
		AutoMode:              cfg.Limiter.AutoMode,
		ParticipantThresholds: cfg.Limiter.ParticipantThresholds,
		ModeChangeCooldown:    cfg.Limiter.ModeChangeCooldown,
		ErrorThreshold:        cfg.Limiter.ErrorThreshold,
		SuccessThreshold:      cfg.Limiter.SuccessThreshold,
	}, log.Component(logger, "limiter"))
	if err := limiter.Restore(ctx, store); err != nil {
		logger.Warn().Err(err).Msg("не удалось восстановить режим лимитов")
	}
	limiter.OnModeChange(func(mode ratelimit.Mode, reason string) {
		persistMode(store, logger, mode, reason)
	})

	access := domain.NewAccessList(domain.ParseIDs(cfg.Security.AdminIDs), domain.ParseIDs(cfg.Security.TrustedIDs))
	gate := security.NewGate(security.Config{
		DevelopmentMode:    cfg.Security.DevelopmentMode,
		WhitelistOnly:      cfg.Security.WhitelistOnly,
		MaxDailyRequests:   cfg.Security.MaxDailyRequests,
		MaxNewUsersPerHour: cfg.Security.MaxNewUsersPerHour,
		UserDailyLimit:     cfg.Security.UserDailyLimit,
		Cooldown:           cfg.Security.Cooldown,
		AbuseThreshold:     cfg.Security.AbuseThreshold,
		SuspensionDuration: cfg.Security.SuspensionDuration,
		MaxEvents:          cfg.Security.MaxEvents,
		HistoryRetention:   cfg.Security.HistoryRetention,
		EventRetention:     cfg.Security.EventRetention,
		Location:           loc,
	}, access, domain.ParseIDs(cfg.Security.BlacklistIDs), log.Component(logger, "security"))

	tracker := activity.NewTracker(store, cfg.Activity.CacheLimit, loc, log.Component(logger, "activity"))
	redisCache := cache.NewRedis(rdb, cfg.Scan.ObservedTTL, cfg.Scan.ObservedLimit)
	signalQueue := queueinfra.NewRedisSignal(rdb, cfg.Queue.SignalKey)

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось создать бота")
	}
	botAPI.Debug = cfg.AppEnv == "dev" && cfg.LogLevel == "trace"

	notifier := bot.NewNotifier(botAPI, log.Component(logger, "notifier"))
	scanner := scan.NewService(manager, limiter, tracker, notifier, bot.NewChatInspector(botAPI), redisCache, scan.Config{
		PageSize:     cfg.Scan.PageSize,
		MaxTopics:    cfg.Scan.MaxTopics,
		PageDelay:    cfg.Scan.PageDelay,
		HistoryLimit: cfg.Scan.HistoryLimit,
	}, log.Component(logger, "scan"))

	audit := analytics.NewService(store, log.Component(logger, "analytics"))
	tasks := queue.New(store, scanner, notifier, signalQueue, queue.Config{
		Workers:          cfg.Queue.Workers,
		MaxBacklog:       cfg.Queue.MaxBacklog,
		MaxPendingByUser: cfg.Queue.MaxPendingByUser,
		PollInterval:     cfg.Queue.PollInterval,
		TaskTimeout:      cfg.Queue.TaskTimeout,
		ErrorLimit:       cfg.Queue.ErrorLimit,
		StatsWindow:      cfg.Queue.StatsWindow,
		ShutdownGrace:    cfg.Queue.ShutdownGrace,
	}, log.Component(logger, "queue")).WithTracker(audit)

	scheduler := maintenance.NewScheduler(maintenance.Config{
		SecurityCleanup:   cfg.Maintenance.SecurityCleanup,
		HealthCheck:       cfg.Maintenance.HealthCheck,
		ReapSessions:      cfg.Maintenance.ReapSessions,
		PurgeQueue:        cfg.Maintenance.PurgeQueue,
		FlushActivity:     cfg.Maintenance.FlushActivity,
		QueueRetention:    cfg.Queue.Retention,
		ActivityRetention: cfg.Activity.Retention,
		LogRetention:      cfg.Analytics.LogRetention,
		Location:          loc,
	}, gate, manager, tasks, tracker, audit, log.Component(logger, "maintenance"))

	handler := bot.NewHandler(botAPI, bot.Deps{
		Users:       store,
		Access:      access,
		Gate:        gate,
		Limiter:     limiter,
		Queue:       tasks,
		Onboarding:  onboarding,
		Sessions:    manager,
		Activity:    tracker,
		Scanner:     scanner,
		Observer:    redisCache,
		Cache:       redisCache,
		Analytics:   audit,
		DedupWindow: cfg.Queue.DedupWindow,
	}, log.Component(logger, "bot"))

	srv := httpinfra.NewServer(log.Component(logger, "http"))
	srv.MountHealth(map[string]httpinfra.HealthCheck{
		"postgres": store.Ping,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})
	srv.MountStatus(map[string]httpinfra.StatusFunc{
		"limiter":         func(context.Context) (any, error) { return limiter.Status(), nil },
		"security":        func(context.Context) (any, error) { return gate.Status(), nil },
		"security_events": func(context.Context) (any, error) { return gate.RecentEvents(0, 0), nil },
		"sessions":        func(context.Context) (any, error) { return manager.Stats(), nil },
		"queue":           func(ctx context.Context) (any, error) { return tasks.Status(ctx, 0) },
		"analytics":       func(ctx context.Context) (any, error) { return audit.GlobalAnalytics(ctx, 24*time.Hour) },
	})

	var wg sync.WaitGroup
	updates := startUpdates(ctx, cfg, botAPI, srv, handler, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tasks.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("обработчик очереди остановлен с ошибкой")
		}
	}()

	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("не удалось запустить планировщик")
	}

	if cfg.MetricsAddr != "" {
		metrics.StartServer(ctx, log.Component(logger, "metrics"), cfg.MetricsAddr)
	}
	go func() {
		if err := srv.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logger.Error().Err(err).Msg("HTTP сервер остановлен")
		}
	}()

	logger.Info().Str("bot", botAPI.Self.UserName).Str("mode", string(limiter.Mode())).Msg("бот запущен")
	<-ctx.Done()
	logger.Info().Msg("остановка бота")

	if updates != nil {
		botAPI.StopReceivingUpdates()
	}
	scheduler.Stop()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Sessions.CloseAllTimeout+5*time.Second)
	defer cancel()
	closed := manager.CloseAll(shutdownCtx)
	if err := tracker.Flush(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("не удалось сохранить активность при остановке")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP сервер не остановился корректно")
	}
	logger.Info().Int("sessions_closed", closed).Msg("бот остановлен")
}

// startUpdates подключает вебхук, если задан TG_WEBHOOK_URL, иначе запускает long polling.
// Возвращает канал апдейтов long polling или nil для вебхука.
func startUpdates(ctx context.Context, cfg config.AppConfig, api *tgbotapi.BotAPI, srv *httpinfra.Server, handler *bot.Handler, logger zerolog.Logger) tgbotapi.UpdatesChannel {
	if cfg.Telegram.WebhookURL != "" {
		srv.MountWebhook(cfg.Telegram.WebhookPath, cfg.Telegram.WebhookSecret, func(ctx context.Context, payload json.RawMessage) error {
			var upd tgbotapi.Update
			if err := json.Unmarshal(payload, &upd); err != nil {
				return fmt.Errorf("decode update: %w", err)
			}
			handler.HandleUpdate(ctx, upd)
			return nil
		})
		wh, err := tgbotapi.NewWebhook(cfg.Telegram.WebhookURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("некорректный TG_WEBHOOK_URL")
		}
		if _, err := api.Request(wh); err != nil {
			logger.Fatal().Err(err).Msg("не удалось установить вебхук")
		}
		logger.Info().Str("path", cfg.Telegram.WebhookPath).Msg("апдейты принимаются через вебхук")
		return nil
	}

	if _, err := api.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		logger.Warn().Err(err).Msg("не удалось снять вебхук")
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := api.GetUpdatesChan(u)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case upd, ok := <-updates:
				if !ok {
					return
				}
				go handler.HandleUpdate(ctx, upd)
			}
		}
	}()
	logger.Info().Msg("апдейты принимаются через long polling")
	return updates
}

// persistMode сохраняет режим лимитов, чтобы он пережил перезапуск, и пишет запись в журнал.
func persistMode(store *repo.Postgres, logger zerolog.Logger, mode ratelimit.Mode, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.SetSetting(ctx, ratelimit.SettingsKey, string(mode)); err != nil {
		logger.Error().Err(err).Str("mode", string(mode)).Msg("не удалось сохранить режим лимитов")
	}
	entry := domain.LogEntry{
		Level:     domain.LogInfo,
		Message:   "смена режима лимитов",
		Command:   "mode",
		Timestamp: time.Now(),
		Metadata:  map[string]any{domain.LogEventKey: domain.LogEventMode, "mode": string(mode), "reason": reason},
	}
	if admin, ok := adminFromReason(reason); ok {
		entry.UserID = admin
	}
	if err := store.SaveLog(ctx, entry); err != nil {
		logger.Warn().Err(err).Msg("не удалось записать смену режима в журнал")
	}
}

// adminFromReason извлекает id администратора из причины вида "admin 123".
func adminFromReason(reason string) (int64, bool) {
	var raw string
	if _, err := fmt.Sscanf(reason, "admin %s", &raw); err != nil {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	return id, err == nil
}
