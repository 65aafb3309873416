package config

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервиса.
type AppConfig struct {
	AppEnv   string `envconfig:"APP_ENV" default:"dev"`
	LogLevel string `envconfig:"LOG_LEVEL" default:""`
	TZ       string `envconfig:"TZ" default:"Europe/Moscow"`
	Port     int    `envconfig:"PORT" default:"8080"`

	// MetricsAddr: отдельный адрес для /metrics. Пустое значение оставляет метрики на основном порту.
	MetricsAddr string `envconfig:"METRICS_ADDR"`

	Telegram struct {
		Token         string `envconfig:"TG_BOT_TOKEN"`
		WebhookURL    string `envconfig:"TG_WEBHOOK_URL"`
		WebhookPath   string `envconfig:"TG_WEBHOOK_PATH" default:"/bot/webhook"`
		WebhookSecret string `envconfig:"TG_WEBHOOK_SECRET"`

		// TestCredentials включает пробное подключение при сохранении API данных.
		TestCredentials bool          `envconfig:"TG_TEST_CREDENTIALS" default:"true"`
		TestTimeout     time.Duration `envconfig:"TG_TEST_TIMEOUT" default:"20s"`
	} `envconfig:""`

	Security struct {
		EncryptionKey      string        `envconfig:"ENCRYPTION_KEY"`
		Salt               string        `envconfig:"ENCRYPTION_SALT" default:"tg-topics-bot"`
		AdminIDs           []string      `envconfig:"ADMIN_IDS"`
		TrustedIDs         []string      `envconfig:"TRUSTED_USERS"`
		BlacklistIDs       []string      `envconfig:"BLACKLIST_USERS"`
		DevelopmentMode    bool          `envconfig:"DEVELOPMENT_MODE" default:"false"`
		WhitelistOnly      bool          `envconfig:"WHITELIST_ONLY_MODE" default:"false"`
		MaxDailyRequests   int           `envconfig:"MAX_DAILY_REQUESTS" default:"10000"`
		MaxNewUsersPerHour int           `envconfig:"MAX_USERS_PER_HOUR" default:"100"`
		UserDailyLimit     int           `envconfig:"MAX_REQUESTS_PER_USER_DAY" default:"50"`
		Cooldown           time.Duration `envconfig:"COOLDOWN_BETWEEN_REQUESTS" default:"5s"`
		AbuseThreshold     int           `envconfig:"ABUSE_REQUESTS_PER_HOUR" default:"50"`
		SuspensionDuration time.Duration `envconfig:"SUSPENSION_DURATION" default:"1h"`
		MaxEvents          int           `envconfig:"SECURITY_MAX_EVENTS" default:"1000"`
		HistoryRetention   time.Duration `envconfig:"SECURITY_HISTORY_RETENTION" default:"168h"`
		EventRetention     time.Duration `envconfig:"SECURITY_EVENT_RETENTION" default:"720h"`
	} `envconfig:""`

	Sessions struct {
		MaxConcurrent       int           `envconfig:"MAX_CONCURRENT_SESSIONS" default:"10"`
		ConnectTimeout      time.Duration `envconfig:"SESSION_CONNECT_TIMEOUT" default:"30s"`
		DisconnectTimeout   time.Duration `envconfig:"SESSION_DISCONNECT_TIMEOUT" default:"10s"`
		ProbeTimeout        time.Duration `envconfig:"SESSION_PROBE_TIMEOUT" default:"10s"`
		CloseAllTimeout     time.Duration `envconfig:"SESSION_CLOSE_ALL_TIMEOUT" default:"30s"`
		HealthCheckTimeout  time.Duration `envconfig:"SESSION_HEALTH_TIMEOUT" default:"30s"`
		InactivityRetention time.Duration `envconfig:"SESSION_TIMEOUT" default:"720h"`
	} `envconfig:""`

	Limiter struct {
		InitialMode string `envconfig:"API_LIMIT_MODE" default:"normal"`
		AutoMode    bool   `envconfig:"API_AUTO_MODE" default:"true"`
		// ParticipantThresholds: границы размера группы, каждая пройденная граница
		// делает режим на ступень осторожнее.
		ParticipantThresholds []int         `envconfig:"API_PARTICIPANT_THRESHOLDS" default:"200,1000"`
		ModeChangeCooldown    time.Duration `envconfig:"API_MODE_CHANGE_COOLDOWN" default:"5m"`
		ErrorThreshold        int           `envconfig:"API_ERROR_THRESHOLD" default:"3"`
		SuccessThreshold      int           `envconfig:"API_SUCCESS_THRESHOLD" default:"10"`
	} `envconfig:""`

	Queue struct {
		MaxBacklog       int           `envconfig:"MAX_QUEUE_SIZE" default:"100"`
		MaxPendingByUser int           `envconfig:"QUEUE_USER_PENDING_LIMIT" default:"3"`
		Workers          int           `envconfig:"QUEUE_MAX_CONCURRENT" default:"5"`
		PollInterval     time.Duration `envconfig:"QUEUE_POLL_INTERVAL" default:"2s"`
		TaskTimeout      time.Duration `envconfig:"QUEUE_TASK_TIMEOUT" default:"300s"`
		ErrorLimit       int           `envconfig:"QUEUE_ERROR_LIMIT" default:"500"`
		StatsWindow      time.Duration `envconfig:"QUEUE_STATS_WINDOW" default:"24h"`
		Retention        time.Duration `envconfig:"QUEUE_RETENTION" default:"168h"`
		ShutdownGrace    time.Duration `envconfig:"QUEUE_SHUTDOWN_GRACE" default:"30s"`
		SignalKey        string        `envconfig:"QUEUE_SIGNAL_KEY" default:"topics_queue_signal"`
		DedupWindow      time.Duration `envconfig:"QUEUE_DEDUP_WINDOW" default:"10s"`
	} `envconfig:""`

	Scan struct {
		PageSize      int           `envconfig:"SCAN_PAGE_SIZE" default:"100"`
		MaxTopics     int           `envconfig:"SCAN_MAX_TOPICS" default:"1000"`
		PageDelay     time.Duration `envconfig:"SCAN_PAGE_DELAY" default:"500ms"`
		HistoryLimit  int           `envconfig:"SCAN_HISTORY_LIMIT" default:"300"`
		ObservedTTL   time.Duration `envconfig:"SCAN_OBSERVED_TOPICS_TTL" default:"720h"`
		ObservedLimit int           `envconfig:"SCAN_OBSERVED_TOPICS_LIMIT" default:"500"`
	} `envconfig:""`

	Activity struct {
		CacheLimit int           `envconfig:"ACTIVITY_CACHE_LIMIT" default:"10000"`
		Retention  time.Duration `envconfig:"ACTIVITY_RETENTION" default:"2160h"`
	} `envconfig:""`

	Analytics struct {
		LogRetention time.Duration `envconfig:"ANALYTICS_LOG_RETENTION" default:"720h"`
	} `envconfig:""`

	Maintenance struct {
		SecurityCleanup string `envconfig:"CRON_SECURITY_CLEANUP" default:"@every 1h"`
		HealthCheck     string `envconfig:"CRON_SESSION_HEALTH" default:"@every 5m"`
		ReapSessions    string `envconfig:"CRON_SESSION_REAP" default:"@every 30m"`
		PurgeQueue      string `envconfig:"CRON_QUEUE_PURGE" default:"@daily"`
		FlushActivity   string `envconfig:"CRON_ACTIVITY_FLUSH" default:"@every 30s"`
	} `envconfig:""`

	PGDSN     string `envconfig:"PG_DSN"`
	RedisAddr string `envconfig:"REDIS_ADDR"`
}

// Load загружает конфиг из окружения. Файл .env, если он есть, читается первым.
func Load() AppConfig {
	_ = godotenv.Load()
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("некорректный конфиг: %v", err)
	}
	return cfg
}

// Validate проверяет согласованность значений.
func (c AppConfig) Validate() error {
	var errs []error
	if c.Security.EncryptionKey == "" {
		errs = append(errs, errors.New("ENCRYPTION_KEY is required"))
	}
	if c.Sessions.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_SESSIONS must be positive, got %d", c.Sessions.MaxConcurrent))
	}
	if c.Queue.Workers <= 0 {
		errs = append(errs, fmt.Errorf("QUEUE_MAX_CONCURRENT must be positive, got %d", c.Queue.Workers))
	}
	if c.Queue.MaxBacklog <= 0 {
		errs = append(errs, fmt.Errorf("MAX_QUEUE_SIZE must be positive, got %d", c.Queue.MaxBacklog))
	}
	if c.Queue.TaskTimeout <= 0 {
		errs = append(errs, errors.New("QUEUE_TASK_TIMEOUT must be positive"))
	}
	if !sort.IntsAreSorted(c.Limiter.ParticipantThresholds) {
		errs = append(errs, fmt.Errorf("API_PARTICIPANT_THRESHOLDS must be ascending, got %v", c.Limiter.ParticipantThresholds))
	}
	return errors.Join(errs...)
}

// Location возвращает часовой пояс для суточных лимитов.
func (c AppConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.TZ)
	if err != nil {
		return time.Local
	}
	return loc
}
