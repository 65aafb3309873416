package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sessions_active",
		Help: "Количество активных MTProto-сессий пользователей",
	})
	SessionCreateTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_create_total",
		Help: "Попытки создания сессий по результату",
	}, []string{"result"})
	SessionsClosedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sessions_closed_total",
		Help: "Закрытые сессии по причине",
	}, []string{"reason"})

	QueueTasks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_tasks",
		Help: "Задачи очереди по статусам за окно статистики",
	}, []string{"status"})
	QueueInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "queue_in_flight",
		Help: "Задачи, выполняемые прямо сейчас",
	})
	TasksProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_processed_total",
		Help: "Обработанные задачи по команде и итоговому статусу",
	}, []string{"command", "status"})
	TaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "task_duration_seconds",
		Help:    "Длительность выполнения задач",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"command"})

	AdmissionRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admission_rejected_total",
		Help: "Отказы в допуске команд по источнику и причине",
	}, []string{"source", "reason"})
	SecurityEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "security_events_total",
		Help: "События безопасности по уровню",
	}, []string{"severity"})
	ThroughputMode = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "throughput_mode",
		Help: "Текущий режим лимитов API (1 — активный)",
	}, []string{"mode"})

	ActivityMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "activity_messages_total",
		Help: "Учтённые сообщения участников",
	})
	BotSendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_send_errors_total",
		Help: "Ошибки отправки сообщений ботом",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		SessionsActive,
		SessionCreateTotal,
		SessionsClosedTotal,
		QueueTasks,
		QueueInFlight,
		TasksProcessedTotal,
		TaskDuration,
		AdmissionRejectedTotal,
		SecurityEventsTotal,
		ThroughputMode,
		ActivityMessagesTotal,
		BotSendErrors,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// Handler возвращает обработчик /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer запускает отдельный HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// SetThroughputMode отмечает активный режим лимитов.
func SetThroughputMode(active string, all []string) {
	for _, mode := range all {
		value := 0.0
		if mode == active {
			value = 1
		}
		ThroughputMode.WithLabelValues(mode).Set(value)
	}
}

// ObserveTask фиксирует итог выполнения задачи.
func ObserveTask(command, status string, duration time.Duration) {
	TasksProcessedTotal.WithLabelValues(command, status).Inc()
	TaskDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// IncAdmissionRejected увеличивает счётчик отказов.
func IncAdmissionRejected(source, reason string) {
	AdmissionRejectedTotal.WithLabelValues(source, reason).Inc()
}
