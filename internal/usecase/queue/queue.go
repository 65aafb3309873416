package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"tg-topics-bot/internal/domain"
	"tg-topics-bot/internal/infra/metrics"
)

// Executor выполняет задачу и возвращает текст результата.
type Executor interface {
	Execute(ctx context.Context, task domain.Task) (string, error)
}

// ResultNotifier сообщает пользователю об итоге задачи.
type ResultNotifier interface {
	TaskFinished(ctx context.Context, task domain.Task)
}

// Tracker пишет итоги задач в журнал аналитики.
type Tracker interface {
	TrackError(ctx context.Context, userID, chatID int64, command string, category domain.Category, message string)
	TrackPerformance(ctx context.Context, userID int64, operation string, took time.Duration, success bool)
}

// Signal будит цикл обработки после постановки задачи.
type Signal interface {
	Notify(ctx context.Context) error
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
}

// Config задаёт параметры очереди.
type Config struct {
	Workers          int
	MaxBacklog       int
	MaxPendingByUser int
	PollInterval     time.Duration
	TaskTimeout      time.Duration
	ErrorLimit       int
	StatsWindow      time.Duration
	ShutdownGrace    time.Duration
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 5 * time.Minute
	}
	if c.ErrorLimit <= 0 {
		c.ErrorLimit = 500
	}
	if c.StatsWindow <= 0 {
		c.StatsWindow = 24 * time.Hour
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
}

type running struct {
	cancel    context.CancelFunc
	cancelled bool
}

// Queue: приоритетная очередь задач поверх TaskRepo.
// Одновременно выполняется не больше Workers задач, автоматических повторов нет.
type Queue struct {
	repo     domain.TaskRepo
	exec     Executor
	notifier ResultNotifier
	signal   Signal
	tracker  Tracker
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time

	sem        chan struct{}
	wg         sync.WaitGroup
	execCtx    context.Context
	execCancel context.CancelCauseFunc

	mu      sync.Mutex
	running map[int64]*running
}

// New создаёт очередь. notifier и signal могут быть nil.
func New(repo domain.TaskRepo, exec Executor, notifier ResultNotifier, signal Signal, cfg Config, logger zerolog.Logger) *Queue {
	cfg.setDefaults()
	execCtx, execCancel := context.WithCancelCause(context.Background())
	return &Queue{
		repo:       repo,
		exec:       exec,
		notifier:   notifier,
		signal:     signal,
		cfg:        cfg,
		log:        logger,
		now:        time.Now,
		sem:        make(chan struct{}, cfg.Workers),
		execCtx:    execCtx,
		execCancel: execCancel,
		running:    make(map[int64]*running),
	}
}

// WithTracker подключает журнал аналитики. Вызывается до Run.
func (q *Queue) WithTracker(tracker Tracker) *Queue {
	q.tracker = tracker
	return q
}

// Enqueue сохраняет задачу в статусе pending.
// Возвращает ErrQueueFull или ErrPendingLimit, если очередь переполнена.
func (q *Queue) Enqueue(ctx context.Context, userID, chatID int64, command string, params any, priority int) (domain.Task, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return domain.Task{}, fmt.Errorf("параметры задачи: %w", err)
	}
	task := domain.Task{
		UserID:     userID,
		ChatID:     chatID,
		Command:    command,
		Parameters: raw,
		Priority:   priority,
		Status:     domain.TaskPending,
		CreatedAt:  q.now(),
	}
	created, err := q.repo.CreateTask(ctx, task, domain.TaskLimits{
		MaxBacklog: q.cfg.MaxBacklog,
		MaxPerUser: q.cfg.MaxPendingByUser,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrQueueFull):
			metrics.IncAdmissionRejected("queue", "queue_full")
		case errors.Is(err, domain.ErrPendingLimit):
			metrics.IncAdmissionRejected("queue", "pending_limit")
		}
		return domain.Task{}, err
	}
	if q.signal != nil {
		if err := q.signal.Notify(ctx); err != nil {
			q.log.Warn().Err(err).Msg("не удалось разбудить обработчик очереди")
		}
	}
	q.log.Info().Int64("task_id", created.ID).Int64("user_id", userID).Str("command", command).Int("priority", priority).Msg("задача поставлена в очередь")
	return created, nil
}

// Run забирает задачи по приоритету и выполняет их, пока не отменён ctx.
// Ошибки отдельных задач не останавливают цикл.
func (q *Queue) Run(ctx context.Context) error {
	q.reportStuck(ctx)
	q.log.Info().Int("workers", q.cfg.Workers).Msg("обработчик очереди запущен")
	for {
		select {
		case q.sem <- struct{}{}:
		case <-ctx.Done():
			return q.drain()
		}
		task, err := q.repo.ClaimNextTask(ctx, q.now())
		if err != nil {
			<-q.sem
			if ctx.Err() != nil {
				return q.drain()
			}
			if !errors.Is(err, domain.ErrNotFound) {
				q.log.Error().Err(err).Msg("не удалось взять задачу")
			}
			q.wait(ctx)
			continue
		}
		q.wg.Add(1)
		go q.process(task)
	}
}

func (q *Queue) wait(ctx context.Context) {
	if q.signal != nil {
		_, err := q.signal.Wait(ctx, q.cfg.PollInterval)
		if err == nil || ctx.Err() != nil {
			return
		}
		q.log.Debug().Err(err).Msg("сигнал очереди недоступен, ждём интервал опроса")
	}
	timer := time.NewTimer(q.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// drain ждёт выполняющиеся задачи ShutdownGrace, затем прерывает оставшиеся.
func (q *Queue) drain() error {
	if waitTimeout(&q.wg, q.cfg.ShutdownGrace) {
		q.log.Info().Msg("обработчик очереди остановлен")
		return nil
	}
	q.log.Warn().Msg("задачи не завершились за отведённое время, прерываем")
	q.execCancel(domain.ErrShutdown)
	if !waitTimeout(&q.wg, 5*time.Second) {
		q.log.Error().Msg("часть задач не отреагировала на остановку")
	}
	return nil
}

func (q *Queue) process(task domain.Task) {
	defer q.wg.Done()
	defer func() { <-q.sem }()
	metrics.QueueInFlight.Inc()
	defer metrics.QueueInFlight.Dec()

	taskCtx, cancel := context.WithTimeout(q.execCtx, q.cfg.TaskTimeout)
	defer cancel()
	entry := &running{cancel: cancel}
	q.mu.Lock()
	q.running[task.ID] = entry
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.running, task.ID)
		q.mu.Unlock()
	}()

	start := q.now()
	logger := q.log.With().Int64("task_id", task.ID).Int64("user_id", task.UserID).Str("command", task.Command).Logger()
	logger.Info().Msg("задача выполняется")

	result, err := q.execute(taskCtx, task)
	finished := q.now()

	q.mu.Lock()
	cancelled := entry.cancelled
	q.mu.Unlock()

	saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer saveCancel()

	completedAt := finished
	task.CompletedAt = &completedAt
	switch {
	case cancelled:
		task.Status = domain.TaskCancelled
		logger.Info().Msg("задача отменена")
	case err != nil:
		switch {
		case errors.Is(context.Cause(q.execCtx), domain.ErrShutdown):
			err = fmt.Errorf("%w: %v", domain.ErrShutdown, err)
		case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
			err = fmt.Errorf("task timed out after %s: %w", q.cfg.TaskTimeout, err)
		}
		task.Status = domain.TaskFailed
		task.Error = truncate(err.Error(), q.cfg.ErrorLimit)
		task.Category = domain.Categorize(err)
		var flood *domain.FloodWaitError
		if errors.As(err, &flood) {
			task.RetryAfter = flood.Wait
		}
		if saveErr := q.repo.FailTask(saveCtx, task.ID, task.Error, finished); saveErr != nil {
			logger.Error().Err(saveErr).Msg("не удалось сохранить ошибку задачи")
		}
		logger.Warn().Err(err).Dur("duration", finished.Sub(start)).Msg("задача завершилась ошибкой")
	default:
		task.Status = domain.TaskCompleted
		task.Result = result
		if saveErr := q.repo.CompleteTask(saveCtx, task.ID, result, finished); saveErr != nil {
			logger.Error().Err(saveErr).Msg("не удалось сохранить результат задачи")
		}
		logger.Info().Dur("duration", finished.Sub(start)).Msg("задача выполнена")
	}
	metrics.ObserveTask(task.Command, string(task.Status), finished.Sub(start))
	if q.tracker != nil {
		if task.Status == domain.TaskFailed {
			q.tracker.TrackError(saveCtx, task.UserID, task.ChatID, task.Command, task.Category, task.Error)
		}
		q.tracker.TrackPerformance(saveCtx, task.UserID, task.Command, finished.Sub(start), task.Status == domain.TaskCompleted)
	}
	if q.notifier != nil {
		q.notifier.TaskFinished(saveCtx, task)
	}
}

func (q *Queue) execute(ctx context.Context, task domain.Task) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return q.exec.Execute(ctx, task)
}

func (q *Queue) reportStuck(ctx context.Context) {
	stuck, err := q.repo.ListTasks(ctx, domain.TaskProcessing, 100)
	if err != nil {
		q.log.Warn().Err(err).Msg("не удалось проверить зависшие задачи")
		return
	}
	for _, task := range stuck {
		q.log.Warn().Int64("task_id", task.ID).Int64("user_id", task.UserID).Str("command", task.Command).
			Msg("задача осталась в processing после перезапуска, отмените её вручную")
	}
	metrics.QueueTasks.WithLabelValues("stuck").Set(float64(len(stuck)))
}

// Cancel отменяет pending или processing задачу. Выполняющаяся задача прерывается.
func (q *Queue) Cancel(ctx context.Context, taskID int64) (bool, error) {
	ok, err := q.repo.CancelTask(ctx, taskID, q.now())
	if err != nil || !ok {
		return ok, err
	}
	q.mu.Lock()
	if entry, found := q.running[taskID]; found {
		entry.cancelled = true
		entry.cancel()
	}
	q.mu.Unlock()
	q.log.Info().Int64("task_id", taskID).Msg("задача отменена администратором")
	return true, nil
}

// Status: состояние очереди за окно статистики.
type Status struct {
	Pending      int `json:"pending"`
	Processing   int `json:"processing"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	Cancelled    int `json:"cancelled"`
	UserPosition int `json:"user_position"`
	InFlight     int `json:"in_flight"`
	Workers      int `json:"workers"`
}

// Status возвращает счётчики задач. Для userID != 0 добавляет позицию пользователя, 0: нет ожидающих задач.
func (q *Queue) Status(ctx context.Context, userID int64) (Status, error) {
	counts, err := q.repo.CountTasks(ctx, q.now().Add(-q.cfg.StatsWindow), 0)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Pending:    counts.Pending,
		Processing: counts.Processing,
		Completed:  counts.Completed,
		Failed:     counts.Failed,
		Cancelled:  counts.Cancelled,
		InFlight:   len(q.sem),
		Workers:    q.cfg.Workers,
	}
	if userID != 0 {
		if st.UserPosition, err = q.repo.QueuePosition(ctx, userID); err != nil {
			return Status{}, err
		}
	}
	metrics.QueueTasks.WithLabelValues(string(domain.TaskPending)).Set(float64(st.Pending))
	metrics.QueueTasks.WithLabelValues(string(domain.TaskProcessing)).Set(float64(st.Processing))
	metrics.QueueTasks.WithLabelValues(string(domain.TaskCompleted)).Set(float64(st.Completed))
	metrics.QueueTasks.WithLabelValues(string(domain.TaskFailed)).Set(float64(st.Failed))
	return st, nil
}

// PurgeCompleted удаляет завершённые задачи старше retention.
func (q *Queue) PurgeCompleted(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := q.repo.PurgeTasks(ctx, q.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info().Int64("purged", n).Msg("старые задачи удалены")
	}
	return n, nil
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
