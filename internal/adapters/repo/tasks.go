package repo

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"tg-topics-bot/internal/domain"
	"tg-topics-bot/internal/infra/metrics"
)

// taskQueueLockKey сериализует вставки, чтобы проверки лимитов не гонялись между собой.
const taskQueueLockKey = 7317001

const taskColumns = `id, user_id, chat_id, command, parameters, priority, status, created_at, started_at, completed_at, result, error`

func scanTask(row pgx.Row) (domain.Task, error) {
	var (
		task        domain.Task
		status      string
		params      []byte
		startedAt   sql.NullTime
		completedAt sql.NullTime
		result      sql.NullString
		errText     sql.NullString
	)
	if err := row.Scan(&task.ID, &task.UserID, &task.ChatID, &task.Command, &params, &task.Priority, &status,
		&task.CreatedAt, &startedAt, &completedAt, &result, &errText); err != nil {
		return domain.Task{}, err
	}
	task.Status = domain.TaskStatus(status)
	task.Parameters = params
	if startedAt.Valid {
		at := startedAt.Time
		task.StartedAt = &at
	}
	if completedAt.Valid {
		at := completedAt.Time
		task.CompletedAt = &at
	}
	task.Result = result.String
	task.Error = errText.String
	return task, nil
}

func normalizeParams(raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []byte("{}")
	}
	return trimmed
}

// CreateTask проверяет лимиты и вставляет задачу в одной транзакции.
func (p *Postgres) CreateTask(ctx context.Context, task domain.Task, limits domain.TaskLimits) (domain.Task, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "task_queue", start, err)
	if err != nil {
		return domain.Task{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, taskQueueLockKey); err != nil {
		return domain.Task{}, err
	}

	var backlog, mine int
	start = time.Now()
	err = tx.QueryRow(ctx, `
SELECT count(*), count(*) FILTER (WHERE user_id = $1)
FROM task_queue
WHERE status = 'pending'`, task.UserID).Scan(&backlog, &mine)
	metrics.ObserveNetworkRequest("postgres", "task_queue_count_pending", "task_queue", start, err)
	if err != nil {
		return domain.Task{}, err
	}
	if limits.MaxBacklog > 0 && backlog >= limits.MaxBacklog {
		return domain.Task{}, domain.ErrQueueFull
	}
	if limits.MaxPerUser > 0 && mine >= limits.MaxPerUser {
		return domain.Task{}, domain.ErrPendingLimit
	}

	start = time.Now()
	created, err := scanTask(tx.QueryRow(ctx, `
INSERT INTO task_queue (user_id, chat_id, command, parameters, priority, status, created_at)
VALUES ($1, $2, $3, $4, $5, 'pending', $6)
RETURNING `+taskColumns,
		task.UserID, task.ChatID, task.Command, normalizeParams(task.Parameters), task.Priority, task.CreatedAt))
	metrics.ObserveNetworkRequest("postgres", "task_queue_insert", "task_queue", start, err)
	if err != nil {
		return domain.Task{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Task{}, err
	}
	return created, nil
}

// ClaimNextTask забирает самую срочную pending-задачу. Параллельные обработчики
// пропускают строки, заблокированные друг другом.
func (p *Postgres) ClaimNextTask(ctx context.Context, startedAt time.Time) (domain.Task, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	task, err := scanTask(p.pool.QueryRow(ctx, `
UPDATE task_queue SET status = 'processing', started_at = $1
WHERE id = (
    SELECT id FROM task_queue
    WHERE status = 'pending'
    ORDER BY priority, created_at, id
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING `+taskColumns, startedAt))
	metrics.ObserveNetworkRequest("postgres", "task_queue_claim", "task_queue", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	return task, err
}

func (p *Postgres) finishTask(ctx context.Context, op string, id int64, status domain.TaskStatus, result, errText sql.NullString, at time.Time) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE task_queue SET status = $2, result = $3, error = $4, completed_at = $5
WHERE id = $1 AND status = 'processing'`, id, string(status), result, errText, at)
	metrics.ObserveNetworkRequest("postgres", op, "task_queue", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CompleteTask сохраняет результат задачи.
func (p *Postgres) CompleteTask(ctx context.Context, id int64, result string, at time.Time) error {
	return p.finishTask(ctx, "task_queue_complete", id, domain.TaskCompleted,
		sql.NullString{String: result, Valid: true}, sql.NullString{}, at)
}

// FailTask сохраняет ошибку задачи.
func (p *Postgres) FailTask(ctx context.Context, id int64, errText string, at time.Time) error {
	return p.finishTask(ctx, "task_queue_fail", id, domain.TaskFailed,
		sql.NullString{}, sql.NullString{String: errText, Valid: true}, at)
}

// CancelTask отменяет задачу, которая ещё не завершилась.
func (p *Postgres) CancelTask(ctx context.Context, id int64, at time.Time) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE task_queue SET status = 'cancelled', completed_at = $2
WHERE id = $1 AND status IN ('pending', 'processing')`, id, at)
	metrics.ObserveNetworkRequest("postgres", "task_queue_cancel", "task_queue", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CountTasks считает задачи по статусам. Незавершённые задачи учитываются независимо от since.
func (p *Postgres) CountTasks(ctx context.Context, since time.Time, userID int64) (domain.QueueCounts, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT status, count(*)
FROM task_queue
WHERE (created_at >= $1 OR status IN ('pending', 'processing'))
  AND ($2::bigint = 0 OR user_id = $2::bigint)
GROUP BY status`, since, userID)
	metrics.ObserveNetworkRequest("postgres", "task_queue_count", "task_queue", start, err)
	if err != nil {
		return domain.QueueCounts{}, err
	}
	defer rows.Close()

	var counts domain.QueueCounts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return domain.QueueCounts{}, err
		}
		switch domain.TaskStatus(status) {
		case domain.TaskPending:
			counts.Pending = n
		case domain.TaskProcessing:
			counts.Processing = n
		case domain.TaskCompleted:
			counts.Completed = n
		case domain.TaskFailed:
			counts.Failed = n
		case domain.TaskCancelled:
			counts.Cancelled = n
		}
	}
	return counts, rows.Err()
}

// QueuePosition возвращает позицию самой ранней pending-задачи пользователя, начиная с 1.
func (p *Postgres) QueuePosition(ctx context.Context, userID int64) (int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var position int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
WITH mine AS (
    SELECT priority, created_at, id
    FROM task_queue
    WHERE status = 'pending' AND user_id = $1
    ORDER BY priority, created_at, id
    LIMIT 1
)
SELECT count(t.id) + 1
FROM mine
LEFT JOIN task_queue t
    ON t.status = 'pending' AND (t.priority, t.created_at, t.id) < (mine.priority, mine.created_at, mine.id)
GROUP BY mine.id`, userID).Scan(&position)
	metrics.ObserveNetworkRequest("postgres", "task_queue_position", "task_queue", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return position, nil
}

// ListTasks возвращает задачи в статусе status в порядке выборки.
func (p *Postgres) ListTasks(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+taskColumns+`
FROM task_queue
WHERE status = $1
ORDER BY priority, created_at, id
LIMIT $2`, string(status), limit)
	metrics.ObserveNetworkRequest("postgres", "task_queue_list", "task_queue", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// PurgeTasks удаляет завершённые задачи старше before.
func (p *Postgres) PurgeTasks(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
DELETE FROM task_queue
WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < $1`, before)
	metrics.ObserveNetworkRequest("postgres", "task_queue_purge", "task_queue", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
