package repo

import (
	"context"
	"time"

	"tg-topics-bot/internal/domain"
	"tg-topics-bot/internal/infra/metrics"
)

const (
	summaryCommandsLimit = 10
	summaryErrorsLimit   = 5
)

// SummarizeLogs собирает сводку журнала с момента since. userID 0 означает всех пользователей.
func (p *Postgres) SummarizeLogs(ctx context.Context, since time.Time, userID int64) (domain.LogSummary, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	summary := domain.LogSummary{
		Since:    since,
		Commands: make(map[string]int),
		Errors:   make(map[string]int),
	}
	var (
		first, last *time.Time
		avgMillis   float64
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT count(*),
       count(DISTINCT user_id),
       min(timestamp),
       max(timestamp),
       count(*) FILTER (WHERE metadata->>'event' = 'performance'),
       count(*) FILTER (WHERE metadata->>'event' = 'performance' AND (metadata->>'success')::boolean IS FALSE),
       COALESCE(avg((metadata->>'duration_ms')::double precision) FILTER (WHERE metadata->>'event' = 'performance'), 0)
FROM logs
WHERE timestamp >= $1 AND ($2::bigint = 0 OR user_id = $2)`, since, userID).
		Scan(&summary.Events, &summary.UniqueUsers, &first, &last, &summary.Operations, &summary.FailedOperations, &avgMillis)
	metrics.ObserveNetworkRequest("postgres", "logs_summary", "logs", start, err)
	if err != nil {
		return domain.LogSummary{}, err
	}
	if first != nil {
		summary.FirstActivity = *first
	}
	if last != nil {
		summary.LastActivity = *last
	}
	summary.AvgDuration = time.Duration(avgMillis * float64(time.Millisecond))

	if err := p.countLogs(ctx, "logs_commands", `
SELECT command, count(*)
FROM logs
WHERE timestamp >= $1 AND ($2::bigint = 0 OR user_id = $2)
  AND metadata->>'event' = 'command' AND command IS NOT NULL
GROUP BY command
ORDER BY count(*) DESC, command
LIMIT $3`, summary.Commands, since, userID, summaryCommandsLimit); err != nil {
		return domain.LogSummary{}, err
	}
	if err := p.countLogs(ctx, "logs_errors", `
SELECT COALESCE(metadata->>'category', 'unknown'), count(*)
FROM logs
WHERE timestamp >= $1 AND ($2::bigint = 0 OR user_id = $2)
  AND metadata->>'event' = 'error'
GROUP BY 1
ORDER BY 2 DESC, 1
LIMIT $3`, summary.Errors, since, userID, summaryErrorsLimit); err != nil {
		return domain.LogSummary{}, err
	}
	return summary, nil
}

func (p *Postgres) countLogs(ctx context.Context, op, query string, into map[string]int, args ...any) error {
	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", op, "logs", start, err)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key   string
			count int
		)
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		into[key] = count
	}
	return rows.Err()
}

// TopLogUsers возвращает самых активных пользователей журнала с момента since.
func (p *Postgres) TopLogUsers(ctx context.Context, since time.Time, limit int) ([]domain.UserLogCount, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT user_id,
       count(*),
       count(*) FILTER (WHERE metadata->>'event' = 'error'),
       min(timestamp),
       max(timestamp)
FROM logs
WHERE timestamp >= $1 AND user_id IS NOT NULL
GROUP BY user_id
ORDER BY count(*) DESC, user_id
LIMIT $2`, since, limit)
	metrics.ObserveNetworkRequest("postgres", "logs_top_users", "logs", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.UserLogCount
	for rows.Next() {
		var u domain.UserLogCount
		if err := rows.Scan(&u.UserID, &u.Events, &u.Errors, &u.FirstSeen, &u.LastSeen); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// PurgeLogs удаляет записи журнала старше before.
func (p *Postgres) PurgeLogs(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `DELETE FROM logs WHERE timestamp < $1`, before)
	metrics.ObserveNetworkRequest("postgres", "logs_purge", "logs", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
