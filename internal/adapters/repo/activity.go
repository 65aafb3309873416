package repo

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"tg-topics-bot/internal/domain"
	"tg-topics-bot/internal/infra/metrics"
)

// AddActivity прибавляет счётчики пачки к сохранённым одной транзакцией.
func (p *Postgres) AddActivity(ctx context.Context, records []domain.ActivityRecord) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
INSERT INTO activity (chat_id, user_id, username, first_name, message_count, last_activity, date)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (chat_id, user_id, date) DO UPDATE SET
    username = COALESCE(NULLIF(EXCLUDED.username, ''), activity.username),
    first_name = COALESCE(NULLIF(EXCLUDED.first_name, ''), activity.first_name),
    message_count = activity.message_count + EXCLUDED.message_count,
    last_activity = GREATEST(activity.last_activity, EXCLUDED.last_activity)`,
			r.ChatID, r.UserID, r.Username, r.FirstName, r.MessageCount, r.LastActivity, r.Date)
	}

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "activity", start, err)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	start = time.Now()
	err = tx.SendBatch(ctx, batch).Close()
	metrics.ObserveNetworkRequest("postgres", "activity_upsert", "activity", start, err)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ListActivity возвращает счётчики чата за день по убыванию числа сообщений.
func (p *Postgres) ListActivity(ctx context.Context, chatID int64, date time.Time) ([]domain.ActivityRecord, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT chat_id, user_id, username, first_name, message_count, last_activity, date
FROM activity
WHERE chat_id = $1 AND date = $2
ORDER BY message_count DESC, user_id`, chatID, date)
	metrics.ObserveNetworkRequest("postgres", "activity_list", "activity", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.ActivityRecord
	for rows.Next() {
		var r domain.ActivityRecord
		if err := rows.Scan(&r.ChatID, &r.UserID, &r.Username, &r.FirstName, &r.MessageCount, &r.LastActivity, &r.Date); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// PurgeActivity удаляет счётчики старше before.
func (p *Postgres) PurgeActivity(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `DELETE FROM activity WHERE date < $1`, before)
	metrics.ObserveNetworkRequest("postgres", "activity_purge", "activity", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
