package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"tg-topics-bot/internal/domain"
	"tg-topics-bot/internal/infra/metrics"
)

// GetSetting возвращает значение настройки или domain.ErrNotFound.
func (p *Postgres) GetSetting(ctx context.Context, key string) (string, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var value string
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	metrics.ObserveNetworkRequest("postgres", "settings_get", "settings", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	return value, err
}

// SetSetting сохраняет значение настройки.
func (p *Postgres) SetSetting(ctx context.Context, key, value string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO settings (key, value, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, key, value)
	metrics.ObserveNetworkRequest("postgres", "settings_set", "settings", start, err)
	return err
}

// SaveLog пишет запись журнала. Нулевые идентификаторы сохраняются как NULL.
func (p *Postgres) SaveLog(ctx context.Context, entry domain.LogEntry) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	var payload []byte
	if entry.Metadata != nil {
		if data, err := json.Marshal(entry.Metadata); err == nil {
			payload = data
		}
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO logs (level, message, user_id, chat_id, command, timestamp, metadata)
VALUES ($1, $2, NULLIF($3::bigint, 0), NULLIF($4::bigint, 0), NULLIF($5, ''), $6, $7)`,
		string(entry.Level), entry.Message, entry.UserID, entry.ChatID, entry.Command, entry.Timestamp, payload)
	metrics.ObserveNetworkRequest("postgres", "logs_insert", "logs", start, err)
	return err
}
