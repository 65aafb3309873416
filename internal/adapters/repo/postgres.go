package repo

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-topics-bot/internal/domain"
	"tg-topics-bot/internal/infra/metrics"
)

//go:embed schema.sql
var schemaSQL string

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.UserRepo     = (*Postgres)(nil)
	_ domain.SessionStore = (*Postgres)(nil)
	_ domain.TaskRepo     = (*Postgres)(nil)
	_ domain.ActivityRepo = (*Postgres)(nil)
	_ domain.SettingsRepo = (*Postgres)(nil)
	_ domain.LogQueryRepo = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// EnsureSchema создаёт таблицы и индексы, если их ещё нет.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, schemaSQL)
	metrics.ObserveNetworkRequest("postgres", "ensure_schema", "schema", start, err)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Ping проверяет доступность базы для /healthz.
func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()
	return p.pool.Ping(ctx)
}

const userColumns = `user_id, username, first_name, mode, api_id_encrypted, api_hash_encrypted, session_ref, status, created_at, last_active`

func scanUser(row pgx.Row) (domain.User, error) {
	var (
		user       domain.User
		mode       string
		status     string
		apiID      sql.NullString
		apiHash    sql.NullString
		sessionRef sql.NullString
	)
	if err := row.Scan(&user.ID, &user.Username, &user.FirstName, &mode, &apiID, &apiHash, &sessionRef, &status, &user.CreatedAt, &user.LastActive); err != nil {
		return domain.User{}, err
	}
	user.Mode = domain.UserMode(mode)
	user.Status = domain.UserStatus(status)
	user.APIIDEncrypted = apiID.String
	user.APIHashEncrypted = apiHash.String
	user.SessionRef = sessionRef.String
	return user, nil
}

// GetUser возвращает пользователя по Telegram ID.
func (p *Postgres) GetUser(ctx context.Context, userID int64) (domain.User, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	user, err := scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = $1`, userID))
	metrics.ObserveNetworkRequest("postgres", "users_get", "users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrNotFound
	}
	return user, err
}

// UpsertUser создаёт пользователя или обновляет профиль и время активности.
func (p *Postgres) UpsertUser(ctx context.Context, userID int64, username, firstName string) (domain.User, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	user, err := scanUser(p.pool.QueryRow(ctx, `
INSERT INTO users (user_id, username, first_name)
VALUES ($1, $2, $3)
ON CONFLICT (user_id) DO UPDATE SET username = EXCLUDED.username, first_name = EXCLUDED.first_name, last_active = now()
RETURNING `+userColumns, userID, username, firstName))
	metrics.ObserveNetworkRequest("postgres", "users_upsert", "users", start, err)
	return user, err
}

func (p *Postgres) execUser(ctx context.Context, op, query string, args ...any) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", op, "users", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetUserMode меняет режим и статус пользователя.
func (p *Postgres) SetUserMode(ctx context.Context, userID int64, mode domain.UserMode, status domain.UserStatus) error {
	return p.execUser(ctx, "users_set_mode",
		`UPDATE users SET mode = $2, status = $3, last_active = now() WHERE user_id = $1`,
		userID, string(mode), string(status))
}

// SetUserStatus меняет статус пользователя.
func (p *Postgres) SetUserStatus(ctx context.Context, userID int64, status domain.UserStatus) error {
	return p.execUser(ctx, "users_set_status",
		`UPDATE users SET status = $2 WHERE user_id = $1`,
		userID, string(status))
}

// SaveCredentials сохраняет зашифрованные API данные. Поля пишутся только парой.
func (p *Postgres) SaveCredentials(ctx context.Context, userID int64, apiIDEnc, apiHashEnc, sessionRef string) error {
	if apiIDEnc == "" || apiHashEnc == "" {
		return errors.New("both encrypted credential fields are required")
	}
	return p.execUser(ctx, "users_save_credentials",
		`UPDATE users SET api_id_encrypted = $2, api_hash_encrypted = $3, session_ref = NULLIF($4, ''), last_active = now() WHERE user_id = $1`,
		userID, apiIDEnc, apiHashEnc, sessionRef)
}

// ClearCredentials удаляет API данные и ссылку на сессию.
func (p *Postgres) ClearCredentials(ctx context.Context, userID int64) error {
	return p.execUser(ctx, "users_clear_credentials",
		`UPDATE users SET api_id_encrypted = NULL, api_hash_encrypted = NULL, session_ref = NULL WHERE user_id = $1`,
		userID)
}

// TouchUser обновляет время последней активности.
func (p *Postgres) TouchUser(ctx context.Context, userID int64, at time.Time) error {
	return p.execUser(ctx, "users_touch",
		`UPDATE users SET last_active = GREATEST(last_active, $2) WHERE user_id = $1`,
		userID, at)
}

// ListInactiveUsers возвращает пользователей режима user с активной сессией, неактивных с before.
func (p *Postgres) ListInactiveUsers(ctx context.Context, before time.Time) ([]domain.User, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+userColumns+`
FROM users
WHERE mode = 'user' AND status = 'active' AND last_active < $1
ORDER BY last_active`, before)
	metrics.ObserveNetworkRequest("postgres", "users_list_inactive", "users", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// LoadMTProtoSession загружает сохранённую MTProto-сессию.
func (p *Postgres) LoadMTProtoSession(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}

	var data []byte
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT data FROM mtproto_sessions WHERE name = $1`, name).Scan(&data)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_load", "mtproto_sessions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	clone := make([]byte, len(data))
	copy(clone, data)
	return clone, nil
}

// StoreMTProtoSession сохраняет MTProto-сессию.
func (p *Postgres) StoreMTProtoSession(ctx context.Context, name string, data []byte) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}

	tmp := make([]byte, len(data))
	copy(tmp, data)

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO mtproto_sessions (name, data, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
`, name, tmp)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_store", "mtproto_sessions", start, err)
	return err
}

// DeleteMTProtoSession удаляет MTProto-сессию.
func (p *Postgres) DeleteMTProtoSession(ctx context.Context, name string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `DELETE FROM mtproto_sessions WHERE name = $1`, name)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_delete", "mtproto_sessions", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
