package mtproto

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/rs/zerolog"

	"tg-topics-bot/internal/domain"
	"tg-topics-bot/internal/infra/metrics"
)

// SessionStorage хранит MTProto-сессию пользователя в БД под именем session_ref.
type SessionStorage struct {
	store domain.SessionStore
	name  string
}

var _ telegram.SessionStorage = (*SessionStorage)(nil)

// NewSessionStorage создаёт хранилище сессии.
func NewSessionStorage(store domain.SessionStore, name string) *SessionStorage {
	return &SessionStorage{store: store, name: name}
}

// LoadSession загружает сессию. Отсутствие записи gotd ожидает как session.ErrNotFound.
func (s *SessionStorage) LoadSession(ctx context.Context) ([]byte, error) {
	data, err := s.store.LoadMTProtoSession(ctx, s.name)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, session.ErrNotFound
	}
	return data, err
}

// StoreSession сохраняет сессию.
func (s *SessionStorage) StoreSession(ctx context.Context, data []byte) error {
	return s.store.StoreMTProtoSession(ctx, s.name, data)
}

// Factory создаёт MTProto клиентов пользователей.
type Factory struct {
	store domain.SessionStore
	log   zerolog.Logger
}

var _ domain.ClientFactory = (*Factory)(nil)

// NewFactory создаёт фабрику клиентов.
func NewFactory(store domain.SessionStore, logger zerolog.Logger) *Factory {
	return &Factory{store: store, log: logger}
}

// NewClient создаёт клиента, сессия которого хранится под sessionRef.
func (f *Factory) NewClient(userID int64, creds domain.Credentials, sessionRef string) (domain.ChatClient, error) {
	if creds.APIID == 0 || creds.APIHash == "" {
		return nil, domain.ErrInvalidCredentials
	}
	if sessionRef == "" {
		sessionRef = domain.SessionRefFor(userID)
	}
	client := telegram.NewClient(creds.APIID, creds.APIHash, telegram.Options{
		SessionStorage: NewSessionStorage(f.store, sessionRef),
		NoUpdates:      true,
	})
	return newClient(userID, client, f.log), nil
}

// TestConnection проверяет API данные пробным запросом с временной сессией в памяти.
// Сохранённая сессия пользователя при этом не затрагивается.
func (f *Factory) TestConnection(ctx context.Context, creds domain.Credentials) error {
	probe := uuid.NewString()
	log := f.log.With().Str("probe", probe).Logger()

	client := telegram.NewClient(creds.APIID, creds.APIHash, telegram.Options{
		SessionStorage: &session.StorageMemory{},
		NoUpdates:      true,
	})

	start := time.Now()
	err := client.Run(ctx, func(ctx context.Context) error {
		_, err := client.API().HelpGetConfig(ctx)
		return err
	})
	metrics.ObserveNetworkRequest("mtproto", "test_connection", "telegram", start, err)
	if err != nil {
		log.Info().Err(err).Msg("mtproto: пробное подключение не удалось")
		return fmt.Errorf("test connection: %w", mapError("help config", err))
	}
	log.Debug().Dur("took", time.Since(start)).Msg("mtproto: пробное подключение успешно")
	return nil
}
