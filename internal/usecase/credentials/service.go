package credentials

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"tg-topics-bot/internal/domain"
)

// ConnectionTester проверяет API данные пробным подключением.
type ConnectionTester interface {
	TestConnection(ctx context.Context, creds domain.Credentials) error
}

// SessionCloser закрывает живую сессию пользователя.
type SessionCloser interface {
	Close(ctx context.Context, userID int64)
}

// Service ведёт пользователя через выбор режима и ввод API данных.
type Service struct {
	users    domain.UserRepo
	sessions domain.SessionStore
	vault    *Vault
	tester   ConnectionTester
	closer   SessionCloser
	timeout  time.Duration
	log      zerolog.Logger
}

// Options задаёт необязательные зависимости сервиса.
type Options struct {
	// Tester равен nil, если пробное подключение выключено.
	Tester      ConnectionTester
	Closer      SessionCloser
	TestTimeout time.Duration
}

// NewService создаёт сервис.
func NewService(users domain.UserRepo, sessions domain.SessionStore, vault *Vault, opts Options, logger zerolog.Logger) *Service {
	if opts.TestTimeout <= 0 {
		opts.TestTimeout = 20 * time.Second
	}
	return &Service{
		users:    users,
		sessions: sessions,
		vault:    vault,
		tester:   opts.Tester,
		closer:   opts.Closer,
		timeout:  opts.TestTimeout,
		log:      logger,
	}
}

// SelectMode переключает режим. Возвращает true, если для режима user нужно прислать API данные.
func (s *Service) SelectMode(ctx context.Context, userID int64, mode domain.UserMode) (bool, error) {
	switch mode {
	case domain.ModeBot:
		if err := s.users.SetUserMode(ctx, userID, domain.ModeBot, domain.StatusActive); err != nil {
			return false, fmt.Errorf("переключение в режим bot: %w", err)
		}
		return false, nil
	case domain.ModeUser:
		user, err := s.users.GetUser(ctx, userID)
		if err != nil {
			return false, fmt.Errorf("получение пользователя: %w", err)
		}
		status := domain.StatusPending
		if user.HasCredentials() {
			status = domain.StatusActive
		}
		if err := s.users.SetUserMode(ctx, userID, domain.ModeUser, status); err != nil {
			return false, fmt.Errorf("переключение в режим user: %w", err)
		}
		return status == domain.StatusPending, nil
	default:
		return false, fmt.Errorf("неизвестный режим %q", mode)
	}
}

// SubmitCredentials проверяет, шифрует и сохраняет API данные из сообщения пользователя.
func (s *Service) SubmitCredentials(ctx context.Context, userID int64, text string) error {
	creds, err := ParseCredentials(text)
	if err != nil {
		return err
	}
	if s.tester != nil {
		testCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.tester.TestConnection(testCtx, creds)
		cancel()
		if err != nil {
			s.log.Warn().Err(err).Int64("user_id", userID).Msg("пробное подключение не удалось")
			return fmt.Errorf("%w: %v", domain.ErrInvalidCredentials, err)
		}
	}

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("получение пользователя: %w", err)
	}
	idEnc, err := s.vault.Encrypt(strconv.Itoa(creds.APIID))
	if err != nil {
		return err
	}
	hashEnc, err := s.vault.Encrypt(creds.APIHash)
	if err != nil {
		return err
	}
	ref := user.SessionRef
	if ref == "" {
		ref = domain.SessionRefFor(userID)
	}
	if err := s.users.SaveCredentials(ctx, userID, idEnc, hashEnc, ref); err != nil {
		return fmt.Errorf("сохранение API данных: %w", err)
	}
	if err := s.users.SetUserMode(ctx, userID, domain.ModeUser, domain.StatusActive); err != nil {
		return fmt.Errorf("переключение в режим user: %w", err)
	}
	s.log.Info().Int64("user_id", userID).Msg("API данные сохранены")
	return nil
}

// Logout закрывает сессию, удаляет её данные и API данные, возвращает режим bot.
func (s *Service) Logout(ctx context.Context, userID int64) error {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("получение пользователя: %w", err)
	}
	if s.closer != nil {
		s.closer.Close(ctx, userID)
	}
	if user.SessionRef != "" {
		if err := s.sessions.DeleteMTProtoSession(ctx, user.SessionRef); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("удаление сессии: %w", err)
		}
	}
	if err := s.users.ClearCredentials(ctx, userID); err != nil {
		return fmt.Errorf("удаление API данных: %w", err)
	}
	if err := s.users.SetUserMode(ctx, userID, domain.ModeBot, domain.StatusActive); err != nil {
		return fmt.Errorf("переключение в режим bot: %w", err)
	}
	return nil
}
