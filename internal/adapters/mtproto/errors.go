package mtproto

import (
	"context"
	"errors"
	"fmt"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tgerr"

	"tg-topics-bot/internal/domain"
)

// mapError переводит ошибки Telegram в доменные, сохраняя исходную ошибку в цепочке.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &domain.FloodWaitError{Wait: wait, Err: err}
	}
	switch {
	case tgerr.Is(err, "CHAT_ADMIN_REQUIRED", "CHAT_WRITE_FORBIDDEN"):
		return fmt.Errorf("%s: %w: %v", op, domain.ErrAdminRequired, err)
	case tgerr.Is(err, "CHANNEL_PRIVATE", "CHANNEL_INVALID", "CHAT_ID_INVALID", "PEER_ID_INVALID"):
		return fmt.Errorf("%s: %w: %v", op, domain.ErrChannelPrivate, err)
	case tgerr.Is(err, "API_ID_INVALID", "API_ID_PUBLISHED_FLOOD"), auth.IsUnauthorized(err):
		return fmt.Errorf("%s: %w: %v", op, domain.ErrInvalidCredentials, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
