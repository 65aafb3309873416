package mtproto

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gotd/td/tgerr"

	"tg-topics-bot/internal/domain"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "admin", err: tgerr.New(400, "CHAT_ADMIN_REQUIRED"), want: domain.ErrAdminRequired},
		{name: "private", err: tgerr.New(400, "CHANNEL_PRIVATE"), want: domain.ErrChannelPrivate},
		{name: "api id", err: tgerr.New(400, "API_ID_INVALID"), want: domain.ErrInvalidCredentials},
		{name: "unauthorized", err: tgerr.New(401, "AUTH_KEY_UNREGISTERED"), want: domain.ErrInvalidCredentials},
		{name: "deadline", err: context.DeadlineExceeded, want: context.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError("op", tt.err)
			if !errors.Is(got, tt.want) {
				t.Fatalf("mapError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMapErrorFloodWait(t *testing.T) {
	err := mapError("op", tgerr.New(420, "FLOOD_WAIT_30"))
	var flood *domain.FloodWaitError
	if !errors.As(err, &flood) {
		t.Fatalf("expected flood wait, got %v", err)
	}
	if flood.Wait != 30*time.Second {
		t.Fatalf("unexpected wait %s", flood.Wait)
	}
	if domain.Categorize(err) != domain.CategoryRateLimited {
		t.Fatalf("flood wait must be rate limited")
	}
}

func TestMapErrorNil(t *testing.T) {
	if mapError("op", nil) != nil {
		t.Fatal("nil error must stay nil")
	}
}
