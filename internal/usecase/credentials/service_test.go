package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-topics-bot/internal/domain"
)

type stubUsers struct {
	users map[int64]domain.User
}

func (s *stubUsers) GetUser(_ context.Context, id int64) (domain.User, error) {
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

func (s *stubUsers) UpsertUser(_ context.Context, id int64, username, firstName string) (domain.User, error) {
	u := s.users[id]
	u.ID, u.Username, u.FirstName = id, username, firstName
	s.users[id] = u
	return u, nil
}

func (s *stubUsers) SetUserMode(_ context.Context, id int64, mode domain.UserMode, status domain.UserStatus) error {
	u := s.users[id]
	u.Mode, u.Status = mode, status
	s.users[id] = u
	return nil
}

func (s *stubUsers) SetUserStatus(_ context.Context, id int64, status domain.UserStatus) error {
	u := s.users[id]
	u.Status = status
	s.users[id] = u
	return nil
}

func (s *stubUsers) SaveCredentials(_ context.Context, id int64, idEnc, hashEnc, ref string) error {
	u := s.users[id]
	u.APIIDEncrypted, u.APIHashEncrypted, u.SessionRef = idEnc, hashEnc, ref
	s.users[id] = u
	return nil
}

func (s *stubUsers) ClearCredentials(_ context.Context, id int64) error {
	u := s.users[id]
	u.APIIDEncrypted, u.APIHashEncrypted = "", ""
	s.users[id] = u
	return nil
}

func (s *stubUsers) TouchUser(context.Context, int64, time.Time) error { return nil }

func (s *stubUsers) ListInactiveUsers(context.Context, time.Time) ([]domain.User, error) {
	return nil, nil
}

type stubSessions struct{ deleted []string }

func (s *stubSessions) LoadMTProtoSession(context.Context, string) ([]byte, error) {
	return nil, domain.ErrNotFound
}
func (s *stubSessions) StoreMTProtoSession(context.Context, string, []byte) error { return nil }
func (s *stubSessions) DeleteMTProtoSession(_ context.Context, name string) error {
	s.deleted = append(s.deleted, name)
	return nil
}

type stubTester struct{ err error }

func (s stubTester) TestConnection(context.Context, domain.Credentials) error { return s.err }

type stubCloser struct{ closed []int64 }

func (s *stubCloser) Close(_ context.Context, userID int64) { s.closed = append(s.closed, userID) }

const validText = "1234567\n0123456789abcdef0123456789abcdef"

func TestSubmitCredentialsStoresEncrypted(t *testing.T) {
	users := &stubUsers{users: map[int64]domain.User{7: {ID: 7, Mode: domain.ModeUser, Status: domain.StatusPending}}}
	vault := newTestVault(t)
	svc := NewService(users, &stubSessions{}, vault, Options{Tester: stubTester{}}, zerolog.Nop())

	if err := svc.SubmitCredentials(context.Background(), 7, validText); err != nil {
		t.Fatalf("SubmitCredentials: %v", err)
	}
	u := users.users[7]
	if !u.HasCredentials() || u.APIIDEncrypted == "1234567" {
		t.Fatalf("credentials must be stored encrypted: %+v", u)
	}
	if u.Status != domain.StatusActive || u.Mode != domain.ModeUser {
		t.Fatalf("unexpected mode/status %s/%s", u.Mode, u.Status)
	}
	if u.SessionRef != domain.SessionRefFor(7) {
		t.Fatalf("unexpected session ref %q", u.SessionRef)
	}
	creds, err := vault.Open(u)
	if err != nil || creds.APIID != 1234567 {
		t.Fatalf("Open: %+v %v", creds, err)
	}
}

func TestSubmitCredentialsFailedTestKeepsUserUntouched(t *testing.T) {
	users := &stubUsers{users: map[int64]domain.User{7: {ID: 7, Mode: domain.ModeUser, Status: domain.StatusPending}}}
	svc := NewService(users, &stubSessions{}, newTestVault(t), Options{Tester: stubTester{err: errors.New("API_ID_INVALID")}}, zerolog.Nop())

	err := svc.SubmitCredentials(context.Background(), 7, validText)
	if !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if users.users[7].HasCredentials() || users.users[7].Status != domain.StatusPending {
		t.Fatalf("user must stay pending: %+v", users.users[7])
	}
}

func TestSelectModeUserWithoutCredentialsIsPending(t *testing.T) {
	users := &stubUsers{users: map[int64]domain.User{7: {ID: 7, Mode: domain.ModeBot, Status: domain.StatusActive}}}
	svc := NewService(users, &stubSessions{}, newTestVault(t), Options{}, zerolog.Nop())

	need, err := svc.SelectMode(context.Background(), 7, domain.ModeUser)
	if err != nil {
		t.Fatalf("SelectMode: %v", err)
	}
	if !need || users.users[7].Status != domain.StatusPending {
		t.Fatalf("expected pending user waiting for credentials, got %+v", users.users[7])
	}
}

func TestLogoutClearsEverything(t *testing.T) {
	users := &stubUsers{users: map[int64]domain.User{7: {ID: 7}}}
	sessions := &stubSessions{}
	closer := &stubCloser{}
	svc := NewService(users, sessions, newTestVault(t), Options{Closer: closer}, zerolog.Nop())
	if err := svc.SubmitCredentials(context.Background(), 7, validText); err != nil {
		t.Fatalf("SubmitCredentials: %v", err)
	}

	if err := svc.Logout(context.Background(), 7); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	u := users.users[7]
	if u.HasCredentials() || u.Mode != domain.ModeBot || u.Status != domain.StatusActive {
		t.Fatalf("unexpected user after logout: %+v", u)
	}
	if len(closer.closed) != 1 || len(sessions.deleted) != 1 || sessions.deleted[0] != domain.SessionRefFor(7) {
		t.Fatalf("session must be closed and deleted: %v %v", closer.closed, sessions.deleted)
	}
}
