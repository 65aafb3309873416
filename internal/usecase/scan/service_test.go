package scan

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-topics-bot/internal/domain"
	"tg-topics-bot/internal/usecase/ratelimit"
	"tg-topics-bot/internal/usecase/sessions"
)

type fakeClient struct {
	info       domain.ChatInfo
	infoErr    error
	topics     []domain.Topic
	topicsErr  error
	failOnPage int
	pages      int
	history    []domain.HistoryMessage
	members    map[int64]domain.Member
}

func (c *fakeClient) Connect(context.Context) error                 { return nil }
func (c *fakeClient) Disconnect(context.Context) error              { return nil }
func (c *fakeClient) IsConnected() bool                             { return true }
func (c *fakeClient) IsAuthorized(context.Context) (bool, error)    { return true, nil }
func (c *fakeClient) Self(context.Context) (domain.Self, error)     { return domain.Self{}, nil }
func (c *fakeClient) FullChannel(context.Context, int64) (domain.ChatInfo, error) {
	return c.info, c.infoErr
}

func (c *fakeClient) ForumTopics(_ context.Context, _ int64, cursor domain.TopicCursor, limit int) (domain.TopicPage, error) {
	c.pages++
	if c.failOnPage > 0 && c.pages == c.failOnPage {
		return domain.TopicPage{}, c.topicsErr
	}
	start := cursor.OffsetTopic
	end := start + limit
	if end > len(c.topics) {
		end = len(c.topics)
	}
	page := domain.TopicPage{Topics: c.topics[start:end], Total: len(c.topics)}
	if end < len(c.topics) {
		page.Next = &domain.TopicCursor{OffsetTopic: end}
	}
	return page, nil
}

func (c *fakeClient) History(_ context.Context, _ int64, cursor domain.HistoryCursor, limit int) (domain.HistoryPage, error) {
	start := cursor.OffsetID
	end := start + limit
	if end > len(c.history) {
		end = len(c.history)
	}
	page := domain.HistoryPage{Messages: c.history[start:end], Members: c.members}
	if end < len(c.history) {
		page.Next = &domain.HistoryCursor{OffsetID: end}
	}
	return page, nil
}

type fakeSessions struct {
	client domain.ChatClient
	reason sessions.Reason
}

func (f fakeSessions) GetOrCreate(context.Context, int64) (domain.ChatClient, sessions.Reason) {
	return f.client, f.reason
}

type fakeLimiter struct {
	change    bool
	mode      ratelimit.Mode
	successes int
	failures  int
	adjusted  []int
}

func (f *fakeLimiter) AutoAdjust(participants int, _ domain.Complexity) bool {
	f.adjusted = append(f.adjusted, participants)
	if f.change {
		f.mode = ratelimit.ModeLow
	}
	return f.change
}

func (f *fakeLimiter) Mode() ratelimit.Mode {
	if f.mode == "" {
		return ratelimit.ModeNormal
	}
	return f.mode
}

func (f *fakeLimiter) ReportOutcome(success bool) {
	if success {
		f.successes++
	} else {
		f.failures++
	}
}

type recordingNotifier struct{ sent []string }

func (n *recordingNotifier) Send(_ context.Context, _ int64, text string) error {
	n.sent = append(n.sent, text)
	return nil
}

type fakeObserver struct{ ids []int }

func (o fakeObserver) ObserveTopic(context.Context, int64, int) error { return nil }
func (o fakeObserver) ObservedTopics(context.Context, int64) ([]int, error) {
	return o.ids, nil
}

type fakeInspector struct{ info domain.ChatInfo }

func (i fakeInspector) ChatInfo(context.Context, int64) (domain.ChatInfo, error) { return i.info, nil }

type fakeActivity struct{ records []domain.ActivityRecord }

func (a fakeActivity) ActiveUsers(context.Context, int64, time.Time) ([]domain.ActivityRecord, error) {
	return a.records, nil
}

func (a fakeActivity) Stats(_ context.Context, chatID int64, date time.Time) (domain.ActivityStats, error) {
	return domain.ActivityStats{ChatID: chatID, Date: date, ActiveUsers: len(a.records)}, nil
}

func makeTopics(from, n int) []domain.Topic {
	out := make([]domain.Topic, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.Topic{ID: from + i, Title: "topic"})
	}
	return out
}

func newTestService(client domain.ChatClient, limiter *fakeLimiter, notifier domain.Notifier, cfg Config) *Service {
	s := NewService(fakeSessions{client: client}, limiter, fakeActivity{}, notifier, fakeInspector{}, fakeObserver{}, cfg, zerolog.Nop())
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

const chatID = -1001234567890

func TestScanUserModePagesAndAddsGeneral(t *testing.T) {
	client := &fakeClient{
		info:   domain.ChatInfo{ID: chatID, Title: "Forum", Forum: true, ParticipantsCount: 300},
		topics: makeTopics(2, 250),
	}
	limiter := &fakeLimiter{}
	s := newTestService(client, limiter, nil, Config{PageSize: 100, MaxTopics: 1000})

	res, err := s.ScanUserMode(context.Background(), client, chatID, domain.ComplexityNormal)
	if err != nil {
		t.Fatalf("ScanUserMode: %v", err)
	}
	if client.pages != 3 {
		t.Fatalf("pages %d, want 3", client.pages)
	}
	if len(res.Topics) != 251 || res.Topics[0].ID != domain.GeneralTopicID {
		t.Fatalf("topics %d first %d", len(res.Topics), res.Topics[0].ID)
	}
	if res.Topics[1].Link != "https://t.me/c/1234567890/2" {
		t.Fatalf("unexpected link %q", res.Topics[1].Link)
	}
	if !res.Complete {
		t.Fatal("scan must be complete")
	}
	if len(limiter.adjusted) != 1 || limiter.adjusted[0] != 300 {
		t.Fatalf("auto adjust calls %v", limiter.adjusted)
	}
}

func TestScanUserModeStopsAtMaxTopics(t *testing.T) {
	client := &fakeClient{
		info:   domain.ChatInfo{ID: chatID, Forum: true, Username: "public_forum"},
		topics: makeTopics(1, 500),
	}
	s := newTestService(client, &fakeLimiter{}, nil, Config{PageSize: 100, MaxTopics: 150})

	res, err := s.ScanUserMode(context.Background(), client, chatID, domain.ComplexityNormal)
	if err != nil {
		t.Fatalf("ScanUserMode: %v", err)
	}
	if len(res.Topics) != 150 || res.Complete {
		t.Fatalf("topics %d complete %v", len(res.Topics), res.Complete)
	}
	if res.Topics[0].Link != "https://t.me/public_forum/1" {
		t.Fatalf("unexpected public link %q", res.Topics[0].Link)
	}
}

func TestScanUserModePreservesFloodWait(t *testing.T) {
	flood := &domain.FloodWaitError{Wait: 17 * time.Second}
	client := &fakeClient{
		info:       domain.ChatInfo{ID: chatID, Forum: true},
		topics:     makeTopics(2, 250),
		failOnPage: 2,
		topicsErr:  flood,
	}
	limiter := &fakeLimiter{}
	s := newTestService(client, limiter, nil, Config{})

	_, err := s.ScanUserMode(context.Background(), client, chatID, domain.ComplexityNormal)
	var got *domain.FloodWaitError
	if !errors.As(err, &got) || got.Wait != 17*time.Second {
		t.Fatalf("expected flood wait to be preserved, got %v", err)
	}
	if !strings.Contains(err.Error(), "17 seconds") {
		t.Fatalf("retry hint missing from %q", err.Error())
	}
	if limiter.failures != 1 {
		t.Fatalf("failures %d, want 1", limiter.failures)
	}
}

func TestScanUserModeRejectsNonForum(t *testing.T) {
	client := &fakeClient{info: domain.ChatInfo{ID: chatID}}
	s := newTestService(client, &fakeLimiter{}, nil, Config{})
	if _, err := s.ScanUserMode(context.Background(), client, chatID, domain.ComplexityNormal); !errors.Is(err, domain.ErrNotForum) {
		t.Fatalf("expected ErrNotForum, got %v", err)
	}
}

func TestScanNotifiesModeChange(t *testing.T) {
	client := &fakeClient{info: domain.ChatInfo{ID: chatID, Forum: true, ParticipantsCount: 5000}}
	notifier := &recordingNotifier{}
	s := newTestService(client, &fakeLimiter{change: true}, notifier, Config{})
	if _, err := s.ScanUserMode(context.Background(), client, chatID, domain.ComplexityHeavy); err != nil {
		t.Fatalf("ScanUserMode: %v", err)
	}
	if len(notifier.sent) != 1 || !strings.Contains(notifier.sent[0], "5000") {
		t.Fatalf("unexpected notifications %v", notifier.sent)
	}
}

func TestExecuteWithoutSession(t *testing.T) {
	s := NewService(fakeSessions{reason: sessions.ReasonNoSlot}, &fakeLimiter{}, fakeActivity{}, nil, fakeInspector{}, fakeObserver{}, Config{}, zerolog.Nop())
	_, err := s.Execute(context.Background(), domain.Task{UserID: 1, ChatID: chatID, Command: domain.CommandScan})
	if !errors.Is(err, domain.ErrNoSession) || !strings.Contains(err.Error(), "no_slot") {
		t.Fatalf("expected ErrNoSession with reason, got %v", err)
	}
}

func TestExecuteGetAll(t *testing.T) {
	client := &fakeClient{
		info:   domain.ChatInfo{ID: chatID, Title: "Forum <dev>", Forum: true},
		topics: []domain.Topic{{ID: 5, Title: "Releases", Closed: true}},
	}
	s := newTestService(client, &fakeLimiter{}, nil, Config{})
	out, err := s.Execute(context.Background(), domain.Task{UserID: 1, ChatID: chatID, Command: domain.CommandGetAll})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, want := range []string{"Forum &lt;dev&gt;", "Releases", "🔒", "https://t.me/c/1234567890/5", "General"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output misses %q:\n%s", want, out)
		}
	}
}

func TestMembersMergesHistoryAndActivity(t *testing.T) {
	client := &fakeClient{
		history: []domain.HistoryMessage{{ID: 3, SenderID: 10}, {ID: 2, SenderID: 11}, {ID: 1, SenderID: 10}, {ID: 0}},
		members: map[int64]domain.Member{10: {UserID: 10, Username: "alice"}},
	}
	s := newTestService(client, &fakeLimiter{}, nil, Config{PageSize: 2})
	s.activity = fakeActivity{records: []domain.ActivityRecord{{UserID: 12, FirstName: "Bob"}, {UserID: 10}}}

	members, err := s.Members(context.Background(), client, chatID)
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(members) != 3 || members[0].Username != "alice" || members[2].FirstName != "Bob" {
		t.Fatalf("unexpected members %+v", members)
	}
}

func TestScanBotModeUsesObservedTopics(t *testing.T) {
	s := NewService(fakeSessions{}, &fakeLimiter{}, fakeActivity{}, nil,
		fakeInspector{info: domain.ChatInfo{ID: chatID, Title: "Forum", Forum: true}},
		fakeObserver{ids: []int{7, 3, 7}}, Config{}, zerolog.Nop())

	res, err := s.ScanBotMode(context.Background(), chatID)
	if err != nil {
		t.Fatalf("ScanBotMode: %v", err)
	}
	if len(res.Topics) != 3 || res.Topics[0].ID != 1 || res.Topics[1].ID != 3 || res.Topics[2].ID != 7 {
		t.Fatalf("unexpected topics %+v", res.Topics)
	}
	if !strings.Contains(FormatTopicIDs(res), "Режим bot") {
		t.Fatal("bot mode footer missing")
	}
}
