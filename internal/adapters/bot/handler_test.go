package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"tg-topics-bot/internal/domain"
	"tg-topics-bot/internal/infra/metrics"
	"tg-topics-bot/internal/usecase/queue"
	"tg-topics-bot/internal/usecase/ratelimit"
	"tg-topics-bot/internal/usecase/scan"
	"tg-topics-bot/internal/usecase/security"
	"tg-topics-bot/internal/usecase/sessions"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
}

func (s *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		s.sent = append(s.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func (s *fakeSender) Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (s *fakeSender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return ""
	}
	return s.sent[len(s.sent)-1].Text
}

type fakeUsers struct {
	domain.UserRepo
	users map[int64]domain.User
}

func (u *fakeUsers) GetUser(_ context.Context, userID int64) (domain.User, error) {
	user, ok := u.users[userID]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return user, nil
}

func (u *fakeUsers) UpsertUser(_ context.Context, userID int64, username, firstName string) (domain.User, error) {
	user, ok := u.users[userID]
	if !ok {
		user = domain.User{ID: userID, Mode: domain.ModeBot, Status: domain.StatusActive}
	}
	user.Username, user.FirstName = username, firstName
	u.users[userID] = user
	return user, nil
}

type fakeGate struct {
	deny     security.Reason
	recorded []string
	blocked  map[int64]bool
	events   []security.Event
	limit    int
	eventsOf int64
}

func (g *fakeGate) Admit(int64) (bool, security.Reason) { return g.deny == "", g.deny }

func (g *fakeGate) Record(_ int64, command, _ string) { g.recorded = append(g.recorded, command) }

func (g *fakeGate) UserLimits(userID int64) security.UserLimits {
	return security.UserLimits{UserID: userID, DailyLimit: 50, RequestsToday: 3}
}

func (g *fakeGate) AddBlacklist(userID int64, _ string) { g.blocked[userID] = true }

func (g *fakeGate) RemoveBlacklist(userID int64, _ string) bool {
	ok := g.blocked[userID]
	delete(g.blocked, userID)
	return ok
}

func (g *fakeGate) RecentEvents(limit int, userID int64) []security.Event {
	g.limit, g.eventsOf = limit, userID
	return g.events
}

type fakeLimiter struct {
	full    bool
	records int
	mode    ratelimit.Mode
}

func (l *fakeLimiter) CanAdmit() bool { return !l.full }

func (l *fakeLimiter) Record() { l.records++ }

func (l *fakeLimiter) SetMode(mode ratelimit.Mode, _ string) error {
	l.mode = mode
	return nil
}

func (l *fakeLimiter) Status() ratelimit.Status {
	return ratelimit.Status{Mode: ratelimit.ModeNormal, ModeName: "normal"}
}

type fakeQueue struct {
	tasks     []domain.Task
	cancelled []int64
	err       error
}

func (q *fakeQueue) Enqueue(_ context.Context, userID, chatID int64, command string, _ any, priority int) (domain.Task, error) {
	if q.err != nil {
		return domain.Task{}, q.err
	}
	task := domain.Task{ID: int64(len(q.tasks) + 1), UserID: userID, ChatID: chatID, Command: command, Priority: priority}
	q.tasks = append(q.tasks, task)
	return task, nil
}

func (q *fakeQueue) Status(context.Context, int64) (queue.Status, error) {
	return queue.Status{Pending: len(q.tasks), UserPosition: len(q.tasks), Workers: 5}, nil
}

func (q *fakeQueue) Cancel(_ context.Context, id int64) (bool, error) {
	q.cancelled = append(q.cancelled, id)
	return true, nil
}

type fakeOnboarding struct {
	submitted []string
}

func (o *fakeOnboarding) SelectMode(context.Context, int64, domain.UserMode) (bool, error) {
	return true, nil
}

func (o *fakeOnboarding) SubmitCredentials(_ context.Context, _ int64, text string) error {
	o.submitted = append(o.submitted, text)
	return nil
}

func (o *fakeOnboarding) Logout(context.Context, int64) error { return nil }

type fakePool struct{}

func (fakePool) Info(context.Context, int64) (sessions.SessionInfo, bool) {
	return sessions.SessionInfo{}, false
}

func (fakePool) HealthCheckAll(context.Context) sessions.HealthReport {
	return sessions.HealthReport{Total: 2, Healthy: 2}
}

func (fakePool) Stats() sessions.Stats { return sessions.Stats{Active: 2, Max: 10} }

type fakeActivity struct {
	tracked []int64
}

func (a *fakeActivity) Track(_ context.Context, _ int64, userID int64, _, _ string, _ time.Time) {
	a.tracked = append(a.tracked, userID)
}

func (a *fakeActivity) ActiveUsers(context.Context, int64, time.Time) ([]domain.ActivityRecord, error) {
	return []domain.ActivityRecord{{UserID: 7, Username: "alice", MessageCount: 3}}, nil
}

func (a *fakeActivity) Stats(_ context.Context, chatID int64, date time.Time) (domain.ActivityStats, error) {
	return domain.ActivityStats{ChatID: chatID, Date: date}, nil
}

type fakeScanner struct {
	calls int
	err   error
}

func (s *fakeScanner) ScanBotMode(_ context.Context, chatID int64) (scan.Result, error) {
	s.calls++
	if s.err != nil {
		return scan.Result{}, s.err
	}
	return scan.Result{
		Chat:   domain.ChatInfo{ID: chatID, Title: "Форум"},
		Topics: []domain.Topic{{ID: 1, Link: domain.TopicLink(chatID, 1)}, {ID: 15, Link: domain.TopicLink(chatID, 15)}},
		Mode:   string(domain.ModeBot),
	}, nil
}

type fakeObserver struct {
	topics []int
}

func (o *fakeObserver) ObserveTopic(_ context.Context, _ int64, topicID int) error {
	o.topics = append(o.topics, topicID)
	return nil
}

func (o *fakeObserver) ObservedTopics(context.Context, int64) ([]int, error) { return o.topics, nil }

type memCache struct {
	keys map[string]bool
}

func (c *memCache) Once(_ context.Context, key string, _ time.Duration, fn func() error) (bool, error) {
	if c.keys[key] {
		return false, nil
	}
	c.keys[key] = true
	return true, fn()
}

type auditEntry struct {
	kind     string
	userID   int64
	command  string
	target   int64
	category domain.Category
}

type fakeAnalytics struct {
	entries []auditEntry
	summary domain.LogSummary
	top     []domain.UserLogCount
	userOf  int64
}

func (a *fakeAnalytics) TrackCommand(_ context.Context, userID, _ int64, command, _ string) {
	a.entries = append(a.entries, auditEntry{kind: domain.LogEventCommand, userID: userID, command: command})
}

func (a *fakeAnalytics) TrackAdmin(_ context.Context, adminID, _ int64, command string, target int64) {
	a.entries = append(a.entries, auditEntry{kind: domain.LogEventAdmin, userID: adminID, command: command, target: target})
}

func (a *fakeAnalytics) TrackError(_ context.Context, userID, _ int64, command string, category domain.Category, _ string) {
	a.entries = append(a.entries, auditEntry{kind: domain.LogEventError, userID: userID, command: command, category: category})
}

func (a *fakeAnalytics) GlobalAnalytics(context.Context, time.Duration) (domain.LogSummary, error) {
	return a.summary, nil
}

func (a *fakeAnalytics) UserAnalytics(_ context.Context, userID int64, _ time.Duration) (domain.LogSummary, error) {
	a.userOf = userID
	return a.summary, nil
}

func (a *fakeAnalytics) TopUsers(context.Context, time.Duration, int) ([]domain.UserLogCount, error) {
	return a.top, nil
}

func (a *fakeAnalytics) of(kind string) []auditEntry {
	var out []auditEntry
	for _, e := range a.entries {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	h          *Handler
	sender     *fakeSender
	users      *fakeUsers
	gate       *fakeGate
	limiter    *fakeLimiter
	queue      *fakeQueue
	onboarding *fakeOnboarding
	activity   *fakeActivity
	scanner    *fakeScanner
	observer   *fakeObserver
	analytics  *fakeAnalytics
}

const (
	adminID  = 1
	memberID = 42
	groupID  = -1001234567890
)

func newFixture() *fixture {
	f := &fixture{
		sender:     &fakeSender{},
		users:      &fakeUsers{users: make(map[int64]domain.User)},
		gate:       &fakeGate{blocked: make(map[int64]bool)},
		limiter:    &fakeLimiter{},
		queue:      &fakeQueue{},
		onboarding: &fakeOnboarding{},
		activity:   &fakeActivity{},
		scanner:    &fakeScanner{},
		observer:   &fakeObserver{},
		analytics:  &fakeAnalytics{},
	}
	f.h = NewHandler(f.sender, Deps{
		Users:      f.users,
		Access:     domain.NewAccessList([]int64{adminID}, nil),
		Gate:       f.gate,
		Limiter:    f.limiter,
		Queue:      f.queue,
		Onboarding: f.onboarding,
		Sessions:   fakePool{},
		Activity:   f.activity,
		Scanner:    f.scanner,
		Observer:   f.observer,
		Cache:      &memCache{keys: make(map[string]bool)},
		Analytics:  f.analytics,
	}, zerolog.Nop())
	return f
}

func groupMessage(from int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 100,
		From:      &tgbotapi.User{ID: from, UserName: "user"},
		Chat:      &tgbotapi.Chat{ID: groupID, Type: "supergroup", Title: "Форум"},
		Text:      text,
		Date:      int(time.Now().Unix()),
	}}
}

func privateMessage(from int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 5,
		From:      &tgbotapi.User{ID: from},
		Chat:      &tgbotapi.Chat{ID: from, Type: "private"},
		Text:      text,
	}}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text    string
		command string
		args    string
	}{
		{text: "/scan", command: "scan"},
		{text: "/get_all@TopicsBot", command: "get_all"},
		{text: "/block 42 spam links", command: "block", args: "42 spam links"},
		{text: "hello", command: ""},
	}
	for _, tt := range tests {
		command, args := parseCommand(tt.text)
		if command != tt.command || args != tt.args {
			t.Fatalf("parseCommand(%q) = %q, %q; want %q, %q", tt.text, command, args, tt.command, tt.args)
		}
	}
}

func TestScanInBotModeRepliesWithTopics(t *testing.T) {
	f := newFixture()
	f.h.HandleUpdate(context.Background(), groupMessage(memberID, "/scan"))

	if f.scanner.calls != 1 {
		t.Fatalf("expected bot-mode scan, got %d calls", f.scanner.calls)
	}
	if len(f.queue.tasks) != 0 {
		t.Fatal("bot mode must not enqueue tasks")
	}
	if !strings.Contains(f.sender.last(), "https://t.me/c/1234567890/15") {
		t.Fatalf("reply does not contain topic link: %q", f.sender.last())
	}
	if len(f.gate.recorded) != 1 || f.limiter.records != 1 {
		t.Fatalf("request must be recorded once: gate=%v limiter=%d", f.gate.recorded, f.limiter.records)
	}
}

func TestScanInUserModeEnqueues(t *testing.T) {
	f := newFixture()
	f.users.users[memberID] = domain.User{ID: memberID, Mode: domain.ModeUser, Status: domain.StatusActive,
		APIIDEncrypted: "a", APIHashEncrypted: "b"}

	f.h.HandleUpdate(context.Background(), groupMessage(memberID, "/get_all"))

	if len(f.queue.tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(f.queue.tasks))
	}
	task := f.queue.tasks[0]
	if task.Command != domain.CommandGetAll || task.Priority != domain.PriorityScan || task.ChatID != groupID {
		t.Fatalf("unexpected task: %+v", task)
	}
	if !strings.Contains(f.sender.last(), "#1") {
		t.Fatalf("unexpected reply: %q", f.sender.last())
	}
}

func TestRepeatedCommandIsDeduplicated(t *testing.T) {
	f := newFixture()
	f.users.users[memberID] = domain.User{ID: memberID, Mode: domain.ModeUser, Status: domain.StatusActive,
		APIIDEncrypted: "a", APIHashEncrypted: "b"}

	f.h.HandleUpdate(context.Background(), groupMessage(memberID, "/scan"))
	f.h.HandleUpdate(context.Background(), groupMessage(memberID, "/scan"))

	if len(f.queue.tasks) != 1 {
		t.Fatalf("repeated command must be ignored, got %d tasks", len(f.queue.tasks))
	}
}

func TestRejectedCommandsDoNotRun(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		want  string
	}{
		{name: "blacklisted", setup: func(f *fixture) { f.gate.deny = security.ReasonBlacklisted }, want: "Доступ ограничен"},
		{name: "cooldown", setup: func(f *fixture) { f.gate.deny = security.ReasonCooldown }, want: "Слишком часто"},
		{name: "throughput", setup: func(f *fixture) { f.limiter.full = true }, want: "Слишком много запросов"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			tt.setup(f)
			f.h.HandleUpdate(context.Background(), groupMessage(memberID, "/scan"))
			if f.scanner.calls != 0 || len(f.gate.recorded) != 0 {
				t.Fatal("rejected command must not run or be recorded")
			}
			if !strings.Contains(f.sender.last(), tt.want) {
				t.Fatalf("reply %q does not contain %q", f.sender.last(), tt.want)
			}
		})
	}
}

func TestQueueFullReply(t *testing.T) {
	f := newFixture()
	f.users.users[memberID] = domain.User{ID: memberID, Mode: domain.ModeUser, APIIDEncrypted: "a", APIHashEncrypted: "b"}
	f.queue.err = domain.ErrQueueFull

	f.h.HandleUpdate(context.Background(), groupMessage(memberID, "/scan"))

	if !strings.Contains(f.sender.last(), "Очередь заполнена") {
		t.Fatalf("unexpected reply: %q", f.sender.last())
	}
}

func TestCredentialsInputWhilePending(t *testing.T) {
	f := newFixture()
	f.users.users[memberID] = domain.User{ID: memberID, Mode: domain.ModeUser, Status: domain.StatusPending}

	f.h.HandleUpdate(context.Background(), privateMessage(memberID, "1234567\n0123456789abcdef0123456789abcdef"))

	if len(f.onboarding.submitted) != 1 {
		t.Fatalf("credentials were not submitted: %v", f.onboarding.submitted)
	}

	f.users.users[memberID] = domain.User{ID: memberID, Mode: domain.ModeBot, Status: domain.StatusActive}
	f.h.HandleUpdate(context.Background(), privateMessage(memberID, "просто текст"))
	if len(f.onboarding.submitted) != 1 {
		t.Fatal("text from active user must not be treated as credentials")
	}
}

func TestAdminCommands(t *testing.T) {
	f := newFixture()

	f.h.HandleUpdate(context.Background(), privateMessage(memberID, "/cancel 7"))
	if len(f.queue.cancelled) != 0 || !strings.Contains(f.sender.last(), "только администраторам") {
		t.Fatalf("non-admin must be rejected: %q", f.sender.last())
	}

	f.h.HandleUpdate(context.Background(), privateMessage(adminID, "/cancel 7"))
	if len(f.queue.cancelled) != 1 || f.queue.cancelled[0] != 7 {
		t.Fatalf("cancel was not called: %v", f.queue.cancelled)
	}

	f.h.HandleUpdate(context.Background(), privateMessage(adminID, "/block 99 спам"))
	if !f.gate.blocked[99] {
		t.Fatal("user was not blacklisted")
	}

	f.h.HandleUpdate(context.Background(), privateMessage(adminID, "/mode turtle"))
	if f.limiter.mode != ratelimit.ModeTurtle {
		t.Fatalf("mode was not switched: %q", f.limiter.mode)
	}
}

func TestGroupMessagesAreTracked(t *testing.T) {
	f := newFixture()
	upd := groupMessage(memberID, "всем привет")
	upd.Message.ReplyToMessage = &tgbotapi.Message{MessageID: 15}

	f.h.HandleUpdate(context.Background(), upd)

	if len(f.activity.tracked) != 1 || f.activity.tracked[0] != memberID {
		t.Fatalf("message was not tracked: %v", f.activity.tracked)
	}
	if len(f.observer.topics) != 1 || f.observer.topics[0] != 15 {
		t.Fatalf("topic was not observed: %v", f.observer.topics)
	}
}

func TestNotifierTaskFinished(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, zerolog.Nop())

	n.TaskFinished(context.Background(), domain.Task{ID: 4, ChatID: groupID, Status: domain.TaskCompleted, Result: "<b>готово</b>"})
	if sender.last() != "<b>готово</b>" {
		t.Fatalf("result must be sent as is: %q", sender.last())
	}
	if sender.sent[len(sender.sent)-1].ParseMode != tgbotapi.ModeHTML {
		t.Fatal("messages must use HTML parse mode")
	}

	n.TaskFinished(context.Background(), domain.Task{ID: 5, ChatID: groupID, Status: domain.TaskCancelled})
	if !strings.Contains(sender.last(), "#5 отменена") {
		t.Fatalf("unexpected cancel text: %q", sender.last())
	}
}

func TestFailedTaskShowsOnlyCategory(t *testing.T) {
	const internal = "panic: runtime error: invalid memory address or nil pointer dereference at pgx.(*Conn).Query"
	tests := []struct {
		name string
		task domain.Task
		want string
	}{
		{
			name: "internal",
			task: domain.Task{ID: 3, Error: internal, Category: domain.CategoryInternal},
			want: "Внутренняя ошибка",
		},
		{
			name: "category missing",
			task: domain.Task{ID: 3, Error: internal},
			want: "Внутренняя ошибка",
		},
		{
			name: "blocked",
			task: domain.Task{ID: 3, Error: "scan: chat admin rights required", Category: domain.CategoryBlocked},
			want: "Доступ ограничен",
		},
		{
			name: "no session",
			task: domain.Task{ID: 3, Error: "no user session available: dial tcp 149.154.167.50:443", Category: domain.CategoryNoSession},
			want: "Нет активной сессии",
		},
		{
			name: "flood wait",
			task: domain.Task{ID: 3, Error: "flood wait 42 seconds", Category: domain.CategoryRateLimited, RetryAfter: 42 * time.Second},
			want: "подождать 42 с",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{}
			task := tt.task
			task.ChatID, task.Status = groupID, domain.TaskFailed
			NewNotifier(sender, zerolog.Nop()).TaskFinished(context.Background(), task)

			got := sender.last()
			if !strings.Contains(got, tt.want) || !strings.Contains(got, "#3") {
				t.Fatalf("reply %q does not contain %q", got, tt.want)
			}
			if strings.Contains(got, task.Error) || strings.Contains(got, "<code>") {
				t.Fatalf("error text leaked to chat: %q", got)
			}
		})
	}
}

func TestAuditTrail(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.h.HandleUpdate(ctx, groupMessage(memberID, "/scan"))
	f.h.HandleUpdate(ctx, privateMessage(adminID, "/block 99 спам"))
	f.h.HandleUpdate(ctx, privateMessage(adminID, "/unblock 99"))
	f.h.HandleUpdate(ctx, privateMessage(adminID, "/cancel 7"))
	f.h.HandleUpdate(ctx, privateMessage(memberID, "/block 5"))

	commands := f.analytics.of(domain.LogEventCommand)
	if len(commands) != 1 || commands[0].userID != memberID || commands[0].command != domain.CommandScan {
		t.Fatalf("admitted command not tracked: %+v", commands)
	}
	want := []auditEntry{
		{kind: domain.LogEventAdmin, userID: adminID, command: "block", target: 99},
		{kind: domain.LogEventAdmin, userID: adminID, command: "unblock", target: 99},
		{kind: domain.LogEventAdmin, userID: adminID, command: "cancel", target: 7},
	}
	admin := f.analytics.of(domain.LogEventAdmin)
	if len(admin) != len(want) {
		t.Fatalf("admin actions %+v, want %+v", admin, want)
	}
	for i := range want {
		if admin[i] != want[i] {
			t.Fatalf("admin action %d: %+v, want %+v", i, admin[i], want[i])
		}
	}
}

func TestRejectedCommandIsNotTracked(t *testing.T) {
	f := newFixture()
	f.gate.deny = security.ReasonCooldown
	f.h.HandleUpdate(context.Background(), groupMessage(memberID, "/scan"))
	if len(f.analytics.entries) != 0 {
		t.Fatalf("rejected command tracked: %+v", f.analytics.entries)
	}
}

func TestCommandFailuresAreTracked(t *testing.T) {
	t.Run("bot mode", func(t *testing.T) {
		f := newFixture()
		f.scanner.err = domain.ErrAdminRequired
		f.h.HandleUpdate(context.Background(), groupMessage(memberID, "/scan"))

		errs := f.analytics.of(domain.LogEventError)
		if len(errs) != 1 || errs[0].category != domain.CategoryBlocked || errs[0].command != domain.CommandScan {
			t.Fatalf("unexpected error entries %+v", errs)
		}
	})
	t.Run("enqueue", func(t *testing.T) {
		f := newFixture()
		f.users.users[memberID] = domain.User{ID: memberID, Mode: domain.ModeUser, APIIDEncrypted: "a", APIHashEncrypted: "b"}
		f.queue.err = domain.ErrQueueFull
		f.h.HandleUpdate(context.Background(), groupMessage(memberID, "/get_all"))

		errs := f.analytics.of(domain.LogEventError)
		if len(errs) != 1 || errs[0].category != domain.CategoryRateLimited {
			t.Fatalf("unexpected error entries %+v", errs)
		}
	})
}

func TestSecurityRejectionCountedOnce(t *testing.T) {
	f := newFixture()
	f.h.deps.Gate = security.NewGate(security.Config{}, domain.NewAccessList([]int64{adminID}, nil), []int64{memberID}, zerolog.Nop())
	counter := metrics.AdmissionRejectedTotal.WithLabelValues("security", string(security.ReasonBlacklisted))
	before := testutil.ToFloat64(counter)

	f.h.HandleUpdate(context.Background(), groupMessage(memberID, "/scan"))

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Fatalf("rejection counted %v times, want 1", got)
	}
	if f.scanner.calls != 0 {
		t.Fatal("blacklisted user must not scan")
	}
}

func TestEventsCommand(t *testing.T) {
	f := newFixture()
	at := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	f.gate.events = []security.Event{
		{UserID: 42, Type: "abuse_detected", Details: "51 requests <per> hour", Severity: security.SeverityCritical, At: at},
	}

	f.h.HandleUpdate(context.Background(), privateMessage(memberID, "/events"))
	if !strings.Contains(f.sender.last(), "только администраторам") {
		t.Fatalf("non-admin must be rejected: %q", f.sender.last())
	}

	f.h.HandleUpdate(context.Background(), privateMessage(adminID, "/events 5 42"))
	got := f.sender.last()
	if f.gate.limit != 5 || f.gate.eventsOf != 42 {
		t.Fatalf("events requested with limit %d user %d", f.gate.limit, f.gate.eventsOf)
	}
	if !strings.Contains(got, "abuse_detected") || !strings.Contains(got, "&lt;per&gt;") || !strings.Contains(got, "01.03 10:30") {
		t.Fatalf("unexpected events reply: %q", got)
	}

	f.h.HandleUpdate(context.Background(), privateMessage(adminID, "/events many"))
	if !strings.Contains(f.sender.last(), "Использование") {
		t.Fatalf("bad limit must show usage: %q", f.sender.last())
	}

	f.gate.events = nil
	f.h.HandleUpdate(context.Background(), privateMessage(adminID, "/events"))
	if f.gate.limit != 0 || !strings.Contains(f.sender.last(), "Событий безопасности нет") {
		t.Fatalf("unexpected empty reply %q with limit %d", f.sender.last(), f.gate.limit)
	}
}

func TestAnalyticsCommand(t *testing.T) {
	f := newFixture()
	f.analytics.summary = domain.LogSummary{
		Events:      12,
		UniqueUsers: 3,
		Commands:    map[string]int{"scan": 7, "get_all": 2},
		Errors:      map[string]int{"rate_limited": 1},
	}
	f.analytics.top = []domain.UserLogCount{{UserID: 42, Events: 9, Errors: 1}}

	f.h.HandleUpdate(context.Background(), privateMessage(adminID, "/analytics"))
	got := f.sender.last()
	for _, want := range []string{"Событий: 12", "Пользователей: 3", "scan 7, get_all 2", "rate_limited 1", "1. 42: 9 событий"} {
		if !strings.Contains(got, want) {
			t.Fatalf("reply %q does not contain %q", got, want)
		}
	}

	f.h.HandleUpdate(context.Background(), privateMessage(adminID, "/analytics 42"))
	if f.analytics.userOf != 42 || !strings.Contains(f.sender.last(), "Пользователь 42") {
		t.Fatalf("user analytics not shown: %q", f.sender.last())
	}
}

func TestSendMetricsDoNotLabelByChat(t *testing.T) {
	n := NewNotifier(&fakeSender{}, zerolog.Nop())
	sent := metrics.NetworkRequestTotal.WithLabelValues("telegram_bot", "send_message", "chat", "success")

	if err := n.Send(context.Background(), groupID, "первое"); err != nil {
		t.Fatalf("send: %v", err)
	}
	series := testutil.CollectAndCount(metrics.NetworkRequestTotal)
	before := testutil.ToFloat64(sent)

	for _, chatID := range []int64{-1001, -1002, 42} {
		if err := n.Send(context.Background(), chatID, "ещё"); err != nil {
			t.Fatalf("send to %d: %v", chatID, err)
		}
	}
	if got := testutil.CollectAndCount(metrics.NetworkRequestTotal); got != series {
		t.Fatalf("new chats must not create series: %d, want %d", got, series)
	}
	if got := testutil.ToFloat64(sent) - before; got != 3 {
		t.Fatalf("sent counter grew by %v, want 3", got)
	}
}
