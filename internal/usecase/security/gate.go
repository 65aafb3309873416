package security

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-topics-bot/internal/domain"
	"tg-topics-bot/internal/infra/metrics"
)

// Reason: причина отказа в допуске.
type Reason string

const (
	ReasonAllowed     Reason = ""
	ReasonMaintenance Reason = "maintenance"
	ReasonBlacklisted Reason = "blacklisted"
	ReasonSuspended   Reason = "suspended"
	ReasonWhitelist   Reason = "whitelist"
	ReasonGlobalLimit Reason = "global_limit"
	ReasonDailyLimit  Reason = "daily_limit"
	ReasonCooldown    Reason = "cooldown"
)

// Category сводит причину к видимой пользователю категории.
func (r Reason) Category() domain.Category {
	switch r {
	case ReasonAllowed:
		return ""
	case ReasonBlacklisted, ReasonWhitelist, ReasonMaintenance:
		return domain.CategoryBlocked
	default:
		return domain.CategoryRateLimited
	}
}

// Severity: уровень события безопасности.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event: событие безопасности.
type Event struct {
	ID       string    `json:"id"`
	UserID   int64     `json:"user_id"`
	Type     string    `json:"type"`
	Details  string    `json:"details"`
	Severity Severity  `json:"severity"`
	At       time.Time `json:"at"`
}

// Config задаёт лимиты и режимы доступа.
type Config struct {
	DevelopmentMode    bool
	WhitelistOnly      bool
	MaxDailyRequests   int
	MaxNewUsersPerHour int
	UserDailyLimit     int
	Cooldown           time.Duration
	AbuseThreshold     int
	SuspensionDuration time.Duration
	MaxEvents          int
	HistoryRetention   time.Duration
	EventRetention     time.Duration
	Location           *time.Location
}

func (c *Config) setDefaults() {
	if c.MaxEvents <= 0 {
		c.MaxEvents = 1000
	}
	if c.SuspensionDuration <= 0 {
		c.SuspensionDuration = time.Hour
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = 7 * 24 * time.Hour
	}
	if c.EventRetention <= 0 {
		c.EventRetention = 30 * 24 * time.Hour
	}
	if c.Location == nil {
		c.Location = time.Local
	}
}

const requestWindow = 24 * time.Hour

type userRecord struct {
	requests  []time.Time
	last      time.Time
	firstSeen time.Time
}

// Counters: накопительные счётчики проверок.
type Counters struct {
	Total       int `json:"total_requests"`
	Blocked     int `json:"blocked_requests"`
	RateLimited int `json:"rate_limited_requests"`
	Violations  int `json:"security_violations"`
}

// Gate проверяет каждого пользователя перед выполнением команды.
type Gate struct {
	cfg    Config
	access domain.AccessList
	log    zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	records     map[int64]*userRecord
	blacklist   map[int64]struct{}
	suspensions map[int64]time.Time
	events      []Event
	stats       Counters
	day         time.Time
	dayCount    int
}

// NewGate создаёт проверку доступа.
func NewGate(cfg Config, access domain.AccessList, blacklist []int64, logger zerolog.Logger) *Gate {
	cfg.setDefaults()
	g := &Gate{
		cfg:         cfg,
		access:      access,
		log:         logger,
		now:         time.Now,
		records:     make(map[int64]*userRecord),
		blacklist:   make(map[int64]struct{}, len(blacklist)),
		suspensions: make(map[int64]time.Time),
	}
	for _, id := range blacklist {
		g.blacklist[id] = struct{}{}
	}
	return g
}

// WithClock подменяет источник времени.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

func (g *Gate) dayStart(t time.Time) time.Time {
	local := t.In(g.cfg.Location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, g.cfg.Location)
}

// Admit проверяет доступ. Проверки идут строго по порядку, первая неудачная определяет причину.
func (g *Gate) Admit(userID int64) (bool, Reason) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	trusted := g.access.IsTrusted(userID)
	g.stats.Total++

	reason := g.checkLocked(userID, trusted, now)
	switch reason {
	case ReasonAllowed:
		return true, ReasonAllowed
	case ReasonBlacklisted:
		g.stats.Blocked++
	case ReasonMaintenance, ReasonWhitelist:
	default:
		g.stats.RateLimited++
	}
	metrics.IncAdmissionRejected("security", string(reason))
	return false, reason
}

func (g *Gate) checkLocked(userID int64, trusted bool, now time.Time) Reason {
	if g.cfg.DevelopmentMode && !trusted {
		g.eventLocked(userID, "dev_mode_block", "bot is in development mode", SeverityInfo)
		return ReasonMaintenance
	}
	if _, ok := g.blacklist[userID]; ok {
		g.eventLocked(userID, "blacklist_hit", "user is blacklisted", SeverityWarning)
		return ReasonBlacklisted
	}
	if until, ok := g.suspensions[userID]; ok {
		if now.Before(until) {
			return ReasonSuspended
		}
		delete(g.suspensions, userID)
	}
	if g.cfg.WhitelistOnly && !trusted {
		g.eventLocked(userID, "whitelist_mode_block", "user is not whitelisted", SeverityInfo)
		return ReasonWhitelist
	}
	if !g.globalOKLocked(userID, now) {
		return ReasonGlobalLimit
	}
	if trusted {
		return ReasonAllowed
	}
	rec := g.records[userID]
	if g.cfg.UserDailyLimit > 0 && rec != nil && countSince(rec.requests, g.dayStart(now)) >= g.cfg.UserDailyLimit {
		return ReasonDailyLimit
	}
	if rec != nil && !rec.last.IsZero() && now.Sub(rec.last) < g.cfg.Cooldown {
		return ReasonCooldown
	}
	return ReasonAllowed
}

func (g *Gate) globalOKLocked(userID int64, now time.Time) bool {
	if g.cfg.MaxDailyRequests > 0 && g.todayCountLocked(now) >= g.cfg.MaxDailyRequests {
		g.eventLocked(0, "global_daily_limit", "daily request ceiling reached", SeverityWarning)
		return false
	}
	if _, known := g.records[userID]; known || g.cfg.MaxNewUsersPerHour <= 0 {
		return true
	}
	hourAgo := now.Add(-time.Hour)
	newUsers := 0
	for _, rec := range g.records {
		if rec.firstSeen.After(hourAgo) {
			newUsers++
		}
	}
	if newUsers >= g.cfg.MaxNewUsersPerHour {
		g.eventLocked(userID, "new_users_limit", "too many new users in the last hour", SeverityWarning)
		return false
	}
	return true
}

func (g *Gate) todayCountLocked(now time.Time) int {
	if !g.dayStart(now).Equal(g.day) {
		return 0
	}
	return g.dayCount
}

func countSince(times []time.Time, since time.Time) int {
	n := 0
	for i := len(times) - 1; i >= 0; i-- {
		if times[i].Before(since) {
			break
		}
		n++
	}
	return n
}

// Record учитывает выполненный запрос. Превышение порога злоупотреблений
// приводит к временной блокировке недоверенного пользователя.
func (g *Gate) Record(userID int64, command, chatType string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()

	rec, ok := g.records[userID]
	if !ok {
		rec = &userRecord{firstSeen: now}
		g.records[userID] = rec
	}
	rec.requests = append(pruneBefore(rec.requests, now.Add(-requestWindow)), now)
	rec.last = now

	if day := g.dayStart(now); !day.Equal(g.day) {
		g.day = day
		g.dayCount = 0
	}
	g.dayCount++

	lastHour := countSince(rec.requests, now.Add(-time.Hour))
	if g.cfg.AbuseThreshold > 0 && lastHour > g.cfg.AbuseThreshold && !g.access.IsTrusted(userID) {
		if _, already := g.suspensions[userID]; !already {
			g.suspensions[userID] = now.Add(g.cfg.SuspensionDuration)
			g.eventLocked(userID, "suspicious_activity", command+": too many requests in the last hour", SeverityCritical)
		}
	}
	g.log.Debug().Int64("user_id", userID).Str("command", command).Str("chat_type", chatType).Msg("запрос учтён")
}

// pruneBefore возвращает новый срез без отметок старше cutoff.
func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append([]time.Time(nil), times[i:]...)
}

func (g *Gate) eventLocked(userID int64, kind, details string, severity Severity) {
	g.events = append(g.events, Event{
		ID:       uuid.NewString(),
		UserID:   userID,
		Type:     kind,
		Details:  details,
		Severity: severity,
		At:       g.now(),
	})
	if len(g.events) > g.cfg.MaxEvents {
		g.events = append([]Event(nil), g.events[len(g.events)-g.cfg.MaxEvents/2:]...)
	}
	metrics.SecurityEventsTotal.WithLabelValues(string(severity)).Inc()
	switch severity {
	case SeverityCritical:
		g.stats.Violations++
		g.log.Error().Int64("user_id", userID).Str("event", kind).Msg(details)
	case SeverityWarning:
		g.log.Warn().Int64("user_id", userID).Str("event", kind).Msg(details)
	default:
		g.log.Debug().Int64("user_id", userID).Str("event", kind).Msg(details)
	}
}

// AddBlacklist блокирует пользователя.
func (g *Gate) AddBlacklist(userID int64, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blacklist[userID] = struct{}{}
	g.eventLocked(userID, "manual_blacklist", reason, SeverityWarning)
}

// RemoveBlacklist снимает блокировку. false, если пользователь не был заблокирован.
func (g *Gate) RemoveBlacklist(userID int64, reason string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.blacklist[userID]; !ok {
		return false
	}
	delete(g.blacklist, userID)
	g.eventLocked(userID, "manual_unblock", reason, SeverityInfo)
	return true
}

// Cleanup удаляет старую историю, истёкшие блокировки и события.
// Возвращает число удалённых элементов. Повторный вызов ничего не удаляет.
func (g *Gate) Cleanup() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	purged := 0

	windowStart := now.Add(-requestWindow)
	for userID, rec := range g.records {
		kept := pruneBefore(rec.requests, windowStart)
		purged += len(rec.requests) - len(kept)
		rec.requests = kept
		if len(kept) == 0 && now.Sub(rec.last) > g.cfg.HistoryRetention {
			delete(g.records, userID)
			purged++
		}
	}
	for userID, until := range g.suspensions {
		if !now.Before(until) {
			delete(g.suspensions, userID)
			purged++
		}
	}
	cutoff := now.Add(-g.cfg.EventRetention)
	kept := make([]Event, 0, len(g.events))
	for _, ev := range g.events {
		if !ev.At.Before(cutoff) {
			kept = append(kept, ev)
		}
	}
	purged += len(g.events) - len(kept)
	g.events = kept

	if purged > 0 {
		g.log.Info().Int("purged", purged).Msg("очищены старые записи безопасности")
	}
	return purged
}

// UserLimits: лимиты пользователя для ответа /limits.
type UserLimits struct {
	UserID            int64         `json:"user_id"`
	RequestsToday     int           `json:"requests_today"`
	DailyLimit        int           `json:"daily_limit"`
	Unlimited         bool          `json:"unlimited"`
	Trusted           bool          `json:"trusted"`
	LastRequest       time.Time     `json:"last_request"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
	Blacklisted       bool          `json:"blacklisted"`
	SuspendedUntil    time.Time     `json:"suspended_until"`
}

// UserLimits возвращает текущие лимиты пользователя.
func (g *Gate) UserLimits(userID int64) UserLimits {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	trusted := g.access.IsTrusted(userID)
	info := UserLimits{UserID: userID, DailyLimit: g.cfg.UserDailyLimit, Unlimited: trusted, Trusted: trusted}
	if rec, ok := g.records[userID]; ok {
		info.RequestsToday = countSince(rec.requests, g.dayStart(now))
		info.LastRequest = rec.last
		if !trusted {
			if remaining := g.cfg.Cooldown - now.Sub(rec.last); remaining > 0 {
				info.CooldownRemaining = remaining
			}
		}
	}
	_, info.Blacklisted = g.blacklist[userID]
	if until, ok := g.suspensions[userID]; ok && now.Before(until) {
		info.SuspendedUntil = until
	}
	return info
}

const (
	defaultRecentEvents = 20
	maxRecentEvents     = 100
)

// RecentEvents возвращает последние события, новые в конце. userID = 0: по всем пользователям.
// limit вне [1, 100] заменяется на 20.
func (g *Gate) RecentEvents(limit int, userID int64) []Event {
	if limit <= 0 || limit > maxRecentEvents {
		limit = defaultRecentEvents
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Event, 0, limit)
	for i := len(g.events) - 1; i >= 0 && len(out) < limit; i-- {
		if userID == 0 || g.events[i].UserID == userID {
			out = append(out, g.events[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// Status: снимок состояния проверки доступа.
type Status struct {
	Stats             Counters `json:"stats"`
	RequestsToday     int      `json:"requests_today"`
	ActiveSuspensions int      `json:"active_suspensions"`
	Blacklisted       int      `json:"blacklisted_users"`
	TrustedUsers      int      `json:"trusted_users"`
	TrackedUsers      int      `json:"tracked_users"`
	Events            int      `json:"events"`
	DevelopmentMode   bool     `json:"development_mode"`
	WhitelistOnly     bool     `json:"whitelist_only_mode"`
}

// Status возвращает состояние проверки доступа.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	active := 0
	for _, until := range g.suspensions {
		if now.Before(until) {
			active++
		}
	}
	return Status{
		Stats:             g.stats,
		RequestsToday:     g.todayCountLocked(now),
		ActiveSuspensions: active,
		Blacklisted:       len(g.blacklist),
		TrustedUsers:      len(g.access.Trusted()),
		TrackedUsers:      len(g.records),
		Events:            len(g.events),
		DevelopmentMode:   g.cfg.DevelopmentMode,
		WhitelistOnly:     g.cfg.WhitelistOnly,
	}
}
