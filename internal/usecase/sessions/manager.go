package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-topics-bot/internal/domain"
	"tg-topics-bot/internal/infra/metrics"
)

// Reason объясняет, почему сессия не была выдана.
type Reason string

const (
	ReasonOK            Reason = ""
	ReasonNoSlot        Reason = "no_slot"
	ReasonNoCredentials Reason = "no_credentials"
	ReasonCrypto        Reason = "crypto"
	ReasonConnect       Reason = "connect_failed"
	ReasonUnauthorized  Reason = "unauthorized"
	ReasonStorage       Reason = "storage"
	ReasonCancelled     Reason = "cancelled"
	ReasonShutdown      Reason = "shutdown"
)

// CredentialOpener расшифровывает API данные пользователя.
type CredentialOpener interface {
	Open(user domain.User) (domain.Credentials, error)
}

// Config задаёт лимиты и таймауты менеджера.
type Config struct {
	MaxConcurrent       int
	ConnectTimeout      time.Duration
	DisconnectTimeout   time.Duration
	ProbeTimeout        time.Duration
	CloseAllTimeout     time.Duration
	HealthCheckTimeout  time.Duration
	InactivityRetention time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = 10 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.CloseAllTimeout <= 0 {
		c.CloseAllTimeout = 30 * time.Second
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = 30 * time.Second
	}
	if c.InactivityRetention <= 0 {
		c.InactivityRetention = 30 * 24 * time.Hour
	}
}

type entry struct {
	client    domain.ChatClient
	createdAt time.Time
	lastUsed  time.Time
}

// userLock сериализует создание сессии одного пользователя.
// Запись живёт в карте, пока на неё есть хотя бы одна ссылка.
type userLock struct {
	ch   chan struct{}
	refs int
}

// Manager владеет живыми MTProto-клиентами пользователей.
// Одновременно активно не больше MaxConcurrent сессий и не больше одной на пользователя.
type Manager struct {
	users   domain.UserRepo
	opener  CredentialOpener
	factory domain.ClientFactory
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	active   map[int64]*entry
	reserved int
	locks    map[int64]*userLock
	closing  bool
}

// NewManager создаёт менеджер сессий.
func NewManager(users domain.UserRepo, opener CredentialOpener, factory domain.ClientFactory, cfg Config, logger zerolog.Logger) *Manager {
	cfg.setDefaults()
	return &Manager{
		users:   users,
		opener:  opener,
		factory: factory,
		cfg:     cfg,
		log:     logger,
		now:     time.Now,
		active:  make(map[int64]*entry),
		locks:   make(map[int64]*userLock),
	}
}

// WithClock подменяет источник времени.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// GetOrCreate возвращает живую сессию пользователя или создаёт новую.
// Никогда не возвращает ошибку: при неудаче клиент равен nil, а Reason объясняет причину.
func (m *Manager) GetOrCreate(ctx context.Context, userID int64) (domain.ChatClient, Reason) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil, ReasonShutdown
	}
	_, exists := m.active[userID]
	full := len(m.active)+m.reserved >= m.cfg.MaxConcurrent
	m.mu.Unlock()
	if !exists && full {
		metrics.SessionCreateTotal.WithLabelValues(string(ReasonNoSlot)).Inc()
		return nil, ReasonNoSlot
	}

	unlock, ok := m.lockUser(ctx, userID)
	if !ok {
		return nil, ReasonCancelled
	}
	defer unlock()

	if client := m.reuse(ctx, userID); client != nil {
		return client, ReasonOK
	}

	if !m.reserve() {
		metrics.SessionCreateTotal.WithLabelValues(string(ReasonNoSlot)).Inc()
		return nil, ReasonNoSlot
	}
	client, reason := m.create(ctx, userID)

	m.mu.Lock()
	m.reserved--
	if client != nil && m.closing {
		m.mu.Unlock()
		m.disconnect(client, userID)
		return nil, ReasonShutdown
	}
	if client != nil {
		now := m.now()
		m.active[userID] = &entry{client: client, createdAt: now, lastUsed: now}
	}
	count := len(m.active)
	m.mu.Unlock()

	if client == nil {
		metrics.SessionCreateTotal.WithLabelValues(string(reason)).Inc()
		return nil, reason
	}
	metrics.SessionCreateTotal.WithLabelValues("success").Inc()
	metrics.SessionsActive.Set(float64(count))
	if err := m.users.SetUserStatus(ctx, userID, domain.StatusActive); err != nil {
		m.log.Warn().Err(err).Int64("user_id", userID).Msg("не удалось обновить статус пользователя")
	}
	m.touch(ctx, userID)
	m.log.Info().Int64("user_id", userID).Int("active", count).Msg("сессия создана")
	return client, ReasonOK
}

// lockUser ждёт эксклюзивный доступ к сессии пользователя.
// Карта блокировок содержит только пользователей с незавершённым GetOrCreate.
func (m *Manager) lockUser(ctx context.Context, userID int64) (func(), bool) {
	m.mu.Lock()
	l, ok := m.locks[userID]
	if !ok {
		l = &userLock{ch: make(chan struct{}, 1)}
		m.locks[userID] = l
	}
	l.refs++
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, userID)
		}
		m.mu.Unlock()
	}
	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		release()
		return nil, false
	}
	return func() {
		<-l.ch
		release()
	}, true
}

func (m *Manager) reserve() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing || len(m.active)+m.reserved >= m.cfg.MaxConcurrent {
		return false
	}
	m.reserved++
	return true
}

// reuse возвращает существующую сессию, если она проходит проверку. Мёртвая сессия закрывается.
func (m *Manager) reuse(ctx context.Context, userID int64) domain.ChatClient {
	m.mu.Lock()
	e, ok := m.active[userID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := m.probe(ctx, e.client); err != nil {
		m.log.Warn().Err(err).Int64("user_id", userID).Msg("сессия не отвечает, пересоздаём")
		m.closeIfSame(userID, e.client, "unhealthy")
		return nil
	}
	m.mu.Lock()
	e.lastUsed = m.now()
	m.mu.Unlock()
	m.touch(ctx, userID)
	return e.client
}

func (m *Manager) create(ctx context.Context, userID int64) (domain.ChatClient, Reason) {
	user, err := m.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ReasonNoCredentials
		}
		m.log.Error().Err(err).Int64("user_id", userID).Msg("не удалось загрузить пользователя")
		return nil, ReasonStorage
	}
	if user.Mode != domain.ModeUser || !user.HasCredentials() {
		return nil, ReasonNoCredentials
	}
	creds, err := m.opener.Open(user)
	if err != nil {
		m.log.Error().Err(err).Int64("user_id", userID).Msg("не удалось расшифровать API данные")
		m.markError(userID)
		return nil, ReasonCrypto
	}
	ref := user.SessionRef
	if ref == "" {
		ref = domain.SessionRefFor(userID)
	}
	client, err := m.factory.NewClient(userID, creds, ref)
	if err != nil {
		m.log.Error().Err(err).Int64("user_id", userID).Msg("не удалось создать клиента")
		m.markError(userID)
		return nil, ReasonConnect
	}

	connCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	if err := client.Connect(connCtx); err != nil {
		m.log.Warn().Err(err).Int64("user_id", userID).Msg("подключение не удалось")
		m.disconnect(client, userID)
		m.markError(userID)
		return nil, ReasonConnect
	}
	authorized, err := client.IsAuthorized(connCtx)
	if err != nil || !authorized {
		m.log.Warn().Err(err).Int64("user_id", userID).Msg("сессия не авторизована")
		m.disconnect(client, userID)
		m.markError(userID)
		return nil, ReasonUnauthorized
	}
	return client, ReasonOK
}

func (m *Manager) probe(ctx context.Context, client domain.ChatClient) error {
	if !client.IsConnected() {
		return errors.New("client is not connected")
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	_, err := client.Self(probeCtx)
	return err
}

func (m *Manager) disconnect(client domain.ChatClient, userID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DisconnectTimeout)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		m.log.Warn().Err(err).Int64("user_id", userID).Msg("отключение завершилось ошибкой")
	}
}

func (m *Manager) markError(userID int64) {
	m.setStatus(userID, domain.StatusError)
}

func (m *Manager) setStatus(userID int64, status domain.UserStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.users.SetUserStatus(ctx, userID, status); err != nil {
		m.log.Warn().Err(err).Int64("user_id", userID).Str("status", string(status)).Msg("не удалось обновить статус пользователя")
	}
}

func (m *Manager) touch(ctx context.Context, userID int64) {
	if err := m.users.TouchUser(ctx, userID, m.now()); err != nil {
		m.log.Debug().Err(err).Int64("user_id", userID).Msg("не удалось обновить last_active")
	}
}

// Close отключает сессию пользователя. Запись удаляется всегда, даже если отключение не удалось.
func (m *Manager) Close(_ context.Context, userID int64) {
	m.closeMatching(userID, nil, "closed")
}

// closeIfSame закрывает сессию, только если в таблице всё ещё лежит client.
// Сессию, пересозданную после снимка, не трогает.
func (m *Manager) closeIfSame(userID int64, client domain.ChatClient, reason string) bool {
	return m.closeMatching(userID, client, reason)
}

// closeMatching удаляет запись и отключает клиента. nil client закрывает любую сессию пользователя.
func (m *Manager) closeMatching(userID int64, client domain.ChatClient, reason string) bool {
	m.mu.Lock()
	e, ok := m.active[userID]
	if !ok || (client != nil && e.client != client) {
		m.mu.Unlock()
		return false
	}
	delete(m.active, userID)
	count := len(m.active)
	m.mu.Unlock()
	metrics.SessionsActive.Set(float64(count))
	metrics.SessionsClosedTotal.WithLabelValues(reason).Inc()
	m.disconnect(e.client, userID)
	return true
}

func (m *Manager) clients() map[int64]domain.ChatClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make(map[int64]domain.ChatClient, len(m.active))
	for userID, e := range m.active {
		snapshot[userID] = e.client
	}
	return snapshot
}

func (m *Manager) hasSession(userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[userID]
	return ok
}

// CloseAll параллельно закрывает все сессии в пределах общего таймаута.
// После вызова таблица сессий пуста, новые сессии не создаются.
func (m *Manager) CloseAll(ctx context.Context) int {
	m.mu.Lock()
	m.closing = true
	snapshot := m.active
	m.active = make(map[int64]*entry)
	m.mu.Unlock()
	metrics.SessionsActive.Set(0)
	if len(snapshot) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	for userID, e := range snapshot {
		wg.Add(1)
		go func(userID int64, client domain.ChatClient) {
			defer wg.Done()
			m.disconnect(client, userID)
		}(userID, e.client)
	}
	metrics.SessionsClosedTotal.WithLabelValues("shutdown").Add(float64(len(snapshot)))

	if !waitTimeout(ctx, &wg, m.cfg.CloseAllTimeout) {
		m.log.Warn().Int("sessions", len(snapshot)).Msg("закрытие сессий не уложилось в таймаут")
	}
	m.log.Info().Int("sessions", len(snapshot)).Msg("все сессии закрыты")
	return len(snapshot)
}

// HealthReport: итог проверки сессий.
type HealthReport struct {
	Total     int              `json:"total"`
	Healthy   int              `json:"healthy"`
	Unhealthy int              `json:"unhealthy"`
	Statuses  map[int64]string `json:"statuses"`
}

// HealthCheckAll параллельно проверяет все сессии. Не прошедшие проверку закрываются.
func (m *Manager) HealthCheckAll(ctx context.Context) HealthReport {
	snapshot := m.clients()

	report := HealthReport{Total: len(snapshot), Statuses: make(map[int64]string, len(snapshot))}
	if len(snapshot) == 0 {
		return report
	}

	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.HealthCheckTimeout)
	defer cancel()

	var (
		wg      sync.WaitGroup
		resMu   sync.Mutex
		results = make(map[int64]error, len(snapshot))
	)
	for userID, client := range snapshot {
		wg.Add(1)
		go func(userID int64, client domain.ChatClient) {
			defer wg.Done()
			err := m.probe(checkCtx, client)
			resMu.Lock()
			results[userID] = err
			resMu.Unlock()
		}(userID, client)
	}
	waitTimeout(checkCtx, &wg, m.cfg.HealthCheckTimeout)

	resMu.Lock()
	for userID := range snapshot {
		err, done := results[userID]
		switch {
		case !done:
			err = context.DeadlineExceeded
		case err == nil:
			report.Healthy++
			report.Statuses[userID] = "healthy"
			continue
		}
		report.Unhealthy++
		report.Statuses[userID] = "unhealthy: " + err.Error()
	}
	resMu.Unlock()

	for userID, status := range report.Statuses {
		if status == "healthy" {
			continue
		}
		if m.closeIfSame(userID, snapshot[userID], "unhealthy") {
			m.markError(userID)
		}
	}
	if report.Unhealthy > 0 {
		m.log.Warn().Int("total", report.Total).Int("unhealthy", report.Unhealthy).Msg("проверка сессий")
	}
	return report
}

// ReapExpired закрывает сессии пользователей, неактивных дольше InactivityRetention.
// Сессии, созданные во время выборки из БД, остаются открытыми.
func (m *Manager) ReapExpired(ctx context.Context) (int, error) {
	snapshot := m.clients()
	before := m.now().Add(-m.cfg.InactivityRetention)
	users, err := m.users.ListInactiveUsers(ctx, before)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, user := range users {
		if client, ok := snapshot[user.ID]; ok {
			m.closeIfSame(user.ID, client, "expired")
		}
		if m.hasSession(user.ID) {
			continue
		}
		if err := m.users.SetUserStatus(ctx, user.ID, domain.StatusExpired); err != nil {
			m.log.Warn().Err(err).Int64("user_id", user.ID).Msg("не удалось пометить сессию истёкшей")
		}
		reaped++
	}
	if reaped > 0 {
		m.log.Info().Int("count", reaped).Msg("истёкшие сессии закрыты")
	}
	return reaped, nil
}

// SessionInfo описывает живую сессию пользователя.
type SessionInfo struct {
	Connected bool
	Self      domain.Self
	CreatedAt time.Time
	LastUsed  time.Time
	Error     string
}

// Info возвращает сведения о сессии. false, если сессии нет.
func (m *Manager) Info(ctx context.Context, userID int64) (SessionInfo, bool) {
	m.mu.Lock()
	e, ok := m.active[userID]
	var info SessionInfo
	if ok {
		info = SessionInfo{CreatedAt: e.createdAt, LastUsed: e.lastUsed}
	}
	m.mu.Unlock()
	if !ok {
		return SessionInfo{}, false
	}
	info.Connected = e.client.IsConnected()
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	self, err := e.client.Self(probeCtx)
	if err != nil {
		info.Error = err.Error()
	} else {
		info.Self = self
	}
	return info, true
}

// Stats: снимок пула сессий.
type Stats struct {
	Active int     `json:"active"`
	Max    int     `json:"max"`
	Users  []int64 `json:"users"`
}

// Stats возвращает количество активных сессий.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]int64, 0, len(m.active))
	for userID := range m.active {
		users = append(users, userID)
	}
	return Stats{Active: len(m.active), Max: m.cfg.MaxConcurrent, Users: users}
}

// waitTimeout ждёт группу не дольше timeout. Возвращает false, если время вышло.
func waitTimeout(ctx context.Context, wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
