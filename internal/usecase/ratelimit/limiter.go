package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-topics-bot/internal/domain"
	"tg-topics-bot/internal/infra/metrics"
)

// Mode: режим пропускной способности запросов к API.
type Mode string

// Режимы упорядочены от самого осторожного к самому быстрому.
const (
	ModeTurtle Mode = "turtle"
	ModeLow    Mode = "low"
	ModeNormal Mode = "normal"
	ModeBurst  Mode = "burst"
)

// Modes перечисляет режимы в порядке возрастания скорости.
var Modes = []Mode{ModeTurtle, ModeLow, ModeNormal, ModeBurst}

// Preset: лимиты режима.
type Preset struct {
	Name       string
	MaxPerHour int
	Cooldown   time.Duration
}

var presets = map[Mode]Preset{
	ModeTurtle: {Name: "Черепаха", MaxPerHour: 60, Cooldown: 30 * time.Second},
	ModeLow:    {Name: "Медленный", MaxPerHour: 180, Cooldown: 10 * time.Second},
	ModeNormal: {Name: "Обычный", MaxPerHour: 600, Cooldown: 3 * time.Second},
	ModeBurst:  {Name: "Быстрый", MaxPerHour: 1200, Cooldown: time.Second},
}

// ErrUnknownMode возвращается для неизвестного режима.
var ErrUnknownMode = errors.New("unknown throughput mode")

// ParseMode проверяет имя режима.
func ParseMode(raw string) (Mode, error) {
	mode := Mode(raw)
	if _, ok := presets[mode]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, raw)
	}
	return mode, nil
}

// PresetOf возвращает лимиты режима.
func PresetOf(mode Mode) Preset {
	return presets[mode]
}

func indexOf(mode Mode) int {
	for i, m := range Modes {
		if m == mode {
			return i
		}
	}
	return -1
}

// Config задаёт политику автоподстройки.
type Config struct {
	InitialMode string
	AutoMode    bool
	// ParticipantThresholds по возрастанию. Каждая превышенная граница сдвигает режим на ступень к turtle.
	ParticipantThresholds []int
	ModeChangeCooldown    time.Duration
	ErrorThreshold        int
	SuccessThreshold      int
}

// ModeChange: запись истории переключений.
type ModeChange struct {
	At     time.Time `json:"at"`
	From   Mode      `json:"from"`
	To     Mode      `json:"to"`
	Reason string    `json:"reason"`
	Auto   bool      `json:"auto"`
}

const (
	historyCap  = 100
	historyKeep = 50
	window      = time.Hour
)

// Limiter ограничивает общий поток запросов к Telegram API.
type Limiter struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time

	mu        sync.Mutex
	mode      Mode
	requests  []time.Time
	errors    int
	successes int
	lastError time.Time
	history   []ModeChange
	onChange  func(Mode, string)
}

// NewLimiter создаёт лимитер. Неизвестный начальный режим заменяется на normal.
func NewLimiter(cfg Config, logger zerolog.Logger) *Limiter {
	mode, err := ParseMode(cfg.InitialMode)
	if err != nil {
		mode = ModeNormal
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 3
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 10
	}
	l := &Limiter{cfg: cfg, log: logger, now: time.Now, mode: mode}
	metrics.SetThroughputMode(string(mode), modeNames())
	return l
}

// WithClock подменяет источник времени.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// OnModeChange регистрирует обработчик смены режима. Вызывается вне блокировки.
func (l *Limiter) OnModeChange(fn func(mode Mode, reason string)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// Mode возвращает текущий режим.
func (l *Limiter) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// CanAdmit проверяет общий cooldown и часовой лимит текущего режима. Не блокирует.
func (l *Limiter) CanAdmit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	preset := presets[l.mode]
	if n := len(l.requests); n > 0 && now.Sub(l.requests[n-1]) < preset.Cooldown {
		return false
	}
	l.prune(now)
	return len(l.requests) < preset.MaxPerHour
}

// Record добавляет запрос в часовое окно.
func (l *Limiter) Record() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.prune(now)
	l.requests = append(l.requests, now)
}

func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(l.requests) && !l.requests[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.requests = append([]time.Time(nil), l.requests[i:]...)
	}
}

// ReportOutcome учитывает результат обращения к API.
// Серия ошибок понижает режим, серия успехов без ошибок повышает.
func (l *Limiter) ReportOutcome(success bool) {
	l.mu.Lock()
	now := l.now()
	if success {
		l.successes++
		if l.errors > 0 {
			l.errors--
		}
	} else {
		l.errors++
		l.lastError = now
		l.successes = 0
	}
	if !l.cfg.AutoMode {
		l.mu.Unlock()
		return
	}
	idx := indexOf(l.mode)
	var (
		target Mode
		reason string
	)
	switch {
	case l.errors >= l.cfg.ErrorThreshold && now.Sub(l.lastError) < 5*time.Minute:
		if idx > 0 {
			target = Modes[idx-1]
			reason = fmt.Sprintf("auto_downgrade: %d errors", l.errors)
		}
		l.errors = 0
	case l.successes >= l.cfg.SuccessThreshold && l.errors == 0:
		if idx < len(Modes)-1 {
			target = Modes[idx+1]
			reason = fmt.Sprintf("auto_upgrade: %d successes", l.successes)
		}
		l.successes = 0
	}
	var fn func(Mode, string)
	if target != "" {
		fn = l.switchLocked(target, reason, true)
	}
	l.mu.Unlock()
	if fn != nil {
		fn(target, reason)
	}
}

// SetMode переключает режим вручную.
func (l *Limiter) SetMode(mode Mode, reason string) error {
	if _, ok := presets[mode]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	l.mu.Lock()
	fn := l.switchLocked(mode, reason, false)
	l.mu.Unlock()
	if fn != nil {
		fn(mode, reason)
	}
	return nil
}

func (l *Limiter) switchLocked(mode Mode, reason string, auto bool) func(Mode, string) {
	old := l.mode
	l.mode = mode
	l.history = append(l.history, ModeChange{At: l.now(), From: old, To: mode, Reason: reason, Auto: auto})
	if len(l.history) > historyCap {
		l.history = append([]ModeChange(nil), l.history[len(l.history)-historyKeep:]...)
	}
	metrics.SetThroughputMode(string(mode), modeNames())
	l.log.Info().Str("from", string(old)).Str("to", string(mode)).Str("reason", reason).Msg("режим лимитов изменён")
	return l.onChange
}

// OptimalMode выбирает режим по размеру группы и тяжести запроса.
// Для фиксированной тяжести режим не становится быстрее с ростом числа участников.
func (l *Limiter) OptimalMode(participants int, complexity domain.Complexity) Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.optimalLocked(participants, complexity)
}

func (l *Limiter) optimalLocked(participants int, complexity domain.Complexity) Mode {
	idx := indexOf(ModeNormal)
	for _, threshold := range l.cfg.ParticipantThresholds {
		if participants > threshold {
			idx--
		}
	}
	switch complexity {
	case domain.ComplexityHeavy:
		idx--
	case domain.ComplexityLight:
		idx++
	}
	switch {
	case l.errors >= 2:
		idx--
	case l.successes >= 20:
		idx++
	}
	if idx < 0 {
		idx = 0
	}
	if idx > len(Modes)-1 {
		idx = len(Modes) - 1
	}
	return Modes[idx]
}

// AutoAdjust переключает режим под группу. Возвращает true, если режим действительно изменился.
func (l *Limiter) AutoAdjust(participants int, complexity domain.Complexity) bool {
	l.mu.Lock()
	if !l.cfg.AutoMode {
		l.mu.Unlock()
		return false
	}
	target := l.optimalLocked(participants, complexity)
	if target == l.mode {
		l.mu.Unlock()
		return false
	}
	if n := len(l.history); n > 0 && l.now().Sub(l.history[n-1].At) < l.cfg.ModeChangeCooldown {
		l.mu.Unlock()
		return false
	}
	reason := fmt.Sprintf("auto_adjust: %d participants, %s", participants, complexity)
	fn := l.switchLocked(target, reason, true)
	l.mu.Unlock()
	if fn != nil {
		fn(target, reason)
	}
	return true
}

// SettingsKey: ключ сохранённого режима в настройках.
const SettingsKey = "limiter.mode"

// Restore восстанавливает сохранённый режим без записи в историю.
func (l *Limiter) Restore(ctx context.Context, settings domain.SettingsRepo) error {
	raw, err := settings.GetSetting(ctx, SettingsKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	mode, err := ParseMode(raw)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.mode = mode
	l.mu.Unlock()
	metrics.SetThroughputMode(string(mode), modeNames())
	return nil
}

// Status: снимок состояния лимитера.
type Status struct {
	Mode             Mode         `json:"mode"`
	ModeName         string       `json:"mode_name"`
	RequestsLastHour int          `json:"requests_last_hour"`
	MaxPerHour       int          `json:"max_requests_hour"`
	CooldownSeconds  int          `json:"cooldown_seconds"`
	Errors           int          `json:"error_count"`
	Successes        int          `json:"success_count"`
	AutoMode         bool         `json:"auto_mode"`
	RecentChanges    []ModeChange `json:"recent_changes"`
}

// Status возвращает состояние лимитера.
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	preset := presets[l.mode]
	recent := l.history
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	return Status{
		Mode:             l.mode,
		ModeName:         preset.Name,
		RequestsLastHour: len(l.requests),
		MaxPerHour:       preset.MaxPerHour,
		CooldownSeconds:  int(preset.Cooldown.Seconds()),
		Errors:           l.errors,
		Successes:        l.successes,
		AutoMode:         l.cfg.AutoMode,
		RecentChanges:    append([]ModeChange(nil), recent...),
	}
}

func modeNames() []string {
	names := make([]string, len(Modes))
	for i, m := range Modes {
		names[i] = string(m)
	}
	return names
}
