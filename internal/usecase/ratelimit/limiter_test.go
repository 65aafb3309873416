package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-topics-bot/internal/domain"
)

type fakeClock struct{ t time.Time }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func rank(m Mode) int { return indexOf(m) }

func testConfig() Config {
	return Config{
		InitialMode:           "normal",
		AutoMode:              true,
		ParticipantThresholds: []int{200, 1000},
		ModeChangeCooldown:    5 * time.Minute,
		ErrorThreshold:        3,
		SuccessThreshold:      10,
	}
}

func TestOptimalModeIsMonotonicInParticipants(t *testing.T) {
	l := NewLimiter(testConfig(), zerolog.Nop())
	sizes := []int{0, 50, 200, 201, 500, 999, 1000, 1001, 5000, 100000}
	for _, complexity := range []domain.Complexity{domain.ComplexityLight, domain.ComplexityNormal, domain.ComplexityHeavy} {
		prev := l.OptimalMode(sizes[0], complexity)
		for _, size := range sizes[1:] {
			got := l.OptimalMode(size, complexity)
			if rank(got) > rank(prev) {
				t.Fatalf("%s: %d participants gave %s, faster than %s for fewer", complexity, size, got, prev)
			}
			prev = got
		}
	}
}

func TestOptimalModeValues(t *testing.T) {
	l := NewLimiter(testConfig(), zerolog.Nop())
	tests := []struct {
		participants int
		complexity   domain.Complexity
		want         Mode
	}{
		{participants: 50, complexity: domain.ComplexityNormal, want: ModeNormal},
		{participants: 50, complexity: domain.ComplexityLight, want: ModeBurst},
		{participants: 500, complexity: domain.ComplexityNormal, want: ModeLow},
		{participants: 500, complexity: domain.ComplexityHeavy, want: ModeTurtle},
		{participants: 5000, complexity: domain.ComplexityHeavy, want: ModeTurtle},
	}
	for _, tt := range tests {
		if got := l.OptimalMode(tt.participants, tt.complexity); got != tt.want {
			t.Fatalf("OptimalMode(%d, %s) = %s, want %s", tt.participants, tt.complexity, got, tt.want)
		}
	}
}

func TestAutoAdjustReportsChangeAndRespectsCooldown(t *testing.T) {
	clock := newClock()
	l := NewLimiter(testConfig(), zerolog.Nop()).WithClock(clock.now)
	var notified []Mode
	l.OnModeChange(func(m Mode, _ string) { notified = append(notified, m) })

	if l.AutoAdjust(50, domain.ComplexityNormal) {
		t.Fatal("mode already optimal, expected no change")
	}
	if !l.AutoAdjust(5000, domain.ComplexityHeavy) {
		t.Fatal("expected change to turtle")
	}
	if l.Mode() != ModeTurtle {
		t.Fatalf("mode %s, want turtle", l.Mode())
	}
	if l.AutoAdjust(50, domain.ComplexityNormal) {
		t.Fatal("change within cooldown must be refused")
	}
	clock.advance(6 * time.Minute)
	if !l.AutoAdjust(50, domain.ComplexityNormal) {
		t.Fatal("expected change after cooldown")
	}
	if len(notified) != 2 || notified[1] != ModeNormal {
		t.Fatalf("unexpected notifications %v", notified)
	}
}

func TestAutoAdjustDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.AutoMode = false
	l := NewLimiter(cfg, zerolog.Nop())
	if l.AutoAdjust(100000, domain.ComplexityHeavy) || l.Mode() != ModeNormal {
		t.Fatal("auto mode disabled, mode must not change")
	}
}

func TestCanAdmitCooldownAndHourLimit(t *testing.T) {
	clock := newClock()
	l := NewLimiter(testConfig(), zerolog.Nop()).WithClock(clock.now)
	if err := l.SetMode(ModeTurtle, "test"); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	preset := PresetOf(ModeTurtle)

	if !l.CanAdmit() {
		t.Fatal("empty limiter must admit")
	}
	l.Record()
	if l.CanAdmit() {
		t.Fatal("request within cooldown must be refused")
	}
	clock.advance(preset.Cooldown)
	if !l.CanAdmit() {
		t.Fatal("request after cooldown must be admitted")
	}

	for i := 1; i < preset.MaxPerHour; i++ {
		l.Record()
		clock.advance(preset.Cooldown / 2)
	}
	clock.advance(preset.Cooldown)
	if l.CanAdmit() {
		t.Fatalf("hour limit %d reached, must refuse", preset.MaxPerHour)
	}
	clock.advance(time.Hour)
	if !l.CanAdmit() {
		t.Fatal("window expired, must admit again")
	}
}

func TestSetModeUnknown(t *testing.T) {
	l := NewLimiter(testConfig(), zerolog.Nop())
	if err := l.SetMode("warp", "test"); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got %v", err)
	}
	if l.Mode() != ModeNormal {
		t.Fatal("mode must not change")
	}
}

func TestReportOutcomeDowngradesAndUpgrades(t *testing.T) {
	l := NewLimiter(testConfig(), zerolog.Nop())
	for i := 0; i < 3; i++ {
		l.ReportOutcome(false)
	}
	if l.Mode() != ModeLow {
		t.Fatalf("mode %s after errors, want low", l.Mode())
	}
	for i := 0; i < 10; i++ {
		l.ReportOutcome(true)
	}
	if l.Mode() != ModeNormal {
		t.Fatalf("mode %s after successes, want normal", l.Mode())
	}
}

func TestHistoryIsTrimmed(t *testing.T) {
	l := NewLimiter(testConfig(), zerolog.Nop())
	for i := 0; i < 101; i++ {
		mode := ModeLow
		if i%2 == 0 {
			mode = ModeBurst
		}
		_ = l.SetMode(mode, "flip")
	}
	l.mu.Lock()
	n := len(l.history)
	l.mu.Unlock()
	if n != historyKeep {
		t.Fatalf("history length %d, want %d", n, historyKeep)
	}
}

type stubSettings map[string]string

func (s stubSettings) GetSetting(_ context.Context, key string) (string, error) {
	v, ok := s[key]
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

func (s stubSettings) SetSetting(_ context.Context, key, value string) error {
	s[key] = value
	return nil
}

func TestRestore(t *testing.T) {
	l := NewLimiter(testConfig(), zerolog.Nop())
	if err := l.Restore(context.Background(), stubSettings{}); err != nil {
		t.Fatalf("Restore without setting: %v", err)
	}
	if err := l.Restore(context.Background(), stubSettings{SettingsKey: "burst"}); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if l.Mode() != ModeBurst {
		t.Fatalf("mode %s, want burst", l.Mode())
	}
}
