package activity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-topics-bot/internal/domain"
	"tg-topics-bot/internal/infra/metrics"
)

const topLimit = 10

type key struct {
	chatID int64
	userID int64
	date   time.Time
}

// Tracker считает сообщения участников по дням и пачками сохраняет их в ActivityRepo.
type Tracker struct {
	repo  domain.ActivityRepo
	limit int
	loc   *time.Location
	log   zerolog.Logger

	mu      sync.Mutex
	pending map[key]*domain.ActivityRecord
	flushMu sync.Mutex
}

// NewTracker создаёт счётчик. При limit буферизованных записей выполняется сброс.
func NewTracker(repo domain.ActivityRepo, limit int, loc *time.Location, logger zerolog.Logger) *Tracker {
	if limit <= 0 {
		limit = 10000
	}
	if loc == nil {
		loc = time.Local
	}
	return &Tracker{repo: repo, limit: limit, loc: loc, log: logger, pending: make(map[key]*domain.ActivityRecord)}
}

// Day возвращает календарный день в часовом поясе трекера.
func (t *Tracker) Day(at time.Time) time.Time {
	local := at.In(t.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// Track учитывает одно сообщение пользователя в чате.
func (t *Tracker) Track(ctx context.Context, chatID, userID int64, username, firstName string, at time.Time) {
	k := key{chatID: chatID, userID: userID, date: t.Day(at)}
	t.mu.Lock()
	rec, ok := t.pending[k]
	if !ok {
		rec = &domain.ActivityRecord{ChatID: chatID, UserID: userID, Date: k.date}
		t.pending[k] = rec
	}
	rec.MessageCount++
	rec.LastActivity = at
	if username != "" {
		rec.Username = username
	}
	if firstName != "" {
		rec.FirstName = firstName
	}
	full := len(t.pending) >= t.limit
	t.mu.Unlock()
	metrics.ActivityMessagesTotal.Inc()

	if full {
		if err := t.Flush(ctx); err != nil {
			t.log.Warn().Err(err).Msg("не удалось сохранить активность")
		}
	}
}

// Flush сохраняет накопленные счётчики. При ошибке записи они возвращаются в буфер.
func (t *Tracker) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return nil
	}
	batch := t.pending
	t.pending = make(map[key]*domain.ActivityRecord, len(batch))
	t.mu.Unlock()

	records := make([]domain.ActivityRecord, 0, len(batch))
	for _, rec := range batch {
		records = append(records, *rec)
	}
	if err := t.repo.AddActivity(ctx, records); err != nil {
		t.mu.Lock()
		for k, rec := range batch {
			if cur, ok := t.pending[k]; ok {
				cur.MessageCount += rec.MessageCount
				if rec.LastActivity.After(cur.LastActivity) {
					cur.LastActivity = rec.LastActivity
				}
				continue
			}
			t.pending[k] = rec
		}
		t.mu.Unlock()
		return err
	}
	t.log.Debug().Int("records", len(records)).Msg("активность сохранена")
	return nil
}

// ActiveUsers возвращает участников, писавших в чат в указанный день, с учётом несохранённых счётчиков.
func (t *Tracker) ActiveUsers(ctx context.Context, chatID int64, date time.Time) ([]domain.ActivityRecord, error) {
	day := t.Day(date)
	stored, err := t.repo.ListActivity(ctx, chatID, day)
	if err != nil {
		return nil, err
	}
	byUser := make(map[int64]domain.ActivityRecord, len(stored))
	for _, rec := range stored {
		byUser[rec.UserID] = rec
	}
	t.mu.Lock()
	for k, rec := range t.pending {
		if k.chatID != chatID || !k.date.Equal(day) {
			continue
		}
		cur, ok := byUser[k.userID]
		if !ok {
			byUser[k.userID] = *rec
			continue
		}
		cur.MessageCount += rec.MessageCount
		if rec.LastActivity.After(cur.LastActivity) {
			cur.LastActivity = rec.LastActivity
		}
		if rec.Username != "" {
			cur.Username = rec.Username
		}
		if rec.FirstName != "" {
			cur.FirstName = rec.FirstName
		}
		byUser[k.userID] = cur
	}
	t.mu.Unlock()

	out := make([]domain.ActivityRecord, 0, len(byUser))
	for _, rec := range byUser {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MessageCount != out[j].MessageCount {
			return out[i].MessageCount > out[j].MessageCount
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// Stats агрегирует активность чата за день.
func (t *Tracker) Stats(ctx context.Context, chatID int64, date time.Time) (domain.ActivityStats, error) {
	users, err := t.ActiveUsers(ctx, chatID, date)
	if err != nil {
		return domain.ActivityStats{}, err
	}
	stats := domain.ActivityStats{ChatID: chatID, Date: t.Day(date), ActiveUsers: len(users)}
	for _, rec := range users {
		stats.TotalMessages += rec.MessageCount
	}
	top := users
	if len(top) > topLimit {
		top = top[:topLimit]
	}
	stats.Top = top
	return stats, nil
}

// Purge удаляет сохранённую активность старше retention.
func (t *Tracker) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	return t.repo.PurgeActivity(ctx, t.Day(time.Now().Add(-retention)))
}
