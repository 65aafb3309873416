package domain

import (
	"context"
	"time"
)

// UserRepo управляет пользователями.
type UserRepo interface {
	GetUser(ctx context.Context, userID int64) (User, error)
	// UpsertUser создаёт пользователя при первом обращении или обновляет профиль и last_active.
	UpsertUser(ctx context.Context, userID int64, username, firstName string) (User, error)
	SetUserMode(ctx context.Context, userID int64, mode UserMode, status UserStatus) error
	SetUserStatus(ctx context.Context, userID int64, status UserStatus) error
	SaveCredentials(ctx context.Context, userID int64, apiIDEnc, apiHashEnc, sessionRef string) error
	ClearCredentials(ctx context.Context, userID int64) error
	TouchUser(ctx context.Context, userID int64, at time.Time) error
	// ListInactiveUsers возвращает пользователей режима user с активной сессией, неактивных с before.
	ListInactiveUsers(ctx context.Context, before time.Time) ([]User, error)
}

// SessionStore хранит сериализованные MTProto-сессии.
type SessionStore interface {
	LoadMTProtoSession(ctx context.Context, name string) ([]byte, error)
	StoreMTProtoSession(ctx context.Context, name string, data []byte) error
	DeleteMTProtoSession(ctx context.Context, name string) error
}

// TaskRepo: долговременное хранилище очереди задач.
type TaskRepo interface {
	// CreateTask атомарно проверяет лимиты и вставляет задачу в статусе pending.
	CreateTask(ctx context.Context, task Task, limits TaskLimits) (Task, error)
	// ClaimNextTask переводит самую срочную pending-задачу в processing.
	// Возвращает ErrNotFound, если очередь пуста.
	ClaimNextTask(ctx context.Context, startedAt time.Time) (Task, error)
	CompleteTask(ctx context.Context, id int64, result string, at time.Time) error
	FailTask(ctx context.Context, id int64, errText string, at time.Time) error
	CancelTask(ctx context.Context, id int64, at time.Time) (bool, error)
	// CountTasks считает задачи, созданные после since. userID = 0: по всем пользователям.
	CountTasks(ctx context.Context, since time.Time, userID int64) (QueueCounts, error)
	// QueuePosition возвращает позицию самой ранней pending-задачи пользователя, 0: если её нет.
	QueuePosition(ctx context.Context, userID int64) (int, error)
	ListTasks(ctx context.Context, status TaskStatus, limit int) ([]Task, error)
	PurgeTasks(ctx context.Context, before time.Time) (int64, error)
}

// ActivityRepo хранит дневные счётчики сообщений.
type ActivityRepo interface {
	// AddActivity прибавляет счётчики пачки записей к сохранённым.
	AddActivity(ctx context.Context, records []ActivityRecord) error
	ListActivity(ctx context.Context, chatID int64, date time.Time) ([]ActivityRecord, error)
	PurgeActivity(ctx context.Context, before time.Time) (int64, error)
}

// SettingsRepo: простое key-value хранилище настроек.
type SettingsRepo interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// LogRepo сохраняет журнал событий.
type LogRepo interface {
	SaveLog(ctx context.Context, entry LogEntry) error
}

// LogQueryRepo строит сводки по журналу.
type LogQueryRepo interface {
	LogRepo
	// SummarizeLogs считает записи с since; userID 0 означает всех пользователей.
	SummarizeLogs(ctx context.Context, since time.Time, userID int64) (LogSummary, error)
	TopLogUsers(ctx context.Context, since time.Time, limit int) ([]UserLogCount, error)
	PurgeLogs(ctx context.Context, before time.Time) (int64, error)
}

// ChatClient: клиент Telegram с правами пользователя.
// Все методы ограничены по времени через ctx.
type ChatClient interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	IsAuthorized(ctx context.Context) (bool, error)
	Self(ctx context.Context) (Self, error)
	FullChannel(ctx context.Context, chatID int64) (ChatInfo, error)
	ForumTopics(ctx context.Context, chatID int64, cursor TopicCursor, limit int) (TopicPage, error)
	History(ctx context.Context, chatID int64, cursor HistoryCursor, limit int) (HistoryPage, error)
}

// ClientFactory создаёт клиентов по данным пользователя.
type ClientFactory interface {
	NewClient(userID int64, creds Credentials, sessionRef string) (ChatClient, error)
}

// ChatInspector получает сведения о чате через Bot API.
type ChatInspector interface {
	ChatInfo(ctx context.Context, chatID int64) (ChatInfo, error)
}

// Notifier доставляет текст в чат.
type Notifier interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// TopicObserver запоминает топики, замеченные ботом в сообщениях чата.
type TopicObserver interface {
	ObserveTopic(ctx context.Context, chatID int64, topicID int) error
	ObservedTopics(ctx context.Context, chatID int64) ([]int, error)
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(ctx context.Context, key string, ttl time.Duration, fn func() error) (bool, error)
}
