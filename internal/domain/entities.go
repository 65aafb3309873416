package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UserMode описывает режим доступа пользователя к Telegram.
type UserMode string

const (
	// ModeBot: ограниченный режим через Bot API.
	ModeBot UserMode = "bot"
	// ModeUser: полный режим через MTProto с данными пользователя.
	ModeUser UserMode = "user"
)

// UserStatus описывает состояние пользовательской записи и его сессии.
type UserStatus string

const (
	StatusActive  UserStatus = "active"
	StatusExpired UserStatus = "expired"
	StatusError   UserStatus = "error"
	StatusBlocked UserStatus = "blocked"
	// StatusPending: пользователь выбрал режим user и ещё не прислал API данные.
	StatusPending UserStatus = "pending"
)

// User описывает пользователя бота.
type User struct {
	ID               int64
	Username         string
	FirstName        string
	Mode             UserMode
	APIIDEncrypted   string
	APIHashEncrypted string
	SessionRef       string
	Status           UserStatus
	CreatedAt        time.Time
	LastActive       time.Time
}

// HasCredentials сообщает, сохранены ли зашифрованные API данные.
// Оба поля либо заданы вместе, либо отсутствуют.
func (u User) HasCredentials() bool {
	return u.APIIDEncrypted != "" && u.APIHashEncrypted != ""
}

// DisplayName возвращает имя для сообщений.
func (u User) DisplayName() string {
	switch {
	case u.Username != "":
		return "@" + u.Username
	case u.FirstName != "":
		return u.FirstName
	default:
		return strconv.FormatInt(u.ID, 10)
	}
}

// SessionRefFor возвращает имя MTProto-сессии пользователя по умолчанию.
func SessionRefFor(userID int64) string {
	return fmt.Sprintf("user_session_%d", userID)
}

// Credentials: расшифрованные API данные пользователя.
type Credentials struct {
	APIID   int
	APIHash string
}

// Self описывает аккаунт, от имени которого работает MTProto клиент.
type Self struct {
	ID        int64
	Username  string
	FirstName string
	Phone     string
}

// ChatInfo содержит сведения о супергруппе.
type ChatInfo struct {
	ID                int64
	Title             string
	Username          string
	Type              string
	Forum             bool
	ParticipantsCount int
	About             string
}

// GeneralTopicID: идентификатор общего топика, который есть в каждом форуме.
const GeneralTopicID = 1

// Topic описывает топик форума.
type Topic struct {
	ID         int
	Title      string
	Link       string
	TopMessage int
	Closed     bool
}

// TopicCursor задаёт позицию постраничного чтения топиков.
type TopicCursor struct {
	OffsetDate  int
	OffsetID    int
	OffsetTopic int
}

// TopicPage: страница топиков форума. Next равен nil на последней странице.
type TopicPage struct {
	Topics []Topic
	Total  int
	Next   *TopicCursor
}

// HistoryCursor задаёт позицию постраничного чтения истории.
type HistoryCursor struct {
	OffsetID int
}

// HistoryMessage: сообщение из истории чата без содержимого.
type HistoryMessage struct {
	ID       int
	SenderID int64
	TopicID  int
	Date     time.Time
}

// Member описывает участника, найденного в истории.
type Member struct {
	UserID    int64
	Username  string
	FirstName string
}

// HistoryPage: страница истории чата.
type HistoryPage struct {
	Messages []HistoryMessage
	Members  map[int64]Member
	Next     *HistoryCursor
}

// ChannelIDFromChatID переводит идентификатор чата Bot API (-100...) в идентификатор канала MTProto.
func ChannelIDFromChatID(chatID int64) int64 {
	const prefix = 1000000000000
	if chatID < -prefix {
		return -chatID - prefix
	}
	if chatID < 0 {
		return -chatID
	}
	return chatID
}

// TopicLink строит ссылку на топик приватной супергруппы.
func TopicLink(chatID int64, topicID int) string {
	return fmt.Sprintf("https://t.me/c/%d/%d", ChannelIDFromChatID(chatID), topicID)
}

// PublicTopicLink строит ссылку на топик публичной супергруппы.
func PublicTopicLink(username string, topicID int) string {
	return fmt.Sprintf("https://t.me/%s/%d", strings.TrimPrefix(username, "@"), topicID)
}

// ActivityRecord: счётчик сообщений пользователя в чате за день.
type ActivityRecord struct {
	ChatID       int64
	UserID       int64
	Username     string
	FirstName    string
	MessageCount int
	LastActivity time.Time
	Date         time.Time
}

// ActivityStats агрегирует активность чата за день.
type ActivityStats struct {
	ChatID        int64
	Date          time.Time
	ActiveUsers   int
	TotalMessages int
	Top           []ActivityRecord
}

// LogLevel: уровень записи журнала в БД.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// LogEntry: запись журнала, сохраняемая в таблицу logs.
type LogEntry struct {
	Level     LogLevel
	Message   string
	UserID    int64
	ChatID    int64
	Command   string
	Timestamp time.Time
	Metadata  map[string]any
}

// LogEventKey: ключ Metadata с типом записи журнала.
const LogEventKey = "event"

// Типы записей журнала, по которым строится аналитика.
const (
	LogEventCommand     = "command"
	LogEventError       = "error"
	LogEventAdmin       = "admin"
	LogEventPerformance = "performance"
	LogEventMode        = "mode"
)

// LogSummary агрегирует записи журнала за период.
type LogSummary struct {
	Since       time.Time
	Events      int
	UniqueUsers int
	Commands    map[string]int
	// Errors: число ошибок по категориям.
	Errors           map[string]int
	Operations       int
	FailedOperations int
	AvgDuration      time.Duration
	FirstActivity    time.Time
	LastActivity     time.Time
}

// UserLogCount: активность одного пользователя в журнале.
type UserLogCount struct {
	UserID    int64
	Events    int
	Errors    int
	FirstSeen time.Time
	LastSeen  time.Time
}
