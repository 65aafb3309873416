package domain

import (
	"encoding/json"
	"time"
)

// TaskStatus описывает состояние задачи очереди.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Команды бота, которые знает очередь.
const (
	CommandStart    = "start"
	CommandScan     = "scan"
	CommandGetAll   = "get_all"
	CommandGetIDs   = "get_ids"
	CommandGetUsers = "get_users"
	CommandStats    = "stats"
	CommandDebug    = "debug"
)

// Приоритеты задач: меньше: срочнее.
const (
	PriorityAdmin       = 0
	PriorityScan        = 1
	PriorityStats       = 2
	PriorityMaintenance = 3
)

var commandPriorities = map[string]int{
	CommandStart:    PriorityAdmin,
	CommandScan:     PriorityScan,
	CommandGetAll:   PriorityScan,
	CommandGetIDs:   PriorityScan,
	CommandGetUsers: PriorityStats,
	CommandStats:    PriorityStats,
	CommandDebug:    PriorityMaintenance,
}

// CommandPriority возвращает приоритет команды. Неизвестные команды идут как сканирование.
func CommandPriority(command string) int {
	if p, ok := commandPriorities[command]; ok {
		return p
	}
	return PriorityScan
}

// Complexity описывает тяжесть запроса к API.
type Complexity string

const (
	ComplexityLight  Complexity = "light"
	ComplexityNormal Complexity = "normal"
	ComplexityHeavy  Complexity = "heavy"
)

// CommandComplexity возвращает тяжесть команды для автоподстройки лимитов.
func CommandComplexity(command string) Complexity {
	switch command {
	case CommandGetAll:
		return ComplexityHeavy
	case CommandScan, CommandGetIDs, CommandGetUsers:
		return ComplexityNormal
	default:
		return ComplexityLight
	}
}

// Task: единица работы в очереди.
type Task struct {
	ID          int64
	UserID      int64
	ChatID      int64
	Command     string
	Parameters  json.RawMessage
	Priority    int
	Status      TaskStatus
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Result      string
	Error       string

	// Category и RetryAfter заполняет очередь при ошибке, в хранилище они не пишутся.
	Category   Category
	RetryAfter time.Duration
}

// TaskLess задаёт порядок выборки: приоритет, время создания, затем идентификатор.
// Совпадает с ORDER BY priority, created_at, id в хранилище.
func TaskLess(a, b Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// ScanParams: параметры задач сканирования.
type ScanParams struct {
	ChatTitle    string `json:"chat_title,omitempty"`
	ChatUsername string `json:"chat_username,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
}

// QueueCounts: количество задач по статусам.
type QueueCounts struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Cancelled  int
}

// TaskLimits ограничивает размер очереди при вставке.
type TaskLimits struct {
	MaxBacklog int
	MaxPerUser int
}
