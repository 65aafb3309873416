package bot

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-topics-bot/internal/adapters/telegram"
	"tg-topics-bot/internal/domain"
	"tg-topics-bot/internal/infra/metrics"
)

// Sender: часть tgbotapi.BotAPI, через которую бот отправляет сообщения.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Notifier доставляет тексты и итоги задач в чаты.
type Notifier struct {
	sender Sender
	log    zerolog.Logger
}

var _ domain.Notifier = (*Notifier)(nil)

// NewNotifier создаёт отправителя сообщений.
func NewNotifier(sender Sender, logger zerolog.Logger) *Notifier {
	return &Notifier{sender: sender, log: logger}
}

// Send отправляет HTML-текст, при необходимости по частям.
func (n *Notifier) Send(ctx context.Context, chatID int64, text string) error {
	return n.send(ctx, chatID, text, nil)
}

func (n *Notifier) send(ctx context.Context, chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) error {
	for i, part := range telegram.SplitMessage(text) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true
		if i == 0 && keyboard != nil {
			msg.ReplyMarkup = keyboard
		}
		start := time.Now()
		_, err := n.sender.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", "chat", start, err)
		if err != nil {
			metrics.BotSendErrors.Inc()
			n.log.Error().Err(err).Int64("chat_id", chatID).Msg("не удалось отправить сообщение")
			return err
		}
	}
	return nil
}

// TaskFinished сообщает в чат результат задачи очереди.
func (n *Notifier) TaskFinished(ctx context.Context, task domain.Task) {
	var text string
	switch task.Status {
	case domain.TaskCompleted:
		text = task.Result
		if text == "" {
			text = fmt.Sprintf("✅ Задача #%d выполнена.", task.ID)
		}
	case domain.TaskFailed:
		text = failedTaskText(task)
	case domain.TaskCancelled:
		text = fmt.Sprintf("🚫 Задача #%d отменена.", task.ID)
	default:
		return
	}
	if err := n.Send(ctx, task.ChatID, text); err != nil {
		n.log.Warn().Err(err).Int64("task_id", task.ID).Msg("итог задачи не доставлен")
	}
}

// failedTaskText показывает только категорию ошибки. Текст task.Error остаётся в журнале и БД.
func failedTaskText(task domain.Task) string {
	if task.RetryAfter > 0 {
		return fmt.Sprintf("⏳ Задача #%d не выполнена: Telegram просит подождать %d с.", task.ID, int(task.RetryAfter.Seconds()))
	}
	category := task.Category
	if category == "" {
		category = domain.CategoryInternal
	}
	return fmt.Sprintf("Задача #%d не выполнена.\n%s", task.ID, categoryText(category))
}
