package bot

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tg-topics-bot/internal/domain"
	"tg-topics-bot/internal/infra/metrics"
)

// ChatReader: часть tgbotapi.BotAPI для чтения сведений о чате.
type ChatReader interface {
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
	GetChatMembersCount(config tgbotapi.ChatMemberCountConfig) (int, error)
}

// ChatInspector получает сведения о чате через Bot API.
type ChatInspector struct {
	reader ChatReader
}

var _ domain.ChatInspector = (*ChatInspector)(nil)

// NewChatInspector создаёт инспектор.
func NewChatInspector(reader ChatReader) *ChatInspector {
	return &ChatInspector{reader: reader}
}

// ChatInfo возвращает название, тип и число участников. Bot API не сообщает, форум ли это,
// поэтому Forum выставляется для любой супергруппы.
func (i *ChatInspector) ChatInfo(_ context.Context, chatID int64) (domain.ChatInfo, error) {
	target := strconv.FormatInt(chatID, 10)

	start := time.Now()
	chat, err := i.reader.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: chatID}})
	metrics.ObserveNetworkRequest("telegram_bot", "get_chat", target, start, err)
	if err != nil {
		return domain.ChatInfo{}, fmt.Errorf("get chat: %w", err)
	}
	info := domain.ChatInfo{
		ID:       chat.ID,
		Title:    chat.Title,
		Username: chat.UserName,
		Type:     chat.Type,
		Forum:    chat.IsSuperGroup(),
		About:    chat.Description,
	}

	start = time.Now()
	count, err := i.reader.GetChatMembersCount(tgbotapi.ChatMemberCountConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: chatID}})
	metrics.ObserveNetworkRequest("telegram_bot", "get_chat_members_count", target, start, err)
	if err == nil {
		info.ParticipantsCount = count
	}
	return info, nil
}
