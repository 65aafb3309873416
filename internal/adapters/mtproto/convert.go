package mtproto

import (
	"time"

	"github.com/gotd/td/tg"

	"tg-topics-bot/internal/domain"
)

func chatInfoFromFull(chatID int64, full *tg.MessagesChatFull) domain.ChatInfo {
	info := domain.ChatInfo{ID: chatID, Type: "supergroup"}
	channelID := domain.ChannelIDFromChatID(chatID)
	for _, chat := range full.Chats {
		ch, ok := chat.(*tg.Channel)
		if !ok || ch.ID != channelID {
			continue
		}
		info.Title = ch.Title
		info.Username = ch.Username
		info.Forum = ch.Forum
		if ch.Broadcast {
			info.Type = "channel"
		}
	}
	if cf, ok := full.FullChat.(*tg.ChannelFull); ok {
		info.ParticipantsCount = cf.ParticipantsCount
		info.About = cf.About
	}
	return info
}

// topicPage собирает страницу топиков и курсор следующей страницы.
// Курсор строится по последнему топику: дата его верхнего сообщения, id сообщения и id топика.
func topicPage(resp *tg.MessagesForumTopics, limit int) domain.TopicPage {
	page := domain.TopicPage{Total: resp.Count}

	dates := make(map[int]int, len(resp.Messages))
	for _, m := range resp.Messages {
		if msg, ok := m.(*tg.Message); ok {
			dates[msg.ID] = msg.Date
		}
	}

	var last *tg.ForumTopic
	for _, t := range resp.Topics {
		topic, ok := t.(*tg.ForumTopic)
		if !ok {
			continue
		}
		last = topic
		page.Topics = append(page.Topics, domain.Topic{
			ID:         topic.ID,
			Title:      topic.Title,
			TopMessage: topic.TopMessage,
			Closed:     topic.Closed,
		})
	}

	if last == nil || len(resp.Topics) < limit {
		return page
	}
	date, ok := dates[last.TopMessage]
	if !ok {
		date = last.Date
	}
	page.Next = &domain.TopicCursor{
		OffsetDate:  date,
		OffsetID:    last.TopMessage,
		OffsetTopic: last.ID,
	}
	return page
}

// historyPage переводит ответ messages.getHistory в страницу без текста сообщений.
func historyPage(resp tg.MessagesMessagesClass, limit int) domain.HistoryPage {
	var (
		messages []tg.MessageClass
		users    []tg.UserClass
	)
	switch r := resp.(type) {
	case *tg.MessagesMessages:
		messages, users = r.Messages, r.Users
	case *tg.MessagesMessagesSlice:
		messages, users = r.Messages, r.Users
	case *tg.MessagesChannelMessages:
		messages, users = r.Messages, r.Users
	}

	page := domain.HistoryPage{Members: make(map[int64]domain.Member)}
	for _, u := range users {
		user, ok := u.(*tg.User)
		if !ok || user.Bot || user.Deleted {
			continue
		}
		page.Members[user.ID] = domain.Member{UserID: user.ID, Username: user.Username, FirstName: user.FirstName}
	}

	minID := 0
	for _, m := range messages {
		msg, ok := m.(*tg.Message)
		if !ok {
			continue
		}
		if minID == 0 || msg.ID < minID {
			minID = msg.ID
		}
		item := domain.HistoryMessage{
			ID:      msg.ID,
			Date:    time.Unix(int64(msg.Date), 0).UTC(),
			TopicID: topicOf(msg),
		}
		if from, ok := msg.GetFromID(); ok {
			if peer, ok := from.(*tg.PeerUser); ok {
				item.SenderID = peer.UserID
			}
		}
		page.Messages = append(page.Messages, item)
	}

	if len(messages) >= limit && minID > 1 {
		page.Next = &domain.HistoryCursor{OffsetID: minID}
	}
	return page
}

// topicOf возвращает топик сообщения. Сообщения без заголовка ответа лежат в General.
func topicOf(msg *tg.Message) int {
	header, ok := msg.ReplyTo.(*tg.MessageReplyHeader)
	if !ok || !header.ForumTopic {
		return domain.GeneralTopicID
	}
	if top, ok := header.GetReplyToTopID(); ok {
		return top
	}
	if id, ok := header.GetReplyToMsgID(); ok {
		return id
	}
	return domain.GeneralTopicID
}

func selfFromUser(user *tg.User) domain.Self {
	if user == nil {
		return domain.Self{}
	}
	return domain.Self{ID: user.ID, Username: user.Username, FirstName: user.FirstName, Phone: user.Phone}
}
