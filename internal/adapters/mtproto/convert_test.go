package mtproto

import (
	"testing"

	"github.com/gotd/td/tg"

	"tg-topics-bot/internal/domain"
)

func TestTopicPageCursor(t *testing.T) {
	resp := &tg.MessagesForumTopics{
		Count: 5,
		Topics: []tg.ForumTopicClass{
			&tg.ForumTopic{ID: 10, Title: "Новости", TopMessage: 100, Date: 1},
			&tg.ForumTopicDeleted{ID: 11},
			&tg.ForumTopic{ID: 12, Title: "Флуд", TopMessage: 120, Date: 2, Closed: true},
		},
		Messages: []tg.MessageClass{&tg.Message{ID: 120, Date: 500}},
	}
	page := topicPage(resp, 3)
	if len(page.Topics) != 2 || page.Total != 5 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if !page.Topics[1].Closed {
		t.Fatal("closed flag lost")
	}
	if page.Next == nil {
		t.Fatal("full page must have a cursor")
	}
	want := domain.TopicCursor{OffsetDate: 500, OffsetID: 120, OffsetTopic: 12}
	if *page.Next != want {
		t.Fatalf("cursor = %+v, want %+v", *page.Next, want)
	}

	short := topicPage(resp, 100)
	if short.Next != nil {
		t.Fatal("short page must be the last one")
	}
}

func TestHistoryPage(t *testing.T) {
	inTopic := &tg.Message{ID: 50, Date: 1700000000}
	inTopic.SetFromID(&tg.PeerUser{UserID: 7})
	header := &tg.MessageReplyHeader{ForumTopic: true}
	header.SetReplyToMsgID(49)
	header.SetReplyToTopID(12)
	inTopic.ReplyTo = header

	general := &tg.Message{ID: 40, Date: 1700000000}
	general.SetFromID(&tg.PeerUser{UserID: 8})

	resp := &tg.MessagesChannelMessages{
		Messages: []tg.MessageClass{inTopic, general},
		Users: []tg.UserClass{
			&tg.User{ID: 7, Username: "alice", FirstName: "Alice"},
			&tg.User{ID: 8, FirstName: "Bob"},
			&tg.User{ID: 9, Bot: true},
		},
	}
	page := historyPage(resp, 2)
	if len(page.Messages) != 2 {
		t.Fatalf("unexpected messages: %+v", page.Messages)
	}
	if page.Messages[0].TopicID != 12 || page.Messages[0].SenderID != 7 {
		t.Fatalf("unexpected first message: %+v", page.Messages[0])
	}
	if page.Messages[1].TopicID != domain.GeneralTopicID {
		t.Fatalf("message without reply header must be in General: %+v", page.Messages[1])
	}
	if len(page.Members) != 2 {
		t.Fatalf("bots must be skipped: %+v", page.Members)
	}
	if page.Next == nil || page.Next.OffsetID != 40 {
		t.Fatalf("unexpected cursor: %+v", page.Next)
	}
}

func TestChatInfoFromFull(t *testing.T) {
	full := &tg.MessagesChatFull{
		FullChat: &tg.ChannelFull{ID: 1234567890, ParticipantsCount: 250, About: "чат"},
		Chats: []tg.ChatClass{
			&tg.Channel{ID: 1234567890, Title: "Форум", Username: "forum", Forum: true, Megagroup: true},
		},
	}
	info := chatInfoFromFull(-1001234567890, full)
	if !info.Forum || info.Title != "Форум" || info.ParticipantsCount != 250 || info.Username != "forum" {
		t.Fatalf("unexpected info: %+v", info)
	}
}
