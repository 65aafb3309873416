package scan

import (
	"fmt"
	"html"
	"strings"

	"tg-topics-bot/internal/domain"
)

// FormatTopicIDs формирует короткий список id топиков со ссылками.
func FormatTopicIDs(res Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📋 <b>%s</b>\n", escapeHTML(chatTitle(res.Chat)))
	fmt.Fprintf(&b, "Найдено топиков: %d\n\n", len(res.Topics))
	for _, t := range res.Topics {
		fmt.Fprintf(&b, "<code>%d</code> — %s\n", t.ID, t.Link)
	}
	writeFooter(&b, res)
	return strings.TrimSpace(b.String())
}

// FormatTopicsFull формирует подробный список топиков с названиями.
func FormatTopicsFull(res Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📋 <b>%s</b>\n", escapeHTML(chatTitle(res.Chat)))
	if res.Chat.ParticipantsCount > 0 {
		fmt.Fprintf(&b, "👥 Участников: %d\n", res.Chat.ParticipantsCount)
	}
	if about := strings.TrimSpace(res.Chat.About); about != "" {
		fmt.Fprintf(&b, "ℹ️ %s\n", escapeHTML(about))
	}
	fmt.Fprintf(&b, "Найдено топиков: %d\n\n", len(res.Topics))
	for _, t := range res.Topics {
		title := strings.TrimSpace(t.Title)
		if title == "" {
			title = fmt.Sprintf("Топик %d", t.ID)
		}
		closed := ""
		if t.Closed {
			closed = " 🔒"
		}
		fmt.Fprintf(&b, "• <b>%s</b>%s\n  ID: <code>%d</code> — %s\n", escapeHTML(title), closed, t.ID, t.Link)
	}
	writeFooter(&b, res)
	return strings.TrimSpace(b.String())
}

func writeFooter(b *strings.Builder, res Result) {
	b.WriteString("\n")
	if res.Mode == string(domain.ModeBot) {
		b.WriteString("🤖 Режим bot: показаны General и топики, замеченные в сообщениях. Полный список доступен в режиме user.\n")
		return
	}
	if !res.Complete {
		b.WriteString("⚠️ Показана только часть топиков: достигнут лимит сканирования.\n")
	}
	fmt.Fprintf(b, "⏱ %.1f с, режим лимитов: %s\n", res.Duration.Seconds(), res.Mode)
}

// FormatMembers формирует список участников.
func FormatMembers(members []domain.Member) string {
	if len(members) == 0 {
		return "👥 Активных участников не найдено."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "👥 <b>Участники</b>: %d\n\n", len(members))
	for i, m := range members {
		fmt.Fprintf(&b, "%d. %s <code>%d</code>\n", i+1, escapeHTML(memberName(m)), m.UserID)
	}
	return strings.TrimSpace(b.String())
}

// FormatActivity формирует список пользователей, писавших сегодня.
func FormatActivity(records []domain.ActivityRecord) string {
	members := make([]domain.Member, 0, len(records))
	for _, r := range records {
		members = append(members, domain.Member{UserID: r.UserID, Username: r.Username, FirstName: r.FirstName})
	}
	return FormatMembers(members)
}

// FormatStats формирует статистику активности чата за день.
func FormatStats(stats domain.ActivityStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>Активность за %s</b>\n", stats.Date.Format("02.01.2006"))
	fmt.Fprintf(&b, "Активных участников: %d\n", stats.ActiveUsers)
	fmt.Fprintf(&b, "Сообщений: %d\n", stats.TotalMessages)
	if len(stats.Top) > 0 {
		b.WriteString("\n🏆 Самые активные:\n")
		for i, r := range stats.Top {
			name := memberName(domain.Member{UserID: r.UserID, Username: r.Username, FirstName: r.FirstName})
			fmt.Fprintf(&b, "%d. %s — %d\n", i+1, escapeHTML(name), r.MessageCount)
		}
	}
	return strings.TrimSpace(b.String())
}

func chatTitle(info domain.ChatInfo) string {
	if t := strings.TrimSpace(info.Title); t != "" {
		return t
	}
	return fmt.Sprintf("Чат %d", info.ID)
}

func memberName(m domain.Member) string {
	switch {
	case m.Username != "":
		return "@" + m.Username
	case m.FirstName != "":
		return m.FirstName
	default:
		return "Пользователь"
	}
}

func escapeHTML(s string) string {
	return html.EscapeString(s)
}
