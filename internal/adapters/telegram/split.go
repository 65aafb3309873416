package telegram

import "strings"

// MessageLimit: максимальная длина сообщения Telegram в символах.
const MessageLimit = 4096

// SplitMessage режет HTML-текст на части не длиннее MessageLimit.
func SplitMessage(text string) []string {
	return Split(text, MessageLimit)
}

// Split режет текст на части не длиннее limit символов. Разрез делается по последнему
// переводу строки в окне. Если строк нет, разрез сдвигается назад так, чтобы не попасть
// внутрь HTML-тега или сущности.
func Split(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 {
		limit = MessageLimit
	}
	runes := []rune(trimmed)
	if len(runes) <= limit {
		return []string{trimmed}
	}

	var parts []string
	add := func(chunk []rune) {
		if s := strings.Trim(string(chunk), "\n"); s != "" {
			parts = append(parts, s)
		}
	}

	start := 0
	for start < len(runes) {
		end := start + limit
		if end >= len(runes) {
			add(runes[start:])
			break
		}
		cut := lastNewline(runes, start, end)
		if cut == -1 {
			cut = safeCut(runes, start, end)
		}
		add(runes[start:cut])
		start = cut
		for start < len(runes) && runes[start] == '\n' {
			start++
		}
	}
	return parts
}

func lastNewline(runes []rune, start, end int) int {
	for i := end; i > start; i-- {
		if runes[i-1] == '\n' {
			return i
		}
	}
	return -1
}

// safeCut возвращает позицию не позже end, которая не разрывает <тег> или &сущность;.
func safeCut(runes []rune, start, end int) int {
	for i := end - 1; i >= start && end-i <= 16; i-- {
		switch runes[i] {
		case '>', ';':
			return end
		case '<', '&':
			if i > start {
				return i
			}
			return end
		}
	}
	return end
}
