package services

import (
	"strings"
	"unicode/utf8"
)

const (
	markdownV2Special = "_*[]()~`>#+-=|{}.!\\"
	codeFence         = "```"

	// telegramMessageLimit is the maximum message length Telegram accepts, in runes.
	telegramMessageLimit = 4096
)

// escapeMarkdownV2 makes model output safe for Telegram's MarkdownV2 while
// keeping code spans, fenced blocks and inline links intact.
func escapeMarkdownV2(text string) string {
	var sb strings.Builder
	sb.Grow(len(text) + len(text)/8)

	for i := 0; i < len(text); {
		switch {
		case strings.HasPrefix(text[i:], codeFence):
			end := strings.Index(text[i+len(codeFence):], codeFence)
			if end < 0 {
				sb.WriteString("\\`\\`\\`")
				i += len(codeFence)
				continue
			}
			body := text[i+len(codeFence) : i+len(codeFence)+end]
			sb.WriteString(codeFence)
			sb.WriteString(escapeCode(body))
			sb.WriteString(codeFence)
			i += 2*len(codeFence) + end

		case text[i] == '`':
			end := strings.IndexByte(text[i+1:], '`')
			if end < 0 {
				sb.WriteString("\\`")
				i++
				continue
			}
			sb.WriteByte('`')
			sb.WriteString(escapeCode(text[i+1 : i+1+end]))
			sb.WriteByte('`')
			i += end + 2

		case text[i] == '[':
			label, url, n, ok := parseLink(text[i:])
			if !ok {
				sb.WriteString("\\[")
				i++
				continue
			}
			sb.WriteByte('[')
			sb.WriteString(escapeMarkdownV2(label))
			sb.WriteString("](")
			sb.WriteString(escapeLinkURL(url))
			sb.WriteByte(')')
			i += n

		default:
			if strings.IndexByte(markdownV2Special, text[i]) >= 0 {
				sb.WriteByte('\\')
			}
			sb.WriteByte(text[i])
			i++
		}
	}

	return sb.String()
}

// parseLink reads "[label](url)" at the start of s. Parentheses inside the
// url must balance. n is the number of bytes consumed.
func parseLink(s string) (label, url string, n int, ok bool) {
	closeBracket := strings.IndexByte(s, ']')
	if closeBracket < 0 || closeBracket+1 >= len(s) || s[closeBracket+1] != '(' {
		return "", "", 0, false
	}

	start := closeBracket + 2
	depth := 1
	for j := start; j < len(s); j++ {
		switch s[j] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return s[1:closeBracket], s[start:j], j + 1, true
			}
		case '\n':
			return "", "", 0, false
		}
	}
	return "", "", 0, false
}

func escapeCode(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	return strings.ReplaceAll(s, "`", "\\`")
}

func escapeLinkURL(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	return strings.ReplaceAll(s, ")", "\\)")
}

// splitMessage breaks text into chunks of at most limit runes, preferring
// to cut at line breaks.
func splitMessage(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for utf8.RuneCountInString(text) > limit {
		cut := byteOffset(text, limit)
		if nl := strings.LastIndexByte(text[:cut], '\n'); nl > 0 {
			cut = nl + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// splitEscaped is splitMessage for text that will be sent through
// escapeMarkdownV2: every chunk stays within limit runes once escaped.
func splitEscaped(text string, limit int) []string {
	return splitToFit(text, limit, limit)
}

func splitToFit(text string, rawLimit, limit int) []string {
	var chunks []string
	for _, chunk := range splitMessage(text, rawLimit) {
		escaped := utf8.RuneCountInString(escapeMarkdownV2(chunk))
		runes := utf8.RuneCountInString(chunk)
		if limit <= 0 || escaped <= limit || runes <= 1 {
			chunks = append(chunks, chunk)
			continue
		}

		next := runes * limit / escaped
		next = max(1, min(next, runes-1))
		chunks = append(chunks, splitToFit(chunk, next, limit)...)
	}
	return chunks
}

func byteOffset(s string, runes int) int {
	for i := range s {
		if runes == 0 {
			return i
		}
		runes--
	}
	return len(s)
}

// truncateRunes cuts s to at most n runes, marking the cut with "...".
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return s[:byteOffset(s, n)] + "..."
}
