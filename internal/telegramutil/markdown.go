package telegramutil

import (
	"strings"
	"unicode/utf8"
)

// Telegram rejects unescaped reserved characters in MarkdownV2 mode and
// truncates nothing itself, so callers split at MessageLimit.
const (
	MessageLimit = 4096
	CaptionLimit = 1024
)

var markdownV2Escapes = map[byte]bool{
	'\\': true,
	'_':  true,
	'*':  true,
	'[':  true,
	']':  true,
	'(':  true,
	')':  true,
	'~':  true,
	'`':  true,
	'>':  true,
	'#':  true,
	'+':  true,
	'-':  true,
	'=':  true,
	'|':  true,
	'{':  true,
	'}':  true,
	'.':  true,
	'!':  true,
}

func EscapeMarkdownV2(text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	var b strings.Builder
	b.Grow(len(text) + 8)
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if markdownV2Escapes[ch] {
			b.WriteByte('\\')
		}
		b.WriteByte(ch)
	}
	return b.String()
}

// EscapeMarkdownV2Code escapes for inline code and code blocks, where only
// backslash and backtick are reserved.
func EscapeMarkdownV2Code(text string) string {
	text = strings.ReplaceAll(text, `\`, `\\`)
	return strings.ReplaceAll(text, "`", "\\`")
}

func FormatCodeBlock(code, language string) string {
	escaped := EscapeMarkdownV2Code(code)
	if strings.TrimSpace(language) != "" {
		return "```" + language + "\n" + escaped + "\n```"
	}
	return "```\n" + escaped + "\n```"
}

func FormatInlineCode(text string) string {
	return "`" + EscapeMarkdownV2Code(text) + "`"
}

// SplitMessage splits text into chunks of at most limit bytes, preferring
// paragraph, newline, then space boundaries past the halfway point.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = MessageLimit
	}
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for remaining != "" {
		if len(remaining) <= limit {
			chunks = append(chunks, remaining)
			break
		}
		at := findSplitPoint(remaining, limit)
		chunks = append(chunks, strings.TrimRight(remaining[:at], " \n"))
		remaining = strings.TrimLeft(remaining[at:], " \n")
	}
	return chunks
}

func findSplitPoint(text string, limit int) int {
	if at := strings.LastIndex(text[:limit], "\n\n"); at > limit/2 {
		return at + 2
	}
	if at := strings.LastIndex(text[:limit], "\n"); at > limit/2 {
		return at + 1
	}
	if at := strings.LastIndex(text[:limit], " "); at > limit/2 {
		return at + 1
	}
	// Hard split: back up to a rune boundary so no chunk carries a
	// truncated multi-byte sequence.
	at := limit
	for at > 0 && !utf8.RuneStart(text[at]) {
		at--
	}
	if at == 0 {
		return limit
	}
	return at
}
