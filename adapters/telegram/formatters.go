package telegram

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/qikezhang/opencode-on-im/internal/telegramutil"
)

var codeBlockRe = regexp.MustCompile("(?s)```(\\w*)\\n?(.*?)```")

type contentPart struct {
	code     bool
	content  string
	language string
}

// extractCodeBlocks splits markdown text into alternating text and
// fenced code parts.
func extractCodeBlocks(text string) []contentPart {
	var parts []contentPart
	lastEnd := 0
	for _, m := range codeBlockRe.FindAllStringSubmatchIndex(text, -1) {
		if m[0] > lastEnd {
			before := text[lastEnd:m[0]]
			if strings.TrimSpace(before) != "" {
				parts = append(parts, contentPart{content: before})
			}
		}
		parts = append(parts, contentPart{
			code:     true,
			content:  text[m[4]:m[5]],
			language: text[m[2]:m[3]],
		})
		lastEnd = m[1]
	}
	if lastEnd < len(text) {
		rest := text[lastEnd:]
		if strings.TrimSpace(rest) != "" {
			parts = append(parts, contentPart{content: rest})
		}
	}
	if len(parts) == 0 {
		parts = append(parts, contentPart{content: text})
	}
	return parts
}

// FormatContent escapes assistant output for MarkdownV2, keeping fenced
// code blocks intact.
func FormatContent(content string) string {
	var b strings.Builder
	for _, part := range extractCodeBlocks(content) {
		if part.code {
			b.WriteString(telegramutil.FormatCodeBlock(part.content, part.language))
		} else {
			b.WriteString(telegramutil.EscapeMarkdownV2(part.content))
		}
	}
	return b.String()
}

// FormatEvent renders a routed backend event as MarkdownV2 text.
// Returns "" for events with nothing to show.
func FormatEvent(event map[string]any) string {
	eventType, _ := event["type"].(string)
	switch eventType {
	case "message.part.updated":
		content, _ := event["content"].(string)
		if content == "" {
			return ""
		}
		return FormatContent(content)
	case "message.created":
		role, _ := event["role"].(string)
		if role == "" || role == "assistant" {
			return "🤖 *AI 开始响应*"
		}
		return "📝 " + telegramutil.EscapeMarkdownV2(role)
	case "message.completed":
		return "✅ *响应完成*"
	case "session.status":
		status, _ := event["status"].(string)
		if status == "" {
			status = "unknown"
		}
		return fmt.Sprintf("%s 状态: %s", statusEmoji(status), telegramutil.FormatInlineCode(status))
	case "error":
		message, _ := event["message"].(string)
		if message == "" {
			message = "Unknown error"
		}
		return "❌ *错误*: " + telegramutil.EscapeMarkdownV2(message)
	case "tool.start":
		return "🔧 执行工具: " + telegramutil.FormatInlineCode(toolName(event))
	case "tool.end":
		emoji := "✅"
		if success, ok := event["success"].(bool); ok && !success {
			emoji = "❌"
		}
		return emoji + " 工具完成: " + telegramutil.FormatInlineCode(toolName(event))
	default:
		return "ℹ️ 事件: " + telegramutil.FormatInlineCode(eventType)
	}
}

func toolName(event map[string]any) string {
	if name, _ := event["tool"].(string); name != "" {
		return name
	}
	return "unknown"
}

func statusEmoji(status string) string {
	switch status {
	case "idle":
		return "💤"
	case "busy":
		return "⏳"
	case "error":
		return "❌"
	case "completed":
		return "✅"
	default:
		return "ℹ️"
	}
}
