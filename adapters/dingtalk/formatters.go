package dingtalk

import (
	"fmt"
	"strings"
)

// Webhook payloads use the robot message shapes; DingTalk markdown is
// lenient so only backslashes need escaping.

func textPayload(content string) map[string]any {
	return map[string]any{
		"msgtype": "text",
		"text":    map[string]any{"content": content},
	}
}

func markdownPayload(title, text string) map[string]any {
	return map[string]any{
		"msgtype":  "markdown",
		"markdown": map[string]any{"title": title, "text": text},
	}
}

func escapeMarkdown(text string) string {
	return strings.ReplaceAll(text, `\`, `\\`)
}

// FormatEvent renders a backend event as a webhook payload. A nil
// return means the event carries nothing worth pushing.
func FormatEvent(event map[string]any) map[string]any {
	eventType, _ := event["type"].(string)
	content, _ := event["content"].(string)

	switch eventType {
	case "message.part.updated":
		if strings.TrimSpace(content) == "" {
			return nil
		}
		if len(content) > 100 {
			return markdownPayload("AI 响应", fmt.Sprintf("```\n%s\n```", content))
		}
		return textPayload(content)
	case "message.created":
		return markdownPayload("AI 响应", "🤖 **AI 开始响应**")
	case "message.completed":
		return markdownPayload("AI 响应", "✅ **响应完成**")
	case "session.status":
		status, _ := event["status"].(string)
		return textPayload(fmt.Sprintf("%s 会话状态: %s", statusEmoji(status), status))
	case "error":
		return markdownPayload("错误", "❌ **错误**: "+escapeMarkdown(content))
	case "tool.start":
		tool, _ := event["tool"].(string)
		return textPayload("🔧 执行工具: " + tool)
	case "tool.end":
		tool, _ := event["tool"].(string)
		if ok, _ := event["success"].(bool); ok {
			return textPayload("✅ 工具完成: " + tool)
		}
		return textPayload("❌ 工具失败: " + tool)
	default:
		return textPayload("ℹ️ 事件: " + eventType)
	}
}

func statusEmoji(status string) string {
	switch status {
	case "idle":
		return "💤"
	case "busy", "running":
		return "⚙️"
	case "error":
		return "❌"
	default:
		return "ℹ️"
	}
}
