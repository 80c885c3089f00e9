package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOpenAPIBase = "https://api.dingtalk.com"

	topicPing       = "ping"
	topicDisconnect = "disconnect"
	chatbotTopic    = "/v1.0/im/bot/messages/get"

	frameTypeSystem   = "SYSTEM"
	frameTypeCallback = "CALLBACK"
)

// streamFrame is one message on the Stream-mode websocket. Data carries
// a nested JSON document as a string.
type streamFrame struct {
	SpecVersion string            `json:"specVersion,omitempty"`
	Type        string            `json:"type"`
	Headers     map[string]string `json:"headers"`
	Data        string            `json:"data,omitempty"`
}

func (f *streamFrame) topic() string {
	return f.Headers["topic"]
}

func (f *streamFrame) messageID() string {
	return f.Headers["messageId"]
}

// ackFrame is the client response expected for every server frame.
type ackFrame struct {
	Code    int               `json:"code"`
	Headers map[string]string `json:"headers"`
	Message string            `json:"message"`
	Data    string            `json:"data,omitempty"`
}

func newAck(f *streamFrame, data string) ackFrame {
	return ackFrame{
		Code: 200,
		Headers: map[string]string{
			"contentType": "application/json",
			"messageId":   f.messageID(),
			"topic":       f.topic(),
		},
		Message: "OK",
		Data:    data,
	}
}

// chatbotMessage is the callback payload for incoming bot messages.
type chatbotMessage struct {
	ConversationID            string `json:"conversationId"`
	ConversationType          string `json:"conversationType,omitempty"`
	SenderStaffID             string `json:"senderStaffId,omitempty"`
	SenderID                  string `json:"senderId,omitempty"`
	SenderNick                string `json:"senderNick,omitempty"`
	MsgType                   string `json:"msgtype,omitempty"`
	SessionWebhook            string `json:"sessionWebhook,omitempty"`
	SessionWebhookExpiredTime int64  `json:"sessionWebhookExpiredTime,omitempty"`
	Text                      struct {
		Content string `json:"content"`
	} `json:"text"`
}

func (m *chatbotMessage) senderID() string {
	if m.SenderStaffID != "" {
		return m.SenderStaffID
	}
	return m.SenderID
}

type gatewayOpenRequest struct {
	ClientID      string                `json:"clientId"`
	ClientSecret  string                `json:"clientSecret"`
	Subscriptions []gatewaySubscription `json:"subscriptions"`
	UA            string                `json:"ua,omitempty"`
	LocalIP       string                `json:"localIp,omitempty"`
}

type gatewaySubscription struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

type gatewayOpenResponse struct {
	Endpoint string `json:"endpoint"`
	Ticket   string `json:"ticket"`
}

// openGateway registers the stream connection and returns the websocket
// URL to dial.
func openGateway(ctx context.Context, httpClient *http.Client, apiBase, appKey, appSecret string) (string, error) {
	if apiBase == "" {
		apiBase = defaultOpenAPIBase
	}
	body, err := json.Marshal(gatewayOpenRequest{
		ClientID:     appKey,
		ClientSecret: appSecret,
		Subscriptions: []gatewaySubscription{
			{Type: frameTypeCallback, Topic: chatbotTopic},
		},
		UA: "opencode-im/1.0",
	})
	if err != nil {
		return "", fmt.Errorf("encode gateway request: %w", err)
	}

	url := strings.TrimRight(apiBase, "/") + "/v1.0/gateway/connections/open"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("open dingtalk gateway: %w", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("dingtalk gateway http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out gatewayOpenResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode gateway response: %w", err)
	}
	if out.Endpoint == "" || out.Ticket == "" {
		return "", fmt.Errorf("dingtalk gateway response missing endpoint or ticket")
	}
	return out.Endpoint + "?ticket=" + out.Ticket, nil
}

// sessionWebhook caches the reply webhook DingTalk issues per incoming
// message; it is the only way to push messages back in Stream mode.
type sessionWebhook struct {
	URL       string
	ExpiresAt time.Time
}

func (w sessionWebhook) valid() bool {
	return w.URL != "" && (w.ExpiresAt.IsZero() || time.Now().Before(w.ExpiresAt))
}
