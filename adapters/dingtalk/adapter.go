package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qikezhang/opencode-on-im/core"
	"github.com/qikezhang/opencode-on-im/opencode"
)

const (
	platformName = "dingtalk"

	reconnectMinDelay = 1 * time.Second
	reconnectMaxDelay = 30 * time.Second
)

// Options configures a DingTalk Stream-mode adapter.
type Options struct {
	AppKey    string
	AppSecret string
	// APIBaseURL overrides the OpenAPI gateway host, mainly for tests.
	APIBaseURL string
	HTTP       *http.Client

	Client   *opencode.Client
	Registry *core.InstanceRegistry
	Sessions *core.SessionStore
	Router   *core.NotificationRouter
	Logger   *slog.Logger
}

// Adapter bridges DingTalk enterprise bots over the Stream protocol:
// it keeps a websocket open to the DingTalk gateway, relays chatbot
// messages to the backend, and pushes replies through per-conversation
// session webhooks.
type Adapter struct {
	appKey    string
	appSecret string
	apiBase   string
	http      *http.Client

	client   *opencode.Client
	registry *core.InstanceRegistry
	sessions *core.SessionStore
	router   *core.NotificationRouter
	logger   *slog.Logger

	mu       sync.Mutex
	webhooks map[string]sessionWebhook
	cancel   context.CancelFunc
	done     chan struct{}
	running  bool
}

func New(opts Options) (*Adapter, error) {
	if opts.AppKey == "" || opts.AppSecret == "" {
		return nil, fmt.Errorf("dingtalk app key and secret are required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("opencode client is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("instance registry is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		appKey:    opts.AppKey,
		appSecret: opts.AppSecret,
		apiBase:   opts.APIBaseURL,
		http:      httpClient,
		client:    opts.Client,
		registry:  opts.Registry,
		sessions:  opts.Sessions,
		router:    opts.Router,
		logger:    logger,
		webhooks:  make(map[string]sessionWebhook),
	}, nil
}

func (a *Adapter) Platform() string { return platformName }

func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	a.running = true
	a.mu.Unlock()

	go a.connectLoop(loopCtx)
	a.logger.Info("dingtalk_adapter_started", "app_key", a.appKey)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	cancel := a.cancel
	done := a.done
	a.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	a.logger.Info("dingtalk_adapter_stopped")
	return nil
}

// connectLoop keeps one stream session alive, re-registering with the
// gateway on every drop.
func (a *Adapter) connectLoop(ctx context.Context) {
	defer close(a.done)

	var delay time.Duration
	for ctx.Err() == nil {
		connected, err := a.runStream(ctx)
		if ctx.Err() != nil {
			return
		}
		delay = nextReconnectDelay(delay, connected)
		if err != nil {
			a.logger.Warn("dingtalk_stream_error", "error", err, "retry_in", delay.String())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// nextReconnectDelay doubles the previous wait up to the cap. A session
// that got through gateway registration and the websocket dial starts
// the ladder over instead of inheriting backoff from earlier failures.
func nextReconnectDelay(prev time.Duration, connected bool) time.Duration {
	if connected || prev <= 0 {
		return reconnectMinDelay
	}
	next := prev * 2
	if next > reconnectMaxDelay {
		next = reconnectMaxDelay
	}
	return next
}

func (a *Adapter) runStream(ctx context.Context) (connected bool, err error) {
	wsURL, err := openGateway(ctx, a.http, a.apiBase, a.appKey, a.appSecret)
	if err != nil {
		return false, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial dingtalk stream: %w", err)
	}
	defer conn.Close()
	a.logger.Info("dingtalk_stream_connected")

	// Unblock ReadMessage when the adapter stops.
	closeDone := make(chan struct{})
	defer close(closeDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-closeDone:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("read stream frame: %w", err)
		}
		var frame streamFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			a.logger.Warn("dingtalk_frame_decode_error", "error", err)
			continue
		}
		disconnect, err := a.handleFrame(ctx, conn, &frame)
		if err != nil {
			a.logger.Error("dingtalk_frame_error", "topic", frame.topic(), "error", err)
		}
		if disconnect {
			return true, nil
		}
	}
}

func (a *Adapter) handleFrame(ctx context.Context, conn *websocket.Conn, frame *streamFrame) (disconnect bool, err error) {
	switch frame.Type {
	case frameTypeSystem:
		switch frame.topic() {
		case topicPing:
			return false, conn.WriteJSON(newAck(frame, frame.Data))
		case topicDisconnect:
			a.logger.Info("dingtalk_stream_disconnect_requested")
			return true, nil
		}
		return false, conn.WriteJSON(newAck(frame, ""))
	case frameTypeCallback:
		if err := conn.WriteJSON(newAck(frame, "")); err != nil {
			return false, err
		}
		if frame.topic() != chatbotTopic {
			return false, nil
		}
		var msg chatbotMessage
		if err := json.Unmarshal([]byte(frame.Data), &msg); err != nil {
			return false, fmt.Errorf("decode chatbot message: %w", err)
		}
		a.handleChatbotMessage(ctx, &msg)
		return false, nil
	default:
		return false, conn.WriteJSON(newAck(frame, ""))
	}
}

func (a *Adapter) handleChatbotMessage(ctx context.Context, msg *chatbotMessage) {
	userID := msg.senderID()
	if userID == "" {
		return
	}
	a.cacheWebhook(userID, msg)

	text := strings.TrimSpace(msg.Text.Content)
	if text == "" {
		return
	}
	a.logger.Debug("dingtalk_message_received", "user_id", userID, "nick", msg.SenderNick)

	switch {
	case strings.HasPrefix(text, "/"):
		a.handleCommand(ctx, userID, text)
	case strings.HasPrefix(text, "eyJ"):
		a.handleQRBind(ctx, userID, text)
	default:
		a.relayMessage(ctx, userID, msg.SenderNick, text)
	}
}

func (a *Adapter) handleCommand(ctx context.Context, userID, text string) {
	cmd := strings.ToLower(strings.Fields(text)[0])
	switch cmd {
	case "/start", "/help":
		a.replyText(ctx, userID, "欢迎使用 OpenCode 助手!\n粘贴二维码数据即可绑定实例。\n/status 查看状态\n/unbind 解除绑定")
	case "/status":
		a.cmdStatus(ctx, userID)
	case "/unbind":
		a.cmdUnbind(ctx, userID)
	default:
		a.replyText(ctx, userID, "未知命令: "+cmd)
	}
}

func (a *Adapter) cmdStatus(ctx context.Context, userID string) {
	instances, err := a.sessions.UserInstances(ctx, platformName, userID)
	if err != nil || len(instances) == 0 {
		a.replyText(ctx, userID, "尚未绑定任何实例")
		return
	}
	available := "❌ 不可用"
	if a.client.IsAvailable(ctx) {
		available = "✅ 可用"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "后端状态: %s\n", available)
	for _, id := range instances {
		if inst := a.registry.GetInstance(id); inst != nil {
			fmt.Fprintf(&b, "· %s\n", inst.Name)
		}
	}
	a.replyText(ctx, userID, strings.TrimRight(b.String(), "\n"))
}

func (a *Adapter) cmdUnbind(ctx context.Context, userID string) {
	instances, err := a.sessions.UserInstances(ctx, platformName, userID)
	if err != nil || len(instances) == 0 {
		a.replyText(ctx, userID, "尚未绑定任何实例")
		return
	}
	for _, id := range instances {
		if _, err := a.sessions.Unbind(ctx, platformName, userID, id); err != nil {
			a.logger.Error("dingtalk_unbind_failed", "user_id", userID, "instance_id", id, "error", err)
			continue
		}
		if a.router != nil {
			a.router.UnregisterOnline(id, platformName, userID)
		}
	}
	a.replyText(ctx, userID, "已解除全部绑定")
}

func (a *Adapter) handleQRBind(ctx context.Context, userID, data string) {
	payload, err := core.ParseQRData(data)
	if err != nil {
		a.replyText(ctx, userID, "二维码数据无效，请重新复制")
		return
	}
	if !a.registry.VerifyConnectSecret(payload.InstanceID, payload.ConnectSecret) {
		a.replyText(ctx, userID, "绑定失败: 密钥无效或已过期")
		return
	}
	if err := a.sessions.Bind(ctx, platformName, userID, payload.InstanceID); err != nil {
		a.logger.Error("dingtalk_bind_failed", "user_id", userID, "error", err)
		a.replyText(ctx, userID, "绑定失败，请稍后重试")
		return
	}
	if a.router != nil {
		a.router.RegisterOnline(payload.InstanceID, platformName, userID)
	}
	a.replyText(ctx, userID, "绑定成功! 实例: "+payload.InstanceName)
	a.flushOfflineMessages(ctx, userID)
}

func (a *Adapter) relayMessage(ctx context.Context, userID, nick, text string) {
	instances, err := a.sessions.UserInstances(ctx, platformName, userID)
	if err != nil || len(instances) == 0 {
		a.replyText(ctx, userID, "尚未绑定实例，请先粘贴二维码数据完成绑定")
		return
	}
	instanceID := instances[len(instances)-1]
	inst := a.registry.GetInstance(instanceID)
	if inst == nil {
		a.replyText(ctx, userID, "实例不存在，请重新绑定")
		return
	}
	if err := a.sessions.UpdateLastActive(ctx, platformName, userID); err != nil {
		a.logger.Warn("update_last_active_failed", "user_id", userID, "error", err)
	}

	sessionID := inst.SessionID
	if sessionID == "" {
		name := nick
		if name == "" {
			name = userID
		}
		session, err := a.client.CreateSession(ctx, "DingTalk:"+name)
		if err != nil {
			a.logger.Error("dingtalk_create_session_failed", "user_id", userID, "error", err)
			a.replyText(ctx, userID, "创建会话失败，请稍后重试")
			return
		}
		sessionID = session.ID
		if err := a.registry.SetSession(instanceID, sessionID); err != nil {
			a.logger.Error("dingtalk_set_session_failed", "instance_id", instanceID, "error", err)
		}
	}

	response, err := a.client.SendMessage(ctx, sessionID, text, nil, nil)
	if err != nil {
		a.logger.Error("dingtalk_send_message_failed", "user_id", userID, "error", err)
		a.replyText(ctx, userID, "消息发送失败: "+err.Error())
		return
	}
	reply := response.Text()
	if reply == "" {
		reply = "(no response)"
	}
	a.replyText(ctx, userID, reply)
}

func (a *Adapter) flushOfflineMessages(ctx context.Context, userID string) {
	messages, err := a.sessions.TakeOfflineMessages(ctx, platformName, userID)
	if err != nil || len(messages) == 0 {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "离线消息 (%d 条)\n", len(messages))
	for _, m := range messages {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	a.replyText(ctx, userID, strings.TrimRight(b.String(), "\n"))
}

// activeInstanceID is the most recently bound instance for the user.
func (a *Adapter) activeInstanceID(ctx context.Context, userID string) (string, bool) {
	instances, err := a.sessions.UserInstances(ctx, platformName, userID)
	if err != nil || len(instances) == 0 {
		return "", false
	}
	return instances[len(instances)-1], true
}

// SendText pushes a proactive message through the cached session
// webhook; without a live webhook the message is queued for the next
// time the user talks to the bot.
func (a *Adapter) SendText(ctx context.Context, userID, text string) error {
	webhook, ok := a.getWebhook(userID)
	if !ok {
		instanceID, bound := a.activeInstanceID(ctx, userID)
		if !bound {
			return nil
		}
		if err := a.sessions.SaveOfflineMessage(ctx, instanceID, platformName, userID, text); err != nil {
			return fmt.Errorf("queue offline message: %w", err)
		}
		a.logger.Debug("dingtalk_message_queued_offline", "user_id", userID)
		return nil
	}
	return a.postWebhook(ctx, webhook.URL, textPayload(text))
}

// SendEvent renders a backend event and delivers it like SendText.
func (a *Adapter) SendEvent(ctx context.Context, userID string, event map[string]any) error {
	payload := FormatEvent(event)
	if payload == nil {
		return nil
	}
	webhook, ok := a.getWebhook(userID)
	if !ok {
		content, _ := event["content"].(string)
		if content == "" {
			return nil
		}
		instanceID, _ := event["instance_id"].(string)
		if instanceID == "" {
			if id, bound := a.activeInstanceID(ctx, userID); bound {
				instanceID = id
			} else {
				return nil
			}
		}
		if err := a.sessions.SaveOfflineMessage(ctx, instanceID, platformName, userID, content); err != nil {
			return fmt.Errorf("queue offline message: %w", err)
		}
		return nil
	}
	return a.postWebhook(ctx, webhook.URL, payload)
}

func (a *Adapter) replyText(ctx context.Context, userID, text string) {
	if err := a.SendText(ctx, userID, text); err != nil {
		a.logger.Error("dingtalk_reply_failed", "user_id", userID, "error", err)
	}
}

type webhookResult struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (a *Adapter) postWebhook(ctx context.Context, url string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("post session webhook: %w", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("session webhook http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var result webhookResult
	if err := json.Unmarshal(raw, &result); err == nil && result.ErrCode != 0 {
		return fmt.Errorf("session webhook error %d: %s", result.ErrCode, result.ErrMsg)
	}
	return nil
}

func (a *Adapter) cacheWebhook(userID string, msg *chatbotMessage) {
	if msg.SessionWebhook == "" {
		return
	}
	webhook := sessionWebhook{URL: msg.SessionWebhook}
	if msg.SessionWebhookExpiredTime > 0 {
		webhook.ExpiresAt = time.UnixMilli(msg.SessionWebhookExpiredTime)
	}
	a.mu.Lock()
	a.webhooks[userID] = webhook
	a.mu.Unlock()
}

func (a *Adapter) getWebhook(userID string) (sessionWebhook, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	webhook, ok := a.webhooks[userID]
	if !ok || !webhook.valid() {
		return sessionWebhook{}, false
	}
	return webhook, true
}
