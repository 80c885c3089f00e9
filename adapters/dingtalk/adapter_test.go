package dingtalk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qikezhang/opencode-on-im/core"
	"github.com/qikezhang/opencode-on-im/opencode"
)

// webhookRecorder plays the sessionWebhook endpoint and captures every
// payload posted to it.
type webhookRecorder struct {
	server *httptest.Server

	mu       sync.Mutex
	payloads []map[string]any
}

func newWebhookRecorder(t *testing.T) *webhookRecorder {
	t.Helper()
	rec := &webhookRecorder{}
	rec.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode webhook payload: %v", err)
		}
		rec.mu.Lock()
		rec.payloads = append(rec.payloads, payload)
		rec.mu.Unlock()
		fmt.Fprint(w, `{"errcode":0,"errmsg":"ok"}`)
	}))
	t.Cleanup(rec.server.Close)
	return rec
}

func (rec *webhookRecorder) URL() string { return rec.server.URL }

func (rec *webhookRecorder) texts() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var out []string
	for _, p := range rec.payloads {
		switch p["msgtype"] {
		case "text":
			body, _ := p["text"].(map[string]any)
			s, _ := body["content"].(string)
			out = append(out, s)
		case "markdown":
			body, _ := p["markdown"].(map[string]any)
			s, _ := body["text"].(string)
			out = append(out, s)
		}
	}
	return out
}

// waitForText polls until some webhook payload contains sub.
func (rec *webhookRecorder) waitForText(t *testing.T, sub string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, s := range rec.texts() {
			if strings.Contains(s, sub) {
				return s
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no webhook payload containing %q, got %v", sub, rec.texts())
	return ""
}

type testFixture struct {
	adapter  *Adapter
	registry *core.InstanceRegistry
	sessions *core.SessionStore
	router   *core.NotificationRouter
	webhook  *webhookRecorder
}

func newFixture(t *testing.T, backendHandler http.HandlerFunc) *testFixture {
	t.Helper()

	if backendHandler == nil {
		backendHandler = func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{}`)
		}
	}
	backend := httptest.NewServer(backendHandler)
	t.Cleanup(backend.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	client, err := opencode.NewClient(opencode.ClientOptions{BaseURL: backend.URL, Logger: logger})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	dir := t.TempDir()
	registry, err := core.NewInstanceRegistry(core.InstanceRegistryOptions{
		Path:          filepath.Join(dir, "instances.json"),
		SecretKey:     "test-secret",
		LocalEndpoint: "127.0.0.1:4096",
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("NewInstanceRegistry() error = %v", err)
	}

	sessions, err := core.OpenSessionStore(core.SessionStoreOptions{
		Path:   filepath.Join(dir, "sessions.db"),
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("OpenSessionStore() error = %v", err)
	}
	t.Cleanup(func() { _ = sessions.Close() })

	router := core.NewNotificationRouter(logger)

	adapter, err := New(Options{
		AppKey:    "test-key",
		AppSecret: "test-secret",
		Client:    client,
		Registry:  registry,
		Sessions:  sessions,
		Router:    router,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &testFixture{
		adapter:  adapter,
		registry: registry,
		sessions: sessions,
		router:   router,
		webhook:  newWebhookRecorder(t),
	}
}

// deliver feeds one chatbot message into the adapter as if it arrived
// on the stream, carrying the recorder as its session webhook.
func (fx *testFixture) deliver(ctx context.Context, userID, text string) {
	msg := &chatbotMessage{
		ConversationID: "conv-1",
		SenderStaffID:  userID,
		SenderNick:     "Tester",
		SessionWebhook: fx.webhook.URL(),
	}
	msg.Text.Content = text
	fx.adapter.handleChatbotMessage(ctx, msg)
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{}); err == nil {
		t.Fatal("New() with empty options succeeded, want error")
	}
}

func TestOpenGateway(t *testing.T) {
	t.Parallel()

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1.0/gateway/connections/open" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req gatewayOpenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode gateway request: %v", err)
		}
		if req.ClientID != "key" || req.ClientSecret != "secret" {
			t.Errorf("credentials = %q/%q", req.ClientID, req.ClientSecret)
		}
		if len(req.Subscriptions) != 1 || req.Subscriptions[0].Topic != chatbotTopic {
			t.Errorf("subscriptions = %v", req.Subscriptions)
		}
		fmt.Fprint(w, `{"endpoint":"ws://example.test/stream","ticket":"tkt-1"}`)
	}))
	defer gateway.Close()

	url, err := openGateway(context.Background(), gateway.Client(), gateway.URL, "key", "secret")
	if err != nil {
		t.Fatalf("openGateway() error = %v", err)
	}
	if url != "ws://example.test/stream?ticket=tkt-1" {
		t.Fatalf("openGateway() = %q", url)
	}
}

func TestOpenGatewayRejectsIncompleteResponse(t *testing.T) {
	t.Parallel()

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"endpoint":""}`)
	}))
	defer gateway.Close()

	if _, err := openGateway(context.Background(), gateway.Client(), gateway.URL, "key", "secret"); err == nil {
		t.Fatal("openGateway() succeeded on empty endpoint, want error")
	}
}

func TestQRBindViaChat(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	ctx := context.Background()

	inst, err := fx.registry.CreateInstance("工作机", "")
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	qrData, err := fx.registry.GenerateQRData(inst)
	if err != nil {
		t.Fatalf("GenerateQRData() error = %v", err)
	}

	fx.deliver(ctx, "staff-1", qrData)

	fx.webhook.waitForText(t, "绑定成功")
	instances, err := fx.sessions.UserInstances(ctx, "dingtalk", "staff-1")
	if err != nil {
		t.Fatalf("UserInstances() error = %v", err)
	}
	if len(instances) != 1 || instances[0] != inst.ID {
		t.Fatalf("UserInstances() = %v, want [%s]", instances, inst.ID)
	}
	users := fx.router.GetOnlineUsers(inst.ID)
	if len(users) != 1 || users[0].UserID != "staff-1" {
		t.Fatalf("GetOnlineUsers() = %v", users)
	}
}

func TestQRBindRejectsStaleSecret(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	ctx := context.Background()

	inst, err := fx.registry.CreateInstance("dev", "")
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	qrData, err := fx.registry.GenerateQRData(inst)
	if err != nil {
		t.Fatalf("GenerateQRData() error = %v", err)
	}
	if _, err := fx.registry.ResetQR(inst.ID); err != nil {
		t.Fatalf("ResetQR() error = %v", err)
	}

	fx.deliver(ctx, "staff-2", qrData)

	fx.webhook.waitForText(t, "绑定失败")
	if instances, _ := fx.sessions.UserInstances(ctx, "dingtalk", "staff-2"); len(instances) != 0 {
		t.Fatalf("UserInstances() = %v, want empty", instances)
	}
}

func TestRelayMessageRoundTrip(t *testing.T) {
	t.Parallel()

	backend := func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/session":
			fmt.Fprint(w, `{"id":"ses_d1","title":"DingTalk:Tester"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/session/ses_d1/message":
			var body struct {
				Parts []opencode.MessagePart `json:"parts"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Parts) == 0 {
				t.Errorf("bad message body: %v", err)
			}
			if body.Parts[0].Text != "部署一下" {
				t.Errorf("relayed text = %q", body.Parts[0].Text)
			}
			fmt.Fprint(w, `{"id":"m1","role":"assistant","parts":[{"type":"text","text":"部署完成"}]}`)
		default:
			fmt.Fprint(w, `{}`)
		}
	}

	fx := newFixture(t, backend)
	ctx := context.Background()

	inst, err := fx.registry.CreateInstance("dev", "")
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	if err := fx.sessions.Bind(ctx, "dingtalk", "staff-3", inst.ID); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	fx.deliver(ctx, "staff-3", "部署一下")

	fx.webhook.waitForText(t, "部署完成")
	if got := fx.registry.GetInstance(inst.ID); got.SessionID != "ses_d1" {
		t.Fatalf("SessionID = %q, want ses_d1", got.SessionID)
	}
}

func TestUnboundUserIsPrompted(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	fx.deliver(context.Background(), "staff-4", "hello")
	fx.webhook.waitForText(t, "尚未绑定")
}

func TestSendTextQueuesOfflineWithoutWebhook(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	ctx := context.Background()

	inst, err := fx.registry.CreateInstance("dev", "")
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	if err := fx.sessions.Bind(ctx, "dingtalk", "staff-5", inst.ID); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	if err := fx.adapter.SendText(ctx, "staff-5", "task finished"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	messages, err := fx.sessions.TakeOfflineMessages(ctx, "dingtalk", "staff-5")
	if err != nil {
		t.Fatalf("TakeOfflineMessages() error = %v", err)
	}
	if len(messages) != 1 || messages[0].Content != "task finished" {
		t.Fatalf("offline messages = %v", messages)
	}
}

func TestSendTextUsesCachedWebhook(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	ctx := context.Background()

	msg := &chatbotMessage{SenderStaffID: "staff-6", SessionWebhook: fx.webhook.URL()}
	fx.adapter.cacheWebhook("staff-6", msg)

	if err := fx.adapter.SendText(ctx, "staff-6", "proactive ping"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	fx.webhook.waitForText(t, "proactive ping")
}

func TestExpiredWebhookFallsBackToOffline(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	ctx := context.Background()

	inst, err := fx.registry.CreateInstance("dev", "")
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	if err := fx.sessions.Bind(ctx, "dingtalk", "staff-7", inst.ID); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	msg := &chatbotMessage{
		SenderStaffID:             "staff-7",
		SessionWebhook:            fx.webhook.URL(),
		SessionWebhookExpiredTime: time.Now().Add(-time.Minute).UnixMilli(),
	}
	fx.adapter.cacheWebhook("staff-7", msg)

	if err := fx.adapter.SendText(ctx, "staff-7", "late news"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if got := fx.webhook.texts(); len(got) != 0 {
		t.Fatalf("webhook received %v, want nothing", got)
	}
	messages, err := fx.sessions.TakeOfflineMessages(ctx, "dingtalk", "staff-7")
	if err != nil {
		t.Fatalf("TakeOfflineMessages() error = %v", err)
	}
	if len(messages) != 1 || messages[0].Content != "late news" {
		t.Fatalf("offline messages = %v", messages)
	}
}

func TestSendEventSkipsEmptyPayload(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	event := map[string]any{"type": "message.part.updated", "content": ""}
	if err := fx.adapter.SendEvent(context.Background(), "staff-8", event); err != nil {
		t.Fatalf("SendEvent() error = %v", err)
	}
	if got := fx.webhook.texts(); len(got) != 0 {
		t.Fatalf("webhook received %v, want nothing", got)
	}
}

func TestNextReconnectDelay(t *testing.T) {
	t.Parallel()

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	var delay time.Duration
	for i, w := range want {
		delay = nextReconnectDelay(delay, false)
		if delay != w {
			t.Fatalf("delay after %d failures = %v, want %v", i+1, delay, w)
		}
	}

	// A session that made it onto the websocket starts the ladder over.
	if got := nextReconnectDelay(delay, true); got != reconnectMinDelay {
		t.Fatalf("delay after connected session = %v, want %v", got, reconnectMinDelay)
	}
}

func TestStreamPingAckAndDisconnect(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)

	upgrader := websocket.Upgrader{}
	gotAck := make(chan ackFrame, 1)

	mux := http.NewServeMux()
	var streamURL string
	mux.HandleFunc("/v1.0/gateway/connections/open", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"endpoint":%q,"ticket":"tkt"}`, streamURL)
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ticket") != "tkt" {
			t.Errorf("ticket = %q", r.URL.Query().Get("ticket"))
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		ping := streamFrame{
			SpecVersion: "1.0",
			Type:        frameTypeSystem,
			Headers:     map[string]string{"topic": topicPing, "messageId": "msg-ping"},
			Data:        `{"t":123}`,
		}
		if err := conn.WriteJSON(ping); err != nil {
			t.Errorf("write ping: %v", err)
			return
		}
		var ack ackFrame
		if err := conn.ReadJSON(&ack); err != nil {
			t.Errorf("read ack: %v", err)
			return
		}
		gotAck <- ack

		bye := streamFrame{
			Type:    frameTypeSystem,
			Headers: map[string]string{"topic": topicDisconnect, "messageId": "msg-bye"},
		}
		_ = conn.WriteJSON(bye)
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	streamURL = "ws" + strings.TrimPrefix(server.URL, "http") + "/stream"

	fx.adapter.apiBase = server.URL
	fx.adapter.http = server.Client()

	done := make(chan error, 1)
	go func() {
		connected, err := fx.adapter.runStream(context.Background())
		if !connected {
			err = fmt.Errorf("stream session never connected: %w", err)
		}
		done <- err
	}()

	select {
	case ack := <-gotAck:
		if ack.Code != 200 {
			t.Fatalf("ack code = %d, want 200", ack.Code)
		}
		if ack.Data != `{"t":123}` {
			t.Fatalf("ack data = %q, want echoed ping data", ack.Data)
		}
		if ack.Headers["messageId"] != "msg-ping" {
			t.Fatalf("ack messageId = %q", ack.Headers["messageId"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no ack received")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runStream() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runStream did not return after disconnect frame")
	}
}

func TestStreamDeliversCallback(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)

	inst, err := fx.registry.CreateInstance("dev", "")
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	qrData, err := fx.registry.GenerateQRData(inst)
	if err != nil {
		t.Fatalf("GenerateQRData() error = %v", err)
	}

	callback := chatbotMessage{
		ConversationID: "conv-9",
		SenderStaffID:  "staff-9",
		SenderNick:     "Tester",
		SessionWebhook: fx.webhook.URL(),
	}
	callback.Text.Content = qrData
	callbackData, err := json.Marshal(callback)
	if err != nil {
		t.Fatalf("marshal callback: %v", err)
	}

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	var streamURL string
	mux.HandleFunc("/v1.0/gateway/connections/open", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"endpoint":%q,"ticket":"tkt"}`, streamURL)
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		frame := streamFrame{
			SpecVersion: "1.0",
			Type:        frameTypeCallback,
			Headers:     map[string]string{"topic": chatbotTopic, "messageId": "msg-cb"},
			Data:        string(callbackData),
		}
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
		var ack ackFrame
		_ = conn.ReadJSON(&ack)
		// Hold the connection open until the client drops it.
		_, _, _ = conn.ReadMessage()
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	streamURL = "ws" + strings.TrimPrefix(server.URL, "http") + "/stream"

	fx.adapter.apiBase = server.URL
	fx.adapter.http = server.Client()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _, _ = fx.adapter.runStream(ctx) }()

	fx.webhook.waitForText(t, "绑定成功")
	if instances, _ := fx.sessions.UserInstances(ctx, "dingtalk", "staff-9"); len(instances) != 1 {
		t.Fatalf("UserInstances() = %v, want one binding", instances)
	}
}
