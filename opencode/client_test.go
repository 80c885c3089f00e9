package opencode

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(ClientOptions{BaseURL: baseURL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(ClientOptions{}); err == nil {
		t.Fatal("NewClient() expected error for empty base url")
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/global/health" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": "0.5.1"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	info, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if info.Status != "ok" || info.Version != "0.5.1" {
		t.Fatalf("Health() = %+v", info)
	}
	if !c.IsHealthy() {
		t.Fatal("IsHealthy() = false after success")
	}
}

func TestCreateSessionSendsTitle(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/session" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["title"] != "Telegram:dev" {
			t.Errorf("title = %v", payload["title"])
		}
		_ = json.NewEncoder(w).Encode(Session{ID: "ses_1", Title: "Telegram:dev"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ses, err := c.CreateSession(context.Background(), "Telegram:dev")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if ses.ID != "ses_1" {
		t.Fatalf("session id = %q", ses.ID)
	}
}

func TestBusinessErrorNotRetried(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "no such session", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.GetSession(context.Background(), "missing")
	if err == nil {
		t.Fatal("GetSession() expected error")
	}
	if IsRetriable(err) {
		t.Fatal("4xx should not be retriable")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("server calls = %d, want 1 (no retry on 4xx)", got)
	}
}

func TestTransportErrorRetried(t *testing.T) {
	t.Parallel()

	// A server that is immediately closed produces connection errors.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	c, err := NewClient(ClientOptions{BaseURL: addr})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	// Shrink backoff so the test stays fast.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	_, err = c.Health(ctx)
	if err == nil {
		t.Fatal("Health() expected error against closed server")
	}
	if !IsRetriable(err) {
		t.Fatalf("connection error should be retriable, got %v", err)
	}
	// 3 attempts with 1s then 2s sleeps.
	if elapsed := time.Since(start); elapsed < 2*time.Second {
		t.Fatalf("expected backoff between retries, finished in %s", elapsed)
	}
}

func TestConsecutiveFailuresFlipHealth(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	for i := 0; i < maxConsecutiveFailures; i++ {
		_, _ = c.Health(context.Background())
	}
	if c.IsHealthy() {
		t.Fatal("IsHealthy() = true after repeated failures")
	}
}

func TestHealthCounterResetsOnSuccess(t *testing.T) {
	t.Parallel()

	var fail int32 = 1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&fail) == 1 {
			http.Error(w, "boom", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(HealthInfo{Status: "ok"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	for i := 0; i < maxConsecutiveFailures; i++ {
		_, _ = c.Health(context.Background())
	}
	if c.IsHealthy() {
		t.Fatal("expected unhealthy")
	}
	atomic.StoreInt32(&fail, 0)
	if _, err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if !c.IsHealthy() {
		t.Fatal("IsHealthy() = false after recovery")
	}
}

func TestSendMessageBuildsParts(t *testing.T) {
	t.Parallel()

	png := append([]byte("\x89PNG\r\n\x1a\n"), []byte("pngdata")...)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session/ses_1/message" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var payload struct {
			Parts []MessagePart `json:"parts"`
			Model *ModelRef     `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if len(payload.Parts) != 2 {
			t.Errorf("parts = %d, want 2", len(payload.Parts))
		}
		if payload.Parts[0].Type != "text" || payload.Parts[0].Text != "fix the bug" {
			t.Errorf("text part = %+v", payload.Parts[0])
		}
		if payload.Parts[1].Type != "image" || payload.Parts[1].MediaType != "image/png" {
			t.Errorf("image part = %+v", payload.Parts[1])
		}
		_ = json.NewEncoder(w).Encode(Message{
			ID:    "msg_1",
			Role:  "assistant",
			Parts: []MessagePart{{Type: "text", Text: "done"}},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	msg, err := c.SendMessage(context.Background(), "ses_1", "fix the bug", [][]byte{png}, nil)
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if msg.Text() != "done" {
		t.Fatalf("Text() = %q, want done", msg.Text())
	}
}

func TestBasicAuthHeader(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "opencode" || pass != "sekret" {
			t.Errorf("basic auth = %q/%q ok=%v", user, pass, ok)
		}
		_ = json.NewEncoder(w).Encode(HealthInfo{Status: "ok"})
	}))
	defer srv.Close()

	c, err := NewClient(ClientOptions{BaseURL: srv.URL, Password: "sekret"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if _, err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health() error = %v", err)
	}
}

func TestDefaultClientHasNoTransportTimeout(t *testing.T) {
	t.Parallel()

	// A client-level timeout would cap every request at the same bound and
	// silently truncate the longer message-send budget; deadlines must come
	// from doOnce instead.
	c := newTestClient(t, "http://127.0.0.1:4096")
	if c.http.Timeout != 0 {
		t.Fatalf("http.Client.Timeout = %v, want 0", c.http.Timeout)
	}
}

func TestPerCallDeadlineEnforced(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv.URL)
	start := time.Now()
	err := c.doJSON(context.Background(), http.MethodGet, "/slow", nil, nil,
		retryPolicy{maxAttempts: 1, baseDelay: time.Millisecond, maxDelay: time.Millisecond},
		50*time.Millisecond)
	if err == nil {
		t.Fatal("doJSON() succeeded, want per-call deadline error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("doJSON() took %v, deadline not applied per call", elapsed)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != ErrorKindTimeout {
		t.Fatalf("doJSON() error = %v, want timeout kind", err)
	}
}

func TestSniffImageMediaType(t *testing.T) {
	t.Parallel()

	if got := sniffImageMediaType([]byte("\x89PNG\r\n\x1a\nxxxx")); got != "image/png" {
		t.Fatalf("png sniff = %q", got)
	}
	if got := sniffImageMediaType([]byte{0xff, 0xd8, 0xff}); got != "image/jpeg" {
		t.Fatalf("jpeg sniff = %q", got)
	}
	if got := sniffImageMediaType([]byte("gibberish")); got != "image/png" {
		t.Fatalf("default sniff = %q", got)
	}
}
