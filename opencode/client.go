package opencode

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultTimeout     = 60 * time.Second
	sendMessageTimeout = 300 * time.Second

	basicAuthUser = "opencode"

	maxConsecutiveFailures = 5
)

// retryPolicy bounds one retry loop. Attempt delays double from baseDelay up
// to maxDelay.
type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

var (
	// Short calls: health, session CRUD, abort, command.
	defaultRetry = retryPolicy{maxAttempts: 3, baseDelay: 1 * time.Second, maxDelay: 10 * time.Second}
	// Message sends are slow and expensive to restart, so fewer attempts
	// with a longer backoff.
	sendRetry = retryPolicy{maxAttempts: 2, baseDelay: 2 * time.Second, maxDelay: 30 * time.Second}
)

type ClientOptions struct {
	BaseURL  string
	Password string
	HTTP     *http.Client
	Logger   *slog.Logger
}

// Client talks to the OpenCode HTTP API. Transient transport failures are
// retried with exponential backoff; HTTP status errors are returned to the
// caller unretried.
type Client struct {
	http     *http.Client
	baseURL  string
	password string
	logger   *slog.Logger

	mu                  sync.Mutex
	consecutiveFailures int
}

func NewClient(opts ClientOptions) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("opencode base url is required")
	}
	httpClient := opts.HTTP
	if httpClient == nil {
		// No client-level timeout: it would cap every request at the same
		// bound and starve the longer SendMessage budget. Deadlines are
		// applied per call in doOnce.
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:     httpClient,
		baseURL:  baseURL,
		password: strings.TrimSpace(opts.Password),
		logger:   logger,
	}, nil
}

func (c *Client) BaseURL() string { return c.baseURL }

// IsHealthy reports whether recent calls have been succeeding. It flips to
// false after five consecutive failures and recovers on the next success.
func (c *Client) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveFailures < maxConsecutiveFailures
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	c.consecutiveFailures = 0
	c.mu.Unlock()
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	c.consecutiveFailures++
	count := c.consecutiveFailures
	c.mu.Unlock()
	if count >= maxConsecutiveFailures {
		c.logger.Warn("opencode_consecutive_failures", "count", count, "threshold", maxConsecutiveFailures)
	}
}

type HealthInfo struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type Session struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

type MessagePart struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Data      string `json:"data,omitempty"`
}

type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

type Message struct {
	ID    string        `json:"id"`
	Role  string        `json:"role,omitempty"`
	Parts []MessagePart `json:"parts,omitempty"`
}

// Text returns the first text part of the message.
func (m Message) Text() string {
	for _, p := range m.Parts {
		if p.Type == "text" {
			return p.Text
		}
	}
	return ""
}

type FileMatch struct {
	Path string `json:"path"`
}

func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var out HealthInfo
	if err := c.doJSON(ctx, http.MethodGet, "/global/health", nil, &out, defaultRetry, 0); err != nil {
		return nil, err
	}
	return &out, nil
}

// IsAvailable swallows transport errors and reports reachability only.
func (c *Client) IsAvailable(ctx context.Context) bool {
	_, err := c.Health(ctx)
	return err == nil
}

func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := c.doJSON(ctx, http.MethodGet, "/session", nil, &out, defaultRetry, 0); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateSession(ctx context.Context, title string) (*Session, error) {
	payload := map[string]any{}
	if strings.TrimSpace(title) != "" {
		payload["title"] = title
	}
	var out Session
	if err := c.doJSON(ctx, http.MethodPost, "/session", payload, &out, defaultRetry, 0); err != nil {
		return nil, err
	}
	c.logger.Info("session_created", "session_id", out.ID)
	return &out, nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var out Session
	if err := c.doJSON(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID), nil, &out, defaultRetry, 0); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessage posts a message and blocks until the assistant reply completes.
// It uses a longer per-request timeout and a shorter retry budget than other
// calls because AI responses are slow to regenerate.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string, images [][]byte, model *ModelRef) (*Message, error) {
	parts := buildMessageParts(text, images)
	payload := map[string]any{"parts": parts}
	if model != nil {
		payload["model"] = model
	}
	var out Message
	path := "/session/" + url.PathEscape(sessionID) + "/message"
	if err := c.doJSON(ctx, http.MethodPost, path, payload, &out, sendRetry, sendMessageTimeout); err != nil {
		return nil, err
	}
	c.logger.Debug("message_sent", "session_id", sessionID, "response_id", out.ID)
	return &out, nil
}

// SendMessageAsync posts a message without waiting for the assistant; the
// reply arrives on the event stream.
func (c *Client) SendMessageAsync(ctx context.Context, sessionID, text string, images [][]byte) error {
	parts := buildMessageParts(text, images)
	path := "/session/" + url.PathEscape(sessionID) + "/prompt_async"
	if err := c.doJSON(ctx, http.MethodPost, path, map[string]any{"parts": parts}, nil, defaultRetry, 0); err != nil {
		return err
	}
	c.logger.Debug("async_message_sent", "session_id", sessionID)
	return nil
}

func (c *Client) AbortTask(ctx context.Context, sessionID string) error {
	path := "/session/" + url.PathEscape(sessionID) + "/abort"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, nil, defaultRetry, 0); err != nil {
		return err
	}
	c.logger.Info("task_aborted", "session_id", sessionID)
	return nil
}

// RunCommand executes a slash command (e.g. /refactor) in the session.
func (c *Client) RunCommand(ctx context.Context, sessionID, command string) (map[string]any, error) {
	var out map[string]any
	path := "/session/" + url.PathEscape(sessionID) + "/command"
	if err := c.doJSON(ctx, http.MethodPost, path, map[string]any{"command": command}, &out, defaultRetry, 0); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RunShell(ctx context.Context, sessionID, command string) (map[string]any, error) {
	var out map[string]any
	path := "/session/" + url.PathEscape(sessionID) + "/shell"
	if err := c.doJSON(ctx, http.MethodPost, path, map[string]any{"command": command}, &out, defaultRetry, 0); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) FindFiles(ctx context.Context, pattern string) ([]FileMatch, error) {
	var out []FileMatch
	path := "/find?pattern=" + url.QueryEscape(pattern)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out, defaultRetry, 0); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ReadFile(ctx context.Context, filePath string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	path := "/file/content?path=" + url.QueryEscape(filePath)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out, defaultRetry, 0); err != nil {
		return "", err
	}
	return out.Content, nil
}

func buildMessageParts(text string, images [][]byte) []MessagePart {
	parts := []MessagePart{{Type: "text", Text: text}}
	for _, img := range images {
		parts = append(parts, MessagePart{
			Type:      "image",
			MediaType: sniffImageMediaType(img),
			Data:      base64.StdEncoding.EncodeToString(img),
		})
	}
	return parts
}

func sniffImageMediaType(data []byte) string {
	if len(data) >= 8 && bytes.Equal(data[:8], []byte("\x89PNG\r\n\x1a\n")) {
		return "image/png"
	}
	if len(data) >= 2 && data[0] == 0xff && data[1] == 0xd8 {
		return "image/jpeg"
	}
	return "image/png"
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any, policy retryPolicy, timeout time.Duration) error {
	var lastErr error
	delay := policy.baseDelay
	for attempt := 1; attempt <= policy.maxAttempts; attempt++ {
		err := c.doOnce(ctx, method, path, body, out, timeout)
		if err == nil {
			c.recordSuccess()
			return nil
		}
		c.recordFailure()
		lastErr = err

		if !IsRetriable(err) || attempt >= policy.maxAttempts {
			break
		}
		if ctx.Err() != nil {
			break
		}
		c.logger.Warn("opencode_request_retry",
			"method", method,
			"path", path,
			"attempt", attempt,
			"delay", delay.String(),
			"error", err.Error(),
		)
		if err := sleepWithContext(ctx, delay); err != nil {
			return lastErr
		}
		delay *= 2
		if delay > policy.maxDelay {
			delay = policy.maxDelay
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out any, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return &APIError{Kind: ErrorKindProtocol, Message: fmt.Sprintf("marshal request: %v", err), Err: err}
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return &APIError{Kind: ErrorKindProtocol, Message: err.Error(), Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return classifyTransportError(readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			Kind:    ErrorKindProtocol,
			Status:  resp.StatusCode,
			Message: strings.TrimSpace(string(raw)),
		}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return &APIError{Kind: ErrorKindProtocol, Message: fmt.Sprintf("decode response: %v", err), Err: err}
		}
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.password != "" {
		req.SetBasicAuth(basicAuthUser, c.password)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
