package opencode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ConnState is the subscriber's connection state. It is owned by the
// subscription loop and only ever read externally.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// Stats are cumulative counters for one subscriber.
type Stats struct {
	TotalEvents       int
	TotalReconnects   int
	LastEventTime     time.Time
	LastReconnectTime time.Time
	ConnectedSince    time.Time
	CurrentState      ConnState
}

// EventCallback receives each parsed event. It runs inline on the
// subscription goroutine, so events are delivered strictly in wire order.
// A returned error is logged and does not affect the stream.
type EventCallback func(ctx context.Context, ev Event) error

// StateCallback observes connection state transitions.
type StateCallback func(old, next ConnState)

const (
	defaultMinReconnectDelay = 1 * time.Second
	defaultMaxReconnectDelay = 30 * time.Second

	stopJoinTimeout = 2 * time.Second

	maxSSELineBytes = 1 << 20
)

type SubscriberOptions struct {
	Client *Client
	Logger *slog.Logger

	MinReconnectDelay time.Duration
	MaxReconnectDelay time.Duration
	// MaxReconnectAttempts stops the loop permanently once exceeded.
	// Zero means retry forever.
	MaxReconnectAttempts int
}

// Subscriber keeps one SSE connection to /global/event alive, forwarding
// each event to a single callback and reconnecting with exponential backoff
// and jitter. Authentication failures (401/403) stop the loop for good.
//
// Reconnection opens a fresh stream: events emitted while disconnected are
// not replayed (no Last-Event-ID resume).
type Subscriber struct {
	client *Client
	logger *slog.Logger

	minDelay    time.Duration
	maxDelay    time.Duration
	maxAttempts int

	stream *http.Client

	mu            sync.Mutex
	running       bool
	cancel        context.CancelFunc
	done          chan struct{}
	state         ConnState
	stats         Stats
	delay         time.Duration
	attempts      int
	stateCallback StateCallback
}

func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("opencode client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	minDelay := opts.MinReconnectDelay
	if minDelay <= 0 {
		minDelay = defaultMinReconnectDelay
	}
	maxDelay := opts.MaxReconnectDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxReconnectDelay
	}
	if maxDelay < minDelay {
		return nil, fmt.Errorf("max reconnect delay %s is below min %s", maxDelay, minDelay)
	}
	return &Subscriber{
		client:      opts.Client,
		logger:      logger,
		minDelay:    minDelay,
		maxDelay:    maxDelay,
		maxAttempts: opts.MaxReconnectAttempts,
		// The stream must outlive any per-request timeout; cancellation
		// happens through the request context instead.
		stream: &http.Client{Timeout: 0},
		state:  StateDisconnected,
		stats:  Stats{CurrentState: StateDisconnected},
		delay:  minDelay,
	}, nil
}

func (s *Subscriber) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscriber) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Subscriber) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Subscriber) IsConnected() bool {
	return s.State() == StateConnected
}

// OnStateChange registers a callback for state transitions. It must be set
// before Start.
func (s *Subscriber) OnStateChange(cb StateCallback) {
	s.mu.Lock()
	s.stateCallback = cb
	s.mu.Unlock()
}

// Start launches the subscription loop. Calling Start on a running
// subscriber is a no-op: there is at most one loop per subscriber.
func (s *Subscriber) Start(callback EventCallback) {
	if callback == nil {
		s.logger.Error("event_subscriber_nil_callback")
		return
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("subscriber_already_running")
		return
	}
	s.running = true
	s.delay = s.minDelay
	s.attempts = 0
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.setState(StateConnecting)
	go s.loop(ctx, callback, done)
	s.logger.Info("event_subscriber_started", "base_url", s.client.BaseURL())
}

// Stop cancels the loop and waits (bounded) for it to exit. It is safe to
// call before Start and safe to call repeatedly.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(stopJoinTimeout):
			s.logger.Warn("event_subscriber_stop_timeout")
		}
	}
	s.setState(StateDisconnected)
	if wasRunning {
		stats := s.Stats()
		s.logger.Info("event_subscriber_stopped",
			"total_events", stats.TotalEvents,
			"total_reconnects", stats.TotalReconnects,
		)
	}
}

func (s *Subscriber) loop(ctx context.Context, callback EventCallback, done chan struct{}) {
	defer close(done)
	defer s.setState(StateDisconnected)

	for s.IsRunning() {
		err := s.subscribe(ctx, callback)
		if err == nil {
			// Clean stream close: reconnect immediately.
			s.resetBackoff()
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if IsAuthError(err) {
			s.logger.Error("event_subscription_auth_error", "error", err.Error())
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		}
		s.logger.Warn("event_subscription_error", "error", err.Error())

		if !s.IsRunning() {
			return
		}

		s.mu.Lock()
		s.attempts++
		s.stats.TotalReconnects++
		s.stats.LastReconnectTime = time.Now().UTC()
		attempts := s.attempts
		delay := s.delay
		s.mu.Unlock()

		if s.maxAttempts > 0 && attempts >= s.maxAttempts {
			s.logger.Error("max_reconnect_attempts_reached", "attempts", attempts)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		}

		s.setState(StateReconnecting)

		// Tell downstream before sleeping so users can be notified of the
		// outage proactively.
		s.deliver(ctx, callback, newConnectionLostEvent(delay))

		if err := sleepWithContext(ctx, delay); err != nil {
			return
		}
		s.bumpBackoff()
	}
}

func (s *Subscriber) subscribe(ctx context.Context, callback EventCallback) error {
	s.setState(StateConnecting)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.client.BaseURL()+"/global/event", nil)
	if err != nil {
		return &APIError{Kind: ErrorKindProtocol, Message: err.Error(), Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	s.client.setAuth(req)

	resp, err := s.stream.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Kind: ErrorKindProtocol, Status: resp.StatusCode, Message: resp.Status}
	}

	s.setState(StateConnected)
	s.mu.Lock()
	s.stats.ConnectedSince = time.Now().UTC()
	s.delay = s.minDelay
	s.attempts = 0
	reconnects := s.stats.TotalReconnects
	s.mu.Unlock()

	s.logger.Info("sse_connected", "url", s.client.BaseURL()+"/global/event", "reconnects", reconnects)

	if reconnects > 0 {
		s.deliver(ctx, callback, newConnectionRestoredEvent(reconnects))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxSSELineBytes)
	for scanner.Scan() {
		if !s.IsRunning() {
			return nil
		}
		s.processLine(ctx, scanner.Text(), callback)
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil
		}
		return classifyTransportError(err)
	}
	return nil
}

func (s *Subscriber) processLine(ctx context.Context, line string, callback EventCallback) {
	if line == "" {
		return
	}
	switch {
	case strings.HasPrefix(line, "data:"):
		payload := strings.TrimSpace(line[len("data:"):])
		if payload == "" {
			return
		}
		ev, err := ParseEvent([]byte(payload))
		if err != nil {
			s.logger.Warn("invalid_sse_data", "line", truncate(line, 100), "error", err.Error())
			return
		}
		s.mu.Lock()
		s.stats.TotalEvents++
		s.stats.LastEventTime = time.Now().UTC()
		total := s.stats.TotalEvents
		s.mu.Unlock()
		s.logger.Debug("event_received", "event_type", ev.Type, "session_id", ev.SessionID, "total_events", total)
		s.deliver(ctx, callback, ev)

	case strings.HasPrefix(line, "retry:"):
		// Server hint for the next reconnect delay, clamped to our bounds.
		raw := strings.TrimSpace(line[len("retry:"):])
		ms, err := strconv.Atoi(raw)
		if err != nil {
			return
		}
		hint := time.Duration(ms) * time.Millisecond
		if hint < s.minDelay {
			hint = s.minDelay
		}
		if hint > s.maxDelay {
			hint = s.maxDelay
		}
		s.mu.Lock()
		s.delay = hint
		s.mu.Unlock()
		s.logger.Debug("retry_interval_updated", "delay", hint.String())

	case strings.HasPrefix(line, "event:"), strings.HasPrefix(line, "id:"):
		// Routing relies on the type field inside the data payload, not on
		// SSE framing.
	}
}

// deliver invokes the callback, isolating the stream from callback faults.
func (s *Subscriber) deliver(ctx context.Context, callback EventCallback, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event_callback_panic", "event_type", ev.Type, "panic", fmt.Sprint(r))
		}
	}()
	if err := callback(ctx, ev); err != nil {
		s.logger.Error("event_callback_error", "event_type", ev.Type, "error", err.Error())
	}
}

func (s *Subscriber) resetBackoff() {
	s.mu.Lock()
	s.delay = s.minDelay
	s.attempts = 0
	s.mu.Unlock()
}

func (s *Subscriber) bumpBackoff() {
	jitter := 0.8 + 0.4*rand.Float64()
	s.mu.Lock()
	next := time.Duration(float64(s.delay) * 2 * jitter)
	if next > s.maxDelay {
		next = s.maxDelay
	}
	s.delay = next
	s.mu.Unlock()
}

func (s *Subscriber) setState(next ConnState) {
	s.mu.Lock()
	old := s.state
	if old == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.stats.CurrentState = next
	cb := s.stateCallback
	s.mu.Unlock()

	s.logger.Debug("connection_state_changed", "old_state", string(old), "new_state", string(next))
	if cb != nil {
		cb(old, next)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
