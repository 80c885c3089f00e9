package opencode

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// SessionSubscriber follows the event stream of a single session
// (GET /event?sessionID=...). It reconnects with plain exponential backoff
// and carries none of the global subscriber's synthetic events.
type SessionSubscriber struct {
	client    *Client
	sessionID string
	logger    *slog.Logger

	minDelay time.Duration
	maxDelay time.Duration

	stream *http.Client

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	state   ConnState
	delay   time.Duration
}

func NewSessionSubscriber(client *Client, sessionID string, logger *slog.Logger) (*SessionSubscriber, error) {
	if client == nil {
		return nil, fmt.Errorf("opencode client is required")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionSubscriber{
		client:    client,
		sessionID: sessionID,
		logger:    logger,
		minDelay:  defaultMinReconnectDelay,
		maxDelay:  defaultMaxReconnectDelay,
		stream:    &http.Client{Timeout: 0},
		state:     StateDisconnected,
		delay:     defaultMinReconnectDelay,
	}, nil
}

func (s *SessionSubscriber) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *SessionSubscriber) IsConnected() bool {
	return s.State() == StateConnected
}

func (s *SessionSubscriber) Start(callback EventCallback) {
	if callback == nil {
		return
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.delay = s.minDelay
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.loop(ctx, callback, done)
	s.logger.Info("session_subscriber_started", "session_id", s.sessionID)
}

func (s *SessionSubscriber) Stop() {
	s.mu.Lock()
	s.running = false
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(stopJoinTimeout):
		}
	}
}

func (s *SessionSubscriber) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *SessionSubscriber) setState(state ConnState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *SessionSubscriber) loop(ctx context.Context, callback EventCallback, done chan struct{}) {
	defer close(done)
	defer s.setState(StateDisconnected)

	for s.isRunning() {
		s.setState(StateConnecting)
		err := s.subscribe(ctx, callback)
		if err == nil {
			s.mu.Lock()
			s.delay = s.minDelay
			s.mu.Unlock()
			continue
		}
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		delay := s.delay
		s.mu.Unlock()
		s.logger.Warn("session_subscribe_error", "session_id", s.sessionID, "error", err.Error(), "reconnect_in", delay.String())
		s.setState(StateReconnecting)
		if err := sleepWithContext(ctx, delay); err != nil {
			return
		}
		s.mu.Lock()
		s.delay *= 2
		if s.delay > s.maxDelay {
			s.delay = s.maxDelay
		}
		s.mu.Unlock()
	}
}

func (s *SessionSubscriber) subscribe(ctx context.Context, callback EventCallback) error {
	endpoint := s.client.BaseURL() + "/event?sessionID=" + url.QueryEscape(s.sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
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
	s.logger.Debug("session_sse_connected", "session_id", s.sessionID)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxSSELineBytes)
	for scanner.Scan() {
		if !s.isRunning() {
			return nil
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(line[len("data:"):])
		if payload == "" {
			continue
		}
		ev, err := ParseEvent([]byte(payload))
		if err != nil {
			s.logger.Warn("session_event_error", "session_id", s.sessionID, "error", err.Error())
			continue
		}
		if err := callback(ctx, ev); err != nil {
			s.logger.Warn("session_event_callback_error", "session_id", s.sessionID, "error", err.Error())
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return classifyTransportError(err)
	}
	return nil
}
