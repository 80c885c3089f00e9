package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/qikezhang/opencode-on-im/opencode"
)

const adapterStopTimeout = 10 * time.Second

// AppOptions wires the components an App orchestrates.
type AppOptions struct {
	Client     *opencode.Client
	Subscriber *opencode.Subscriber
	Registry   *InstanceRegistry
	Sessions   *SessionStore
	Router     *NotificationRouter
	Adapters   []Adapter

	// NotifyConnectionEvents forwards connection lost/restored notices
	// to online users.
	NotifyConnectionEvents bool

	Logger *slog.Logger
}

// App is the composition root: it starts the adapters, subscribes to
// the backend event stream, and routes events until shutdown.
type App struct {
	client     *opencode.Client
	subscriber *opencode.Subscriber
	registry   *InstanceRegistry
	sessions   *SessionStore
	router     *NotificationRouter
	adapters   []Adapter
	notifyConn bool
	logger     *slog.Logger

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

func NewApp(opts AppOptions) (*App, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("app requires a backend client")
	}
	if opts.Subscriber == nil {
		return nil, fmt.Errorf("app requires an event subscriber")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("app requires an instance registry")
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("app requires a notification router")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		client:     opts.Client,
		subscriber: opts.Subscriber,
		registry:   opts.Registry,
		sessions:   opts.Sessions,
		router:     opts.Router,
		adapters:   opts.Adapters,
		notifyConn: opts.NotifyConnectionEvents,
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}, nil
}

// Run starts adapters and the event subscriber, then blocks until the
// context is cancelled or Shutdown is called. Producers stop before
// consumers: the subscriber is torn down before the adapters.
func (a *App) Run(ctx context.Context) error {
	if len(a.adapters) == 0 {
		a.logger.Warn("no_adapters_configured")
	}

	var started []Adapter
	for _, adapter := range a.adapters {
		if err := adapter.Start(ctx); err != nil {
			a.stopAdapters(started)
			return fmt.Errorf("start %s adapter: %w", adapter.Platform(), err)
		}
		started = append(started, adapter)
		a.logger.Info("adapter_started", "platform", adapter.Platform())
	}

	a.subscriber.Start(a.onEvent)
	a.logger.Info("application_started", "adapters", len(a.adapters))

	select {
	case <-ctx.Done():
	case <-a.shutdownCh:
	}

	a.subscriber.Stop()
	a.stopAdapters(started)
	a.logger.Info("application_stopped")
	return nil
}

// Shutdown signals Run to stop. Safe to call more than once.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() { close(a.shutdownCh) })
}

func (a *App) stopAdapters(adapters []Adapter) {
	ctx, cancel := context.WithTimeout(context.Background(), adapterStopTimeout)
	defer cancel()
	for _, adapter := range adapters {
		if err := adapter.Stop(ctx); err != nil {
			a.logger.Error("adapter_stop_failed", "platform", adapter.Platform(), "error", err)
		}
	}
}

// onEvent stamps each backend event with its owning instance id and
// hands it to the router. Synthetic connection events are broadcast as
// plain text to every instance with online users.
func (a *App) onEvent(ctx context.Context, ev opencode.Event) error {
	if ev.IsSynthetic() {
		if !a.notifyConn {
			return nil
		}
		a.broadcastConnectionNotice(ctx, ev)
		return nil
	}

	event := map[string]any{
		"type":       ev.Type,
		"session_id": ev.SessionID,
		"content":    ev.Content,
	}
	if ev.MessageID != "" {
		event["message_id"] = ev.MessageID
	}
	for k, v := range ev.Data {
		if _, taken := event[k]; !taken {
			event[k] = v
		}
	}

	if inst := a.registry.ResolveSession(ev.SessionID); inst != nil {
		event["instance_id"] = inst.ID
	}
	a.router.Route(ctx, event, a.adapters)
	return nil
}

func (a *App) broadcastConnectionNotice(ctx context.Context, ev opencode.Event) {
	text := formatConnectionNotice(ev)
	if text == "" {
		return
	}
	for _, instanceID := range a.router.OnlineInstanceIDs() {
		a.router.Broadcast(ctx, instanceID, text, a.adapters, nil)
	}
}

func formatConnectionNotice(ev opencode.Event) string {
	switch ev.Type {
	case opencode.EventTypeConnectionLost:
		if sec, ok := ev.Data["reconnect_in"].(float64); ok {
			return fmt.Sprintf("⚠️ 后端连接断开，%.0f 秒后重试", sec)
		}
		return "⚠️ 后端连接断开，重试中"
	case opencode.EventTypeConnectionRestored:
		return "✅ 后端连接已恢复"
	default:
		return ""
	}
}
