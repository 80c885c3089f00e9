package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/qikezhang/opencode-on-im/core"
	"github.com/qikezhang/opencode-on-im/internal/telegramutil"
	"github.com/qikezhang/opencode-on-im/opencode"
)

const (
	platformName       = "telegram"
	defaultPollTimeout = 30 * time.Second
	pollErrorBackoff   = time.Second
)

// Options configures the Telegram adapter.
type Options struct {
	Token string
	// APIBaseURL overrides the Bot API endpoint, mainly for tests.
	APIBaseURL  string
	PollTimeout time.Duration
	HTTP        *http.Client

	Client   *opencode.Client
	Registry *core.InstanceRegistry
	Sessions *core.SessionStore
	Router   *core.NotificationRouter
	Logger   *slog.Logger
}

// Adapter bridges Telegram private chats to the backend over Bot API
// long-polling.
type Adapter struct {
	api         *botAPI
	pollTimeout time.Duration

	client   *opencode.Client
	registry *core.InstanceRegistry
	sessions *core.SessionStore
	router   *core.NotificationRouter
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(opts Options) (*Adapter, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("telegram adapter requires a backend client")
	}
	if opts.Registry == nil || opts.Sessions == nil || opts.Router == nil {
		return nil, fmt.Errorf("telegram adapter requires registry, sessions and router")
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		api:         newBotAPI(opts.HTTP, opts.APIBaseURL, strings.TrimSpace(opts.Token)),
		pollTimeout: pollTimeout,
		client:      opts.Client,
		registry:    opts.Registry,
		sessions:    opts.Sessions,
		router:      opts.Router,
		logger:      logger.With("platform", platformName),
	}, nil
}

func (a *Adapter) Platform() string { return platformName }

// Start validates the token with getMe and launches the polling loop.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.mu.Unlock()

	me, err := a.api.getMe(ctx)
	if err != nil {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		return fmt.Errorf("telegram getMe: %w", err)
	}
	a.logger.Info("telegram_adapter_starting", "bot", me.Username)

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.mu.Lock()
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	go a.pollLoop(loopCtx, done)
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

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a.logger.Info("telegram_adapter_stopped")
	return nil
}

func (a *Adapter) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	var offset int64
	for {
		updates, nextOffset, err := a.api.getUpdates(ctx, offset, a.pollTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				a.logger.Info("telegram_poll_stopped", "reason", "context_canceled")
				return
			}
			if isPollTimeoutError(err) {
				a.logger.Debug("telegram_get_updates_timeout", "error", err.Error())
			} else {
				a.logger.Warn("telegram_get_updates_error", "error", err.Error())
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollErrorBackoff):
			}
			continue
		}
		offset = nextOffset

		for _, u := range updates {
			msg := u.Message
			if msg == nil || msg.Chat == nil || msg.From == nil || msg.From.IsBot {
				continue
			}
			if msg.Chat.Type != "" && msg.Chat.Type != "private" {
				continue
			}
			a.handleMessage(ctx, msg)
		}
	}
}

// SendText delivers plain text, escaped for MarkdownV2 and split at the
// message limit.
func (a *Adapter) SendText(ctx context.Context, userID, text string) error {
	chatID, err := parseChatID(userID)
	if err != nil {
		return err
	}
	escaped := telegramutil.EscapeMarkdownV2(text)
	for _, chunk := range telegramutil.SplitMessage(escaped, telegramutil.MessageLimit) {
		if err := a.api.sendMarkdownV2(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// SendEvent formats a routed backend event and delivers it.
func (a *Adapter) SendEvent(ctx context.Context, userID string, event map[string]any) error {
	chatID, err := parseChatID(userID)
	if err != nil {
		return err
	}
	text := FormatEvent(event)
	if text == "" {
		return nil
	}
	for _, chunk := range telegramutil.SplitMessage(text, telegramutil.MessageLimit) {
		if err := a.api.sendMarkdownV2(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// reply answers a handled incoming message with pre-escaped MarkdownV2.
func (a *Adapter) reply(ctx context.Context, chatID int64, text string) {
	for _, chunk := range telegramutil.SplitMessage(text, telegramutil.MessageLimit) {
		if err := a.api.sendMarkdownV2(ctx, chatID, chunk); err != nil {
			a.logger.Error("telegram_reply_failed", "chat_id", chatID, "error", err)
			return
		}
	}
}

func parseChatID(userID string) (int64, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(userID), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram user id %q: %w", userID, err)
	}
	return chatID, nil
}
