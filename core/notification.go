package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Adapter is the surface the router and the orchestrator need from a
// platform integration. Implementations live under adapters/.
type Adapter interface {
	Platform() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SendText(ctx context.Context, userID string, text string) error
	SendEvent(ctx context.Context, userID string, event map[string]any) error
}

// UserKey identifies one IM user on one platform.
type UserKey struct {
	Platform string
	UserID   string
}

func (k UserKey) String() string {
	return k.Platform + ":" + k.UserID
}

// NotificationRouter owns the online-presence registry and fans backend
// events out to the adapter matching each online user's platform. The
// registry is in-memory only; binding durability lives in the session
// store.
type NotificationRouter struct {
	mu     sync.Mutex
	online map[string][]UserKey
	logger *slog.Logger
}

func NewNotificationRouter(logger *slog.Logger) *NotificationRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationRouter{
		online: make(map[string][]UserKey),
		logger: logger,
	}
}

// RegisterOnline marks a user online for an instance. Registering the
// same user twice is a no-op.
func (r *NotificationRouter) RegisterOnline(instanceID, platform, userID string) {
	key := UserKey{Platform: platform, UserID: userID}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.online[instanceID] {
		if existing == key {
			return
		}
	}
	r.online[instanceID] = append(r.online[instanceID], key)
	r.logger.Debug("user_online", "instance_id", instanceID, "platform", platform, "user_id", userID)
}

// UnregisterOnline removes a user from the online set. Unregistering an
// absent entry is a no-op.
func (r *NotificationRouter) UnregisterOnline(instanceID, platform, userID string) {
	key := UserKey{Platform: platform, UserID: userID}
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.online[instanceID]
	for i, existing := range members {
		if existing == key {
			r.online[instanceID] = append(members[:i:i], members[i+1:]...)
			r.logger.Debug("user_offline", "instance_id", instanceID, "platform", platform, "user_id", userID)
			return
		}
	}
}

// GetOnlineUsers returns a snapshot of the users online for an instance,
// in registration order.
func (r *NotificationRouter) GetOnlineUsers(instanceID string) []UserKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.online[instanceID]
	out := make([]UserKey, len(members))
	copy(out, members)
	return out
}

// OnlineInstanceIDs returns the ids of instances that currently have at
// least one online user.
func (r *NotificationRouter) OnlineInstanceIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.online))
	for id, members := range r.online {
		if len(members) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// Route delivers one backend event to every online user of its owning
// instance. The event must carry a non-empty "instance_id"; without it
// the event is dropped with a warning. Per-recipient failures are
// logged and do not abort delivery to the remaining recipients.
func (r *NotificationRouter) Route(ctx context.Context, event map[string]any, adapters []Adapter) {
	instanceID, _ := event["instance_id"].(string)
	if instanceID == "" {
		r.logger.Warn("event_missing_instance_id", "event_type", event["type"])
		return
	}

	for _, user := range r.GetOnlineUsers(instanceID) {
		adapter := findAdapter(adapters, user.Platform)
		if adapter == nil {
			continue
		}
		if err := adapter.SendEvent(ctx, user.UserID, event); err != nil {
			r.logger.Error("send_event_failed",
				"platform", user.Platform,
				"user_id", user.UserID,
				"error", err)
		}
	}
}

// Broadcast sends a plain text message to every online user of an
// instance, optionally excluding one user.
func (r *NotificationRouter) Broadcast(ctx context.Context, instanceID, message string, adapters []Adapter, exclude *UserKey) {
	for _, user := range r.GetOnlineUsers(instanceID) {
		if exclude != nil && user == *exclude {
			continue
		}
		adapter := findAdapter(adapters, user.Platform)
		if adapter == nil {
			continue
		}
		if err := adapter.SendText(ctx, user.UserID, message); err != nil {
			r.logger.Error("broadcast_failed",
				"platform", user.Platform,
				"user_id", user.UserID,
				"error", err)
		}
	}
}

// FormatOnlineStatus renders the online-user list for an instance.
// Returns "" when nobody (other than the excluded user) is online.
func (r *NotificationRouter) FormatOnlineStatus(instanceID string, exclude *UserKey) string {
	var names []string
	for _, user := range r.GetOnlineUsers(instanceID) {
		if exclude != nil && user == *exclude {
			continue
		}
		names = append(names, "@"+user.UserID)
	}
	if len(names) == 0 {
		return ""
	}
	return fmt.Sprintf("📡 在线用户: %s", strings.Join(names, ", "))
}

func findAdapter(adapters []Adapter, platform string) Adapter {
	for _, a := range adapters {
		if a.Platform() == platform {
			return a
		}
	}
	return nil
}
