package opencode

import (
	"encoding/json"
	"time"
)

// Event types emitted by the OpenCode backend. The set is open: unknown
// types flow through untouched, so downstream code should not match
// exhaustively.
const (
	EventTypeServerConnected  = "server.connected"
	EventTypeSessionCreated   = "session.created"
	EventTypeSessionUpdated   = "session.updated"
	EventTypeSessionDeleted   = "session.deleted"
	EventTypeMessageCreated   = "message.created"
	EventTypeMessageUpdated   = "message.updated"
	EventTypeMessageCompleted = "message.completed"
	EventTypePartUpdated      = "part.updated"
	EventTypeToolStart        = "tool.start"
	EventTypeToolEnd          = "tool.end"
	EventTypeError            = "error"
	EventTypeUnknown          = "unknown"

	// Synthesized by the subscriber, never sent by the backend. The
	// underscore prefix keeps them out of the backend's namespace.
	EventTypeConnectionLost     = "_connection.lost"
	EventTypeConnectionRestored = "_connection.restored"
)

// Event is one parsed SSE payload. Values are immutable after parse and
// discarded once the routing callback returns.
type Event struct {
	Type      string
	SessionID string
	MessageID string
	Content   string
	Data      map[string]any
	Timestamp time.Time
}

// IsSynthetic reports whether the event was generated by the subscriber
// rather than received from the backend.
func (e Event) IsSynthetic() bool {
	return e.Type == EventTypeConnectionLost || e.Type == EventTypeConnectionRestored
}

// ParseEvent decodes one SSE data payload. The backend emits camelCase keys
// (sessionID, messageID); snake_case fallbacks are accepted for
// forward-compatibility. A missing type defaults to "unknown".
func ParseEvent(raw []byte) (Event, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return Event{}, err
	}
	return eventFromMap(data), nil
}

func eventFromMap(data map[string]any) Event {
	ev := Event{
		Type:      stringField(data, "type"),
		SessionID: firstStringField(data, "sessionID", "session_id"),
		MessageID: firstStringField(data, "messageID", "message_id"),
		Content:   stringField(data, "content"),
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	if ev.Type == "" {
		ev.Type = EventTypeUnknown
	}
	return ev
}

func newConnectionLostEvent(retryIn time.Duration) Event {
	return Event{
		Type:      EventTypeConnectionLost,
		Data:      map[string]any{"reconnect_in": retryIn.Seconds()},
		Timestamp: time.Now().UTC(),
	}
}

func newConnectionRestoredEvent(reconnects int) Event {
	return Event{
		Type:      EventTypeConnectionRestored,
		Data:      map[string]any{"reconnect_count": reconnects},
		Timestamp: time.Now().UTC(),
	}
}

func stringField(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func firstStringField(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if v := stringField(data, key); v != "" {
			return v
		}
	}
	return ""
}
