package core

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T, maxOffline int) *SessionStore {
	t.Helper()
	store, err := OpenSessionStore(SessionStoreOptions{
		Path:               filepath.Join(t.TempDir(), "bindings.db"),
		MaxOfflineMessages: maxOffline,
	})
	if err != nil {
		t.Fatalf("OpenSessionStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBindAndUnbind(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, 0)
	ctx := context.Background()

	if err := store.Bind(ctx, "telegram", "u1", "inst1"); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	// Re-binding the same triple refreshes, not errors.
	if err := store.Bind(ctx, "telegram", "u1", "inst1"); err != nil {
		t.Fatalf("Bind() again error = %v", err)
	}
	if err := store.Bind(ctx, "telegram", "u1", "inst2"); err != nil {
		t.Fatalf("Bind() second instance error = %v", err)
	}

	instances, err := store.UserInstances(ctx, "telegram", "u1")
	if err != nil {
		t.Fatalf("UserInstances() error = %v", err)
	}
	if len(instances) != 2 {
		t.Fatalf("UserInstances() = %v, want 2 entries", instances)
	}

	removed, err := store.Unbind(ctx, "telegram", "u1", "inst1")
	if err != nil || !removed {
		t.Fatalf("Unbind() = %v, %v", removed, err)
	}
	removed, err = store.Unbind(ctx, "telegram", "u1", "inst1")
	if err != nil {
		t.Fatalf("Unbind() second error = %v", err)
	}
	if removed {
		t.Fatal("Unbind() of absent binding should report false")
	}
}

func TestInstanceUsers(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, 0)
	ctx := context.Background()

	mustBind := func(platform, user, instance string) {
		t.Helper()
		if err := store.Bind(ctx, platform, user, instance); err != nil {
			t.Fatalf("Bind(%s, %s, %s) error = %v", platform, user, instance, err)
		}
	}
	mustBind("telegram", "u1", "inst1")
	mustBind("dingtalk", "u2", "inst1")
	mustBind("telegram", "u3", "inst2")

	users, err := store.InstanceUsers(ctx, "inst1")
	if err != nil {
		t.Fatalf("InstanceUsers() error = %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("InstanceUsers(inst1) = %v, want 2", users)
	}
	for _, u := range users {
		if u.UserID == "u3" {
			t.Fatalf("InstanceUsers(inst1) leaked other instance's user: %v", users)
		}
	}
}

func TestOfflineMessageQueueCapped(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		content := fmt.Sprintf("msg-%d", i)
		if err := store.SaveOfflineMessage(ctx, "inst1", "telegram", "u1", content); err != nil {
			t.Fatalf("SaveOfflineMessage(%d) error = %v", i, err)
		}
	}

	messages, err := store.TakeOfflineMessages(ctx, "telegram", "u1")
	if err != nil {
		t.Fatalf("TakeOfflineMessages() error = %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("queued messages = %d, want cap 3", len(messages))
	}
	// Oldest evicted first: msg-2, msg-3, msg-4 remain.
	for i, m := range messages {
		want := fmt.Sprintf("msg-%d", i+2)
		if m.Content != want {
			t.Fatalf("messages[%d].Content = %q, want %q", i, m.Content, want)
		}
	}
}

func TestTakeOfflineMessagesClears(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, 0)
	ctx := context.Background()

	if err := store.SaveOfflineMessage(ctx, "inst1", "telegram", "u1", "hello"); err != nil {
		t.Fatalf("SaveOfflineMessage() error = %v", err)
	}

	first, err := store.TakeOfflineMessages(ctx, "telegram", "u1")
	if err != nil {
		t.Fatalf("TakeOfflineMessages() error = %v", err)
	}
	if len(first) != 1 || first[0].Content != "hello" || first[0].InstanceID != "inst1" {
		t.Fatalf("first take = %v", first)
	}

	second, err := store.TakeOfflineMessages(ctx, "telegram", "u1")
	if err != nil {
		t.Fatalf("TakeOfflineMessages() second error = %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("second take = %v, want empty", second)
	}
}

func TestOfflineQueueIsolatedPerUser(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, 0)
	ctx := context.Background()

	if err := store.SaveOfflineMessage(ctx, "inst1", "telegram", "u1", "for u1"); err != nil {
		t.Fatalf("SaveOfflineMessage() error = %v", err)
	}
	if err := store.SaveOfflineMessage(ctx, "inst1", "dingtalk", "u1", "other platform"); err != nil {
		t.Fatalf("SaveOfflineMessage() error = %v", err)
	}

	messages, err := store.TakeOfflineMessages(ctx, "telegram", "u1")
	if err != nil {
		t.Fatalf("TakeOfflineMessages() error = %v", err)
	}
	if len(messages) != 1 || messages[0].Content != "for u1" {
		t.Fatalf("telegram queue = %v", messages)
	}

	remaining, err := store.TakeOfflineMessages(ctx, "dingtalk", "u1")
	if err != nil {
		t.Fatalf("TakeOfflineMessages() error = %v", err)
	}
	if len(remaining) != 1 || remaining[0].Content != "other platform" {
		t.Fatalf("dingtalk queue = %v", remaining)
	}
}
