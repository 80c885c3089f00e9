package core

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/qikezhang/opencode-on-im/internal/fsstore"
)

const defaultMaxOfflineMessages = 100

// OfflineMessage is a queued notification for a user who was not online
// when it arrived.
type OfflineMessage struct {
	InstanceID string
	Content    string
	CreatedAt  string
}

// SessionStoreOptions configures OpenSessionStore.
type SessionStoreOptions struct {
	// Path is the SQLite database file.
	Path string
	// MaxOfflineMessages caps the queue per (platform, user); oldest
	// entries are evicted first. Zero means the default of 100.
	MaxOfflineMessages int
	Logger             *slog.Logger
}

// SessionStore persists user-to-instance bindings and the offline
// message queue in SQLite.
type SessionStore struct {
	db         *sql.DB
	maxOffline int
	logger     *slog.Logger
}

func OpenSessionStore(opts SessionStoreOptions) (*SessionStore, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("session store requires a path")
	}
	maxOffline := opts.MaxOfflineMessages
	if maxOffline <= 0 {
		maxOffline = defaultMaxOfflineMessages
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := fsstore.EnsureDir(filepath.Dir(opts.Path)); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", opts.Path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	store := &SessionStore{db: db, maxOffline: maxOffline, logger: logger}
	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SessionStore) Close() error {
	return s.db.Close()
}

func (s *SessionStore) createTables() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS bindings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			platform TEXT NOT NULL,
			user_id TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			bound_at TEXT NOT NULL,
			last_active TEXT NOT NULL,
			UNIQUE(platform, user_id, instance_id)
		)`,
		`CREATE TABLE IF NOT EXISTS offline_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bindings_user ON bindings(platform, user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_offline_user ON offline_messages(platform, user_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create session store schema: %w", err)
		}
	}
	return nil
}

// Bind records a user-to-instance binding. Re-binding refreshes
// last_active instead of failing.
func (s *SessionStore) Bind(ctx context.Context, platform, userID, instanceID string) error {
	now := timestamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bindings (platform, user_id, instance_id, bound_at, last_active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(platform, user_id, instance_id) DO UPDATE SET last_active = ?`,
		platform, userID, instanceID, now, now, now)
	if err != nil {
		return fmt.Errorf("bind user: %w", err)
	}
	s.logger.Info("user_bound", "platform", platform, "user_id", userID, "instance_id", instanceID)
	return nil
}

// Unbind removes a binding. Returns false when it did not exist.
func (s *SessionStore) Unbind(ctx context.Context, platform, userID, instanceID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM bindings WHERE platform = ? AND user_id = ? AND instance_id = ?`,
		platform, userID, instanceID)
	if err != nil {
		return false, fmt.Errorf("unbind user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("unbind user: %w", err)
	}
	return n > 0, nil
}

// UserInstances returns the instance ids a user is bound to.
func (s *SessionStore) UserInstances(ctx context.Context, platform, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id FROM bindings WHERE platform = ? AND user_id = ? ORDER BY bound_at`,
		platform, userID)
	if err != nil {
		return nil, fmt.Errorf("query user instances: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user instance: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InstanceUsers returns the users bound to an instance.
func (s *SessionStore) InstanceUsers(ctx context.Context, instanceID string) ([]UserKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT platform, user_id FROM bindings WHERE instance_id = ? ORDER BY bound_at`,
		instanceID)
	if err != nil {
		return nil, fmt.Errorf("query instance users: %w", err)
	}
	defer rows.Close()

	var users []UserKey
	for rows.Next() {
		var key UserKey
		if err := rows.Scan(&key.Platform, &key.UserID); err != nil {
			return nil, fmt.Errorf("scan instance user: %w", err)
		}
		users = append(users, key)
	}
	return users, rows.Err()
}

// UpdateLastActive refreshes the activity timestamp on all of a user's
// bindings.
func (s *SessionStore) UpdateLastActive(ctx context.Context, platform, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bindings SET last_active = ? WHERE platform = ? AND user_id = ?`,
		timestamp(), platform, userID)
	if err != nil {
		return fmt.Errorf("update last active: %w", err)
	}
	return nil
}

// SaveOfflineMessage queues a message for an offline user, evicting the
// oldest entries past the per-user cap.
func (s *SessionStore) SaveOfflineMessage(ctx context.Context, instanceID, platform, userID, content string) error {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM offline_messages WHERE platform = ? AND user_id = ?`,
		platform, userID).Scan(&count)
	if err != nil {
		return fmt.Errorf("count offline messages: %w", err)
	}

	if count >= s.maxOffline {
		_, err = s.db.ExecContext(ctx, `
			DELETE FROM offline_messages WHERE id IN (
				SELECT id FROM offline_messages
				WHERE platform = ? AND user_id = ?
				ORDER BY created_at ASC, id ASC
				LIMIT ?
			)`,
			platform, userID, count-s.maxOffline+1)
		if err != nil {
			return fmt.Errorf("evict offline messages: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO offline_messages (instance_id, user_id, platform, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		instanceID, userID, platform, content, timestamp())
	if err != nil {
		return fmt.Errorf("save offline message: %w", err)
	}
	return nil
}

// TakeOfflineMessages returns and clears a user's queued messages,
// oldest first.
func (s *SessionStore) TakeOfflineMessages(ctx context.Context, platform, userID string) ([]OfflineMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, content, created_at FROM offline_messages
		WHERE platform = ? AND user_id = ?
		ORDER BY created_at ASC, id ASC`,
		platform, userID)
	if err != nil {
		return nil, fmt.Errorf("query offline messages: %w", err)
	}
	defer rows.Close()

	var messages []OfflineMessage
	for rows.Next() {
		var m OfflineMessage
		if err := rows.Scan(&m.InstanceID, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan offline message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM offline_messages WHERE platform = ? AND user_id = ?`,
		platform, userID)
	if err != nil {
		return nil, fmt.Errorf("clear offline messages: %w", err)
	}
	return messages, nil
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
