// Package store is the durable, append-only conversation log with session
// windowing and retention.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// timeLayout is the stored timestamp encoding. Unlike RFC3339Nano it keeps
// trailing zeros, so the encodings are fixed width and lexicographic order in
// SQL matches chronological order. All stored times are UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Entity is a thing mentioned in a turn (a token address, typically), kept
// so follow-up queries can resolve references like "the second one".
type Entity struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol,omitempty"`
	Name    string `json:"name,omitempty"`
	Chain   string `json:"chain,omitempty"`
}

// Metadata is the optional structured payload attached to a message.
type Metadata struct {
	ToolCalls         json.RawMessage `json:"tool_calls,omitempty"`
	MentionedEntities []Entity        `json:"mentioned_entities,omitempty"`
	Confidence        *float64        `json:"confidence,omitempty"`
}

// Message is one persisted turn.
type Message struct {
	ID        int64
	SessionID string
	UserKey   string
	Role      Role
	Content   string
	Metadata  *Metadata
	Timestamp time.Time
}

// Store owns the messages table. One writer at a time is sufficient; the
// connection pool is capped accordingly.
type Store struct {
	db          *sql.DB
	idleTimeout time.Duration
	logger      *slog.Logger
}

// Open opens (creating lazily) the conversation database at path.
// idleTimeout is the session window used by OpenOrReuseSession.
func Open(path string, idleTimeout time.Duration, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		db:          db,
		idleTimeout: idleTimeout,
		logger:      logger.With("component", "store"),
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			user_key   TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			metadata   TEXT,
			timestamp  TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create messages table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_messages_user_time ON messages(user_key, timestamp DESC)",
		"CREATE INDEX IF NOT EXISTS idx_messages_time ON messages(timestamp)",
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// OpenOrReuseSession returns the user's current session id: the one on their
// latest non-tool message if it is within the idle window of now, otherwise
// a freshly minted opaque id. Tool messages never extend a session's life.
func (s *Store) OpenOrReuseSession(ctx context.Context, userKey string, now time.Time) (string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, timestamp FROM messages
		WHERE user_key = ? AND role != 'tool'
		ORDER BY timestamp DESC, id DESC LIMIT 1
	`, userKey)

	var sessionID, ts string
	switch err := row.Scan(&sessionID, &ts); err {
	case nil:
		last, perr := time.Parse(timeLayout, ts)
		if perr == nil && now.Sub(last) <= s.idleTimeout {
			return sessionID, nil
		}
	case sql.ErrNoRows:
	default:
		return "", fmt.Errorf("query latest message: %w", err)
	}

	return uuid.NewString(), nil
}

// Append inserts one message row.
func (s *Store) Append(ctx context.Context, sessionID, userKey string, role Role, content string, md *Metadata, now time.Time) error {
	var metaJSON any
	if md != nil {
		data, err := json.Marshal(md)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metaJSON = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, user_key, role, content, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, userKey, string(role), content, metaJSON, now.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Recent returns the user's last limit messages, oldest first.
func (s *Store) Recent(ctx context.Context, userKey string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_key, role, content, metadata, timestamp FROM messages
		WHERE user_key = ?
		ORDER BY timestamp DESC, id DESC LIMIT ?
	`, userKey, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	var newestFirst []Message
	for rows.Next() {
		var (
			m        Message
			role, ts string
			meta     sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserKey, &role, &m.Content, &meta, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		if meta.Valid && meta.String != "" {
			var md Metadata
			if json.Unmarshal([]byte(meta.String), &md) == nil {
				m.Metadata = &md
			}
		}
		if parsed, perr := time.Parse(timeLayout, ts); perr == nil {
			m.Timestamp = parsed
		}
		newestFirst = append(newestFirst, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to oldest-first.
	out := make([]Message, len(newestFirst))
	for i, m := range newestFirst {
		out[len(newestFirst)-1-i] = m
	}
	return out, nil
}

// PurgeOlderThan deletes messages older than cutoff, except those belonging
// to a session that is still within the activity window of now.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff, now time.Time) (int64, error) {
	activeSince := now.Add(-s.idleTimeout)

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE timestamp < ?
		  AND session_id NOT IN (
			SELECT DISTINCT session_id FROM messages WHERE timestamp >= ?
		  )
	`, cutoff.UTC().Format(timeLayout), activeSince.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("purged old messages", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// Clear forgets all messages for the user and returns how many were removed.
// The next OpenOrReuseSession mints a fresh id.
func (s *Store) Clear(ctx context.Context, userKey string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE user_key = ?`, userKey)
	if err != nil {
		return 0, fmt.Errorf("clear messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
