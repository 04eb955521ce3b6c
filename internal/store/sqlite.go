// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/event persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			key TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			created_by TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS session_events (
			id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_key) REFERENCES sessions(key)
		);

		CREATE INDEX IF NOT EXISTS idx_session_events_session_created
			ON session_events(session_key, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateSession creates a new session
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (key, display_name, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.Key,
		session.DisplayName,
		session.CreatedBy,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	return nil
}

// GetSession retrieves a session by key
func (s *SQLiteStore) GetSession(ctx context.Context, key string) (*Session, error) {
	query := `
		SELECT key, display_name, created_by, created_at, updated_at
		FROM sessions
		WHERE key = ?
	`

	session := &Session{}
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&session.Key,
		&session.DisplayName,
		&session.CreatedBy,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	return session, nil
}

// ListSessions returns all sessions ordered by creation time, newest first
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*Session, error) {
	query := `
		SELECT key, display_name, created_by, created_at, updated_at
		FROM sessions
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session := &Session{}
		if err := rows.Scan(
			&session.Key,
			&session.DisplayName,
			&session.CreatedBy,
			&session.CreatedAt,
			&session.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, session)
	}

	return sessions, rows.Err()
}

// AppendEvent records an event in a session and bumps the session's updated_at
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *SessionEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE key = ?`,
		event.CreatedAt, event.SessionKey,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking session update: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_events (id, session_key, sender, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		event.ID,
		event.SessionKey,
		event.Sender,
		event.Content,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	return tx.Commit()
}

// ListEvents returns session history ordered by creation time, oldest first
func (s *SQLiteStore) ListEvents(ctx context.Context, params ListEventsParams) ([]*SessionEvent, error) {
	if _, err := s.GetSession(ctx, params.SessionKey); err != nil {
		return nil, err
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	query := `
		SELECT id, session_key, sender, content, created_at
		FROM session_events
		WHERE session_key = ?
	`
	args := []any{params.SessionKey}

	if params.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, *params.Since)
	}

	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*SessionEvent
	for rows.Next() {
		event := &SessionEvent{}
		if err := rows.Scan(
			&event.ID,
			&event.SessionKey,
			&event.Sender,
			&event.Content,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// now returns the current time truncated to millisecond precision so values
// round-trip cleanly through SQLite DATETIME columns.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// NewSession builds a Session with timestamps set.
func NewSession(key, displayName, createdBy string) *Session {
	ts := now()
	return &Session{
		Key:         key,
		DisplayName: displayName,
		CreatedBy:   createdBy,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
}
