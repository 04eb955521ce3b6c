// ABOUTME: Store interface and data types for warren-gateway persistence
// ABOUTME: Defines Session, SessionEvent structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when trying to create a session that already exists
var ErrDuplicateSession = errors.New("session already exists")

// Session represents a named conversation scope that clients can subscribe to
type Session struct {
	Key         string
	DisplayName string
	CreatedBy   string // client id of the creator
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SessionEvent represents a single message recorded within a session
type SessionEvent struct {
	ID         string
	SessionKey string
	Sender     string // client id of the sender
	Content    string
	CreatedAt  time.Time
}

// ListEventsParams specifies the parameters for retrieving session history.
type ListEventsParams struct {
	SessionKey string     // Required: the session to fetch events from
	Since      *time.Time // Optional: only events at or after this timestamp
	Limit      int        // 1-500, defaults to 50
}

// Store defines the interface for gateway persistence
type Store interface {
	// CreateSession creates a new session. Returns ErrDuplicateSession if the
	// key is already taken.
	CreateSession(ctx context.Context, session *Session) error

	// GetSession retrieves a session by key. Returns ErrNotFound if it does not exist.
	GetSession(ctx context.Context, key string) (*Session, error)

	// ListSessions returns all sessions ordered by creation time, newest first.
	ListSessions(ctx context.Context) ([]*Session, error)

	// AppendEvent records an event in a session and bumps the session's
	// updated_at. Returns ErrNotFound if the session does not exist.
	AppendEvent(ctx context.Context, event *SessionEvent) error

	// ListEvents returns session history ordered by creation time, oldest first.
	// Returns ErrNotFound if the session does not exist.
	ListEvents(ctx context.Context, params ListEventsParams) ([]*SessionEvent, error)

	// Close releases database resources
	Close() error
}
