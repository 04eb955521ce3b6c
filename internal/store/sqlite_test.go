// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers session CRUD, event history, and error sentinel behavior

package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_CreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := NewSession("team-chat", "Team Chat", "client-1")
	require.NoError(t, s.CreateSession(ctx, session))

	got, err := s.GetSession(ctx, "team-chat")
	require.NoError(t, err)
	assert.Equal(t, "team-chat", got.Key)
	assert.Equal(t, "Team Chat", got.DisplayName)
	assert.Equal(t, "client-1", got.CreatedBy)
	assert.WithinDuration(t, session.CreatedAt, got.CreatedAt, time.Second)
}

func TestSQLiteStore_GetSession_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_CreateSession_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, NewSession("dup", "First", "client-1")))

	err := s.CreateSession(ctx, NewSession("dup", "Second", "client-2"))
	assert.ErrorIs(t, err, ErrDuplicateSession)
}

func TestSQLiteStore_ListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := NewSession("older", "Older", "client-1")
	older.CreatedAt = older.CreatedAt.Add(-time.Hour)
	require.NoError(t, s.CreateSession(ctx, older))
	require.NoError(t, s.CreateSession(ctx, NewSession("newer", "Newer", "client-1")))

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	// Newest first
	assert.Equal(t, "newer", sessions[0].Key)
	assert.Equal(t, "older", sessions[1].Key)
}

func TestSQLiteStore_ListSessions_Empty(t *testing.T) {
	s := newTestStore(t)

	sessions, err := s.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSQLiteStore_AppendAndListEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, NewSession("chat", "Chat", "client-1")))

	base := now()
	for i, content := range []string{"first", "second", "third"} {
		err := s.AppendEvent(ctx, &SessionEvent{
			ID:         uuid.New().String(),
			SessionKey: "chat",
			Sender:     "client-1",
			Content:    content,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	events, err := s.ListEvents(ctx, ListEventsParams{SessionKey: "chat"})
	require.NoError(t, err)
	require.Len(t, events, 3)

	// Oldest first
	assert.Equal(t, "first", events[0].Content)
	assert.Equal(t, "second", events[1].Content)
	assert.Equal(t, "third", events[2].Content)
}

func TestSQLiteStore_AppendEvent_BumpsUpdatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := NewSession("bump", "Bump", "client-1")
	session.UpdatedAt = session.UpdatedAt.Add(-time.Hour)
	require.NoError(t, s.CreateSession(ctx, session))

	eventTime := now()
	require.NoError(t, s.AppendEvent(ctx, &SessionEvent{
		ID:         uuid.New().String(),
		SessionKey: "bump",
		Sender:     "client-1",
		Content:    "hello",
		CreatedAt:  eventTime,
	}))

	got, err := s.GetSession(ctx, "bump")
	require.NoError(t, err)
	assert.WithinDuration(t, eventTime, got.UpdatedAt, time.Second)
}

func TestSQLiteStore_AppendEvent_UnknownSession(t *testing.T) {
	s := newTestStore(t)

	err := s.AppendEvent(context.Background(), &SessionEvent{
		ID:         uuid.New().String(),
		SessionKey: "missing",
		Sender:     "client-1",
		Content:    "hello",
		CreatedAt:  now(),
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ListEvents_UnknownSession(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ListEvents(context.Background(), ListEventsParams{SessionKey: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ListEvents_SinceAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, NewSession("filtered", "Filtered", "client-1")))

	base := now()
	for i := 0; i < 10; i++ {
		err := s.AppendEvent(ctx, &SessionEvent{
			ID:         uuid.New().String(),
			SessionKey: "filtered",
			Sender:     "client-1",
			Content:    "msg",
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	since := base.Add(5 * time.Second)
	events, err := s.ListEvents(ctx, ListEventsParams{
		SessionKey: "filtered",
		Since:      &since,
		Limit:      3,
	})
	require.NoError(t, err)
	require.Len(t, events, 3)
	for _, event := range events {
		assert.False(t, event.CreatedAt.Before(since))
	}
}
