// ABOUTME: Tests for the sessions builtin methods
// ABOUTME: Covers CRUD, session scoping errors, broadcast, and send idempotency

package sessions

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/warren-gateway/internal/dedupe"
	"github.com/2389/warren-gateway/internal/events"
	"github.com/2389/warren-gateway/internal/protocol"
	"github.com/2389/warren-gateway/internal/rpc"
	"github.com/2389/warren-gateway/internal/store"
)

// recordingSink collects broadcast events for assertions
type recordingSink struct {
	mu     sync.Mutex
	events []*protocol.Event
}

func (r *recordingSink) SendEvent(ev *protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) received() []*protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*protocol.Event(nil), r.events...)
}

type fixture struct {
	registry    *rpc.Registry
	broadcaster *events.Broadcaster
	store       store.Store
	cache       *dedupe.Cache
	sink        *recordingSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	slog.SetDefault(logger)

	st, err := store.NewSQLiteStore(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cache := dedupe.New(time.Minute, 100)
	t.Cleanup(cache.Close)

	f := &fixture{
		registry:    rpc.NewRegistry(2*time.Second, logger),
		broadcaster: events.NewBroadcaster(logger),
		store:       st,
		cache:       cache,
		sink:        &recordingSink{},
	}

	svc := NewService(st, f.broadcaster, cache)
	require.NoError(t, svc.Register(f.registry))
	return f
}

func (f *fixture) invoke(t *testing.T, method string, params any, sessionKey string) (json.RawMessage, error) {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		require.NoError(t, err)
		raw = data
	}
	return f.registry.Invoke(context.Background(), method, rpc.Request{
		Params:     raw,
		SessionKey: sessionKey,
	})
}

func (f *fixture) createSession(t *testing.T, key string) {
	t.Helper()
	_, err := f.invoke(t, "sessions.create", createParams{Key: key, ClientID: "client-1"}, "")
	require.NoError(t, err)
}

func assertCode(t *testing.T, err error, code protocol.ErrorCode) {
	t.Helper()
	var coded *protocol.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, code, coded.Code)
}

func TestCreate_AndList(t *testing.T) {
	f := newFixture(t)

	result, err := f.invoke(t, "sessions.create",
		createParams{Key: "team", DisplayName: "Team Chat", ClientID: "client-1"}, "")
	require.NoError(t, err)

	var created sessionView
	require.NoError(t, json.Unmarshal(result, &created))
	assert.Equal(t, "team", created.Key)
	assert.Equal(t, "Team Chat", created.DisplayName)
	assert.Equal(t, "client-1", created.CreatedBy)

	listRaw, err := f.invoke(t, "sessions.list", nil, "")
	require.NoError(t, err)

	var listed listResult
	require.NoError(t, json.Unmarshal(listRaw, &listed))
	require.Len(t, listed.Sessions, 1)
	assert.Equal(t, "team", listed.Sessions[0].Key)
}

func TestCreate_MissingKey(t *testing.T) {
	f := newFixture(t)

	_, err := f.invoke(t, "sessions.create", createParams{}, "")
	assertCode(t, err, protocol.CodeInvalidRequest)
}

func TestCreate_Duplicate(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "dup")

	_, err := f.invoke(t, "sessions.create", createParams{Key: "dup"}, "")
	assertCode(t, err, protocol.CodeInvalidRequest)
}

func TestCreate_BroadcastsGlobally(t *testing.T) {
	f := newFixture(t)
	f.broadcaster.Subscribe(f.sink, events.Global)

	f.createSession(t, "announced")

	received := f.sink.received()
	require.Len(t, received, 1)
	assert.Equal(t, "session.created", received[0].Type)
}

func TestHistory_RequiresSessionKey(t *testing.T) {
	f := newFixture(t)

	_, err := f.invoke(t, "sessions.history", nil, "")
	assertCode(t, err, protocol.CodeNotPaired)
}

func TestHistory_UnknownSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.invoke(t, "sessions.history", nil, "ghost")
	assertCode(t, err, protocol.CodeNotLinked)
}

func TestSend_PersistsAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "room")
	f.broadcaster.Subscribe(f.sink, "room")

	result, err := f.invoke(t, "sessions.send",
		sendParams{Content: "hello", Sender: "client-1"}, "room")
	require.NoError(t, err)

	var sent sendResult
	require.NoError(t, json.Unmarshal(result, &sent))
	assert.NotEmpty(t, sent.ID)

	// Broadcast on the session key
	received := f.sink.received()
	require.Len(t, received, 1)
	assert.Equal(t, "message", received[0].Type)
	assert.Equal(t, "room", received[0].SessionKey)

	var payload messageEvent
	require.NoError(t, json.Unmarshal(received[0].Payload, &payload))
	assert.Equal(t, "hello", payload.Content)

	// Persisted to history
	historyRaw, err := f.invoke(t, "sessions.history", nil, "room")
	require.NoError(t, err)

	var history historyResult
	require.NoError(t, json.Unmarshal(historyRaw, &history))
	require.Len(t, history.Events, 1)
	assert.Equal(t, "hello", history.Events[0].Content)
	assert.Equal(t, sent.ID, history.Events[0].ID)
}

func TestSend_MissingContent(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "room")

	_, err := f.invoke(t, "sessions.send", sendParams{Sender: "client-1"}, "room")
	assertCode(t, err, protocol.CodeInvalidRequest)
}

func TestSend_Idempotency(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "room")
	f.broadcaster.Subscribe(f.sink, "room")

	params := sendParams{Content: "once", Sender: "client-1", IdempotencyKey: "retry-1"}

	first, err := f.invoke(t, "sessions.send", params, "room")
	require.NoError(t, err)

	second, err := f.invoke(t, "sessions.send", params, "room")
	require.NoError(t, err)

	// Retry replays the original result
	assert.JSONEq(t, string(first), string(second))

	// No double-broadcast
	assert.Len(t, f.sink.received(), 1)

	// No double-persist
	historyRaw, err := f.invoke(t, "sessions.history", nil, "room")
	require.NoError(t, err)
	var history historyResult
	require.NoError(t, json.Unmarshal(historyRaw, &history))
	assert.Len(t, history.Events, 1)
}

func TestSend_DifferentIdempotencyKeys(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "room")

	_, err := f.invoke(t, "sessions.send",
		sendParams{Content: "a", Sender: "c", IdempotencyKey: "k1"}, "room")
	require.NoError(t, err)
	_, err = f.invoke(t, "sessions.send",
		sendParams{Content: "b", Sender: "c", IdempotencyKey: "k2"}, "room")
	require.NoError(t, err)

	historyRaw, err := f.invoke(t, "sessions.history", nil, "room")
	require.NoError(t, err)
	var history historyResult
	require.NoError(t, json.Unmarshal(historyRaw, &history))
	assert.Len(t, history.Events, 2)
}
