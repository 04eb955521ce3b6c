// ABOUTME: Tests for the method registry: registration, lookup, and invocation.
// ABOUTME: Covers error translation, timeouts, and concurrent registration.

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/warren-gateway/internal/protocol"
)

func echoHandler() Handler {
	return HandlerFunc(func(_ context.Context, req Request) (json.RawMessage, error) {
		return req.Params, nil
	})
}

func TestRegistry_RegisterAndQuery(t *testing.T) {
	r := NewRegistry(time.Second, nil)

	require.NoError(t, r.Register("sessions.list", echoHandler()))
	require.NoError(t, r.Register("system.ping", echoHandler()))

	assert.True(t, r.HasMethod("sessions.list"))
	assert.False(t, r.HasMethod("Sessions.List"), "method names are case-sensitive")
	assert.Equal(t, []string{"sessions.list", "system.ping"}, r.ListMethods())
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	r := NewRegistry(time.Second, nil)

	require.NoError(t, r.Register("sessions.list", echoHandler()))
	err := r.Register("sessions.list", echoHandler())
	require.ErrorIs(t, err, ErrDuplicateMethod)
}

func TestRegistry_RejectsEmptyNameAndNilHandler(t *testing.T) {
	r := NewRegistry(time.Second, nil)

	assert.Error(t, r.Register("", echoHandler()))
	assert.Error(t, r.Register("x", nil))
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(time.Second, nil)

	require.NoError(t, r.Register("sessions.list", echoHandler()))
	assert.True(t, r.Unregister("sessions.list"))
	assert.False(t, r.Unregister("sessions.list"))
	assert.False(t, r.HasMethod("sessions.list"))
}

func TestRegistry_InvokeUnknownMethod(t *testing.T) {
	r := NewRegistry(time.Second, nil)

	invoked := false
	require.NoError(t, r.Register("other", HandlerFunc(func(context.Context, Request) (json.RawMessage, error) {
		invoked = true
		return nil, nil
	})))

	_, err := r.Invoke(context.Background(), "nope.method", Request{})

	coded := protocol.AsError(err)
	assert.Equal(t, protocol.CodeMethodNotFound, coded.Code)
	assert.False(t, invoked, "no handler may run for an unknown method")
}

func TestRegistry_InvokeSuccess(t *testing.T) {
	r := NewRegistry(time.Second, nil)
	require.NoError(t, r.Register("echo", echoHandler()))

	result, err := r.Invoke(context.Background(), "echo", Request{
		Params:     json.RawMessage(`{"n":1}`),
		SessionKey: "A",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(result))
}

func TestRegistry_CodedErrorPassesThrough(t *testing.T) {
	r := NewRegistry(time.Second, nil)
	require.NoError(t, r.Register("linked.only", HandlerFunc(func(context.Context, Request) (json.RawMessage, error) {
		return nil, protocol.NewError(protocol.CodeNotLinked, "session not linked")
	})))

	_, err := r.Invoke(context.Background(), "linked.only", Request{})

	coded := protocol.AsError(err)
	assert.Equal(t, protocol.CodeNotLinked, coded.Code)
	assert.Equal(t, "session not linked", coded.Message)
}

func TestRegistry_WrappedCodedErrorPassesThrough(t *testing.T) {
	r := NewRegistry(time.Second, nil)
	require.NoError(t, r.Register("wrapped", HandlerFunc(func(context.Context, Request) (json.RawMessage, error) {
		return nil, fmt.Errorf("checking pairing: %w", protocol.NewError(protocol.CodeNotPaired, "device not paired"))
	})))

	_, err := r.Invoke(context.Background(), "wrapped", Request{})

	coded := protocol.AsError(err)
	assert.Equal(t, protocol.CodeNotPaired, coded.Code)
}

func TestRegistry_UnmappedErrorBecomesSafeInternal(t *testing.T) {
	r := NewRegistry(time.Second, nil)
	require.NoError(t, r.Register("broken", HandlerFunc(func(context.Context, Request) (json.RawMessage, error) {
		return nil, errors.New("pq: connection refused at 10.0.0.5:5432")
	})))

	_, err := r.Invoke(context.Background(), "broken", Request{})

	coded := protocol.AsError(err)
	assert.Equal(t, protocol.CodeInternal, coded.Code)
	assert.NotContains(t, coded.Message, "10.0.0.5", "internal detail must not leak to the wire")
}

func TestRegistry_PanickingHandlerBecomesInternal(t *testing.T) {
	r := NewRegistry(time.Second, nil)
	require.NoError(t, r.Register("panics", HandlerFunc(func(context.Context, Request) (json.RawMessage, error) {
		panic("boom")
	})))

	_, err := r.Invoke(context.Background(), "panics", Request{})

	coded := protocol.AsError(err)
	assert.Equal(t, protocol.CodeInternal, coded.Code)
}

func TestRegistry_InvokeTimeout(t *testing.T) {
	r := NewRegistry(50*time.Millisecond, nil)

	released := make(chan struct{})
	require.NoError(t, r.Register("slow", HandlerFunc(func(ctx context.Context, _ Request) (json.RawMessage, error) {
		<-ctx.Done()
		close(released)
		return nil, ctx.Err()
	})))

	start := time.Now()
	_, err := r.Invoke(context.Background(), "slow", Request{})
	elapsed := time.Since(start)

	coded := protocol.AsError(err)
	assert.Equal(t, protocol.CodeAgentTimeout, coded.Code)
	assert.Less(t, elapsed, time.Second)

	// The abandoned handler observes cancellation and winds down.
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("abandoned handler never observed cancellation")
	}
}

func TestRegistry_CancelledInvocationIsUnavailable(t *testing.T) {
	r := NewRegistry(time.Minute, nil)
	require.NoError(t, r.Register("slow", HandlerFunc(func(ctx context.Context, _ Request) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.Invoke(ctx, "slow", Request{})

	coded := protocol.AsError(err)
	assert.Equal(t, protocol.CodeUnavailable, coded.Code)
}

func TestRegistry_SlowInvocationDoesNotBlockFastOne(t *testing.T) {
	r := NewRegistry(500*time.Millisecond, nil)

	blocked := make(chan struct{})
	require.NoError(t, r.Register("slow", HandlerFunc(func(ctx context.Context, _ Request) (json.RawMessage, error) {
		<-blocked
		return json.RawMessage(`"slow"`), nil
	})))
	require.NoError(t, r.Register("fast", echoHandler()))

	slowDone := make(chan error, 1)
	go func() {
		_, err := r.Invoke(context.Background(), "slow", Request{})
		slowDone <- err
	}()

	// The fast call completes while the slow one is still pending.
	result, err := r.Invoke(context.Background(), "fast", Request{Params: json.RawMessage(`1`)})
	require.NoError(t, err)
	assert.Equal(t, `1`, string(result))

	close(blocked)
	select {
	case <-slowDone:
	case <-time.After(2 * time.Second):
		t.Fatal("slow invocation never resolved")
	}
}

func TestRegistry_ConcurrentRegistrationAndQueries(t *testing.T) {
	r := NewRegistry(time.Second, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			name := fmt.Sprintf("m.%d", n)
			assert.NoError(t, r.Register(name, echoHandler()))
			assert.True(t, r.HasMethod(name))
		}(i)
	}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.ListMethods()
		}()
	}
	wg.Wait()

	assert.Len(t, r.ListMethods(), 20)
}
