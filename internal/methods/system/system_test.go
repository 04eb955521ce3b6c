// ABOUTME: Tests for the system builtin methods
// ABOUTME: Covers ping response shape and status counters

package system

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/warren-gateway/internal/rpc"
)

type fakeSource struct {
	connections int
	uptime      time.Duration
	dropped     uint64
}

func (f *fakeSource) ConnectionCount() int  { return f.connections }
func (f *fakeSource) Uptime() time.Duration { return f.uptime }
func (f *fakeSource) EventsDropped() uint64 { return f.dropped }

func newTestRegistry(t *testing.T) *rpc.Registry {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return rpc.NewRegistry(time.Second, logger)
}

func TestPing(t *testing.T) {
	registry := newTestRegistry(t)
	svc := NewService(&fakeSource{})
	require.NoError(t, svc.Register(registry))

	result, err := registry.Invoke(context.Background(), "system.ping", rpc.Request{})
	require.NoError(t, err)

	var pong pingResult
	require.NoError(t, json.Unmarshal(result, &pong))
	assert.True(t, pong.Pong)
	assert.NotEmpty(t, pong.Time)
}

func TestStatus(t *testing.T) {
	registry := newTestRegistry(t)
	svc := NewService(&fakeSource{connections: 3, uptime: 90 * time.Second, dropped: 7})
	require.NoError(t, svc.Register(registry))

	result, err := registry.Invoke(context.Background(), "system.status", rpc.Request{})
	require.NoError(t, err)

	var status statusResult
	require.NoError(t, json.Unmarshal(result, &status))
	assert.Equal(t, 3, status.Connections)
	assert.Equal(t, 90.0, status.UptimeSeconds)
	assert.Equal(t, uint64(7), status.EventsDropped)
	assert.Contains(t, status.Methods, "system.ping")
	assert.Contains(t, status.Methods, "system.status")
	assert.Equal(t, 1, status.ProtocolMin)
}

func TestRegister_Twice(t *testing.T) {
	registry := newTestRegistry(t)
	svc := NewService(&fakeSource{})
	require.NoError(t, svc.Register(registry))

	err := svc.Register(registry)
	assert.Error(t, err)
}
