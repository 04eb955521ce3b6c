// ABOUTME: Builtin system methods: ping and server status introspection
// ABOUTME: Registers system.ping and system.status into the method registry

package system

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/warren-gateway/internal/protocol"
	"github.com/2389/warren-gateway/internal/rpc"
)

// StatusSource exposes the server counters system.status reports
type StatusSource interface {
	ConnectionCount() int
	Uptime() time.Duration
	EventsDropped() uint64
}

// Service provides the system.* builtin methods
type Service struct {
	source   StatusSource
	registry *rpc.Registry
	logger   *slog.Logger
}

// NewService creates the system method service
func NewService(source StatusSource) *Service {
	return &Service{
		source: source,
		logger: slog.Default().With("component", "methods.system"),
	}
}

// Register adds the system methods to the registry
func (s *Service) Register(registry *rpc.Registry) error {
	s.registry = registry

	if err := registry.Register("system.ping", rpc.HandlerFunc(s.ping)); err != nil {
		return fmt.Errorf("registering system.ping: %w", err)
	}
	if err := registry.Register("system.status", rpc.HandlerFunc(s.status)); err != nil {
		return fmt.Errorf("registering system.status: %w", err)
	}
	return nil
}

type pingResult struct {
	Pong bool   `json:"pong"`
	Time string `json:"time"`
}

func (s *Service) ping(ctx context.Context, req rpc.Request) (json.RawMessage, error) {
	return json.Marshal(pingResult{
		Pong: true,
		Time: time.Now().UTC().Format(time.RFC3339),
	})
}

type statusResult struct {
	Connections   int      `json:"connections"`
	UptimeSeconds float64  `json:"uptimeSeconds"`
	Methods       []string `json:"methods"`
	EventsDropped uint64   `json:"eventsDropped"`
	ProtocolMin   int      `json:"protocolMin"`
	ProtocolMax   int      `json:"protocolMax"`
}

func (s *Service) status(ctx context.Context, req rpc.Request) (json.RawMessage, error) {
	return json.Marshal(statusResult{
		Connections:   s.source.ConnectionCount(),
		UptimeSeconds: s.source.Uptime().Seconds(),
		Methods:       s.registry.ListMethods(),
		EventsDropped: s.source.EventsDropped(),
		ProtocolMin:   protocol.MinProtocol,
		ProtocolMax:   protocol.MaxProtocol,
	})
}
