// ABOUTME: Gateway server owning the listener, WebSocket accept loop, and health endpoints
// ABOUTME: Supervises each connection independently and manages graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"tailscale.com/tsnet"

	"github.com/2389/warren-gateway/internal/config"
	"github.com/2389/warren-gateway/internal/events"
	"github.com/2389/warren-gateway/internal/protocol"
	"github.com/2389/warren-gateway/internal/rpc"
)

// Version is the server build version reported in hello-ok frames
const Version = "0.1.0"

// Server accepts client connections and binds each one to the shared
// Registry and Broadcaster. All functional behavior is reached by
// registering methods before Run; the server itself exposes no RPC surface.
type Server struct {
	config      *config.Config
	registry    *rpc.Registry
	broadcaster *events.Broadcaster
	logger      *slog.Logger
	serverInfo  *protocol.ServerInfo

	httpServer  *http.Server
	tsnetServer *tsnet.Server

	mu        sync.Mutex
	conns     map[*Connection]struct{}
	startedAt time.Time
}

// NewServer creates a gateway server around shared registry and broadcaster
// instances.
func NewServer(cfg *config.Config, registry *rpc.Registry, broadcaster *events.Broadcaster) *Server {
	s := &Server{
		config:      cfg,
		registry:    registry,
		broadcaster: broadcaster,
		logger:      slog.Default().With("component", "gateway"),
		conns:       make(map[*Connection]struct{}),
		serverInfo: &protocol.ServerInfo{
			ServerID:    uuid.New().String(),
			Version:     Version,
			ProtocolMin: protocol.MinProtocol,
			ProtocolMax: protocol.MaxProtocol,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler, exposed for tests using httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Registry returns the shared method registry
func (s *Server) Registry() *rpc.Registry {
	return s.registry
}

// ConnectionCount returns the number of currently tracked connections
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Uptime returns how long the server has been running
func (s *Server) Uptime() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// EventsDropped sums the event drop counters across live connections
func (s *Server) EventsDropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total uint64
	for conn := range s.conns {
		total += conn.EventsDropped()
	}
	return total
}

// handleWebSocket upgrades the request and runs the connection to
// completion. A panic while serving one connection is recovered so it
// cannot take down its siblings.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Origin checks are the deployment proxy's concern
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	conn := newConnection(ws, s)

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("panic serving connection", "conn_id", conn.ID(), "panic", rec)
		}
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.teardown()
	}()

	s.logger.Info("connection accepted", "conn_id", conn.ID(), "remote", r.RemoteAddr)
	conn.serve(r.Context())
}

// handleHealth reports liveness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","version":%q}`+"\n", Version)
}

// handleReady reports readiness, including connection count for operators
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ready","connections":%d}`+"\n", s.ConnectionCount())
}

// setupTCPListener creates a standard TCP listener
func (s *Server) setupTCPListener() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.config.Server.HTTPAddr, err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "warren-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet server and listens on the tailnet
func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node",
		"hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	var tsAddr string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	}
	s.logger.Info("tailscale node ready", "hostname", tsCfg.Hostname, "tailscale_ip", tsAddr)

	ln, err := s.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale port: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP)
func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		return s.setupTailscaleListener(ctx)
	}
	return s.setupTCPListener()
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListener(ctx)
	if err != nil {
		return err
	}

	s.startedAt = time.Now()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serveErr = <-errCh:
		s.logger.Error("server error", "error", serveErr)
	}

	shutdownErr := s.gracefulShutdown()

	if serveErr != nil {
		return serveErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops the HTTP server, tears down live connections, and closes
// the tsnet node if one was started.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.teardown()
	}

	if s.tsnetServer != nil {
		if err := s.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tsnet close: %w", err))
		}
	}

	s.logger.Info("gateway stopped")
	return errors.Join(errs...)
}
