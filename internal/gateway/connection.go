// ABOUTME: Per-connection handshake state machine, read loop, and writer
// ABOUTME: Owns request dispatch, response correlation, and the bounded event lane

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/2389/warren-gateway/internal/events"
	"github.com/2389/warren-gateway/internal/protocol"
	"github.com/2389/warren-gateway/internal/rpc"
)

// ConnState tracks a connection's position in the handshake lifecycle
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAwaitingHello
	StateReady
	StateClosing
	StateClosed
)

// String returns the state name for logging
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting-hello"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection wraps a single client WebSocket. One read-loop goroutine decodes
// inbound frames, each request is dispatched on its own goroutine, and a
// single writer goroutine owns the socket's write side. The writer is fed by
// two lanes: a buffered response channel that is never dropped, and a bounded
// event queue with drop-oldest semantics.
type Connection struct {
	id          string
	ws          *websocket.Conn
	registry    *rpc.Registry
	broadcaster *events.Broadcaster
	logger      *slog.Logger
	serverInfo  *protocol.ServerInfo

	handshakeTimeout time.Duration
	queueSize        int

	state           atomic.Int32
	protocolVersion int
	client          protocol.ClientInfo
	connectedAt     time.Time

	mu         sync.Mutex
	inflight   map[string]context.CancelFunc
	eventQueue []*protocol.Event
	dropped    atomic.Uint64

	respCh   chan *protocol.Frame
	evSignal chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// newConnection creates a Connection in the Connecting state. serve drives
// the rest of the lifecycle.
func newConnection(ws *websocket.Conn, srv *Server) *Connection {
	c := &Connection{
		id:               uuid.New().String(),
		ws:               ws,
		registry:         srv.registry,
		broadcaster:      srv.broadcaster,
		serverInfo:       srv.serverInfo,
		handshakeTimeout: srv.config.Gateway.HandshakeTimeout,
		queueSize:        srv.config.Gateway.EventQueueSize,
		inflight:         make(map[string]context.CancelFunc),
		respCh:           make(chan *protocol.Frame, 64),
		evSignal:         make(chan struct{}, 1),
		done:             make(chan struct{}),
	}
	c.logger = srv.logger.With("component", "connection", "conn_id", c.id)
	c.state.Store(int32(StateConnecting))
	return c
}

// ID returns the server-assigned connection id
func (c *Connection) ID() string {
	return c.id
}

// State returns the current lifecycle state
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// Client returns the client metadata recorded from the hello frame.
// Only meaningful once the connection reached Ready.
func (c *Connection) Client() protocol.ClientInfo {
	return c.client
}

// ProtocolVersion returns the negotiated protocol version
func (c *Connection) ProtocolVersion() int {
	return c.protocolVersion
}

// EventsDropped returns the number of events discarded from the bounded
// event lane since the connection was established.
func (c *Connection) EventsDropped() uint64 {
	return c.dropped.Load()
}

// serve runs the connection to completion: handshake, then the read loop.
// It blocks until the socket closes or a protocol violation occurs, and
// guarantees teardown runs exactly once.
func (c *Connection) serve(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	defer c.teardown()

	c.connectedAt = time.Now()
	c.state.Store(int32(StateAwaitingHello))

	if err := c.handshake(); err != nil {
		c.logger.Warn("handshake failed", "error", err)
		return
	}

	c.state.Store(int32(StateReady))
	c.broadcaster.Subscribe(c, events.Global)
	c.logger.Info("connection ready",
		"client_id", c.client.ID,
		"protocol", c.protocolVersion,
	)

	go c.writeLoop()
	c.readLoop()
}

// handshake reads the first frame under the handshake deadline. Anything
// other than a well-formed hello is a protocol violation.
func (c *Connection) handshake() error {
	ctx, cancel := context.WithTimeout(c.ctx, c.handshakeTimeout)
	defer cancel()

	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading hello frame: %w", err)
	}

	frame, err := protocol.Decode(data)
	if err != nil {
		c.rejectHandshake("malformed hello frame")
		return fmt.Errorf("decoding hello frame: %w", err)
	}
	if frame.Type != protocol.TypeHello {
		c.rejectHandshake("expected hello frame")
		return fmt.Errorf("first frame was %q, want hello", frame.Type)
	}

	version, ok := protocol.Negotiate(frame.MinProtocol, frame.MaxProtocol)
	if !ok {
		c.rejectHandshake(fmt.Sprintf(
			"no common protocol version: client [%d,%d], server [%d,%d]",
			frame.MinProtocol, frame.MaxProtocol,
			protocol.MinProtocol, protocol.MaxProtocol,
		))
		return fmt.Errorf("no common protocol version with client [%d,%d]",
			frame.MinProtocol, frame.MaxProtocol)
	}

	c.protocolVersion = version
	c.client = *frame.Client

	return c.writeFrame(ctx, protocol.NewHelloOK(version, c.serverInfo))
}

// rejectHandshake best-effort sends a hello-rejected frame before teardown
func (c *Connection) rejectHandshake(message string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = c.writeFrame(ctx, protocol.NewHelloRejected(protocol.CodeInvalidRequest, message))
}

// readLoop decodes inbound frames until the socket closes or a fatal
// protocol violation occurs.
func (c *Connection) readLoop() {
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.State() == StateReady {
				c.logger.Debug("read loop ended", "error", err)
			}
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			var decodeErr *protocol.DecodeError
			if errors.As(err, &decodeErr) && decodeErr.Recoverable() {
				// The malformed frame carried a usable id, so the error can
				// be correlated back instead of killing the connection.
				c.enqueueResponse(protocol.NewErrorResponse(decodeErr.ID,
					protocol.NewError(protocol.CodeInvalidRequest, "%s", decodeErr.Reason)))
				continue
			}
			c.logger.Warn("malformed frame, closing connection", "error", err)
			return
		}

		switch frame.Type {
		case protocol.TypeRequest:
			c.handleRequest(frame)
		case protocol.TypeResponse:
			// This build issues no server-to-client requests, so there is
			// nothing to correlate a client response against.
			c.logger.Debug("ignoring uncorrelated response frame", "id", frame.ID)
		case protocol.TypeEvent:
			c.handleClientEvent(frame)
		default:
			c.logger.Warn("protocol violation, closing connection",
				"frame_type", frame.Type, "state", c.State().String())
			return
		}
	}
}

// handleRequest dispatches a request frame on its own goroutine. A request
// id already in flight is rejected with INVALID_REQUEST while the original
// invocation continues undisturbed.
func (c *Connection) handleRequest(frame *protocol.Frame) {
	ctx, cancel := context.WithCancel(c.ctx)

	c.mu.Lock()
	if _, exists := c.inflight[frame.ID]; exists {
		c.mu.Unlock()
		cancel()
		c.enqueueResponse(protocol.NewErrorResponse(frame.ID,
			protocol.NewError(protocol.CodeInvalidRequest,
				"request id %s is already in flight", frame.ID)))
		return
	}
	c.inflight[frame.ID] = cancel
	c.mu.Unlock()

	if frame.SessionKey != "" {
		c.broadcaster.Subscribe(c, frame.SessionKey)
	}

	go func() {
		defer cancel()

		result, err := c.registry.Invoke(ctx, frame.Method, rpc.Request{
			Params:     frame.Params,
			SessionKey: frame.SessionKey,
		})

		c.mu.Lock()
		delete(c.inflight, frame.ID)
		c.mu.Unlock()

		// The client is gone, the synthesized outcome has nowhere to go
		if c.State() != StateReady {
			return
		}

		if err != nil {
			c.enqueueResponse(protocol.NewErrorResponse(frame.ID, protocol.AsError(err)))
			return
		}
		c.enqueueResponse(protocol.NewResult(frame.ID, result))
	}()
}

// handleClientEvent re-broadcasts a client-originated event frame to the
// subscribers of its session key.
func (c *Connection) handleClientEvent(frame *protocol.Frame) {
	c.broadcaster.Broadcast(&protocol.Event{
		Type:       frame.Event,
		SessionKey: frame.SessionKey,
		Payload:    frame.Payload,
	})
}

// SendEvent implements events.Sink. Events land in the bounded lane; when
// the lane is full the oldest queued event is discarded and the drop counter
// incremented. Never blocks the broadcaster.
func (c *Connection) SendEvent(ev *protocol.Event) {
	if c.State() != StateReady {
		return
	}

	c.mu.Lock()
	if len(c.eventQueue) >= c.queueSize {
		c.eventQueue = c.eventQueue[1:]
		c.dropped.Add(1)
	}
	c.eventQueue = append(c.eventQueue, ev)
	c.mu.Unlock()

	select {
	case c.evSignal <- struct{}{}:
	default:
	}
}

// enqueueResponse feeds the writer's response lane. Responses are never
// dropped; if the lane is full this blocks until the writer catches up or
// the connection tears down.
func (c *Connection) enqueueResponse(frame *protocol.Frame) {
	select {
	case c.respCh <- frame:
	case <-c.ctx.Done():
	}
}

// writeLoop is the sole writer of the socket. Responses take priority over
// queued events.
func (c *Connection) writeLoop() {
	for {
		select {
		case frame := <-c.respCh:
			if err := c.writeFrame(c.ctx, frame); err != nil {
				c.cancel()
				return
			}
		case <-c.evSignal:
			if err := c.flushEvents(); err != nil {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// flushEvents drains the event lane in enqueue order
func (c *Connection) flushEvents() error {
	c.mu.Lock()
	pending := c.eventQueue
	c.eventQueue = nil
	c.mu.Unlock()

	for _, ev := range pending {
		if err := c.writeFrame(c.ctx, protocol.NewEventFrame(ev)); err != nil {
			return err
		}
	}
	return nil
}

// writeFrame encodes and writes a single frame to the socket
func (c *Connection) writeFrame(ctx context.Context, frame *protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", frame.Type, err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// teardown runs the cleanup sequence exactly once: cancel in-flight
// invocations, remove all broadcaster subscriptions, close the socket.
func (c *Connection) teardown() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))

		c.mu.Lock()
		cancels := make([]context.CancelFunc, 0, len(c.inflight))
		for _, cancel := range c.inflight {
			cancels = append(cancels, cancel)
		}
		c.inflight = make(map[string]context.CancelFunc)
		c.eventQueue = nil
		c.mu.Unlock()

		for _, cancel := range cancels {
			cancel()
		}

		c.broadcaster.RemoveSink(c)
		c.cancel()
		_ = c.ws.Close(websocket.StatusNormalClosure, "bye")

		c.state.Store(int32(StateClosed))
		close(c.done)
		c.logger.Info("connection closed", "dropped_events", c.dropped.Load())
	})
}
