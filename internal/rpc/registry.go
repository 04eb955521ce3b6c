// ABOUTME: Thread-safe method registry for the gateway RPC surface.
// ABOUTME: Dispatches invocations to registered handlers under a bounded deadline.

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/warren-gateway/internal/protocol"
)

// ErrDuplicateMethod indicates a method name is already registered.
var ErrDuplicateMethod = errors.New("method already registered")

// Request carries the opaque invocation inputs through to a handler. The
// registry never interprets Params; schema validation is the handler's job.
type Request struct {
	Params     json.RawMessage
	SessionKey string
}

// Handler is the capability a subsystem registers for one method name.
// Implementations must respect ctx cancellation: on deadline expiry the
// registry abandons the invocation rather than killing it.
type Handler interface {
	Invoke(ctx context.Context, req Request) (json.RawMessage, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, req Request) (json.RawMessage, error)

// Invoke calls the function.
func (f HandlerFunc) Invoke(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// Registry maps method names to handlers. Registration and invocation are
// safe for concurrent use; invocations for the same method run concurrently
// with no ordering between them.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]Handler
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry creates a registry whose invocations are bounded by timeout.
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		methods: make(map[string]Handler),
		timeout: timeout,
		logger:  logger.With("component", "rpc-registry"),
	}
}

// Register adds a handler under name. Names are case-sensitive and unique;
// a collision fails with ErrDuplicateMethod and leaves the registry unchanged.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return errors.New("method name must not be empty")
	}
	if h == nil {
		return fmt.Errorf("method %q: handler must not be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.methods[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateMethod, name)
	}
	r.methods[name] = h

	r.logger.Debug("method registered", "method", name, "total_methods", len(r.methods))
	return nil
}

// Unregister removes a method and reports whether it existed. Invocations
// already dispatched keep running; only future lookups are affected.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.methods[name]; !exists {
		return false
	}
	delete(r.methods, name)

	r.logger.Debug("method unregistered", "method", name, "total_methods", len(r.methods))
	return true
}

// HasMethod reports whether name is currently registered.
func (r *Registry) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.methods[name]
	return ok
}

// ListMethods returns all registered method names, sorted.
func (r *Registry) ListMethods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// invokeResult carries a handler outcome across the deadline select.
type invokeResult struct {
	result json.RawMessage
	err    error
}

// Invoke looks up and runs the handler for name under the registry deadline.
// The returned error, when non-nil, is always a *protocol.Error:
//
//   - unknown method: METHOD_NOT_FOUND, without touching any handler
//   - handler returned a coded error: passed through unchanged
//   - handler returned any other error: INTERNAL_ERROR with a safe message
//   - deadline elapsed: AGENT_TIMEOUT; the handler goroutine is abandoned
//     and must wind down on its own via ctx cancellation
func (r *Registry) Invoke(ctx context.Context, name string, req Request) (json.RawMessage, error) {
	r.mu.RLock()
	h, ok := r.methods[name]
	r.mu.RUnlock()

	if !ok {
		return nil, protocol.NewError(protocol.CodeMethodNotFound, "method not found: %s", name)
	}

	invokeID := uuid.New().String()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("handler panicked",
					"method", name,
					"invoke_id", invokeID,
					"panic", rec,
				)
				done <- invokeResult{err: protocol.NewError(protocol.CodeInternal, "internal error")}
			}
		}()
		result, err := h.Invoke(ctx, req)
		done <- invokeResult{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			coded := protocol.AsError(out.err)
			if coded.Code == protocol.CodeInternal {
				// Log the real failure; only the safe message goes to the wire.
				r.logger.Error("handler failed", "method", name, "invoke_id", invokeID, "error", out.err)
			}
			return nil, coded
		}
		return out.result, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			// Caller went away (connection closed); the synthesized error is
			// discarded, not delivered.
			return nil, protocol.NewError(protocol.CodeUnavailable, "invocation cancelled")
		}
		r.logger.Warn("handler deadline elapsed, abandoning invocation",
			"method", name,
			"invoke_id", invokeID,
			"timeout", r.timeout,
		)
		return nil, protocol.NewError(protocol.CodeAgentTimeout, "method %s did not complete within %s", name, r.timeout)
	}
}
