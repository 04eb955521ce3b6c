// ABOUTME: Builtin session methods: list, create, history, and send
// ABOUTME: Bridges the method registry to the session store, broadcaster, and idempotency cache

package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/warren-gateway/internal/dedupe"
	"github.com/2389/warren-gateway/internal/events"
	"github.com/2389/warren-gateway/internal/protocol"
	"github.com/2389/warren-gateway/internal/rpc"
	"github.com/2389/warren-gateway/internal/store"
)

// Service provides the sessions.* builtin methods
type Service struct {
	store       store.Store
	broadcaster *events.Broadcaster
	cache       *dedupe.Cache
	logger      *slog.Logger
}

// NewService creates the sessions method service. cache may be nil to
// disable send idempotency.
func NewService(st store.Store, broadcaster *events.Broadcaster, cache *dedupe.Cache) *Service {
	return &Service{
		store:       st,
		broadcaster: broadcaster,
		cache:       cache,
		logger:      slog.Default().With("component", "methods.sessions"),
	}
}

// Register adds the session methods to the registry
func (s *Service) Register(registry *rpc.Registry) error {
	handlers := map[string]rpc.HandlerFunc{
		"sessions.list":    s.list,
		"sessions.create":  s.create,
		"sessions.history": s.history,
		"sessions.send":    s.send,
	}
	for name, handler := range handlers {
		if err := registry.Register(name, handler); err != nil {
			return fmt.Errorf("registering %s: %w", name, err)
		}
	}
	return nil
}

// requireSession resolves the session key a session-scoped method runs
// against. A missing key is NOT_PAIRED; an unknown key is NOT_LINKED.
func (s *Service) requireSession(ctx context.Context, req rpc.Request) (*store.Session, error) {
	if req.SessionKey == "" {
		return nil, protocol.NewError(protocol.CodeNotPaired,
			"method requires a sessionKey")
	}
	session, err := s.store.GetSession(ctx, req.SessionKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, protocol.NewError(protocol.CodeNotLinked,
			"unknown session %s", req.SessionKey)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	return session, nil
}

type sessionView struct {
	Key         string    `json:"key"`
	DisplayName string    `json:"displayName"`
	CreatedBy   string    `json:"createdBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func toView(session *store.Session) sessionView {
	return sessionView{
		Key:         session.Key,
		DisplayName: session.DisplayName,
		CreatedBy:   session.CreatedBy,
		CreatedAt:   session.CreatedAt,
		UpdatedAt:   session.UpdatedAt,
	}
}

type listResult struct {
	Sessions []sessionView `json:"sessions"`
}

func (s *Service) list(ctx context.Context, req rpc.Request) (json.RawMessage, error) {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	result := listResult{Sessions: make([]sessionView, 0, len(sessions))}
	for _, session := range sessions {
		result.Sessions = append(result.Sessions, toView(session))
	}
	return json.Marshal(result)
}

type createParams struct {
	Key         string `json:"key"`
	DisplayName string `json:"displayName"`
	ClientID    string `json:"clientId"`
}

func (s *Service) create(ctx context.Context, req rpc.Request) (json.RawMessage, error) {
	var params createParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "invalid params: %v", err)
	}
	if params.Key == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "key is required")
	}
	if params.DisplayName == "" {
		params.DisplayName = params.Key
	}

	session := store.NewSession(params.Key, params.DisplayName, params.ClientID)
	if err := s.store.CreateSession(ctx, session); err != nil {
		if errors.Is(err, store.ErrDuplicateSession) {
			return nil, protocol.NewError(protocol.CodeInvalidRequest,
				"session %s already exists", params.Key)
		}
		return nil, fmt.Errorf("creating session: %w", err)
	}

	s.logger.Info("session created", "session_key", session.Key, "created_by", session.CreatedBy)

	s.broadcaster.Broadcast(&protocol.Event{
		Type:    "session.created",
		Payload: mustMarshal(toView(session)),
	})

	return json.Marshal(toView(session))
}

type historyParams struct {
	Since *time.Time `json:"since,omitempty"`
	Limit int        `json:"limit,omitempty"`
}

type eventView struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type historyResult struct {
	SessionKey string      `json:"sessionKey"`
	Events     []eventView `json:"events"`
}

func (s *Service) history(ctx context.Context, req rpc.Request) (json.RawMessage, error) {
	session, err := s.requireSession(ctx, req)
	if err != nil {
		return nil, err
	}

	var params historyParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, protocol.NewError(protocol.CodeInvalidRequest, "invalid params: %v", err)
		}
	}

	stored, err := s.store.ListEvents(ctx, store.ListEventsParams{
		SessionKey: session.Key,
		Since:      params.Since,
		Limit:      params.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}

	result := historyResult{SessionKey: session.Key, Events: make([]eventView, 0, len(stored))}
	for _, event := range stored {
		result.Events = append(result.Events, eventView{
			ID:        event.ID,
			Sender:    event.Sender,
			Content:   event.Content,
			CreatedAt: event.CreatedAt,
		})
	}
	return json.Marshal(result)
}

type sendParams struct {
	Content        string `json:"content"`
	Sender         string `json:"sender"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type sendResult struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// messageEvent is the payload broadcast on the session key for each send
type messageEvent struct {
	ID      string `json:"id"`
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

func (s *Service) send(ctx context.Context, req rpc.Request) (json.RawMessage, error) {
	session, err := s.requireSession(ctx, req)
	if err != nil {
		return nil, err
	}

	var params sendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "invalid params: %v", err)
	}
	if params.Content == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "content is required")
	}

	// A retried send with the same idempotency key replays the original
	// result without persisting or broadcasting again.
	cacheKey := ""
	if s.cache != nil && params.IdempotencyKey != "" {
		cacheKey = session.Key + "/" + params.IdempotencyKey
		if cached, ok := s.cache.Lookup(cacheKey); ok {
			s.logger.Debug("replaying idempotent send",
				"session_key", session.Key, "idempotency_key", params.IdempotencyKey)
			return cached, nil
		}
	}

	event := &store.SessionEvent{
		ID:         uuid.New().String(),
		SessionKey: session.Key,
		Sender:     params.Sender,
		Content:    params.Content,
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.store.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("appending event: %w", err)
	}

	s.broadcaster.Broadcast(&protocol.Event{
		Type:       "message",
		SessionKey: session.Key,
		Payload: mustMarshal(messageEvent{
			ID:      event.ID,
			Sender:  event.Sender,
			Content: event.Content,
		}),
	})

	result, err := json.Marshal(sendResult{ID: event.ID, CreatedAt: event.CreatedAt})
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	if cacheKey != "" {
		s.cache.Store(cacheKey, result)
	}
	return result, nil
}

// mustMarshal marshals values whose types cannot fail to encode
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
