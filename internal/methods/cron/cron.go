// ABOUTME: Builtin cron methods scheduling recurring event broadcasts
// ABOUTME: Registers cron.list, cron.add, and cron.remove backed by robfig/cron

package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/2389/warren-gateway/internal/events"
	"github.com/2389/warren-gateway/internal/protocol"
	"github.com/2389/warren-gateway/internal/rpc"
)

// job tracks one scheduled broadcast
type job struct {
	ID         string          `json:"id"`
	Spec       string          `json:"spec"`
	Event      string          `json:"event"`
	SessionKey string          `json:"sessionKey,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	entryID cron.EntryID
}

// Service provides the cron.* builtin methods. Jobs broadcast an event frame
// on their schedule, scoped by session key when one is set.
type Service struct {
	scheduler   *cron.Cron
	broadcaster *events.Broadcaster
	logger      *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

// NewService creates the cron method service. Start must be called before
// added jobs fire.
func NewService(broadcaster *events.Broadcaster) *Service {
	return &Service{
		scheduler:   cron.New(cron.WithSeconds()),
		broadcaster: broadcaster,
		logger:      slog.Default().With("component", "methods.cron"),
		jobs:        make(map[string]*job),
	}
}

// Start begins running schedules
func (s *Service) Start() {
	s.scheduler.Start()
	s.logger.Info("cron scheduler started")
}

// Stop halts the scheduler without waiting for running jobs
func (s *Service) Stop() {
	s.scheduler.Stop()
	s.logger.Info("cron scheduler stopped")
}

// Register adds the cron methods to the registry
func (s *Service) Register(registry *rpc.Registry) error {
	handlers := map[string]rpc.HandlerFunc{
		"cron.list":   s.list,
		"cron.add":    s.add,
		"cron.remove": s.remove,
	}
	for name, handler := range handlers {
		if err := registry.Register(name, handler); err != nil {
			return fmt.Errorf("registering %s: %w", name, err)
		}
	}
	return nil
}

type listResult struct {
	Jobs []*job `json:"jobs"`
}

func (s *Service) list(ctx context.Context, req rpc.Request) (json.RawMessage, error) {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
	return json.Marshal(listResult{Jobs: jobs})
}

type addParams struct {
	Spec       string          `json:"spec"`
	Event      string          `json:"event,omitempty"`
	SessionKey string          `json:"sessionKey,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (s *Service) add(ctx context.Context, req rpc.Request) (json.RawMessage, error) {
	var params addParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "invalid params: %v", err)
	}
	if params.Spec == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "spec is required")
	}
	if params.Event == "" {
		params.Event = "cron.fired"
	}
	if params.SessionKey == "" {
		params.SessionKey = req.SessionKey
	}

	j := &job{
		ID:         uuid.New().String(),
		Spec:       params.Spec,
		Event:      params.Event,
		SessionKey: params.SessionKey,
		Payload:    params.Payload,
	}

	entryID, err := s.scheduler.AddFunc(params.Spec, func() { s.fire(j) })
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "invalid cron spec %q: %v", params.Spec, err)
	}
	j.entryID = entryID

	s.mu.Lock()
	s.jobs[j.ID] = j
	s.mu.Unlock()

	s.logger.Info("cron job added", "job_id", j.ID, "spec", j.Spec, "event", j.Event)
	return json.Marshal(j)
}

// fire broadcasts the job's event
func (s *Service) fire(j *job) {
	s.broadcaster.Broadcast(&protocol.Event{
		Type:       j.Event,
		SessionKey: j.SessionKey,
		Payload:    j.Payload,
	})
}

type removeParams struct {
	ID string `json:"id"`
}

type removeResult struct {
	Removed bool `json:"removed"`
}

func (s *Service) remove(ctx context.Context, req rpc.Request) (json.RawMessage, error) {
	var params removeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "invalid params: %v", err)
	}
	if params.ID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "id is required")
	}

	s.mu.Lock()
	j, ok := s.jobs[params.ID]
	if ok {
		delete(s.jobs, params.ID)
	}
	s.mu.Unlock()

	if !ok {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "unknown job %s", params.ID)
	}

	s.scheduler.Remove(j.entryID)
	s.logger.Info("cron job removed", "job_id", j.ID)
	return json.Marshal(removeResult{Removed: true})
}
