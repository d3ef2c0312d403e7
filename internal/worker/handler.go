// Package worker hosts the role-handler registry and the worker pool that
// claims tasks from the Dispatcher and invokes handlers, generalizing the
// teacher's jobs/runtime registry + jobs/worker pool from job-type to role.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/yungbote/planner/internal/domain"
)

// CancelToken is passed into every handler invocation and propagated into
// its own I/O calls; cancellation is cooperative, never a thread-kill.
type CancelToken interface {
	Done() <-chan struct{}
	Cancelled() bool
}

type ctxCancelToken struct{ ctx context.Context }

func (c ctxCancelToken) Done() <-chan struct{} { return c.ctx.Done() }
func (c ctxCancelToken) Cancelled() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

// HandlerInput is the handler contract's (task_input, dependency_outputs,
// job_truth_record) tuple, read-only to the handler.
type HandlerInput struct {
	TaskInput         map[string]any
	DependencyOutputs map[string]map[string]any
	JobTruth          *domain.JobTruthRecord
}

// Handler is the single polymorphic worker capability set of §9: accept a
// role, execute given input/deps/truth/cancel. New roles are added by
// registering a new Handler, never by modifying the Orchestrator.
type Handler interface {
	Role() domain.Role
	Run(ctx context.Context, in HandlerInput, cancel CancelToken) (map[string]any, error)
}

// Registry is a concurrency-safe role -> handler map. Register fails fast
// at startup on a nil handler, empty role, or duplicate registration,
// mirroring the teacher's job-type registry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.Role]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[domain.Role]Handler{}}
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("worker: nil handler")
	}
	role := h.Role()
	if role == "" {
		return fmt.Errorf("worker: handler has empty role")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[role]; exists {
		return fmt.Errorf("worker: role %q already registered", role)
	}
	r.handlers[role] = h
	return nil
}

func (r *Registry) Get(role domain.Role) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[role]
	return h, ok
}

func (r *Registry) Roles() []domain.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Role, 0, len(r.handlers))
	for role := range r.handlers {
		out = append(out, role)
	}
	return out
}
