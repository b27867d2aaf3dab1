// Package worker turns a queue plus handlers into long-running consumers:
// Loop drives any service.Queue with in-memory poison containment, and
// TableRunner drives the table-backed queue's claim/process/finalize cycle.
package worker

import (
	"context"
	"fmt"
	"sync"

	"enforcement-queue/internal/entity"
)

// Handler performs the business action for a job. A nil return is success.
// Failures should be classified with entity.Transient, entity.Permanent or
// entity.Invalid; unclassified errors are treated as transient. Handlers must
// be safe to run more than once for the same payload.
type Handler func(ctx context.Context, job *entity.Job) error

// Registry maps job kinds to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register associates h with kind. Health-check jobs never reach h.
func (r *Registry) Register(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = SkipHealthChecks(h)
}

func (r *Registry) Lookup(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}

// Dispatch routes a job to the handler registered for its kind.
func (r *Registry) Dispatch(ctx context.Context, job *entity.Job) error {
	h, ok := r.Lookup(job.Kind)
	if !ok {
		return entity.Permanent(fmt.Errorf("no handler registered for kind %q", job.Kind))
	}
	return h(ctx, job)
}

// SkipHealthChecks makes jobs carrying a "doctor:" idempotency key succeed
// without side effects.
func SkipHealthChecks(h Handler) Handler {
	return func(ctx context.Context, job *entity.Job) error {
		if job.IsHealthCheck() {
			return nil
		}
		return h(ctx, job)
	}
}

// invoke runs h and converts a panic into a failure.
func invoke(ctx context.Context, h Handler, job *entity.Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &entity.PanicError{Value: p}
		}
	}()
	return h(ctx, job)
}
