package timer

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Handler runs the job-type specific behavior of a firing (the "base" job
// execution that precedes rescheduling).
type Handler interface {
	Execute(ctx context.Context, uow UnitOfWork, job *Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, uow UnitOfWork, job *Job) error

func (f HandlerFunc) Execute(ctx context.Context, uow UnitOfWork, job *Job) error {
	return f(ctx, uow, job)
}

// Handlers is a registry of handlers keyed by case-insensitive handler type.
type Handlers struct {
	mu sync.RWMutex
	m  map[string]Handler
}

func NewHandlers() *Handlers {
	return &Handlers{m: map[string]Handler{}}
}

// Register installs h for handlerType, replacing any previous handler.
func (r *Handlers) Register(handlerType string, h Handler) {
	key := strings.ToLower(strings.TrimSpace(handlerType))
	r.mu.Lock()
	r.m[key] = h
	r.mu.Unlock()
}

// Lookup returns the handler for handlerType.
func (r *Handlers) Lookup(handlerType string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	key := strings.ToLower(strings.TrimSpace(handlerType))
	r.mu.RLock()
	h, ok := r.m[key]
	r.mu.RUnlock()
	return h, ok
}

// Types lists registered handler types.
func (r *Handlers) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	return out
}

func (r *Handlers) execute(ctx context.Context, uow UnitOfWork, job *Job) error {
	h, ok := r.Lookup(job.HandlerType)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownHandler, job.HandlerType)
	}
	return h.Execute(ctx, uow, job)
}
