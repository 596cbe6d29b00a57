package queue

import (
	"context"
	"sync"

	"github.com/lalaz-foundation/queue-engine/message"
)

// Handler processes the payload carried by a claimed job.
//
// The provided context is the caller's context, canceled when the worker
// is shutting down; nothing cancels it when the job's Timeout elapses.
// Handlers must be idempotent: the
// engine provides at-least-once delivery, and a job may be executed more
// than once if a worker crashes or fails to complete it before Timeout
// elapses.
type Handler func(ctx context.Context, msg *message.Message) error

// Resolver maps a Record's Task name to an invocable Handler.
//
// Resolution failure is itself a job failure and proceeds through the
// normal retry schedule.
type Resolver interface {
	// Resolve returns the Handler registered for task, and false if no
	// such handler is registered.
	Resolve(task string) (Handler, bool)
}

// HandlerRegistry is a simple in-process Resolver backed by an explicit
// map populated via Register calls. There is no runtime reflection or
// naming convention: a task that was never registered never resolves.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry returns an empty HandlerRegistry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register associates task with handler, overwriting any previous
// registration for the same task name.
func (r *HandlerRegistry) Register(task string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[task] = handler
}

// Resolve implements Resolver.
func (r *HandlerRegistry) Resolve(task string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[task]
	return h, ok
}
