package queue

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/lalaz-foundation/queue-engine/job"
)

// Outcome classifies the result of running a single Record through an
// Executor.
type Outcome int

const (
	// OutcomeSuccess indicates the handler returned without error.
	OutcomeSuccess Outcome = iota
	// OutcomeResolutionFailed indicates the Record's Task did not resolve
	// to a registered Handler.
	OutcomeResolutionFailed
	// OutcomeFailure indicates the handler ran and returned an error, or
	// panicked.
	OutcomeFailure
)

// ExecutionResult reports what happened when an Executor ran a Record.
type ExecutionResult struct {
	Outcome    Outcome
	Err        error
	StackTrace string
}

// Executor resolves a Record's Task to a Handler and runs it.
//
// Executor never commits job state itself: it only reports success or
// failure back to the caller, which is the sole writer of Record state,
// Drivers embed an Executor and apply its
// ExecutionResult against their own storage inside the claim
// transaction's follow-up update.
type Executor struct {
	resolver Resolver
}

// NewExecutor returns an Executor that resolves tasks via resolver.
func NewExecutor(resolver Resolver) *Executor {
	return &Executor{resolver: resolver}
}

// Execute decodes rec.Message.Payload, resolves rec.Task, invokes the
// handler and classifies the outcome — the four-step decode/resolve/
// invoke/classify procedure. A Payload that fails to decode as JSON is
// itself a failure and never reaches a handler. If ctx is canceled
// before the handler returns, Execute returns immediately with
// OutcomeFailure and ctx.Err(); the handler goroutine is left to finish
// on its own.
func (e *Executor) Execute(ctx context.Context, rec *job.Record) ExecutionResult {
	if len(rec.Message.Payload) > 0 {
		var decoded map[string]any
		if err := rec.Message.DecodePayload(&decoded); err != nil {
			return ExecutionResult{Outcome: OutcomeFailure, Err: ErrDecodeFailed}
		}
	}

	handler, ok := e.resolver.Resolve(rec.Task)
	if !ok {
		return ExecutionResult{Outcome: OutcomeResolutionFailed, Err: ErrResolutionFailed}
	}

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		errCh <- handler(ctx, &rec.Message)
	}()

	select {
	case err := <-errCh:
		if err == nil {
			return ExecutionResult{Outcome: OutcomeSuccess}
		}
		return ExecutionResult{Outcome: OutcomeFailure, Err: err, StackTrace: string(debug.Stack())}
	case <-ctx.Done():
		return ExecutionResult{Outcome: OutcomeFailure, Err: ctx.Err(), StackTrace: string(debug.Stack())}
	}
}
