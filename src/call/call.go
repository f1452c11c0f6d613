// Package call implements the Call value (a single method invocation with
// its pending result) and the farm's FIFO call queue.
package call

import (
	"context"
	"sync"
	"time"
)

// Result is what a Call settles to: exactly one of Value or Err is set.
type Result struct {
	Value any
	Err   error
}

// Call is a single method invocation awaiting assignment to a worker (or
// to the local path). It is created by Farm.AddCall and lives in the Queue
// until a worker pulls it off the head.
type Call struct {
	Method  string
	Args    []any
	Retries int

	// Warmup marks a call dispatched as a shadow warmup call (§4.3): its
	// result is discarded by the caller, and its completion counts toward
	// the warmup controller instead of settling anything user-visible.
	Warmup bool

	// WorkerID is set once the call has been assigned to a worker; it is
	// used only for logging/diagnostics.
	WorkerID string

	// Created is when the call was constructed, used only to report call
	// duration via the metrics package.
	Created time.Time

	result  chan Result
	settled sync.Once
}

// New creates a Call ready to be pushed onto a Queue. The returned channel
// receives exactly one Result when the call is resolved or rejected.
func New(method string, args []any) (*Call, <-chan Result) {
	c := &Call{Method: method, Args: args, Created: time.Now(), result: make(chan Result, 1)}
	return c, c.result
}

// Settle resolves or rejects the call. Only the first Settle takes effect;
// subsequent calls are no-ops (exactly-once completion, §8).
func (c *Call) Settle(v any, err error) {
	c.settled.Do(func() {
		c.result <- Result{Value: v, Err: err}
	})
}

// Wait blocks until the call settles or ctx is done, whichever comes
// first. This is the seam that resolves the §9 open question about calls
// orphaned by a concurrent End(): with a context.Background() it blocks
// forever exactly as the original, ambiguous behavior specified; with a
// deadline it returns ctx.Err() once that deadline passes.
func Wait(ctx context.Context, result <-chan Result) (any, error) {
	select {
	case r := <-result:
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
