// Package warmup counts remote call completions against the number of
// started workers and gates the farm's local -> remote cutover (§4.3).
package warmup

import "sync"

// Controller is the warmup protocol's state machine. The zero value is not
// usable; use New.
type Controller struct {
	mu      sync.Mutex
	warm    int
	done    bool
	notify  chan struct{}
	enabled bool
}

// New creates a Controller. When enabled is false, Warm is always true and
// Record is a no-op, matching a farm configured with WarmWorkers=false.
func New(enabled bool) *Controller {
	return &Controller{enabled: enabled, notify: make(chan struct{})}
}

// Record accounts for one remote call's completion. total is the current
// worker count; warmWorkers only ever increases, clamped to total, and the
// Warmedup channel closes exactly once (§8, "Warmup monotonicity").
func (c *Controller) Record(total int) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.warm < total {
		c.warm++
	}
	if c.warm >= total && total > 0 && !c.done {
		c.done = true
		close(c.notify)
	}
}

// Warm reports whether the recorded completion count has reached total. It
// counts completions, not distinct workers: two completions on the same
// worker count twice. With warmup disabled this is always true, so
// shouldUseRemoteWorkers never gets stuck waiting for a warmup that will
// never happen.
func (c *Controller) Warm(total int) bool {
	if !c.enabled {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warm >= total
}

// Warmedup returns a channel that closes exactly once, the first time a
// Record call brings the completion count up to a non-zero total.
func (c *Controller) Warmedup() <-chan struct{} {
	return c.notify
}
