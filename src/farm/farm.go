// Package farm implements the dispatcher: the worker pool, call routing,
// warmup protocol, and the bidirectional request/response handling that
// lets workers call back into the parent (§4.3).
package farm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/please-build/workerfarm/internal/cmap"
	"github.com/please-build/workerfarm/src/call"
	"github.com/please-build/workerfarm/src/handle"
	"github.com/please-build/workerfarm/src/metrics"
	"github.com/please-build/workerfarm/src/registry"
	"github.com/please-build/workerfarm/src/warmup"
	"github.com/please-build/workerfarm/src/wire"
	"github.com/please-build/workerfarm/src/worker"
)

// ErrEnding is returned by a call made while the farm is (or has been)
// ended (§7.2).
var ErrEnding = errors.New("cannot add a worker call: workerfarm is ending")

// Farm is the process-local dispatcher described by §2-§4.
type Farm struct {
	cfg      Config
	registry *registry.Registry
	handles  *handle.Registry
	queue    *call.Queue
	warmup   *warmup.Controller

	mu sync.Mutex
	// workers is keyed by worker id and sharded with xxhash (internal/cmap),
	// since every worker's read-loop goroutine resolves its own entry on
	// every response. order tracks insertion order for the round-robin scan
	// in processQueue, which a plain map can't give us; it is itself
	// protected by mu.
	workers *cmap.Map[string, *worker.Worker]
	order   []string
	ending  bool
	ended   bool
}

// New constructs a Farm. reg supplies the methods available on both the
// local-execution path and the Location-addressed master-call path; it
// does not need to match the registry the worker binary populates, though
// in practice an embedder will share most of it.
func New(cfg Config, reg *registry.Registry) (*Farm, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Serializer == nil {
		cfg.Serializer = wire.JSONSerializer{}
	}
	if reg == nil {
		reg = registry.New()
	}
	f := &Farm{
		cfg:      cfg,
		registry: reg,
		handles:  handle.New(),
		queue:    call.NewQueue(),
		warmup:   warmup.New(cfg.WarmWorkers),
		workers:  cmap.New[string, *worker.Worker](cmap.SmallShardCount, xxhash.Sum64String),
	}
	// §3: "Init spawns workers up to MaxConcurrentWorkers". Spawning eagerly
	// here (rather than lazily on first remote call) matters for
	// shouldUseRemoteWorkers: with zero workers started, warmup.Warm(0) is
	// vacuously true, which would route even the very first call remote on
	// a fresh UseLocalWorker+WarmWorkers farm instead of local.
	for i := 0; i < cfg.MaxConcurrentWorkers; i++ {
		f.spawnWorker()
	}
	return f, nil
}

// Run is the preconfigured handle for method "run" (§6).
func (f *Farm) Run(ctx context.Context, args ...any) (any, error) {
	return f.invoke(ctx, "run", args)
}

// CreateHandle returns a callable bound to method on the worker registry.
func (f *Farm) CreateHandle(method string) func(ctx context.Context, args ...any) (any, error) {
	return func(ctx context.Context, args ...any) (any, error) {
		return f.invoke(ctx, method, args)
	}
}

// CreateReverseHandle registers fn as a parent-side function a worker can
// call back into, and returns the Handle that references it. It fails when
// called from a worker process (§4.4, §7.2).
func (f *Farm) CreateReverseHandle(fn handle.Func) (handle.Handle, error) {
	if IsWorker() {
		return handle.Handle{}, errors.New("cannot create a reverse handle from a worker process")
	}
	return f.handles.Create(fn), nil
}

// GetNumWorkers returns the current number of live remote workers.
func (f *Farm) GetNumWorkers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workers.Len()
}

// GetConcurrentCallsPerWorker returns the farm's per-worker call cap.
func (f *Farm) GetConcurrentCallsPerWorker() int {
	return f.cfg.MaxConcurrentCallsPerWorker
}

// Warmedup returns a channel that closes once the number of remote call
// completions recorded during warmup reaches the number of started workers
// (§6, "Events emitted by the farm"); completions are counted, not the
// distinct workers that produced them.
func (f *Farm) Warmedup() <-chan struct{} {
	return f.warmup.Warmedup()
}

// invoke implements CreateHandle's callable: it decides between the local
// and remote paths (§4.3, shouldUseRemoteWorkers) and, on the local path,
// shadow-dispatches a warmup call when eligible.
func (f *Farm) invoke(ctx context.Context, method string, args []any) (any, error) {
	full := append(append([]any{}, args...), false)

	if f.shouldUseRemoteWorkers() {
		return f.addCall(ctx, method, full, false)
	}

	roundTripped, err := wire.RoundTripArgs(f.cfg.Serializer, full)
	if err != nil {
		return nil, fmt.Errorf("serializing local call arguments: %w", err)
	}

	if f.warmupEligible() {
		warmupArgs := append(append([]any{}, args...), true)
		go func() {
			if _, err := f.addCall(context.Background(), method, warmupArgs, true); err != nil {
				log.Debug("warmup call for %s did not complete: %s", method, err)
			}
		}()
	}

	return f.registry.Invoke(ctx, method, roundTripped)
}

// shouldUseRemoteWorkers implements the formula in §4.3.
func (f *Farm) shouldUseRemoteWorkers() bool {
	if !f.cfg.UseLocalWorker {
		return true
	}
	return f.warmup.Warm(f.GetNumWorkers()) && f.cfg.MaxConcurrentWorkers > 0
}

// warmupEligible reports whether a shadow warmup dispatch is still useful:
// warmup must be enabled, remote workers must be allowed to exist, and the
// pool must not already be fully warm.
func (f *Farm) warmupEligible() bool {
	return f.cfg.WarmWorkers && f.cfg.MaxConcurrentWorkers > 0 && !f.warmup.Warm(f.GetNumWorkers())
}

// addCall enqueues a remote call and waits for it to settle (§4.3).
func (f *Farm) addCall(ctx context.Context, method string, args []any, isWarmup bool) (any, error) {
	f.mu.Lock()
	if f.ending || f.ended {
		f.mu.Unlock()
		return nil, ErrEnding
	}
	f.mu.Unlock()

	c, result := call.New(method, args)
	c.Warmup = isWarmup
	f.queue.Push(c)
	f.processQueue()
	return call.Wait(ctx, result)
}

// processQueue is the scheduling step of §4.3. All state inspection and
// mutation happens under f.mu; I/O (spawning, sending requests) happens
// only after the lock is released.
func (f *Farm) processQueue() {
	f.mu.Lock()
	if f.ending || f.queue.Len() == 0 {
		f.mu.Unlock()
		return
	}
	spawn := f.workers.Len() < f.cfg.MaxConcurrentWorkers

	type assignment struct {
		w *worker.Worker
		c *call.Call
	}
	var assignments []assignment
	inFlight := map[string]int{}
	for _, id := range f.order {
		w, ok := f.workers.Get(id)
		if !ok || w.IsStopping() || !w.Ready() {
			continue
		}
		inFlight[id] = w.Len()
		for inFlight[id] < w.Cap {
			c := f.queue.Pop()
			if c == nil {
				break
			}
			assignments = append(assignments, assignment{w, c})
			inFlight[id]++
		}
		if f.queue.Len() == 0 {
			break
		}
	}
	f.mu.Unlock()

	if spawn {
		f.spawnWorker()
	}
	for _, a := range assignments {
		go f.dispatch(a.w, a.c)
	}
}

func (f *Farm) dispatch(w *worker.Worker, c *call.Call) {
	if err := w.Call(c); err != nil {
		log.Warning("could not assign call %s to worker %s: %s, requeueing", c.Method, w.ID, err)
		c.Retries++
		f.queue.RequeueHead([]*call.Call{c})
		f.processQueue()
	}
}

// spawnWorker forks one new child process and wires it into the pool.
func (f *Farm) spawnWorker() {
	f.mu.Lock()
	if f.ending || f.ended {
		f.mu.Unlock()
		return
	}
	id := uuid.NewString()
	w := worker.New(id, f.cfg.MaxConcurrentCallsPerWorker, f.cfg.ForcedKillTime, worker.Hooks{
		OnReady:    func(*worker.Worker) { f.processQueue() },
		OnResponse: f.handleResponse,
		OnRequest:  f.handleRequest,
		OnLog:      f.handleLog,
		OnExit:     func(w *worker.Worker, orphaned []*call.Call) { f.stopWorker(w, orphaned) },
	})
	f.workers.Set(id, w)
	f.order = append(f.order, id)
	count := f.workers.Len()
	f.mu.Unlock()
	metrics.SetActiveWorkers(count)

	if err := w.Fork(f.cfg.WorkerPath); err != nil {
		log.Error("failed to fork worker: %s", err)
		f.stopWorker(w, nil)
		return
	}
	log.Info("spawned worker %s, %s worker(s) now in the pool", id, humanize.Comma(int64(count)))
}

// stopWorker removes w from the pool, requeues any calls it still had
// in-flight at the head of the queue, waits for it to actually stop, and
// re-pumps the queue so a replacement can be spawned (§4.3, stopWorker).
// It is idempotent: a worker already removed is a no-op.
func (f *Farm) stopWorker(w *worker.Worker, orphaned []*call.Call) {
	f.mu.Lock()
	if _, ok := f.workers.Get(w.ID); !ok {
		f.mu.Unlock()
		return
	}
	f.workers.Delete(w.ID)
	for i, id := range f.order {
		if id == w.ID {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	count := f.workers.Len()
	f.mu.Unlock()
	metrics.SetActiveWorkers(count)

	for _, c := range orphaned {
		c.Retries++
	}
	f.queue.RequeueHead(orphaned)
	w.Stop()
	f.processQueue()
}
