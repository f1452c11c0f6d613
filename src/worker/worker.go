// Package worker wraps a single child process: framed message I/O, its
// per-worker call table, and its lifecycle (spawn -> ready -> active ->
// stopping -> stopped, §3).
package worker

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/alessio/shellescape"
	"gopkg.in/op/go-logging.v1"

	"github.com/please-build/workerfarm/src/call"
	"github.com/please-build/workerfarm/src/wire"
)

var log = logging.MustGetLogger("worker")

// ChildEnvMarker is set in a forked worker's environment so the child
// process (and IsWorker(), see the farm package) can tell it was spawned
// as a farm worker rather than run standalone.
const ChildEnvMarker = "WORKERFARM_WORKER=1"

// Hooks lets the farm observe a Worker's lifecycle without the Worker
// needing to know anything about the farm, the call queue, or handles.
type Hooks struct {
	OnReady    func(w *Worker)
	OnResponse func(w *Worker, resp wire.ResponseFrame, c *call.Call)
	OnRequest  func(w *Worker, req wire.RequestFrame)
	OnLog      func(w *Worker, env wire.LogEnvelope)
	OnExit     func(w *Worker, orphaned []*call.Call)
}

// Worker owns one child process.
type Worker struct {
	ID             string
	Cap            int
	forcedKillTime time.Duration
	hooks          Hooks

	cmd     *exec.Cmd
	conn    io.Writer
	exited  chan struct{}
	writeMu sync.Mutex

	mu         sync.Mutex
	ready      bool
	stopped    bool
	isStopping bool
	nextIdx    int64
	order      []int64
	calls      map[int64]*call.Call
}

// New creates a Worker identified by id, ready to Fork. cap is the
// worker's MaxConcurrentCallsPerWorker.
func New(id string, cap int, forcedKillTime time.Duration, hooks Hooks) *Worker {
	return &Worker{
		ID:             id,
		Cap:            cap,
		forcedKillTime: forcedKillTime,
		hooks:          hooks,
		calls:          map[int64]*call.Call{},
	}
}

// Fork spawns the child process at path and starts reading its framed
// output. It returns once the process has started; readiness arrives later
// via Hooks.OnReady.
func (w *Worker) Fork(path string) error {
	cmd := exec.Command(path)
	cmd.Env = append(os.Environ(), ChildEnvMarker)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("creating worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating worker stdout pipe: %w", err)
	}
	cmd.Stderr = &stderrLogger{id: w.ID}
	log.Debug("forking worker %s: %s", w.ID, shellescape.Quote(path))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting worker %s: %w", w.ID, err)
	}
	w.cmd = cmd
	w.conn = stdin
	w.exited = make(chan struct{})
	go func() {
		cmd.Wait()
		close(w.exited)
	}()
	go w.readLoop(stdout)
	return nil
}

// attach wires an already-connected duplex transport to the Worker,
// bypassing process spawning entirely. It exists so tests can drive the
// framing/lifecycle logic over an in-memory pipe (see worker_test.go);
// production callers use Fork.
func (w *Worker) attach(conn io.Writer, in io.Reader) {
	w.conn = conn
	w.exited = make(chan struct{})
	go w.readLoop(in)
}

// Ready reports whether the worker has sent its ready frame.
func (w *Worker) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// IsStopping reports whether Stop has been invoked.
func (w *Worker) IsStopping() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isStopping
}

// Len returns the number of calls currently in flight on this worker.
func (w *Worker) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.calls)
}

// errNotAcceptingCalls is returned by Call when the cap/readiness
// precondition in §4.2 isn't met.
var errNotAcceptingCalls = errors.New("worker is not ready to accept calls")

// Call assigns c a fresh idx, records it in the worker's call table, and
// sends the request frame. Precondition: ready && !isStopping && len(calls)
// < Cap (§4.2); violating it returns errNotAcceptingCalls without mutating
// state.
func (w *Worker) Call(c *call.Call) error {
	w.mu.Lock()
	if !w.ready || w.isStopping || w.stopped || len(w.calls) >= w.Cap {
		w.mu.Unlock()
		return errNotAcceptingCalls
	}
	idx := w.nextIdx
	w.nextIdx++
	w.calls[idx] = c
	w.order = append(w.order, idx)
	w.mu.Unlock()

	c.WorkerID = w.ID
	return w.send(&wire.Envelope{Request: &wire.RequestFrame{Idx: idx, Method: c.Method, Args: c.Args}})
}

// Send forwards an out-of-band response (the result of a reverse-handle
// resolution) down to the child, using the idx the child's original
// request carried.
func (w *Worker) Send(resp wire.ResponseFrame) error {
	return w.send(&wire.Envelope{Response: &resp})
}

func (w *Worker) send(e *wire.Envelope) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.conn == nil {
		return errors.New("worker has no connection")
	}
	return wire.WriteEnvelope(w.conn, e)
}
