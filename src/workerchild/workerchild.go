// Package workerchild is the minimal runtime a worker binary links against
// to speak the farm's IPC protocol: read framed requests from stdin, invoke
// the embedder's registry, write framed responses to stdout (§1, "child
// runtime"; grounded on this codebase's src/build/worker.go, which plays
// the analogous role for its remote build-worker protocol).
package workerchild

import (
	"context"
	"fmt"
	"io"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/please-build/workerfarm/src/registry"
	"github.com/please-build/workerfarm/src/wire"
)

var log = logging.MustGetLogger("workerchild")

// Runner is the child side of the farm protocol: it owns stdin/stdout,
// dispatches incoming requests into a registry.Registry, and lets the
// embedder's own methods make reverse (master) calls back to the parent.
type Runner struct {
	reg        *registry.Registry
	serializer wire.Serializer

	out     io.Writer
	writeMu sync.Mutex
	nextIdx int64
	pending sync.Map // int64 -> chan wire.ResponseFrame
}

// New creates a Runner that writes to out (normally os.Stdout) and
// dispatches requests into reg; Serve supplies the read side.
func New(reg *registry.Registry, serializer wire.Serializer, out io.Writer) *Runner {
	if serializer == nil {
		serializer = wire.JSONSerializer{}
	}
	return &Runner{reg: reg, serializer: serializer, out: out}
}

// Serve reads requests from in (normally os.Stdin) until it is closed or
// ctx is done, dispatching each into the registry and writing back a
// response frame. It also sends the initial ready frame the parent's
// worker.Worker waits for, and handles response frames addressed to
// master-calls this runner itself initiated via Call.
func (r *Runner) Serve(ctx context.Context, in io.Reader) error {
	if err := r.send(&wire.Envelope{Ready: true}); err != nil {
		return fmt.Errorf("sending ready frame: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		env, err := wire.ReadEnvelope(in)
		if err != nil {
			return err
		}
		switch {
		case env.Response != nil:
			r.resolvePending(*env.Response)
		case env.Request != nil:
			go r.handleRequest(ctx, *env.Request)
		}
	}
}

func (r *Runner) handleRequest(ctx context.Context, req wire.RequestFrame) {
	args, err := wire.RoundTripArgs(r.serializer, req.Args)
	if err != nil {
		r.reply(req.Idx, nil, err)
		return
	}
	value, err := r.reg.Invoke(ctx, req.Method, args)
	r.reply(req.Idx, value, err)
}

func (r *Runner) reply(idx int64, value any, err error) {
	resp := wire.ResponseFrame{Idx: idx, ContentType: wire.ContentData, Content: value}
	if err != nil {
		resp.ContentType = wire.ContentError
		resp.Content = err.Error()
	}
	if sendErr := r.send(&wire.Envelope{Response: &resp}); sendErr != nil {
		log.Error("failed to send response for call %d: %s", idx, sendErr)
	}
}

// Call makes a reverse ("master") call into the parent, addressed either
// by Handle or by Location, and waits for its response (§4.1, §4.4).
// method is only meaningful alongside location: it selects a named entry
// within the location's registered record, mirroring the parent's
// locationKey; it is ignored when handle is set.
func (r *Runner) Call(handle *int64, location, method string, args []any) (any, error) {
	idx := r.allocIdx()
	ch := make(chan wire.ResponseFrame, 1)
	r.pending.Store(idx, ch)
	defer r.pending.Delete(idx)

	req := wire.RequestFrame{Idx: idx, Handle: handle, Location: location, Method: method, Args: args, AwaitResponse: true}
	if err := r.send(&wire.Envelope{Request: &req}); err != nil {
		return nil, fmt.Errorf("sending master-call: %w", err)
	}
	resp := <-ch
	if resp.ContentType == wire.ContentError {
		if s, ok := resp.Content.(string); ok {
			return nil, fmt.Errorf("%s", s)
		}
		return nil, fmt.Errorf("master-call failed")
	}
	return resp.Content, nil
}

// Log forwards a line to the parent's logger at level (§4.5).
func (r *Runner) Log(level wire.LogLevel, format string, args ...any) {
	env := wire.LogEnvelope{Level: level, Message: fmt.Sprintf(format, args...)}
	if err := r.send(&wire.Envelope{Log: &env}); err != nil {
		log.Warning("failed to forward log line: %s", err)
	}
}

func (r *Runner) allocIdx() int64 {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.nextIdx++
	return r.nextIdx
}

func (r *Runner) resolvePending(resp wire.ResponseFrame) {
	v, ok := r.pending.Load(resp.Idx)
	if !ok {
		log.Warning("response for unknown master-call %d", resp.Idx)
		return
	}
	v.(chan wire.ResponseFrame) <- resp
}

func (r *Runner) send(e *wire.Envelope) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return wire.WriteEnvelope(r.out, e)
}
