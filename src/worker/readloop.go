package worker

import (
	"io"

	"github.com/please-build/workerfarm/src/call"
	"github.com/please-build/workerfarm/src/wire"
)

// readLoop is the single goroutine that processes frames from this worker;
// responses from one worker are therefore handled strictly in the order
// the worker sent them (§5).
func (w *Worker) readLoop(r io.Reader) {
	for {
		env, err := wire.ReadEnvelope(r)
		if err != nil {
			w.handleChannelClosed()
			return
		}
		switch {
		case env.Ready:
			w.markReady()
		case env.Response != nil:
			w.handleResponse(*env.Response)
		case env.Request != nil:
			if w.hooks.OnRequest != nil {
				w.hooks.OnRequest(w, *env.Request)
			}
		case env.Log != nil:
			if w.hooks.OnLog != nil {
				w.hooks.OnLog(w, *env.Log)
			}
		}
	}
}

func (w *Worker) markReady() {
	w.mu.Lock()
	w.ready = true
	w.mu.Unlock()
	if w.hooks.OnReady != nil {
		w.hooks.OnReady(w)
	}
}

func (w *Worker) handleResponse(resp wire.ResponseFrame) {
	w.mu.Lock()
	c, ok := w.calls[resp.Idx]
	if ok {
		delete(w.calls, resp.Idx)
		w.removeFromOrder(resp.Idx)
	}
	w.mu.Unlock()
	if !ok {
		log.Warning("worker %s: response for unknown idx %d", w.ID, resp.Idx)
		return
	}
	if w.hooks.OnResponse != nil {
		w.hooks.OnResponse(w, resp, c)
	}
}

// removeFromOrder must be called with w.mu held.
func (w *Worker) removeFromOrder(idx int64) {
	for i, v := range w.order {
		if v == idx {
			w.order = append(w.order[:i], w.order[i+1:]...)
			return
		}
	}
}

// handleChannelClosed implements §7.4: a closed/errored IPC channel is
// terminal for the worker. Every call still in the table is handed back to
// the caller in assignment order so the farm can requeue it.
func (w *Worker) handleChannelClosed() {
	w.mu.Lock()
	w.stopped = true
	orphaned := make([]*call.Call, 0, len(w.order))
	for _, idx := range w.order {
		if c, ok := w.calls[idx]; ok {
			orphaned = append(orphaned, c)
		}
	}
	w.calls = map[int64]*call.Call{}
	w.order = nil
	w.mu.Unlock()

	log.Notice("worker %s: IPC channel closed, %d call(s) orphaned", w.ID, len(orphaned))
	if w.hooks.OnExit != nil {
		w.hooks.OnExit(w, orphaned)
	}
}
