package farm

import (
	"time"

	"github.com/please-build/workerfarm/src/call"
	wflog "github.com/please-build/workerfarm/src/logging"
	"github.com/please-build/workerfarm/src/metrics"
	"github.com/please-build/workerfarm/src/wire"
	"github.com/please-build/workerfarm/src/worker"
)

// handleResponse is worker.Hooks.OnResponse: it settles the call the
// response belongs to and, while the pool isn't fully warm yet, records
// warmup progress (§4.3, §6 "warmedup"). Every remote completion counts
// toward warmup during that window, not only calls explicitly flagged as
// shadow warmup dispatches ("warmup or normal ... if dispatched during
// warmup mode", §4.3) — a farm that eager-spawns workers and sends its
// very first real call remote still needs that call's completion to
// advance warmWorkers.
func (f *Farm) handleResponse(w *worker.Worker, resp wire.ResponseFrame, c *call.Call) {
	if numWorkers := f.GetNumWorkers(); !f.warmup.Warm(numWorkers) {
		f.warmup.Record(numWorkers)
		metrics.RecordWarmup()
	}

	var value any
	var err error
	if resp.ContentType == wire.ContentError {
		err = contentError(resp.Content)
	} else {
		value = resp.Content
	}
	if !c.Warmup {
		metrics.RecordCall(time.Since(c.Created))
	}
	// Always settle, even for a warmup call whose result the caller
	// discards: addCall's caller is still blocked in call.Wait and would
	// otherwise leak that goroutine forever.
	c.Settle(value, err)
	f.processQueue()
}

// handleLog is worker.Hooks.OnLog: it forwards a worker's log line to the
// parent's logger at the matching level (§4.5), via the logging package's
// level mapping. An unrecognised level panics the forwarding goroutine by
// design; wflog.Forward recovers it and logs an error instead, so it never
// reaches (let alone kills) the worker's read loop.
func (f *Farm) handleLog(w *worker.Worker, env wire.LogEnvelope) {
	wflog.Forward(w.ID, env)
}

// contentError turns a JSON-decoded error payload back into an error value.
// The wire format round-trips errors as plain strings (there is no shared
// error type between parent and worker binaries).
func contentError(content any) error {
	if s, ok := content.(string); ok {
		return errString(s)
	}
	return errString("worker call failed")
}

type errString string

func (e errString) Error() string { return string(e) }
