package farm

import (
	"context"
	"fmt"

	"github.com/please-build/workerfarm/src/handle"
	"github.com/please-build/workerfarm/src/wire"
	"github.com/please-build/workerfarm/src/worker"
)

// handleRequest is worker.Hooks.OnRequest: a worker making a reverse
// ("master") call, addressed by Handle or by Location (§4.1, §4.4). It
// never blocks the worker's read loop: resolution (including an arbitrary
// parent-side Func or registry Method) runs in its own goroutine, and a
// response is only sent back if the worker asked for one.
func (f *Farm) handleRequest(w *worker.Worker, req wire.RequestFrame) {
	go func() {
		value, err := f.processRequest(context.Background(), req)
		if !req.AwaitResponse {
			if err != nil {
				log.Warning("fire-and-forget master-call from worker %s failed: %s", w.ID, err)
			}
			return
		}
		resp := wire.ResponseFrame{Idx: req.Idx, ContentType: wire.ContentData, Content: value}
		if err != nil {
			resp.ContentType = wire.ContentError
			resp.Content = err.Error()
		}
		if sendErr := w.Send(resp); sendErr != nil {
			log.Warning("could not deliver master-call response to worker %s: %s", w.ID, sendErr)
		}
	}()
}

// processRequest resolves a single reverse-call request by Handle or by
// Location, exactly one of which is expected to be set (§4.4). On the
// Location path, Location selects the registry record and the optional
// Method selects a named entry within it — if Method is unset, Location
// alone addresses the target directly (§4.3 processRequest, §9 redesign).
func (f *Farm) processRequest(ctx context.Context, req wire.RequestFrame) (any, error) {
	roundTripped, err := wire.RoundTripArgs(f.cfg.Serializer, req.Args)
	if err != nil {
		return nil, fmt.Errorf("serializing master-call arguments: %w", err)
	}

	switch {
	case req.Handle != nil:
		fn, err := f.handles.Resolve(handle.Handle{ID: *req.Handle})
		if err != nil {
			return nil, err
		}
		return fn(roundTripped)
	case req.Location != "":
		return f.registry.Invoke(ctx, locationKey(req.Location, req.Method), roundTripped)
	default:
		return nil, fmt.Errorf("unknown request: neither handle nor location set")
	}
}

// locationKey combines a master-call's Location and optional Method into
// the single registry key a flat registry.Registry is addressed by.
func locationKey(location, method string) string {
	if method == "" {
		return location
	}
	return location + "." + method
}
