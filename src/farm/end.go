package farm

import (
	"context"
	"os"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/please-build/workerfarm/src/worker"
)

// End stops every worker and marks the farm permanently unable to accept
// new calls (§4.3, §7.2).
//
// §4.3 describes End as setting an "ending" flag, stopping every worker,
// then clearing it; but §8's testable properties require that AddCall
// keeps rejecting forever afterwards. Both are honoured here with two
// flags: ending is true only for the duration of this call (so a
// processQueue running concurrently with End sees it and stops assigning
// new work), while ended is set true at the very end and never cleared, so
// addCall's check of ending||ended keeps rejecting after End returns.
//
// Workers are stopped in parallel; ctx bounds how long End waits for all of
// them to exit before giving up and returning whatever errors have
// accumulated so far.
func (f *Farm) End(ctx context.Context) error {
	f.mu.Lock()
	if f.ended {
		f.mu.Unlock()
		clearShared(f)
		return nil
	}
	f.ending = true
	workers := make([]*worker.Worker, 0, len(f.order))
	for _, id := range f.order {
		if w, ok := f.workers.Get(id); ok {
			workers = append(workers, w)
		}
	}
	f.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	var stopErrs error
	for _, w := range workers {
		w := w
		g.Go(func() error {
			done := make(chan struct{})
			go func() {
				w.Stop()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		stopErrs = multierror.Append(stopErrs, err)
	}

	f.mu.Lock()
	f.ending = false
	f.ended = true
	f.mu.Unlock()

	clearShared(f)
	return stopErrs
}

// IsWorker reports whether the current process was forked as a worker
// (§4.4): it checks the environment marker Worker.Fork sets, so both the
// parent and child sides of a re-exec'd binary can tell which role they're
// playing without any other shared state.
func IsWorker() bool {
	for _, kv := range os.Environ() {
		if kv == worker.ChildEnvMarker {
			return true
		}
	}
	return false
}
