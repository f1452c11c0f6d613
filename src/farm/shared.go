package farm

import (
	"context"
	"sync"

	"github.com/please-build/workerfarm/src/registry"
	"github.com/please-build/workerfarm/src/wire"
)

// shared holds the process-wide default Farm instance (§6, GetShared).
// Most embedders want exactly one farm per process; GetShared gives them
// that without forcing every caller to thread a *Farm through.
var (
	sharedMu  sync.Mutex
	sharedFar *Farm
)

// GetShared returns the process-wide Farm, creating it from cfg/reg on
// first use. If one already exists with a different WorkerPath, it is
// ended and replaced.
func GetShared(ctx context.Context, cfg Config, reg *registry.Registry) (*Farm, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if sharedFar != nil {
		if sharedFar.cfg.WorkerPath == cfg.WorkerPath {
			return sharedFar, nil
		}
		if err := sharedFar.End(ctx); err != nil {
			log.Warning("error ending previous shared workerfarm: %s", err)
		}
		sharedFar = nil
	}

	f, err := New(cfg, reg)
	if err != nil {
		return nil, err
	}
	sharedFar = f
	return f, nil
}

// clearShared releases the shared-singleton slot if it currently points at
// f (§4.3, "release the shared-singleton slot"). Farm.End calls this
// unconditionally so a farm ended directly (not only via a later GetShared
// call for a different WorkerPath) doesn't leave a dead instance behind
// that every subsequent GetShared for the same WorkerPath would just hand
// back.
func clearShared(f *Farm) {
	sharedMu.Lock()
	if sharedFar == f {
		sharedFar = nil
	}
	sharedMu.Unlock()
}

// CallMaster is the parent-side half of the master-call bridge (§4.4): it
// resolves req directly against the shared farm's handle/location registry.
// It has no worker-side counterpart to call into here — a worker process
// makes its own reverse calls through workerchild.Runner.Call, over its
// stdin/stdout connection to the parent, not through this function.
func CallMaster(ctx context.Context, req wire.RequestFrame) (any, error) {
	sharedMu.Lock()
	f := sharedFar
	sharedMu.Unlock()
	if f == nil {
		return nil, ErrEnding
	}
	return f.processRequest(ctx, req)
}
