// Package handle implements the farm's handle registry: opaque,
// farm-unique references to parent-side functions that can be serialized,
// sent to a worker, and later used by that worker to call back into the
// parent (a "reverse handle", §4.1).
package handle

import (
	"encoding/gob"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	"github.com/cespare/xxhash/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/please-build/workerfarm/internal/cmap"
)

var log = logging.MustGetLogger("handle")

// version is the module's semantic version. It is baked in rather than
// read from build info so the gob registration name is deterministic even
// in a `go build` without module version stamping.
var version = semver.MustParse("1.0.0")

// gobName is the key handle.Handle is registered under. Handle has a single
// field, so its shape is the same across module versions; the version is
// only part of the name, and nothing here compares or logs it.
var gobName = fmt.Sprintf("workerfarm.Handle/%s", version.String())

func init() {
	gob.RegisterName(gobName, Handle{})
}

// Handle is an opaque, farm-unique reference to a function held by the
// parent. It is safe to serialize and pass as a call argument.
type Handle struct {
	ID int64
}

// Func is a parent-side function a Handle can reference. It receives the
// already-deserialized arguments of the reverse call and returns a value to
// serialize back, or an error.
type Func func(args []any) (any, error)

// Registry allocates and resolves Handles. Entries live in a sharded
// cmap.Map (see internal/cmap) rather than a plain mutex-guarded map: a
// busy farm resolves handles from many worker read-loop goroutines at
// once, and a reverse call is on the hot path of every master-call. The
// zero value is not usable; use New.
type Registry struct {
	next    int64
	entries *cmap.Map[int64, Func]
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: cmap.New[int64, Func](cmap.DefaultShardCount, hashID)}
}

// hashID adapts xxhash (a string hasher) to the int64 handle ids this
// registry keys on.
func hashID(id int64) uint64 {
	return xxhash.Sum64String(strconv.FormatInt(id, 10))
}

// Create assigns a fresh id to fn and returns the Handle referencing it.
func (r *Registry) Create(fn Func) Handle {
	id := atomic.AddInt64(&r.next, 1)
	r.entries.Set(id, fn)
	log.Debug("registered reverse handle %d", id)
	return Handle{ID: id}
}

// Resolve returns the function referenced by h, or an error if h is
// unknown (e.g. it was created by a different farm instance).
func (r *Registry) Resolve(h Handle) (Func, error) {
	fn, ok := r.entries.Get(h.ID)
	if !ok {
		return nil, fmt.Errorf("unknown handle %d", h.ID)
	}
	return fn, nil
}

// Forget removes h from the registry so fn can be garbage collected. The
// farm never calls it itself: a Handle stays registered until its owner
// forgets it, since a Handle sent to one worker is valid for every worker.
func (r *Registry) Forget(h Handle) {
	r.entries.Delete(h.ID)
}
