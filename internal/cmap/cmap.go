// Package cmap is a thread-safe, sharded concurrent map, adapted from this
// codebase's own src/cmap package and generalized from build targets to the
// handle and worker id lookups the farm needs. Sharding spreads the
// contention of many goroutines reading/writing the handle table (one
// shard-lookup, not one global lock) across independent sync.Maps.
package cmap

import (
	"fmt"
	"sync"
)

// DefaultShardCount is a reasonable shard count for a map expected to hold
// many entries (the handle registry of a long-running farm).
const DefaultShardCount = 1 << 6

// SmallShardCount suits a map that stays small for the process's lifetime
// (the farm's worker table: one entry per pool slot).
const SmallShardCount = 4

// Map is the top-level sharded map type. All methods are threadsafe.
// Construct with New, not a zero value.
type Map[K comparable, V any] struct {
	shards []sync.Map
	mask   uint64
	hasher func(K) uint64
}

// New creates a Map with shardCount shards (must be a power of two) using
// hasher to pick a key's shard.
func New[K comparable, V any](shardCount uint64, hasher func(K) uint64) *Map[K, V] {
	mask := shardCount - 1
	if shardCount&mask != 0 {
		panic(fmt.Sprintf("shard count %d is not a power of 2", shardCount))
	}
	return &Map[K, V]{
		shards: make([]sync.Map, shardCount),
		mask:   mask,
		hasher: hasher,
	}
}

func (m *Map[K, V]) shard(key K) *sync.Map {
	return &m.shards[m.hasher(key)&m.mask]
}

// Set is the equivalent of `map[key] = val`.
func (m *Map[K, V]) Set(key K, val V) {
	m.shard(key).Store(key, val)
}

// Get returns the value for key and whether it was present.
func (m *Map[K, V]) Get(key K) (V, bool) {
	v, ok := m.shard(key).Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// Delete removes key, if present.
func (m *Map[K, V]) Delete(key K) {
	m.shard(key).Delete(key)
}

// Len returns the number of entries currently in the map. No particular
// consistency guarantee is made across shards while concurrent writes run.
func (m *Map[K, V]) Len() int {
	n := 0
	for i := range m.shards {
		m.shards[i].Range(func(_, _ any) bool {
			n++
			return true
		})
	}
	return n
}

// Values returns a snapshot of every value currently in the map. No
// particular consistency guarantee is made across shards.
func (m *Map[K, V]) Values() []V {
	var ret []V
	for i := range m.shards {
		m.shards[i].Range(func(_, v any) bool {
			ret = append(ret, v.(V))
			return true
		})
	}
	return ret
}
