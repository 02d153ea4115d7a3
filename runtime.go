package taskpool

import (
	"sync"
	"weak"
)

// Runtime is a process-wide registry of live Pools, grounded on the
// teacher's weak-pointer promise registry (registry.go) — generalized from
// "track live promises for GC-safe scavenging" to "track live pools by ID
// without keeping them alive past the caller's last strong reference".
type Runtime struct {
	mu   sync.RWMutex
	data map[uint64]weak.Pointer[Pool]
	ring []uint64
	head int
}

var defaultRuntime = NewRuntime()

// NewRuntime creates an empty pool registry.
func NewRuntime() *Runtime {
	return &Runtime{
		data: make(map[uint64]weak.Pointer[Pool]),
		ring: make([]uint64, 0, 64),
	}
}

// SpawnPool validates cfg, starts a Pool, and registers it with this
// runtime (visible to QueryPoolByID/QueryAllPools only while something
// else holds a strong reference to the returned *Pool).
func (r *Runtime) SpawnPool(cfg Config) (*Pool, error) {
	p, err := NewPool(cfg)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.data[p.id] = weak.Make(p)
	r.ring = append(r.ring, p.id)
	r.mu.Unlock()
	return p, nil
}

// QueryPoolByID returns the pool registered under id, if it still exists
// and has not been garbage collected.
func (r *Runtime) QueryPoolByID(id uint64) (*Pool, bool) {
	r.mu.RLock()
	wp, ok := r.data[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	p := wp.Value()
	if p == nil {
		r.mu.Lock()
		delete(r.data, id)
		r.mu.Unlock()
		return nil, false
	}
	return p, true
}

// QueryAllPools returns every currently-live, public pool registered with
// this runtime, scavenging dead entries as it goes.
func (r *Runtime) QueryAllPools() []*Pool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var live []*Pool
	kept := r.ring[:0]
	for _, id := range r.ring {
		wp, ok := r.data[id]
		if !ok {
			continue
		}
		p := wp.Value()
		if p == nil {
			delete(r.data, id)
			continue
		}
		kept = append(kept, id)
		if p.cfg.IsPublic {
			live = append(live, p)
		}
	}
	r.ring = kept
	return live
}

// Scavenge removes a bounded batch of dead entries from the ring, same
// cadence idea as the teacher's registry.Scavenge — intended to be called
// periodically by a caller that wants O(1)-ish steady-state cleanup instead
// of paying for it all during one QueryAllPools call.
func (r *Runtime) Scavenge(batch int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.ring)
	if n == 0 {
		return
	}
	if batch > n {
		batch = n
	}
	for i := 0; i < batch; i++ {
		idx := (r.head + i) % n
		id := r.ring[idx]
		wp, ok := r.data[id]
		if ok && wp.Value() == nil {
			delete(r.data, id)
		}
	}
	r.head = (r.head + batch) % n
}

// SpawnPool registers a new pool with the package-level default Runtime.
func SpawnPool(cfg Config) (*Pool, error) { return defaultRuntime.SpawnPool(cfg) }

// QueryPoolByID looks up a pool by ID in the package-level default Runtime.
func QueryPoolByID(id uint64) (*Pool, bool) { return defaultRuntime.QueryPoolByID(id) }

// QueryAllPools returns every live, public pool in the package-level
// default Runtime.
func QueryAllPools() []*Pool { return defaultRuntime.QueryAllPools() }
