// Package routing implements the mesh node's routing table, global user
// table (directory of user -> home node), seen-packet dedup set, gateway
// set, and public-key cache. Each type owns its own RWMutex and is safe
// for concurrent reads from multiple goroutines, but in this module's
// concurrency model (see pkg/router) all writes happen from the single
// router goroutine.
package routing

import (
	"sync"

	"github.com/meshrtr/meshrtr/pkg/wire"
)

// Entry is one routing-table row: the next hop towards dst, and the cost
// in hops.
type Entry struct {
	NextHop  wire.NodeID
	HopCount uint8
}

// ChangeKind describes what happened to a routing table entry.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeUpdated
	ChangeRemoved
)

// Change is emitted on a RouteTable's Observer channel whenever an entry is
// added, updated, or removed. Observers receive events; they never lock the
// table directly (see spec.md design note on collapsing the source's
// multi-mutex web into a single owner).
type Change struct {
	Dest wire.NodeID
	Kind ChangeKind
	Prev Entry // zero if Kind == ChangeAdded
	Cur  Entry // zero if Kind == ChangeRemoved
}

// RouteTable maps destination node -> (next hop, hop count). Grounded on
// the teacher's ServerList: a single RWMutex guarding one or more maps that
// must stay consistent together.
type RouteTable struct {
	mu      sync.RWMutex
	entries map[wire.NodeID]Entry

	observersMu sync.Mutex
	observers   map[chan<- Change]struct{}
}

// NewRouteTable creates an empty routing table.
func NewRouteTable() *RouteTable {
	return &RouteTable{
		entries:   make(map[wire.NodeID]Entry),
		observers: make(map[chan<- Change]struct{}),
	}
}

// Observe registers c to receive Change events until unregistered with
// StopObserving. Sends are non-blocking: a slow observer misses events
// rather than stalling the router goroutine.
func (t *RouteTable) Observe(c chan<- Change) {
	t.observersMu.Lock()
	defer t.observersMu.Unlock()
	t.observers[c] = struct{}{}
}

// StopObserving unregisters c.
func (t *RouteTable) StopObserving(c chan<- Change) {
	t.observersMu.Lock()
	defer t.observersMu.Unlock()
	delete(t.observers, c)
}

func (t *RouteTable) emit(ch Change) {
	t.observersMu.Lock()
	defer t.observersMu.Unlock()
	for c := range t.observers {
		select {
		case c <- ch:
		default:
		}
	}
}

// Update inserts a route to dst if absent, or replaces it only when
// hopCount is strictly smaller than the current entry's hop count. It
// never lowers cost by accepting an equal or larger hop count. hopCount
// must be >= 1.
func (t *RouteTable) Update(dst, nextHop wire.NodeID, hopCount uint8) {
	if hopCount < 1 {
		hopCount = 1
	}
	t.mu.Lock()
	cur, exists := t.entries[dst]
	if exists && hopCount >= cur.HopCount {
		t.mu.Unlock()
		return
	}
	next := Entry{NextHop: nextHop, HopCount: hopCount}
	t.entries[dst] = next
	t.mu.Unlock()

	if exists {
		t.emit(Change{Dest: dst, Kind: ChangeUpdated, Prev: cur, Cur: next})
	} else {
		t.emit(Change{Dest: dst, Kind: ChangeAdded, Cur: next})
	}
}

// Get returns the routing entry for dst, if any. It never blocks for long:
// readers may run concurrently with writers.
func (t *RouteTable) Get(dst wire.NodeID) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[dst]
	return e, ok
}

// Invalidate removes broken, originalDst, and every entry whose next hop
// is broken. It returns the set of destination ids that were removed, so
// callers (e.g. the gateway set) can react to gateway loss.
func (t *RouteTable) Invalidate(broken, originalDst wire.NodeID) []wire.NodeID {
	t.mu.Lock()
	var removed []wire.NodeID
	var removedEntries []Entry
	for dst, e := range t.entries {
		if dst == broken || dst == originalDst || e.NextHop == broken {
			removed = append(removed, dst)
			removedEntries = append(removedEntries, e)
			delete(t.entries, dst)
		}
	}
	t.mu.Unlock()

	for i, dst := range removed {
		t.emit(Change{Dest: dst, Kind: ChangeRemoved, Prev: removedEntries[i]})
	}
	return removed
}

// InvalidateOne removes a single destination's route (used by the RERR
// special-case where broken == reporter: only originalDst is removed).
func (t *RouteTable) InvalidateOne(dst wire.NodeID) bool {
	t.mu.Lock()
	e, ok := t.entries[dst]
	if ok {
		delete(t.entries, dst)
	}
	t.mu.Unlock()
	if ok {
		t.emit(Change{Dest: dst, Kind: ChangeRemoved, Prev: e})
	}
	return ok
}

// Len returns the number of routing entries, for metrics.
func (t *RouteTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Snapshot returns a defensive copy of all entries, for diagnostics.
func (t *RouteTable) Snapshot() map[wire.NodeID]Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[wire.NodeID]Entry, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}
