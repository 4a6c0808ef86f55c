package routing

import (
	"sync"
	"time"

	"github.com/meshrtr/meshrtr/pkg/wire"
)

// GUTEntry is one row of the global user table: the node currently hosting
// a user's client session, a sequence number for staleness comparisons,
// and the last-updated timestamp.
type GUTEntry struct {
	HomeNode  wire.NodeID
	Seq       uint8
	Timestamp time.Time
}

// UserTable is the global user table (GUT): user -> home node. It offers
// upsert/remove/lookup like RouteTable, but Upsert always overwrites
// instead of comparing costs.
type UserTable struct {
	mu      sync.RWMutex
	entries map[wire.UserID]GUTEntry
}

// NewUserTable creates an empty GUT.
func NewUserTable() *UserTable {
	return &UserTable{entries: make(map[wire.UserID]GUTEntry)}
}

// Upsert inserts or overwrites the entry for user. Unlike RouteTable,
// the GUT is directory data, not shortest-path data: a fresher
// advertisement (higher seq, or any seq if the home node differs)
// always replaces the existing entry.
func (g *UserTable) Upsert(user wire.UserID, home wire.NodeID, seq uint8, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[user] = GUTEntry{HomeNode: home, Seq: seq, Timestamp: now}
}

// Lookup returns the home node for user, if known.
func (g *UserTable) Lookup(user wire.UserID) (GUTEntry, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entries[user]
	return e, ok
}

// Remove deletes the entry for user unconditionally.
func (g *UserTable) Remove(user wire.UserID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, user)
}

// RemoveIfHome deletes the entry for user only if its current home node
// matches reportedHome, per the UERR handling contract in spec.md §4.6:
// "remove GUT entry only if the current entry's home_node matches the
// reporter's claim". Returns whether it removed anything.
func (g *UserTable) RemoveIfHome(user wire.UserID, reportedHome wire.NodeID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[user]
	if !ok || e.HomeNode != reportedHome {
		return false
	}
	delete(g.entries, user)
	return true
}

// Len returns the number of GUT entries, for metrics.
func (g *UserTable) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

// Users returns a defensive copy of all known user ids, for diff broadcast
// construction.
func (g *UserTable) Users() []wire.UserID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]wire.UserID, 0, len(g.entries))
	for u := range g.entries {
		out = append(out, u)
	}
	return out
}
