// Package pending implements the queue-per-destination and queue-per-user
// buffers that hold outbound traffic awaiting route or directory
// discovery, plus the retry buffer for unicast frames awaiting ACK.
package pending

import (
	"time"

	"github.com/meshrtr/meshrtr/pkg/wire"
)

// DefaultMaxAge is the soft timeout recommended by spec.md §9 ("Pending
// queue lifetime"): buffered payloads older than this are discarded by
// Sweep and reported to the caller so the sender can be notified of
// failure, instead of growing the buffers unboundedly when discovery
// never completes.
const DefaultMaxAge = 60 * time.Second

// DataEntry is a DATA payload buffered while waiting for a route to a node.
type DataEntry struct {
	PacketID   wire.PacketID
	Bytes      []byte
	EnqueuedAt time.Time
}

// UserRouteEntry is a user message buffered while waiting for a route to a
// known home node (the GUT lookup already succeeded).
type UserRouteEntry struct {
	PacketID   wire.PacketID
	FromUser   wire.UserID
	ToUser     wire.UserID
	Bytes      []byte
	EnqueuedAt time.Time
}

// UserDirEntry is a user message buffered while waiting for a home-node
// lookup (no GUT entry yet).
type UserDirEntry struct {
	PacketID   wire.PacketID
	FromUser   wire.UserID
	Bytes      []byte
	EnqueuedAt time.Time
}

// MoveRequest is a user-migration notification buffered while waiting for
// a route to the user's old home node.
type MoveRequest struct {
	User       wire.UserID
	OldHome    wire.NodeID
	EnqueuedAt time.Time
}

// DataQueues buffers DATA payloads per destination node.
type DataQueues struct {
	q map[wire.NodeID][]DataEntry
}

func NewDataQueues() *DataQueues { return &DataQueues{q: make(map[wire.NodeID][]DataEntry)} }

func (d *DataQueues) Push(dst wire.NodeID, e DataEntry) { d.q[dst] = append(d.q[dst], e) }

// Drain removes and returns all entries queued for dst.
func (d *DataQueues) Drain(dst wire.NodeID) []DataEntry {
	e := d.q[dst]
	delete(d.q, dst)
	return e
}

func (d *DataQueues) Len(dst wire.NodeID) int { return len(d.q[dst]) }

// Total returns the number of entries buffered across every destination,
// for occupancy metrics.
func (d *DataQueues) Total() int {
	n := 0
	for _, entries := range d.q {
		n += len(entries)
	}
	return n
}

// Sweep discards entries older than maxAge across all destinations and
// returns them, for failure notification.
func (d *DataQueues) Sweep(now time.Time, maxAge time.Duration) []DataEntry {
	var dropped []DataEntry
	for dst, entries := range d.q {
		kept := entries[:0]
		for _, e := range entries {
			if now.Sub(e.EnqueuedAt) > maxAge {
				dropped = append(dropped, e)
			} else {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(d.q, dst)
		} else {
			d.q[dst] = kept
		}
	}
	return dropped
}

// UserRouteQueues buffers user messages per destination node, awaiting a
// route to that node.
type UserRouteQueues struct {
	q map[wire.NodeID][]UserRouteEntry
}

func NewUserRouteQueues() *UserRouteQueues {
	return &UserRouteQueues{q: make(map[wire.NodeID][]UserRouteEntry)}
}

func (d *UserRouteQueues) Push(dst wire.NodeID, e UserRouteEntry) { d.q[dst] = append(d.q[dst], e) }

func (d *UserRouteQueues) Drain(dst wire.NodeID) []UserRouteEntry {
	e := d.q[dst]
	delete(d.q, dst)
	return e
}

func (d *UserRouteQueues) Sweep(now time.Time, maxAge time.Duration) []UserRouteEntry {
	var dropped []UserRouteEntry
	for dst, entries := range d.q {
		kept := entries[:0]
		for _, e := range entries {
			if now.Sub(e.EnqueuedAt) > maxAge {
				dropped = append(dropped, e)
			} else {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(d.q, dst)
		} else {
			d.q[dst] = kept
		}
	}
	return dropped
}

// UserDirQueues buffers user messages per destination user, awaiting a
// home-node lookup.
type UserDirQueues struct {
	q map[wire.UserID][]UserDirEntry
}

func NewUserDirQueues() *UserDirQueues {
	return &UserDirQueues{q: make(map[wire.UserID][]UserDirEntry)}
}

func (d *UserDirQueues) Push(user wire.UserID, e UserDirEntry) { d.q[user] = append(d.q[user], e) }

func (d *UserDirQueues) Drain(user wire.UserID) []UserDirEntry {
	e := d.q[user]
	delete(d.q, user)
	return e
}

func (d *UserDirQueues) Sweep(now time.Time, maxAge time.Duration) []UserDirEntry {
	var dropped []UserDirEntry
	for user, entries := range d.q {
		kept := entries[:0]
		for _, e := range entries {
			if now.Sub(e.EnqueuedAt) > maxAge {
				dropped = append(dropped, e)
			} else {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(d.q, user)
		} else {
			d.q[user] = kept
		}
	}
	return dropped
}

// MoveQueues buffers MOVE_USER_REQ notifications per old-home node,
// awaiting a route to that node.
type MoveQueues struct {
	q map[wire.NodeID][]MoveRequest
}

func NewMoveQueues() *MoveQueues { return &MoveQueues{q: make(map[wire.NodeID][]MoveRequest)} }

func (d *MoveQueues) Push(node wire.NodeID, m MoveRequest) { d.q[node] = append(d.q[node], m) }

func (d *MoveQueues) Drain(node wire.NodeID) []MoveRequest {
	e := d.q[node]
	delete(d.q, node)
	return e
}

func (d *MoveQueues) Sweep(now time.Time, maxAge time.Duration) []MoveRequest {
	var dropped []MoveRequest
	for node, entries := range d.q {
		kept := entries[:0]
		for _, e := range entries {
			if now.Sub(e.EnqueuedAt) > maxAge {
				dropped = append(dropped, e)
			} else {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(d.q, node)
		} else {
			d.q[node] = kept
		}
	}
	return dropped
}
