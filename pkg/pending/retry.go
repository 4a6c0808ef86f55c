package pending

import (
	"time"

	"github.com/meshrtr/meshrtr/pkg/wire"
)

// RetryEntry is a stored copy of a sent unicast frame awaiting ACK, keyed
// by packet id.
type RetryEntry struct {
	Frame           []byte
	ExpectedNextHop wire.NodeID
	FirstSentAt     time.Time
	LastSentAt      time.Time
	Attempts        uint8

	// Origin and Destination are carried for RERR/notification purposes
	// when the sweep exhausts retries.
	Origin      wire.NodeID
	Destination wire.NodeID
	// FromUser/ToUser are set for USER_MSG retries, so the client bridge
	// can be told which user<->user exchange failed.
	FromUser wire.UserID
	ToUser   wire.UserID
}

// RetryBuffer holds every unicast frame that requested an ACK, keyed by
// packet id, until it is acknowledged (explicitly or implicitly) or
// retransmission is exhausted. Like the pending queues, it is touched only
// from the single router goroutine.
type RetryBuffer struct {
	entries map[wire.PacketID]*RetryEntry
}

// NewRetryBuffer creates an empty retry buffer.
func NewRetryBuffer() *RetryBuffer {
	return &RetryBuffer{entries: make(map[wire.PacketID]*RetryEntry)}
}

// Put registers a new retry entry for id, overwriting any prior entry.
func (r *RetryBuffer) Put(id wire.PacketID, e RetryEntry) {
	ec := e
	r.entries[id] = &ec
}

// Get returns the retry entry for id, if any.
func (r *RetryBuffer) Get(id wire.PacketID) (*RetryEntry, bool) {
	e, ok := r.entries[id]
	return e, ok
}

// Remove deletes the retry entry for id, returning it if present. Both
// implicit-ACK and explicit-ACK handling call this.
func (r *RetryBuffer) Remove(id wire.PacketID) (RetryEntry, bool) {
	e, ok := r.entries[id]
	if !ok {
		return RetryEntry{}, false
	}
	delete(r.entries, id)
	return *e, true
}

// Len returns the number of in-flight retry entries, for metrics.
func (r *RetryBuffer) Len() int { return len(r.entries) }

// DueEntry pairs a packet id with its retry state, returned by Due.
type DueEntry struct {
	ID    wire.PacketID
	Entry RetryEntry
}

// Due returns every entry whose last send is at least ackTimeout old,
// ordered arbitrarily. The caller (the retry sweep in pkg/router) decides,
// per entry, whether to retransmit (Attempts < maxRetrans) or give up.
func (r *RetryBuffer) Due(now time.Time, ackTimeout time.Duration) []DueEntry {
	var due []DueEntry
	for id, e := range r.entries {
		if now.Sub(e.LastSentAt) >= ackTimeout {
			due = append(due, DueEntry{ID: id, Entry: *e})
		}
	}
	return due
}

// MarkRetransmitted increments the attempt counter and resets the
// timestamp for id, as the spec's retransmission policy requires.
func (r *RetryBuffer) MarkRetransmitted(id wire.PacketID, now time.Time) {
	if e, ok := r.entries[id]; ok {
		e.Attempts++
		e.LastSentAt = now
	}
}
