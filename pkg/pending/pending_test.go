package pending

import (
	"testing"
	"time"

	"github.com/meshrtr/meshrtr/pkg/wire"
)

func TestDataQueuesPushDrain(t *testing.T) {
	q := NewDataQueues()
	q.Push(200, DataEntry{PacketID: 1, Bytes: []byte{0xDE, 0xAD, 0xBE, 0xEF}, EnqueuedAt: time.Unix(0, 0)})

	if q.Len(200) != 1 {
		t.Fatalf("expected 1 pending entry, got %d", q.Len(200))
	}

	entries := q.Drain(200)
	if len(entries) != 1 || string(entries[0].Bytes) != "\xde\xad\xbe\xef" {
		t.Fatalf("unexpected drained entries: %+v", entries)
	}
	if q.Len(200) != 0 {
		t.Fatal("queue should be empty after drain")
	}
}

func TestDataQueuesTotalSumsAllDestinations(t *testing.T) {
	q := NewDataQueues()
	q.Push(1, DataEntry{PacketID: 1})
	q.Push(1, DataEntry{PacketID: 2})
	q.Push(2, DataEntry{PacketID: 3})

	if total := q.Total(); total != 3 {
		t.Fatalf("Total() = %d, want 3", total)
	}
	q.Drain(1)
	if total := q.Total(); total != 1 {
		t.Fatalf("Total() after drain = %d, want 1", total)
	}
}

func TestDataQueuesSweepDropsStaleEntries(t *testing.T) {
	q := NewDataQueues()
	base := time.Unix(1000, 0)
	q.Push(1, DataEntry{PacketID: 1, EnqueuedAt: base})
	q.Push(1, DataEntry{PacketID: 2, EnqueuedAt: base.Add(70 * time.Second)})

	dropped := q.Sweep(base.Add(70*time.Second), DefaultMaxAge)
	if len(dropped) != 1 || dropped[0].PacketID != 1 {
		t.Fatalf("expected only the 70s-old entry dropped, got %+v", dropped)
	}
	if q.Len(1) != 1 {
		t.Fatalf("expected 1 surviving entry, got %d", q.Len(1))
	}
}

func TestUserDirQueuesSweep(t *testing.T) {
	q := NewUserDirQueues()
	base := time.Unix(0, 0)
	q.Push(7, UserDirEntry{FromUser: 1, EnqueuedAt: base})
	dropped := q.Sweep(base.Add(61*time.Second), DefaultMaxAge)
	if len(dropped) != 1 {
		t.Fatalf("expected entry to be dropped after 61s, got %d", len(dropped))
	}
}

func TestRetryBufferRemoveAndDue(t *testing.T) {
	rb := NewRetryBuffer()
	base := time.Unix(1000, 0)
	rb.Put(42, RetryEntry{Frame: []byte{1, 2, 3}, ExpectedNextHop: 5, FirstSentAt: base, LastSentAt: base})

	if rb.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", rb.Len())
	}

	due := rb.Due(base.Add(2*time.Second), 3*time.Second)
	if len(due) != 0 {
		t.Fatalf("should not be due yet, got %d", len(due))
	}

	due = rb.Due(base.Add(3*time.Second), 3*time.Second)
	if len(due) != 1 || due[0].ID != 42 {
		t.Fatalf("expected entry due, got %+v", due)
	}

	rb.MarkRetransmitted(42, base.Add(3*time.Second))
	e, ok := rb.Get(42)
	if !ok || e.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %+v", e)
	}

	removed, ok := rb.Remove(42)
	if !ok || removed.ExpectedNextHop != 5 {
		t.Fatalf("unexpected removed entry: %+v", removed)
	}
	if rb.Len() != 0 {
		t.Fatal("expected buffer empty after remove")
	}
}

func TestRetryBufferMaxRetransSequence(t *testing.T) {
	rb := NewRetryBuffer()
	base := time.Unix(0, 0)
	rb.Put(1, RetryEntry{FirstSentAt: base, LastSentAt: base})

	const maxRetrans = 3
	now := base
	retransmits := 0
	for i := 0; i < 10; i++ {
		now = now.Add(3 * time.Second)
		due := rb.Due(now, 3*time.Second)
		if len(due) == 0 {
			continue
		}
		e, _ := rb.Get(1)
		if e.Attempts >= maxRetrans {
			rb.Remove(1)
			break
		}
		rb.MarkRetransmitted(1, now)
		retransmits++
	}
	if retransmits != maxRetrans {
		t.Fatalf("expected exactly %d retransmits, got %d", maxRetrans, retransmits)
	}
	if rb.Len() != 0 {
		t.Fatal("expected entry removed after exhausting retries")
	}
	_ = wire.PacketID(0)
}
