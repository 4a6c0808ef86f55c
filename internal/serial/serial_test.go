package serial

import "testing"

func TestUniformBackoffWithinWindow(t *testing.T) {
	b := NewUniformBackoff()
	for i := 0; i < 100; i++ {
		d := b.Backoff(i)
		if d < b.Min || d > b.Max {
			t.Fatalf("backoff %v outside [%v,%v]", d, b.Min, b.Max)
		}
	}
}

func TestBinaryExponentialBackoffGrowsThenCaps(t *testing.T) {
	b := NewBinaryExponentialBackoff()
	for attempt := 0; attempt < 20; attempt++ {
		d := b.Backoff(attempt)
		if d > b.Max {
			t.Fatalf("attempt %d: backoff %v exceeded cap %v", attempt, d, b.Max)
		}
		if d < 0 {
			t.Fatalf("attempt %d: negative backoff %v", attempt, d)
		}
	}
}

func TestBEBackoffRespectsMaxBE(t *testing.T) {
	b := NewBEBackoff()
	maxWindow := (int64(1) << uint(b.MaxBE)) * int64(b.SlotDuration)
	for attempt := 0; attempt < 10; attempt++ {
		d := b.Backoff(attempt)
		if int64(d) > maxWindow {
			t.Fatalf("attempt %d: backoff %v exceeded max window %v", attempt, d, maxWindow)
		}
	}
}

func TestPPersistentBackoffTerminates(t *testing.T) {
	b := NewPPersistentBackoff()
	for i := 0; i < 50; i++ {
		_ = b.Backoff(0) // must return, not loop forever
	}
}
