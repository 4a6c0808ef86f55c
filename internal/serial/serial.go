// Package serial implements a RadioPort over a UART-attached LoRa radio
// module, plus the CSMA backoff policies used before every transmission.
package serial

import (
	"math/rand"
	"time"

	"github.com/meshrtr/meshrtr/pkg/ports"
)

// BackoffPolicy decides how long to wait before a channel-access attempt,
// given how many consecutive busy-channel retries have already happened
// for the current frame.
type BackoffPolicy interface {
	Backoff(attempt int) time.Duration
}

// UniformBackoff waits a uniformly random duration between Min and Max on
// every attempt, regardless of how many times the channel has been busy.
// This mirrors the fixed 5-50ms backoff window the original firmware used
// for every retry.
type UniformBackoff struct {
	Min, Max time.Duration
}

// NewUniformBackoff returns the original firmware's 5-50ms window.
func NewUniformBackoff() UniformBackoff {
	return UniformBackoff{Min: 5 * time.Millisecond, Max: 50 * time.Millisecond}
}

func (b UniformBackoff) Backoff(attempt int) time.Duration {
	span := b.Max - b.Min
	if span <= 0 {
		return b.Min
	}
	return b.Min + time.Duration(rand.Int63n(int64(span)))
}

// BinaryExponentialBackoff doubles the wait window on every consecutive
// busy attempt, capped at Max, in the style of classic CSMA/CA.
type BinaryExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

// NewBinaryExponentialBackoff returns a 10ms base doubling up to a 2s cap.
func NewBinaryExponentialBackoff() BinaryExponentialBackoff {
	return BinaryExponentialBackoff{Base: 10 * time.Millisecond, Max: 2 * time.Second}
}

func (b BinaryExponentialBackoff) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	window := b.Base << attempt
	if window <= 0 || window > b.Max {
		window = b.Max
	}
	return time.Duration(rand.Int63n(int64(window) + 1))
}

// BEBackoff implements IEEE 802.15.4-style backoff exponent growth between
// MinBE and MaxBE, counting slots of SlotDuration.
type BEBackoff struct {
	MinBE, MaxBE int
	SlotDuration time.Duration
}

// NewBEBackoff returns macMinBE=3, macMaxBE=5 with a 320us slot, the
// defaults for 802.15.4-derived sub-GHz radios.
func NewBEBackoff() BEBackoff {
	return BEBackoff{MinBE: 3, MaxBE: 5, SlotDuration: 320 * time.Microsecond}
}

func (b BEBackoff) Backoff(attempt int) time.Duration {
	be := b.MinBE + attempt
	if be > b.MaxBE {
		be = b.MaxBE
	}
	slots := rand.Int63n(1 << uint(be))
	return time.Duration(slots) * b.SlotDuration
}

// PPersistentBackoff retries immediately with probability P on every slot,
// otherwise waits one SlotDuration and retries the coin flip.
type PPersistentBackoff struct {
	P            float64
	SlotDuration time.Duration
}

func NewPPersistentBackoff() PPersistentBackoff {
	return PPersistentBackoff{P: 0.5, SlotDuration: 10 * time.Millisecond}
}

func (b PPersistentBackoff) Backoff(attempt int) time.Duration {
	slots := 0
	for rand.Float64() >= b.P {
		slots++
		if slots > 16 {
			break
		}
	}
	return time.Duration(slots) * b.SlotDuration
}

var _ ports.RadioPort = (*Port)(nil)
