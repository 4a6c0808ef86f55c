package meshmetrics

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/mmcloughlin/geohash"
)

// geohashPrecision is the number of base32 characters each tracked cell is
// keyed by. At precision 2 a cell covers roughly 1,250km x 625km, plenty
// coarse to bucket fixed relay/gateway nodes onto a coverage map without
// exposing any node's exact coordinates.
const geohashPrecision = 2

// geohashCells is the number of distinct cells at geohashPrecision: base32
// packs 5 bits per character, so precision chars cover 5*precision bits.
const geohashCells = 1 << (5 * geohashPrecision)

// geohashAlphabet is the base32 alphabet geohashes are encoded in (digits
// and lowercase letters, skipping a/i/l/o to avoid visual ambiguity).
const geohashAlphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

// NodeLocationCounter buckets gateway-selection and RSSI/SNR telemetry by
// geohash cell, for a fleet-wide coverage-map dashboard. Operators who
// place fixed relay/gateway nodes know their approximate physical
// location; this lets a dashboard render mesh health per map cell without
// ever exposing individual node coordinates at full precision.
//
// Counts are held in a fixed array of atomics rather than per-cell
// *metrics.Counter objects: at 1024 possible cells, allocating one eagerly
// costs little, and reading/writing a plain uint64 avoids a map lookup on
// every Observe.
type NodeLocationCounter struct {
	metric  string
	unknown string
	cells   [geohashCells]uint64
	unk     uint64
}

func newNodeLocationCounter(metric string) *NodeLocationCounter {
	return &NodeLocationCounter{
		metric:  metric,
		unknown: fmt.Sprintf(`%s{geohash=""}`, metric),
	}
}

// Observe records one gateway-selection or reception event at lat/lng.
func (c *NodeLocationCounter) Observe(lat, lng float64) {
	if c == nil {
		return
	}
	cell := geohash.EncodeIntWithPrecision(lat, lng, 5*geohashPrecision)
	if cell >= geohashCells {
		return
	}
	atomic.AddUint64(&c.cells[cell], 1)
}

// ObserveUnknown records an event whose node has no configured location.
func (c *NodeLocationCounter) ObserveUnknown() {
	if c == nil {
		return
	}
	atomic.AddUint64(&c.unk, 1)
}

// WritePrometheus writes the Prometheus text format for every non-zero
// geohash cell, plus the unknown-location bucket.
func (c *NodeLocationCounter) WritePrometheus(w io.Writer) {
	fmt.Fprintf(w, "%s %d\n", c.unknown, atomic.LoadUint64(&c.unk))
	for cell := uint64(0); cell < geohashCells; cell++ {
		count := atomic.LoadUint64(&c.cells[cell])
		if count == 0 {
			continue
		}
		fmt.Fprintf(w, "%s{geohash=%q} %d\n", c.metric, cellLabel(cell), count)
	}
}

// cellLabel decodes a geohashPrecision-character geohash string directly
// out of the integer cell index, without re-running the lat/lng encoder:
// base32 packs geohashPrecision*5 bits, 5 per character, most significant
// character first.
func cellLabel(cell uint64) string {
	chars := make([]byte, geohashPrecision)
	for i := range chars {
		shift := uint(5 * (geohashPrecision - 1 - i))
		chars[i] = geohashAlphabet[(cell>>shift)&0x1f]
	}
	return string(chars)
}
