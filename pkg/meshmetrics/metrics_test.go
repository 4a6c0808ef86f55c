package meshmetrics

import (
	"strings"
	"testing"

	"github.com/mmcloughlin/geohash"

	"github.com/meshrtr/meshrtr/pkg/wire"
)

func TestLabeledMetricBuildsName(t *testing.T) {
	got := labeledMetric("meshrtr_frames_rx_total", "type", "RREQ")
	want := `meshrtr_frames_rx_total{type="RREQ"}`
	if got != want {
		t.Fatalf("labeledMetric() = %q, want %q", got, want)
	}
}

func TestCellLabelMatchesGeohashEncoding(t *testing.T) {
	// A known lat/lng pair's first two geohash characters must match what
	// cellLabel decodes from the same integer cell index.
	want := geohash.EncodeWithPrecision(40.0, -105.0, geohashPrecision)
	cell := geohash.EncodeIntWithPrecision(40.0, -105.0, 5*geohashPrecision)
	if got := cellLabel(cell); got != want {
		t.Fatalf("cellLabel(%d) = %q, want %q", cell, got, want)
	}
}

func TestRecordRxTxIncrementsNamedCounter(t *testing.T) {
	m := New()
	m.RecordRx(wire.RREQ)
	m.RecordRx(wire.RREQ)
	m.RecordTx(wire.RREP)

	var b strings.Builder
	m.WritePrometheus(&b)
	out := b.String()

	if !strings.Contains(out, `meshrtr_frames_rx_total{type="RREQ"} 2`) {
		t.Fatalf("rx counter not found or wrong value in:\n%s", out)
	}
	if !strings.Contains(out, `meshrtr_frames_tx_total{type="RREP"} 1`) {
		t.Fatalf("tx counter not found or wrong value in:\n%s", out)
	}
	// Every known packet type is pre-registered, even unobserved ones.
	if !strings.Contains(out, `meshrtr_frames_rx_total{type="DATA"} 0`) {
		t.Fatalf("unobserved packet type counter missing from:\n%s", out)
	}
}

func TestRecordDropAndRetryOutcome(t *testing.T) {
	m := New()
	m.RecordDrop(DropDuplicate)
	m.RecordRetryOutcome(RetryExhausted)

	var b strings.Builder
	m.WritePrometheus(&b)
	out := b.String()

	if !strings.Contains(out, `meshrtr_frames_dropped_total{reason="duplicate"} 1`) {
		t.Fatalf("drop counter missing from:\n%s", out)
	}
	if !strings.Contains(out, `meshrtr_retry_outcomes_total{outcome="exhausted"} 1`) {
		t.Fatalf("retry outcome counter missing from:\n%s", out)
	}
}

func TestSetTableSizes(t *testing.T) {
	m := New()
	m.SetTableSizes(3, 4, 5, 6, 7, 8)

	var b strings.Builder
	m.WritePrometheus(&b)
	out := b.String()

	for _, want := range []string{
		"meshrtr_route_table_size 3",
		"meshrtr_gut_size 4",
		"meshrtr_seen_set_size 5",
		"meshrtr_gateway_set_size 6",
		"meshrtr_retry_buffer_size 7",
		"meshrtr_pending_data_size 8",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in:\n%s", want, out)
		}
	}
}

func TestNodeLocationCounterBucketsByGeohash(t *testing.T) {
	m := New()
	loc := m.Location()

	loc.Observe(40.0, -105.0)
	loc.Observe(40.0, -105.0)
	loc.ObserveUnknown()

	var b strings.Builder
	loc.WritePrometheus(&b)
	out := b.String()

	if !strings.Contains(out, `meshrtr_node_coverage_total{geohash=""} 1`) {
		t.Fatalf("unknown-location bucket missing from:\n%s", out)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	var sawObserved bool
	for _, line := range lines[1:] {
		if strings.HasSuffix(line, " 2") {
			sawObserved = true
		}
	}
	if !sawObserved {
		t.Fatalf("expected a geohash cell with count 2 in:\n%s", out)
	}
}

func TestNodeLocationCounterNilSafe(t *testing.T) {
	var loc *NodeLocationCounter
	loc.Observe(1, 1)
	loc.ObserveUnknown()
}
