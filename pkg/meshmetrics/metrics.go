// Package meshmetrics adapts the teacher's pkg/metricsx helpers
// (themselves an extension of github.com/VictoriaMetrics/metrics) into a
// set of counters and gauges for one router's mesh activity: rx/tx per
// packet type, drop reasons, retry-sweep outcomes, and table
// occupancies.
package meshmetrics

import (
	"io"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"

	"github.com/meshrtr/meshrtr/pkg/wire"
)

// DropReason labels why an inbound frame never reached a protocol
// handler.
type DropReason string

const (
	DropTooShort      DropReason = "too_short"
	DropDecryptFailed DropReason = "decrypt_failed"
	DropDuplicate     DropReason = "duplicate"
	DropSelfLoop      DropReason = "self_loop"
	DropNotForMe      DropReason = "not_for_me"
)

// RetryOutcome labels how one retry-buffer entry was finally resolved.
type RetryOutcome string

const (
	RetryAcked     RetryOutcome = "acked"
	RetryExhausted RetryOutcome = "exhausted"
)

// Metrics holds every counter/gauge this node exports, all registered
// under a private *metrics.Set so multiple Metrics instances (e.g. in
// tests) never collide in the process-wide default set.
type Metrics struct {
	set *metrics.Set

	rxTotal    map[wire.PacketType]*metrics.Counter
	txTotal    map[wire.PacketType]*metrics.Counter
	dropTotal  map[DropReason]*metrics.Counter
	retryTotal map[RetryOutcome]*metrics.Counter

	// tableSizes backs the gauges below. VictoriaMetrics/metrics gauges
	// are callback-based (no Set method), so SetTableSizes stores here
	// and the gauges read it back on every scrape.
	tableSizes [6]int64

	routeTableSize  *metrics.Gauge
	gutSize         *metrics.Gauge
	seenSetSize     *metrics.Gauge
	gatewaySetSize  *metrics.Gauge
	retryBufferSize *metrics.Gauge
	pendingDataSize *metrics.Gauge

	location *NodeLocationCounter
}

const (
	idxRouteTable = iota
	idxGUT
	idxSeenSet
	idxGatewaySet
	idxRetryBuffer
	idxPendingData
)

// New creates a Metrics instance, pre-registering one counter per known
// packet type, drop reason, and retry outcome so every label appears in
// /metrics output even before it is ever incremented.
func New() *Metrics {
	set := metrics.NewSet()
	m := &Metrics{
		set:        set,
		rxTotal:    make(map[wire.PacketType]*metrics.Counter, 16),
		txTotal:    make(map[wire.PacketType]*metrics.Counter, 16),
		dropTotal:  make(map[DropReason]*metrics.Counter, 8),
		retryTotal: make(map[RetryOutcome]*metrics.Counter, 4),
		location:   newNodeLocationCounter("meshrtr_node_coverage_total"),
	}

	for _, pt := range allPacketTypes {
		m.rxTotal[pt] = set.NewCounter(labeledMetric("meshrtr_frames_rx_total", "type", pt.String()))
		m.txTotal[pt] = set.NewCounter(labeledMetric("meshrtr_frames_tx_total", "type", pt.String()))
	}
	for _, dr := range []DropReason{DropTooShort, DropDecryptFailed, DropDuplicate, DropSelfLoop, DropNotForMe} {
		m.dropTotal[dr] = set.NewCounter(labeledMetric("meshrtr_frames_dropped_total", "reason", string(dr)))
	}
	for _, ro := range []RetryOutcome{RetryAcked, RetryExhausted} {
		m.retryTotal[ro] = set.NewCounter(labeledMetric("meshrtr_retry_outcomes_total", "outcome", string(ro)))
	}

	m.routeTableSize = set.NewGauge(`meshrtr_route_table_size`, m.gaugeFunc(idxRouteTable))
	m.gutSize = set.NewGauge(`meshrtr_gut_size`, m.gaugeFunc(idxGUT))
	m.seenSetSize = set.NewGauge(`meshrtr_seen_set_size`, m.gaugeFunc(idxSeenSet))
	m.gatewaySetSize = set.NewGauge(`meshrtr_gateway_set_size`, m.gaugeFunc(idxGatewaySet))
	m.retryBufferSize = set.NewGauge(`meshrtr_retry_buffer_size`, m.gaugeFunc(idxRetryBuffer))
	m.pendingDataSize = set.NewGauge(`meshrtr_pending_data_size`, m.gaugeFunc(idxPendingData))

	return m
}

func (m *Metrics) gaugeFunc(idx int) func() float64 {
	return func() float64 { return float64(atomic.LoadInt64(&m.tableSizes[idx])) }
}

var allPacketTypes = []wire.PacketType{
	wire.RREQ, wire.RREP, wire.RERR, wire.DATA, wire.BroadcastInfo, wire.ACK,
	wire.UREQ, wire.UREP, wire.UERR, wire.UserMsg, wire.PubKeyReq, wire.PubKeyResp, wire.MoveUserReq,
}

// RecordRx counts one inbound frame of the given type reaching dispatch.
func (m *Metrics) RecordRx(t wire.PacketType) {
	if c, ok := m.rxTotal[t]; ok {
		c.Inc()
	}
}

// RecordTx counts one outbound frame of the given type handed to the radio.
func (m *Metrics) RecordTx(t wire.PacketType) {
	if c, ok := m.txTotal[t]; ok {
		c.Inc()
	}
}

// RecordDrop counts one inbound frame rejected before reaching a handler.
func (m *Metrics) RecordDrop(reason DropReason) {
	if c, ok := m.dropTotal[reason]; ok {
		c.Inc()
	}
}

// RecordRetryOutcome counts one retry-buffer entry reaching its terminal
// state.
func (m *Metrics) RecordRetryOutcome(outcome RetryOutcome) {
	if c, ok := m.retryTotal[outcome]; ok {
		c.Inc()
	}
}

// SetTableSizes updates the table-occupancy gauges, meant to be called
// once per sweep cycle from the router goroutine.
func (m *Metrics) SetTableSizes(routes, gut, seen, gateways, retryBuf, pendingData int) {
	atomic.StoreInt64(&m.tableSizes[idxRouteTable], int64(routes))
	atomic.StoreInt64(&m.tableSizes[idxGUT], int64(gut))
	atomic.StoreInt64(&m.tableSizes[idxSeenSet], int64(seen))
	atomic.StoreInt64(&m.tableSizes[idxGatewaySet], int64(gateways))
	atomic.StoreInt64(&m.tableSizes[idxRetryBuffer], int64(retryBuf))
	atomic.StoreInt64(&m.tableSizes[idxPendingData], int64(pendingData))
}

// Location exposes the geohash-bucketed coverage counter.
func (m *Metrics) Location() *NodeLocationCounter { return m.location }

// WritePrometheus writes every registered metric in Prometheus text
// format, the same entry point the teacher's (*api0.Handler).WritePrometheus
// exposes over its HTTP server.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
	m.location.WritePrometheus(w)
}
