package router

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshrtr/meshrtr/db/auditdb"
	"github.com/meshrtr/meshrtr/pkg/aead"
	"github.com/meshrtr/meshrtr/pkg/meshmetrics"
	"github.com/meshrtr/meshrtr/pkg/pending"
	"github.com/meshrtr/meshrtr/pkg/ports"
	"github.com/meshrtr/meshrtr/pkg/ports/portstest"
	"github.com/meshrtr/meshrtr/pkg/wire"
)

// testKey is the shared pre-shared network key every test node seals and
// opens frames under; a real deployment draws one from config, but every
// node on one mesh always shares the same key.
var testKey = make([]byte, aead.KeySize)

func newTestEnvelope(t *testing.T) *aead.Envelope {
	t.Helper()
	env, err := aead.New(testKey)
	if err != nil {
		t.Fatalf("aead.New: %v", err)
	}
	return env
}

func newTestRouter(t *testing.T, id wire.NodeID, radio *portstest.Radio, bridge *portstest.Bridge, tun Tunables) *Router {
	t.Helper()
	return New(id, newTestEnvelope(t), radio, bridge, nil, tun, zerolog.Nop())
}

// deliver reads exactly one frame queued on from's Sent channel and hands
// it to to as if received over the air, exercising the real dispatch
// pipeline (decrypt, dedup, addressing, handler) rather than poking at
// router internals directly.
func deliver(t *testing.T, from *portstest.Radio, to *Router) {
	t.Helper()
	select {
	case frame := <-from.Sent():
		to.handleFrame(ports.RadioFrame{Bytes: frame})
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a frame on the radio")
	}
}

// drainSent discards exactly one pending frame from radio, for tests that
// need to get an unrelated transmission out of the way without routing it.
func drainSent(t *testing.T, radio *portstest.Radio) []byte {
	t.Helper()
	select {
	case frame := <-radio.Sent():
		return frame
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a frame on the radio")
		return nil
	}
}

func assertNoMoreFrames(t *testing.T, radio *portstest.Radio) {
	t.Helper()
	select {
	case frame := <-radio.Sent():
		t.Fatalf("unexpected extra frame on the wire: %x", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestDiscoveryTwoNodeRouteAndDataDelivery exercises spec.md §4.7/§4.6's
// on-demand discovery path end to end between two directly reachable
// nodes: a send with no known route buffers the payload and emits an
// RREQ, the target answers with an RREP, and the learned route lets the
// buffered payload flush through to delivery.
func TestDiscoveryTwoNodeRouteAndDataDelivery(t *testing.T) {
	aRadio, bRadio := portstest.NewRadio(8), portstest.NewRadio(8)
	aBridge, bBridge := portstest.NewBridge(1), portstest.NewBridge(1)
	a := newTestRouter(t, 1, aRadio, aBridge, DefaultTunables())
	b := newTestRouter(t, 2, bRadio, bBridge, DefaultTunables())

	payload := []byte("hello b")
	if err := a.sendData(2, payload, 0, 0); err != nil {
		t.Fatalf("sendData: %v", err)
	}
	if a.dataQ.Len(2) != 1 {
		t.Fatalf("expected the send to be buffered pending discovery, got len %d", a.dataQ.Len(2))
	}

	deliver(t, aRadio, b) // RREQ: A -> B
	deliver(t, bRadio, a) // RREP: B -> A, flushes A's pending DATA
	deliver(t, aRadio, b) // DATA: A -> B

	delivered := bBridge.Delivered(0)
	if len(delivered) != 1 || string(delivered[0].Body) != string(payload) {
		t.Fatalf("expected payload delivered to B's bridge, got %+v", delivered)
	}
	if a.dataQ.Len(2) != 0 {
		t.Fatalf("expected pending queue drained after flush, got len %d", a.dataQ.Len(2))
	}
	if route, ok := a.routes.Get(2); !ok || route.NextHop != 2 {
		t.Fatalf("expected A to have learned a direct route to B, got %+v ok=%v", route, ok)
	}
}

// TestForwardedRREQAndRREPThreeNodeChain exercises the multi-hop case: A
// wants a route to C but only reaches B directly. B, lacking a route to C
// itself, rebroadcasts the RREQ; C answers with an RREP that B forwards
// back to A, incrementing num_hops exactly once per hop. The route each
// node ends up with matches the path actually taken.
func TestForwardedRREQAndRREPThreeNodeChain(t *testing.T) {
	aRadio, bRadio, cRadio := portstest.NewRadio(8), portstest.NewRadio(8), portstest.NewRadio(8)
	aBridge, bBridge, cBridge := portstest.NewBridge(1), portstest.NewBridge(1), portstest.NewBridge(1)
	a := newTestRouter(t, 1, aRadio, aBridge, DefaultTunables())
	b := newTestRouter(t, 2, bRadio, bBridge, DefaultTunables())
	c := newTestRouter(t, 3, cRadio, cBridge, DefaultTunables())

	payload := []byte("hello c")
	if err := a.sendData(3, payload, 0, 0); err != nil {
		t.Fatalf("sendData: %v", err)
	}

	deliver(t, aRadio, b) // RREQ: A -> B
	deliver(t, bRadio, c) // RREQ (rebroadcast): B -> C
	deliver(t, cRadio, b) // RREP: C -> B
	deliver(t, bRadio, a) // RREP (forwarded): B -> A, flushes A's pending DATA
	deliver(t, aRadio, b) // DATA: A -> B
	deliver(t, bRadio, c) // DATA (relayed): B -> C

	delivered := cBridge.Delivered(0)
	if len(delivered) != 1 || string(delivered[0].Body) != string(payload) {
		t.Fatalf("expected payload delivered to C's bridge, got %+v", delivered)
	}

	route, ok := a.routes.Get(3)
	if !ok || route.NextHop != 2 || route.HopCount != 2 {
		t.Fatalf("expected A's route to C to go via B at hop count 2, got %+v ok=%v", route, ok)
	}
}

// TestPendingDataFlushDrainsInFIFOOrder confirms that every payload
// buffered for a destination while its route is unknown gets transmitted,
// in the order it was queued, the moment a single RREP resolves that
// route (spec.md §4.7's "flush pending on RREP" behavior).
func TestPendingDataFlushDrainsInFIFOOrder(t *testing.T) {
	aRadio, bRadio := portstest.NewRadio(8), portstest.NewRadio(8)
	aBridge, bBridge := portstest.NewBridge(1), portstest.NewBridge(1)
	a := newTestRouter(t, 1, aRadio, aBridge, DefaultTunables())
	b := newTestRouter(t, 2, bRadio, bBridge, DefaultTunables())

	first, second := []byte("first"), []byte("second")
	a.dataQ.Push(2, pending.DataEntry{PacketID: 101, Bytes: first, EnqueuedAt: time.Now()})
	a.dataQ.Push(2, pending.DataEntry{PacketID: 102, Bytes: second, EnqueuedAt: time.Now()})

	if err := a.emitRREQ(2); err != nil {
		t.Fatalf("emitRREQ: %v", err)
	}

	deliver(t, aRadio, b) // RREQ: A -> B
	deliver(t, bRadio, a) // RREP: B -> A, flushes both queued entries
	deliver(t, aRadio, b) // DATA #1: A -> B
	deliver(t, aRadio, b) // DATA #2: A -> B

	delivered := bBridge.Delivered(0)
	if len(delivered) != 2 {
		t.Fatalf("expected both queued payloads delivered, got %+v", delivered)
	}
	if string(delivered[0].Body) != string(first) || string(delivered[1].Body) != string(second) {
		t.Fatalf("expected FIFO delivery order, got %q then %q", delivered[0].Body, delivered[1].Body)
	}
}

// TestRERRSelfReportInvalidatesRoute covers the broken == reporter special
// case (spec.md §4.6): a relay that cannot forward a packet reports
// itself broken, and the receiving node's handler must invalidate only
// the one destination named, via RouteTable.InvalidateOne, not the
// broader multi-route Invalidate sweep.
func TestRERRSelfReportInvalidatesRoute(t *testing.T) {
	aRadio, bRadio := portstest.NewRadio(8), portstest.NewRadio(8)
	aBridge, bBridge := portstest.NewBridge(1), portstest.NewBridge(1)
	a := newTestRouter(t, 1, aRadio, aBridge, DefaultTunables())
	b := newTestRouter(t, 2, bRadio, bBridge, DefaultTunables())

	a.routes.Update(3, 2, 2) // A believes node 3 is reachable via B.
	a.routes.Update(2, 2, 1) // A's direct route to B, needed for RERR's own relay math.
	b.routes.Update(1, 1, 1) // B's reverse route back to A.

	b.emitRERR(1, 3, 999) // B reports it could not forward toward node 3.
	deliver(t, bRadio, a)

	if _, ok := a.routes.Get(3); ok {
		t.Fatal("expected A's route to node 3 to be invalidated")
	}
	if _, ok := a.routes.Get(2); !ok {
		t.Fatal("expected A's unrelated route to B to survive the self-report invalidation")
	}
}

// TestRetrySweepExhaustsAfterThreeRetransmits confirms the retry sweep
// retransmits an un-acknowledged unicast exactly MaxRetrans times before
// giving up, reporting failure to the bridge since this node originated
// the send (spec.md §4.9/§6).
func TestRetrySweepExhaustsAfterThreeRetransmits(t *testing.T) {
	aRadio := portstest.NewRadio(8)
	aBridge := portstest.NewBridge(1)
	tun := DefaultTunables()
	tun.TAck = 10 * time.Millisecond
	tun.MaxRetrans = 3
	a := newTestRouter(t, 1, aRadio, aBridge, tun)

	a.routes.Update(2, 2, 1)
	if err := a.sendUserMessageToNode(2, 10, 20, []byte("ping"), wire.ReqAck, 0); err != nil {
		t.Fatalf("sendUserMessageToNode: %v", err)
	}
	drainSent(t, aRadio) // the initial transmission

	for attempt := 0; attempt < int(tun.MaxRetrans); attempt++ {
		time.Sleep(tun.TAck + 5*time.Millisecond)
		a.sweep()
		drainSent(t, aRadio) // each retransmission
	}

	// The buffer still holds the entry after exactly MaxRetrans
	// retransmissions: giving up happens on the sweep that finds
	// Attempts already at the limit, not the one that reaches it.
	if a.retryBuf.Len() != 1 {
		t.Fatalf("expected the retry entry to survive its %d-th retransmission, buffer has %d entries", tun.MaxRetrans, a.retryBuf.Len())
	}

	time.Sleep(tun.TAck + 5*time.Millisecond)
	a.sweep()
	assertNoMoreFrames(t, aRadio)

	if a.retryBuf.Len() != 0 {
		t.Fatalf("expected retry entry removed once retransmissions were exhausted, buffer still has %d entries", a.retryBuf.Len())
	}
	if got := aBridge.Failures(); got != 1 {
		t.Fatalf("expected exactly one failure notification to the bridge, got %d", got)
	}
}

// TestDuplicateFrameSuppressed confirms the dedup step of the receive
// dispatcher (spec.md §4.6, step 4/5) drops a frame whose packet_id has
// already been seen, regardless of who re-transmitted it.
func TestDuplicateFrameSuppressed(t *testing.T) {
	aRadio, bRadio := portstest.NewRadio(8), portstest.NewRadio(8)
	aBridge, bBridge := portstest.NewBridge(1), portstest.NewBridge(1)
	a := newTestRouter(t, 1, aRadio, aBridge, DefaultTunables())
	b := newTestRouter(t, 2, bRadio, bBridge, DefaultTunables())

	if err := a.sendData(wire.Broadcast, []byte("dup"), 0, 0); err != nil {
		t.Fatalf("sendData: %v", err)
	}
	frame := drainSent(t, aRadio)

	b.handleFrame(ports.RadioFrame{Bytes: append([]byte(nil), frame...)})
	b.handleFrame(ports.RadioFrame{Bytes: append([]byte(nil), frame...)})

	delivered := bBridge.Delivered(0)
	if len(delivered) != 1 {
		t.Fatalf("expected the duplicate frame to be suppressed, bridge saw %d deliveries", len(delivered))
	}
}

// TestMetricsRecordRxTxAndDrop confirms SetMetrics wiring: a delivered
// DATA frame counts as one rx and one tx, and a frame reusing an already
// seen packet id counts as a suppressed-duplicate drop rather than a
// second rx.
func TestMetricsRecordRxTxAndDrop(t *testing.T) {
	aRadio, bRadio := portstest.NewRadio(8), portstest.NewRadio(8)
	aBridge, bBridge := portstest.NewBridge(1), portstest.NewBridge(1)
	a := newTestRouter(t, 1, aRadio, aBridge, DefaultTunables())
	b := newTestRouter(t, 2, bRadio, bBridge, DefaultTunables())

	am, bm := meshmetrics.New(), meshmetrics.New()
	a.SetMetrics(am)
	b.SetMetrics(bm)

	if err := a.sendData(wire.Broadcast, []byte("metrics"), 0, 0); err != nil {
		t.Fatalf("sendData: %v", err)
	}
	frame := drainSent(t, aRadio)

	b.handleFrame(ports.RadioFrame{Bytes: append([]byte(nil), frame...)})
	b.handleFrame(ports.RadioFrame{Bytes: append([]byte(nil), frame...)})

	var out strings.Builder
	bm.WritePrometheus(&out)
	got := out.String()
	if !strings.Contains(got, `meshrtr_frames_rx_total{type="DATA"} 1`) {
		t.Fatalf("expected exactly one DATA rx recorded, got:\n%s", got)
	}
	if !strings.Contains(got, `meshrtr_frames_dropped_total{reason="duplicate"} 1`) {
		t.Fatalf("expected the resent duplicate counted as a drop, got:\n%s", got)
	}

	var aOut strings.Builder
	am.WritePrometheus(&aOut)
	if !strings.Contains(aOut.String(), `meshrtr_frames_tx_total{type="DATA"} 1`) {
		t.Fatalf("expected one DATA tx recorded on the sender, got:\n%s", aOut.String())
	}
}

// TestAuditDBRecordsRERR confirms SetAuditDB wiring: emitting a RERR
// appends a row to the audit log with the reporting node recorded as the
// broken hop.
func TestAuditDBRecordsRERR(t *testing.T) {
	bRadio := portstest.NewRadio(8)
	bBridge := portstest.NewBridge(1)
	b := newTestRouter(t, 2, bRadio, bBridge, DefaultTunables())

	db, err := auditdb.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("auditdb.Open: %v", err)
	}
	defer db.Close()
	_, tgt, err := db.Version()
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if err := db.MigrateUp(context.Background(), tgt); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	b.SetAuditDB(db)

	b.routes.Update(1, 1, 1)
	b.emitRERR(1, 3, 999)
	drainSent(t, bRadio)

	es, err := db.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(es) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(es))
	}
	if es[0].Type != string(auditdb.EventRERR) {
		t.Fatalf("Type = %q, want %q", es[0].Type, auditdb.EventRERR)
	}
	if es[0].BrokenNode != 2 || es[0].Destination != 3 || es[0].PacketID != 999 {
		t.Fatalf("unexpected audit row: %+v", es[0])
	}
}
