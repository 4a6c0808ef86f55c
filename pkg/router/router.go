// Package router implements the single-goroutine router task that owns
// every mutable mesh table and drives the transmit path, receive
// dispatcher, protocol handlers, and periodic timers.
package router

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshrtr/meshrtr/db/auditdb"
	"github.com/meshrtr/meshrtr/pkg/aead"
	"github.com/meshrtr/meshrtr/pkg/meshmetrics"
	"github.com/meshrtr/meshrtr/pkg/pending"
	"github.com/meshrtr/meshrtr/pkg/ports"
	"github.com/meshrtr/meshrtr/pkg/routing"
	"github.com/meshrtr/meshrtr/pkg/wire"
)

// Tunables holds the process-local constants from spec §6, read once at
// startup.
type Tunables struct {
	TBcast               time.Duration
	TSweep               time.Duration
	TAck                 time.Duration
	MaxRetrans           uint8
	MaxHops              uint8
	RouteReplyThreshold  uint8
	UserReplyThreshold   uint8
	OfflineInboxCap      int
	SeenSetCapacity      int
	MoveFlushInterFrame  time.Duration
}

// DefaultTunables returns the defaults named in spec §6.
func DefaultTunables() Tunables {
	return Tunables{
		TBcast:              60 * time.Second,
		TSweep:              60 * time.Second,
		TAck:                3 * time.Second,
		MaxRetrans:          3,
		MaxHops:             5,
		RouteReplyThreshold: 2,
		UserReplyThreshold:  2,
		OfflineInboxCap:     10,
		SeenSetCapacity:     routing.DefaultSeenCapacity,
		MoveFlushInterFrame: time.Second,
	}
}

// Router owns every mutable mesh table (C3/C4) and runs the single
// goroutine ("router task") that drives transmit, dispatch, handlers, and
// timers (C5-C8). External callers never touch router state directly:
// they enqueue onto bounded channels, mirroring the teacher's
// single-reader (*Listener).Serve loop plus a small set of
// externally-safe registration calls.
type Router struct {
	id  wire.NodeID
	env *aead.Envelope

	routes   *routing.RouteTable
	gut      *routing.UserTable
	seen     *routing.SeenSet
	gateways *routing.GatewaySet
	pubkeys  *routing.PubKeyCache

	dataQ      *pending.DataQueues
	userRouteQ *pending.UserRouteQueues
	userDirQ   *pending.UserDirQueues
	moveQ      *pending.MoveQueues
	retryBuf   *pending.RetryBuffer

	radio  ports.RadioPort
	bridge ports.BridgePort
	uplink ports.UplinkPort

	tunables Tunables
	log      zerolog.Logger
	metrics  *meshmetrics.Metrics
	audit    *auditdb.DB

	rxFrames     chan ports.RadioFrame
	sendRequests chan request
	timerTicks   chan timerBit

	// localUsers is the set of users currently homed on this node (the
	// local client bridge's sessions). Touched only from the router
	// goroutine; other goroutines mutate it via sendRequests.
	localUsers map[wire.UserID]struct{}
	// lastBroadcast is the localUsers snapshot as of the last diff
	// broadcast, for computing the next cycle's added/removed sets.
	lastBroadcast map[wire.UserID]struct{}

	gatewayOnline bool

	// runCtx is the context passed to Run, used by the transmit path for
	// radio sends issued from the router goroutine. It is only valid
	// while Run is executing.
	runCtx context.Context

	closeOnce sync.Once
	closed    chan struct{}
}

type timerBit uint8

const (
	doBroadcast timerBit = iota
	doSweep
)

// New constructs a Router for node id, sealing/opening frames with env,
// talking to radio/bridge/uplink, and using tunables (DefaultTunables()
// if the caller has no overrides). uplink may be nil for non-gateway
// nodes.
func New(id wire.NodeID, env *aead.Envelope, radio ports.RadioPort, bridge ports.BridgePort, uplink ports.UplinkPort, tunables Tunables, log zerolog.Logger) *Router {
	routes := routing.NewRouteTable()
	r := &Router{
		id:            id,
		env:           env,
		routes:        routes,
		gut:           routing.NewUserTable(),
		seen:          routing.NewSeenSet(tunables.SeenSetCapacity),
		gateways:      routing.NewGatewaySet(routes),
		pubkeys:       routing.NewPubKeyCache(),
		dataQ:         pending.NewDataQueues(),
		userRouteQ:    pending.NewUserRouteQueues(),
		userDirQ:      pending.NewUserDirQueues(),
		moveQ:         pending.NewMoveQueues(),
		retryBuf:      pending.NewRetryBuffer(),
		radio:         radio,
		bridge:        bridge,
		uplink:        uplink,
		tunables:      tunables,
		log:           log,
		rxFrames:      make(chan ports.RadioFrame, 16),
		sendRequests:  make(chan request, 16),
		timerTicks:    make(chan timerBit, 4),
		localUsers:    make(map[wire.UserID]struct{}),
		lastBroadcast: make(map[wire.UserID]struct{}),
		runCtx:        context.Background(),
		closed:        make(chan struct{}),
	}
	return r
}

// ID returns this node's own id.
func (r *Router) ID() wire.NodeID { return r.id }

// SetMetrics attaches m so the dispatch, transmit, and sweep paths report
// rx/tx counts, drop reasons, retry outcomes, and table occupancy to it.
// Metrics are entirely optional: with none attached every recording call
// below is a no-op.
func (r *Router) SetMetrics(m *meshmetrics.Metrics) { r.metrics = m }

func (r *Router) recordRx(t wire.PacketType) {
	if r.metrics != nil {
		r.metrics.RecordRx(t)
	}
}

func (r *Router) recordTx(t wire.PacketType) {
	if r.metrics != nil {
		r.metrics.RecordTx(t)
	}
}

func (r *Router) recordDrop(reason meshmetrics.DropReason) {
	if r.metrics != nil {
		r.metrics.RecordDrop(reason)
	}
}

func (r *Router) recordRetryOutcome(outcome meshmetrics.RetryOutcome) {
	if r.metrics != nil {
		r.metrics.RecordRetryOutcome(outcome)
	}
}

// SetAuditDB attaches a rolling sqlite3 audit log that RERR and
// retry-exhaustion events are appended to, for postmortem debugging of
// flaky links. Entirely optional: with none attached, recording is a
// no-op.
func (r *Router) SetAuditDB(db *auditdb.DB) { r.audit = db }

func (r *Router) auditRERR(origin, broken, destination wire.NodeID, packetID wire.PacketID) {
	if r.audit == nil {
		return
	}
	if err := r.audit.RecordRERR(time.Now(), origin, broken, destination, packetID); err != nil {
		r.log.Debug().Err(err).Msg("failed to record RERR audit event")
	}
}

func (r *Router) auditRetryExhausted(origin wire.NodeID, fromUser, toUser wire.UserID, packetID wire.PacketID) {
	if r.audit == nil {
		return
	}
	if err := r.audit.RecordRetryExhausted(time.Now(), origin, fromUser, toUser, packetID); err != nil {
		r.log.Debug().Err(err).Msg("failed to record retry-exhausted audit event")
	}
}

// Routes, GUT, Gateways, PubKeys, Seen expose the tables read-only for
// diagnostics/metrics; all writes still happen only from the router
// goroutine.
func (r *Router) Routes() *routing.RouteTable { return r.routes }
func (r *Router) GUT() *routing.UserTable     { return r.gut }
func (r *Router) Gateways() *routing.GatewaySet { return r.gateways }
func (r *Router) PubKeys() *routing.PubKeyCache { return r.pubkeys }
func (r *Router) Seen() *routing.SeenSet        { return r.seen }

// Run starts the radio-reader goroutine, the two periodic tickers, and
// the router task's own select loop. It blocks until ctx is cancelled or
// Close is called.
func (r *Router) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.runCtx = ctx

	go r.readRadio(ctx)
	go r.tick(ctx, r.tunables.TBcast, doBroadcast)
	go r.tick(ctx, r.tunables.TSweep, doSweep)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.closed:
			return
		case f := <-r.rxFrames:
			r.handleFrame(f)
		case req := <-r.sendRequests:
			r.handleRequest(req)
		case bit := <-r.timerTicks:
			switch bit {
			case doBroadcast:
				r.sendDiffBroadcast()
			case doSweep:
				r.sweep()
			}
		}
	}
}

// Close stops Run and releases the radio port.
func (r *Router) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return r.radio.Close()
}

func (r *Router) readRadio(ctx context.Context) {
	for {
		f, err := r.radio.Recv(ctx)
		if err != nil {
			return
		}
		select {
		case r.rxFrames <- f:
		case <-ctx.Done():
			return
		default:
			r.log.Trace().Msg("rx_frames full, dropping inbound frame")
		}
	}
}

func (r *Router) tick(ctx context.Context, interval time.Duration, bit timerBit) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			select {
			case r.timerTicks <- bit:
			default:
			}
		}
	}
}

// InjectFrame queues f for the dispatcher on the same channel the radio
// reader goroutine feeds, without blocking: if that queue is full, f is
// dropped. Queued frames are handled only while Run is executing.
func (r *Router) InjectFrame(f ports.RadioFrame) {
	select {
	case r.rxFrames <- f:
	default:
	}
}

// newPacketID draws a packet id from a CSPRNG, per the §9 design note
// that a weak RNG risks nonce reuse.
func newPacketID() wire.PacketID {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("router: crypto/rand unavailable: %v", err))
	}
	return wire.PacketID(binary.LittleEndian.Uint32(b[:]))
}
