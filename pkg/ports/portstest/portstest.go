// Package portstest provides in-memory fakes of pkg/ports' interfaces for
// router tests: a channel-backed radio loopback and a map-backed bridge
// with its own offline inbox.
package portstest

import (
	"context"
	"errors"
	"sync"

	"github.com/meshrtr/meshrtr/pkg/ports"
	"github.com/meshrtr/meshrtr/pkg/wire"
)

// ErrClosed is returned by Recv/Outbox once the fake has been closed.
var ErrClosed = errors.New("portstest: closed")

// Radio is an in-memory RadioPort. Two Radios can be cross-wired (each
// one's out channel feeding the other's in channel) to simulate a link
// between two nodes, or a single Radio can be driven directly by a test
// via Inject/Sent.
type Radio struct {
	out    chan []byte
	in     chan ports.RadioFrame
	closed chan struct{}
	once   sync.Once
}

// NewRadio creates a Radio with the given channel buffering.
func NewRadio(buffer int) *Radio {
	return &Radio{
		out:    make(chan []byte, buffer),
		in:     make(chan ports.RadioFrame, buffer),
		closed: make(chan struct{}),
	}
}

func (r *Radio) Send(ctx context.Context, frame []byte) error {
	cp := append([]byte(nil), frame...)
	select {
	case r.out <- cp:
		return nil
	case <-r.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Radio) Recv(ctx context.Context) (ports.RadioFrame, error) {
	select {
	case f := <-r.in:
		return f, nil
	case <-r.closed:
		return ports.RadioFrame{}, ErrClosed
	case <-ctx.Done():
		return ports.RadioFrame{}, ctx.Err()
	}
}

func (r *Radio) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

// Sent returns the channel of frames handed to Send, for assertions.
func (r *Radio) Sent() <-chan []byte { return r.out }

// Inject delivers frame to a future Recv call, as if received over the air.
func (r *Radio) Inject(frame ports.RadioFrame) { r.in <- frame }

// Link cross-wires a and b so frames sent on one are received by the
// other, simulating a direct radio link between two nodes.
func Link(a, b *Radio) (stop func()) {
	done := make(chan struct{})
	go func() {
		for {
			select {
			case f := <-a.out:
				b.in <- ports.RadioFrame{Bytes: f}
			case <-done:
				return
			}
		}
	}()
	go func() {
		for {
			select {
			case f := <-b.out:
				a.in <- ports.RadioFrame{Bytes: f}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// Bridge is an in-memory BridgePort backed by a channel for outbound
// messages and a slice-based offline inbox keyed by user for inbound ones
// a test hasn't yet read.
type Bridge struct {
	mu        sync.Mutex
	delivered map[wire.UserID][]ports.BridgeMessage
	confirmed []ports.BridgeMessage
	failures  []failure
	outbox    chan ports.BridgeMessage

	offline map[wire.UserID]bool
	inbox   map[wire.UserID][]ports.BridgeMessage
}

// offlineInboxCap mirrors the spec's bounded 10-newest offline inbox.
const offlineInboxCap = 10

type failure struct {
	Msg    ports.BridgeMessage
	Reason error
}

// NewBridge creates an empty Bridge.
func NewBridge(outboxBuffer int) *Bridge {
	return &Bridge{
		delivered: make(map[wire.UserID][]ports.BridgeMessage),
		outbox:    make(chan ports.BridgeMessage, outboxBuffer),
		offline:   make(map[wire.UserID]bool),
		inbox:     make(map[wire.UserID][]ports.BridgeMessage),
	}
}

func (b *Bridge) Deliver(ctx context.Context, msg ports.BridgeMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.offline[msg.ToUser] {
		q := append(b.inbox[msg.ToUser], msg)
		if len(q) > offlineInboxCap {
			q = q[len(q)-offlineInboxCap:]
		}
		b.inbox[msg.ToUser] = q
		return nil
	}
	b.delivered[msg.ToUser] = append(b.delivered[msg.ToUser], msg)
	return nil
}

// SetOffline marks user's app as absent (true) or present (false), for
// exercising the offline-inbox spooling path in tests.
func (b *Bridge) SetOffline(user wire.UserID, offline bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline[user] = offline
}

func (b *Bridge) PopOfflineInbox(ctx context.Context, user wire.UserID) ([]ports.BridgeMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.inbox[user]
	delete(b.inbox, user)
	return q, nil
}

func (b *Bridge) Outbox(ctx context.Context) (ports.BridgeMessage, error) {
	select {
	case m := <-b.outbox:
		return m, nil
	case <-ctx.Done():
		return ports.BridgeMessage{}, ctx.Err()
	}
}

func (b *Bridge) NotifyDelivered(ctx context.Context, msg ports.BridgeMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirmed = append(b.confirmed, msg)
	return nil
}

func (b *Bridge) NotifyFailure(ctx context.Context, msg ports.BridgeMessage, reason error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, failure{Msg: msg, Reason: reason})
	return nil
}

// Send queues msg as if a local app had submitted it for mesh delivery.
func (b *Bridge) Send(msg ports.BridgeMessage) { b.outbox <- msg }

// Delivered returns every message handed to Deliver for user, in order.
func (b *Bridge) Delivered(user wire.UserID) []ports.BridgeMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ports.BridgeMessage(nil), b.delivered[user]...)
}

// Failures returns the number of NotifyFailure calls recorded so far.
func (b *Bridge) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.failures)
}

// Confirmed returns every message handed to NotifyDelivered so far.
func (b *Bridge) Confirmed() []ports.BridgeMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ports.BridgeMessage(nil), b.confirmed...)
}

// Uplink is an in-memory UplinkPort that returns a scripted response and
// records every batch of events it was handed.
type Uplink struct {
	mu      sync.Mutex
	batches [][]ports.GatewayEvent
	reply   []ports.BridgeMessage
	err     error
}

// NewUplink creates an Uplink that returns reply (and err, if non-nil) from
// every SyncNode call.
func NewUplink(reply []ports.BridgeMessage, err error) *Uplink {
	return &Uplink{reply: reply, err: err}
}

func (u *Uplink) SyncNode(ctx context.Context, localVersion string, events []ports.GatewayEvent) ([]ports.BridgeMessage, error) {
	u.mu.Lock()
	u.batches = append(u.batches, append([]ports.GatewayEvent(nil), events...))
	u.mu.Unlock()
	if u.err != nil {
		return nil, u.err
	}
	return u.reply, nil
}

// Batches returns every events slice handed to SyncNode so far.
func (u *Uplink) Batches() [][]ports.GatewayEvent {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([][]ports.GatewayEvent(nil), u.batches...)
}
