package router

import (
	"time"

	"github.com/meshrtr/meshrtr/pkg/pending"
	"github.com/meshrtr/meshrtr/pkg/wire"
)

// retryMeta carries the bookkeeping a stored retry entry needs beyond the
// frame bytes themselves, for later RERR/bridge-failure reporting.
type retryMeta struct {
	origin      wire.NodeID
	destination wire.NodeID
	fromUser    wire.UserID
	toUser      wire.UserID
}

// sealAndAssemble encrypts extPayload (the marshaled extension header plus
// any application payload) under h and assembles the final on-air frame.
func (r *Router) sealAndAssemble(h wire.BaseHeader, extPayload []byte) ([]byte, error) {
	ciphertext, sealed, err := r.env.Seal(h, extPayload)
	if err != nil {
		return nil, wrap(KindMalformedHeader, err)
	}
	frame, err := wire.Assemble(sealed, ciphertext, nil)
	if err != nil {
		return nil, wrap(KindFrameTooLarge, err)
	}
	return frame, nil
}

// transmit is the transmit path (C5): marshal, encrypt, hand to the radio,
// and — for a unicast frame that requested an ACK and still has a route to
// its next hop — remember it for retransmission.
func (r *Router) transmit(h wire.BaseHeader, extPayload []byte, meta retryMeta) error {
	frame, err := r.sealAndAssemble(h, extPayload)
	if err != nil {
		return err
	}

	if err := r.radio.Send(r.runCtx, frame); err != nil {
		return wrap(KindRadioBusy, err)
	}
	r.recordTx(h.Type)

	wantsAck := h.Flags.Has(wire.ReqAck) || h.Flags.Has(wire.EncAck)
	if wantsAck && h.DestNode != wire.Broadcast {
		if route, ok := r.routes.Get(h.DestNode); ok {
			now := time.Now()
			r.retryBuf.Put(h.PacketID, pending.RetryEntry{
				Frame:           frame,
				ExpectedNextHop: route.NextHop,
				FirstSentAt:     now,
				LastSentAt:      now,
				Attempts:        0,
				Origin:          meta.origin,
				Destination:     meta.destination,
				FromUser:        meta.fromUser,
				ToUser:          meta.toUser,
			})
		}
	}
	return nil
}

// relay rewrites h for one more hop toward nextHop — prev_hop := me,
// hop_count += 1 — keeping origin, packet id, type, and flags untouched,
// and retransmits ext unchanged. Used by every protocol handler that
// forwards rather than originates a packet; observing the same packet_id
// retransmitted is exactly the implicit-ACK signal the previous hop is
// waiting on.
func (r *Router) relay(h wire.BaseHeader, ext []byte, nextHop wire.NodeID, meta retryMeta) error {
	h2 := h
	h2.DestNode = nextHop
	h2.PrevHop = r.id
	h2.HopCount = h.HopCount + 1
	return r.transmit(h2, ext, meta)
}
