package router

import (
	"github.com/meshrtr/meshrtr/pkg/meshmetrics"
	"github.com/meshrtr/meshrtr/pkg/ports"
	"github.com/meshrtr/meshrtr/pkg/wire"
)

// handleFrame is the receive dispatcher (C6): the exact eight-step pipeline
// every inbound frame passes through before a protocol handler ever sees it.
func (r *Router) handleFrame(rf ports.RadioFrame) {
	frame := rf.Bytes

	// 1. Minimum length.
	if len(frame) < wire.BaseHeaderSize {
		r.log.Debug().Int("len", len(frame)).Msg("dropping frame shorter than the base header")
		r.recordDrop(meshmetrics.DropTooShort)
		return
	}

	h, rest, err := wire.SplitFrame(frame)
	if err != nil {
		r.log.Debug().Err(err).Msg("dropping frame with malformed header")
		r.recordDrop(meshmetrics.DropTooShort)
		return
	}

	// 2. Decrypt if FLAG_ENCRYPTED; auth failure drops silently.
	if h.Flags.Has(wire.FlagEncrypted) {
		plain, opened, err := r.env.Open(h, rest)
		if err != nil {
			r.log.Debug().Uint32("origin", uint32(h.Origin)).Msg("dropping frame that failed AEAD authentication")
			r.recordDrop(meshmetrics.DropDecryptFailed)
			return
		}
		h, rest = opened, plain
	}

	// 3. Implicit-ACK check: observing packet_id on the air again (the
	// next hop re-transmitting the frame we sent it) is evidence of
	// forward progress, regardless of who sent this copy or what type it
	// is. Erase the retry entry and stop; this frame gets no further
	// processing even if it was also addressed to us.
	if entry, ok := r.retryBuf.Remove(h.PacketID); ok {
		r.recordRetryOutcome(meshmetrics.RetryAcked)
		if entry.Origin == r.id {
			r.notifyDelivered(entry)
		}
		return
	}

	// 4. Duplicate suppression.
	if r.seen.Contains(h.PacketID) {
		r.recordDrop(meshmetrics.DropDuplicate)
		return
	}

	// 5. Insert into the seen set so step 4 catches any later duplicate,
	// including ones arriving while this frame is still being handled.
	r.seen.Insert(h.PacketID)

	// 6. Self-loop guard: never process a frame we just emitted ourselves.
	if h.PrevHop == r.id {
		r.recordDrop(meshmetrics.DropSelfLoop)
		return
	}

	// 7. Addressing check.
	if h.DestNode != r.id && h.DestNode != wire.Broadcast {
		r.recordDrop(meshmetrics.DropNotForMe)
		return
	}

	r.recordRx(h.Type)

	// 8. Dispatch.
	switch h.Type {
	case wire.RREQ:
		r.handleRREQ(h, rest)
	case wire.RREP:
		r.handleRREP(h, rest)
	case wire.RERR:
		r.handleRERR(h, rest)
	case wire.DATA:
		r.handleDATA(h, rest)
	case wire.ACK:
		r.handleACK(h, rest)
	case wire.BroadcastInfo:
		r.handleBroadcastInfo(h, rest)
	case wire.UREQ:
		r.handleUREQ(h, rest)
	case wire.UREP:
		r.handleUREP(h, rest)
	case wire.UERR:
		r.handleUERR(h, rest)
	case wire.UserMsg:
		r.handleUserMsg(h, rest)
	case wire.PubKeyReq:
		r.handlePubKeyReq(h, rest)
	case wire.PubKeyResp:
		r.handlePubKeyResp(h, rest)
	case wire.MoveUserReq:
		r.handleMoveUserReq(h, rest)
	default:
		r.log.Debug().Uint8("type", uint8(h.Type)).Msg("dropping frame with unknown packet type")
	}
}
