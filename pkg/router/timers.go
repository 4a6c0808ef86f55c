package router

import (
	"time"

	"github.com/meshrtr/meshrtr/pkg/aead"
	"github.com/meshrtr/meshrtr/pkg/meshmetrics"
	"github.com/meshrtr/meshrtr/pkg/pending"
	"github.com/meshrtr/meshrtr/pkg/ports"
	"github.com/meshrtr/meshrtr/pkg/wire"
)

// diffBroadcastFixedSize mirrors wire.DiffBroadcastInfoExt's fixed fields
// (origin, num_added, num_removed) ahead of the variable user-id lists.
const diffBroadcastFixedSize = 8

// maxUsersPerBroadcastFrame bounds how many user ids (added and removed
// combined) fit in one BROADCAST_INFO frame once the base header, AEAD
// tag, and fixed extension fields are accounted for.
const maxUsersPerBroadcastFrame = (wire.MaxFrameSize - wire.BaseHeaderSize - aead.TagSize - diffBroadcastFixedSize) / 4

// sendDiffBroadcast is the T_BCAST timer handler (spec.md §4.8, C8): it
// diffs the locally homed user set against the set as of the previous
// cycle and floods the result as one or more BROADCAST_INFO frames,
// split to stay under the frame size limit. It always sends at least one
// frame — an empty diff still serves as a keep-alive carrying this
// node's current gateway status.
func (r *Router) sendDiffBroadcast() {
	var added, removed []wire.UserID
	for u := range r.localUsers {
		if _, ok := r.lastBroadcast[u]; !ok {
			added = append(added, u)
		}
	}
	for u := range r.lastBroadcast {
		if _, ok := r.localUsers[u]; !ok {
			removed = append(removed, u)
		}
	}

	var flags wire.Flags
	if r.gatewayOnline {
		flags |= wire.IAmGateway
	}

	if len(added) == 0 && len(removed) == 0 {
		r.emitBroadcastInfo(nil, nil, flags)
	}
	for len(added) > 0 || len(removed) > 0 {
		a := added
		if len(a) > maxUsersPerBroadcastFrame {
			a = a[:maxUsersPerBroadcastFrame]
		}
		added = added[len(a):]

		rm := removed
		if room := maxUsersPerBroadcastFrame - len(a); len(rm) > room {
			rm = rm[:room]
		}
		removed = removed[len(rm):]

		r.emitBroadcastInfo(a, rm, flags)
	}

	snapshot := make(map[wire.UserID]struct{}, len(r.localUsers))
	for u := range r.localUsers {
		snapshot[u] = struct{}{}
	}
	r.lastBroadcast = snapshot
}

func (r *Router) emitBroadcastInfo(added, removed []wire.UserID, flags wire.Flags) {
	pid := newPacketID()
	r.seen.Insert(pid)
	h := wire.BaseHeader{DestNode: wire.Broadcast, PrevHop: r.id, Origin: r.id, PacketID: pid, Type: wire.BroadcastInfo, Flags: flags}
	ext := wire.DiffBroadcastInfoExt{
		Origin:     r.id,
		NumAdded:   uint16(len(added)),
		NumRemoved: uint16(len(removed)),
		Added:      added,
		Removed:    removed,
	}
	eb, err := ext.MarshalBinary()
	if err != nil {
		r.log.Debug().Err(err).Msg("failed to marshal BROADCAST_INFO extension")
		return
	}
	if err := r.transmit(h, eb, retryMeta{origin: r.id}); err != nil {
		r.log.Debug().Err(err).Msg("failed to transmit BROADCAST_INFO")
	}
}

// sweep is the T_SWEEP timer handler (spec.md §4.9, C8): it retransmits or
// gives up on unicast frames still awaiting an ACK, and discards pending
// queue entries that have outlived pending.DefaultMaxAge, notifying the
// client bridge of any failure a locally originated send suffers.
func (r *Router) sweep() {
	now := time.Now()

	for _, due := range r.retryBuf.Due(now, r.tunables.TAck) {
		e := due.Entry
		if e.Attempts >= r.tunables.MaxRetrans {
			r.retryBuf.Remove(due.ID)
			r.recordRetryOutcome(meshmetrics.RetryExhausted)
			if e.Origin == r.id {
				r.auditRetryExhausted(e.Origin, e.FromUser, e.ToUser, due.ID)
				r.bridge.NotifyFailure(r.runCtx, ports.BridgeMessage{FromUser: e.FromUser, ToUser: e.ToUser}, wrap(KindRetryExhausted, nil))
			} else {
				r.emitRERR(e.Origin, e.Destination, due.ID)
			}
			continue
		}
		if err := r.radio.Send(r.runCtx, e.Frame); err != nil {
			r.log.Debug().Err(err).Uint32("packet_id", uint32(due.ID)).Msg("retry retransmit failed")
			continue
		}
		r.retryBuf.MarkRetransmitted(due.ID, now)
	}

	for _, e := range r.dataQ.Sweep(now, pending.DefaultMaxAge) {
		r.log.Debug().Uint32("packet_id", uint32(e.PacketID)).Msg("dropping stale pending DATA entry")
	}
	for _, e := range r.userRouteQ.Sweep(now, pending.DefaultMaxAge) {
		r.bridge.NotifyFailure(r.runCtx, ports.BridgeMessage{FromUser: e.FromUser, ToUser: e.ToUser}, wrap(KindNoRoute, nil))
	}
	for _, e := range r.userDirQ.Sweep(now, pending.DefaultMaxAge) {
		r.bridge.NotifyFailure(r.runCtx, ports.BridgeMessage{FromUser: e.FromUser}, wrap(KindUnknownUser, nil))
	}
	for _, e := range r.moveQ.Sweep(now, pending.DefaultMaxAge) {
		r.log.Debug().Uint32("user", uint32(e.User)).Msg("dropping stale pending MOVE_USER_REQ entry")
	}

	if r.metrics != nil {
		r.metrics.SetTableSizes(r.routes.Len(), r.gut.Len(), r.seen.Len(), r.gateways.Len(), r.retryBuf.Len(), r.dataQ.Total())
	}
}
