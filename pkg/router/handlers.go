package router

import (
	"time"

	"github.com/meshrtr/meshrtr/pkg/pending"
	"github.com/meshrtr/meshrtr/pkg/ports"
	"github.com/meshrtr/meshrtr/pkg/wire"
)

// handleRREQ implements spec.md §4.6's route-request handler.
func (r *Router) handleRREQ(h wire.BaseHeader, rest []byte) {
	var ext wire.RREQExt
	if err := ext.UnmarshalBinary(rest); err != nil {
		r.log.Debug().Err(err).Msg("malformed RREQ")
		return
	}
	if h.Origin == r.id {
		return
	}

	r.routes.Update(h.Origin, h.PrevHop, h.HopCount+1)
	r.routes.Update(h.PrevHop, h.PrevHop, 1)

	if ext.Target == r.id {
		r.replyRREQ(h.Origin, ext.Target, 0)
		return
	}
	if route, ok := r.routes.Get(ext.Target); ok && route.HopCount >= r.tunables.RouteReplyThreshold {
		r.replyRREQ(h.Origin, ext.Target, route.HopCount)
		return
	}

	h2 := h
	h2.DestNode = wire.Broadcast
	h2.PrevHop = r.id
	h2.HopCount = h.HopCount + 1
	_ = r.transmit(h2, rest, retryMeta{origin: h.Origin, destination: ext.Target})
}

// replyRREQ answers a route request for target on behalf of requester,
// unicasting a fresh RREP back along the just-learned reverse route.
func (r *Router) replyRREQ(requester, target wire.NodeID, numHops uint8) {
	reverse, ok := r.routes.Get(requester)
	if !ok {
		return
	}
	pid := newPacketID()
	r.seen.Insert(pid)
	h := wire.BaseHeader{DestNode: reverse.NextHop, PrevHop: r.id, Origin: requester, PacketID: pid, Type: wire.RREP}
	ext := wire.RREPExt{Target: target, Lifetime: defaultRouteLifetimeSeconds, NumHops: numHops}
	eb, _ := ext.MarshalBinary()
	_ = r.transmit(h, eb, retryMeta{origin: requester, destination: target})
}

// handleRREP implements spec.md §4.6's route-reply handler.
func (r *Router) handleRREP(h wire.BaseHeader, rest []byte) {
	var ext wire.RREPExt
	if err := ext.UnmarshalBinary(rest); err != nil {
		r.log.Debug().Err(err).Msg("malformed RREP")
		return
	}

	r.routes.Update(ext.Target, h.PrevHop, ext.NumHops+1)
	r.routes.Update(h.PrevHop, h.PrevHop, 1)

	if h.Origin == r.id {
		r.flushPendingFor(ext.Target)
		return
	}

	reverse, ok := r.routes.Get(h.Origin)
	if !ok {
		return
	}
	ext.NumHops++
	eb, _ := ext.MarshalBinary()
	h2 := h
	h2.DestNode = reverse.NextHop
	h2.PrevHop = r.id
	h2.HopCount = h.HopCount + 1
	_ = r.transmit(h2, eb, retryMeta{origin: h.Origin, destination: ext.Target})
}

// flushPendingFor drains every pending buffer keyed by target now that a
// route to it exists, transmitting each buffered message.
func (r *Router) flushPendingFor(target wire.NodeID) {
	route, ok := r.routes.Get(target)
	if !ok {
		return
	}

	for _, e := range r.dataQ.Drain(target) {
		h := wire.BaseHeader{DestNode: route.NextHop, PrevHop: r.id, Origin: r.id, PacketID: e.PacketID, Type: wire.DATA}
		ext := wire.DataExt{FinalDst: target, Origin: r.id}
		eb, _ := ext.MarshalBinary()
		_ = r.transmit(h, append(eb, e.Bytes...), retryMeta{origin: r.id, destination: target})
	}

	for _, e := range r.userRouteQ.Drain(target) {
		h := wire.BaseHeader{DestNode: route.NextHop, PrevHop: r.id, Origin: r.id, PacketID: e.PacketID, Type: wire.UserMsg}
		ext := wire.UserMsgExt{FromUser: e.FromUser, ToUser: e.ToUser, ToNode: target, Origin: r.id}
		eb, _ := ext.MarshalBinary()
		_ = r.transmit(h, append(eb, e.Bytes...), retryMeta{origin: r.id, destination: target, fromUser: e.FromUser, toUser: e.ToUser})
	}

	for _, m := range r.moveQ.Drain(target) {
		pid := newPacketID()
		r.seen.Insert(pid)
		h := wire.BaseHeader{DestNode: route.NextHop, PrevHop: r.id, Origin: r.id, PacketID: pid, Type: wire.MoveUserReq}
		ext := wire.MoveUserReqExt{User: m.User, OldHome: m.OldHome}
		eb, _ := ext.MarshalBinary()
		_ = r.transmit(h, eb, retryMeta{origin: r.id, destination: target})
	}
}

// handleRERR implements spec.md §4.6's route-error handler.
func (r *Router) handleRERR(h wire.BaseHeader, rest []byte) {
	var ext wire.RERRExt
	if err := ext.UnmarshalBinary(rest); err != nil {
		r.log.Debug().Err(err).Msg("malformed RERR")
		return
	}

	if ext.Broken == ext.Reporter {
		r.routes.InvalidateOne(ext.OriginalDst)
	} else {
		removed := r.routes.Invalidate(ext.Broken, ext.OriginalDst)
		r.gateways.RemoveIfGateway(removed)
	}

	if h.Origin == r.id {
		return
	}
	reverse, ok := r.routes.Get(h.Origin)
	if !ok {
		return
	}
	_ = r.relay(h, rest, reverse.NextHop, retryMeta{origin: h.Origin, destination: ext.OriginalDst})
}

// emitRERR reports a forwarding failure for a packet this node could not
// deliver onward, toward the flow's origin.
func (r *Router) emitRERR(origin, originalDst wire.NodeID, originalPid wire.PacketID) {
	if origin == r.id {
		return
	}
	reverse, ok := r.routes.Get(origin)
	if !ok {
		return
	}
	pid := newPacketID()
	r.seen.Insert(pid)
	h := wire.BaseHeader{DestNode: reverse.NextHop, PrevHop: r.id, Origin: origin, PacketID: pid, Type: wire.RERR}
	ext := wire.RERRExt{Reporter: r.id, Broken: r.id, OriginalDst: originalDst, OriginalPid: originalPid, Origin: origin}
	eb, _ := ext.MarshalBinary()
	_ = r.transmit(h, eb, retryMeta{origin: origin, destination: originalDst})
	r.auditRERR(origin, r.id, originalDst, originalPid)
}

// handleACK implements the explicit-ACK handler (spec.md §4.6, C8).
func (r *Router) handleACK(h wire.BaseHeader, rest []byte) {
	var ext wire.ACKExt
	if err := ext.UnmarshalBinary(rest); err != nil {
		r.log.Debug().Err(err).Msg("malformed ACK")
		return
	}
	entry, ok := r.retryBuf.Remove(ext.OriginalPacketID)
	if !ok {
		return
	}
	if entry.Origin == r.id {
		r.notifyDelivered(entry)
	}
}

func (r *Router) notifyDelivered(entry pending.RetryEntry) {
	if entry.FromUser == 0 && entry.ToUser == 0 {
		return
	}
	msg := ports.BridgeMessage{FromUser: entry.FromUser, ToUser: entry.ToUser}
	_ = r.bridge.NotifyDelivered(r.runCtx, msg)
}

// handleDATA implements spec.md §4.6's DATA handler.
func (r *Router) handleDATA(h wire.BaseHeader, rest []byte) {
	var ext wire.DataExt
	if err := ext.UnmarshalBinary(rest); err != nil {
		r.log.Debug().Err(err).Msg("malformed DATA")
		return
	}
	payload := rest[8:]

	if h.Flags.Has(wire.ReqAck) {
		r.emitACK(h.PrevHop, h.PacketID)
	}

	if r.id == ext.FinalDst {
		_ = r.bridge.Deliver(r.runCtx, ports.BridgeMessage{Body: payload})
		return
	}

	if ext.FinalDst == wire.Broadcast {
		_ = r.bridge.Deliver(r.runCtx, ports.BridgeMessage{Body: payload})
		h2 := h
		h2.DestNode = wire.Broadcast
		h2.PrevHop = r.id
		h2.HopCount = h.HopCount + 1
		_ = r.transmit(h2, rest, retryMeta{origin: h.Origin, destination: ext.FinalDst})
		return
	}

	route, ok := r.routes.Get(ext.FinalDst)
	if !ok {
		r.emitRERR(h.Origin, ext.FinalDst, h.PacketID)
		return
	}
	_ = r.relay(h, rest, route.NextHop, retryMeta{origin: h.Origin, destination: ext.FinalDst})
}

// emitACK unicasts an ACK for originalPacketID to nextHop (the node whose
// frame we are acknowledging), reusing our direct route to it.
func (r *Router) emitACK(nextHop wire.NodeID, originalPacketID wire.PacketID) {
	pid := newPacketID()
	r.seen.Insert(pid)
	h := wire.BaseHeader{DestNode: nextHop, PrevHop: r.id, Origin: r.id, PacketID: pid, Type: wire.ACK}
	ext := wire.ACKExt{OriginalPacketID: originalPacketID}
	eb, _ := ext.MarshalBinary()
	_ = r.transmit(h, eb, retryMeta{origin: r.id, destination: nextHop})
}

// handleUserMsg implements spec.md §4.6's USER_MSG handler.
func (r *Router) handleUserMsg(h wire.BaseHeader, rest []byte) {
	var ext wire.UserMsgExt
	if err := ext.UnmarshalBinary(rest); err != nil {
		r.log.Debug().Err(err).Msg("malformed USER_MSG")
		return
	}
	payload := rest[16:]

	if h.Flags.Has(wire.ReqAck) || h.Flags.Has(wire.EncAck) {
		r.emitACK(h.PrevHop, h.PacketID)
	}

	if ext.ToNode != r.id {
		route, ok := r.routes.Get(ext.ToNode)
		if !ok {
			r.emitRERR(h.Origin, ext.ToNode, h.PacketID)
			return
		}
		_ = r.relay(h, rest, route.NextHop, retryMeta{origin: h.Origin, destination: ext.ToNode, fromUser: ext.FromUser, toUser: ext.ToUser})
		return
	}

	if h.Flags.Has(wire.ToGateway) && r.uplink != nil {
		event := ports.GatewayEvent{At: time.Now(), Kind: "USER_MSG", Origin: h.Origin, Destination: ext.ToNode, Detail: "uplink handoff"}
		if _, err := r.uplink.SyncNode(r.runCtx, uplinkProtocolVersion, []ports.GatewayEvent{event}); err != nil {
			r.log.Debug().Err(err).Msg("uplink sync failed for gateway-bound user message")
		}
		return
	}

	if !r.isLocalUser(ext.ToUser) {
		r.emitUERR(h.Origin, ext.ToUser, r.id, h.PacketID)
		return
	}
	_ = r.bridge.Deliver(r.runCtx, ports.BridgeMessage{FromUser: ext.FromUser, ToUser: ext.ToUser, Body: payload})
}

// uplinkProtocolVersion is the protocol version this node's uplink
// negotiates with the backend on every gateway-bound user message.
const uplinkProtocolVersion = "v1.0.0"

// handleUREQ implements spec.md §4.6's user-directory request handler.
func (r *Router) handleUREQ(h wire.BaseHeader, rest []byte) {
	var ext wire.UREQExt
	if err := ext.UnmarshalBinary(rest); err != nil {
		r.log.Debug().Err(err).Msg("malformed UREQ")
		return
	}
	if ext.Origin == r.id {
		return
	}

	r.routes.Update(ext.Origin, h.PrevHop, h.HopCount+1)
	r.routes.Update(h.PrevHop, h.PrevHop, 1)

	if r.isLocalUser(ext.User) {
		r.replyUREQ(ext.Origin, ext.User, r.id, 0)
		return
	}
	if gut, ok := r.gut.Lookup(ext.User); ok {
		if route, ok := r.routes.Get(gut.HomeNode); ok && route.HopCount >= r.tunables.UserReplyThreshold {
			r.replyUREQ(ext.Origin, ext.User, gut.HomeNode, route.HopCount)
			return
		}
	}

	h2 := h
	h2.DestNode = wire.Broadcast
	h2.PrevHop = r.id
	h2.HopCount = h.HopCount + 1
	_ = r.transmit(h2, rest, retryMeta{origin: ext.Origin})
}

func (r *Router) replyUREQ(requester wire.NodeID, user wire.UserID, home wire.NodeID, numHops uint8) {
	reverse, ok := r.routes.Get(requester)
	if !ok {
		return
	}
	pid := newPacketID()
	r.seen.Insert(pid)
	h := wire.BaseHeader{DestNode: reverse.NextHop, PrevHop: r.id, Origin: requester, PacketID: pid, Type: wire.UREP}
	ext := wire.UREPExt{Origin: requester, Home: home, User: user, Lifetime: defaultRouteLifetimeSeconds, NumHops: numHops}
	eb, _ := ext.MarshalBinary()
	_ = r.transmit(h, eb, retryMeta{origin: requester})
}

// handleUREP implements spec.md §4.6's user-directory reply handler.
func (r *Router) handleUREP(h wire.BaseHeader, rest []byte) {
	var ext wire.UREPExt
	if err := ext.UnmarshalBinary(rest); err != nil {
		r.log.Debug().Err(err).Msg("malformed UREP")
		return
	}

	r.gut.Upsert(ext.User, ext.Home, 0, time.Now())
	r.routes.Update(ext.Home, h.PrevHop, ext.NumHops+1)
	r.routes.Update(h.PrevHop, h.PrevHop, 1)

	if h.Origin == r.id {
		r.flushUserDirPending(ext.User)
		return
	}

	reverse, ok := r.routes.Get(h.Origin)
	if !ok {
		return
	}
	ext.NumHops++
	eb, _ := ext.MarshalBinary()
	h2 := h
	h2.DestNode = reverse.NextHop
	h2.PrevHop = r.id
	h2.HopCount = h.HopCount + 1
	_ = r.transmit(h2, eb, retryMeta{origin: h.Origin})
}

func (r *Router) flushUserDirPending(user wire.UserID) {
	for _, e := range r.userDirQ.Drain(user) {
		_ = r.sendUserMessage(e.FromUser, user, e.Bytes, 0, e.PacketID)
	}
}

// handleUERR implements spec.md §4.6's user-directory error handler.
func (r *Router) handleUERR(h wire.BaseHeader, rest []byte) {
	var ext wire.UERRExt
	if err := ext.UnmarshalBinary(rest); err != nil {
		r.log.Debug().Err(err).Msg("malformed UERR")
		return
	}

	r.gut.RemoveIfHome(ext.User, ext.Home)

	if h.Origin == r.id {
		return
	}
	reverse, ok := r.routes.Get(h.Origin)
	if !ok {
		return
	}
	_ = r.relay(h, rest, reverse.NextHop, retryMeta{origin: h.Origin})
}

func (r *Router) emitUERR(origin wire.NodeID, user wire.UserID, home wire.NodeID, originalPid wire.PacketID) {
	if origin == r.id {
		return
	}
	reverse, ok := r.routes.Get(origin)
	if !ok {
		return
	}
	pid := newPacketID()
	r.seen.Insert(pid)
	h := wire.BaseHeader{DestNode: reverse.NextHop, PrevHop: r.id, Origin: origin, PacketID: pid, Type: wire.UERR}
	ext := wire.UERRExt{User: user, Home: home, Origin: origin, OriginalPid: originalPid}
	eb, _ := ext.MarshalBinary()
	_ = r.transmit(h, eb, retryMeta{origin: origin})
}

// handleBroadcastInfo implements spec.md §4.6's differential broadcast
// reception and forwarding.
func (r *Router) handleBroadcastInfo(h wire.BaseHeader, rest []byte) {
	var ext wire.DiffBroadcastInfoExt
	if err := ext.UnmarshalBinary(rest); err != nil {
		r.log.Debug().Err(err).Msg("malformed BROADCAST_INFO")
		return
	}
	if ext.Origin == r.id {
		return
	}

	r.gateways.Mark(ext.Origin, h.Flags.Has(wire.IAmGateway))
	r.routes.Update(h.PrevHop, h.PrevHop, 1)
	r.routes.Update(ext.Origin, h.PrevHop, h.HopCount+1)

	now := time.Now()
	for _, u := range ext.Added {
		r.gut.Upsert(u, ext.Origin, 0, now)
	}
	for _, u := range ext.Removed {
		r.gut.RemoveIfHome(u, ext.Origin)
	}

	if h.HopCount+1 >= r.tunables.MaxHops {
		return
	}
	h2 := h
	h2.DestNode = wire.Broadcast
	h2.PrevHop = r.id
	h2.HopCount = h.HopCount + 1
	_ = r.transmit(h2, rest, retryMeta{origin: ext.Origin})
}

// handlePubKeyReq implements spec.md §4.6's public-key request handler.
func (r *Router) handlePubKeyReq(h wire.BaseHeader, rest []byte) {
	var ext wire.PubKeyReqExt
	if err := ext.UnmarshalBinary(rest); err != nil {
		r.log.Debug().Err(err).Msg("malformed PUBKEY_REQ")
		return
	}

	r.pubkeys.Put(ext.SenderUser, ext.SenderPK)
	r.routes.Update(h.Origin, h.PrevHop, h.HopCount+1)
	r.routes.Update(h.PrevHop, h.PrevHop, 1)

	if pk, ok := r.pubkeys.Get(ext.TargetUser); ok {
		reverse, ok := r.routes.Get(h.Origin)
		if !ok {
			return
		}
		pid := newPacketID()
		r.seen.Insert(pid)
		h2 := wire.BaseHeader{DestNode: reverse.NextHop, PrevHop: r.id, Origin: h.Origin, PacketID: pid, Type: wire.PubKeyResp}
		respExt := wire.PubKeyRespExt{User: ext.TargetUser, PK: pk}
		eb, _ := respExt.MarshalBinary()
		_ = r.transmit(h2, eb, retryMeta{origin: h.Origin})

		_ = r.bridge.Deliver(r.runCtx, ports.BridgeMessage{FromUser: ext.SenderUser, ToUser: ext.TargetUser, Body: ext.SenderPK[:]})
		return
	}

	if h.HopCount+1 >= r.tunables.MaxHops {
		return
	}
	h2 := h
	h2.DestNode = wire.Broadcast
	h2.PrevHop = r.id
	h2.HopCount = h.HopCount + 1
	_ = r.transmit(h2, rest, retryMeta{origin: h.Origin})
}

// handlePubKeyResp implements spec.md §4.6's public-key response handler.
func (r *Router) handlePubKeyResp(h wire.BaseHeader, rest []byte) {
	var ext wire.PubKeyRespExt
	if err := ext.UnmarshalBinary(rest); err != nil {
		r.log.Debug().Err(err).Msg("malformed PUBKEY_RESP")
		return
	}

	r.pubkeys.Put(ext.User, ext.PK)

	if h.Origin == r.id {
		_ = r.bridge.Deliver(r.runCtx, ports.BridgeMessage{ToUser: ext.User, Body: ext.PK[:]})
		return
	}
	reverse, ok := r.routes.Get(h.Origin)
	if !ok {
		return
	}
	_ = r.relay(h, rest, reverse.NextHop, retryMeta{origin: h.Origin})
}

// handleMoveUserReq implements spec.md §4.6's user-migration handler.
func (r *Router) handleMoveUserReq(h wire.BaseHeader, rest []byte) {
	var ext wire.MoveUserReqExt
	if err := ext.UnmarshalBinary(rest); err != nil {
		r.log.Debug().Err(err).Msg("malformed MOVE_USER_REQ")
		return
	}

	r.gut.Upsert(ext.User, h.Origin, 0, time.Now())
	r.routes.Update(h.Origin, h.PrevHop, h.HopCount+1)
	r.routes.Update(h.PrevHop, h.PrevHop, 1)

	if r.id == ext.OldHome {
		r.flushOfflineInbox(ext.User, h.Origin)
		delete(r.localUsers, ext.User)
		return
	}

	route, ok := r.routes.Get(ext.OldHome)
	if !ok {
		r.moveQ.Push(ext.OldHome, pending.MoveRequest{User: ext.User, OldHome: ext.OldHome, EnqueuedAt: time.Now()})
		_ = r.emitRREQ(ext.OldHome)
		return
	}
	_ = r.relay(h, rest, route.NextHop, retryMeta{origin: h.Origin})
}

// flushOfflineInbox pops every message buffered for user while it was
// offline and relays each to its new home newHome via USER_MSG, pacing
// sends to avoid self-congestion on the shared radio medium.
func (r *Router) flushOfflineInbox(user wire.UserID, newHome wire.NodeID) {
	msgs, err := r.bridge.PopOfflineInbox(r.runCtx, user)
	if err != nil {
		return
	}
	for i, msg := range msgs {
		_ = r.sendUserMessageToNode(newHome, msg.FromUser, user, msg.Body, 0, 0)
		if i < len(msgs)-1 {
			time.Sleep(r.tunables.MoveFlushInterFrame)
		}
	}
}
