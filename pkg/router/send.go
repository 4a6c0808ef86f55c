package router

import (
	"context"
	"time"

	"github.com/meshrtr/meshrtr/pkg/pending"
	"github.com/meshrtr/meshrtr/pkg/ports"
	"github.com/meshrtr/meshrtr/pkg/wire"
)

// defaultRouteLifetimeSeconds is advertised in RREP/UREP extension headers;
// it is informational only in this implementation (routes are aged out by
// invalidation, not by a lifetime timer).
const defaultRouteLifetimeSeconds = 300

// SendData enqueues a send-data intent onto the router task (C5 entry
// point per spec.md §4.7). Every call draws a fresh packet id.
func (r *Router) SendData(ctx context.Context, dst wire.NodeID, payload []byte, flags wire.Flags) error {
	result := make(chan error, 1)
	req := sendDataRequest{Dst: dst, Payload: payload, Flags: flags, Result: result}
	select {
	case r.sendRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendUserMessage enqueues a send-user-message intent onto the router task.
func (r *Router) SendUserMessage(ctx context.Context, from, to wire.UserID, payload []byte, flags wire.Flags) error {
	result := make(chan error, 1)
	req := sendUserMessageRequest{From: from, To: to, Payload: payload, Flags: flags, Result: result}
	select {
	case r.sendRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterLocalUser tells the router that user now has an active session on
// this node's client bridge; it becomes eligible for UREQ/UREP answers and
// for the next differential broadcast.
func (r *Router) RegisterLocalUser(ctx context.Context, user wire.UserID) {
	select {
	case r.sendRequests <- registerLocalUserRequest{User: user}:
	case <-ctx.Done():
	}
}

// UnregisterLocalUser tells the router user's session on this node has
// ended.
func (r *Router) UnregisterLocalUser(ctx context.Context, user wire.UserID) {
	select {
	case r.sendRequests <- unregisterLocalUserRequest{User: user}:
	case <-ctx.Done():
	}
}

// SetGatewayOnline tells the router whether the local uplink collaborator
// currently has connectivity, controlling the I_AM_GATEWAY bit advertised
// in this node's broadcasts.
func (r *Router) SetGatewayOnline(ctx context.Context, online bool) {
	select {
	case r.sendRequests <- setGatewayOnlineRequest{Online: online}:
	case <-ctx.Done():
	}
}

// sendData implements spec.md §4.7 for a DATA payload. Runs on the router
// goroutine only.
func (r *Router) sendData(dst wire.NodeID, payload []byte, flags wire.Flags, packetID wire.PacketID) error {
	if packetID == 0 {
		packetID = newPacketID()
	}

	if dst == wire.Broadcast {
		h := wire.BaseHeader{DestNode: wire.Broadcast, PrevHop: r.id, Origin: r.id, PacketID: packetID, Type: wire.DATA, Flags: flags}
		ext := wire.DataExt{FinalDst: wire.Broadcast, Origin: r.id}
		eb, _ := ext.MarshalBinary()
		return r.transmit(h, append(eb, payload...), retryMeta{origin: r.id, destination: dst})
	}

	route, ok := r.routes.Get(dst)
	if !ok {
		r.dataQ.Push(dst, pending.DataEntry{PacketID: packetID, Bytes: payload, EnqueuedAt: time.Now()})
		return r.emitRREQ(dst)
	}

	h := wire.BaseHeader{DestNode: route.NextHop, PrevHop: r.id, Origin: r.id, PacketID: packetID, Type: wire.DATA, Flags: flags}
	ext := wire.DataExt{FinalDst: dst, Origin: r.id}
	eb, _ := ext.MarshalBinary()
	return r.transmit(h, append(eb, payload...), retryMeta{origin: r.id, destination: dst})
}

// sendUserMessage implements spec.md §4.7 for a USER_MSG. Runs on the
// router goroutine only.
func (r *Router) sendUserMessage(from, to wire.UserID, payload []byte, flags wire.Flags, packetID wire.PacketID) error {
	if packetID == 0 {
		packetID = newPacketID()
	}

	if flags.Has(wire.ToGateway) {
		gw, ok := r.gateways.Closest()
		if !ok {
			return wrap(KindNoGateway, nil)
		}
		return r.sendUserMessageToNode(gw, from, to, payload, flags, packetID)
	}

	entry, ok := r.gut.Lookup(to)
	if !ok {
		r.userDirQ.Push(to, pending.UserDirEntry{PacketID: packetID, FromUser: from, Bytes: payload, EnqueuedAt: time.Now()})
		return r.emitUREQ(to)
	}
	return r.sendUserMessageToNode(entry.HomeNode, from, to, payload, flags, packetID)
}

func (r *Router) sendUserMessageToNode(toNode wire.NodeID, from, to wire.UserID, payload []byte, flags wire.Flags, packetID wire.PacketID) error {
	if packetID == 0 {
		packetID = newPacketID()
	}

	if toNode == r.id {
		return r.deliverUserMessage(from, to, payload)
	}

	route, ok := r.routes.Get(toNode)
	if !ok {
		r.userRouteQ.Push(toNode, pending.UserRouteEntry{PacketID: packetID, FromUser: from, ToUser: to, Bytes: payload, EnqueuedAt: time.Now()})
		return r.emitRREQ(toNode)
	}

	h := wire.BaseHeader{DestNode: route.NextHop, PrevHop: r.id, Origin: r.id, PacketID: packetID, Type: wire.UserMsg, Flags: flags}
	ext := wire.UserMsgExt{FromUser: from, ToUser: to, ToNode: toNode, Origin: r.id}
	eb, _ := ext.MarshalBinary()
	return r.transmit(h, append(eb, payload...), retryMeta{origin: r.id, destination: toNode, fromUser: from, toUser: to})
}

// deliverUserMessage hands a message addressed to a locally homed user to
// the client bridge, returning an UnknownUser error if the user isn't
// actually ours.
func (r *Router) deliverUserMessage(from, to wire.UserID, payload []byte) error {
	if !r.isLocalUser(to) {
		return wrap(KindUnknownUser, nil)
	}
	return r.bridge.Deliver(r.runCtx, ports.BridgeMessage{FromUser: from, ToUser: to, Body: payload})
}

// emitRREQ broadcasts a fresh route request for target.
func (r *Router) emitRREQ(target wire.NodeID) error {
	pid := newPacketID()
	r.seen.Insert(pid)
	h := wire.BaseHeader{DestNode: wire.Broadcast, PrevHop: r.id, Origin: r.id, PacketID: pid, Type: wire.RREQ}
	ext := wire.RREQExt{Target: target}
	eb, _ := ext.MarshalBinary()
	return r.transmit(h, eb, retryMeta{origin: r.id, destination: target})
}

// emitUREQ broadcasts a fresh user-directory request for user.
func (r *Router) emitUREQ(user wire.UserID) error {
	pid := newPacketID()
	r.seen.Insert(pid)
	h := wire.BaseHeader{DestNode: wire.Broadcast, PrevHop: r.id, Origin: r.id, PacketID: pid, Type: wire.UREQ}
	ext := wire.UREQExt{Origin: r.id, User: user}
	eb, _ := ext.MarshalBinary()
	return r.transmit(h, eb, retryMeta{origin: r.id})
}
