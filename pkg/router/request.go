package router

import (
	"time"

	"github.com/meshrtr/meshrtr/pkg/wire"
)

// request is the sum type carried on sendRequests: every intent the
// client bridge (or an operator command) can hand to the router task,
// all funneled through the one channel so state mutation never leaves
// the router goroutine.
type request interface {
	isRequest()
}

type sendDataRequest struct {
	Dst      wire.NodeID
	Payload  []byte
	Flags    wire.Flags
	PacketID wire.PacketID
	Result   chan<- error
}

func (sendDataRequest) isRequest() {}

type sendUserMessageRequest struct {
	From, To wire.UserID
	Payload  []byte
	Flags    wire.Flags
	PacketID wire.PacketID
	Result   chan<- error
}

func (sendUserMessageRequest) isRequest() {}

type registerLocalUserRequest struct {
	User wire.UserID
}

func (registerLocalUserRequest) isRequest() {}

type unregisterLocalUserRequest struct {
	User wire.UserID
}

func (unregisterLocalUserRequest) isRequest() {}

type setGatewayOnlineRequest struct {
	Online bool
}

func (setGatewayOnlineRequest) isRequest() {}

func (r *Router) handleRequest(req request) {
	switch req := req.(type) {
	case sendDataRequest:
		err := r.sendData(req.Dst, req.Payload, req.Flags, req.PacketID)
		if req.Result != nil {
			req.Result <- err
		}
	case sendUserMessageRequest:
		err := r.sendUserMessage(req.From, req.To, req.Payload, req.Flags, req.PacketID)
		if req.Result != nil {
			req.Result <- err
		}
	case registerLocalUserRequest:
		r.localUsers[req.User] = struct{}{}
		r.gut.Upsert(req.User, r.id, 0, time.Now())
	case unregisterLocalUserRequest:
		delete(r.localUsers, req.User)
		r.gut.RemoveIfHome(req.User, r.id)
	case setGatewayOnlineRequest:
		r.gatewayOnline = req.Online
		r.gateways.Mark(r.id, req.Online)
	}
}

func (r *Router) isLocalUser(u wire.UserID) bool {
	_, ok := r.localUsers[u]
	return ok
}
