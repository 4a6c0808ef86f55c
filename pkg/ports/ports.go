// Package ports declares the collaborator interfaces the router depends on:
// the radio link frames go in and out over, the local client bridge that
// hands user messages to and from on-node applications, and the uplink a
// gateway node uses to sync with a backend when it has internet access.
package ports

import (
	"context"
	"time"

	"github.com/meshrtr/meshrtr/pkg/wire"
)

// RadioFrame is a received frame together with the signal quality the radio
// observed for it, for telemetry.
type RadioFrame struct {
	Bytes []byte
	RSSI  int16
	SNR   int8
}

// RadioPort is the boundary between the router and the physical or
// simulated radio link. Send enqueues frame for transmission; it may block
// under CSMA backoff, so callers pass a context. Recv blocks until a frame
// arrives and returns an error once the port is closed; callers should loop
// on it.
type RadioPort interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) (RadioFrame, error)
	Close() error
}

// BridgeMessage is a user-to-user message delivered to or from the local
// client bridge (e.g. a Bluetooth-attached phone app).
type BridgeMessage struct {
	FromUser wire.UserID
	ToUser   wire.UserID
	Body     []byte
}

// BridgePort is the boundary between the router and locally attached user
// clients. Deliver hands over messages addressed to locally homed users;
// the bridge spools them in an offline inbox while the user's app is
// absent. Outbox yields messages a local app wants sent into the mesh.
type BridgePort interface {
	Deliver(ctx context.Context, msg BridgeMessage) error
	Outbox(ctx context.Context) (BridgeMessage, error)
	// NotifyDelivered tells the bridge that a previously accepted outbound
	// message was acknowledged (explicitly or implicitly) by its destination.
	NotifyDelivered(ctx context.Context, msg BridgeMessage) error
	// NotifyFailure tells the bridge that a previously accepted outbound
	// message could not be delivered, so the app can show the user an error.
	NotifyFailure(ctx context.Context, msg BridgeMessage, reason error) error
	// PopOfflineInbox drains and returns every message buffered for user
	// while its app was absent (bounded to the newest 10 by the bridge),
	// for replay to the user's new home node during a migration hand-off.
	PopOfflineInbox(ctx context.Context, user wire.UserID) ([]BridgeMessage, error)
}

// GatewayEvent is one row of the uplink's outbound batch: a notable routing
// event a gateway node forwards to the backend when connectivity allows.
type GatewayEvent struct {
	At          time.Time
	Kind        string
	Origin      wire.NodeID
	Destination wire.NodeID
	Detail      string
}

// UplinkPort is the boundary between a gateway node and its backend. The
// router calls it only when it was constructed with a non-nil UplinkPort,
// whether or not the node currently advertises itself as a gateway.
type UplinkPort interface {
	// SyncNode exchanges buffered events for any messages waiting at the
	// backend for locally homed users, negotiating protocol compatibility
	// with localVersion.
	SyncNode(ctx context.Context, localVersion string, events []GatewayEvent) ([]BridgeMessage, error)
}
