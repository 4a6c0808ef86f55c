// Package bridge is the reference ports.BridgePort: a single companion-app
// connection (a phone paired over Bluetooth PAN or Wi-Fi Direct on the
// original firmware; a TCP listener stands in for that link here), framed
// as length-prefixed, optionally gzip-compressed JSON.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/mod/semver"

	"github.com/meshrtr/meshrtr/pkg/ports"
	"github.com/meshrtr/meshrtr/pkg/wire"
)

// MinAppVersion is the oldest companion-app protocol version this node will
// exchange messages with, mirroring the teacher's launcher-version floor.
const MinAppVersion = "v1.0.0"

// gzipThreshold is the marshaled frame size, in bytes, above which a frame
// to the companion app is gzip-compressed before it goes on the wire.
const gzipThreshold = 256

type wireFrame struct {
	FromUser wire.UserID `json:"from_user"`
	ToUser   wire.UserID `json:"to_user"`
	Body     []byte      `json:"body,omitempty"`
	Status   string      `json:"status,omitempty"`
}

// Bridge implements ports.BridgePort over one companion-app connection at a
// time; a node pairs with a single phone. Messages addressed to a user
// while no app is connected are spooled in an in-memory offline inbox,
// capped at offlineCap entries per user (spec.md OFFLINE_INBOX_CAP).
type Bridge struct {
	ln net.Listener

	mu      sync.Mutex
	conn    net.Conn
	w       *bufio.Writer
	version string

	outbox chan ports.BridgeMessage

	offlineMu  sync.Mutex
	offline    map[wire.UserID][]ports.BridgeMessage
	offlineCap int
}

// New wraps ln (e.g. a net.Listen("tcp", addr) result) as a Bridge.
func New(ln net.Listener, offlineCap int) *Bridge {
	return &Bridge{
		ln:         ln,
		outbox:     make(chan ports.BridgeMessage, 32),
		offline:    make(map[wire.UserID][]ports.BridgeMessage),
		offlineCap: offlineCap,
	}
}

// Serve accepts companion-app connections until ctx is cancelled. A new
// connection replaces any existing one.
func (b *Bridge) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		b.ln.Close()
	}()
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("bridge: accept: %w", err)
			}
		}
		if err := b.handshake(conn); err != nil {
			conn.Close()
			continue
		}

		b.mu.Lock()
		if b.conn != nil {
			b.conn.Close()
		}
		b.conn = conn
		b.w = bufio.NewWriter(conn)
		b.mu.Unlock()

		go b.readLoop(conn)
	}
}

// handshake reads the app's declared protocol version off conn and rejects
// it if older than MinAppVersion, per the firmware/protocol-version
// compatibility check SPEC_FULL.md requires of the client bridge.
func (b *Bridge) handshake(conn net.Conn) error {
	var n uint32
	if err := binary.Read(conn, binary.BigEndian, &n); err != nil {
		return fmt.Errorf("bridge: read handshake length: %w", err)
	}
	if n == 0 || n > 64 {
		return fmt.Errorf("bridge: invalid handshake length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("bridge: read handshake version: %w", err)
	}

	v := string(buf)
	if !semver.IsValid(v) {
		return fmt.Errorf("bridge: app version %q is not valid semver", v)
	}
	if semver.Compare(v, MinAppVersion) < 0 {
		return fmt.Errorf("bridge: app version %q older than minimum %q", v, MinAppVersion)
	}

	b.mu.Lock()
	b.version = v
	b.mu.Unlock()
	return nil
}

func (b *Bridge) readLoop(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		f, err := readFrame(r)
		if err != nil {
			return
		}
		if f.Status != "" {
			continue
		}
		msg := ports.BridgeMessage{FromUser: f.FromUser, ToUser: f.ToUser, Body: f.Body}
		select {
		case b.outbox <- msg:
		default:
		}
	}
}

func readFrame(r *bufio.Reader) (wireFrame, error) {
	var flag byte
	if err := binary.Read(r, binary.BigEndian, &flag); err != nil {
		return wireFrame{}, err
	}
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return wireFrame{}, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return wireFrame{}, err
	}

	if flag == 1 {
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return wireFrame{}, fmt.Errorf("bridge: gzip reader: %w", err)
		}
		dec, err := io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return wireFrame{}, fmt.Errorf("bridge: gzip decompress: %w", err)
		}
		payload = dec
	}

	var f wireFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return wireFrame{}, fmt.Errorf("bridge: unmarshal frame: %w", err)
	}
	return f, nil
}

// writeFrame marshals f and gzip-compresses it when it is larger than
// gzipThreshold, matching how the teacher's HAR dumps are gzip-compressed
// above a size threshold rather than unconditionally.
func (b *Bridge) writeFrame(f wireFrame) error {
	b.mu.Lock()
	w, conn := b.w, b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("bridge: no companion app connected")
	}

	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("bridge: marshal frame: %w", err)
	}

	flag := byte(0)
	if len(payload) > gzipThreshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return fmt.Errorf("bridge: gzip compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("bridge: gzip close: %w", err)
		}
		payload = buf.Bytes()
		flag = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := binary.Write(w, binary.BigEndian, flag); err != nil {
		return fmt.Errorf("bridge: write frame flag: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(payload))); err != nil {
		return fmt.Errorf("bridge: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("bridge: write frame payload: %w", err)
	}
	return w.Flush()
}

// Deliver implements ports.BridgePort. With no app connected, or on a
// write failure, msg is spooled to the offline inbox instead.
func (b *Bridge) Deliver(ctx context.Context, msg ports.BridgeMessage) error {
	b.mu.Lock()
	connected := b.conn != nil
	b.mu.Unlock()
	if !connected {
		b.queueOffline(msg)
		return nil
	}
	f := wireFrame{FromUser: msg.FromUser, ToUser: msg.ToUser, Body: msg.Body}
	if err := b.writeFrame(f); err != nil {
		b.queueOffline(msg)
		return err
	}
	return nil
}

func (b *Bridge) queueOffline(msg ports.BridgeMessage) {
	b.offlineMu.Lock()
	defer b.offlineMu.Unlock()
	q := append(b.offline[msg.ToUser], msg)
	if b.offlineCap > 0 && len(q) > b.offlineCap {
		q = q[len(q)-b.offlineCap:]
	}
	b.offline[msg.ToUser] = q
}

// Outbox implements ports.BridgePort, blocking until the companion app
// sends a message or ctx is cancelled.
func (b *Bridge) Outbox(ctx context.Context) (ports.BridgeMessage, error) {
	select {
	case m := <-b.outbox:
		return m, nil
	case <-ctx.Done():
		return ports.BridgeMessage{}, ctx.Err()
	}
}

// NotifyDelivered implements ports.BridgePort with a best-effort status
// frame; silently dropped if no app is connected to receive it.
func (b *Bridge) NotifyDelivered(ctx context.Context, msg ports.BridgeMessage) error {
	b.mu.Lock()
	connected := b.conn != nil
	b.mu.Unlock()
	if !connected {
		return nil
	}
	return b.writeFrame(wireFrame{FromUser: msg.FromUser, ToUser: msg.ToUser, Status: "delivered"})
}

// NotifyFailure implements ports.BridgePort with a best-effort status frame
// carrying reason's text.
func (b *Bridge) NotifyFailure(ctx context.Context, msg ports.BridgeMessage, reason error) error {
	b.mu.Lock()
	connected := b.conn != nil
	b.mu.Unlock()
	if !connected {
		return nil
	}
	return b.writeFrame(wireFrame{FromUser: msg.FromUser, ToUser: msg.ToUser, Status: "failed: " + reason.Error()})
}

// PopOfflineInbox implements ports.BridgePort, draining every spooled
// message for user.
func (b *Bridge) PopOfflineInbox(ctx context.Context, user wire.UserID) ([]ports.BridgeMessage, error) {
	b.offlineMu.Lock()
	defer b.offlineMu.Unlock()
	q := b.offline[user]
	delete(b.offline, user)
	return q, nil
}
