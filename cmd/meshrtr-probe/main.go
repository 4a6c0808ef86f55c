// Command meshrtr-probe sends a DATA frame requesting an ACK to one or more
// mesh nodes over a serial radio link and reports whether each one replied
// within the deadline, the same shape of smoke test r2-a2s-probe runs
// against a game server over UDP.
package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/pflag"

	"github.com/meshrtr/meshrtr/internal/serial"
	"github.com/meshrtr/meshrtr/pkg/aead"
	"github.com/meshrtr/meshrtr/pkg/ports"
	"github.com/meshrtr/meshrtr/pkg/wire"
)

var opt struct {
	Device   string
	Baud     uint32
	Key      string
	Node     uint32
	Timeout  time.Duration
	Interval time.Duration
	Silent   bool
	Help     bool
}

func init() {
	pflag.StringVarP(&opt.Device, "device", "d", "/dev/ttyUSB0", "Serial device the radio module is attached to")
	pflag.Uint32Var(&opt.Baud, "baud", 115200, "Serial baud rate")
	pflag.StringVarP(&opt.Key, "key", "k", "", "Hex-encoded 16-byte network key")
	pflag.Uint32VarP(&opt.Node, "node", "n", 0, "This probe's own node id")
	pflag.DurationVarP(&opt.Timeout, "timeout", "t", 3*time.Second, "Amount of time to wait for an ACK")
	pflag.DurationVarP(&opt.Interval, "interval", "i", time.Second, "Interval to resend the probe frame at")
	pflag.BoolVarP(&opt.Silent, "silent", "s", false, "Don't show the result")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() < 1 || opt.Help || opt.Node == 0 || opt.Key == "" {
		fmt.Printf("usage: %s [options] node_id...\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	dests, err := parseNodeIDs(pflag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: invalid node id: %v\n", err)
		os.Exit(2)
	}

	key, err := hex.DecodeString(opt.Key)
	if err != nil || len(key) != aead.KeySize {
		fmt.Fprintf(os.Stderr, "fatal: key must be %d hex-encoded bytes\n", aead.KeySize)
		os.Exit(2)
	}
	env, err := aead.New(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(2)
	}

	radio, err := serial.Open(opt.Device, opt.Baud, serial.NewUniformBackoff())
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: open %s: %v\n", opt.Device, err)
		os.Exit(2)
	}
	defer radio.Close()

	rx := newReplyRouter(radio, env)
	go rx.run()

	var wg sync.WaitGroup
	results := make([]error, len(dests))
	for i, dest := range dests {
		i, dest := i, dest
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), opt.Timeout)
			defer cancel()
			results[i] = probe(ctx, radio, env, rx, wire.NodeID(opt.Node), dest)
		}()
	}
	wg.Wait()

	var fail bool
	for i, dest := range dests {
		if !opt.Silent {
			if results[i] != nil {
				fmt.Fprintf(os.Stderr, "node %d: error: %v\n", dest, results[i])
			} else {
				fmt.Fprintf(os.Stderr, "node %d: ok\n", dest)
			}
		}
		if results[i] != nil {
			fail = true
		}
	}
	if fail {
		os.Exit(1)
	}
}

// probe sends a one-hop DATA frame addressed directly to dest, requesting
// an ACK, retransmitting every opt.Interval until one arrives or ctx
// expires.
func probe(ctx context.Context, radio ports.RadioPort, env *aead.Envelope, rx *replyRouter, self, dest wire.NodeID) error {
	pid := newPacketID()
	wait := rx.register(pid)
	defer rx.unregister(pid)

	h := wire.BaseHeader{DestNode: dest, PrevHop: self, Origin: self, PacketID: pid, Type: wire.DATA, Flags: wire.ReqAck}
	ext := wire.DataExt{FinalDst: dest, Origin: self}
	extB, err := ext.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal DATA extension: %w", err)
	}
	payload := []byte("meshrtr-probe")

	send := func() error {
		ciphertext, sealed, err := env.Seal(h, append(append([]byte{}, extB...), payload...))
		if err != nil {
			return fmt.Errorf("seal: %w", err)
		}
		frame, err := wire.Assemble(sealed, ciphertext, nil)
		if err != nil {
			return fmt.Errorf("assemble: %w", err)
		}
		return radio.Send(ctx, frame)
	}

	if err := send(); err != nil {
		return err
	}

	t := time.NewTicker(opt.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
			return nil
		case <-t.C:
			if err := send(); err != nil {
				return err
			}
		}
	}
}

// replyRouter demultiplexes inbound ACK frames by the original packet id
// they carry, the way nspkt.Listener demultiplexes connect replies by a
// client-chosen uid.
type replyRouter struct {
	radio ports.RadioPort
	env   *aead.Envelope

	mu      sync.Mutex
	waiters map[wire.PacketID]chan struct{}
}

func newReplyRouter(radio ports.RadioPort, env *aead.Envelope) *replyRouter {
	return &replyRouter{radio: radio, env: env, waiters: make(map[wire.PacketID]chan struct{})}
}

func (rx *replyRouter) register(pid wire.PacketID) <-chan struct{} {
	ch := make(chan struct{})
	rx.mu.Lock()
	rx.waiters[pid] = ch
	rx.mu.Unlock()
	return ch
}

func (rx *replyRouter) unregister(pid wire.PacketID) {
	rx.mu.Lock()
	delete(rx.waiters, pid)
	rx.mu.Unlock()
}

func (rx *replyRouter) run() {
	for {
		f, err := rx.radio.Recv(context.Background())
		if err != nil {
			return
		}
		h, ciphertext, err := wire.SplitFrame(f.Bytes)
		if err != nil || h.Type != wire.ACK {
			continue
		}
		opened, _, err := rx.env.Open(h, ciphertext)
		if err != nil {
			continue
		}
		var ext wire.ACKExt
		if err := ext.UnmarshalBinary(opened); err != nil {
			continue
		}
		rx.mu.Lock()
		ch, ok := rx.waiters[ext.OriginalPacketID]
		rx.mu.Unlock()
		if ok {
			close(ch)
		}
	}
}

func newPacketID() wire.PacketID {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("meshrtr-probe: crypto/rand unavailable: %v", err))
	}
	return wire.PacketID(binary.LittleEndian.Uint32(b[:]))
}

func parseNodeIDs(a []string) ([]wire.NodeID, error) {
	r := make([]wire.NodeID, len(a))
	for i, x := range a {
		v, err := strconv.ParseUint(x, 10, 32)
		if err != nil {
			return nil, err
		}
		r[i] = wire.NodeID(v)
	}
	return r, nil
}
