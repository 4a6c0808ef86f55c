//go:build linux || darwin || freebsd

package serial

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/meshrtr/meshrtr/pkg/ports"
	"github.com/meshrtr/meshrtr/pkg/wire"
)

// Port is a RadioPort backed by a UART device running the LoRa module's
// framed serial protocol: a single length byte followed by that many frame
// bytes, 8N1 at a configurable baud rate.
type Port struct {
	f       *os.File
	r       *bufio.Reader
	backoff BackoffPolicy

	writeMu sync.Mutex
}

// Open configures device for 8N1 at baud and wraps it as a Port. backoff
// governs the pre-transmission channel-access delay; pass nil for
// NewUniformBackoff.
func Open(device string, baud uint32, backoff BackoffPolicy) (*Port, error) {
	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", device, err)
	}

	if err := configureTermios(fd, baud); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: configure %s: %w", device, err)
	}

	if backoff == nil {
		backoff = NewUniformBackoff()
	}

	f := os.NewFile(uintptr(fd), device)
	return &Port{f: f, r: bufio.NewReader(f), backoff: backoff}, nil
}

func configureTermios(fd int, baud uint32) error {
	t, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return err
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	applyBaudRate(t, baud)

	return unix.IoctlSetTermios(fd, ioctlSetTermios, t)
}

// Send blocks for the configured backoff policy, then writes a one-byte
// length prefix followed by frame. ctx cancellation interrupts the
// backoff wait but not an in-flight write.
func (p *Port) Send(ctx context.Context, frame []byte) error {
	if len(frame) > wire.MaxFrameSize {
		return wire.ErrFrameTooLarge
	}

	select {
	case <-time.After(p.backoff.Backoff(0)):
	case <-ctx.Done():
		return ctx.Err()
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := p.f.Write([]byte{byte(len(frame))}); err != nil {
		return fmt.Errorf("serial: write length: %w", err)
	}
	if _, err := p.f.Write(frame); err != nil {
		return fmt.Errorf("serial: write frame: %w", err)
	}
	return nil
}

// Recv reads the next length-prefixed frame. It does not honor ctx
// cancellation mid-read since the underlying os.File read is blocking;
// Close unblocks it.
func (p *Port) Recv(ctx context.Context) (ports.RadioFrame, error) {
	n, err := p.r.ReadByte()
	if err != nil {
		return ports.RadioFrame{}, fmt.Errorf("serial: read length: %w", err)
	}

	buf := make([]byte, n)
	if _, err := readFull(p.r, buf); err != nil {
		return ports.RadioFrame{}, fmt.Errorf("serial: read frame: %w", err)
	}

	return ports.RadioFrame{Bytes: buf}, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (p *Port) Close() error {
	return p.f.Close()
}
