//go:build !linux && !darwin && !freebsd

package serial

import (
	"context"
	"errors"

	"github.com/meshrtr/meshrtr/pkg/ports"
)

// ErrUnsupported is returned by Open on platforms with no termios support.
var ErrUnsupported = errors.New("serial: unsupported platform")

// Port is a stub RadioPort on platforms without termios bindings.
type Port struct{}

func Open(device string, baud uint32, backoff BackoffPolicy) (*Port, error) {
	return nil, ErrUnsupported
}

func (p *Port) Send(ctx context.Context, frame []byte) error { return ErrUnsupported }

func (p *Port) Recv(ctx context.Context) (ports.RadioFrame, error) {
	return ports.RadioFrame{}, ErrUnsupported
}

func (p *Port) Close() error { return nil }
