//go:build darwin || freebsd

package serial

import "golang.org/x/sys/unix"

const (
	ioctlGetTermios = unix.TIOCGETA
	ioctlSetTermios = unix.TIOCSETA
)

// applyBaudRate sets the raw rate directly; BSD termios takes the literal
// rate in Ispeed/Ospeed rather than an enumerated Bxxx constant.
func applyBaudRate(t *unix.Termios, baud uint32) {
	t.Ispeed = int64(baud)
	t.Ospeed = int64(baud)
}
