//go:build linux

package serial

import "golang.org/x/sys/unix"

const (
	ioctlGetTermios = unix.TCGETS
	ioctlSetTermios = unix.TCSETS
)

// standardBaudRates maps the common LoRa-module UART rates to their Bxxx
// termios constants. Anything not in this table still gets Ispeed/Ospeed
// set directly, relying on the Linux BOTHER extension.
var standardBaudRates = map[uint32]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
}

func applyBaudRate(t *unix.Termios, baud uint32) {
	t.Ispeed = baud
	t.Ospeed = baud
	if speed, ok := standardBaudRates[baud]; ok {
		t.Cflag &^= unix.CBAUD
		t.Cflag |= speed
		return
	}
	t.Cflag |= unix.BOTHER
}
