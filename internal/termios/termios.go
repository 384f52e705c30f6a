//go:build linux

// Package termios configures tty descriptors for byte-transparent use.
package termios

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/valentic/serialmux/internal/linemode"
)

var speeds = []struct {
	baud int
	flag uint32
}{
	{50, unix.B50},
	{75, unix.B75},
	{110, unix.B110},
	{134, unix.B134},
	{150, unix.B150},
	{200, unix.B200},
	{300, unix.B300},
	{600, unix.B600},
	{1200, unix.B1200},
	{1800, unix.B1800},
	{2400, unix.B2400},
	{4800, unix.B4800},
	{9600, unix.B9600},
	{19200, unix.B19200},
	{38400, unix.B38400},
	{57600, unix.B57600},
	{115200, unix.B115200},
	{230400, unix.B230400},
	{460800, unix.B460800},
	{500000, unix.B500000},
	{576000, unix.B576000},
	{921600, unix.B921600},
	{1000000, unix.B1000000},
	{1152000, unix.B1152000},
	{1500000, unix.B1500000},
	{2000000, unix.B2000000},
	{2500000, unix.B2500000},
	{3000000, unix.B3000000},
	{3500000, unix.B3500000},
	{4000000, unix.B4000000},
}

// Speed returns the speed flag for the largest standard rate not above baud,
// and that rate.
func Speed(baud int) (uint32, int) {
	best := speeds[0]
	for _, s := range speeds {
		if s.baud > baud {
			break
		}
		best = s
	}
	return best.flag, best.baud
}

// Get reads the current settings of fd.
func Get(fd int) (*unix.Termios, error) {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, fmt.Errorf("failed to get termios: %w", err)
	}
	return t, nil
}

// Set applies t after pending output drains.
func Set(fd int, t *unix.Termios) error {
	if err := unix.IoctlSetTermios(fd, unix.TCSETSW, t); err != nil {
		return fmt.Errorf("failed to set termios: %w", err)
	}
	return nil
}

// Raw returns a copy of t with input processing, output processing, echo and
// signals disabled, 8-bit characters and non-blocking reads.
func Raw(t unix.Termios) unix.Termios {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CRTSCTS
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0
	return t
}

// WithSpeed returns t set to the standard rate nearest below baud.
func WithSpeed(t unix.Termios, baud int) unix.Termios {
	flag, _ := Speed(baud)
	t.Cflag &^= unix.CBAUD
	t.Cflag |= flag
	t.Ispeed = flag
	t.Ospeed = flag
	return t
}

// WithFormat returns t with the character size, parity, stop bits and
// hardware flow control of f. Nine data bits are set as eight.
func WithFormat(t unix.Termios, f linemode.Format) unix.Termios {
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB | unix.CRTSCTS
	if f.DataBits == 7 {
		t.Cflag |= unix.CS7
	} else {
		t.Cflag |= unix.CS8
	}
	switch f.Parity {
	case linemode.ParityEven:
		t.Cflag |= unix.PARENB
	case linemode.ParityOdd:
		t.Cflag |= unix.PARENB | unix.PARODD
	}
	if f.StopBits == 2 {
		t.Cflag |= unix.CSTOPB
	}
	if f.HWFlow {
		t.Cflag |= unix.CRTSCTS
	}
	t.Cflag |= unix.CLOCAL
	return t
}

// MakeRaw switches fd to raw mode, optionally at baud (0 keeps the current
// speed), and returns the previous settings for Restore.
func MakeRaw(fd int, baud int) (*unix.Termios, error) {
	old, err := Get(fd)
	if err != nil {
		return nil, err
	}
	raw := Raw(*old)
	if baud > 0 {
		raw = WithSpeed(raw, baud)
	}
	if err := Set(fd, &raw); err != nil {
		return nil, err
	}
	return old, nil
}

// Restore puts back settings saved by MakeRaw.
func Restore(fd int, old *unix.Termios) error {
	if old == nil {
		return nil
	}
	return Set(fd, old)
}
