package linemode

import (
	"fmt"
	"strings"

	"go.bug.st/serial"

	"github.com/valentic/serialmux/internal/model"
)

// Parity of a framing.
type Parity byte

const (
	ParityNone Parity = 'n'
	ParityEven Parity = 'e'
	ParityOdd  Parity = 'o'
)

// DMXBaud is the fixed line rate of the dmx framing.
const DMXBaud = 250000

// Format is the decoded form of a mode string.
type Format struct {
	DataBits int
	Parity   Parity
	StopBits int
	DMX      bool
	HWFlow   bool
	Raw      bool
}

var baseModes = map[string]Format{
	"8n1": {DataBits: 8, Parity: ParityNone, StopBits: 1},
	"8n2": {DataBits: 8, Parity: ParityNone, StopBits: 2},
	"8e1": {DataBits: 8, Parity: ParityEven, StopBits: 1},
	"8o1": {DataBits: 8, Parity: ParityOdd, StopBits: 1},
	"8e2": {DataBits: 8, Parity: ParityEven, StopBits: 2},
	"8o2": {DataBits: 8, Parity: ParityOdd, StopBits: 2},
	"7n1": {DataBits: 7, Parity: ParityNone, StopBits: 1},
	"7n2": {DataBits: 7, Parity: ParityNone, StopBits: 2},
	"7e1": {DataBits: 7, Parity: ParityEven, StopBits: 1},
	"7o1": {DataBits: 7, Parity: ParityOdd, StopBits: 1},
	"7e2": {DataBits: 7, Parity: ParityEven, StopBits: 2},
	"7o2": {DataBits: 7, Parity: ParityOdd, StopBits: 2},
	"9n1": {DataBits: 9, Parity: ParityNone, StopBits: 1},
	"dmx": {DataBits: 8, Parity: ParityNone, StopBits: 2, DMX: true},
}

// IsRaw reports whether mode selects the 16-bit word transform.
func IsRaw(mode string) bool {
	return strings.Contains(mode, "raw")
}

// ParseMode validates a mode string: a base framing, an optional ",hwcts"
// suffix and an optional "raw" token anywhere. "raw" alone means raw 8n1.
func ParseMode(mode string) (Format, error) {
	raw := IsRaw(mode)
	base := strings.ReplaceAll(mode, "raw", "")

	hw := false
	if strings.Contains(base, ",hwcts") {
		hw = true
		base = strings.Replace(base, ",hwcts", "", 1)
	}
	base = strings.Trim(base, ", ")
	if base == "" && raw {
		base = DefaultMode
	}

	f, ok := baseModes[base]
	if !ok {
		return Format{}, fmt.Errorf("%w: %q", model.ErrInvalidMode, mode)
	}
	f.HWFlow = hw
	f.Raw = raw
	return f, nil
}

// SerialMode converts the format to a go.bug.st/serial mode at the given baud.
// Nine data bits have no host equivalent and are opened as eight.
func (f Format) SerialMode(baud int) *serial.Mode {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: f.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if f.DMX {
		mode.BaudRate = DMXBaud
	}
	if mode.DataBits > 8 {
		mode.DataBits = 8
	}
	switch f.Parity {
	case ParityEven:
		mode.Parity = serial.EvenParity
	case ParityOdd:
		mode.Parity = serial.OddParity
	}
	if f.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	return mode
}
