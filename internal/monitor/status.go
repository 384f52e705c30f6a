//go:build linux

// Package monitor publishes the daemon's counters: the key=value report,
// a CBOR status file other invocations use to find a running server, and
// the probe that runs when no server is found.
package monitor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sys/unix"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create status encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyQuiet,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create status decoder mode: %v", err))
	}
}

// Status is one published snapshot.
type Status struct {
	Resource  string    `cbor:"1,keyasint" json:"resource"`
	PID       int       `cbor:"2,keyasint" json:"pid"`
	Channels  int       `cbor:"3,keyasint" json:"channels"`
	Wakeups   uint64    `cbor:"4,keyasint" json:"wakeups"`
	TxBytes   uint64    `cbor:"5,keyasint" json:"txBytes"`
	RxBytes   uint64    `cbor:"6,keyasint" json:"rxBytes"`
	BasePort  int       `cbor:"7,keyasint,omitempty" json:"basePort,omitempty"`
	UpdatedAt time.Time `cbor:"8,keyasint" json:"updatedAt"`
}

// WriteTo writes the key=value report.
func (s Status) WriteTo(w io.Writer) (int64, error) {
	n, err := fmt.Fprintf(w, "channels_detected=%d\nserver_pid=%d\nreactor_wakeups=%d\ntx_bytes=%d\nrx_bytes=%d\n",
		s.Channels, s.PID, s.Wakeups, s.TxBytes, s.RxBytes)
	return int64(n), err
}

// StatusPath is where the server for resource publishes.
func StatusPath(dir, resource string) string {
	return filepath.Join(dir, resource+".status")
}

// WriteStatus replaces the file at path atomically.
func WriteStatus(path string, s Status) error {
	data, err := encMode.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create status file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to publish status file: %w", err)
	}
	return nil
}

// ReadStatus loads a status file.
func ReadStatus(path string) (Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Status{}, err
	}
	var s Status
	if err := decMode.Unmarshal(data, &s); err != nil {
		return Status{}, fmt.Errorf("corrupt status file %s: %w", path, err)
	}
	return s, nil
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
