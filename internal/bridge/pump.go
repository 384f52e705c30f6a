//go:build linux

package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/valentic/serialmux/internal/buffer"
	"github.com/valentic/serialmux/internal/poller"
	"github.com/valentic/serialmux/internal/sock"
)

// Endpoint is one side of a pump. Reads and writes are non-blocking and
// may use different descriptors.
type Endpoint interface {
	ReadFd() int
	WriteFd() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

type connEndpoint struct {
	*sock.Conn
}

func (c connEndpoint) ReadFd() int  { return c.Fd() }
func (c connEndpoint) WriteFd() int { return c.Fd() }

// FromConn uses one descriptor for both directions.
func FromConn(c *sock.Conn) Endpoint {
	return connEndpoint{c}
}

// Stdio is standard input and output as one endpoint.
type Stdio struct {
	in  *sock.Conn
	out *sock.Conn
}

// NewStdio makes fds 0 and 1 non-blocking and wraps them.
func NewStdio() (*Stdio, error) {
	in, err := sock.NewFile(int(os.Stdin.Fd()), "stdin")
	if err != nil {
		return nil, err
	}
	out, err := sock.NewFile(int(os.Stdout.Fd()), "stdout")
	if err != nil {
		return nil, err
	}
	return &Stdio{in: in, out: out}, nil
}

func (s *Stdio) ReadFd() int                 { return s.in.Fd() }
func (s *Stdio) WriteFd() int                { return s.out.Fd() }
func (s *Stdio) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s *Stdio) Write(p []byte) (int, error) { return s.out.Write(p) }

// Side is an endpoint and its overflow policy. A lossy side (a terminal)
// drops the rest of a chunk it cannot take at once; otherwise the rest is
// held and nothing more is read from the other side until it is written.
type Side struct {
	End   Endpoint
	Lossy bool
}

// Stats counts bytes delivered each way and bytes dropped at lossy sides.
type Stats struct {
	AToB    uint64
	BToA    uint64
	Dropped uint64
}

type direction struct {
	src, dst Side
	pending  buffer.Pending
	moved    *uint64
}

// Pump moves bytes between a and b until either side reaches end of file,
// a hard error occurs or ctx is done. End of file is not an error.
func Pump(ctx context.Context, a, b Side, log zerolog.Logger) (Stats, error) {
	p, err := poller.New()
	if err != nil {
		return Stats{}, err
	}
	defer p.Close()
	stop := context.AfterFunc(ctx, func() { p.Wake() })
	defer stop()

	var stats Stats
	dirs := [2]*direction{
		{src: a, dst: b, moved: &stats.AToB},
		{src: b, dst: a, moved: &stats.BToA},
	}

	for {
		if ctx.Err() != nil {
			return stats, nil
		}

		interest := make([]poller.Interest, 0, 2)
		for _, d := range dirs {
			if d.pending.Empty() {
				interest = append(interest, poller.Interest{FD: d.src.End.ReadFd(), Read: true})
			} else {
				interest = append(interest, poller.Interest{FD: d.dst.End.WriteFd(), Write: true})
			}
		}
		ev, err := p.Wait(interest, -1)
		if err != nil {
			return stats, err
		}

		for _, d := range dirs {
			var done bool
			switch {
			case d.pending.Empty() && ev.Readable(d.src.End.ReadFd()):
				done, err = d.move(&stats, log)
			case !d.pending.Empty() && ev.Writable(d.dst.End.WriteFd()):
				err = d.flush()
			}
			if err != nil {
				return stats, err
			}
			if done {
				return stats, nil
			}
		}
	}
}

// move reads one chunk from src and offers it to dst. It reports true at
// end of file.
func (d *direction) move(stats *Stats, log zerolog.Logger) (bool, error) {
	buf := d.pending.Space()
	n, err := d.src.End.Read(buf)
	switch {
	case errors.Is(err, sock.ErrWouldBlock):
		return false, nil
	case errors.Is(err, io.EOF):
		return true, nil
	case err != nil:
		return true, fmt.Errorf("read failed: %w", err)
	}

	w, err := d.dst.End.Write(buf[:n])
	if errors.Is(err, sock.ErrWouldBlock) {
		w = 0
	} else if err != nil {
		return true, fmt.Errorf("write failed: %w", err)
	}
	*d.moved += uint64(w)

	if w < n {
		if d.dst.Lossy {
			stats.Dropped += uint64(n - w)
			log.Debug().Int("dropped", n-w).Msg("terminal full, discarding")
			return false, nil
		}
		d.pending.Hold(w, n)
	}
	return false, nil
}

func (d *direction) flush() error {
	w, err := d.dst.End.Write(d.pending.Bytes())
	if errors.Is(err, sock.ErrWouldBlock) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	*d.moved += uint64(w)
	d.pending.Consume(w)
	return nil
}
