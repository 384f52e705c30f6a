//go:build linux

package bridge

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/valentic/serialmux/internal/pty"
	"github.com/valentic/serialmux/internal/sock"
)

// fileEndpoint keeps the *os.File that owns a descriptor alive while the
// pump uses the raw descriptor.
type fileEndpoint struct {
	*sock.Conn
	file *os.File
}

func (f fileEndpoint) ReadFd() int  { return f.Fd() }
func (f fileEndpoint) WriteFd() int { return f.Fd() }

func masterEndpoint(t *pty.Terminal) (fileEndpoint, error) {
	c, err := sock.NewFile(int(t.Master.Fd()), t.Master.Name())
	if err != nil {
		return fileEndpoint{}, err
	}
	return fileEndpoint{Conn: c, file: t.Master}, nil
}

// Spawn runs argv on a new pty and pumps it to conn until the program
// closes its terminal or the connection ends. The child is not waited on.
func Spawn(ctx context.Context, conn *sock.Conn, argv []string, log zerolog.Logger) (Stats, error) {
	if len(argv) == 0 {
		return Stats{}, fmt.Errorf("no program to run")
	}
	proc, err := pty.Start(pty.StartOptions{Command: argv[0], Args: argv[1:]})
	if err != nil {
		return Stats{}, err
	}
	defer proc.Terminal.Close()

	log.Info().Str("program", argv[0]).Int("pid", proc.PID()).Msg("spawned")
	end, err := masterEndpoint(proc.Terminal)
	if err != nil {
		return Stats{}, err
	}
	return Pump(ctx, Side{End: FromConn(conn)}, Side{End: end, Lossy: true}, log)
}

// Serve allocates a standalone pty, prints "ttyname=<path>" to out and
// pumps it to conn. The slave stays open so the pump survives users coming
// and going.
func Serve(ctx context.Context, conn *sock.Conn, out io.Writer, log zerolog.Logger) (Stats, error) {
	t, err := pty.Open()
	if err != nil {
		return Stats{}, err
	}
	defer t.Close()

	fmt.Fprintf(out, "ttyname=%s\n", t.Name())
	end, err := masterEndpoint(t)
	if err != nil {
		return Stats{}, err
	}
	return Pump(ctx, Side{End: FromConn(conn)}, Side{End: end, Lossy: true}, log)
}
