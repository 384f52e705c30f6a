//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/rs/zerolog"

	"github.com/valentic/serialmux/internal/bridge"
	"github.com/valentic/serialmux/internal/config"
	"github.com/valentic/serialmux/internal/daemon"
	"github.com/valentic/serialmux/internal/hw"
	"github.com/valentic/serialmux/internal/monitor"
	"github.com/valentic/serialmux/internal/mux"
)

const embeddedGrace = time.Second

// embedded is an in-process server started for a local channel when no
// server is running. It stops once its last client leaves.
type embedded struct {
	reactor *mux.Reactor
	port    hw.Port
	cancel  context.CancelFunc
	done    chan error
	pubDone chan struct{}
	grace   time.Duration
	log     zerolog.Logger
}

func startEmbedded(cfg config.Config, log zerolog.Logger) (*embedded, error) {
	port, err := openPort(cfg, log)
	if err != nil {
		return nil, err
	}
	mcfg, err := muxConfig(cfg)
	if err != nil {
		port.Release()
		return nil, err
	}
	mcfg.AutoTerminate = true
	mcfg.CaptureData = false

	r, err := mux.New(mcfg, mux.Options{
		Port:    port,
		Network: mux.TCPNetwork{Bind: "127.0.0.1"},
		Logger:  log,
	})
	if err == nil {
		err = r.Start()
	}
	if err != nil {
		port.Release()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &embedded{
		reactor: r,
		port:    port,
		cancel:  cancel,
		done:    make(chan error, 1),
		pubDone: make(chan struct{}),
		grace:   mcfg.DrainTimeout + embeddedGrace,
		log:     log,
	}
	publisher := &monitor.Publisher{
		Path:     monitor.StatusPath(cfg.Monitor.StatusDir, cfg.Server.Resource),
		Resource: cfg.Server.Resource,
		BasePort: cfg.Server.BasePort,
		Source:   r,
		Logger:   log,
	}
	go func() {
		defer close(e.pubDone)
		publisher.Run(ctx)
	}()
	go func() { e.done <- r.Run(ctx) }()
	log.Debug().Int("base_port", mcfg.BasePort).Msg("started embedded server")
	return e, nil
}

// stop waits for auto-termination, then forces it.
func (e *embedded) stop() {
	var err error
	select {
	case err = <-e.done:
	case <-time.After(e.grace):
		e.reactor.Terminate()
		err = <-e.done
	}
	e.cancel()
	<-e.pubDone
	e.port.Release()
	if err != nil {
		e.log.Warn().Err(err).Msg("embedded server failed")
	}
}

// readyWriter passes protocol output to a waiting parent as well.
type readyWriter struct {
	out io.Writer
}

func (w readyWriter) Write(p []byte) (int, error) {
	daemon.Ready(string(p))
	return w.out.Write(p)
}

func runBridge(opts *options, cfg config.Config, log zerolog.Logger, stderr io.Writer) int {
	target, err := bridge.ParseTarget(opts.target, cfg.Server.BasePort)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	command := opts.command()

	if opts.detach && opts.ptyMode && !daemon.Detached() {
		child, err := daemon.Detach(daemon.Options{Args: opts.args})
		if err != nil {
			log.Error().Err(err).Msg("failed to detach")
			return exitError
		}
		fmt.Fprintln(stderr, child.Ready)
		return exitOK
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopSignals := handleSignals(cancel, nil)
	defer stopSignals()

	if target.Kind == bridge.TargetChannel {
		if _, running := monitor.Running(cfg.Monitor.StatusDir, cfg.Server.Resource); !running {
			e, err := startEmbedded(cfg, log)
			if err != nil {
				log.Error().Err(err).Msg("no server running and none could be started")
				return startupExit(err)
			}
			defer e.stop()
		}
	}

	if opts.test {
		return runTest(ctx, target, command, log, stderr)
	}

	conn, err := bridge.Connect(ctx, target, command, bridge.ConnectOptions{Attempts: 10, Logger: log})
	if err != nil {
		log.Error().Err(err).Str("target", target.String()).Msg("failed to connect")
		return exitError
	}
	defer conn.Close()

	var stats bridge.Stats
	switch {
	case len(opts.argv) > 0:
		// Children are not waited on.
		signal.Ignore(syscall.SIGCHLD)
		stats, err = bridge.Spawn(ctx, conn, opts.argv, log)
	case opts.ptyMode:
		stats, err = bridge.Serve(ctx, conn, readyWriter{out: stderr}, log)
	default:
		var stdio *bridge.Stdio
		stdio, err = bridge.NewStdio()
		if err == nil {
			stats, err = bridge.Pump(ctx, bridge.Side{End: bridge.FromConn(conn)}, bridge.Side{End: stdio}, log)
		}
	}

	log.Debug().
		Str("received", sizestr.ToString(int64(stats.AToB))).
		Str("sent", sizestr.ToString(int64(stats.BToA))).
		Uint64("dropped", stats.Dropped).
		Msg("bridge closed")
	if err != nil {
		log.Error().Err(err).Msg("bridge failed")
		return exitError
	}
	return exitOK
}

func runTest(ctx context.Context, target bridge.Target, command string, log zerolog.Logger, stderr io.Writer) int {
	if target.Kind == bridge.TargetDevice {
		fmt.Fprintln(stderr, "-test needs a channel or host:port")
		return exitUsage
	}
	copts := bridge.ConnectOptions{Attempts: 10, Logger: log}
	if command != "" {
		c, err := bridge.Dial(ctx, target.Addr, copts)
		if err == nil {
			err = bridge.Handshake(ctx, c, command)
			c.Close()
		}
		if err != nil {
			log.Error().Err(err).Msg("failed to send settings")
			return exitError
		}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", target.Addr)
	if err != nil {
		log.Error().Err(err).Str("target", target.String()).Msg("failed to connect")
		return exitError
	}
	defer conn.Close()

	if err := bridge.RunTest(conn, bridge.TestOptions{}, stderr); err != nil {
		if errors.Is(err, bridge.ErrLoopbackFailed) {
			log.Warn().Err(err).Msg("loopback test failed")
		} else {
			log.Error().Err(err).Msg("test failed")
		}
		return exitError
	}
	return exitOK
}
