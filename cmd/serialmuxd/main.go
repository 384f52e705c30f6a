//go:build linux

// Command serialmuxd multiplexes hardware serial channels onto TCP ports.
//
// With no mode flag it probes: it prints the status of a running server, or
// resets the hardware and prints the channel count. -server runs the
// multiplexer, -port bridges a channel to stdio, a program or a pty, -test
// runs the loopback test on a channel and -proxy shares one device between
// many TCP clients.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/valentic/serialmux/internal/config"
	"github.com/valentic/serialmux/internal/linemode"
	"github.com/valentic/serialmux/internal/logging"
	"github.com/valentic/serialmux/internal/model"
	"github.com/valentic/serialmux/internal/monitor"
)

// Exit codes.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
	exitProbe = 3
)

type options struct {
	args []string // as given, for re-exec

	configPath string
	server     bool
	target     string
	speed      int
	mode       string
	test       bool
	ptyMode    bool
	detach     bool
	proxy      bool
	device     string
	listenPort int
	argv       []string

	// Overrides of config values; applied only when the flag was given.
	set         map[string]bool
	bind        string
	basePort    int
	backend     string
	devices     string
	simChannels int
	statusDir   string
	httpAddr    string
	dbPath      string
	captureDir  string
	logLevel    string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{args: args, set: map[string]bool{}}
	fs := flag.NewFlagSet("serialmuxd", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	fs.BoolVar(&opts.server, "server", false, "run the channel multiplexer")
	fs.StringVar(&opts.target, "port", "", "channel number, host:port or device path to bridge to")
	fs.IntVar(&opts.speed, "speed", 0, "baud rate (server default, bridge command or proxy device)")
	fs.StringVar(&opts.mode, "mode", "", "line mode, e.g. 8n1, 7e1,hwcts or raw")
	fs.BoolVar(&opts.test, "test", false, "run the loopback and latency test on -port")
	fs.BoolVar(&opts.ptyMode, "pty", false, "bridge -port to a new pty and print its name")
	fs.BoolVar(&opts.detach, "d", false, "detach into the background once ready")
	fs.BoolVar(&opts.proxy, "proxy", false, "share -device (or a new pty) between TCP clients")
	fs.StringVar(&opts.device, "device", "", "device for -proxy")
	fs.IntVar(&opts.listenPort, "listen", 0, "TCP port for -proxy; 0 picks one")

	fs.StringVar(&opts.bind, "bind", "", "listen address")
	fs.IntVar(&opts.basePort, "base-port", 0, "TCP port of channel 0")
	fs.StringVar(&opts.backend, "backend", "", "hardware backend: sim or tty")
	fs.StringVar(&opts.devices, "devices", "", "comma separated serial devices, in channel order")
	fs.IntVar(&opts.simChannels, "sim-channels", 0, "channel count of the sim backend")
	fs.StringVar(&opts.statusDir, "status-dir", "", "directory of the status file")
	fs.StringVar(&opts.httpAddr, "http", "", "monitoring HTTP address, e.g. :8080")
	fs.StringVar(&opts.dbPath, "db", "", "connection history database")
	fs.StringVar(&opts.captureDir, "capture", "", "directory for per-connection traffic captures")
	fs.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })
	opts.argv = fs.Args()

	modes := 0
	for _, on := range []bool{opts.server, opts.proxy, opts.target != ""} {
		if on {
			modes++
		}
	}
	switch {
	case modes > 1:
		return nil, errors.New("-server, -port and -proxy are exclusive")
	case opts.test && opts.target == "":
		return nil, errors.New("-test needs -port")
	case opts.ptyMode && opts.target == "":
		return nil, errors.New("-pty needs -port")
	case len(opts.argv) > 0 && (opts.target == "" || opts.ptyMode || opts.test):
		return nil, errors.New("a program to run needs -port without -pty or -test")
	}
	return opts, nil
}

// apply copies the flags that were given over cfg.
func (o *options) apply(cfg *config.Config) {
	if o.set["bind"] {
		cfg.Server.Bind = o.bind
	}
	if o.set["base-port"] {
		cfg.Server.BasePort = o.basePort
	}
	if o.set["backend"] {
		cfg.Hardware.Backend = o.backend
	}
	if o.set["devices"] {
		cfg.Hardware.Devices = strings.Split(o.devices, ",")
	}
	if o.set["sim-channels"] {
		cfg.Hardware.Sim.Channels = o.simChannels
	}
	if o.set["status-dir"] {
		cfg.Monitor.StatusDir = o.statusDir
	}
	if o.set["http"] {
		cfg.Monitor.HTTP = o.httpAddr
	}
	if o.set["db"] {
		cfg.History.DB = o.dbPath
	}
	if o.set["capture"] {
		cfg.Capture.Dir = o.captureDir
	}
	if o.set["log-level"] {
		cfg.Log.Level = o.logLevel
	}
	if o.server {
		if o.speed > 0 {
			cfg.Server.DefaultBaud = o.speed
		}
		if o.mode != "" {
			cfg.Server.DefaultMode = o.mode
		}
	}
}

// command is the renegotiation text a bridge sends, if any.
func (o *options) command() string {
	if o.speed <= 0 && o.mode == "" {
		return ""
	}
	return linemode.Command{Baud: o.speed, Mode: o.mode}.String()
}

func run(args []string, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, err)
		}
		return exitUsage
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	opts.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	log, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	signal.Ignore(syscall.SIGPIPE)

	switch {
	case opts.server:
		return runServer(opts, cfg, log, stderr)
	case opts.proxy:
		return runProxy(opts, cfg, log, stderr)
	case opts.target != "":
		return runBridge(opts, cfg, log, stderr)
	}
	return runProbe(cfg, log, stderr)
}

func runProbe(cfg config.Config, log zerolog.Logger, stderr io.Writer) int {
	port, err := openPort(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to open hardware")
		return exitProbe
	}
	defer port.Release()

	st, running, err := monitor.Probe(cfg.Monitor.StatusDir, cfg.Server.Resource, port)
	if err != nil {
		log.Error().Err(err).Msg("probe failed")
		return exitProbe
	}
	if !running {
		log.Debug().Int("channels", st.Channels).Msg("no server running; hardware reset")
	}
	st.WriteTo(stderr)
	return exitOK
}

// handleSignals calls onTerm for SIGINT and SIGTERM and onHup for SIGHUP
// until the returned stop function is called.
func handleSignals(onTerm, onHup func()) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-ch:
				if sig == syscall.SIGHUP {
					if onHup != nil {
						onHup()
					}
					continue
				}
				onTerm()
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

func startupExit(err error) int {
	if errors.Is(err, model.ErrProbeFailed) || errors.Is(err, model.ErrNoChannels) {
		return exitProbe
	}
	return exitError
}
