//go:build linux

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/valentic/serialmux/internal/capture"
	"github.com/valentic/serialmux/internal/config"
	"github.com/valentic/serialmux/internal/daemon"
	"github.com/valentic/serialmux/internal/db"
	"github.com/valentic/serialmux/internal/discovery"
	"github.com/valentic/serialmux/internal/monitor"
	"github.com/valentic/serialmux/internal/mux"
	"github.com/valentic/serialmux/internal/repository"
	"github.com/valentic/serialmux/internal/session"
	"github.com/valentic/serialmux/internal/ws"
)

func muxConfig(cfg config.Config) (mux.Config, error) {
	settings, err := cfg.Settings()
	if err != nil {
		return mux.Config{}, err
	}
	return mux.Config{
		BasePort:        cfg.Server.BasePort,
		Defaults:        settings,
		PollInterval:    cfg.Server.PollInterval,
		DrainTimeout:    cfg.Server.DrainTimeout,
		OverflowTimeout: cfg.Server.OverflowTimeout,
		HistorySize:     cfg.Server.HistorySize,
		CaptureData:     cfg.Capture.Dir != "",
	}, nil
}

func runServer(opts *options, cfg config.Config, log zerolog.Logger, stderr io.Writer) int {
	statusDir, resource := cfg.Monitor.StatusDir, cfg.Server.Resource
	if err := monitor.CheckNotRunning(statusDir, resource); err != nil {
		log.Error().Err(err).Str("resource", resource).Msg("refusing to start")
		return exitError
	}

	if opts.detach && !daemon.Detached() {
		child, err := daemon.Detach(daemon.Options{Args: opts.args})
		if err != nil {
			log.Error().Err(err).Msg("failed to detach")
			return exitError
		}
		fmt.Fprintln(stderr, child.Ready)
		return exitOK
	}

	if err := os.MkdirAll(statusDir, 0o755); err != nil {
		log.Error().Err(err).Str("dir", statusDir).Msg("failed to create status directory")
		return exitError
	}

	port, err := openPort(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to open hardware")
		return exitProbe
	}
	defer port.Release()

	mcfg, err := muxConfig(cfg)
	if err != nil {
		log.Error().Err(err).Msg("invalid line settings")
		return exitUsage
	}

	bus := mux.NewEventBus()
	defer bus.Close()

	reactor, err := mux.New(mcfg, mux.Options{
		Port:     port,
		Network:  mux.TCPNetwork{Bind: cfg.Server.Bind},
		Observer: bus,
		Logger:   log,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create reactor")
		return exitError
	}
	if err := reactor.Start(); err != nil {
		log.Error().Err(err).Msg("failed to start")
		return startupExit(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var (
		wg      sync.WaitGroup
		closers []func() error
	)
	defer func() {
		// Subscribers finish what the reactor published before they stop.
		bus.Close()
		cancel()
		wg.Wait()
		for _, c := range closers {
			c()
		}
	}()
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	publisher := &monitor.Publisher{
		Path:     monitor.StatusPath(statusDir, resource),
		Resource: resource,
		BasePort: cfg.Server.BasePort,
		Source:   reactor,
		Logger:   log,
	}
	spawn(func() {
		if err := publisher.Run(ctx); err != nil {
			log.Warn().Err(err).Msg("status publisher stopped")
		}
	})

	var tracker *session.Tracker
	if cfg.History.DB != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.History.DB), 0o755); err != nil {
			log.Error().Err(err).Msg("failed to create database directory")
			return exitError
		}
		database, err := db.InitDB(cfg.History.DB)
		if err != nil {
			log.Error().Err(err).Msg("failed to initialize database")
			return exitError
		}
		closers = append(closers, db.CloseDB)

		tracker = session.NewTracker(repository.NewConnectionRepository(database), session.Config{
			Retention: cfg.History.Retention,
		}, log)
		if err := tracker.Recover(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to recover connection history")
		}
		events := bus.Subscribe(256, false)
		spawn(func() { tracker.Run(ctx, events) })
	}

	if cfg.Capture.Dir != "" {
		capturer, err := capture.NewCapturer(cfg.Capture.Dir, log)
		if err != nil {
			log.Error().Err(err).Msg("failed to set up capture")
			return exitError
		}
		events := bus.Subscribe(1024, true)
		spawn(func() { capturer.Run(ctx, events) })
	}

	if cfg.Monitor.HTTP != "" {
		wsService := ws.NewService(reactor, log)
		events := bus.Subscribe(256, mcfg.CaptureData)
		spawn(func() { wsService.Run(ctx, events) })

		router := newRouter(reactor, publisher, tracker, wsService, log)
		spawn(func() {
			if err := serveHTTP(ctx, cfg.Monitor.HTTP, router, log); err != nil {
				log.Error().Err(err).Str("addr", cfg.Monitor.HTTP).Msg("monitoring server failed")
			}
		})
	}

	if cfg.Discovery.Enabled {
		adv := discovery.NewAdvertiser(discovery.Config{
			Instance:  cfg.Discovery.Instance,
			Interface: cfg.Discovery.Interface,
			TTL:       cfg.Discovery.TTL,
			TXT:       cfg.Discovery.TXT,
		}, nil, log)
		events := bus.Subscribe(16, false)
		spawn(func() { adv.Run(ctx, reactor, events) })
	}

	if pattern := watchPattern(cfg); pattern != "" || opts.configPath != "" {
		w := &config.Watcher{
			ConfigPath: opts.configPath,
			Pattern:    pattern,
			Logger:     log.With().Str("component", "watcher").Logger(),
			OnChange: func(reason string) {
				log.Info().Str("reason", reason).Msg("rescanning")
				if err := reactor.Rescan(); err != nil {
					log.Debug().Err(err).Msg("rescan not queued")
				}
			},
		}
		spawn(func() {
			if err := w.Run(ctx); err != nil {
				log.Warn().Err(err).Msg("watcher stopped")
			}
		})
	}

	stopSignals := handleSignals(reactor.Terminate, func() {
		log.Info().Msg("SIGHUP: rescanning")
		reactor.Rescan()
	})
	defer stopSignals()

	if err := daemon.Ready(fmt.Sprintf("server_pid=%d", os.Getpid())); err != nil {
		log.Warn().Err(err).Msg("failed to report readiness")
	}

	err = reactor.Run(ctx)

	stats := reactor.Stats()
	log.Info().
		Uint64("wakeups", stats.Wakeups).
		Uint64("tx_bytes", stats.TxBytes).
		Uint64("rx_bytes", stats.RxBytes).
		Msg("server stopped")
	if err != nil {
		log.Error().Err(err).Msg("reactor failed")
		return exitError
	}
	return exitOK
}
