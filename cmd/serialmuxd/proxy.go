//go:build linux

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/jpillora/sizestr"
	"github.com/rs/zerolog"

	"github.com/valentic/serialmux/internal/config"
	"github.com/valentic/serialmux/internal/daemon"
	"github.com/valentic/serialmux/internal/fanout"
)

func runProxy(opts *options, cfg config.Config, log zerolog.Logger, stderr io.Writer) int {
	if opts.detach && !daemon.Detached() {
		child, err := daemon.Detach(daemon.Options{Args: opts.args})
		if err != nil {
			log.Error().Err(err).Msg("failed to detach")
			return exitError
		}
		fmt.Fprintln(stderr, child.Ready)
		return exitOK
	}

	p, err := fanout.Open(fanout.Config{
		Device: opts.device,
		Baud:   opts.speed,
		Mode:   opts.mode,
		Bind:   cfg.Server.Bind,
		Port:   opts.listenPort,
	}, log)
	if err != nil {
		log.Error().Err(err).Str("device", opts.device).Msg("failed to start proxy")
		return exitError
	}

	var announce bytes.Buffer
	p.Announce(&announce)
	stderr.Write(announce.Bytes())
	if err := daemon.Ready(announce.String()); err != nil {
		log.Warn().Err(err).Msg("failed to report readiness")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopSignals := handleSignals(cancel, nil)
	defer stopSignals()

	err = p.Run(ctx)
	st := p.Stats()
	log.Info().
		Uint64("clients", st.Accepted).
		Str("from_device", sizestr.ToString(int64(st.FromDev))).
		Str("to_device", sizestr.ToString(int64(st.ToDev))).
		Uint64("dropped", st.Dropped).
		Msg("proxy stopped")
	if err != nil {
		log.Error().Err(err).Msg("proxy failed")
		return exitError
	}
	return exitOK
}
