//go:build linux

// Command muxsoak loops sequence-numbered frames through serialmux channels
// wired back to themselves and reports lost, reordered or corrupted data.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/valentic/serialmux/internal/linemode"
	"github.com/valentic/serialmux/internal/logging"
	"github.com/valentic/serialmux/pkg/serialmux"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("muxsoak", flag.ContinueOnError)
	fs.SetOutput(stderr)
	channels := fs.String("channels", "0", "comma separated channel numbers or host:port addresses")
	basePort := fs.Int("base-port", serialmux.DefaultBasePort, "TCP port of channel 0")
	speed := fs.Int("speed", 0, "baud rate to set before the run")
	mode := fs.String("mode", "", "line mode to set before the run")
	duration := fs.Duration("duration", 10*time.Second, "how long to run")
	frameSize := fs.Int("frame", 16, "frame size in bytes")
	window := fs.Int("window", 8, "frames in flight per channel")
	interval := fs.Duration("interval", 0, "pause between frames")
	reportPath := fs.String("report", "", "write the JSON report here")
	logLevel := fs.String("log-level", "info", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	log, err := logging.New(logging.Options{Level: *logLevel})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	var command string
	if *speed > 0 || *mode != "" {
		command = linemode.Command{Baud: *speed, Mode: *mode}.String()
		if _, err := serialmux.ParseCommand(command); err != nil {
			fmt.Fprintln(stderr, err)
			return 2
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
		}
	}()

	report := &Report{StartTime: time.Now(), Command: command}
	opts := soakOptions{
		BasePort:  *basePort,
		Command:   command,
		FrameSize: *frameSize,
		Window:    *window,
		Interval:  *interval,
		Logger:    log,
	}

	targets := strings.Split(*channels, ",")
	report.Channels = make([]ChannelReport, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report.Channels[i] = soakChannel(ctx, strings.TrimSpace(target), opts)
		}()
	}
	wg.Wait()
	report.Duration = time.Since(report.StartTime).Round(time.Millisecond).String()

	for _, c := range report.Channels {
		fmt.Fprintf(stdout, "%-8s sent=%s received=%s frames=%d out_of_order=%d corrupt=%d reconnects=%d\n",
			c.Channel, sizestr.ToString(int64(c.Sent)), sizestr.ToString(int64(c.Received)),
			c.Frames, c.OutOfOrder, c.Corrupt, c.Reconnects)
	}

	if *reportPath != "" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err == nil {
			err = os.WriteFile(*reportPath, data, 0o644)
		}
		if err != nil {
			log.Error().Err(err).Str("path", *reportPath).Msg("failed to save report")
			return 1
		}
	}

	if report.Failed() {
		return 1
	}
	return 0
}
