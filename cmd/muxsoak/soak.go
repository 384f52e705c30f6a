//go:build linux

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/valentic/serialmux/pkg/serialmux"
)

const seqSize = 4

// ChannelReport is the outcome of soaking one channel.
type ChannelReport struct {
	Channel    string `json:"channel"`
	Sent       uint64 `json:"sent"`
	Received   uint64 `json:"received"`
	Frames     uint64 `json:"frames"`
	OutOfOrder uint64 `json:"out_of_order"`
	Corrupt    uint64 `json:"corrupt"`
	Reconnects int    `json:"reconnects"`
	LastError  string `json:"last_error,omitempty"`
}

// Report holds the whole run.
type Report struct {
	StartTime time.Time       `json:"start_time"`
	Duration  string          `json:"duration"`
	Command   string          `json:"command,omitempty"`
	Channels  []ChannelReport `json:"channels"`
}

// Failed reports whether any channel lost order or data.
func (r *Report) Failed() bool {
	for _, c := range r.Channels {
		if c.OutOfOrder > 0 || c.Corrupt > 0 || c.Frames == 0 {
			return true
		}
	}
	return false
}

type soakOptions struct {
	BasePort  int
	Command   string
	FrameSize int
	Window    int
	Interval  time.Duration
	Logger    zerolog.Logger
}

func (o soakOptions) withDefaults() soakOptions {
	if o.FrameSize < seqSize+1 {
		o.FrameSize = 16
	}
	if o.Window <= 0 {
		o.Window = 8
	}
	return o
}

// frame builds frame seq: a big-endian sequence number and a payload
// derived from it.
func frame(seq uint32, size int) []byte {
	f := make([]byte, size)
	binary.BigEndian.PutUint32(f, seq)
	for i := seqSize; i < size; i++ {
		f[i] = byte(seq) + byte(i)
	}
	return f
}

// verifier checks that looped back frames arrive whole and in order.
type verifier struct {
	size       int
	next       uint32
	pending    []byte
	frames     uint64
	outOfOrder uint64
	corrupt    uint64
}

// Feed consumes received bytes and returns how many frames completed.
func (v *verifier) Feed(p []byte) int {
	v.pending = append(v.pending, p...)
	n := 0
	for len(v.pending) >= v.size {
		f := v.pending[:v.size]
		seq := binary.BigEndian.Uint32(f)
		want := frame(seq, v.size)
		switch {
		case string(f[seqSize:]) != string(want[seqSize:]):
			v.corrupt++
		case seq != v.next:
			v.outOfOrder++
		}
		v.next = seq + 1
		v.frames++
		v.pending = v.pending[v.size:]
		n++
	}
	return n
}

// soakChannel loops frames through one channel until ctx is done,
// reconnecting when the connection drops.
func soakChannel(ctx context.Context, channel string, opts soakOptions) ChannelReport {
	opts = opts.withDefaults()
	rep := ChannelReport{Channel: channel}
	log := opts.Logger.With().Str("channel", channel).Logger()
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}

	command := opts.Command
	for ctx.Err() == nil {
		conn, err := serialmux.Dial(ctx, channel, opts.BasePort, command)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			rep.LastError = err.Error()
			d := b.Duration()
			log.Warn().Err(err).Dur("retry_in", d).Msg("connect failed")
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
			continue
		}
		// Settings persist on the channel; send them once.
		command = ""
		b.Reset()

		err = runSession(ctx, conn, opts, &rep)
		conn.Close()
		if ctx.Err() != nil {
			break
		}
		rep.Reconnects++
		if err != nil {
			rep.LastError = err.Error()
			log.Warn().Err(err).Msg("connection lost")
		}
	}
	return rep
}

func runSession(ctx context.Context, conn net.Conn, opts soakOptions, rep *ChannelReport) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	credits := make(chan struct{}, opts.Window)
	for i := 0; i < opts.Window; i++ {
		credits <- struct{}{}
	}

	var (
		wg       sync.WaitGroup
		writeErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		var seq uint32
		for {
			select {
			case <-sctx.Done():
				return
			case <-credits:
			}
			if _, err := conn.Write(frame(seq, opts.FrameSize)); err != nil {
				writeErr = err
				return
			}
			rep.Sent += uint64(opts.FrameSize)
			seq++
			if opts.Interval > 0 {
				select {
				case <-sctx.Done():
					return
				case <-time.After(opts.Interval):
				}
			}
		}
	}()

	v := &verifier{size: opts.FrameSize}
	buf := make([]byte, 4096)
	var readErr error
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			rep.Received += uint64(n)
			for i := v.Feed(buf[:n]); i > 0; i-- {
				select {
				case credits <- struct{}{}:
				default:
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				readErr = err
			}
			break
		}
	}
	cancel()
	wg.Wait()

	rep.Frames += v.frames
	rep.OutOfOrder += v.outOfOrder
	rep.Corrupt += v.corrupt
	if ctx.Err() != nil {
		return nil
	}
	return errors.Join(readErr, writeErr)
}
