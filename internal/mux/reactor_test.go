//go:build linux

package mux

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valentic/serialmux/internal/hw"
	"github.com/valentic/serialmux/internal/hw/sim"
	"github.com/valentic/serialmux/internal/linemode"
	"github.com/valentic/serialmux/internal/model"
)

func TestStartOpensOneListenerPerChannel(t *testing.T) {
	h := newHarness(t, sim.Config{Channels: 3}, nil)

	assert.Equal(t, 3, h.r.Registry().Len())
	for i := 0; i < 3; i++ {
		l := h.net.listener(testBasePort + i)
		require.NotNil(t, l)
		assert.False(t, l.isClosed())
		assert.Equal(t, StateIdle, h.session(i).State())
	}
	assert.Equal(t, 3, h.r.Stats().Channels)
}

func TestStartWithoutChannels(t *testing.T) {
	r, err := New(DefaultConfig(), Options{
		Port:    sim.New(sim.Config{Channels: 0}),
		Network: newFakeNet(),
		Poller:  &fakePoller{net: newFakeNet()},
	})
	require.NoError(t, err)
	assert.ErrorIs(t, r.Start(), model.ErrNoChannels)
}

func TestEchoThroughLoopback(t *testing.T) {
	h := newHarness(t, sim.Config{Channels: 2, Loopback: true}, nil)
	c := h.connect(0)

	c.send("HELLO")
	h.tick(1)
	assert.Empty(t, c.unread(), "client bytes consumed")
	assert.Equal(t, 5, h.port.Queued(0), "written to transmit memory")
	assert.Empty(t, c.received())

	// The line echoes on the next hardware poll and delivery happens in
	// that same tick.
	h.tick(1)
	assert.Equal(t, "HELLO", c.received())
	h.tick(1)
	assert.Equal(t, "HELLO", c.received())
	stats := h.r.Stats()
	assert.Equal(t, uint64(5), stats.TxBytes)
	assert.Equal(t, uint64(5), stats.RxBytes)
	assert.NotZero(t, stats.Wakeups)

	mode, baud, open := h.port.Settings(0)
	assert.Equal(t, "8n1", mode)
	assert.Equal(t, 115200, baud)
	assert.True(t, open)

	_, _, open = h.port.Settings(1)
	assert.False(t, open, "idle channel stays closed")
}

func TestAtMostOneClientPerChannel(t *testing.T) {
	h := newHarness(t, sim.Config{Channels: 1}, nil)
	first := h.connect(0)

	second := h.net.dial(t, testBasePort)
	h.tick(3)
	accepted, _, _ := second.state()
	assert.False(t, accepted, "second client waits in the backlog")
	assert.Equal(t, 1, h.net.listener(testBasePort).queued())

	first.hangup()
	h.tick(2)

	accepted, _, _ = second.state()
	assert.True(t, accepted)
	_, closed, aborted := first.state()
	assert.True(t, closed)
	assert.False(t, aborted)
	assert.Contains(t, h.poll.forgotten, first.Fd())

	assert.Len(t, h.log.kinds(EventConnected), 2)
	disc := h.log.kinds(EventDisconnected)
	require.Len(t, disc, 1)
	assert.Equal(t, ReasonPeerClosed, disc[0].Reason)
}

func TestCommandAppliesAfterDisconnect(t *testing.T) {
	h := newHarness(t, sim.Config{Channels: 1}, nil)
	c := h.connect(0)

	c.sendUrgent("9600@7e1")
	h.tick(2)

	assert.Empty(t, h.port.Transmitted(0), "command text is not payload")
	assert.Zero(t, h.port.Queued(0))
	assert.Equal(t, linemode.Default(), h.session(0).Settings, "settings only change after disconnect")

	c.hangup()
	h.tick(1)

	s := h.session(0)
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, linemode.Settings{Baud: 9600, Mode: "7e1", LowWatermark: 1}, s.Settings)

	applied := h.log.kinds(EventCommandApplied)
	require.Len(t, applied, 1)
	assert.Equal(t, "9600@7e1", applied[0].Command)

	h.connect(0)
	mode, baud, open := h.port.Settings(0)
	assert.Equal(t, "7e1", mode)
	assert.Equal(t, 9600, baud)
	assert.True(t, open)
}

func TestCommandWithLowWatermark(t *testing.T) {
	h := newHarness(t, sim.Config{Channels: 1}, nil)
	c := h.connect(0)

	c.sendUrgent("57600,rlw=32")
	c.hangup()
	h.tick(2)

	assert.Equal(t, linemode.Settings{Baud: 57600, Mode: "8n1", LowWatermark: 32}, h.session(0).Settings)
}

func TestInvalidCommandIsIgnored(t *testing.T) {
	h := newHarness(t, sim.Config{Channels: 1}, nil)
	c := h.connect(0)

	c.sendUrgent("bogus")
	c.hangup()
	h.tick(2)

	assert.Equal(t, linemode.Default(), h.session(0).Settings)
	assert.Empty(t, h.log.kinds(EventCommandApplied))
}

func TestCommandTextIsCapped(t *testing.T) {
	h := newHarness(t, sim.Config{Channels: 1}, nil)
	c := h.connect(0)

	c.sendUrgent("9600" + strings.Repeat(" ", 60))
	h.tick(1)
	assert.Len(t, h.session(0).command, linemode.MaxCommandLen)

	c.hangup()
	h.tick(1)
	assert.Equal(t, 9600, h.session(0).Settings.Baud)
}

func TestTransmitBackpressure(t *testing.T) {
	h := newHarness(t, sim.Config{Channels: 1, TXCapacity: 4, TXRate: 2}, nil)
	c := h.connect(0)

	payload := strings.Repeat("0123456789", 10)
	c.send(payload)
	h.tick(1)
	assert.Equal(t, 96, h.session(0).tx.Len())

	c.send("XYZ")
	h.tick(1)
	assert.Equal(t, "XYZ", c.unread(), "client is not read while transmit data is pending")

	var sent []byte
	for i := 0; i < 500 && len(sent) < len(payload)+3; i++ {
		h.tick(1)
		sent = append(sent, h.port.Transmitted(0)...)
	}
	assert.Equal(t, payload+"XYZ", string(sent))
	assert.Equal(t, uint64(len(payload)+3), h.r.Stats().TxBytes)
}

func TestReceiveBackpressure(t *testing.T) {
	h := newHarness(t, sim.Config{Channels: 1}, nil)
	c := h.connect(0)
	c.setLimit(3)

	h.port.Inject(0, []byte("abcdefghij"))
	h.tick(1)

	assert.Equal(t, "abc", c.received())
	s := h.session(0)
	assert.Equal(t, 7, s.rx.Len())
	assert.True(t, s.overflowed)
	assert.True(t, h.port.Suppressed(0))

	h.tick(1)
	assert.Equal(t, "abc", c.received())

	c.setLimit(-1)
	h.tick(1)
	assert.Equal(t, "abcdefghij", c.received())
	assert.True(t, s.rx.Empty())
	assert.False(t, s.overflowed)
	assert.False(t, h.port.Suppressed(0), "receive signalling re-armed after the backlog drained")

	h.port.Inject(0, []byte("kl"))
	h.tick(1)
	assert.Equal(t, "abcdefghijkl", c.received())
}

func TestOverflowTimeout(t *testing.T) {
	h := newHarness(t, sim.Config{Channels: 1}, nil)
	c := h.connect(0)
	c.setLimit(0)

	h.port.Inject(0, []byte("stuck"))
	h.tick(1)
	require.Equal(t, 5, h.session(0).rx.Len())

	h.clock.Advance(10 * time.Second)
	h.tick(1)
	assert.Equal(t, StateActive, h.session(0).State())

	h.clock.Advance(25 * time.Second)
	h.tick(1)
	assert.Equal(t, StateIdle, h.session(0).State())

	disc := h.log.kinds(EventDisconnected)
	require.Len(t, disc, 1)
	assert.Equal(t, ReasonOverflowTimeout, disc[0].Reason)
	_, closed, _ := c.state()
	assert.True(t, closed)
}

func TestOverflowTimeoutDisabled(t *testing.T) {
	h := newHarness(t, sim.Config{Channels: 1}, func(c *Config) { c.OverflowTimeout = 0 })
	c := h.connect(0)
	c.setLimit(0)

	h.port.Inject(0, []byte("stuck"))
	h.tick(1)
	h.clock.Advance(time.Hour)
	h.tick(1)
	assert.Equal(t, StateActive, h.session(0).State())
}

func TestDrainWaitsForTransmitMemory(t *testing.T) {
	h := newHarness(t, sim.Config{Channels: 1}, nil)
	c := h.connect(0)
	// Each drain attempt consumes one busy close; the first tick makes two.
	h.port.HoldClose(0, 4)

	c.hangup()
	h.tick(1)
	assert.Equal(t, StateDraining, h.session(0).State())

	next := h.net.dial(t, testBasePort)
	h.tick(2)
	assert.Equal(t, StateDraining, h.session(0).State())
	accepted, _, _ := next.state()
	assert.False(t, accepted, "no accept while draining")

	h.tick(1)
	assert.Equal(t, StateIdle, h.session(0).State())
	h.tick(1)
	accepted, _, _ = next.state()
	assert.True(t, accepted)
}

func TestDrainTimeout(t *testing.T) {
	h := newHarness(t, sim.Config{Channels: 1}, nil)
	c := h.connect(0)
	h.port.HoldClose(0, 1000)

	c.hangup()
	h.tick(1)
	assert.Equal(t, StateDraining, h.session(0).State())

	h.clock.Advance(DefaultDrainTimeout + time.Second)
	h.tick(1)
	assert.Equal(t, StateIdle, h.session(0).State())
}

func TestAutoTerminate(t *testing.T) {
	t.Run("last client leaves", func(t *testing.T) {
		h := newHarness(t, sim.Config{Channels: 1}, func(c *Config) { c.AutoTerminate = true })
		c := h.connect(0)
		c.hangup()
		assert.True(t, h.tick(1))
		assert.True(t, h.net.listener(testBasePort).isClosed())
		assert.Equal(t, 2, h.port.Resets())
	})

	t.Run("a command keeps it running", func(t *testing.T) {
		h := newHarness(t, sim.Config{Channels: 1}, func(c *Config) { c.AutoTerminate = true })
		c := h.connect(0)
		c.sendUrgent("9600")
		c.hangup()
		assert.False(t, h.tick(2))
	})

	t.Run("waits for every channel", func(t *testing.T) {
		h := newHarness(t, sim.Config{Channels: 2}, func(c *Config) { c.AutoTerminate = true })
		a := h.connect(0)
		b := h.connect(1)
		a.hangup()
		assert.False(t, h.tick(1))
		b.hangup()
		assert.True(t, h.tick(1))
	})
}

func TestTerminate(t *testing.T) {
	h := newHarness(t, sim.Config{Channels: 2}, nil)
	c := h.connect(1)

	h.r.Terminate()
	assert.True(t, h.tick(1))

	_, closed, _ := c.state()
	assert.True(t, closed)
	assert.True(t, h.net.listener(testBasePort).isClosed())
	assert.True(t, h.net.listener(testBasePort+1).isClosed())
	assert.Equal(t, 2, h.port.Resets())

	disc := h.log.kinds(EventDisconnected)
	require.Len(t, disc, 1)
	assert.Equal(t, ReasonTerminated, disc[0].Reason)

	assert.True(t, h.tick(1), "stays stopped")
}

func TestRescan(t *testing.T) {
	h := newHarness(t, sim.Config{Channels: 3}, nil)
	keep := h.connect(0)
	gone := h.connect(2)

	h.port.SetChannels(1)
	require.NoError(t, h.r.Rescan())
	assert.False(t, h.tick(1))

	assert.Equal(t, 1, h.r.Registry().Len())
	assert.Equal(t, 1, h.r.Stats().Channels)
	_, closed, aborted := gone.state()
	assert.True(t, closed)
	assert.True(t, aborted, "removed channel resets its client")
	assert.True(t, h.net.listener(testBasePort+1).isClosed())
	assert.True(t, h.net.listener(testBasePort+2).isClosed())

	_, closed, _ = keep.state()
	assert.False(t, closed)
	assert.Equal(t, StateActive, h.session(0).State())
	_, _, open := h.port.Settings(0)
	assert.True(t, open, "active channel reopened after reset")

	h.net.busy[testBasePort+2] = true
	h.port.SetChannels(3)
	require.NoError(t, h.r.Rescan())
	assert.False(t, h.tick(1))
	assert.Equal(t, 3, h.r.Registry().Len())
	assert.False(t, h.net.listener(testBasePort+1).isClosed())
	assert.Nil(t, h.session(2).listener, "bind failure leaves the channel without a listener")

	h.net.busy[testBasePort+2] = false
	require.NoError(t, h.r.Rescan())
	assert.False(t, h.tick(1))
	assert.NotNil(t, h.session(2).listener, "listener retried on the next rescan")

	rescans := h.log.kinds(EventRescan)
	require.Len(t, rescans, 3)
	assert.Equal(t, 1, rescans[0].Channels)
	assert.Equal(t, 3, rescans[1].Channels)

	h.port.SetChannels(0)
	require.NoError(t, h.r.Rescan())
	assert.True(t, h.tick(1), "no channels left")
}

func TestRescanFinishesDrains(t *testing.T) {
	h := newHarness(t, sim.Config{Channels: 1}, nil)
	c := h.connect(0)
	h.port.HoldClose(0, 1000)
	c.sendUrgent("4800")
	c.hangup()
	h.tick(2)
	require.Equal(t, StateDraining, h.session(0).State())

	require.NoError(t, h.r.Rescan())
	h.tick(1)
	assert.Equal(t, StateIdle, h.session(0).State())
	assert.Equal(t, 4800, h.session(0).Settings.Baud)
}

func TestRawModeWords(t *testing.T) {
	h := newHarness(t, sim.Config{Channels: 1}, func(c *Config) { c.Defaults = rawSettings() })
	c := h.connect(0)

	c.send("ABC")
	h.tick(2)
	c.send("D")
	h.tick(2)

	var sent []byte
	sent = append(sent, h.port.Transmitted(0)...)
	h.tick(1)
	sent = append(sent, h.port.Transmitted(0)...)
	assert.Equal(t, "ABCD", string(sent))
	assert.Equal(t, uint64(4), h.r.Stats().TxBytes)

	h.port.Inject(0, []byte("xyz"))
	h.tick(1)
	assert.Equal(t, "xy", c.received(), "raw receive moves whole words only")
}

func TestRawModeRoundTripLengths(t *testing.T) {
	for _, tc := range []struct {
		n, want int
	}{
		{1, 0},
		{2, 2},
		{3, 2},
		{4097, 4096},
	} {
		t.Run(strconv.Itoa(tc.n), func(t *testing.T) {
			h := newHarness(t, sim.Config{Channels: 1, Loopback: true}, func(c *Config) { c.Defaults = rawSettings() })
			c := h.connect(0)

			payload := make([]byte, tc.n)
			for i := range payload {
				payload[i] = byte(i % 251)
			}
			c.send(string(payload))
			h.tick(50)

			assert.Empty(t, c.unread())
			got := c.received()
			require.Len(t, got, tc.want)
			assert.Equal(t, string(payload[:tc.want]), got)
			assert.Equal(t, uint64(tc.want), h.r.Stats().RxBytes)

			s := h.session(0)
			assert.Equal(t, tc.n%2 == 1, s.words.held, "only an odd trailing byte is held")
			if s.words.held {
				assert.Equal(t, payload[tc.n-1], s.words.odd)
			}
			assert.Zero(t, h.port.Queued(0))
			assert.Zero(t, h.port.Buffered(0))
		})
	}
}

func TestLineEventsAndCapture(t *testing.T) {
	h := newHarness(t, sim.Config{Channels: 1, Loopback: true}, func(c *Config) { c.CaptureData = true })
	c := h.connect(0)

	c.send("hi")
	h.tick(3)
	h.port.InjectBreak(0)

	data := h.log.kinds(EventData)
	require.Len(t, data, 2)
	assert.Equal(t, DirectionToHardware, data[0].Direction)
	assert.Equal(t, "hi", string(data[0].Data))
	assert.Equal(t, DirectionToClient, data[1].Direction)
	assert.Equal(t, "hi", string(data[1].Data))

	breaks := h.log.kinds(EventBreak)
	require.Len(t, breaks, 1)
	assert.Equal(t, 0, breaks[0].Channel)
}

func TestWaitTimeout(t *testing.T) {
	h := newHarness(t, sim.Config{Channels: 1}, nil)
	h.tick(1)
	assert.Equal(t, DefaultPollInterval, h.poll.timeouts[0], "polled hardware waits one interval")
}

func TestControlWhileRunning(t *testing.T) {
	h := newHarness(t, sim.Config{Channels: 2, Loopback: true}, nil)
	h.poll.sleep = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.r.Run(ctx) }()

	c := h.net.dial(t, testBasePort)
	c.send("ping")
	require.Eventually(t, func() bool { return c.received() == "ping" }, 2*time.Second, time.Millisecond)

	qctx, qcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer qcancel()

	infos, err := h.r.Channels(qctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "active", infos[0].State)
	assert.Equal(t, uint64(4), infos[0].TxBytes)
	assert.Equal(t, uint64(4), infos[0].RxBytes)
	assert.NotEmpty(t, infos[0].ConnectionID)
	assert.Equal(t, "idle", infos[1].State)
	assert.Equal(t, testBasePort+1, infos[1].Port)

	one, err := h.r.Channel(qctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, one.Index)
	_, err = h.r.Channel(qctx, 5)
	assert.ErrorIs(t, err, model.ErrChannelNotFound)

	hist, err := h.r.History(qctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(hist))
	_, err = h.r.History(qctx, 9)
	assert.ErrorIs(t, err, model.ErrChannelNotFound)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reactor did not stop")
	}
	<-h.r.Done()

	_, err = h.r.Channels(qctx)
	assert.ErrorIs(t, err, model.ErrReactorStopped)
	_, closed, _ := c.state()
	assert.True(t, closed)
}

func TestSendBreak(t *testing.T) {
	h := newHarness(t, sim.Config{Channels: 2, Loopback: true}, nil)
	h.connect(0)

	for _, tc := range []struct {
		name    string
		channel int
		want    error
	}{
		{"active", 0, nil},
		{"idle", 1, model.ErrChannelNotOpen},
		{"missing", 9, model.ErrChannelNotFound},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := h.query(func(ctx context.Context) error {
				return h.r.SendBreak(ctx, tc.channel, 250*time.Millisecond)
			})
			if tc.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}

	assert.Equal(t, 1, h.port.Breaks(0))
	assert.Zero(t, h.port.Breaks(1))
	breaks := h.log.kinds(EventBreak)
	require.Len(t, breaks, 1, "loopback reports the break back")
	assert.Equal(t, 0, breaks[0].Channel)
}

// basicPort hides the optional hardware interfaces of the port it wraps.
type basicPort struct{ hw.Port }

func TestSendBreakUnsupported(t *testing.T) {
	h := newHarness(t, sim.Config{Channels: 1}, nil)
	h.connect(0)
	h.r.port = basicPort{h.port}

	err := h.query(func(ctx context.Context) error {
		return h.r.SendBreak(ctx, 0, time.Second)
	})
	assert.ErrorIs(t, err, model.ErrNotSupported)
	assert.Zero(t, h.port.Breaks(0))
}

func TestChannelsReportOverruns(t *testing.T) {
	h := newHarness(t, sim.Config{Channels: 2, RXCapacity: 16}, nil)
	assert.Equal(t, 16, h.port.Inject(1, make([]byte, 20)))

	var infos []ChannelInfo
	require.NoError(t, h.query(func(ctx context.Context) error {
		var err error
		infos, err = h.r.Channels(ctx)
		return err
	}))
	require.Len(t, infos, 2)
	assert.Zero(t, infos[0].Overruns)
	assert.Equal(t, 4, infos[1].Overruns)

	h.r.port = basicPort{h.port}
	require.NoError(t, h.query(func(ctx context.Context) error {
		var err error
		infos, err = h.r.Channels(ctx)
		return err
	}))
	assert.Zero(t, infos[1].Overruns, "no counter without hardware support")
}
