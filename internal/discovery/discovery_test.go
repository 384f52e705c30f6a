//go:build linux

package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/valentic/serialmux/internal/linemode"
	"github.com/valentic/serialmux/internal/mux"
)

type mockRegistrar struct{ mock.Mock }

func (m *mockRegistrar) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface, ttl uint32) (Server, error) {
	args := m.Called(instance, service, domain, port, txt, ifaces, ttl)
	s, _ := args.Get(0).(Server)
	return s, args.Error(1)
}

type mockServer struct{ mock.Mock }

func (m *mockServer) Shutdown() { m.Called() }

func channel(i int, baud int) mux.ChannelInfo {
	s := linemode.Default()
	s.Baud = baud
	return mux.ChannelInfo{Index: i, Port: 7350 + i, Settings: s}
}

func TestSyncRegistersAndWithdraws(t *testing.T) {
	reg := &mockRegistrar{}
	s0, s1 := &mockServer{}, &mockServer{}
	var noIfaces []net.Interface

	reg.On("Register", "bench ch00", ServiceType, Domain, 7350,
		[]string{"channel=0", "baud=115200", "mode=8n1", "site=lab"}, noIfaces, uint32(60)).Return(s0, nil).Once()
	reg.On("Register", "bench ch01", ServiceType, Domain, 7351,
		[]string{"channel=1", "baud=115200", "mode=8n1", "site=lab"}, noIfaces, uint32(60)).Return(s1, nil).Once()

	a := NewAdvertiser(Config{Instance: "bench", TTL: 60, TXT: []string{"site=lab"}}, reg, zerolog.Nop())
	require.NoError(t, a.Sync([]mux.ChannelInfo{channel(0, 115200), channel(1, 115200)}))
	assert.Equal(t, []int{0, 1}, a.Advertised())

	// Unchanged channels are left alone.
	require.NoError(t, a.Sync([]mux.ChannelInfo{channel(0, 115200), channel(1, 115200)}))

	// Shrinking withdraws channel 1.
	s1.On("Shutdown").Once()
	require.NoError(t, a.Sync([]mux.ChannelInfo{channel(0, 115200)}))
	assert.Equal(t, []int{0}, a.Advertised())

	s0.On("Shutdown").Once()
	a.Close()
	assert.Empty(t, a.Advertised())

	reg.AssertExpectations(t)
	s0.AssertExpectations(t)
	s1.AssertExpectations(t)
}

func TestSyncReregistersChangedSettings(t *testing.T) {
	reg := &mockRegistrar{}
	first, second := &mockServer{}, &mockServer{}

	reg.On("Register", "bench ch00", ServiceType, Domain, 7350, []string{"channel=0", "baud=115200", "mode=8n1"}, mock.Anything, uint32(0)).Return(first, nil).Once()
	reg.On("Register", "bench ch00", ServiceType, Domain, 7350, []string{"channel=0", "baud=9600", "mode=8n1"}, mock.Anything, uint32(0)).Return(second, nil).Once()
	first.On("Shutdown").Once()

	a := NewAdvertiser(Config{Instance: "bench"}, reg, zerolog.Nop())
	require.NoError(t, a.Sync([]mux.ChannelInfo{channel(0, 115200)}))
	require.NoError(t, a.Sync([]mux.ChannelInfo{channel(0, 9600)}))

	reg.AssertExpectations(t)
	first.AssertExpectations(t)
}

func TestSyncReportsRegisterFailure(t *testing.T) {
	reg := &mockRegistrar{}
	reg.On("Register", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("no multicast interface"))

	a := NewAdvertiser(Config{Instance: "bench"}, reg, zerolog.Nop())
	err := a.Sync([]mux.ChannelInfo{channel(0, 115200), channel(1, 115200)})
	assert.ErrorContains(t, err, "channel 0")
	assert.Empty(t, a.Advertised())
}

type snapshots struct {
	channels chan []mux.ChannelInfo
}

func (s *snapshots) Channels(ctx context.Context) ([]mux.ChannelInfo, error) {
	select {
	case c := <-s.channels:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRunResyncsOnRescan(t *testing.T) {
	reg := &mockRegistrar{}
	servers := []*mockServer{{}, {}, {}}
	for _, s := range servers {
		s.On("Shutdown").Maybe()
	}
	reg.On("Register", "bench ch00", ServiceType, Domain, 7350, mock.Anything, mock.Anything, mock.Anything).Return(servers[0], nil).Once()
	reg.On("Register", "bench ch01", ServiceType, Domain, 7351, mock.Anything, mock.Anything, mock.Anything).Return(servers[1], nil).Once()

	src := &snapshots{channels: make(chan []mux.ChannelInfo, 2)}
	src.channels <- []mux.ChannelInfo{channel(0, 115200)}
	src.channels <- []mux.ChannelInfo{channel(0, 115200), channel(1, 115200)}

	events := make(chan mux.Event, 4)
	a := NewAdvertiser(Config{Instance: "bench"}, reg, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		a.Run(context.Background(), src, events)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(a.Advertised()) == 1 }, 2*time.Second, 5*time.Millisecond)
	events <- mux.Event{Kind: mux.EventConnected, Channel: 0}
	events <- mux.Event{Kind: mux.EventRescan, Channel: -1, Channels: 2}
	require.Eventually(t, func() bool { return len(a.Advertised()) == 2 }, 2*time.Second, 5*time.Millisecond)

	close(events)
	<-done
	assert.Empty(t, a.Advertised())
	reg.AssertExpectations(t)
}
