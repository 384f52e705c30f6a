//go:build linux

// Package discovery advertises every channel listener over mDNS so that
// clients on the network can find the daemon's channels by name.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
	"github.com/rs/zerolog"

	"github.com/valentic/serialmux/internal/mux"
)

const (
	// ServiceType is the DNS-SD type of a channel listener.
	ServiceType = "_serialmux._tcp"

	// Domain is the mDNS domain.
	Domain = "local."

	snapshotTimeout = 2 * time.Second
)

// Server is a running advertisement.
type Server interface {
	Shutdown()
}

// Registrar publishes one service instance.
type Registrar interface {
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface, ttl uint32) (Server, error)
}

// Zeroconf registers services with github.com/enbility/zeroconf.
type Zeroconf struct{}

// Register implements Registrar.
func (Zeroconf) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface, ttl uint32) (Server, error) {
	var opts []zeroconf.ServerOption
	if ttl > 0 {
		opts = append(opts, zeroconf.TTL(ttl))
	}
	server, err := zeroconf.Register(instance, service, domain, port, txt, ifaces, opts...)
	if err != nil {
		return nil, err
	}
	return server, nil
}

// Snapshotter supplies the channel table.
type Snapshotter interface {
	Channels(ctx context.Context) ([]mux.ChannelInfo, error)
}

// Config holds advertisement settings.
type Config struct {
	// Instance prefixes every instance name; the host name by default.
	Instance  string
	Interface string
	TTL       uint32
	TXT       []string
}

type advert struct {
	server Server
	port   int
	txt    []string
}

// Advertiser keeps one mDNS service per channel in step with the reactor.
type Advertiser struct {
	cfg Config
	reg Registrar
	log zerolog.Logger

	mu      sync.Mutex
	adverts map[int]*advert
}

// NewAdvertiser creates an advertiser. A nil registrar uses Zeroconf.
func NewAdvertiser(cfg Config, reg Registrar, log zerolog.Logger) *Advertiser {
	if cfg.Instance == "" {
		cfg.Instance, _ = os.Hostname()
		if cfg.Instance == "" {
			cfg.Instance = "serialmux"
		}
	}
	if reg == nil {
		reg = Zeroconf{}
	}
	return &Advertiser{
		cfg:     cfg,
		reg:     reg,
		log:     log.With().Str("component", "discovery").Logger(),
		adverts: make(map[int]*advert),
	}
}

// InstanceName is the advertised name of a channel.
func (a *Advertiser) InstanceName(channel int) string {
	return fmt.Sprintf("%s ch%02d", a.cfg.Instance, channel)
}

func (a *Advertiser) interfaces() []net.Interface {
	if a.cfg.Interface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(a.cfg.Interface)
	if err != nil {
		a.log.Warn().Err(err).Str("interface", a.cfg.Interface).Msg("advertising on all interfaces")
		return nil
	}
	return []net.Interface{*iface}
}

func (a *Advertiser) txtFor(info mux.ChannelInfo) []string {
	txt := []string{
		"channel=" + strconv.Itoa(info.Index),
		"baud=" + strconv.Itoa(info.Settings.Baud),
		"mode=" + info.Settings.Mode,
	}
	return append(txt, a.cfg.TXT...)
}

// Sync advertises every channel in channels and withdraws the rest. A
// channel whose port or settings changed is re-registered.
func (a *Advertiser) Sync(channels []mux.ChannelInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[int]bool, len(channels))
	var firstErr error
	for _, info := range channels {
		seen[info.Index] = true
		txt := a.txtFor(info)
		if cur, ok := a.adverts[info.Index]; ok {
			if cur.port == info.Port && slices.Equal(cur.txt, txt) {
				continue
			}
			cur.server.Shutdown()
			delete(a.adverts, info.Index)
		}

		server, err := a.reg.Register(a.InstanceName(info.Index), ServiceType, Domain, info.Port, txt, a.interfaces(), a.cfg.TTL)
		if err != nil {
			a.log.Warn().Err(err).Int("channel", info.Index).Msg("failed to advertise channel")
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to advertise channel %d: %w", info.Index, err)
			}
			continue
		}
		a.adverts[info.Index] = &advert{server: server, port: info.Port, txt: txt}
		a.log.Debug().Int("channel", info.Index).Int("port", info.Port).Msg("advertising channel")
	}

	for ch, cur := range a.adverts {
		if !seen[ch] {
			cur.server.Shutdown()
			delete(a.adverts, ch)
		}
	}
	return firstErr
}

// Advertised returns the advertised channel indices in order.
func (a *Advertiser) Advertised() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, 0, len(a.adverts))
	for ch := range a.adverts {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

// Close withdraws every advertisement.
func (a *Advertiser) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ch, cur := range a.adverts {
		cur.server.Shutdown()
		delete(a.adverts, ch)
	}
}

// Run advertises the current channels and resyncs after every rescan or
// applied command until ctx is done or events closes.
func (a *Advertiser) Run(ctx context.Context, source Snapshotter, events <-chan mux.Event) {
	defer a.Close()
	a.refresh(ctx, source)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Kind == mux.EventRescan || e.Kind == mux.EventCommandApplied {
				a.refresh(ctx, source)
			}
		}
	}
}

func (a *Advertiser) refresh(ctx context.Context, source Snapshotter) {
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()
	channels, err := source.Channels(ctx)
	if err != nil {
		a.log.Debug().Err(err).Msg("no channel snapshot")
		return
	}
	a.Sync(channels)
}
