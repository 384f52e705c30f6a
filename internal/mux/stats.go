//go:build linux

package mux

import "sync/atomic"

// Stats are the reactor counters published for monitoring.
type Stats struct {
	Channels int    `json:"channels"`
	Wakeups  uint64 `json:"wakeups"`
	TxBytes  uint64 `json:"txBytes"`
	RxBytes  uint64 `json:"rxBytes"`
}

type counters struct {
	channels atomic.Int64
	wakeups  atomic.Uint64
	tx       atomic.Uint64
	rx       atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Channels: int(c.channels.Load()),
		Wakeups:  c.wakeups.Load(),
		TxBytes:  c.tx.Load(),
		RxBytes:  c.rx.Load(),
	}
}
