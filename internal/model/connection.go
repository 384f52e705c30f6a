package model

import (
	"time"
)

// ConnectionStatus represents the lifecycle state of a channel connection.
type ConnectionStatus string

const (
	ConnectionStatusOpen      ConnectionStatus = "open"
	ConnectionStatusClosed    ConnectionStatus = "closed"
	ConnectionStatusReset     ConnectionStatus = "reset"
	ConnectionStatusAbandoned ConnectionStatus = "abandoned"
)

// Connection is the persisted record of one client attached to one channel.
type Connection struct {
	ID         string           `json:"id"`
	Channel    int              `json:"channel"`
	RemoteAddr string           `json:"remoteAddr"`
	Mode       string           `json:"mode"`
	Baud       int              `json:"baud"`
	Status     ConnectionStatus `json:"status"`
	TxBytes    uint64           `json:"txBytes"`
	RxBytes    uint64           `json:"rxBytes"`
	Reason     string           `json:"reason,omitempty"`
	Command    string           `json:"command,omitempty"`
	OpenedAt   time.Time        `json:"openedAt"`
	ClosedAt   *time.Time       `json:"closedAt,omitempty"`
}

// Duration returns how long the connection was (or has been) attached.
func (c *Connection) Duration() time.Duration {
	if c.ClosedAt != nil {
		return c.ClosedAt.Sub(c.OpenedAt)
	}
	return time.Since(c.OpenedAt)
}

// ConnectionFilter narrows a connection history query.
type ConnectionFilter struct {
	Channel *int
	Status  ConnectionStatus
	Limit   int
}
