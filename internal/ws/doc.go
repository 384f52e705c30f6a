// Package ws streams reactor events to browsers and tools over WebSocket.
//
// The package implements:
//   - Hub: the set of connected clients and their channel filters
//   - Handler: upgrades requests, sends the channel snapshot, runs the pumps
//   - Service: feeds events from the reactor's event bus into the hub
//
// Clients may narrow the stream with a subscribe message naming one channel
// and whether traffic data events are wanted.
package ws
