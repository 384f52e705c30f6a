package model

import "errors"

var (
	// ErrChannelNotFound is returned when a channel index is outside the detected range.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrProbeFailed is returned when the hardware layer cannot be probed.
	ErrProbeFailed = errors.New("hardware probe failed")

	// ErrNoChannels is returned when the hardware layer reports zero channels.
	ErrNoChannels = errors.New("no channels detected")

	// ErrServerRunning is returned when a server is already publishing status for the resource.
	ErrServerRunning = errors.New("server already running")

	// ErrInvalidMode is returned when a line mode string does not match the mode grammar.
	ErrInvalidMode = errors.New("invalid line mode")

	// ErrInvalidCommand is returned when an OOB command text has nothing interpretable in it.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrConnectionNotFound is returned when a connection record is not found.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrChannelNotOpen is returned for line operations on a channel without an active client.
	ErrChannelNotOpen = errors.New("channel not open")

	// ErrNotSupported is returned when the hardware backend cannot perform an operation.
	ErrNotSupported = errors.New("not supported by hardware")

	// ErrReactorStopped is returned by control queries after the reactor has exited.
	ErrReactorStopped = errors.New("reactor stopped")
)
