// Package capture records channel traffic in asciinema v2 format: one cast
// file per connection, client input as "i" events and channel output as
// "o" events.
package capture

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Default terminal geometry written into headers.
const (
	DefaultWidth  = 80
	DefaultHeight = 24
)

// Header is the first line of an asciinema v2 recording.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is one recorded chunk.
// Format: [time_offset, event_type, data]
type Event struct {
	TimeOffset float64
	EventType  string // "o" for output, "i" for input
	Data       string
}

// MarshalJSON implements custom JSON marshaling for Event.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.TimeOffset, e.EventType, e.Data})
}

// UnmarshalJSON implements custom JSON unmarshaling for Event.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []interface{}
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event format: expected 3 elements, got %d", len(arr))
	}

	timeOffset, ok := arr[0].(float64)
	if !ok {
		return fmt.Errorf("invalid time offset type")
	}
	e.TimeOffset = timeOffset

	eventType, ok := arr[1].(string)
	if !ok {
		return fmt.Errorf("invalid event type")
	}
	e.EventType = eventType

	eventData, ok := arr[2].(string)
	if !ok {
		return fmt.Errorf("invalid event data type")
	}
	e.Data = eventData

	return nil
}

// Recorder writes one recording. Event times are offsets from the start
// time, taken from the caller so that recorded timing follows the reactor
// rather than the writer.
type Recorder struct {
	writer    io.Writer
	file      *os.File // only set if we own the file
	startTime time.Time
	bytes     int64
	mu        sync.Mutex
}

// NewRecorder creates a recording at filePath.
func NewRecorder(filePath string, start time.Time) (*Recorder, error) {
	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file: %w", err)
	}

	return &Recorder{
		writer:    file,
		file:      file,
		startTime: start,
	}, nil
}

// NewRecorderWithWriter creates a Recorder that writes to w.
func NewRecorderWithWriter(w io.Writer, start time.Time) *Recorder {
	return &Recorder{
		writer:    w,
		startTime: start,
	}
}

// WriteHeader writes the header line. Call it once, first.
func (r *Recorder) WriteHeader(title string, env map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	header := Header{
		Version:   2,
		Width:     DefaultWidth,
		Height:    DefaultHeight,
		Timestamp: r.startTime.Unix(),
		Title:     title,
		Env:       env,
	}

	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	if _, err := r.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	return nil
}

// WriteOutput records bytes sent from the channel to the client.
func (r *Recorder) WriteOutput(at time.Time, data []byte) error {
	return r.writeEvent(at, "o", data)
}

// WriteInput records bytes sent from the client to the channel.
func (r *Recorder) WriteInput(at time.Time, data []byte) error {
	return r.writeEvent(at, "i", data)
}

func (r *Recorder) writeEvent(at time.Time, eventType string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	offset := at.Sub(r.startTime).Seconds()
	if offset < 0 {
		offset = 0
	}

	event := Event{
		TimeOffset: offset,
		EventType:  eventType,
		Data:       string(data),
	}

	eventData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := r.writer.Write(append(eventData, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	r.bytes += int64(len(data))

	return nil
}

// Bytes returns the payload bytes recorded so far.
func (r *Recorder) Bytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}

// Close closes the capture file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// StartTime returns the start time of the recording.
func (r *Recorder) StartTime() time.Time {
	return r.startTime
}
