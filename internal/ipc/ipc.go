// Package ipc carries commands from a supervisor to a worker and events
// back. Channel liveness is explicit: after the far end goes away Connected
// reports false and Send returns ErrClosed instead of failing loudly.
package ipc

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("ipc: channel closed")

// Request is a supervisor command envelope.
type Request struct {
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Event is a worker event envelope.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	ProcessID int       `json:"processId"`
}

// NewRequest builds a Request with data encoded as JSON.
func NewRequest(command string, data any) (Request, error) {
	if data == nil {
		return Request{Command: command}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Request{}, err
	}
	return Request{Command: command, Data: raw}, nil
}

// Channel is the worker's side of the supervisor link.
type Channel interface {
	// Requests yields commands in arrival order. It is closed when the
	// supervisor side goes away.
	Requests() <-chan Request
	Send(ev Event) error
	Connected() bool
	Close() error
}
