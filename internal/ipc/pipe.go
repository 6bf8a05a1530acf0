package ipc

import (
	"context"
	"sync"
)

// Pipe is an in-process Channel. The worker uses it through the Channel
// interface; the supervisor side uses Submit and Events.
type Pipe struct {
	requests chan Request
	events   chan Event
	closed   chan struct{}
	once     sync.Once
	mu       sync.RWMutex
}

var _ Channel = (*Pipe)(nil)

// NewPipe creates a Pipe with the given buffer size in each direction.
func NewPipe(buffer int) *Pipe {
	return &Pipe{
		requests: make(chan Request, buffer),
		events:   make(chan Event, buffer),
		closed:   make(chan struct{}),
	}
}

// Requests implements Channel.
func (p *Pipe) Requests() <-chan Request { return p.requests }

// Send implements Channel. It blocks while the event buffer is full.
func (p *Pipe) Send(ev Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	select {
	case p.events <- ev:
		return nil
	case <-p.closed:
		return ErrClosed
	}
}

// Connected implements Channel.
func (p *Pipe) Connected() bool {
	select {
	case <-p.closed:
		return false
	default:
		return true
	}
}

// Close implements Channel. Both directions are closed; pending events
// remain readable from Events.
func (p *Pipe) Close() error {
	p.once.Do(func() {
		close(p.closed)
		p.mu.Lock()
		close(p.requests)
		close(p.events)
		p.mu.Unlock()
	})
	return nil
}

// Submit queues a command for the worker.
func (p *Pipe) Submit(ctx context.Context, req Request) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	select {
	case p.requests <- req:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events yields worker events until the pipe is closed.
func (p *Pipe) Events() <-chan Event { return p.events }
