package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/zulandar/botyard/internal/ipc"
	"github.com/zulandar/botyard/internal/worker"
)

// subscriberBuffer is the per-client event backlog. Events beyond it are
// dropped for that client only.
const subscriberBuffer = 32

// sseHeartbeat is the keep-alive interval of an event stream.
const sseHeartbeat = 15 * time.Second

// Hub fans worker events out to event-stream clients and remembers the last
// event of each type.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan ipc.Event]struct{}
	last   map[string]ipc.Event
	closed bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[chan ipc.Event]struct{}),
		last: make(map[string]ipc.Event),
	}
}

// Run publishes every event from events until the channel closes or ctx is
// done, then closes the hub.
func (h *Hub) Run(ctx context.Context, events <-chan ipc.Event, log zerolog.Logger) {
	defer h.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			log.Debug().Str("event", ev.Type).Msg("worker event")
			if ev.Type == worker.EventError || ev.Type == worker.EventHotReloadFailed {
				log.Warn().Str("event", ev.Type).Interface("data", ev.Data).Msg("worker reported failure")
			}
			h.Publish(ev)
		}
	}
}

// Publish delivers ev to every subscriber without blocking.
func (h *Hub) Publish(ev ipc.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.last[ev.Type] = ev
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a client. The returned cancel func must be called
// when the client goes away. The channel is closed when the hub closes.
func (h *Hub) Subscribe() (<-chan ipc.Event, func()) {
	ch := make(chan ipc.Event, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// Last returns the most recent event of the given type.
func (h *Hub) Last(typ string) (ipc.Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ev, ok := h.last[typ]
	return ev, ok
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// handleSSE streams worker events to the client until it disconnects or the
// hub closes.
func handleSSE(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		events, cancel := hub.Subscribe()
		defer cancel()

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		ctx := c.Request.Context()
		heartbeat := time.NewTicker(sseHeartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "ping", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case ev, ok := <-events:
				if !ok {
					return
				}
				writeSSE(c.Writer, ev.Type, ev)
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
