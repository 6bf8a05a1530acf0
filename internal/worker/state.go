package worker

import (
	"sync/atomic"
	"time"

	"github.com/zulandar/botyard/internal/models"
)

// WorkerState is the worker's view of itself. The supervisor only ever sees
// copies of it through status and metrics events.
type WorkerState struct {
	BotID     string           `json:"botId"`
	ProcessID int              `json:"processId"`
	Running   bool             `json:"running"`
	Mode      string           `json:"mode,omitempty"`
	Bot       models.BotConfig `json:"bot"`
	Assistant models.Assistant `json:"assistant"`
	StartedAt time.Time        `json:"startedAt,omitempty"`
	Metrics   Metrics          `json:"metrics"`
}

// Metrics are the worker's running counters.
type Metrics struct {
	MessagesProcessed int64 `json:"messagesProcessed"`
	Errors            int64 `json:"errors"`
	Restarts          int64 `json:"restarts"`
	DuplicatesDropped int64 `json:"duplicatesDropped"`
	HandoffsRequested int64 `json:"handoffsRequested"`
	UptimeSeconds     int64 `json:"uptimeSeconds"`
}

// counters are updated from concurrent message goroutines.
type counters struct {
	messages   atomic.Int64
	errors     atomic.Int64
	restarts   atomic.Int64
	duplicates atomic.Int64
	handoffs   atomic.Int64
}

func (c *counters) snapshot(startedAt, now time.Time) Metrics {
	m := Metrics{
		MessagesProcessed: c.messages.Load(),
		Errors:            c.errors.Load(),
		Restarts:          c.restarts.Load(),
		DuplicatesDropped: c.duplicates.Load(),
		HandoffsRequested: c.handoffs.Load(),
	}
	if !startedAt.IsZero() {
		m.UptimeSeconds = int64(now.Sub(startedAt) / time.Second)
	}
	return m
}

// redacted returns the bot config with its token masked.
func redacted(b models.BotConfig) models.BotConfig {
	if b.Token != "" {
		b.Token = "***"
	}
	return b
}
