package worker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Scheduled task names.
const (
	TaskDedupSweep = "dedup-sweep"
	TaskLogSummary = "log-summary"
	TaskHeartbeat  = "heartbeat"
)

// HeartbeatData is the data of a heartbeat event.
type HeartbeatData struct {
	BotID   string  `json:"botId"`
	Running bool    `json:"running"`
	Metrics Metrics `json:"metrics"`
}

func (w *Worker) registerTasks() error {
	if err := w.sched.Every(TaskDedupSweep, w.opts.SweepInterval, w.sweepDedup); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	if err := w.sched.Every(TaskLogSummary, w.opts.SummaryInterval, w.summarizeLogs); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	if err := w.sched.Every(TaskHeartbeat, w.opts.HeartbeatInterval, w.heartbeat); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	return nil
}

func (w *Worker) sweepDedup(_ context.Context) {
	if n := w.dedup.Sweep(); n > 0 {
		w.log.Base().Debug().Int("removed", n).Int("remaining", w.dedup.Len()).Msg("dedup sweep")
	}
}

// summarizeLogs flushes the throttle counters and forwards the summary to
// the supervisor.
func (w *Worker) summarizeLogs(_ context.Context) {
	dropped := w.log.Flush()
	if len(dropped) == 0 {
		return
	}
	fields := make(map[string]any, len(dropped))
	for k, n := range dropped {
		fields[k] = n
	}
	if w.ch.Connected() {
		w.emitLog(zerolog.WarnLevel, "throttled log summary", fields)
	}
}

// heartbeat tells the supervisor the worker is alive. Nothing is sent once
// the channel is gone.
func (w *Worker) heartbeat(_ context.Context) {
	if !w.ch.Connected() {
		return
	}
	st := w.Snapshot()
	w.emit(EventHeartbeat, HeartbeatData{BotID: st.BotID, Running: st.Running, Metrics: st.Metrics})
}

// RunTask runs a scheduled task immediately. It reports false for an
// unknown name.
func (w *Worker) RunTask(name string) bool {
	return w.sched.RunNow(name)
}
