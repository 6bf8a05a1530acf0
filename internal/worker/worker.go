// Package worker runs one bot: it interprets supervisor commands, owns the
// transport session and pushes every inbound message through dedup, dialog
// lookup, the handoff coordinator and the sanitizer.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/zulandar/botyard/internal/backend"
	"github.com/zulandar/botyard/internal/dedup"
	"github.com/zulandar/botyard/internal/handoff"
	"github.com/zulandar/botyard/internal/ipc"
	"github.com/zulandar/botyard/internal/models"
	"github.com/zulandar/botyard/internal/scheduler"
	"github.com/zulandar/botyard/internal/throttle"
	"github.com/zulandar/botyard/internal/transport"
)

// Defaults applied by New.
const (
	DefaultRestartDelay      = 2 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSweepInterval     = 5 * time.Minute
	DefaultSummaryInterval   = time.Minute
	DefaultDrainTimeout      = 10 * time.Second
	DefaultMaxConcurrent     = 8
	DefaultApologyText       = "Извините, произошла ошибка. Попробуйте написать ещё раз чуть позже."
)

// Options configures a Worker.
type Options struct {
	BotID     string
	TenantID  string
	Channel   ipc.Channel
	Transport *transport.Manager
	Backend   backend.API
	Dedup     *dedup.Cache
	Logger    *throttle.Logger

	// Policy is the base handoff policy; assistants may override its lists.
	Policy      handoff.Policy
	ApologyText string

	RestartDelay      time.Duration
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	SummaryInterval   time.Duration
	DrainTimeout      time.Duration
	MaxConcurrent     int
	ProcessID         int

	// OnAssistant is called whenever the active assistant changes.
	OnAssistant func(models.Assistant)

	// Clock hooks for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type handlerFunc func(ctx context.Context, data json.RawMessage) error

// Worker is a single bot's runtime.
type Worker struct {
	opts     Options
	ch       ipc.Channel
	mgr      *transport.Manager
	backend  backend.API
	dedup    *dedup.Cache
	log      *throttle.Logger
	coord    *handoff.Coordinator
	sched    *scheduler.Scheduler
	sem      *semaphore.Weighted
	handlers map[string]handlerFunc
	counters counters

	mu    sync.RWMutex
	state WorkerState

	inflight sync.WaitGroup
	ctxMu    sync.RWMutex
	runCtx   context.Context
}

// New creates a Worker.
func New(opts Options) (*Worker, error) {
	if opts.Channel == nil {
		return nil, fmt.Errorf("worker: channel is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("worker: transport manager is required")
	}
	if opts.Backend == nil {
		return nil, fmt.Errorf("worker: backend is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("worker: logger is required")
	}
	if opts.Dedup == nil {
		opts.Dedup = dedup.New(dedup.Options{})
	}
	if opts.ApologyText == "" {
		opts.ApologyText = DefaultApologyText
	}
	if opts.RestartDelay == 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.SummaryInterval == 0 {
		opts.SummaryInterval = DefaultSummaryInterval
	}
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.ProcessID == 0 {
		opts.ProcessID = os.Getpid()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	opts.Policy = opts.Policy.WithDefaults()

	coord, err := handoff.NewCoordinator(handoff.CoordinatorOpts{
		Backend: opts.Backend,
		Policy:  opts.Policy,
		Logger:  opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}

	w := &Worker{
		opts:    opts,
		ch:      opts.Channel,
		mgr:     opts.Transport,
		backend: opts.Backend,
		dedup:   opts.Dedup,
		log:     opts.Logger,
		coord:   coord,
		sched:   scheduler.New(*opts.Logger.Base()),
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		state:   WorkerState{BotID: opts.BotID, ProcessID: opts.ProcessID},
		runCtx:  context.Background(),
	}
	w.handlers = map[string]handlerFunc{
		CmdStart:               w.handleStart,
		CmdStop:                w.handleStop,
		CmdRestart:             w.handleRestart,
		CmdHotReload:           w.handleHotReload,
		CmdWebhookUpdate:       w.handleWebhookUpdate,
		CmdGetStatus:           w.handleGetStatus,
		CmdGetMetrics:          w.handleGetMetrics,
		CmdSendOperatorMessage: w.handleOperatorMessage,
		CmdSendSystemMessage:   w.handleSystemMessage,
	}
	if err := w.registerTasks(); err != nil {
		return nil, err
	}
	return w, nil
}

// Run processes commands until ctx is done or the channel's request stream
// ends. A running bot is stopped before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.ctxMu.Lock()
	w.runCtx = ctx
	w.ctxMu.Unlock()

	w.sched.Start()
	defer w.shutdown()

	w.log.Base().Info().Str("bot_id", w.opts.BotID).Int("pid", w.opts.ProcessID).Msg("worker ready")
	for {
		select {
		case <-ctx.Done():
			return nil
		case req, ok := <-w.ch.Requests():
			if !ok {
				w.log.Base().Info().Msg("command channel closed")
				return nil
			}
			w.Dispatch(ctx, req)
		}
	}
}

// Dispatch executes one command. Handler failures are reported as error
// events; they never stop the worker.
func (w *Worker) Dispatch(ctx context.Context, req ipc.Request) {
	h, ok := w.handlers[req.Command]
	if !ok {
		w.log.Warn("unknown command", map[string]any{"command": req.Command})
		w.emit(EventError, ErrorData{Command: req.Command, Error: "unknown command"})
		return
	}
	if err := h(ctx, req.Data); err != nil {
		w.counters.errors.Add(1)
		w.log.Error("command failed", map[string]any{"command": req.Command, "error": err.Error()})
		w.emit(EventError, ErrorData{Command: req.Command, Error: err.Error()})
	}
}

// shutdown stops the bot, the scheduler and waits for in-flight messages.
func (w *Worker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.DrainTimeout)
	defer cancel()

	if w.Running() {
		w.stop(ctx)
	}
	if err := w.sched.Stop(ctx); err != nil {
		w.log.Base().Warn().Err(err).Msg("scheduler stop timed out")
	}

	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.log.Base().Warn().Msg("in-flight messages abandoned on shutdown")
	}
	w.log.Flush()
	w.log.Base().Info().Str("bot_id", w.opts.BotID).Msg("worker exited")
}

// baseCtx is the context message processing runs under. It outlives the
// command that delivered the update.
func (w *Worker) baseCtx() context.Context {
	w.ctxMu.RLock()
	defer w.ctxMu.RUnlock()
	return w.runCtx
}

// Running reports whether a transport session is active.
func (w *Worker) Running() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state.Running
}

// Snapshot returns a copy of the worker state with the bot token masked.
func (w *Worker) Snapshot() WorkerState {
	w.mu.RLock()
	st := w.state
	w.mu.RUnlock()
	st.Bot = redacted(st.Bot)
	st.Metrics = w.counters.snapshot(st.StartedAt, w.opts.Now())
	return st
}

// Metrics returns the current counters.
func (w *Worker) Metrics() Metrics {
	w.mu.RLock()
	started := w.state.StartedAt
	w.mu.RUnlock()
	return w.counters.snapshot(started, w.opts.Now())
}

// Policy returns the active handoff policy.
func (w *Worker) Policy() handoff.Policy { return w.coord.Policy() }

// emit sends an event. A closed channel means the supervisor is gone; the
// event is dropped quietly.
func (w *Worker) emit(typ string, data any) {
	ev := ipc.Event{
		Type:      typ,
		Data:      data,
		Timestamp: w.opts.Now().UTC(),
		ProcessID: w.opts.ProcessID,
	}
	if err := w.ch.Send(ev); err != nil {
		if errors.Is(err, ipc.ErrClosed) {
			w.log.Base().Debug().Str("event", typ).Msg("event dropped, channel closed")
			return
		}
		w.log.Warn("event send failed", map[string]any{"event": typ, "error": err.Error()})
	}
}

// emitLog forwards a log line to the supervisor.
func (w *Worker) emitLog(level zerolog.Level, msg string, fields map[string]any) {
	w.emit(EventLog, LogData{Level: level.String(), Message: msg, Fields: fields})
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("payload is required")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
