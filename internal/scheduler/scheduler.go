// Package scheduler runs the worker's named periodic tasks on a cron
// runner. All tasks share one context and stop together.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// specParser accepts 5-field expressions and descriptors such as "@every 5m".
var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// TaskFunc is a scheduled task body.
type TaskFunc func(ctx context.Context)

type task struct {
	name string
	spec string
	fn   TaskFunc
	id   cron.EntryID
	runs atomic.Int64
}

// Info describes a registered task.
type Info struct {
	Name string
	Spec string
	Next time.Time
	Runs int64
}

// Scheduler owns a set of named tasks.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu      sync.Mutex
	tasks   map[string]*task
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a stopped Scheduler. Overlapping runs of one task are skipped
// and panics are recovered and logged.
func New(log zerolog.Logger) *Scheduler {
	cl := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(specParser),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
		log:    log,
		tasks:  make(map[string]*task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Every registers fn to run at a fixed interval. Intervals are rounded down
// to whole seconds with a one-second minimum.
func (s *Scheduler) Every(name string, d time.Duration, fn TaskFunc) error {
	if d <= 0 {
		return fmt.Errorf("scheduler: %s: interval must be positive", name)
	}
	return s.add(name, "@every "+d.String(), cron.Every(d), fn)
}

// Add registers fn on a cron spec.
func (s *Scheduler) Add(name, spec string, fn TaskFunc) error {
	sched, err := specParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("scheduler: %s: parse %q: %w", name, spec, err)
	}
	return s.add(name, spec, sched, fn)
}

func (s *Scheduler) add(name, spec string, sched cron.Schedule, fn TaskFunc) error {
	if fn == nil {
		return fmt.Errorf("scheduler: %s: task func is required", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tasks[name]; dup {
		return fmt.Errorf("scheduler: %s: already registered", name)
	}
	t := &task{name: name, spec: spec, fn: fn}
	t.id = s.cron.Schedule(sched, cron.FuncJob(func() { s.run(t) }))
	s.tasks[name] = t
	return nil
}

func (s *Scheduler) run(t *task) {
	if s.ctx.Err() != nil {
		return
	}
	t.runs.Add(1)
	t.fn(s.ctx)
}

// Start begins firing tasks. Calling it twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop cancels the task context and waits up to ctx for running tasks.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: stop: %w", ctx.Err())
	}
}

// RunNow runs the named task synchronously. It reports false for an
// unknown name.
func (s *Scheduler) RunNow(name string) bool {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.run(t)
	return true
}

// Tasks lists registered tasks sorted by name.
func (s *Scheduler) Tasks() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, Info{
			Name: t.name,
			Spec: t.spec,
			Next: s.cron.Entry(t.id).Next,
			Runs: t.runs.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
