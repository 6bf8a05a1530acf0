// Package throttle rate-limits repeated log lines.
//
// Lines are keyed by severity and message template. A key emits at most once
// per window; repeats inside the window are counted and reported on the next
// emission or by the periodic Flush summary, so noisy-but-real problems stay
// visible without flooding the log.
package throttle

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultWindow is the minimum spacing between two emissions of one key.
const DefaultWindow = 30 * time.Second

// Options configures a Logger.
type Options struct {
	Window time.Duration
	Now    func() time.Time // for tests
}

// Record is the state tracked for one key.
type Record struct {
	LastEmitted time.Time
	Total       int
	Suppressed  int
}

type key struct {
	level zerolog.Level
	msg   string
}

func (k key) String() string {
	return k.level.String() + ": " + k.msg
}

// Logger wraps a zerolog.Logger with per-key throttling. Safe for
// concurrent use.
type Logger struct {
	base   zerolog.Logger
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	records map[key]*Record
}

// New creates a throttled Logger writing to base.
func New(base zerolog.Logger, opts Options) *Logger {
	l := &Logger{
		base:    base,
		window:  opts.Window,
		now:     opts.Now,
		records: make(map[key]*Record),
	}
	if l.window <= 0 {
		l.window = DefaultWindow
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Base returns the underlying unthrottled logger.
func (l *Logger) Base() *zerolog.Logger {
	return &l.base
}

// Log emits msg at level unless the same level+msg was emitted within the
// window. It reports whether the line was emitted. Emitted lines carry a
// "suppressed" field counting the repeats swallowed since the last emission.
func (l *Logger) Log(level zerolog.Level, msg string, fields map[string]any) bool {
	k := key{level: level, msg: msg}
	now := l.now()

	l.mu.Lock()
	rec, ok := l.records[k]
	if !ok {
		rec = &Record{}
		l.records[k] = rec
	}
	rec.Total++
	if ok && now.Sub(rec.LastEmitted) < l.window {
		rec.Suppressed++
		l.mu.Unlock()
		return false
	}
	suppressed := rec.Suppressed
	rec.Suppressed = 0
	rec.LastEmitted = now
	l.mu.Unlock()

	ev := l.base.WithLevel(level)
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	ev.Int("suppressed", suppressed).Msg(msg)
	return true
}

// Error logs at error level.
func (l *Logger) Error(msg string, fields map[string]any) bool {
	return l.Log(zerolog.ErrorLevel, msg, fields)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, fields map[string]any) bool {
	return l.Log(zerolog.WarnLevel, msg, fields)
}

// Info logs at info level.
func (l *Logger) Info(msg string, fields map[string]any) bool {
	return l.Log(zerolog.InfoLevel, msg, fields)
}

// Flush emits one summary line listing every key with suppressed repeats,
// zeroes those counters and returns the reported counts. Nothing is
// emitted when no key has suppressed repeats.
func (l *Logger) Flush() map[string]int {
	l.mu.Lock()
	counts := make(map[string]int)
	total := 0
	for k, rec := range l.records {
		if rec.Suppressed == 0 {
			continue
		}
		counts[k.String()] = rec.Suppressed
		total += rec.Suppressed
		rec.Suppressed = 0
	}
	l.mu.Unlock()

	if total == 0 {
		return counts
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	dict := zerolog.Dict()
	for _, k := range keys {
		dict = dict.Int(k, counts[k])
	}
	l.base.Warn().
		Int("suppressed_total", total).
		Int("keys", len(keys)).
		Dict("suppressed", dict).
		Msg("suppressed log summary")
	return counts
}

// Stats returns a copy of the record for level+msg, if any.
func (l *Logger) Stats(level zerolog.Level, msg string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key{level: level, msg: msg}]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}
