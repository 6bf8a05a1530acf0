// Package dedup suppresses duplicate delivery of inbound chat messages.
//
// Each worker owns one Cache. A fingerprint observed again within the TTL
// window is a duplicate; older entries stop suppressing and are eventually
// purged by Sweep. The cache size is bounded: past MaxEntries it is rebuilt
// keeping only the Floor most recent entries.
package dedup

import (
	"sort"
	"sync"
	"time"
)

const (
	DefaultTTL        = 30 * time.Second
	DefaultRetention  = 10 * time.Minute
	DefaultMaxEntries = 10000
	DefaultFloor      = 5000
)

// Fingerprint identifies one inbound message.
type Fingerprint struct {
	SenderID  string
	MessageID string
	Text      string
}

// Options configures a Cache. Zero values take the defaults above.
type Options struct {
	TTL        time.Duration
	Retention  time.Duration
	MaxEntries int
	Floor      int
	Now        func() time.Time // for tests
}

// Cache is an in-memory fingerprint store, safe for concurrent use.
type Cache struct {
	ttl        time.Duration
	retention  time.Duration
	maxEntries int
	floor      int
	now        func() time.Time

	mu      sync.Mutex
	entries map[Fingerprint]time.Time
}

// New creates a Cache.
func New(opts Options) *Cache {
	c := &Cache{
		ttl:        opts.TTL,
		retention:  opts.Retention,
		maxEntries: opts.MaxEntries,
		floor:      opts.Floor,
		now:        opts.Now,
		entries:    make(map[Fingerprint]time.Time),
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.retention <= 0 {
		c.retention = DefaultRetention
	}
	if c.maxEntries <= 0 {
		c.maxEntries = DefaultMaxEntries
	}
	if c.floor <= 0 || c.floor >= c.maxEntries {
		c.floor = c.maxEntries / 2
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Observe reports whether fp was already seen within the TTL window. A true
// result means the caller must skip the message. Otherwise the fingerprint
// is recorded and false is returned.
func (c *Cache) Observe(fp Fingerprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if seen, ok := c.entries[fp]; ok && now.Sub(seen) < c.ttl {
		return true
	}
	c.entries[fp] = now
	if len(c.entries) > c.maxEntries {
		c.shrinkLocked()
	}
	return false
}

// Sweep drops entries older than the retention window and enforces the
// size ceiling. It returns the number of entries removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := len(c.entries)
	cutoff := c.now().Add(-c.retention)
	for fp, seen := range c.entries {
		if seen.Before(cutoff) {
			delete(c.entries, fp)
		}
	}
	if len(c.entries) > c.maxEntries {
		c.shrinkLocked()
	}
	return before - len(c.entries)
}

// Reset drops every entry.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Fingerprint]time.Time)
}

// Len returns the number of tracked fingerprints.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// shrinkLocked rebuilds the map keeping the floor most recent entries.
// Caller must hold c.mu.
func (c *Cache) shrinkLocked() {
	type entry struct {
		fp   Fingerprint
		seen time.Time
	}
	all := make([]entry, 0, len(c.entries))
	for fp, seen := range c.entries {
		all = append(all, entry{fp, seen})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seen.After(all[j].seen) })

	keep := make(map[Fingerprint]time.Time, c.floor)
	for _, e := range all[:min(c.floor, len(all))] {
		keep[e.fp] = e.seen
	}
	c.entries = keep
}
