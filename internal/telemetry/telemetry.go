// Package telemetry is the single process-global counter registry spec §9
// calls for ("a node exposes aggregate counters for its console and for
// operational dashboards; there is no per-call metrics pipeline").
package telemetry

import "sync"

// Counters is a lock-protected map of named counters, incremented from
// any worker goroutine and snapshotted by the console.
type Counters struct {
	mu     sync.Mutex
	values map[string]int64
}

// Global is the process-wide counter registry.
var Global = NewCounters()

// NewCounters creates an empty counter set.
func NewCounters() *Counters {
	return &Counters{values: make(map[string]int64)}
}

// Add increments a named counter by delta (delta may be negative).
func (c *Counters) Add(name string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[name] += delta
}

// Set overwrites a named counter's value, for gauges like endpoints_active
// rather than monotonic counts.
func (c *Counters) Set(name string, value int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[name] = value
}

// Snapshot returns a copy of every counter's current value.
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}
