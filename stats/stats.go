// Package stats collects per-scan event statistics.
//
// The Collector accumulates counters during a single scan. It is a leaf
// package; the status reporter reads a snapshot rather than live counters.
package stats

import (
	"sync"

	"github.com/ferretsec/ferret/types"
)

// Collector accumulates event emission counters during a scan.
// Thread-safe via sync.Mutex.
type Collector struct {
	mu            sync.Mutex
	emittedByType map[string]int64
	totalEmitted  int64
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{emittedByType: make(map[string]int64)}
}

// EventEmitted records that an event of the given type was distributed.
func (c *Collector) EventEmitted(e *types.Event) {
	if e == nil {
		return
	}
	c.mu.Lock()
	c.emittedByType[e.Type]++
	c.totalEmitted++
	c.mu.Unlock()
}

// EmittedByType returns a copy of the per-type emission counts.
func (c *Collector) EmittedByType() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.emittedByType))
	for k, v := range c.emittedByType {
		out[k] = v
	}
	return out
}

// TotalEmitted returns the total number of distributed events.
func (c *Collector) TotalEmitted() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalEmitted
}
