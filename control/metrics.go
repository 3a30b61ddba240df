// File: control/metrics.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Runtime metrics collector for system-level monitoring.
// Exposes counters in a thread-safe map with dynamic registration.

package control

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsRegistry holds named monotonic counters.
type MetricsRegistry struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Int64
	updated  time.Time
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters: make(map[string]*atomic.Int64),
	}
}

// Add increments a counter by delta, registering it on first use.
func (mr *MetricsRegistry) Add(key string, delta int64) {
	mr.mu.RLock()
	c := mr.counters[key]
	mr.mu.RUnlock()
	if c == nil {
		mr.mu.Lock()
		if c = mr.counters[key]; c == nil {
			c = &atomic.Int64{}
			mr.counters[key] = c
		}
		mr.updated = time.Now()
		mr.mu.Unlock()
	}
	c.Add(delta)
}

// Get returns a counter's current value, zero when unregistered.
func (mr *MetricsRegistry) Get(key string) int64 {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	if c := mr.counters[key]; c != nil {
		return c.Load()
	}
	return 0
}

// GetSnapshot returns the latest values of all counters.
func (mr *MetricsRegistry) GetSnapshot() map[string]int64 {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]int64, len(mr.counters))
	for k, c := range mr.counters {
		out[k] = c.Load()
	}
	return out
}
