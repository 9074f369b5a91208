// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime counters for reactor monitoring. Exposes counters in a
// thread-safe map with dynamic registration.

package control

import (
	"sync"
	"time"
)

// Counter names maintained by the reactor.
const (
	MetricIoEvents   = "io_events_dispatched"
	MetricTimersRun  = "timers_run"
	MetricAsyncProcs = "async_procedures_run"
	MetricWorkItems  = "work_items_run"
	MetricWakeups    = "trigger_wakeups"
)

// MetricsRegistry holds monotonically increasing counters.
type MetricsRegistry struct {
	mu      sync.RWMutex
	metrics map[string]int64
	updated time.Time
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		metrics: make(map[string]int64),
	}
}

// Add increments a counter by delta.
func (mr *MetricsRegistry) Add(key string, delta int64) {
	if mr == nil {
		return
	}
	mr.mu.Lock()
	mr.metrics[key] += delta
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// Get returns a single counter value.
func (mr *MetricsRegistry) Get(key string) int64 {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.metrics[key]
}

// GetSnapshot returns the latest counters.
func (mr *MetricsRegistry) GetSnapshot() map[string]int64 {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]int64, len(mr.metrics))
	for k, v := range mr.metrics {
		out[k] = v
	}
	return out
}
