// control/metrics.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Runtime metrics collector for the server. Counters are lock-free; the
// registry keeps user-supplied gauges next to them in snapshots.

package control

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-ipc/api"
)

// MetricsRegistry holds free-form metrics set by the embedding application.
type MetricsRegistry struct {
	mu      sync.RWMutex
	metrics map[string]any
	updated time.Time
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		metrics: make(map[string]any),
	}
}

// Set sets or updates a metric key.
func (mr *MetricsRegistry) Set(key string, value any) {
	mr.mu.Lock()
	mr.metrics[key] = value
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// GetSnapshot returns a copy of the registry.
func (mr *MetricsRegistry) GetSnapshot() map[string]any {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]any, len(mr.metrics))
	for k, v := range mr.metrics {
		out[k] = v
	}
	return out
}

// Updated returns the time of the last Set.
func (mr *MetricsRegistry) Updated() time.Time {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.updated
}

// Snapshot is a point-in-time copy of the collector counters.
type Snapshot struct {
	ConnsAccepted  uint64
	ConnsRejected  uint64
	ConnsClosed    uint64
	ConnsEvicted   uint64
	FramesRejected uint64
	CallsQueued    uint64
	CallsDone      uint64
	CallsFailed    uint64
	MaxQueueDepth  int64
	TotalLatency   time.Duration
}

// ConnsOpen is accepted minus closed.
func (s Snapshot) ConnsOpen() int64 {
	return int64(s.ConnsAccepted) - int64(s.ConnsClosed)
}

// MeanLatency averages over completed calls.
func (s Snapshot) MeanLatency() time.Duration {
	if s.CallsDone == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.CallsDone)
}

// Collector implements api.Metrics with atomic counters.
type Collector struct {
	connsAccepted  atomic.Uint64
	connsRejected  atomic.Uint64
	connsClosed    atomic.Uint64
	connsEvicted   atomic.Uint64
	framesRejected atomic.Uint64
	callsQueued    atomic.Uint64
	callsDone      atomic.Uint64
	callsFailed    atomic.Uint64
	maxQueueDepth  atomic.Int64
	totalLatency   atomic.Int64

	Registry *MetricsRegistry
}

var _ api.Metrics = (*Collector)(nil)

// NewCollector returns a zeroed collector.
func NewCollector() *Collector {
	return &Collector{Registry: NewMetricsRegistry()}
}

func (c *Collector) ConnAccepted()  { c.connsAccepted.Add(1) }
func (c *Collector) ConnRejected()  { c.connsRejected.Add(1) }
func (c *Collector) ConnClosed()    { c.connsClosed.Add(1) }
func (c *Collector) ConnEvicted()   { c.connsEvicted.Add(1) }
func (c *Collector) FrameRejected() { c.framesRejected.Add(1) }

func (c *Collector) CallQueued(depth int) {
	c.callsQueued.Add(1)
	d := int64(depth)
	for {
		cur := c.maxQueueDepth.Load()
		if d <= cur || c.maxQueueDepth.CompareAndSwap(cur, d) {
			return
		}
	}
}

func (c *Collector) CallDone(latency time.Duration, err error) {
	c.callsDone.Add(1)
	c.totalLatency.Add(int64(latency))
	if err != nil {
		c.callsFailed.Add(1)
	}
}

// Snapshot copies the counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		ConnsAccepted:  c.connsAccepted.Load(),
		ConnsRejected:  c.connsRejected.Load(),
		ConnsClosed:    c.connsClosed.Load(),
		ConnsEvicted:   c.connsEvicted.Load(),
		FramesRejected: c.framesRejected.Load(),
		CallsQueued:    c.callsQueued.Load(),
		CallsDone:      c.callsDone.Load(),
		CallsFailed:    c.callsFailed.Load(),
		MaxQueueDepth:  c.maxQueueDepth.Load(),
		TotalLatency:   time.Duration(c.totalLatency.Load()),
	}
}

// GetSnapshot flattens counters and registry entries into one map, the form
// debug probes expose.
func (c *Collector) GetSnapshot() map[string]any {
	s := c.Snapshot()
	out := map[string]any{
		"conns_accepted":  s.ConnsAccepted,
		"conns_rejected":  s.ConnsRejected,
		"conns_closed":    s.ConnsClosed,
		"conns_evicted":   s.ConnsEvicted,
		"conns_open":      s.ConnsOpen(),
		"frames_rejected": s.FramesRejected,
		"calls_queued":    s.CallsQueued,
		"calls_done":      s.CallsDone,
		"calls_failed":    s.CallsFailed,
		"max_queue_depth": s.MaxQueueDepth,
		"mean_latency":    s.MeanLatency().String(),
	}
	if c.Registry != nil {
		for k, v := range c.Registry.GetSnapshot() {
			if _, taken := out[k]; !taken {
				out[k] = v
			}
		}
	}
	return out
}
