package taskpool

import (
	"sync"
	"sync/atomic"
	"time"
)

// poolMetrics tracks a Pool's throughput and latency, adapted from the
// teacher's Metrics/LatencyMetrics (metrics.go) — generalized from
// "per-callback latency" to "per-task completion latency", and from "I/O
// queue depth" to "process-list / global-channel depth".
type poolMetrics struct {
	mu      sync.Mutex
	latency *pSquareMultiQuantile

	completions atomic.Uint64

	tpsMu     sync.Mutex
	tpsWindow []tpsSample
}

type tpsSample struct {
	at    time.Time
	count uint64
}

// MetricsSnapshot is the user-facing, immutable view returned by
// Pool.Metrics().
type MetricsSnapshot struct {
	CompletionsTotal uint64
	TPS              float64
	LatencyP50       time.Duration
	LatencyP90       time.Duration
	LatencyP99       time.Duration
	LatencyMax       time.Duration
	LatencyMean      time.Duration
}

func newPoolMetrics() *poolMetrics {
	return &poolMetrics{
		latency: newPSquareMultiQuantile(0.50, 0.90, 0.99),
	}
}

// recordCompletion marks one task completion now, for TPS accounting. Task
// latency (spawn-to-completion) is recorded separately via recordLatency,
// which the pool event loop calls when it handles the completion.
func (m *poolMetrics) recordCompletion() {
	m.completions.Add(1)

	now := time.Now()
	m.tpsMu.Lock()
	m.tpsWindow = append(m.tpsWindow, tpsSample{at: now, count: 1})
	cutoff := now.Add(-10 * time.Second)
	i := 0
	for i < len(m.tpsWindow) && m.tpsWindow[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.tpsWindow = m.tpsWindow[i:]
	}
	m.tpsMu.Unlock()
}

// recordLatency records one task's spawn-to-completion duration.
func (m *poolMetrics) recordLatency(d time.Duration) {
	m.mu.Lock()
	m.latency.Update(float64(d))
	m.mu.Unlock()
}

func (m *poolMetrics) snapshot() MetricsSnapshot {
	m.mu.Lock()
	snap := MetricsSnapshot{
		LatencyP50:  time.Duration(m.latency.Quantile(0)),
		LatencyP90:  time.Duration(m.latency.Quantile(1)),
		LatencyP99:  time.Duration(m.latency.Quantile(2)),
		LatencyMax:  time.Duration(m.latency.Max()),
		LatencyMean: time.Duration(m.latency.Mean()),
	}
	m.mu.Unlock()

	snap.CompletionsTotal = m.completions.Load()

	m.tpsMu.Lock()
	var total uint64
	var oldest time.Time
	now := time.Now()
	for _, s := range m.tpsWindow {
		total += s.count
		if oldest.IsZero() || s.at.Before(oldest) {
			oldest = s.at
		}
	}
	m.tpsMu.Unlock()
	if !oldest.IsZero() {
		elapsed := now.Sub(oldest).Seconds()
		if elapsed > 0 {
			snap.TPS = float64(total) / elapsed
		}
	}
	return snap
}

// QueueDepth reports the pool's current global-channel backlog, a cheap
// gauge useful for dashboards and the overload warning path.
func (p *Pool) QueueDepth() int {
	return p.global.len()
}
