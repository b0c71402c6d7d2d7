// Package sysmon samples host metrics (CPU, memory, disk, load) into
// per-metric ring buffers and serves them to the rule engine as a
// metric source.
package sysmon

import (
	"sync"
	"time"

	"github.com/opsgate/opsgate/internal/alerting"
)

const (
	// maxSamplesPerMetric is the maximum number of samples retained per metric.
	maxSamplesPerMetric = 360
	// maxSampleAge is the maximum age of a sample before eviction.
	maxSampleAge = 30 * time.Minute
)

// Tracker maintains per-metric ring buffers of recent samples. It
// implements alerting.MetricSource. External producers (application
// instrumentation pushing through the API) and the built-in host
// collector both record into the same tracker.
type Tracker struct {
	mu      sync.RWMutex
	buffers map[string][]alerting.MetricPoint
	clock   func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		buffers: make(map[string][]alerting.MetricPoint),
		clock:   time.Now,
	}
}

// SetClock overrides the tracker clock. Test use only.
func (t *Tracker) SetClock(clock func() time.Time) { t.clock = clock }

// Record adds a sample for the metric at the current time.
func (t *Tracker) Record(metric string, value float64) {
	t.RecordAt(metric, value, t.clock())
}

// RecordAt adds a sample with an explicit timestamp and evicts stale
// entries.
func (t *Tracker) RecordAt(metric string, value float64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	samples := append(t.buffers[metric], alerting.MetricPoint{Timestamp: at, Value: value})

	cutoff := at.Add(-maxSampleAge)
	start := 0
	for start < len(samples) && samples[start].Timestamp.Before(cutoff) {
		start++
	}
	samples = samples[start:]

	if len(samples) > maxSamplesPerMetric {
		samples = samples[len(samples)-maxSamplesPerMetric:]
	}
	t.buffers[metric] = samples
}

// Samples returns all points for the metric recorded at or after since.
func (t *Tracker) Samples(metric string, since time.Time) []alerting.MetricPoint {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []alerting.MetricPoint
	for _, p := range t.buffers[metric] {
		if !p.Timestamp.Before(since) {
			out = append(out, p)
		}
	}
	return out
}

// Metrics returns the names of all tracked metrics.
func (t *Tracker) Metrics() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.buffers))
	for name := range t.buffers {
		out = append(out, name)
	}
	return out
}
