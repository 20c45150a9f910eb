package telemetry

import (
	"context"
	"sync"
	"time"
)

// Recorder is an in-memory Metrics implementation. It is safe for concurrent
// use and is mostly useful in tests and examples.
type Recorder struct {
	mu       sync.Mutex
	counters map[string]float64
	timers   map[string][]time.Duration
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{counters: map[string]float64{}, timers: map[string][]time.Duration{}}
}

// IncCounter implements Metrics. Tags are folded into the key as name{k=v,...}.
func (r *Recorder) IncCounter(_ context.Context, name string, value float64, tags ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[metricKey(name, tags)] += value
}

// RecordTimer implements Metrics.
func (r *Recorder) RecordTimer(_ context.Context, name string, d time.Duration, tags ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := metricKey(name, tags)
	r.timers[k] = append(r.timers[k], d)
}

// Counter returns the current value of the counter with the given tags.
func (r *Recorder) Counter(name string, tags ...string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[metricKey(name, tags)]
}

// Timings returns the recorded durations for name and tags.
func (r *Recorder) Timings(name string, tags ...string) []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.timers[metricKey(name, tags)]...)
}

func metricKey(name string, tags []string) string {
	if len(tags) == 0 {
		return name
	}
	key := name + "{"
	for i := 0; i < len(tags); i += 2 {
		if i > 0 {
			key += ","
		}
		key += tags[i] + "="
		if i+1 < len(tags) {
			key += tags[i+1]
		}
	}
	return key + "}"
}
