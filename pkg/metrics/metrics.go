// Package metrics provides performance tracking for the pool harness using
// Prometheus metrics. It offers collectors for round-trip throughput,
// acquire latency, watchdog stalls and teardown accounting.
//
// # Overview
//
// The metrics package provides:
//   - Prometheus-compatible metrics collection
//   - Pre-defined metrics for harness runs
//   - Throughput and latency tracking utilities
//   - Thread-safe metric recording
//   - Automatic metric registration
//
// # Basic Usage
//
//	// Record completed round trips
//	metrics.RoundTrips.WithLabelValues("contention", "worker-3", "ok").Inc()
//
//	// Track acquire latency
//	timer := metrics.NewTimer("get")
//	g := p.Get()
//	metrics.AcquireLatency.WithLabelValues("contention", "get").
//	    Observe(float64(timer.Stop().Nanoseconds()))
//
//	// Track throughput
//	tracker := metrics.NewThroughputTracker("contention")
//	for i := 0; i < iterations; i++ {
//	    roundTrip()
//	    tracker.Increment(1)
//	}
//	perSecond := tracker.GetAndReset()
//
// # Metric Types
//
// Counter: Monotonically increasing values (e.g., total round trips)
// Gauge: Values that can go up or down (e.g., active spinners)
// Histogram: Distribution of values (e.g., latency percentiles)
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RoundTrips tracks the total number of Get/Release round trips.
	// Labels: scenario (contention/inversion), worker (worker label),
	// status (ok/stopped)
	//
	// Example:
	//	metrics.RoundTrips.WithLabelValues("inversion", "victim", "ok").Inc()
	RoundTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spin_of_death_round_trips_total",
			Help: "Total number of pool round trips",
		},
		[]string{"scenario", "worker", "status"},
	)

	// AcquireLatency tracks the distribution of pool operation latencies in
	// nanoseconds. The buckets are optimized for sub-millisecond tracking
	// with long tails for stalled acquisitions.
	// Labels: scenario, operation (get/release/round_trip)
	AcquireLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "spin_of_death_acquire_latency_nanoseconds",
			Help: "Pool operation latency in nanoseconds",
			Buckets: []float64{
				100,    // 100ns - uncontended CAS
				1000,   // 1μs - light contention
				10000,  // 10μs - a lost timeslice
				100000, // 100μs - scheduler round trip
				1e6,    // 1ms - heavy contention
				1e7,    // 10ms - preempted lock holder
				1e8,    // 100ms - starvation territory
				1e9,    // 1s - full priority inversion
			},
		},
		[]string{"scenario", "operation"},
	)

	// ObjectsDiscarded reports how many pooled objects Drain discarded at
	// teardown. Labels: scenario
	ObjectsDiscarded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spin_of_death_objects_discarded",
			Help: "Objects discarded by pool teardown",
		},
		[]string{"scenario"},
	)

	// StallsDetected counts watchdog-observed progress stalls.
	// Labels: scenario
	StallsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spin_of_death_stalls_total",
			Help: "Progress stalls observed by the watchdog",
		},
		[]string{"scenario"},
	)

	// WorstStall reports the longest observed progress stall in seconds.
	// Labels: scenario
	WorstStall = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spin_of_death_worst_stall_seconds",
			Help: "Longest observed progress stall in seconds",
		},
		[]string{"scenario"},
	)

	// SpinnersActive tracks how many contender goroutines are currently
	// burning CPU. Labels: scenario
	SpinnersActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spin_of_death_spinners_active",
			Help: "Number of active contender goroutines",
		},
		[]string{"scenario"},
	)

	// Throughput tracks round trips per second. Labels: scenario
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spin_of_death_throughput_round_trips_per_second",
			Help: "Current throughput in round trips per second",
		},
		[]string{"scenario"},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
// It captures the start time on creation and calculates elapsed time on stop.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
// The name parameter is for identification in logs or metrics.
//
// Example:
//
//	timer := metrics.NewTimer("settle")
//	waitForThreads()
//	duration := timer.Stop()
//	logger.Info("threads settled", zap.Duration("duration", duration))
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Stop stops the timer and returns the elapsed duration since creation.
// The timer can be stopped multiple times, each returning the total
// elapsed time since creation.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker tracks round trips per second over time windows.
// It automatically updates the Throughput gauge when queried.
// Thread-safe for concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
	scenario  string
}

// NewThroughputTracker creates a new throughput tracker for a scenario.
// The scenario parameter is used as the metric label.
func NewThroughputTracker(scenario string) *ThroughputTracker {
	return &ThroughputTracker{
		lastReset: time.Now(),
		scenario:  scenario,
	}
}

// Increment adds n to the round trip count. Safe for concurrent use.
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset calculates the current throughput (round trips/second),
// updates the Prometheus gauge, resets the counter, and returns the
// calculated throughput. Safe for concurrent use.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}

	throughput := float64(t.count) / elapsed

	// Reset for next period
	t.count = 0
	t.lastReset = time.Now()

	Throughput.WithLabelValues(t.scenario).Set(throughput)

	return throughput
}

// LatencyTracker collects latency samples and computes percentiles over
// them. It keeps at most maxSize samples, dropping the oldest. Thread-safe
// for concurrent use.
type LatencyTracker struct {
	mu      sync.Mutex
	values  []time.Duration
	maxSize int
}

// NewLatencyTracker creates a new latency tracker holding up to maxSize
// samples.
func NewLatencyTracker(maxSize int) *LatencyTracker {
	return &LatencyTracker{
		values:  make([]time.Duration, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record records a latency sample.
func (l *LatencyTracker) Record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.values) >= l.maxSize {
		// Remove oldest
		l.values = l.values[1:]
	}
	l.values = append(l.values, d)
}

// Count returns the number of samples currently held.
func (l *LatencyTracker) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.values)
}

// Max returns the largest recorded sample, or zero when empty.
func (l *LatencyTracker) Max() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	var max time.Duration
	for _, v := range l.values {
		if v > max {
			max = v
		}
	}
	return max
}

// Percentile returns the given percentile (0-100) over the recorded
// samples, or zero when empty.
func (l *LatencyTracker) Percentile(p float64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.values) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(l.values))
	copy(sorted, l.values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := int(float64(len(sorted)) * p / 100)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}

// Samples returns a copy of the recorded samples in arrival order.
func (l *LatencyTracker) Samples() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]time.Duration, len(l.values))
	copy(out, l.values)
	return out
}
