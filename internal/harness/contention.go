package harness

import (
	"context"
	"encoding/binary"
	"math/rand"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matklad/spin-of-death/pkg/errors"
	"github.com/matklad/spin-of-death/pkg/metrics"
	"github.com/matklad/spin-of-death/pkg/pool"
)

// joinGrace is how long the runner waits for workers after an abort or a
// cancellation before abandoning them to die with the process.
const joinGrace = 2 * time.Second

// maxLatencySamples bounds per-worker sample memory; beyond it the
// tracker drops the oldest samples.
const maxLatencySamples = 100000

// scenarioResult is what a scenario hands back for report assembly.
type scenarioResult struct {
	workers      int
	elapsed      time.Duration
	created      int64
	roundTrips   int64
	spinnerTrips int64
	corrupted    int64

	samples *metrics.LatencyTracker

	victimMode    string
	contenderMode string

	stallCount int
	worstStall time.Duration
	aborted    bool

	drained      int
	drainSkipped bool
}

// workerState carries one worker's identity and shared counters through
// the measured loop.
type workerState struct {
	id       int
	label    string
	pool     *pool.Pool[buffer]
	stop     *atomic.Bool
	progress *atomic.Int64
	corrupt  *atomic.Int64
	tracker  *metrics.LatencyTracker
	rng      *rand.Rand
}

// runContention launches symmetric workers that round-trip the pool and
// measures acquire latency under plain CAS contention. This is the
// baseline: no priorities, no pinning, just the free list under load.
func (r *Runner) runContention(ctx context.Context) (*scenarioResult, error) {
	sc := r.cfg.Scenario

	var created atomic.Int64
	p := newPool(sc.PayloadBytes, &created)

	var (
		stop      atomic.Bool
		progress  atomic.Int64
		corrupted atomic.Int64
	)

	barrier := newStartBarrier()
	trackers := make([]*metrics.LatencyTracker, sc.Workers)
	var workers sync.WaitGroup

	for i := 0; i < sc.Workers; i++ {
		trackers[i] = metrics.NewLatencyTracker(r.trackerCapacity())
		workers.Add(1)
		go func(id int, tracker *metrics.LatencyTracker) {
			defer workers.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			w := &workerState{
				id:       id,
				label:    "worker-" + strconv.Itoa(id),
				pool:     p,
				stop:     &stop,
				progress: &progress,
				corrupt:  &corrupted,
				tracker:  tracker,
				rng:      rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(id)<<32)),
			}
			barrier.Wait()
			r.workerLoop(w)
		}(i, trackers[i])
	}

	if sc.Settle > 0 {
		time.Sleep(sc.Settle)
	}

	dog := r.newWatchdog(&progress, &stop)
	dog.start()
	barrier.Release()
	start := time.Now()

	joined := waitOrAbort(ctx, &workers, &stop, dog.abortC)
	elapsed := time.Since(start)
	stalls, worst, aborted := dog.finish()

	result := &scenarioResult{
		workers:    sc.Workers,
		elapsed:    elapsed,
		created:    created.Load(),
		roundTrips: progress.Load(),
		corrupted:  corrupted.Load(),
		samples:    mergeTrackers(trackers),
		stallCount: stalls,
		worstStall: worst,
		aborted:    aborted,
	}
	r.teardown(p, result, joined)

	if aborted {
		return result, errors.New(errors.ErrorTypeTimeout, "no progress before deadline").
			WithDetail("deadline", sc.Deadline.String())
	}
	return result, nil
}

// workerLoop is the measured Get, stamp, hold, verify, Release loop. The
// inversion victim runs the same loop as a contention worker; only its
// thread scheduling differs.
func (r *Runner) workerLoop(w *workerState) {
	sc := r.cfg.Scenario
	sampleEvery := r.cfg.Observability.SampleEvery

	var trips int64
	for i := 0; i < sc.Iterations; i++ {
		if w.stop.Load() {
			break
		}

		sampled := i%sampleEvery == 0
		var acquireStart time.Time
		if sampled {
			acquireStart = time.Now()
		}

		g := w.pool.Get()

		if sampled {
			d := time.Since(acquireStart)
			w.tracker.Record(d)
			if r.metricsOn {
				metrics.AcquireLatency.WithLabelValues(sc.Kind, "get").
					Observe(float64(d.Nanoseconds()))
			}
		}

		buf := g.Value()
		stamped := writeStamp(buf.data, w.id, i)
		if sc.Hold > 0 {
			spinFor(holdJitter(w.rng, sc.Hold))
		}
		if stamped && !checkStamp(buf.data, w.id, i) {
			w.corrupt.Add(1)
		}
		g.Release()

		w.progress.Add(1)
		trips++
	}

	if r.metricsOn {
		status := "ok"
		if w.stop.Load() && trips < int64(sc.Iterations) {
			status = "stopped"
		}
		metrics.RoundTrips.WithLabelValues(sc.Kind, w.label, status).Add(float64(trips))
	}
}

// writeStamp tags the payload head with the holder's identity. Reports
// whether the payload was large enough to stamp.
func writeStamp(data []byte, id, iter int) bool {
	if len(data) < 8 {
		return false
	}
	binary.LittleEndian.PutUint64(data, stampValue(id, iter))
	return true
}

// checkStamp reports whether the payload still carries this holder's
// tag. A torn stamp means the pool handed the same object to two guards
// at once.
func checkStamp(data []byte, id, iter int) bool {
	return binary.LittleEndian.Uint64(data) == stampValue(id, iter)
}

func stampValue(id, iter int) uint64 {
	return uint64(uint32(id))<<32 | uint64(uint32(iter))
}

// trackerCapacity bounds a worker's latency sample memory by how many
// samples the run can produce.
func (r *Runner) trackerCapacity() int {
	n := r.cfg.Scenario.Iterations/r.cfg.Observability.SampleEvery + 1
	if n > maxLatencySamples {
		n = maxLatencySamples
	}
	return n
}

// mergeTrackers folds per-worker samples into one tracker so the report
// percentiles cover the whole run.
func mergeTrackers(trackers []*metrics.LatencyTracker) *metrics.LatencyTracker {
	total := 0
	for _, t := range trackers {
		total += t.Count()
	}
	if total == 0 {
		total = 1
	}
	merged := metrics.NewLatencyTracker(total)
	for _, t := range trackers {
		for _, s := range t.Samples() {
			merged.Record(s)
		}
	}
	return merged
}

// waitOrAbort waits for the workers to join. On context cancellation it
// asks them to stop; after a watchdog abort or a cancellation it allows
// joinGrace and then abandons whatever is still stuck.
func waitOrAbort(ctx context.Context, workers *sync.WaitGroup, stop *atomic.Bool, abortC <-chan struct{}) bool {
	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		stop.Store(true)
	case <-abortC:
	}

	select {
	case <-done:
		return true
	case <-time.After(joinGrace):
		return false
	}
}

// teardown drains the pool after a clean join. After an abort the stuck
// threads may still hold guards or the list sentinel, so Drain is
// skipped and the objects leak with the abandoned run.
func (r *Runner) teardown(p *pool.Pool[buffer], result *scenarioResult, joined bool) {
	if !joined {
		result.drainSkipped = true
		r.log.Warn("skipping drain, workers never joined")
		return
	}
	result.drained = p.Drain()
	if r.metricsOn {
		metrics.ObjectsDiscarded.WithLabelValues(r.cfg.Scenario.Kind).Set(float64(result.drained))
	}
	if result.corrupted > 0 {
		r.log.Error("payload stamps were torn, the pool handed one object to two holders",
			zap.Int64("corrupted", result.corrupted))
	}
}
