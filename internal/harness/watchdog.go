package harness

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matklad/spin-of-death/pkg/metrics"
)

const (
	// watchdogTick is the sampling interval for the progress counter.
	// Stall resolution is bounded by it; stalls shorter than a tick are
	// invisible, which is fine because they are also uninteresting.
	watchdogTick = 10 * time.Millisecond

	// rateEvery is how often the throughput gauge is refreshed.
	rateEvery = time.Second
)

// watchdog observes a progress counter from outside the measured
// threads. It flags a stall when the counter stops moving, tracks the
// worst one, and aborts the run once the deadline passes with no
// movement at all. The watchdog itself runs at normal priority on an
// unpinned goroutine so a starved victim cannot starve its own monitor.
type watchdog struct {
	log       *zap.Logger
	scenario  string
	metricsOn bool

	progress *atomic.Int64
	stop     *atomic.Bool

	deadline   time.Duration
	stallAfter time.Duration

	throughput *metrics.ThroughputTracker

	// abortC closes when the deadline fires so the runner can give up on
	// joining the workers.
	abortC chan struct{}
	doneC  chan struct{}
	wg     sync.WaitGroup

	// Written only by the watchdog goroutine; read after finish.
	stalls  int
	worst   time.Duration
	aborted bool
}

// newWatchdog sizes the stall threshold from the deadline: a twentieth
// of it, clamped so short runs still catch scheduler-scale pauses and
// long runs do not cry wolf over a lost timeslice.
func (r *Runner) newWatchdog(progress *atomic.Int64, stop *atomic.Bool) *watchdog {
	deadline := r.cfg.Scenario.Deadline
	stallAfter := deadline / 20
	if stallAfter < 50*time.Millisecond {
		stallAfter = 50 * time.Millisecond
	}
	if stallAfter > 500*time.Millisecond {
		stallAfter = 500 * time.Millisecond
	}

	w := &watchdog{
		log:        r.log.With(zap.String("component", "watchdog")),
		scenario:   r.cfg.Scenario.Kind,
		metricsOn:  r.metricsOn,
		progress:   progress,
		stop:       stop,
		deadline:   deadline,
		stallAfter: stallAfter,
		abortC:     make(chan struct{}),
		doneC:      make(chan struct{}),
	}
	if w.metricsOn {
		w.throughput = metrics.NewThroughputTracker(w.scenario)
	}
	return w
}

func (w *watchdog) start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.watch()
	}()
}

// finish stops the watchdog and returns its observations. Safe to call
// after an abort.
func (w *watchdog) finish() (stalls int, worst time.Duration, aborted bool) {
	close(w.doneC)
	w.wg.Wait()
	return w.stalls, w.worst, w.aborted
}

func (w *watchdog) watch() {
	ticker := time.NewTicker(watchdogTick)
	defer ticker.Stop()

	last := w.progress.Load()
	lastMove := time.Now()
	lastRate := lastMove
	inStall := false
	var stallStart time.Time

	for {
		select {
		case <-w.doneC:
			if inStall {
				// The run ended mid-stall; it still counts.
				w.recordStall(time.Since(stallStart))
			}
			return

		case now := <-ticker.C:
			cur := w.progress.Load()

			if w.throughput != nil {
				w.throughput.Increment(cur - last)
				if now.Sub(lastRate) >= rateEvery {
					w.throughput.GetAndReset()
					lastRate = now
				}
			}

			if cur != last {
				if inStall {
					d := now.Sub(stallStart)
					w.recordStall(d)
					w.log.Info("progress resumed",
						zap.Int64("round_trips", cur),
						zap.Duration("stall", d))
					inStall = false
				}
				last = cur
				lastMove = now
				continue
			}

			idle := now.Sub(lastMove)
			if !inStall && idle >= w.stallAfter {
				inStall = true
				stallStart = lastMove
				w.log.Warn("progress stalled",
					zap.Int64("round_trips", cur),
					zap.Duration("idle", idle))
			}
			if idle >= w.deadline {
				if inStall {
					w.recordStall(idle)
				}
				w.aborted = true
				w.stop.Store(true)
				w.log.Error("no progress before deadline, abandoning run",
					zap.Duration("deadline", w.deadline),
					zap.Int64("round_trips", cur))
				close(w.abortC)
				return
			}
		}
	}
}

func (w *watchdog) recordStall(d time.Duration) {
	w.stalls++
	if d > w.worst {
		w.worst = d
	}
	if w.metricsOn {
		metrics.StallsDetected.WithLabelValues(w.scenario).Inc()
		metrics.WorstStall.WithLabelValues(w.scenario).Set(w.worst.Seconds())
	}
}
