package harness

import (
	"context"
	"math/rand"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matklad/spin-of-death/pkg/entropy"
	"github.com/matklad/spin-of-death/pkg/errors"
	"github.com/matklad/spin-of-death/pkg/metrics"
	"github.com/matklad/spin-of-death/pkg/pool"
	"github.com/matklad/spin-of-death/pkg/priority"
)

// runInversion stages a priority inversion around the pool's list
// sentinel and the entropy source's init gate.
//
// Choreography:
//  1. Spinner threads raise their priority, pin to the target CPU, and
//     park on a gate. Parked threads burn no CPU; the victim must own
//     the machine until the trap is set.
//  2. The victim thread drops its priority, pins to the same CPU, and
//     announces its first acquire.
//  3. After a short lead the spinners are released. By then the victim
//     sits inside the entropy probe, stretched by probe_delay, holding
//     the one-time init gate.
//  4. The spinners' first allocations hit the closed gate and yield to
//     each other at high priority on the victim's CPU. The victim only
//     escapes when the scheduler throttles the realtime class; with
//     unthrottled FIFO spinners it never does and the watchdog gives up.
//
// The watchdog watches only the victim's progress. Spinner round trips
// are accounted separately and never count as progress.
func (r *Runner) runInversion(ctx context.Context) (*scenarioResult, error) {
	sc := r.cfg.Scenario
	pc := r.cfg.Priority

	var (
		victimLevel    priority.Level
		contenderLevel priority.Level
		policy         priority.Policy
	)
	if pc.Enabled {
		var err error
		if victimLevel, err = priority.ParseLevel(pc.VictimLevel); err != nil {
			return nil, err
		}
		if contenderLevel, err = priority.ParseLevel(pc.ContenderLevel); err != nil {
			return nil, err
		}
		if policy, err = priority.ParsePolicy(pc.Policy); err != nil {
			return nil, err
		}
	}
	// Realtime policies are meant for the contenders. The victim gets
	// them only if it was explicitly configured as max priority.
	victimPolicy := priority.PolicyNormal
	if victimLevel == priority.Max {
		victimPolicy = policy
	}

	if sc.ProbeDelay > 0 {
		entropy.SetProbeDelay(sc.ProbeDelay)
	}

	var created atomic.Int64
	p := newPool(sc.PayloadBytes, &created)

	var (
		stop         atomic.Bool
		progress     atomic.Int64
		corrupted    atomic.Int64
		spinnerTrips atomic.Int64
	)

	spinnerGate := newStartBarrier()
	victimGate := newStartBarrier()
	victimStarted := make(chan struct{})

	victimModeC := make(chan string, 1)
	contenderModeC := make(chan string, 1)

	var workers sync.WaitGroup

	for i := 0; i < sc.Spinners; i++ {
		workers.Add(1)
		go func(id int) {
			defer workers.Done()
			// No UnlockOSThread: the thread is retired on return so its
			// scheduling changes cannot leak to other goroutines.
			runtime.LockOSThread()

			mode := "none"
			if pc.Enabled {
				mode = applyRole(r.log, "spinner", contenderLevel, policy, pc.PinCPU)
			}
			if id == 0 {
				contenderModeC <- mode
			}

			if r.metricsOn {
				metrics.SpinnersActive.WithLabelValues(sc.Kind).Inc()
				defer metrics.SpinnersActive.WithLabelValues(sc.Kind).Dec()
			}

			spinnerGate.Wait()
			r.spinnerLoop(id, p, &stop, &spinnerTrips)
		}(i)
	}

	victimTracker := metrics.NewLatencyTracker(r.trackerCapacity())
	workers.Add(1)
	go func() {
		defer workers.Done()
		runtime.LockOSThread()

		mode := "none"
		if pc.Enabled {
			mode = applyRole(r.log, "victim", victimLevel, victimPolicy, pc.PinCPU)
		}
		victimModeC <- mode

		w := &workerState{
			id:       0,
			label:    "victim",
			pool:     p,
			stop:     &stop,
			progress: &progress,
			corrupt:  &corrupted,
			tracker:  victimTracker,
			rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		}
		victimGate.Wait()
		close(victimStarted)
		r.workerLoop(w)
		// The victim finishing ends the run for everyone.
		stop.Store(true)
	}()

	// Modes are sent before the gates, so these cannot block.
	victimMode := <-victimModeC
	contenderMode := <-contenderModeC

	if sc.Settle > 0 {
		time.Sleep(sc.Settle)
	}

	dog := r.newWatchdog(&progress, &stop)
	dog.start()
	victimGate.Release()
	start := time.Now()

	<-victimStarted
	if lead := probeLead(sc.ProbeDelay); lead > 0 {
		time.Sleep(lead)
	}
	spinnerGate.Release()

	joined := waitOrAbort(ctx, &workers, &stop, dog.abortC)
	elapsed := time.Since(start)
	stalls, worst, aborted := dog.finish()

	result := &scenarioResult{
		workers:       1,
		elapsed:       elapsed,
		created:       created.Load(),
		roundTrips:    progress.Load(),
		spinnerTrips:  spinnerTrips.Load(),
		corrupted:     corrupted.Load(),
		samples:       victimTracker,
		victimMode:    victimMode,
		contenderMode: contenderMode,
		stallCount:    stalls,
		worstStall:    worst,
		aborted:       aborted,
	}
	r.teardown(p, result, joined)

	if aborted {
		return result, errors.New(errors.ErrorTypeTimeout, "victim made no progress before deadline").
			WithDetail("deadline", sc.Deadline.String()).
			WithDetail("victim_mode", victimMode).
			WithDetail("contender_mode", contenderMode)
	}
	return result, nil
}

// probeLead is how long after the victim's first acquire the spinners
// are released. A quarter of the probe window lands them inside it
// reliably; the cap keeps short configurations snappy.
func probeLead(probeDelay time.Duration) time.Duration {
	lead := probeDelay / 4
	if lead > 25*time.Millisecond {
		lead = 25 * time.Millisecond
	}
	return lead
}

// spinnerLoop hammers the pool as fast as it can until told to stop. No
// stamping, no sampling; spinners exist to contend, not to measure.
func (r *Runner) spinnerLoop(id int, p *pool.Pool[buffer], stop *atomic.Bool, trips *atomic.Int64) {
	var n int64
	for !stop.Load() {
		g := p.Get()
		g.Release()
		n++
	}
	trips.Add(n)

	if r.metricsOn {
		metrics.RoundTrips.
			WithLabelValues(r.cfg.Scenario.Kind, "spinner-"+strconv.Itoa(id), "ok").
			Add(float64(n))
	}
}
