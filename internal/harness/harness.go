// Package harness executes pool workload scenarios and measures how the
// lock-free free list behaves under scheduling pressure.
//
// # Scenarios
//
// Two scenarios are built in:
//
//   - contention: W symmetric workers round-trip Get → touch → Release
//     against one pool and record per-acquire latencies. This is the
//     baseline the pool is designed for.
//   - inversion: one victim worker at minimum priority runs the same loop
//     while S spinner threads at maximum (optionally realtime) priority
//     hammer the pool, all pinned to the victim's CPU. The victim's first
//     acquisition also enters the entropy source's one-time init gate,
//     which can be stretched with the probe_delay knob; spinners pile into
//     the same gate and burn their timeslices yielding to each other while
//     the descheduled victim holds it.
//
// # Measurement
//
// Workers publish progress through an atomic counter watched by a
// watchdog goroutine. The watchdog flags a stall when the counter stops
// moving, tracks the worst stall, and aborts the run when the configured
// deadline passes without progress. Latency samples feed Prometheus
// histograms and an in-memory tracker that produces the report
// percentiles; the full sample list can be written as a compressed trace.
//
// # Abort semantics
//
// A true spin of death never resolves: realtime spinners own the CPU and
// the victim can never publish. The watchdog gives up after the deadline
// and the runner abandons the stuck threads; they die with the process.
// Teardown via Drain runs only after a clean join, never on the abort
// path.
package harness

import (
	"context"
	"math/rand"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matklad/spin-of-death/pkg/config"
	"github.com/matklad/spin-of-death/pkg/entropy"
	"github.com/matklad/spin-of-death/pkg/errors"
	"github.com/matklad/spin-of-death/pkg/logger"
	"github.com/matklad/spin-of-death/pkg/metrics"
	"github.com/matklad/spin-of-death/pkg/observability"
	"github.com/matklad/spin-of-death/pkg/pool"
	"github.com/matklad/spin-of-death/pkg/priority"
)

// Runner executes one configured scenario and assembles its report.
type Runner struct {
	cfg   *config.Config
	log   *zap.Logger
	runID string

	// Observability toggles resolved from config
	metricsOn bool
	tracer    *observability.ScenarioTracer
}

// NewRunner creates a runner for the given configuration. The
// configuration must already be validated.
func NewRunner(cfg *config.Config) *Runner {
	runID := newRunID()

	ctx := context.WithValue(context.Background(), logger.RunIDKey, runID)
	ctx = context.WithValue(ctx, logger.ScenarioKey, cfg.Scenario.Kind)

	r := &Runner{
		cfg:       cfg,
		log:       logger.WithContext(ctx),
		runID:     runID,
		metricsOn: cfg.Observability.EnableMetrics,
	}
	if cfg.Observability.EnableTracing {
		r.tracer = observability.NewScenarioTracer(cfg.Scenario.Kind, runID)
	}
	return r
}

// newRunID builds a short per-run identifier. It deliberately avoids the
// entropy package: the inversion scenario needs the entropy init gate
// still closed when the measured workload starts.
func newRunID() string {
	const digits = "0123456789abcdef"
	id := make([]byte, 8)
	v := uint64(time.Now().UnixNano())
	for i := len(id) - 1; i >= 0; i-- {
		id[i] = digits[v&0xf]
		v >>= 4
	}
	return string(id)
}

// RunID returns the identifier stamped on this run's logs and report.
func (r *Runner) RunID() string {
	return r.runID
}

// Run executes the configured scenario and returns its report.
//
// The execution flow:
//  1. Setup: pool construction, thread creation, priorities, pinning
//  2. Settle: quiet pause so thread setup noise dies down
//  3. Measure: the scenario workload between barrier release and join
//  4. Teardown: Drain the pool (skipped when the watchdog aborted)
//  5. Report: totals, percentiles, stalls, system context
//
// Run blocks until the scenario completes or the watchdog abandons it. A
// watchdog abort returns a timeout error alongside a report with the
// partial results; other errors mean the scenario could not be staged.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	timer := metrics.NewTimer("run")
	startedAt := time.Now()

	r.log.Info("starting scenario",
		zap.String("name", r.cfg.Name),
		zap.Int("workers", r.cfg.Scenario.Workers),
		zap.Int("spinners", r.cfg.Scenario.Spinners),
		zap.Int("iterations", r.cfg.Scenario.Iterations),
		zap.Bool("priority", r.cfg.Priority.Enabled))

	var result *scenarioResult
	err := r.phase(ctx, "measure", func(ctx context.Context) error {
		var err error
		switch r.cfg.Scenario.Kind {
		case config.ScenarioContention:
			result, err = r.runContention(ctx)
		case config.ScenarioInversion:
			result, err = r.runInversion(ctx)
		default:
			err = errors.New(errors.ErrorTypeValidation, "unknown scenario kind").
				WithDetail("kind", r.cfg.Scenario.Kind)
		}
		return err
	})
	if result == nil {
		return nil, err
	}

	report := r.assembleReport(startedAt, timer.Stop(), result)

	if r.cfg.Output.TracePath != "" && result.samples.Count() > 0 {
		// A failed trace write degrades the report, it does not fail
		// the run.
		_ = r.phase(ctx, "trace", func(context.Context) error {
			info, terr := r.writeTrace(result.samples)
			if terr != nil {
				r.log.Warn("trace write failed", zap.Error(terr))
				return terr
			}
			report.Trace = info
			return nil
		})
	}

	r.log.Info("scenario finished",
		zap.Int64("round_trips", report.Totals.RoundTrips),
		zap.Int64("created", report.Totals.Created),
		zap.Int("drained", report.Totals.Drained),
		zap.Int("stalls", report.Stalls.Count),
		zap.Duration("worst_stall", time.Duration(report.Stalls.WorstNS)),
		zap.Bool("aborted", report.Aborted))

	return report, err
}

// phase wraps fn in an OpenTelemetry span when tracing is enabled.
func (r *Runner) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	if r.tracer == nil {
		return fn(ctx)
	}
	return r.tracer.TracePhase(ctx, name, fn)
}

// buffer is the pooled object. Workers stamp the head of the payload and
// verify it after the hold window; a torn stamp means two guards handed
// out the same node.
type buffer struct {
	data []byte
}

// newPool builds the pool under test. Payloads are seeded from the
// entropy source, so the first allocation of a run walks through the
// lazy-init gate.
func newPool(payloadBytes int, created *atomic.Int64) *pool.Pool[buffer] {
	return pool.New(func() buffer {
		created.Add(1)
		var b buffer
		if payloadBytes > 0 {
			b.data = make([]byte, payloadBytes)
			if err := entropy.Fill(b.data); err != nil {
				// Leave the payload zeroed; the stamp check still works.
				logger.Warn("entropy seed failed", zap.Error(err))
			}
		}
		return b
	})
}

// startBarrier releases all waiters with one store so every worker
// charges the pool in the same instant. Waiters park on a channel, not a
// spin loop: realtime spinners must not burn the CPU before the release.
type startBarrier struct {
	start chan struct{}
}

func newStartBarrier() *startBarrier {
	return &startBarrier{start: make(chan struct{})}
}

func (b *startBarrier) Release() {
	close(b.start)
}

func (b *startBarrier) Wait() {
	<-b.start
}

// applyRole configures the calling thread's scheduling, degrading
// stepwise when privilege is missing: requested policy, then plain nice
// values, then nothing. Returns the mode that stuck. The calling
// goroutine must be locked to its OS thread.
func applyRole(log *zap.Logger, role string, level priority.Level, policy priority.Policy, pin int) string {
	mode := "none"

	err := priority.Apply(level, policy)
	switch {
	case err == nil:
		mode = string(policy)
	case errors.IsPermission(err) || errors.IsType(err, errors.ErrorTypeUnsupported):
		log.Warn("priority request denied, falling back to nice values",
			zap.String("role", role),
			zap.String("policy", string(policy)),
			zap.Error(err))
		if policy != priority.PolicyNormal {
			if err := priority.Apply(level, priority.PolicyNormal); err == nil {
				mode = "nice"
			} else {
				log.Warn("nice fallback failed", zap.String("role", role), zap.Error(err))
			}
		}
	default:
		log.Warn("priority apply failed", zap.String("role", role), zap.Error(err))
	}

	if pin >= 0 {
		if err := priority.PinTo(pin); err != nil {
			log.Warn("cpu pin failed",
				zap.String("role", role),
				zap.Int("cpu", pin),
				zap.Error(err))
		}
	}

	return mode
}

// spinFor burns the CPU for roughly d. Workers hold pooled objects with a
// busy loop, not a sleep: a sleeping holder would free its CPU and hide
// the contention the scenario is supposed to create.
func spinFor(d time.Duration) {
	if d <= 0 {
		return
	}
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		runtime.Gosched()
	}
}

// holdJitter spreads hold windows ±25% so workers fall out of lockstep.
// The rng is per worker; the measured loop must not share a locked
// source or take a syscall per iteration.
func holdJitter(rng *rand.Rand, hold time.Duration) time.Duration {
	if hold <= 0 {
		return 0
	}
	quarter := int64(hold / 4)
	if quarter == 0 {
		return hold
	}
	return hold - time.Duration(quarter) + time.Duration(rng.Int63n(2*quarter))
}
