// Package spinofdeath is a harness for demonstrating how a lock-free
// object pool behaves when the OS scheduler works against it.
//
// At its core sits pkg/pool, a generic free-list pool whose Get briefly
// locks the list head with a sentinel value to close the classic ABA
// window. "Lock-free" there means no mutexes, not no waiting: a thread
// preempted between taking the sentinel and publishing the new head
// leaves every other pool user spinning on yield. The rest of the
// repository exists to make that window observable, measurable and
// reproducible.
//
// # Architecture
//
// The repository is built around three layers:
//
// 1. The pool itself (pkg/pool): a generic intrusive free list with
// scoped guards. Get returns a Guard by value; the steady state is two
// CAS operations and zero allocations per round trip.
//
// 2. The pressure points (pkg/entropy, pkg/priority): the entropy
// source reproduces the lazy one-time init gate that makes first
// allocations expensive, and the priority package manipulates OS thread
// scheduling so that a preempted pool user can be starved on purpose.
//
// 3. The harness (internal/harness): scenario choreography, a watchdog
// that measures progress stalls from outside the measured threads, and
// a JSON report with latency percentiles, stall counts and machine
// context.
//
// # Quick Start
//
// Use the pool directly:
//
//	import "github.com/matklad/spin-of-death/pkg/pool"
//
//	p := pool.New(func() *bytes.Buffer { return &bytes.Buffer{} })
//
//	g := p.Get()
//	buf := *g.Value()
//	buf.Reset()
//	buf.WriteString("scratch space")
//	g.Release()
//
// Or run a scenario:
//
//	spin-of-death run
//	spin-of-death run --scenario inversion --probe-delay 250ms
//	sudo spin-of-death run --scenario inversion --priority --pin-cpu 0
//
// # Key Packages
//
//	pkg/pool         - Lock-free free-list pool with scoped guards
//	pkg/entropy      - Lazily probed random source with a spin-guarded init gate
//	pkg/priority     - OS thread scheduling control (nice, SCHED_FIFO/RR, pinning)
//	pkg/config       - Run configuration with YAML loading and validation
//	pkg/compression  - Trace codecs (gzip, lz4, zstd, s2)
//	pkg/metrics      - Prometheus collectors and latency tracking
//	pkg/logger       - Structured logging
//	pkg/errors       - Structured error handling
//	internal/harness - Scenario runner, watchdog and report assembly
//
// # Scenarios
//
// contention runs symmetric workers through Get/Release round trips and
// records acquire latencies. This is the baseline the pool is designed
// for; on an idle machine the percentiles sit in the nanoseconds.
//
// inversion pins one minimum-priority victim and hundreds of
// maximum-priority spinners to the same CPU. The victim's first
// acquisition enters the entropy source's init gate, stretched by
// probe_delay; the spinners pile into the same gate and burn their
// timeslices yielding to each other while the descheduled victim holds
// it. With realtime spinners and no scheduler throttling the victim
// never runs again and the watchdog abandons the run; that is the spin
// of death the tool is named after.
//
// # Reports
//
// Every run produces a JSON report: round trip totals, latency
// percentiles, watchdog stalls, the scheduling modes that actually
// stuck, and the machine the run executed on. Latency traces can be
// written alongside as compressed varint streams.
//
// # Requirements
//
// The pool and the contention scenario are portable Go. Priority
// manipulation, CPU pinning and the getrandom entropy probe are
// Linux-only; elsewhere the harness degrades to plain scheduling and
// crypto/rand. Realtime policies need root or CAP_SYS_NICE.
package spinofdeath
