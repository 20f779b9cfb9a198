package harness

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/matklad/spin-of-death/pkg/config"
	"github.com/matklad/spin-of-death/pkg/metrics"
	"github.com/matklad/spin-of-death/pkg/priority"
	"github.com/matklad/spin-of-death/pkg/testutil"
)

func readReport(t *testing.T, path string) *Report {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading report: %v", err)
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	return &report
}

func testConfig(name string) *config.Config {
	cfg := config.NewDefaultConfig(name)
	cfg.Scenario.Workers = 4
	cfg.Scenario.Iterations = 2000
	cfg.Scenario.Settle = 10 * time.Millisecond
	cfg.Scenario.Deadline = 30 * time.Second
	cfg.Observability.SampleEvery = 8
	return cfg
}

func TestRunContention(t *testing.T) {
	cfg := testConfig("contention-test")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config invalid: %v", err)
	}

	r := NewRunner(cfg)
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Scenario != config.ScenarioContention {
		t.Errorf("scenario = %q, want %q", report.Scenario, config.ScenarioContention)
	}
	if report.RunID == "" {
		t.Error("report has no run ID")
	}
	if report.Aborted {
		t.Error("contention run should not abort")
	}

	want := int64(cfg.Scenario.Workers) * int64(cfg.Scenario.Iterations)
	if report.Totals.RoundTrips != want {
		t.Errorf("round trips = %d, want %d", report.Totals.RoundTrips, want)
	}
	if report.Totals.Corrupted != 0 {
		t.Errorf("corrupted = %d, want 0", report.Totals.Corrupted)
	}
	if report.Totals.Created < 1 {
		t.Error("pool never created an object")
	}
	if report.Totals.Created > want {
		t.Errorf("created %d objects for %d round trips", report.Totals.Created, want)
	}
	// Every guard was released, so teardown sees every object.
	if int64(report.Totals.Drained) != report.Totals.Created {
		t.Errorf("drained = %d, created = %d; all objects should return to the free list",
			report.Totals.Drained, report.Totals.Created)
	}
	if report.Totals.DrainSkipped {
		t.Error("drain should not be skipped on a clean run")
	}

	if report.Latency.Samples == 0 {
		t.Error("no latency samples recorded")
	}
	if report.Latency.MaxNS < report.Latency.P50NS {
		t.Errorf("max %dns below p50 %dns", report.Latency.MaxNS, report.Latency.P50NS)
	}
	if report.Totals.ThroughputPerSec <= 0 {
		t.Error("throughput should be positive")
	}
}

func TestRunInversionUnprivileged(t *testing.T) {
	cfg := config.NewInversionConfig("inversion-test")
	cfg.Scenario.Spinners = 4
	cfg.Scenario.Iterations = 200
	cfg.Scenario.Hold = 200 * time.Microsecond
	cfg.Scenario.ProbeDelay = 20 * time.Millisecond
	cfg.Scenario.Settle = 10 * time.Millisecond
	cfg.Scenario.Deadline = 30 * time.Second
	// Scheduling itself is covered by the priority package tests; here
	// the choreography runs without privileges.
	cfg.Priority.Enabled = false
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config invalid: %v", err)
	}

	r := NewRunner(cfg)
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Aborted {
		t.Fatal("unprivileged inversion run should complete")
	}
	if report.Totals.RoundTrips != int64(cfg.Scenario.Iterations) {
		t.Errorf("victim round trips = %d, want %d",
			report.Totals.RoundTrips, cfg.Scenario.Iterations)
	}
	if report.Totals.SpinnerTrips == 0 {
		t.Error("spinners never completed a round trip")
	}
	if report.Totals.Corrupted != 0 {
		t.Errorf("corrupted = %d, want 0", report.Totals.Corrupted)
	}
	if int64(report.Totals.Drained) != report.Totals.Created {
		t.Errorf("drained = %d, created = %d", report.Totals.Drained, report.Totals.Created)
	}
	if report.Priority.VictimMode != "none" || report.Priority.ContenderMode != "none" {
		t.Errorf("modes = %q/%q, want none/none with priority disabled",
			report.Priority.VictimMode, report.Priority.ContenderMode)
	}
}

func TestRunRejectsUnknownScenario(t *testing.T) {
	cfg := testConfig("bad-scenario")
	cfg.Scenario.Kind = "bogus"

	r := NewRunner(cfg)
	report, err := r.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error for an unknown scenario kind")
	}
	if report != nil {
		t.Error("no report expected when the scenario cannot be staged")
	}
}

func TestWatchdogAbortsOnIdle(t *testing.T) {
	cfg := testConfig("watchdog-abort")
	cfg.Scenario.Deadline = 300 * time.Millisecond
	r := NewRunner(cfg)

	var progress atomic.Int64
	var stop atomic.Bool
	dog := r.newWatchdog(&progress, &stop)
	dog.start()

	select {
	case <-dog.abortC:
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog never aborted an idle run")
	}
	if !stop.Load() {
		t.Error("abort should raise the stop flag")
	}

	stalls, worst, aborted := dog.finish()
	if !aborted {
		t.Error("watchdog should report the abort")
	}
	if stalls == 0 {
		t.Error("the idle window should have been recorded as a stall")
	}
	if worst < 250*time.Millisecond {
		t.Errorf("worst stall = %v, want at least most of the deadline", worst)
	}
}

func TestWatchdogRecordsResolvedStall(t *testing.T) {
	cfg := testConfig("watchdog-stall")
	cfg.Scenario.Deadline = 5 * time.Second
	r := NewRunner(cfg)

	var progress atomic.Int64
	var stop atomic.Bool
	dog := r.newWatchdog(&progress, &stop)
	dog.start()

	// Steady progress, then a pause well past the stall threshold, then
	// progress again.
	for i := 0; i < 5; i++ {
		progress.Add(1)
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(600 * time.Millisecond)
	progress.Add(1)
	time.Sleep(50 * time.Millisecond)

	stalls, worst, aborted := dog.finish()
	if aborted {
		t.Error("run should not abort, progress resumed before the deadline")
	}
	if stalls == 0 {
		t.Fatal("pause should have been recorded as a stall")
	}
	if worst < 400*time.Millisecond || worst > 5*time.Second {
		t.Errorf("worst stall = %v, want roughly the pause length", worst)
	}
	if stop.Load() {
		t.Error("stop flag should stay clear without an abort")
	}
}

func TestApplyRoleDegradesWithoutPrivilege(t *testing.T) {
	log := testutil.TestLogger(t)

	modeC := make(chan string, 2)
	go func() {
		// The thread is retired when the goroutine returns, taking its
		// scheduling changes with it, the same way scenario workers run.
		runtime.LockOSThread()
		modeC <- applyRole(log, "victim", priority.Min, priority.PolicyNormal, -1)
		modeC <- applyRole(log, "spinner", priority.Max, priority.PolicyRoundRobin, -1)
	}()

	victimMode := <-modeC
	if victimMode != "normal" && victimMode != "none" {
		t.Errorf("victim mode = %q, want normal", victimMode)
	}

	// Unprivileged the realtime request degrades, privileged it sticks;
	// both are correct, anything else is a broken ladder.
	spinnerMode := <-modeC
	switch spinnerMode {
	case "round_robin", "nice", "none":
	default:
		t.Errorf("spinner mode = %q, not a state the ladder can produce", spinnerMode)
	}
}

func TestStampDetectsOverwrite(t *testing.T) {
	data := make([]byte, 16)
	if !writeStamp(data, 3, 41) {
		t.Fatal("16-byte payload should be stampable")
	}
	if !checkStamp(data, 3, 41) {
		t.Error("fresh stamp should verify")
	}
	if checkStamp(data, 3, 42) {
		t.Error("stamp for another iteration should not verify")
	}

	writeStamp(data, 4, 41)
	if checkStamp(data, 3, 41) {
		t.Error("overwritten stamp should not verify for the old holder")
	}

	if writeStamp(make([]byte, 7), 0, 0) {
		t.Error("payload below 8 bytes cannot hold a stamp")
	}
}

func TestHoldJitterStaysInBand(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	hold := 100 * time.Microsecond
	lo, hi := 75*time.Microsecond, 125*time.Microsecond
	for i := 0; i < 1000; i++ {
		got := holdJitter(rng, hold)
		if got < lo || got >= hi {
			t.Fatalf("jitter %v outside [%v, %v)", got, lo, hi)
		}
	}
	if holdJitter(rng, 0) != 0 {
		t.Error("zero hold should stay zero")
	}
}

func TestProbeLead(t *testing.T) {
	cases := []struct {
		delay time.Duration
		want  time.Duration
	}{
		{0, 0},
		{40 * time.Millisecond, 10 * time.Millisecond},
		{100 * time.Millisecond, 25 * time.Millisecond},
		{time.Second, 25 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := probeLead(tc.delay); got != tc.want {
			t.Errorf("probeLead(%v) = %v, want %v", tc.delay, got, tc.want)
		}
	}
}

func TestMergeTrackers(t *testing.T) {
	a := metrics.NewLatencyTracker(8)
	b := metrics.NewLatencyTracker(8)
	a.Record(10 * time.Microsecond)
	a.Record(20 * time.Microsecond)
	b.Record(30 * time.Microsecond)

	merged := mergeTrackers([]*metrics.LatencyTracker{a, b})
	if merged.Count() != 3 {
		t.Errorf("merged count = %d, want 3", merged.Count())
	}
	if merged.Max() != 30*time.Microsecond {
		t.Errorf("merged max = %v, want 30µs", merged.Max())
	}

	empty := mergeTrackers([]*metrics.LatencyTracker{metrics.NewLatencyTracker(1)})
	if empty.Count() != 0 {
		t.Errorf("merging empty trackers should stay empty, got %d", empty.Count())
	}
}

func TestNewRunID(t *testing.T) {
	id := newRunID()
	if len(id) != 8 {
		t.Fatalf("run ID %q should be 8 characters", id)
	}
	if strings.Trim(id, "0123456789abcdef") != "" {
		t.Errorf("run ID %q should be lowercase hex", id)
	}
}

func TestTraceRoundTrip(t *testing.T) {
	cfg := testConfig("trace-roundtrip")
	cfg.Output.TracePath = filepath.Join(t.TempDir(), "trace.bin")
	cfg.Output.Compression = "zstd"
	r := NewRunner(cfg)

	tracker := metrics.NewLatencyTracker(16)
	recorded := []time.Duration{
		150 * time.Nanosecond,
		2 * time.Microsecond,
		45 * time.Millisecond,
		3 * time.Second,
	}
	for _, d := range recorded {
		tracker.Record(d)
	}

	info, err := r.writeTrace(tracker)
	if err != nil {
		t.Fatalf("writeTrace: %v", err)
	}
	if info.Samples != len(recorded) {
		t.Errorf("trace samples = %d, want %d", info.Samples, len(recorded))
	}
	if !strings.HasSuffix(info.Path, ".zst") {
		t.Errorf("trace path %q should carry the codec extension", info.Path)
	}

	got, err := ReadTrace(info.Path)
	if err != nil {
		t.Fatalf("ReadTrace: %v", err)
	}
	if len(got) != len(recorded) {
		t.Fatalf("read %d samples, want %d", len(got), len(recorded))
	}
	for i, d := range recorded {
		if got[i] != d {
			t.Errorf("sample %d = %v, want %v", i, got[i], d)
		}
	}
}

func TestWriteReportToFile(t *testing.T) {
	report := &Report{
		Name:     "write-test",
		RunID:    "cafe0123",
		Scenario: config.ScenarioContention,
		Totals:   Totals{RoundTrips: 42},
	}

	path := filepath.Join(t.TempDir(), "report.json")
	out := config.OutputConfig{ReportPath: path, Pretty: true}
	if err := WriteReport(report, out); err != nil {
		t.Fatalf("WriteReport: %v", err)
	}

	decoded := readReport(t, path)
	if decoded.RunID != report.RunID {
		t.Errorf("run ID = %q, want %q", decoded.RunID, report.RunID)
	}
	if decoded.Totals.RoundTrips != 42 {
		t.Errorf("round trips = %d, want 42", decoded.Totals.RoundTrips)
	}
}
