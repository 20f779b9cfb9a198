package harness

import (
	"encoding/binary"
	"os"
	"runtime"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/matklad/spin-of-death/pkg/compression"
	"github.com/matklad/spin-of-death/pkg/config"
	"github.com/matklad/spin-of-death/pkg/entropy"
	"github.com/matklad/spin-of-death/pkg/errors"
	"github.com/matklad/spin-of-death/pkg/metrics"
	"github.com/matklad/spin-of-death/pkg/priority"
)

// Report is the machine-readable result of one harness run. Durations
// are serialized as integer nanoseconds so downstream tooling does not
// have to parse Go duration strings.
type Report struct {
	Name      string    `json:"name"`
	RunID     string    `json:"run_id"`
	Scenario  string    `json:"scenario"`
	StartedAt time.Time `json:"started_at"`
	// DurationNS covers the whole run including setup and teardown;
	// Totals.MeasuredNS covers only the measured window.
	DurationNS int64 `json:"duration_ns"`
	Aborted    bool  `json:"aborted"`

	Totals   Totals          `json:"totals"`
	Latency  LatencySummary  `json:"latency"`
	Stalls   StallSummary    `json:"stalls"`
	Priority PrioritySummary `json:"priority"`
	System   SystemInfo      `json:"system"`
	Trace    *TraceInfo      `json:"trace,omitempty"`
	Config   *config.Config  `json:"config"`
}

// Totals aggregates the run's counters.
type Totals struct {
	Workers    int   `json:"workers"`
	MeasuredNS int64 `json:"measured_ns"`
	// RoundTrips counts measured workers only; spinner traffic is
	// reported separately.
	RoundTrips       int64   `json:"round_trips"`
	SpinnerTrips     int64   `json:"spinner_trips,omitempty"`
	ThroughputPerSec float64 `json:"throughput_per_sec"`
	Created          int64   `json:"created"`
	Drained          int     `json:"drained"`
	DrainSkipped     bool    `json:"drain_skipped,omitempty"`
	// Corrupted counts torn payload stamps. Anything above zero means
	// the pool handed one object to two holders.
	Corrupted int64 `json:"corrupted"`
}

// LatencySummary holds acquire latency percentiles in nanoseconds.
type LatencySummary struct {
	Samples int   `json:"samples"`
	P50NS   int64 `json:"p50_ns"`
	P90NS   int64 `json:"p90_ns"`
	P99NS   int64 `json:"p99_ns"`
	MaxNS   int64 `json:"max_ns"`
}

// StallSummary holds the watchdog's observations.
type StallSummary struct {
	Count   int   `json:"count"`
	WorstNS int64 `json:"worst_ns"`
}

// PrioritySummary records what scheduling the run actually got, which
// on an unprivileged box can be less than what it asked for.
type PrioritySummary struct {
	Enabled bool `json:"enabled"`
	// VictimMode and ContenderMode are the scheduling modes that stuck:
	// the policy name, "nice", or "none".
	VictimMode        string `json:"victim_mode,omitempty"`
	ContenderMode     string `json:"contender_mode,omitempty"`
	RealtimePermitted bool   `json:"realtime_permitted"`
}

// SystemInfo captures the machine the run executed on.
type SystemInfo struct {
	Hostname      string  `json:"hostname,omitempty"`
	Platform      string  `json:"platform,omitempty"`
	Kernel        string  `json:"kernel,omitempty"`
	CPUModel      string  `json:"cpu_model,omitempty"`
	NumCPU        int     `json:"num_cpu"`
	GoMaxProcs    int     `json:"gomaxprocs"`
	MemoryTotal   uint64  `json:"memory_total_bytes,omitempty"`
	LoadAvg1      float64 `json:"load_avg_1,omitempty"`
	GoVersion     string  `json:"go_version"`
	GoOS          string  `json:"go_os"`
	GoArch        string  `json:"go_arch"`
	EntropySource string  `json:"entropy_source,omitempty"`
}

// TraceInfo describes the latency trace written alongside the report.
type TraceInfo struct {
	Path            string `json:"path"`
	Codec           string `json:"codec"`
	Samples         int    `json:"samples"`
	RawBytes        int    `json:"raw_bytes"`
	CompressedBytes int    `json:"compressed_bytes"`
}

// assembleReport folds a scenario result and the machine context into
// the run report.
func (r *Runner) assembleReport(startedAt time.Time, total time.Duration, res *scenarioResult) *Report {
	var throughput float64
	if res.elapsed > 0 {
		throughput = float64(res.roundTrips) / res.elapsed.Seconds()
	}

	return &Report{
		Name:       r.cfg.Name,
		RunID:      r.runID,
		Scenario:   r.cfg.Scenario.Kind,
		StartedAt:  startedAt,
		DurationNS: total.Nanoseconds(),
		Aborted:    res.aborted,
		Totals: Totals{
			Workers:          res.workers,
			MeasuredNS:       res.elapsed.Nanoseconds(),
			RoundTrips:       res.roundTrips,
			SpinnerTrips:     res.spinnerTrips,
			ThroughputPerSec: throughput,
			Created:          res.created,
			Drained:          res.drained,
			DrainSkipped:     res.drainSkipped,
			Corrupted:        res.corrupted,
		},
		Latency: LatencySummary{
			Samples: res.samples.Count(),
			P50NS:   res.samples.Percentile(50).Nanoseconds(),
			P90NS:   res.samples.Percentile(90).Nanoseconds(),
			P99NS:   res.samples.Percentile(99).Nanoseconds(),
			MaxNS:   res.samples.Max().Nanoseconds(),
		},
		Stalls: StallSummary{
			Count:   res.stallCount,
			WorstNS: res.worstStall.Nanoseconds(),
		},
		Priority: PrioritySummary{
			Enabled:           r.cfg.Priority.Enabled,
			VictimMode:        res.victimMode,
			ContenderMode:     res.contenderMode,
			RealtimePermitted: priority.RealtimePermitted(),
		},
		System: collectSystemInfo(r.log),
		Config: r.cfg,
	}
}

// collectSystemInfo gathers machine context for the report. Every probe
// is best effort; a missing field beats a failed run.
func collectSystemInfo(log *zap.Logger) SystemInfo {
	info := SystemInfo{
		NumCPU:        runtime.NumCPU(),
		GoMaxProcs:    runtime.GOMAXPROCS(0),
		GoVersion:     runtime.Version(),
		GoOS:          runtime.GOOS,
		GoArch:        runtime.GOARCH,
		EntropySource: entropy.SourceName(),
	}

	if h, err := host.Info(); err == nil {
		info.Hostname = h.Hostname
		info.Platform = strings.TrimSpace(h.Platform + " " + h.PlatformVersion)
		info.Kernel = h.KernelVersion
	} else {
		log.Debug("host info unavailable", zap.Error(err))
	}
	if cpus, err := cpu.Info(); err == nil && len(cpus) > 0 {
		info.CPUModel = cpus[0].ModelName
	} else if err != nil {
		log.Debug("cpu info unavailable", zap.Error(err))
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemoryTotal = vm.Total
	} else {
		log.Debug("memory info unavailable", zap.Error(err))
	}
	if avg, err := load.Avg(); err == nil {
		info.LoadAvg1 = avg.Load1
	} else {
		log.Debug("load average unavailable", zap.Error(err))
	}

	return info
}

// WriteReport renders the report as JSON to the configured destination,
// stdout when no path is set.
func WriteReport(report *Report, out config.OutputConfig) error {
	var (
		data []byte
		err  error
	)
	if out.Pretty {
		data, err = json.MarshalIndent(report, "", "  ")
	} else {
		data, err = json.Marshal(report)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "marshaling report")
	}
	data = append(data, '\n')

	if out.ReportPath == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(out.ReportPath, data, 0o644); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "writing report").
			WithDetail("path", out.ReportPath)
	}
	return nil
}

// writeTrace persists the latency samples as a stream of uvarint
// nanosecond values, compressed with the configured codec. The codec's
// extension is appended to the configured path.
func (r *Runner) writeTrace(samples *metrics.LatencyTracker) (*TraceInfo, error) {
	algo, err := compression.ParseAlgorithm(r.cfg.Output.Compression)
	if err != nil {
		return nil, err
	}

	values := samples.Samples()
	raw := make([]byte, 0, len(values)*2)
	var scratch [binary.MaxVarintLen64]byte
	for _, v := range values {
		n := binary.PutUvarint(scratch[:], uint64(v.Nanoseconds()))
		raw = append(raw, scratch[:n]...)
	}

	comp, err := compression.NewCompressor(&compression.Config{
		Algorithm: algo,
		Level:     compression.Default,
	})
	if err != nil {
		return nil, err
	}
	encoded, err := comp.Compress(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "compressing trace")
	}

	path := r.cfg.Output.TracePath + algo.Extension()
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "writing trace").
			WithDetail("path", path)
	}

	r.log.Info("trace written",
		zap.String("path", path),
		zap.Int("samples", len(values)),
		zap.Int("raw_bytes", len(raw)),
		zap.Int("compressed_bytes", len(encoded)))

	return &TraceInfo{
		Path:            path,
		Codec:           string(algo),
		Samples:         len(values),
		RawBytes:        len(raw),
		CompressedBytes: len(encoded),
	}, nil
}

// ReadTrace decodes a latency trace written by writeTrace back into
// durations. The codec is inferred from the path extension.
func ReadTrace(path string) ([]time.Duration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "reading trace").
			WithDetail("path", path)
	}

	algo := compression.None
	for _, candidate := range []compression.Algorithm{
		compression.Gzip, compression.LZ4, compression.Zstd, compression.S2,
	} {
		if ext := candidate.Extension(); ext != "" && strings.HasSuffix(path, ext) {
			algo = candidate
			break
		}
	}
	comp, err := compression.NewCompressor(&compression.Config{
		Algorithm: algo,
		Level:     compression.Default,
	})
	if err != nil {
		return nil, err
	}
	raw, err := comp.Decompress(data)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "decompressing trace")
	}

	var out []time.Duration
	for len(raw) > 0 {
		v, n := binary.Uvarint(raw)
		if n <= 0 {
			return nil, errors.New(errors.ErrorTypeInternal, "truncated trace varint").
				WithDetail("path", path)
		}
		out = append(out, time.Duration(v))
		raw = raw[n:]
	}
	return out, nil
}
