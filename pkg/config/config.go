// Package config provides the unified configuration system for the pool
// harness. It defines a single Config structure covering every knob of a
// harness run, loaded from YAML with environment variable substitution.
//
// The configuration is organized into logical sections:
//   - Scenario: Workload shape (kind, workers, iterations, deadlines)
//   - Priority: OS thread scheduling for victim and contender threads
//   - Output: Report and latency trace destinations, trace compression
//   - Observability: Metrics and tracing toggles, latency sampling
//   - Logging: Level and encoding
//
// Example usage:
//
//	cfg := config.NewDefaultConfig("local-run")
//	cfg.Scenario.Workers = 16
//	cfg.Output.TracePath = "latency.trace.zst"
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"runtime"
	"time"

	"github.com/matklad/spin-of-death/pkg/errors"
)

// Scenario kinds supported by the harness.
const (
	// ScenarioContention runs symmetric workers hammering one pool.
	ScenarioContention = "contention"
	// ScenarioInversion runs one low-priority victim against a wall of
	// high-priority spinners to provoke an unbounded pool spin.
	ScenarioInversion = "inversion"
)

// Thread priority levels a scenario can request.
const (
	PriorityMin    = "min"
	PriorityNormal = "normal"
	PriorityMax    = "max"
)

// Scheduling policies a scenario can request.
const (
	PolicyNormal     = "normal"
	PolicyFIFO       = "fifo"
	PolicyRoundRobin = "round_robin"
)

// Trace compression codec names accepted by Output.Compression.
var compressionCodecs = map[string]bool{
	"none": true,
	"gzip": true,
	"zstd": true,
	"lz4":  true,
	"s2":   true,
}

// Config is the single configuration structure for a harness run.
type Config struct {
	// Name identifies the run in logs, metrics and the report
	Name string `yaml:"name" json:"name"`

	// Scenario describes the workload shape
	Scenario ScenarioConfig `yaml:"scenario" json:"scenario"`

	// Priority describes OS scheduling applied to harness threads
	Priority PriorityConfig `yaml:"priority" json:"priority"`

	// Output describes where results are written
	Output OutputConfig `yaml:"output" json:"output"`

	// Observability settings for metrics, tracing and sampling
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ScenarioConfig describes the workload a run executes.
type ScenarioConfig struct {
	// Kind selects the scenario: contention or inversion
	Kind string `yaml:"kind" json:"kind"`
	// Workers is the number of goroutines doing Get/Release round trips
	Workers int `yaml:"workers" json:"workers"`
	// Spinners is the number of busy goroutines contending for CPU time
	// in the inversion scenario
	Spinners int `yaml:"spinners" json:"spinners"`
	// Iterations is the number of round trips each worker performs
	Iterations int `yaml:"iterations" json:"iterations"`
	// Hold is how long a worker keeps each object checked out
	Hold time.Duration `yaml:"hold" json:"hold"`
	// Settle is the pause after thread setup before the workload starts
	Settle time.Duration `yaml:"settle" json:"settle"`
	// ProbeDelay stretches the one-time entropy source probe, widening the
	// lazy-init window the inversion scenario parks the victim in
	ProbeDelay time.Duration `yaml:"probe_delay" json:"probe_delay"`
	// Deadline aborts the run if a worker makes no progress for this long
	Deadline time.Duration `yaml:"deadline" json:"deadline"`
	// PayloadBytes is the size of each pooled object's payload
	PayloadBytes int `yaml:"payload_bytes" json:"payload_bytes"`
}

// PriorityConfig describes OS thread scheduling for a run. Realtime
// policies need CAP_SYS_NICE or root; with Enabled set the harness applies
// them and falls back to nice values when denied.
type PriorityConfig struct {
	// Enabled turns OS priority manipulation on
	Enabled bool `yaml:"enabled" json:"enabled"`
	// VictimLevel is the priority of the measured worker: min, normal, max
	VictimLevel string `yaml:"victim_level" json:"victim_level"`
	// ContenderLevel is the priority of spinner threads: min, normal, max
	ContenderLevel string `yaml:"contender_level" json:"contender_level"`
	// Policy is the scheduling policy for max-priority threads:
	// normal, fifo, round_robin
	Policy string `yaml:"policy" json:"policy"`
	// PinCPU pins victim and spinners to this CPU; -1 disables pinning
	PinCPU int `yaml:"pin_cpu" json:"pin_cpu"`
}

// OutputConfig describes where a run writes its results.
type OutputConfig struct {
	// ReportPath is the JSON report destination; empty means stdout
	ReportPath string `yaml:"report_path" json:"report_path"`
	// TracePath is the latency trace destination; empty disables the trace
	TracePath string `yaml:"trace_path" json:"trace_path"`
	// Compression is the trace codec: none, gzip, zstd, lz4, s2
	Compression string `yaml:"compression" json:"compression"`
	// Pretty pretty-prints the JSON report
	Pretty bool `yaml:"pretty" json:"pretty"`
}

// ObservabilityConfig describes metrics and tracing for a run.
type ObservabilityConfig struct {
	// EnableMetrics registers Prometheus collectors for the run
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
	// EnableTracing emits OpenTelemetry spans for run phases
	EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing"`
	// SampleEvery records the latency of every Nth round trip; 1 records
	// all of them
	SampleEvery int `yaml:"sample_every" json:"sample_every"`
}

// LoggingConfig describes logger settings for a run.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error
	Level string `yaml:"level" json:"level"`
	// Encoding is the log output format: console or json
	Encoding string `yaml:"encoding" json:"encoding"`
}

// NewDefaultConfig returns a configuration for a plain contention run
// sized to the current machine.
func NewDefaultConfig(name string) *Config {
	return &Config{
		Name: name,
		Scenario: ScenarioConfig{
			Kind:         ScenarioContention,
			Workers:      runtime.NumCPU(),
			Iterations:   100000,
			Settle:       200 * time.Millisecond,
			Deadline:     30 * time.Second,
			PayloadBytes: 64,
		},
		Priority: PriorityConfig{
			VictimLevel:    PriorityNormal,
			ContenderLevel: PriorityNormal,
			Policy:         PolicyNormal,
			PinCPU:         -1,
		},
		Output: OutputConfig{
			Compression: "zstd",
		},
		Observability: ObservabilityConfig{
			EnableMetrics: true,
			SampleEvery:   16,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "console",
		},
	}
}

// NewInversionConfig returns the classic priority inversion setup: one
// minimum-priority victim against 512 maximum-priority round-robin
// spinners, all pinned to CPU 0.
func NewInversionConfig(name string) *Config {
	cfg := NewDefaultConfig(name)
	cfg.Scenario.Kind = ScenarioInversion
	cfg.Scenario.Workers = 1
	cfg.Scenario.Spinners = 512
	cfg.Scenario.Iterations = 1000
	cfg.Scenario.ProbeDelay = 100 * time.Millisecond
	cfg.Scenario.Deadline = 10 * time.Second
	cfg.Priority = PriorityConfig{
		Enabled:        true,
		VictimLevel:    PriorityMin,
		ContenderLevel: PriorityMax,
		Policy:         PolicyRoundRobin,
		PinCPU:         0,
	}
	return cfg
}

// Validate checks the configuration for consistency and returns a
// structured error describing the first problem found.
func (c *Config) Validate() error {
	switch c.Scenario.Kind {
	case ScenarioContention, ScenarioInversion:
	default:
		return errors.New(errors.ErrorTypeValidation, "unknown scenario kind").
			WithDetail("kind", c.Scenario.Kind)
	}

	if c.Scenario.Workers < 1 {
		return errors.New(errors.ErrorTypeValidation, "scenario needs at least one worker").
			WithDetail("workers", c.Scenario.Workers)
	}
	if c.Scenario.Spinners < 0 {
		return errors.New(errors.ErrorTypeValidation, "spinners must not be negative").
			WithDetail("spinners", c.Scenario.Spinners)
	}
	if c.Scenario.Kind == ScenarioInversion && c.Scenario.Spinners < 1 {
		return errors.New(errors.ErrorTypeValidation, "inversion scenario needs at least one spinner").
			WithDetail("spinners", c.Scenario.Spinners)
	}
	if c.Scenario.Iterations < 1 {
		return errors.New(errors.ErrorTypeValidation, "scenario needs at least one iteration").
			WithDetail("iterations", c.Scenario.Iterations)
	}
	if c.Scenario.Hold < 0 || c.Scenario.Settle < 0 || c.Scenario.ProbeDelay < 0 {
		return errors.New(errors.ErrorTypeValidation, "durations must not be negative")
	}
	if c.Scenario.Deadline <= 0 {
		return errors.New(errors.ErrorTypeValidation, "deadline must be positive").
			WithDetail("deadline", c.Scenario.Deadline.String())
	}
	if c.Scenario.PayloadBytes < 0 {
		return errors.New(errors.ErrorTypeValidation, "payload size must not be negative").
			WithDetail("payload_bytes", c.Scenario.PayloadBytes)
	}

	for field, level := range map[string]string{
		"victim_level":    c.Priority.VictimLevel,
		"contender_level": c.Priority.ContenderLevel,
	} {
		switch level {
		case PriorityMin, PriorityNormal, PriorityMax:
		default:
			return errors.New(errors.ErrorTypeValidation, "unknown priority level").
				WithDetail("field", field).
				WithDetail("level", level)
		}
	}
	switch c.Priority.Policy {
	case PolicyNormal, PolicyFIFO, PolicyRoundRobin:
	default:
		return errors.New(errors.ErrorTypeValidation, "unknown scheduling policy").
			WithDetail("policy", c.Priority.Policy)
	}
	if c.Priority.PinCPU < -1 {
		return errors.New(errors.ErrorTypeValidation, "pin_cpu must be -1 or a CPU index").
			WithDetail("pin_cpu", c.Priority.PinCPU)
	}

	if !compressionCodecs[c.Output.Compression] {
		return errors.New(errors.ErrorTypeValidation, "unknown trace compression codec").
			WithDetail("compression", c.Output.Compression)
	}

	if c.Observability.SampleEvery < 1 {
		return errors.New(errors.ErrorTypeValidation, "sample_every must be at least 1").
			WithDetail("sample_every", c.Observability.SampleEvery)
	}

	return nil
}
