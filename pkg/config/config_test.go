package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matklad/spin-of-death/pkg/errors"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := NewDefaultConfig("test").Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestInversionConfigIsValid(t *testing.T) {
	cfg := NewInversionConfig("test")
	if err := cfg.Validate(); err != nil {
		t.Errorf("inversion config should validate, got %v", err)
	}
	if cfg.Scenario.Kind != ScenarioInversion {
		t.Errorf("kind = %q, expected %q", cfg.Scenario.Kind, ScenarioInversion)
	}
	if cfg.Scenario.Spinners != 512 {
		t.Errorf("spinners = %d, expected 512", cfg.Scenario.Spinners)
	}
	if cfg.Priority.Policy != PolicyRoundRobin {
		t.Errorf("policy = %q, expected %q", cfg.Priority.Policy, PolicyRoundRobin)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown scenario", func(c *Config) { c.Scenario.Kind = "stampede" }},
		{"zero workers", func(c *Config) { c.Scenario.Workers = 0 }},
		{"negative spinners", func(c *Config) { c.Scenario.Spinners = -1 }},
		{"inversion without spinners", func(c *Config) {
			c.Scenario.Kind = ScenarioInversion
			c.Scenario.Spinners = 0
		}},
		{"zero iterations", func(c *Config) { c.Scenario.Iterations = 0 }},
		{"negative hold", func(c *Config) { c.Scenario.Hold = -time.Second }},
		{"zero deadline", func(c *Config) { c.Scenario.Deadline = 0 }},
		{"negative payload", func(c *Config) { c.Scenario.PayloadBytes = -8 }},
		{"unknown victim level", func(c *Config) { c.Priority.VictimLevel = "extreme" }},
		{"unknown contender level", func(c *Config) { c.Priority.ContenderLevel = "" }},
		{"unknown policy", func(c *Config) { c.Priority.Policy = "deadline" }},
		{"bad pin", func(c *Config) { c.Priority.PinCPU = -2 }},
		{"unknown codec", func(c *Config) { c.Output.Compression = "brotli" }},
		{"zero sampling", func(c *Config) { c.Observability.SampleEvery = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig("test")
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !errors.IsType(err, errors.ErrorTypeValidation) {
				t.Errorf("expected a validation error, got %v", err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	content := `
name: loaded-run
scenario:
  kind: inversion
  workers: 1
  spinners: 64
  iterations: 500
  deadline: 5s
priority:
  enabled: true
  victim_level: min
  contender_level: max
  policy: round_robin
  pin_cpu: 0
output:
  trace_path: ${TRACE_DIR}/run.trace
  compression: lz4
`
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("TRACE_DIR", "/tmp/traces")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Name != "loaded-run" {
		t.Errorf("name = %q, expected %q", cfg.Name, "loaded-run")
	}
	if cfg.Scenario.Kind != ScenarioInversion {
		t.Errorf("kind = %q, expected inversion", cfg.Scenario.Kind)
	}
	if cfg.Scenario.Spinners != 64 {
		t.Errorf("spinners = %d, expected 64", cfg.Scenario.Spinners)
	}
	if cfg.Output.TracePath != "/tmp/traces/run.trace" {
		t.Errorf("trace_path = %q, env substitution failed", cfg.Output.TracePath)
	}
	if cfg.Output.Compression != "lz4" {
		t.Errorf("compression = %q, expected lz4", cfg.Output.Compression)
	}

	// Unset fields keep their defaults.
	if cfg.Observability.SampleEvery != 16 {
		t.Errorf("sample_every = %d, expected default 16", cfg.Observability.SampleEvery)
	}
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("scenario:\n  kind: bogus\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for invalid scenario kind")
	}
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !errors.IsType(err, errors.ErrorTypeFile) {
		t.Errorf("expected a file error, got %v", err)
	}
}

func TestSaveFileRoundTrip(t *testing.T) {
	cfg := NewInversionConfig("round-trip")
	cfg.Scenario.Spinners = 32

	path := filepath.Join(t.TempDir(), "saved.yaml")
	if err := SaveFile(path, cfg); err != nil {
		t.Fatalf("SaveFile failed: %v", err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if loaded.Name != "round-trip" {
		t.Errorf("name = %q, expected %q", loaded.Name, "round-trip")
	}
	if loaded.Scenario.Spinners != 32 {
		t.Errorf("spinners = %d, expected 32", loaded.Scenario.Spinners)
	}
	if loaded.Priority.VictimLevel != PriorityMin {
		t.Errorf("victim_level = %q, expected min", loaded.Priority.VictimLevel)
	}
}
