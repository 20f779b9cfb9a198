package harness

import (
	"context"
	"os"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/suite"

	"github.com/matklad/spin-of-death/pkg/config"
	"github.com/matklad/spin-of-death/pkg/testutil"
)

// HarnessSuite runs full scenarios end to end and inspects the files
// they leave behind.
type HarnessSuite struct {
	testutil.IntegrationTestSuite
}

func TestHarnessSuite(t *testing.T) {
	testutil.IntegrationTest(t)
	suite.Run(t, new(HarnessSuite))
}

func (s *HarnessSuite) TestContentionRunWritesArtifacts() {
	cfg := config.NewDefaultConfig("it-contention")
	cfg.Scenario.Workers = 4
	cfg.Scenario.Iterations = 5000
	cfg.Scenario.Settle = 20 * time.Millisecond
	cfg.Observability.SampleEvery = 4
	cfg.Output.ReportPath = s.TempPath("contention-report.json")
	cfg.Output.TracePath = s.TempPath("contention-trace.bin")
	cfg.Output.Compression = "zstd"
	cfg.Output.Pretty = true
	s.Require().NoError(cfg.Validate())

	r := NewRunner(cfg)
	report, err := r.Run(s.Context())
	s.Require().NoError(err)
	s.Require().NoError(WriteReport(report, cfg.Output))

	data, err := os.ReadFile(cfg.Output.ReportPath)
	s.Require().NoError(err)
	var decoded Report
	s.Require().NoError(json.Unmarshal(data, &decoded))

	s.Equal(report.RunID, decoded.RunID)
	s.Equal(int64(4*5000), decoded.Totals.RoundTrips)
	s.False(decoded.Aborted)
	s.Zero(decoded.Totals.Corrupted)
	s.NotEmpty(decoded.System.GoVersion)
	s.Equal(config.ScenarioContention, decoded.Config.Scenario.Kind)

	s.Require().NotNil(decoded.Trace)
	samples, err := ReadTrace(decoded.Trace.Path)
	s.Require().NoError(err)
	s.Len(samples, decoded.Trace.Samples)
	s.Equal(decoded.Latency.Samples, len(samples))
}

func (s *HarnessSuite) TestConfigFileDrivesRun() {
	s.T().Setenv("RUN_NAME", "it-from-file")

	yamlCfg := `name: ${RUN_NAME}
scenario:
  kind: contention
  workers: 2
  iterations: 2000
  settle: 10ms
observability:
  sample_every: 8
output:
  report_path: ` + s.TempPath("file-report.json") + `
  compression: none
`
	path := s.CreateTempFile("run.yaml", []byte(yamlCfg))

	cfg, err := config.LoadFile(path)
	s.Require().NoError(err)
	s.Equal("it-from-file", cfg.Name)
	s.Equal(2, cfg.Scenario.Workers)
	// Fields the file leaves out keep their defaults.
	s.Equal(30*time.Second, cfg.Scenario.Deadline)
	s.True(cfg.Observability.EnableMetrics)

	report, err := NewRunner(cfg).Run(s.Context())
	s.Require().NoError(err)
	s.Require().NoError(WriteReport(report, cfg.Output))

	s.Equal(int64(2*2000), report.Totals.RoundTrips)
	s.FileExists(cfg.Output.ReportPath)
}

func (s *HarnessSuite) TestInversionRunDegradesWithoutPrivilege() {
	cfg := config.NewInversionConfig("it-inversion")
	cfg.Scenario.Spinners = 4
	cfg.Scenario.Iterations = 500
	cfg.Scenario.Hold = 100 * time.Microsecond
	cfg.Scenario.ProbeDelay = 10 * time.Millisecond
	cfg.Scenario.Settle = 20 * time.Millisecond
	cfg.Scenario.Deadline = 60 * time.Second
	// Unpinned so a privileged CI box cannot be wedged by four realtime
	// spinners sharing one CPU with the suite.
	cfg.Priority.PinCPU = -1
	s.Require().NoError(cfg.Validate())

	r := NewRunner(cfg)
	report, err := r.Run(s.Context())
	s.Require().NoError(err)

	s.False(report.Aborted)
	s.Equal(int64(500), report.Totals.RoundTrips)
	s.Positive(report.Totals.SpinnerTrips)
	s.Zero(report.Totals.Corrupted)
	// Whatever scheduling stuck is reported; without privilege the
	// request degrades instead of failing the run.
	s.Contains([]string{"round_robin", "nice", "none"}, report.Priority.ContenderMode)
	s.Contains([]string{"normal", "nice", "none"}, report.Priority.VictimMode)
}

func (s *HarnessSuite) TestContentionThroughputFloor() {
	cfg := config.NewDefaultConfig("it-perf")
	cfg.Scenario.Workers = 2
	cfg.Scenario.Iterations = 50000
	cfg.Scenario.Settle = 0
	cfg.Observability.SampleEvery = 64
	cfg.Observability.EnableMetrics = false
	s.Require().NoError(cfg.Validate())

	// The floor is two orders of magnitude under what an uncontended
	// CAS loop sustains; it only catches pathological regressions.
	perf := testutil.NewPerformanceTest(s.T(), "contention-throughput").
		WithThroughputTarget(50000).
		WithLatencyTarget(time.Millisecond)
	perf.Run(func() (int64, time.Duration) {
		report, err := NewRunner(cfg).Run(context.Background())
		s.Require().NoError(err)
		return report.Totals.RoundTrips, time.Duration(report.Totals.MeasuredNS)
	})
}
