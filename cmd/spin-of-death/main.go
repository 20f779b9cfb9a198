package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/matklad/spin-of-death/internal/harness"
	"github.com/matklad/spin-of-death/pkg/config"
	"github.com/matklad/spin-of-death/pkg/entropy"
	"github.com/matklad/spin-of-death/pkg/logger"
	"github.com/matklad/spin-of-death/pkg/observability"
	"github.com/matklad/spin-of-death/pkg/priority"
)

var version = "0.1.0"

// runFlags collects the run command's flag values. Only flags the user
// actually set override the loaded configuration.
type runFlags struct {
	configFile string
	scenario   string

	workers      int
	spinners     int
	iterations   int
	hold         time.Duration
	settle       time.Duration
	probeDelay   time.Duration
	deadline     time.Duration
	payloadBytes int

	priority bool
	pinCPU   int
	policy   string

	report      string
	trace       string
	compression string
	pretty      bool

	logLevel      string
	logEncoding   string
	enableTracing bool
	sampleEvery   int

	cpuProfile string
	memProfile string
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load() // Ignore error if .env doesn't exist

	root := &cobra.Command{
		Use:   "spin-of-death",
		Short: "spin-of-death - lock-free pool scheduling harness",
		Long: `spin-of-death measures how a lock-free object pool behaves when the OS
scheduler works against it. It runs contention and priority inversion
scenarios against the pool and writes a JSON report with latency
percentiles, watchdog stalls and the machine context of the run.`,
	}

	// Version command
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("spin-of-death v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	// Info command: what this machine can and cannot stage
	root.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Show machine capabilities relevant to a run",
		Run: func(cmd *cobra.Command, args []string) {
			printMachineInfo()
		},
	})

	// Main run command
	f := &runFlags{}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pool scenario",
		Long: `Run a pool scenario and write its report.

Without flags this runs the default contention scenario sized to the
machine. A YAML configuration file can describe the whole run; any flag
set on the command line overrides the file.

Examples:
  spin-of-death run
  spin-of-death run --scenario inversion --probe-delay 250ms
  spin-of-death run --config run.yaml --report report.json --pretty`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd, f)
			if err != nil {
				return err
			}
			return runScenario(f, cfg)
		},
	}

	runCmd.Flags().StringVarP(&f.configFile, "config", "c", "", "Path to run configuration YAML file")
	runCmd.Flags().StringVar(&f.scenario, "scenario", config.ScenarioContention, "Scenario to run (contention, inversion)")

	runCmd.Flags().IntVar(&f.workers, "workers", runtime.NumCPU(), "Number of measured worker threads")
	runCmd.Flags().IntVar(&f.spinners, "spinners", 512, "Number of contender threads for the inversion scenario")
	runCmd.Flags().IntVar(&f.iterations, "iterations", 100000, "Round trips per measured worker")
	runCmd.Flags().DurationVar(&f.hold, "hold", 0, "How long each worker busy-holds an object per round trip")
	runCmd.Flags().DurationVar(&f.settle, "settle", 200*time.Millisecond, "Quiet pause between thread setup and measurement")
	runCmd.Flags().DurationVar(&f.probeDelay, "probe-delay", 100*time.Millisecond, "Stretch of the one-time entropy probe the inversion victim is parked in")
	runCmd.Flags().DurationVar(&f.deadline, "deadline", 30*time.Second, "Abort the run after this long without progress")
	runCmd.Flags().IntVar(&f.payloadBytes, "payload-bytes", 64, "Size of each pooled object's payload")

	runCmd.Flags().BoolVar(&f.priority, "priority", false, "Apply OS thread priorities (inversion scenario)")
	runCmd.Flags().IntVar(&f.pinCPU, "pin-cpu", -1, "Pin victim and spinners to this CPU, -1 to disable")
	runCmd.Flags().StringVar(&f.policy, "policy", config.PolicyRoundRobin, "Scheduling policy for max-priority threads (normal, fifo, round_robin)")

	runCmd.Flags().StringVar(&f.report, "report", "", "Report destination path, empty for stdout")
	runCmd.Flags().StringVar(&f.trace, "trace", "", "Latency trace destination path, empty to disable")
	runCmd.Flags().StringVar(&f.compression, "compression", "zstd", "Trace compression codec (none, gzip, lz4, zstd, s2)")
	runCmd.Flags().BoolVar(&f.pretty, "pretty", false, "Pretty-print the JSON report")

	runCmd.Flags().StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&f.logEncoding, "log-encoding", "console", "Log encoding (console, json)")
	runCmd.Flags().BoolVar(&f.enableTracing, "enable-tracing", false, "Emit OpenTelemetry spans for run phases")
	runCmd.Flags().IntVar(&f.sampleEvery, "sample-every", 16, "Record the latency of every Nth round trip")

	runCmd.Flags().StringVar(&f.cpuProfile, "cpuprofile", "", "Write a CPU profile of the run to file")
	runCmd.Flags().StringVar(&f.memProfile, "memprofile", "", "Write a heap profile after the run to file")

	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildConfig assembles the effective run configuration: scenario
// defaults, then the YAML file, then explicitly set flags on top.
func buildConfig(cmd *cobra.Command, f *runFlags) (*config.Config, error) {
	var cfg *config.Config
	switch {
	case f.configFile != "":
		loaded, err := config.LoadFile(f.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	case f.scenario == config.ScenarioInversion:
		cfg = config.NewInversionConfig("inversion")
	default:
		cfg = config.NewDefaultConfig("contention")
	}

	flags := cmd.Flags()
	if flags.Changed("scenario") {
		cfg.Scenario.Kind = f.scenario
	}
	if flags.Changed("workers") {
		cfg.Scenario.Workers = f.workers
	}
	if flags.Changed("spinners") {
		cfg.Scenario.Spinners = f.spinners
	}
	if flags.Changed("iterations") {
		cfg.Scenario.Iterations = f.iterations
	}
	if flags.Changed("hold") {
		cfg.Scenario.Hold = f.hold
	}
	if flags.Changed("settle") {
		cfg.Scenario.Settle = f.settle
	}
	if flags.Changed("probe-delay") {
		cfg.Scenario.ProbeDelay = f.probeDelay
	}
	if flags.Changed("deadline") {
		cfg.Scenario.Deadline = f.deadline
	}
	if flags.Changed("payload-bytes") {
		cfg.Scenario.PayloadBytes = f.payloadBytes
	}

	if flags.Changed("priority") {
		cfg.Priority.Enabled = f.priority
	}
	if flags.Changed("pin-cpu") {
		cfg.Priority.PinCPU = f.pinCPU
	}
	if flags.Changed("policy") {
		cfg.Priority.Policy = f.policy
	}

	if flags.Changed("report") {
		cfg.Output.ReportPath = f.report
	}
	if flags.Changed("trace") {
		cfg.Output.TracePath = f.trace
	}
	if flags.Changed("compression") {
		cfg.Output.Compression = f.compression
	}
	if flags.Changed("pretty") {
		cfg.Output.Pretty = f.pretty
	}

	if flags.Changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	if flags.Changed("log-encoding") {
		cfg.Logging.Encoding = f.logEncoding
	}
	if flags.Changed("enable-tracing") {
		cfg.Observability.EnableTracing = f.enableTracing
	}
	if flags.Changed("sample-every") {
		cfg.Observability.SampleEvery = f.sampleEvery
	}

	if cfg.Name == "" {
		cfg.Name = cfg.Scenario.Kind
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runScenario executes the configured run and writes its outputs.
func runScenario(f *runFlags, cfg *config.Config) error {
	if err := logger.Init(logger.Config{
		Level:    cfg.Logging.Level,
		Encoding: cfg.Logging.Encoding,
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	log := logger.With(zap.String("component", "spin-of-death-cli"))

	if cfg.Observability.EnableTracing {
		if err := observability.Initialize(observability.DefaultConfig()); err != nil {
			return fmt.Errorf("tracing setup failed: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := observability.Shutdown(ctx); err != nil {
				log.Warn("tracing shutdown failed", zap.Error(err))
			}
		}()
	}

	if f.cpuProfile != "" {
		fp, err := os.Create(f.cpuProfile)
		if err != nil {
			return fmt.Errorf("failed to create CPU profile: %w", err)
		}
		defer fp.Close()
		if err := pprof.StartCPUProfile(fp); err != nil {
			return fmt.Errorf("failed to start CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
		log.Info("cpu profiling enabled", zap.String("path", f.cpuProfile))
	}

	// Ctrl-C asks the workers to stop and still writes the report for
	// whatever completed.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := harness.NewRunner(cfg)
	report, runErr := runner.Run(ctx)

	if report != nil {
		if err := harness.WriteReport(report, cfg.Output); err != nil {
			log.Error("report write failed", zap.Error(err))
			if runErr == nil {
				runErr = err
			}
		}
	}

	if f.memProfile != "" {
		fp, err := os.Create(f.memProfile)
		if err != nil {
			log.Error("failed to create heap profile", zap.Error(err))
		} else {
			runtime.GC() // Get up-to-date statistics
			if err := pprof.WriteHeapProfile(fp); err != nil {
				log.Error("failed to write heap profile", zap.Error(err))
			}
			fp.Close()
		}
	}

	return runErr
}

// printMachineInfo reports what the current machine can stage: CPU
// layout, entropy source, and whether realtime scheduling is available.
func printMachineInfo() {
	fmt.Printf("spin-of-death v%s\n\n", version)

	if h, err := host.Info(); err == nil {
		fmt.Printf("Host:     %s (%s %s, kernel %s)\n",
			h.Hostname, h.Platform, h.PlatformVersion, h.KernelVersion)
	}
	if cpus, err := cpu.Info(); err == nil && len(cpus) > 0 {
		fmt.Printf("CPU:      %s\n", cpus[0].ModelName)
	}
	fmt.Printf("Cores:    %d logical\n", runtime.NumCPU())
	if vm, err := mem.VirtualMemory(); err == nil {
		fmt.Printf("Memory:   %.1f GiB\n", float64(vm.Total)/(1<<30))
	}

	var probe [8]byte
	if err := entropy.Fill(probe[:]); err == nil {
		fmt.Printf("Entropy:  %s\n", entropy.SourceName())
	} else {
		fmt.Printf("Entropy:  unavailable (%v)\n", err)
	}

	if priority.RealtimePermitted() {
		fmt.Println("Realtime: permitted, inversion runs can use SCHED_FIFO/SCHED_RR")
	} else {
		fmt.Println("Realtime: not permitted, priority requests degrade to nice values")
	}
}
