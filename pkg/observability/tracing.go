// Package observability provides OpenTelemetry tracing for harness runs
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// Global tracer instance
	tracer trace.Tracer

	// Global meter instance
	meter metric.Meter

	// Span duration instrument, recorded on every Span.End
	spanDuration metric.Float64Histogram

	// Initialization lock
	initOnce sync.Once
)

// TracingConfig contains tracing configuration
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	SamplingRate   float64
	PrettyPrint    bool
	BatchTimeout   time.Duration
	MaxExportBatch int
	MaxQueueSize   int
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Namespace string
}

// Config contains all observability configuration
type Config struct {
	Tracing TracingConfig
	Metrics MetricsConfig
}

// Initialize sets up the observability framework. It is safe to call more
// than once; only the first call takes effect.
func Initialize(config Config) error {
	var err error

	initOnce.Do(func() {
		err = initTracing(config.Tracing)
		if err != nil {
			return
		}

		err = initMetrics(config.Metrics)
	})

	return err
}

// GetTracer returns the global tracer
func GetTracer() trace.Tracer {
	return tracer
}

// GetMeter returns the global meter
func GetMeter() metric.Meter {
	return meter
}

// Span wraps a tracing span and batches attribute writes
type Span struct {
	span       trace.Span
	name       string
	startTime  time.Time
	attributes []attribute.KeyValue
}

// NewSpan creates a new span under the global tracer
func NewSpan(ctx context.Context, operationName string) (context.Context, *Span) {
	ctx, span := tracer.Start(ctx, operationName)

	return ctx, &Span{
		span:      span,
		name:      operationName,
		startTime: time.Now(),
	}
}

// SetAttribute adds an attribute to the span (batched, applied on End)
func (s *Span) SetAttribute(key string, value interface{}) {
	var attr attribute.KeyValue

	switch v := value.(type) {
	case string:
		attr = attribute.String(key, v)
	case int:
		attr = attribute.Int(key, v)
	case int64:
		attr = attribute.Int64(key, v)
	case float64:
		attr = attribute.Float64(key, v)
	case bool:
		attr = attribute.Bool(key, v)
	default:
		attr = attribute.String(key, fmt.Sprintf("%v", v))
	}

	s.attributes = append(s.attributes, attr)
}

// AddEvent adds an event to the span
func (s *Span) AddEvent(name string, attrs ...attribute.KeyValue) {
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetStatus sets the span status
func (s *Span) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

// End ends the span and records its duration
func (s *Span) End() {
	if len(s.attributes) > 0 {
		s.span.SetAttributes(s.attributes...)
	}

	duration := time.Since(s.startTime)
	if spanDuration != nil {
		spanDuration.Record(context.Background(), duration.Seconds(),
			metric.WithAttributes(attribute.String("operation", s.name)))
	}

	s.span.End()
}

// ScenarioTracer provides scenario-specific tracing utilities
type ScenarioTracer struct {
	scenario string
	runID    string
	tracer   trace.Tracer
}

// NewScenarioTracer creates a tracer for one harness run
func NewScenarioTracer(scenario, runID string) *ScenarioTracer {
	return &ScenarioTracer{
		scenario: scenario,
		runID:    runID,
		tracer:   tracer,
	}
}

// StartSpan starts a span for one phase of the scenario
func (st *ScenarioTracer) StartSpan(ctx context.Context, phase string) (context.Context, *Span) {
	operationName := fmt.Sprintf("scenario.%s.%s", st.scenario, phase)
	ctx, span := NewSpan(ctx, operationName)

	span.SetAttribute("scenario.kind", st.scenario)
	span.SetAttribute("scenario.run_id", st.runID)
	span.SetAttribute("scenario.phase", phase)

	return ctx, span
}

// TracePhase runs fn inside a span for the named phase, recording its
// duration and error status.
func (st *ScenarioTracer) TracePhase(ctx context.Context, phase string, fn func(context.Context) error) error {
	ctx, span := st.StartSpan(ctx, phase)
	defer span.End()

	err := fn(ctx)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttribute("error", true)
		span.SetAttribute("error.message", err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	return err
}
