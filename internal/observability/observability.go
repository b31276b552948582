// Package observability wraps the optional OpenTelemetry and Server-Timing
// instrumentation of producer operations. When no providers are configured
// every call is a no-op.
package observability

import (
	"context"

	servertiming "github.com/mitchellh/go-server-timing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const defaultServiceName = "esodata"

// Option configures a Config.
type Option func(*Config)

// WithTracerProvider enables span creation for producer operations.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Config) { c.tracerProvider = tp }
}

// WithMeterProvider enables the operation counter.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Config) { c.meterProvider = mp }
}

// WithServiceName sets the instrumentation scope name.
func WithServiceName(name string) Option {
	return func(c *Config) {
		if name != "" {
			c.serviceName = name
		}
	}
}

// Config holds initialized instrumentation. The zero value (and nil) are
// valid and disable everything.
type Config struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	serviceName    string

	tracer    trace.Tracer
	opCounter metric.Int64Counter
}

// NewConfig builds and initializes instrumentation from the options.
func NewConfig(opts ...Option) (*Config, error) {
	c := &Config{serviceName: defaultServiceName}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracerProvider != nil {
		c.tracer = c.tracerProvider.Tracer(c.serviceName)
	}
	if c.meterProvider != nil {
		meter := c.meterProvider.Meter(c.serviceName)
		counter, err := meter.Int64Counter("esodata.operations",
			metric.WithDescription("Count of producer operations by name and outcome"))
		if err != nil {
			return nil, err
		}
		c.opCounter = counter
	}
	return c, nil
}

// Span is a nil-safe wrapper over a trace span.
type Span struct {
	span trace.Span
}

// End finishes the span, recording the error when one occurred.
func (s Span) End(err error) {
	if s.span == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}

// StartOperation opens a span for one producer operation.
func (c *Config) StartOperation(ctx context.Context, operation, entitySet string) (context.Context, Span) {
	if c == nil || c.tracer == nil {
		return ctx, Span{}
	}
	ctx, span := c.tracer.Start(ctx, "esodata."+operation,
		trace.WithAttributes(
			attribute.String("esodata.operation", operation),
			attribute.String("esodata.entity_set", entitySet),
		))
	return ctx, Span{span: span}
}

// RecordOperation increments the operation counter.
func (c *Config) RecordOperation(ctx context.Context, operation string, err error) {
	if c == nil || c.opCounter == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.opCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

// Timing is a nil-safe Server-Timing metric handle.
type Timing struct {
	metric *servertiming.Metric
}

// StartTiming begins a Server-Timing metric when the context carries a
// timing header (put there by the outer resource layer).
func StartTiming(ctx context.Context, name string) Timing {
	if h := servertiming.FromContext(ctx); h != nil {
		return Timing{metric: h.NewMetric(name).Start()}
	}
	return Timing{}
}

// Stop finishes the metric.
func (t Timing) Stop() {
	if t.metric != nil {
		t.metric.Stop()
	}
}
