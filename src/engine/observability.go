package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/seuros/gridstream/src/store"
)

const (
	// Instrumentation library name
	instrumentationName    = "github.com/seuros/gridstream/src/engine"
	instrumentationVersion = "0.1.0" // Will be replaced by build-time injection
)

// ObservabilityConfig controls telemetry collection
type ObservabilityConfig struct {
	// EnableTracing enables OpenTelemetry distributed tracing
	EnableTracing bool

	// EnableMetrics enables OpenTelemetry metrics collection
	EnableMetrics bool

	// TracingAttributes are additional attributes to add to all spans
	TracingAttributes []attribute.KeyValue

	// MetricAttributes are additional attributes to add to all metrics
	MetricAttributes []attribute.KeyValue
}

// DefaultObservabilityConfig returns default observability configuration
func DefaultObservabilityConfig() *ObservabilityConfig {
	return &ObservabilityConfig{
		EnableTracing: true,
		EnableMetrics: true,
		TracingAttributes: []attribute.KeyValue{
			attribute.String("db.system", "sqlite"),
			attribute.String("db.engine", "gridstream"),
			attribute.String("db.engine.version", instrumentationVersion),
		},
		MetricAttributes: []attribute.KeyValue{
			attribute.String("db.system", "sqlite"),
			attribute.String("db.engine", "gridstream"),
		},
	}
}

// observabilityInstruments holds OpenTelemetry instruments
type observabilityInstruments struct {
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	queryDuration  metric.Float64Histogram
	queryCount     metric.Int64Counter
	queryErrors    metric.Int64Counter
	rowsReturned   metric.Int64Counter
	chunksStreamed metric.Int64Counter
	streamsActive  metric.Int64UpDownCounter
	applyCount     metric.Int64Counter
	applyErrors    metric.Int64Counter
	actionsApplied metric.Int64Counter
	poolTotal      metric.Int64ObservableGauge
	poolInUse      metric.Int64ObservableGauge
}

// initObservability initializes OpenTelemetry instruments
func initObservability() *observabilityInstruments {
	tracer := otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(instrumentationVersion))
	meter := otel.Meter(instrumentationName, metric.WithInstrumentationVersion(instrumentationVersion))

	instruments := &observabilityInstruments{
		tracer: tracer,
		meter:  meter,
	}

	// Initialize metrics
	var err error

	instruments.queryDuration, err = meter.Float64Histogram(
		"doc.query.duration",
		metric.WithDescription("Duration of document queries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		otel.Handle(err)
	}

	instruments.queryCount, err = meter.Int64Counter(
		"doc.query.count",
		metric.WithDescription("Number of document queries executed"),
	)
	if err != nil {
		otel.Handle(err)
	}

	instruments.queryErrors, err = meter.Int64Counter(
		"doc.query.errors",
		metric.WithDescription("Number of query execution errors"),
	)
	if err != nil {
		otel.Handle(err)
	}

	instruments.rowsReturned, err = meter.Int64Counter(
		"doc.query.rows",
		metric.WithDescription("Number of rows returned by queries"),
	)
	if err != nil {
		otel.Handle(err)
	}

	instruments.chunksStreamed, err = meter.Int64Counter(
		"doc.stream.chunks",
		metric.WithDescription("Number of chunks produced by streaming reads"),
	)
	if err != nil {
		otel.Handle(err)
	}

	instruments.streamsActive, err = meter.Int64UpDownCounter(
		"doc.stream.active",
		metric.WithDescription("Number of streaming reads currently open"),
	)
	if err != nil {
		otel.Handle(err)
	}

	instruments.applyCount, err = meter.Int64Counter(
		"doc.apply.count",
		metric.WithDescription("Number of action batches applied"),
	)
	if err != nil {
		otel.Handle(err)
	}

	instruments.applyErrors, err = meter.Int64Counter(
		"doc.apply.errors",
		metric.WithDescription("Number of failed action batches"),
	)
	if err != nil {
		otel.Handle(err)
	}

	instruments.actionsApplied, err = meter.Int64Counter(
		"doc.apply.actions",
		metric.WithDescription("Number of individual actions applied"),
	)
	if err != nil {
		otel.Handle(err)
	}

	instruments.poolTotal, err = meter.Int64ObservableGauge(
		"doc.pool.connections",
		metric.WithDescription("Store connections held by the pool"),
	)
	if err != nil {
		otel.Handle(err)
	}

	instruments.poolInUse, err = meter.Int64ObservableGauge(
		"doc.pool.in_use",
		metric.WithDescription("Store connections currently acquired"),
	)
	if err != nil {
		otel.Handle(err)
	}

	return instruments
}

// registerPoolObserver samples the pool gauges on each metric collection.
func (oi *observabilityInstruments) registerPoolObserver(stats func() store.Stats, config *ObservabilityConfig) {
	if !config.EnableMetrics {
		return
	}
	attrs := metric.WithAttributes(config.MetricAttributes...)
	_, err := oi.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(oi.poolTotal, int64(s.TotalConnections), attrs)
		o.ObserveInt64(oi.poolInUse, int64(s.InUseConnections), attrs)
		return nil
	}, oi.poolTotal, oi.poolInUse)
	if err != nil {
		otel.Handle(err)
	}
}

// spanContext holds span-specific context information
type spanContext struct {
	span      trace.Span
	startTime time.Time
}

// startSpan creates a tracing span for an engine operation
func (oi *observabilityInstruments) startSpan(ctx context.Context, name, tableID string, config *ObservabilityConfig) (context.Context, *spanContext) {
	if !config.EnableTracing {
		return ctx, &spanContext{startTime: time.Now()}
	}

	attrs := make([]attribute.KeyValue, 0, len(config.TracingAttributes)+2)
	attrs = append(attrs, config.TracingAttributes...)
	attrs = append(attrs, attribute.String("db.operation", name))
	if tableID != "" {
		attrs = append(attrs, attribute.String("db.table", tableID))
	}

	ctx, span := oi.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	return ctx, &spanContext{
		span:      span,
		startTime: time.Now(),
	}
}

// finishQuerySpan completes a read span and records its metrics
func (oi *observabilityInstruments) finishQuerySpan(spanCtx *spanContext, rows int64, err error, config *ObservabilityConfig) {
	duration := time.Since(spanCtx.startTime)

	if config.EnableMetrics {
		attrs := metric.WithAttributes(config.MetricAttributes...)

		oi.queryDuration.Record(context.Background(), duration.Seconds(), attrs)

		if err != nil {
			oi.queryErrors.Add(context.Background(), 1, attrs)
		} else {
			oi.queryCount.Add(context.Background(), 1, attrs)
			if rows > 0 {
				oi.rowsReturned.Add(context.Background(), rows, attrs)
			}
		}
	}

	if config.EnableTracing && spanCtx.span != nil {
		spanCtx.span.SetAttributes(
			attribute.Int64("db.query.rows_returned", rows),
			attribute.Float64("db.query.duration_ms", float64(duration.Nanoseconds())/1e6),
		)

		if err != nil {
			spanCtx.span.RecordError(err)
			spanCtx.span.SetStatus(codes.Error, err.Error())
		} else {
			spanCtx.span.SetStatus(codes.Ok, "")
		}

		spanCtx.span.End()
	}
}

// finishApplySpan completes a write span and records its metrics
func (oi *observabilityInstruments) finishApplySpan(spanCtx *spanContext, actions int64, err error, config *ObservabilityConfig) {
	duration := time.Since(spanCtx.startTime)

	if config.EnableMetrics {
		attrs := metric.WithAttributes(config.MetricAttributes...)

		oi.queryDuration.Record(context.Background(), duration.Seconds(), attrs)

		if err != nil {
			oi.applyErrors.Add(context.Background(), 1, attrs)
		} else {
			oi.applyCount.Add(context.Background(), 1, attrs)
			oi.actionsApplied.Add(context.Background(), actions, attrs)
		}
	}

	if config.EnableTracing && spanCtx.span != nil {
		spanCtx.span.SetAttributes(
			attribute.Int64("db.apply.actions", actions),
			attribute.Float64("db.apply.duration_ms", float64(duration.Nanoseconds())/1e6),
		)

		if err != nil {
			spanCtx.span.RecordError(err)
			spanCtx.span.SetStatus(codes.Error, err.Error())
		} else {
			spanCtx.span.SetStatus(codes.Ok, "")
		}

		spanCtx.span.End()
	}
}

// recordStreamEvent tracks the open-stream gauge and chunk throughput
func (oi *observabilityInstruments) recordStreamEvent(eventType string, chunks int64, config *ObservabilityConfig) {
	if !config.EnableMetrics {
		return
	}

	attrs := metric.WithAttributes(config.MetricAttributes...)

	switch eventType {
	case "open":
		oi.streamsActive.Add(context.Background(), 1, attrs)
	case "close":
		oi.streamsActive.Add(context.Background(), -1, attrs)
		if chunks > 0 {
			oi.chunksStreamed.Add(context.Background(), chunks, attrs)
		}
	}
}
