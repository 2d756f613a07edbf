package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records checkpoint store metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordSave records a checkpoint commit with its duration, payload
	// size, and error status.
	RecordSave(ctx context.Context, namespace string, duration time.Duration, sizeBytes int64, err error)

	// RecordLoad records a checkpoint read. found is false when the
	// thread had no matching checkpoint.
	RecordLoad(ctx context.Context, duration time.Duration, found bool)

	// RecordStagedWrites records pending writes committed for a task.
	RecordStagedWrites(ctx context.Context, count int64)

	// RecordThreadDelete records a thread reap and how many keys it removed.
	RecordThreadDelete(ctx context.Context, keyCount int64)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	saves         metric.Int64Counter
	saveLatency   metric.Float64Histogram
	saveErrors    metric.Int64Counter
	saveSize      metric.Int64Histogram
	loads         metric.Int64Counter
	loadLatency   metric.Float64Histogram
	stagedWrites  metric.Int64Counter
	threadDeletes metric.Int64Counter
	deletedKeys   metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("agentforge")

	saves, err := meter.Int64Counter("checkpoint.saves",
		metric.WithDescription("Number of checkpoint commits"),
	)
	if err != nil {
		return nil, err
	}

	saveLatency, err := meter.Float64Histogram("checkpoint.save.latency_ms",
		metric.WithDescription("Checkpoint commit latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	saveErrors, err := meter.Int64Counter("checkpoint.save.errors",
		metric.WithDescription("Number of failed checkpoint commits"),
	)
	if err != nil {
		return nil, err
	}

	saveSize, err := meter.Int64Histogram("checkpoint.size_bytes",
		metric.WithDescription("Serialized checkpoint state size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	loads, err := meter.Int64Counter("checkpoint.loads",
		metric.WithDescription("Number of checkpoint reads"),
	)
	if err != nil {
		return nil, err
	}

	loadLatency, err := meter.Float64Histogram("checkpoint.load.latency_ms",
		metric.WithDescription("Checkpoint read latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	stagedWrites, err := meter.Int64Counter("checkpoint.pending_writes",
		metric.WithDescription("Number of pending writes staged"),
	)
	if err != nil {
		return nil, err
	}

	threadDeletes, err := meter.Int64Counter("checkpoint.thread.deletes",
		metric.WithDescription("Number of thread reaps"),
	)
	if err != nil {
		return nil, err
	}

	deletedKeys, err := meter.Int64Counter("checkpoint.thread.deleted_keys",
		metric.WithDescription("Number of keys removed by thread reaps"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		saves:         saves,
		saveLatency:   saveLatency,
		saveErrors:    saveErrors,
		saveSize:      saveSize,
		loads:         loads,
		loadLatency:   loadLatency,
		stagedWrites:  stagedWrites,
		threadDeletes: threadDeletes,
		deletedKeys:   deletedKeys,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordSave records a checkpoint commit.
func (m *otelMetrics) RecordSave(ctx context.Context, namespace string, duration time.Duration, sizeBytes int64, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("namespace", namespace),
	}

	m.saves.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.saveLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	m.saveSize.Record(ctx, sizeBytes, metric.WithAttributes(attrs...))

	if err != nil {
		m.saveErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordLoad records a checkpoint read.
func (m *otelMetrics) RecordLoad(ctx context.Context, duration time.Duration, found bool) {
	attrs := []attribute.KeyValue{
		attribute.Bool("found", found),
	}
	m.loads.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.loadLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordStagedWrites records pending writes committed for a task.
func (m *otelMetrics) RecordStagedWrites(ctx context.Context, count int64) {
	m.stagedWrites.Add(ctx, count)
}

// RecordThreadDelete records a thread reap.
func (m *otelMetrics) RecordThreadDelete(ctx context.Context, keyCount int64) {
	m.threadDeletes.Add(ctx, 1)
	m.deletedKeys.Add(ctx, keyCount)
}
