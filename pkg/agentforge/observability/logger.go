// Package observability provides structured logging, metrics, and tracing
// helpers for the agentforge checkpoint store.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds store context to a logger.
// Returns a new logger with thread_id and namespace fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "thread-123", "")
//	enriched.Info("resuming") // includes thread_id, namespace
func EnrichLogger(logger *slog.Logger, threadID, namespace string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("thread_id", threadID),
		slog.String("namespace", namespace),
	)
}

// LogCheckpointSaved logs a committed checkpoint.
func LogCheckpointSaved(logger *slog.Logger, checkpointID string, sizeBytes int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint saved",
		slog.String("checkpoint_id", checkpointID),
		slog.Int("size_bytes", sizeBytes),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogCheckpointLoaded logs a successful checkpoint load.
func LogCheckpointLoaded(logger *slog.Logger, checkpointID string, pendingWrites int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint loaded",
		slog.String("checkpoint_id", checkpointID),
		slog.Int("pending_writes", pendingWrites),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogCheckpointMiss logs a load that found no checkpoint. Absence is a
// routine steady state, so this logs at debug level.
func LogCheckpointMiss(logger *slog.Logger, checkpointID string) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint not found",
		slog.String("checkpoint_id", checkpointID),
	)
}

// LogWritesStaged logs pending writes committed for a task.
func LogWritesStaged(logger *slog.Logger, checkpointID, taskID string, staged, skipped int) {
	if logger == nil {
		return
	}
	logger.Debug("pending writes staged",
		slog.String("checkpoint_id", checkpointID),
		slog.String("task_id", taskID),
		slog.Int("staged", staged),
		slog.Int("skipped", skipped),
	)
}

// LogThreadDeleted logs a thread reap.
func LogThreadDeleted(logger *slog.Logger, threadID string, keyCount int) {
	if logger == nil {
		return
	}
	logger.Info("thread deleted",
		slog.String("thread_id", threadID),
		slog.Int("keys_deleted", keyCount),
	)
}

// LogStoreError logs a backing-store failure surfaced to the caller.
func LogStoreError(logger *slog.Logger, op string, err error) {
	if logger == nil {
		return
	}
	logger.Error("checkpoint store operation failed",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
