package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the sync core for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay edit processing.
type Observer interface {
	// OnEditBuffered is called when an incoming edit is placed into a
	// pending buffer. coalesced is true when the edit joined an existing
	// buffer instead of opening a new coalescing window.
	OnEditBuffered(ctx context.Context, key string, coalesced bool)

	// OnFlushApplied is called after a buffer has been committed to the
	// durable store. waiters is the number of operation ids acknowledged by
	// this flush.
	OnFlushApplied(ctx context.Context, key string, timestamp int64, waiters int, duration time.Duration)

	// OnStaleDiscard is called when a buffer is discarded unapplied because
	// a newer write already landed for the same key.
	OnStaleDiscard(ctx context.Context, key string, timestamp, highWater int64)

	// OnFlushFailed is called when the store rejected a flush.
	OnFlushFailed(ctx context.Context, key string, err error)

	// OnOperationConfirmed is called on the client when the server
	// acknowledges an operation.
	OnOperationConfirmed(ctx context.Context, op *QueuedOperation)

	// OnOperationFailed is called on the client for both retryable and
	// permanent failures (including timeouts).
	OnOperationFailed(ctx context.Context, op *QueuedOperation, err error, retryable bool)

	// OnOfflineTriggered is called when a client queue exhausts its retry
	// budget and escalates to offline mode.
	OnOfflineTriggered(ctx context.Context, workflowID, reason string)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnEditBuffered(ctx context.Context, key string, coalesced bool) {}
func (NoopObserver) OnFlushApplied(ctx context.Context, key string, ts int64, waiters int, d time.Duration) {
}
func (NoopObserver) OnStaleDiscard(ctx context.Context, key string, ts, highWater int64)         {}
func (NoopObserver) OnFlushFailed(ctx context.Context, key string, err error)                    {}
func (NoopObserver) OnOperationConfirmed(ctx context.Context, op *QueuedOperation)               {}
func (NoopObserver) OnOperationFailed(ctx context.Context, op *QueuedOperation, err error, retryable bool) {
}
func (NoopObserver) OnOfflineTriggered(ctx context.Context, workflowID, reason string) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnEditBuffered(ctx context.Context, key string, coalesced bool) {
	for _, o := range c.observers {
		o.OnEditBuffered(ctx, key, coalesced)
	}
}

func (c *CompositeObserver) OnFlushApplied(ctx context.Context, key string, ts int64, waiters int, d time.Duration) {
	for _, o := range c.observers {
		o.OnFlushApplied(ctx, key, ts, waiters, d)
	}
}

func (c *CompositeObserver) OnStaleDiscard(ctx context.Context, key string, ts, highWater int64) {
	for _, o := range c.observers {
		o.OnStaleDiscard(ctx, key, ts, highWater)
	}
}

func (c *CompositeObserver) OnFlushFailed(ctx context.Context, key string, err error) {
	for _, o := range c.observers {
		o.OnFlushFailed(ctx, key, err)
	}
}

func (c *CompositeObserver) OnOperationConfirmed(ctx context.Context, op *QueuedOperation) {
	for _, o := range c.observers {
		o.OnOperationConfirmed(ctx, op)
	}
}

func (c *CompositeObserver) OnOperationFailed(ctx context.Context, op *QueuedOperation, err error, retryable bool) {
	for _, o := range c.observers {
		o.OnOperationFailed(ctx, op, err, retryable)
	}
}

func (c *CompositeObserver) OnOfflineTriggered(ctx context.Context, workflowID, reason string) {
	for _, o := range c.observers {
		o.OnOfflineTriggered(ctx, workflowID, reason)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs sync lifecycle events
// using the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnEditBuffered(ctx context.Context, key string, coalesced bool) {
	o.Logger.DebugContext(ctx, "edit_buffered",
		slog.String("key", key),
		slog.Bool("coalesced", coalesced),
	)
}

func (o *LoggingObserver) OnFlushApplied(ctx context.Context, key string, ts int64, waiters int, d time.Duration) {
	o.Logger.DebugContext(ctx, "flush_applied",
		slog.String("key", key),
		slog.Int64("timestamp", ts),
		slog.Int("waiters", waiters),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnStaleDiscard(ctx context.Context, key string, ts, highWater int64) {
	o.Logger.InfoContext(ctx, "stale_discard",
		slog.String("key", key),
		slog.Int64("timestamp", ts),
		slog.Int64("high_water", highWater),
	)
}

func (o *LoggingObserver) OnFlushFailed(ctx context.Context, key string, err error) {
	o.Logger.ErrorContext(ctx, "flush_failed",
		slog.String("key", key),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnOperationConfirmed(ctx context.Context, op *QueuedOperation) {
	o.Logger.DebugContext(ctx, "operation_confirmed",
		slog.String("operation_id", op.ID),
		slog.String("workflow", op.WorkflowID),
		slog.String("target", string(op.Target)),
	)
}

func (o *LoggingObserver) OnOperationFailed(ctx context.Context, op *QueuedOperation, err error, retryable bool) {
	level := slog.LevelWarn
	if !retryable {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "operation_failed",
		slog.String("operation_id", op.ID),
		slog.String("workflow", op.WorkflowID),
		slog.String("target", string(op.Target)),
		slog.Int("retry_count", op.RetryCount),
		slog.Bool("retryable", retryable),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnOfflineTriggered(ctx context.Context, workflowID, reason string) {
	o.Logger.ErrorContext(ctx, "offline_triggered",
		slog.String("workflow", workflowID),
		slog.String("reason", reason),
	)
}

// BasicMetrics collects simple counters and aggregate flush durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	editsBuffered      atomic.Int64
	editsCoalesced     atomic.Int64
	flushesApplied     atomic.Int64
	staleDiscards      atomic.Int64
	flushFailures      atomic.Int64
	opsConfirmed       atomic.Int64
	opsFailed          atomic.Int64
	offlineEscalations atomic.Int64
	totalFlushDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	EditsBuffered      int64
	EditsCoalesced     int64
	FlushesApplied     int64
	StaleDiscards      int64
	FlushFailures      int64
	OpsConfirmed       int64
	OpsFailed          int64
	OfflineEscalations int64
	AvgFlushDuration   time.Duration
}

func (m *BasicMetrics) OnEditBuffered(ctx context.Context, key string, coalesced bool) {
	m.editsBuffered.Add(1)
	if coalesced {
		m.editsCoalesced.Add(1)
	}
}

func (m *BasicMetrics) OnFlushApplied(ctx context.Context, key string, ts int64, waiters int, d time.Duration) {
	m.flushesApplied.Add(1)
	m.totalFlushDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnStaleDiscard(ctx context.Context, key string, ts, highWater int64) {
	m.staleDiscards.Add(1)
}

func (m *BasicMetrics) OnFlushFailed(ctx context.Context, key string, err error) {
	m.flushFailures.Add(1)
}

func (m *BasicMetrics) OnOperationConfirmed(ctx context.Context, op *QueuedOperation) {
	m.opsConfirmed.Add(1)
}

func (m *BasicMetrics) OnOperationFailed(ctx context.Context, op *QueuedOperation, err error, retryable bool) {
	m.opsFailed.Add(1)
}

func (m *BasicMetrics) OnOfflineTriggered(ctx context.Context, workflowID, reason string) {
	m.offlineEscalations.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	flushes := m.flushesApplied.Load()
	totalNs := m.totalFlushDuration.Load()

	var avg time.Duration
	if flushes > 0 {
		avg = time.Duration(totalNs / flushes)
	}

	return BasicMetricsSnapshot{
		EditsBuffered:      m.editsBuffered.Load(),
		EditsCoalesced:     m.editsCoalesced.Load(),
		FlushesApplied:     flushes,
		StaleDiscards:      m.staleDiscards.Load(),
		FlushFailures:      m.flushFailures.Load(),
		OpsConfirmed:       m.opsConfirmed.Load(),
		OpsFailed:          m.opsFailed.Load(),
		OfflineEscalations: m.offlineEscalations.Load(),
		AvgFlushDuration:   avg,
	}
}
