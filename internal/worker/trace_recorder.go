package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/telemetry"
)

const (
	traceChanSize   = 1000
	traceBatchSize  = 100
	traceFlushEvery = 5 * time.Second
	traceDrainTime  = 30 * time.Second
)

// TraceStore is the persistence interface consumed by TraceRecorder.
type TraceStore interface {
	InsertTraces(ctx context.Context, records []relay.TraceRecord) error
}

// TraceRecorder buffers trace records and batch-flushes them to the store.
// Records are dropped if the channel is full (back-pressure on slow DB).
type TraceRecorder struct {
	ch      chan relay.TraceRecord
	store   TraceStore
	metrics *telemetry.Metrics
}

// NewTraceRecorder creates a TraceRecorder backed by store. metrics may be nil.
func NewTraceRecorder(store TraceStore, metrics *telemetry.Metrics) *TraceRecorder {
	return &TraceRecorder{
		ch:      make(chan relay.TraceRecord, traceChanSize),
		store:   store,
		metrics: metrics,
	}
}

// Name returns the worker identifier.
func (t *TraceRecorder) Name() string { return "trace_recorder" }

// Record enqueues a trace record. It never blocks; drops on full channel.
func (t *TraceRecorder) Record(r relay.TraceRecord) {
	select {
	case t.ch <- r:
		if t.metrics != nil {
			t.metrics.TraceQueueLength.Set(float64(len(t.ch)))
		}
	default:
		slog.Warn("trace record dropped, channel full")
	}
}

// Run processes records until ctx is cancelled, then drains remaining records.
func (t *TraceRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(traceFlushEvery)
	defer ticker.Stop()

	buf := make([]relay.TraceRecord, 0, traceBatchSize)

	for {
		select {
		case r := <-t.ch:
			buf = append(buf, r)
			if len(buf) >= traceBatchSize {
				t.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				t.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			// Drain remaining records with a timeout.
			t.drain(buf)
			return nil
		}
	}
}

func (t *TraceRecorder) drain(buf []relay.TraceRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), traceDrainTime)
	defer cancel()

	for {
		select {
		case r := <-t.ch:
			buf = append(buf, r)
			if len(buf) >= traceBatchSize {
				t.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			// Channel empty, flush remaining.
			if len(buf) > 0 {
				t.flush(ctx, buf)
			}
			return
		}
	}
}

func (t *TraceRecorder) flush(ctx context.Context, buf []relay.TraceRecord) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]relay.TraceRecord, len(buf))
	copy(batch, buf)

	// Fill gaps off the hot path; the dispatcher usually sets both.
	now := time.Now().UTC()
	for i := range batch {
		if batch[i].TraceID == "" {
			batch[i].TraceID = uuid.Must(uuid.NewV7()).String()
		}
		if batch[i].CreatedAt.IsZero() {
			batch[i].CreatedAt = now
		}
	}

	if err := t.store.InsertTraces(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "trace flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
	if t.metrics != nil {
		t.metrics.TraceQueueLength.Set(float64(len(t.ch)))
	}
}
