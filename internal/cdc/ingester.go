package cdc

import (
	"context"
	"math"
	mrand "math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/bryonbaker/s3gc/internal/metrics"
	"github.com/bryonbaker/s3gc/internal/models"
	"github.com/bryonbaker/s3gc/internal/registry"
)

const (
	flushMaxDeltas = 5000
	flushInterval  = 500 * time.Millisecond

	initialBackoff    = 100 * time.Millisecond
	maxBackoff        = 30 * time.Second
	backoffMultiplier = 2.0
	backoffJitter     = 0.1
)

// Ingester owns the batching loop, decode-rule application, and
// reconnect-with-backoff behavior shared by every Source implementation.
// It is the stream-name-scoped driver; one Ingester per configured CDC
// backend.
type Ingester struct {
	stream  string
	source  Source
	reg     registry.Registry
	watched []models.WatchedColumn
	metrics *metrics.Metrics
	health  *metrics.HealthChecks
	logger  *zap.Logger
}

// NewIngester builds an Ingester for stream (the checkpoint row name,
// e.g. "postgres" or "mysql"), decoding events from source against the
// watched columns and applying batches to reg. health is set to "ok" as
// each connection attempt starts (before source.Run is called) and to
// "error" when an attempt ends in an error, for the admin health
// endpoint's cdc_connected field; m records event/reconnect/lag metrics.
func NewIngester(stream string, source Source, reg registry.Registry, watched []models.WatchedColumn, m *metrics.Metrics, health *metrics.HealthChecks, logger *zap.Logger) *Ingester {
	return &Ingester{
		stream:  stream,
		source:  source,
		reg:     reg,
		watched: watched,
		metrics: m,
		health:  health,
		logger:  logger,
	}
}

// Start runs the reconnect loop until ctx is cancelled. Each attempt resumes
// from the last checkpoint persisted in the registry.
func (ing *Ingester) Start(ctx context.Context) {
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		cursor := ing.lastCursor(ctx)
		ing.metrics.RecordCDCConnected(ing.stream)
		ing.health.Update("cdc", "ok")

		// runCtx stops Run when consumeBatches gives up on a registry error;
		// closing events once Run returns lets consumeBatches flush and
		// return so the attempt can be retried.
		runCtx, runCancel := context.WithCancel(ctx)
		events := make(chan RawEvent, flushMaxDeltas)
		runErrCh := make(chan error, 1)
		go func() {
			err := ing.source.Run(runCtx, cursor, events)
			close(events)
			runErrCh <- err
		}()

		batchErr := ing.consumeBatches(ctx, events)
		runCancel()

		runErr := <-runErrCh
		if batchErr == nil && runErr == nil {
			// Clean shutdown (context cancelled).
			return
		}

		err := batchErr
		if err == nil {
			err = runErr
		}

		ing.health.Update("cdc", "error")
		ing.metrics.RecordCDCReconnect(ing.stream, classifyReconnectReason(err))

		backoff := calculateBackoff(attempt, initialBackoff, maxBackoff, backoffMultiplier, backoffJitter)
		ing.logger.Warn("cdc source disconnected, retrying",
			zap.String("stream", ing.stream),
			zap.Error(err),
			zap.Duration("backoff", backoff),
			zap.Int("attempt", attempt+1),
		)
		attempt++

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// consumeBatches drains events, flushing to the registry at the configured
// size or time threshold, until events closes or ctx is cancelled. It
// returns an error only if ApplyBatch fails; events closing cleanly (source
// shutdown) is not itself an error.
func (ing *Ingester) consumeBatches(ctx context.Context, events <-chan RawEvent) error {
	var pending []models.Delta
	var lastCursor string

	timer := time.NewTimer(flushInterval)
	defer timer.Stop()

	// The final flush runs after ctx is cancelled; a detached context keeps
	// that last ApplyBatch and Ack from failing on the cancellation.
	flushCtx := context.WithoutCancel(ctx)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		batch := registry.DeltaBatch{
			Deltas:     pending,
			Checkpoint: models.Checkpoint{Stream: ing.stream, Cursor: lastCursor},
		}
		underflowed, err := ing.reg.ApplyBatch(flushCtx, batch)
		if err != nil {
			return err
		}
		for _, key := range underflowed {
			ing.logger.Warn("registry underflow swallowed, already-applied duplicate assumed",
				zap.String("stream", ing.stream), zap.String("key", key))
		}
		for _, d := range pending {
			op := "decrement"
			if d.Sign > 0 {
				op = "increment"
			}
			ing.metrics.RecordCDCEvent(ing.stream, op)
		}
		if err := ing.source.Ack(flushCtx, lastCursor); err != nil {
			ing.logger.Warn("failed to ack cursor after applied batch",
				zap.String("stream", ing.stream), zap.String("cursor", lastCursor), zap.Error(err))
		}
		pending = nil
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			_ = flush()
			return nil

		case ev, ok := <-events:
			if !ok {
				return flush()
			}
			pending = append(pending, decodeDeltas(ev, ing.watched)...)
			lastCursor = ev.Cursor

			if len(pending) >= flushMaxDeltas {
				if err := flush(); err != nil {
					return err
				}
				timer.Reset(flushInterval)
			}

		case <-timer.C:
			if err := flush(); err != nil {
				return err
			}
			timer.Reset(flushInterval)
		}
	}
}

func (ing *Ingester) lastCursor(ctx context.Context) string {
	cp, ok, err := ing.reg.Checkpoint(ctx, ing.stream)
	if err != nil {
		ing.logger.Warn("failed to read checkpoint, starting from end of stream",
			zap.String("stream", ing.stream), zap.Error(err))
		return ""
	}
	if !ok {
		return ""
	}
	return cp.Cursor
}

// classifyReconnectReason maps a disconnect error to a coarse label for the
// reconnect counter. Errors are opaque across the Postgres/MySQL source
// implementations, so this only distinguishes cancellation from everything
// else rather than parsing driver-specific error text.
func classifyReconnectReason(err error) string {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return "context_cancelled"
	}
	return "stream_error"
}

// calculateBackoff computes the next retry delay using exponential backoff
// with jitter. Formula: min(initial * multiplier^attempt, max) +/- jitter%.
func calculateBackoff(attempt int, initial, max time.Duration, multiplier, jitter float64) time.Duration {
	backoff := float64(initial) * math.Pow(multiplier, float64(attempt))
	if backoff > float64(max) {
		backoff = float64(max)
	}

	jitterRange := backoff * jitter
	// nolint: gosec // jitter does not need cryptographic randomness.
	backoff += (mrand.Float64()*2 - 1) * jitterRange

	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}
