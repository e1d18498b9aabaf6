package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/comandero/restaurant-platform/services/realtime-gateway/internal/domain"
)

// Store is the outbox persistence surface the worker drives.
type Store interface {
	ClaimPending(ctx context.Context, batch int) ([]OutboxRow, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkRetry(ctx context.Context, id int64, lastError string) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
	ResetStaleProcessing(ctx context.Context, staleAfter time.Duration) (int64, error)
}

// Publisher puts a decoded event on the bus.
type Publisher interface {
	Publish(ctx context.Context, ev *domain.Event) error
}

// Worker polls the outbox and publishes claimed rows. Several workers may
// run concurrently; SKIP LOCKED claims keep them from contending.
type Worker struct {
	store Store
	pub   Publisher

	batchSize      int
	pollInterval   time.Duration
	maxRetries     int
	staleAfter     time.Duration
	publishTimeout time.Duration

	jitter func() float64
	sleep  func(context.Context, time.Duration)
	log    zerolog.Logger
}

type WorkerOptions struct {
	BatchSize      int
	PollInterval   time.Duration
	MaxRetries     int
	StaleAfter     time.Duration
	PublishTimeout time.Duration
}

func NewWorker(store Store, pub Publisher, opts WorkerOptions, log zerolog.Logger) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = time.Minute
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	return &Worker{
		store:          store,
		pub:            pub,
		batchSize:      opts.BatchSize,
		pollInterval:   opts.PollInterval,
		maxRetries:     opts.MaxRetries,
		staleAfter:     opts.StaleAfter,
		publishTimeout: opts.PublishTimeout,
		jitter:         rand.Float64,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
		log: log.With().Str("component", "outbox_worker").Logger(),
	}
}

// Run loops until ctx is canceled. Empty polls sleep the poll interval with
// jitter so multiple workers spread out; a non-empty batch polls again
// immediately.
func (w *Worker) Run(ctx context.Context) error {
	reset, err := w.store.ResetStaleProcessing(ctx, w.staleAfter)
	if err != nil {
		return fmt.Errorf("outbox: stale reset: %w", err)
	}
	if reset > 0 {
		w.log.Warn().Int64("rows", reset).Msg("reset orphaned PROCESSING rows")
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := w.ProcessBatch(ctx)
		if err != nil {
			w.log.Error().Err(err).Msg("outbox batch failed")
			w.sleep(ctx, w.pollDelay())
			continue
		}
		if n == 0 {
			w.sleep(ctx, w.pollDelay())
		}
	}
}

func (w *Worker) pollDelay() time.Duration {
	return w.pollInterval + time.Duration(w.jitter()*float64(w.pollInterval)/4)
}

// ProcessBatch claims one batch and publishes each row. A bad row is marked
// and never blocks the rest of the batch. Returns how many rows were
// claimed.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	rows, err := w.store.ClaimPending(ctx, w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim: %w", err)
	}

	for _, row := range rows {
		w.processRow(ctx, row)
	}
	return len(rows), nil
}

func (w *Worker) processRow(ctx context.Context, row OutboxRow) {
	ev, err := w.decode(row)
	if err != nil {
		// undecodable rows can never publish, terminal immediately
		w.log.Error().Err(err).Int64("outbox_id", row.ID).Msg("outbox row undecodable")
		if err := w.store.MarkFailed(ctx, row.ID, err.Error()); err != nil {
			w.log.Error().Err(err).Int64("outbox_id", row.ID).Msg("mark failed errored")
		}
		return
	}

	// a hung bus publish may only cost one row its timeout, never stall
	// the rest of the batch indefinitely
	pubCtx, cancel := context.WithTimeout(ctx, w.publishTimeout)
	err = w.pub.Publish(pubCtx, ev)
	cancel()
	if err != nil {
		w.handlePublishFailure(ctx, row, err)
		return
	}

	if err := w.store.MarkPublished(ctx, row.ID); err != nil {
		w.log.Error().Err(err).Int64("outbox_id", row.ID).Msg("mark published errored")
	}
}

func (w *Worker) handlePublishFailure(ctx context.Context, row OutboxRow, pubErr error) {
	if row.RetryCount+1 >= w.maxRetries {
		w.log.Error().Err(pubErr).
			Int64("outbox_id", row.ID).
			Int("retries", row.RetryCount+1).
			Msg("outbox row exhausted retries")
		if err := w.store.MarkFailed(ctx, row.ID, pubErr.Error()); err != nil {
			w.log.Error().Err(err).Int64("outbox_id", row.ID).Msg("mark failed errored")
		}
		return
	}

	w.log.Warn().Err(pubErr).
		Int64("outbox_id", row.ID).
		Int("retry", row.RetryCount+1).
		Msg("publish failed, row returned to PENDING")
	if err := w.store.MarkRetry(ctx, row.ID, pubErr.Error()); err != nil {
		w.log.Error().Err(err).Int64("outbox_id", row.ID).Msg("mark retry errored")
	}
}

// decode turns a row's stored payload into a validated event. The payload
// was shaped at write time, but type and tenant are enforced again from the
// row columns.
func (w *Worker) decode(row OutboxRow) (*domain.Event, error) {
	var raw map[string]any
	if err := json.Unmarshal(row.Payload, &raw); err != nil {
		return nil, fmt.Errorf("payload decode: %w", err)
	}
	raw["type"] = row.EventType
	if _, ok := raw["tenant_id"]; !ok {
		raw["tenant_id"] = row.TenantID
	}
	ev, err := domain.NewEvent(raw)
	if err != nil {
		return nil, fmt.Errorf("payload validate: %w", err)
	}
	return ev, nil
}
