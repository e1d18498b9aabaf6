package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/comandero/restaurant-platform/services/realtime-gateway/internal/domain"
)

// OutboxStatus is the row lifecycle: PENDING rows are claimable, PROCESSING
// rows are owned by a worker, PUBLISHED and FAILED are terminal.
type OutboxStatus string

const (
	StatusPending    OutboxStatus = "PENDING"
	StatusProcessing OutboxStatus = "PROCESSING"
	StatusPublished  OutboxStatus = "PUBLISHED"
	StatusFailed     OutboxStatus = "FAILED"
)

type OutboxRow struct {
	ID            int64
	TenantID      int64
	EventType     string
	AggregateType domain.AggregateType
	AggregateID   int64
	Payload       []byte
	Status        OutboxStatus
	RetryCount    int
	LastError     string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}

// InsertOutbox writes one PENDING outbox row inside the caller's business
// transaction. The caller owns the commit, so the domain write and the
// outbox row land atomically or not at all.
func InsertOutbox(ctx context.Context, tx pgx.Tx, tenantID int64, eventType string, aggregateType domain.AggregateType, aggregateID int64, payload map[string]any) error {
	if !domain.ValidAggregate(aggregateType) {
		return fmt.Errorf("outbox: unknown aggregate type %q", aggregateType)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events
			(tenant_id, event_type, aggregate_type, aggregate_id, payload, status, retry_count)
		VALUES ($1, $2, $3, $4, $5, 'PENDING', 0)`,
		tenantID, eventType, string(aggregateType), aggregateID, body)
	if err != nil {
		return fmt.Errorf("outbox: insert: %w", err)
	}
	return nil
}

// WriteRoundEvent pre-shapes and writes an outbox row for a round event.
func WriteRoundEvent(ctx context.Context, tx pgx.Tx, tenantID int64, eventType domain.EventType, roundID int64, payload map[string]any) error {
	return InsertOutbox(ctx, tx, tenantID, string(eventType), domain.AggregateRound, roundID, shapePayload(eventType, tenantID, payload))
}

// WriteCheckEvent pre-shapes and writes an outbox row for a check or
// payment event.
func WriteCheckEvent(ctx context.Context, tx pgx.Tx, tenantID int64, eventType domain.EventType, checkID int64, payload map[string]any) error {
	return InsertOutbox(ctx, tx, tenantID, string(eventType), domain.AggregateCheck, checkID, shapePayload(eventType, tenantID, payload))
}

// WriteServiceCallEvent pre-shapes and writes an outbox row for a service
// call event.
func WriteServiceCallEvent(ctx context.Context, tx pgx.Tx, tenantID int64, eventType domain.EventType, callID int64, payload map[string]any) error {
	return InsertOutbox(ctx, tx, tenantID, string(eventType), domain.AggregateServiceCall, callID, shapePayload(eventType, tenantID, payload))
}

// shapePayload guarantees the stored payload is a decodable event.
func shapePayload(eventType domain.EventType, tenantID int64, payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		out[k] = v
	}
	out["type"] = string(eventType)
	if _, ok := out["tenant_id"]; !ok {
		out["tenant_id"] = tenantID
	}
	return out
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// OutboxStore is the pgx-backed Store used by the outbox worker.
type OutboxStore struct {
	pool *pgxpool.Pool
}

func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

// ClaimPending atomically claims up to batch PENDING rows, oldest first,
// and flips them to PROCESSING. FOR UPDATE SKIP LOCKED keeps concurrent
// workers from blocking on each other's claims.
func (s *OutboxStore) ClaimPending(ctx context.Context, batch int) ([]OutboxRow, error) {
	var claimed []OutboxRow

	err := WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, tenant_id, event_type, aggregate_type, aggregate_id,
			       payload, status, retry_count, COALESCE(last_error, ''), created_at
			FROM outbox_events
			WHERE status = 'PENDING'
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, batch)
		if err != nil {
			return fmt.Errorf("claim select: %w", err)
		}
		defer rows.Close()

		var ids []int64
		for rows.Next() {
			var r OutboxRow
			var aggType string
			if err := rows.Scan(&r.ID, &r.TenantID, &r.EventType, &aggType, &r.AggregateID,
				&r.Payload, &r.Status, &r.RetryCount, &r.LastError, &r.CreatedAt); err != nil {
				return fmt.Errorf("claim scan: %w", err)
			}
			r.AggregateType = domain.AggregateType(aggType)
			claimed = append(claimed, r)
			ids = append(ids, r.ID)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("claim rows: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		_, err = tx.Exec(ctx, `UPDATE outbox_events SET status = 'PROCESSING', claimed_at = now() WHERE id = ANY($1)`, ids)
		if err != nil {
			return fmt.Errorf("claim update: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range claimed {
		claimed[i].Status = StatusProcessing
	}
	return claimed, nil
}

func (s *OutboxStore) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'PUBLISHED', processed_at = now()
		WHERE id = $1`, id)
	return err
}

// MarkRetry reverts a failed publish to PENDING with a bumped retry count.
func (s *OutboxStore) MarkRetry(ctx context.Context, id int64, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'PENDING', retry_count = retry_count + 1, last_error = $2
		WHERE id = $1`, id, lastError)
	return err
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'FAILED', retry_count = retry_count + 1, last_error = $2, processed_at = now()
		WHERE id = $1`, id, lastError)
	return err
}

// ResetStaleProcessing returns PROCESSING rows whose claim is older than
// staleAfter to PENDING. Run at worker startup so rows orphaned by a crash
// between claim and outcome are re-claimed. Staleness is measured from
// claimed_at, not created_at: a row can age arbitrarily as PENDING across
// retries while another worker is actively publishing it.
func (s *OutboxStore) ResetStaleProcessing(ctx context.Context, staleAfter time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'PENDING'
		WHERE status = 'PROCESSING'
		  AND COALESCE(claimed_at, created_at) < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(staleAfter.Seconds())))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
