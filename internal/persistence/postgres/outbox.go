package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
)

// ClaimOutbox claims unpublished events that are due for delivery.
func (r *Repository) ClaimOutbox(ctx context.Context, limit int, now time.Time, claimTTL time.Duration) (events []domain.OutboxEvent, err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query := `SELECT event_id, aggregate_type, aggregate_id, event_type, topic, partition_key, payload, created_at, retry_count
        FROM outbox
        WHERE published_at IS NULL
          AND quarantined_at IS NULL
          AND (next_retry_at IS NULL OR next_retry_at <= $2)
          AND (claimed_at IS NULL OR claimed_at < $3)
        ORDER BY event_id
        LIMIT $1
        FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, limit, now.UTC(), now.Add(-claimTTL).UTC())
	if err != nil {
		return nil, err
	}

	events = make([]domain.OutboxEvent, 0)
	ids := make([]int64, 0)
	for rows.Next() {
		var (
			e       domain.OutboxEvent
			payload []byte
		)
		if err = rows.Scan(&e.EventID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Topic, &e.PartitionKey, &payload, &e.CreatedAt, &e.RetryCount); err != nil {
			rows.Close()
			return nil, err
		}
		e.Payload = payload
		events = append(events, e)
		ids = append(ids, e.EventID)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		_ = tx.Rollback(ctx)
		return nil, nil
	}

	if _, err = tx.Exec(ctx, `UPDATE outbox SET claimed_at = $2 WHERE event_id = ANY($1)`, ids, now.UTC()); err != nil {
		return nil, err
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return events, nil
}

// MarkPublished records successful delivery.
func (r *Repository) MarkPublished(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `UPDATE outbox SET published_at = $2, claimed_at = NULL WHERE event_id = ANY($1)`, ids, at.UTC())
	return err
}

// MarkDeliveryFailed schedules a retry or quarantines the event when its budget is spent.
func (r *Repository) MarkDeliveryFailed(ctx context.Context, id int64, f domain.Failure) error {
	var quarantinedAt *time.Time
	if f.Kind == domain.FailurePoison || f.Kind == domain.FailurePermanent {
		at := f.At.UTC()
		quarantinedAt = &at
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE outbox
            SET retry_count = $2, next_retry_at = $3, last_error = $4, quarantined_at = $5, claimed_at = NULL
          WHERE event_id = $1`,
		id, f.Attempts, utcPtr(f.NextRetryAt), f.Reason, quarantinedAt,
	)
	return err
}
