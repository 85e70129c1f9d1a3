package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
)

const notificationColumns = `id, kind, mode, payload, received_at, status, processed_at, last_error, attempts, next_retry_at, failure_kind, claimed_at`

func scanNotification(row rowScanner) (domain.RawNotification, error) {
	var (
		n           domain.RawNotification
		kind, mode  string
		status      string
		failureKind *string
	)
	if err := row.Scan(&n.ID, &kind, &mode, &n.Payload, &n.ReceivedAt, &status, &n.ProcessedAt, &n.LastError, &n.Attempts, &n.NextRetryAt, &failureKind, &n.ClaimedAt); err != nil {
		return domain.RawNotification{}, err
	}
	n.Kind = domain.NotificationKind(kind)
	n.Mode = domain.DeliveryMode(mode)
	n.Status = domain.NotificationStatus(status)
	if failureKind != nil {
		fk := domain.FailureKind(*failureKind)
		n.FailureKind = &fk
	}
	n.ReceivedAt = n.ReceivedAt.UTC()
	n.ProcessedAt = utcPtr(n.ProcessedAt)
	n.NextRetryAt = utcPtr(n.NextRetryAt)
	n.ClaimedAt = utcPtr(n.ClaimedAt)
	return n, nil
}

// InsertNotification stores a raw delivery exactly as received.
func (r *Repository) InsertNotification(ctx context.Context, n domain.RawNotification) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO raw_notifications (id, kind, mode, payload, received_at, status, attempts)
         VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		n.ID, string(n.Kind), string(n.Mode), n.Payload, n.ReceivedAt.UTC(), string(n.Status), n.Attempts,
	)
	return err
}

// GetNotification fetches a notification by ID.
func (r *Repository) GetNotification(ctx context.Context, id string) (*domain.RawNotification, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+notificationColumns+` FROM raw_notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &n, nil
}

// ClaimNotifications flips eligible rows to in_flight. SKIP LOCKED lets concurrent schedulers
// claim disjoint batches.
func (r *Repository) ClaimNotifications(ctx context.Context, q domain.ClaimQuery) ([]domain.RawNotification, error) {
	if q.Limit <= 0 {
		return nil, nil
	}

	const query = `WITH eligible AS (
            SELECT id FROM raw_notifications
             WHERE status = 'unprocessed'
                OR (status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= $1 AND attempts < $2)
                OR ($3::boolean AND status = 'in_flight' AND claimed_at < $4)
             ORDER BY received_at, id
             LIMIT $5
             FOR UPDATE SKIP LOCKED
        )
        UPDATE raw_notifications n
           SET status = 'in_flight', claimed_at = $1
          FROM eligible
         WHERE n.id = eligible.id
        RETURNING n.id, n.kind, n.mode, n.payload, n.received_at, n.status, n.processed_at, n.last_error, n.attempts, n.next_retry_at, n.failure_kind, n.claimed_at`

	now := q.Now.UTC()
	rows, err := r.pool.Query(ctx, query, now, q.MaxAttempts, q.ClaimTTL > 0, now.Add(-q.ClaimTTL), q.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	claimed := make([]domain.RawNotification, 0, q.Limit)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, n)
	}
	return claimed, rows.Err()
}

// MarkProcessed finalises a claimed notification.
func (r *Repository) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE raw_notifications
            SET status = 'processed', processed_at = $2, claimed_at = NULL, next_retry_at = NULL
          WHERE id = $1 AND status = 'in_flight'`,
		id, at.UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark processed %s: %w", id, domain.ErrVersionConflict)
	}
	return nil
}

// MarkFailed records a failed attempt on a claimed notification.
func (r *Repository) MarkFailed(ctx context.Context, id string, f domain.Failure) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE raw_notifications
            SET status = 'failed', attempts = $2, next_retry_at = $3, last_error = $4, failure_kind = $5, claimed_at = NULL
          WHERE id = $1 AND status = 'in_flight'`,
		id, f.Attempts, utcPtr(f.NextRetryAt), f.Reason, string(f.Kind),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark failed %s: %w", id, domain.ErrVersionConflict)
	}
	return nil
}

// ReleaseClaim returns an unstarted claim to the unprocessed pool.
func (r *Repository) ReleaseClaim(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE raw_notifications SET status = 'unprocessed', claimed_at = NULL WHERE id = $1 AND status = 'in_flight'`,
		id,
	)
	return err
}

// RequeueFailed moves failed notifications back to unprocessed, keeping their attempt history.
func (r *Repository) RequeueFailed(ctx context.Context, includePermanent bool) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE raw_notifications
            SET status = 'unprocessed', next_retry_at = NULL, failure_kind = NULL, claimed_at = NULL
          WHERE status = 'failed'
            AND (failure_kind IS NULL OR failure_kind <> 'permanent' OR $1::boolean)`,
		includePermanent,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ListFailed returns failed notifications, newest first, for operator inspection.
func (r *Repository) ListFailed(ctx context.Context, cursor *domain.Cursor, limit int) ([]domain.RawNotification, *domain.Cursor, error) {
	if limit <= 0 {
		limit = 50
	}
	args := []any{limit}
	query := `SELECT ` + notificationColumns + ` FROM raw_notifications WHERE status = 'failed'`
	if cursor != nil {
		query += ` AND (received_at, id) < ($2, $3)`
		args = append(args, cursor.Timestamp.UTC(), cursor.ID)
	}
	query += ` ORDER BY received_at DESC, id DESC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.RawNotification, 0, limit)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, n)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{Timestamp: last.ReceivedAt, ID: last.ID}
	}
	return results, next, nil
}
