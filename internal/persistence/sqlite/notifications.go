package sqlite

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
)

// InsertNotification stores a raw delivery exactly as received.
func (s *Store) InsertNotification(ctx context.Context, n domain.RawNotification) error {
	record := notificationRecord{
		ID:           n.ID,
		Kind:         string(n.Kind),
		Mode:         string(n.Mode),
		Payload:      n.Payload,
		ReceivedAtNs: nanos(n.ReceivedAt),
		Status:       string(n.Status),
		Attempts:     n.Attempts,
	}
	return s.db.WithContext(ctx).Create(&record).Error
}

// GetNotification fetches a notification by ID.
func (s *Store) GetNotification(ctx context.Context, id string) (*domain.RawNotification, error) {
	var record notificationRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&record).Error; err != nil {
		if isNotFound(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	n := record.toDomain()
	return &n, nil
}

// ClaimNotifications selects eligible rows and flips them to in_flight inside one transaction.
// The single shared connection serialises concurrent claimers.
func (s *Store) ClaimNotifications(ctx context.Context, q domain.ClaimQuery) ([]domain.RawNotification, error) {
	if q.Limit <= 0 {
		return nil, nil
	}
	now := nanos(q.Now)

	cond := "status = ? OR (status = ? AND next_retry_at_ns IS NOT NULL AND next_retry_at_ns <= ? AND attempts < ?)"
	args := []any{string(domain.StatusUnprocessed), string(domain.StatusFailed), now, q.MaxAttempts}
	if q.ClaimTTL > 0 {
		cond += " OR (status = ? AND claimed_at_ns < ?)"
		args = append(args, string(domain.StatusInFlight), nanos(q.Now.Add(-q.ClaimTTL)))
	}

	var claimed []domain.RawNotification
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var records []notificationRecord
		if err := tx.Where("("+cond+")", args...).Order("received_at_ns, id").Limit(q.Limit).Find(&records).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		ids := make([]string, 0, len(records))
		for _, record := range records {
			ids = append(ids, record.ID)
		}
		if err := tx.Model(&notificationRecord{}).Where("id IN ?", ids).Updates(map[string]any{
			"status":        string(domain.StatusInFlight),
			"claimed_at_ns": now,
		}).Error; err != nil {
			return err
		}

		claimed = make([]domain.RawNotification, 0, len(records))
		for _, record := range records {
			record.Status = string(domain.StatusInFlight)
			record.ClaimedAtNs = &now
			claimed = append(claimed, record.toDomain())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkProcessed finalises a claimed notification.
func (s *Store) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&notificationRecord{}).
		Where("id = ? AND status = ?", id, string(domain.StatusInFlight)).
		Updates(map[string]any{
			"status":           string(domain.StatusProcessed),
			"processed_at_ns":  nanos(at),
			"claimed_at_ns":    nil,
			"next_retry_at_ns": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("mark processed %s: %w", id, domain.ErrVersionConflict)
	}
	return nil
}

// MarkFailed records a failed attempt on a claimed notification.
func (s *Store) MarkFailed(ctx context.Context, id string, f domain.Failure) error {
	reason := f.Reason
	kind := string(f.Kind)
	result := s.db.WithContext(ctx).Model(&notificationRecord{}).
		Where("id = ? AND status = ?", id, string(domain.StatusInFlight)).
		Updates(map[string]any{
			"status":           string(domain.StatusFailed),
			"attempts":         f.Attempts,
			"next_retry_at_ns": nanosPtr(f.NextRetryAt),
			"last_error":       &reason,
			"failure_kind":     &kind,
			"claimed_at_ns":    nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("mark failed %s: %w", id, domain.ErrVersionConflict)
	}
	return nil
}

// ReleaseClaim returns an unstarted claim to the unprocessed pool.
func (s *Store) ReleaseClaim(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&notificationRecord{}).
		Where("id = ? AND status = ?", id, string(domain.StatusInFlight)).
		Updates(map[string]any{
			"status":        string(domain.StatusUnprocessed),
			"claimed_at_ns": nil,
		}).Error
}

// RequeueFailed moves failed notifications back to unprocessed, keeping their attempt history.
func (s *Store) RequeueFailed(ctx context.Context, includePermanent bool) (int, error) {
	kinds := []string{string(domain.FailureTransient), string(domain.FailurePoison)}
	if includePermanent {
		kinds = append(kinds, string(domain.FailurePermanent))
	}
	result := s.db.WithContext(ctx).Model(&notificationRecord{}).
		Where("status = ? AND (failure_kind IN ? OR failure_kind IS NULL)", string(domain.StatusFailed), kinds).
		Updates(map[string]any{
			"status":           string(domain.StatusUnprocessed),
			"next_retry_at_ns": nil,
			"failure_kind":     nil,
			"claimed_at_ns":    nil,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}

// ListFailed returns failed notifications, newest first, for operator inspection.
func (s *Store) ListFailed(ctx context.Context, cursor *domain.Cursor, limit int) ([]domain.RawNotification, *domain.Cursor, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.db.WithContext(ctx).Where("status = ?", string(domain.StatusFailed))
	if cursor != nil {
		ts := nanos(cursor.Timestamp)
		query = query.Where("(received_at_ns < ? OR (received_at_ns = ? AND id < ?))", ts, ts, cursor.ID)
	}

	var records []notificationRecord
	if err := query.Order("received_at_ns DESC, id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, nil, err
	}

	results := make([]domain.RawNotification, 0, len(records))
	for _, record := range records {
		results = append(results, record.toDomain())
	}

	var next *domain.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{Timestamp: last.ReceivedAt, ID: last.ID}
	}
	return results, next, nil
}
