package sqlite

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
)

// ClaimOutbox claims unpublished events that are due for delivery.
func (s *Store) ClaimOutbox(ctx context.Context, limit int, now time.Time, claimTTL time.Duration) ([]domain.OutboxEvent, error) {
	nowNs := nanos(now)
	staleNs := nanos(now.Add(-claimTTL))

	var events []domain.OutboxEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var records []outboxRecord
		err := tx.Where("published_at_ns IS NULL AND quarantined_at_ns IS NULL").
			Where("(next_retry_at_ns IS NULL OR next_retry_at_ns <= ?)", nowNs).
			Where("(claimed_at_ns IS NULL OR claimed_at_ns < ?)", staleNs).
			Order("event_id").
			Limit(limit).
			Find(&records).Error
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(records))
		for _, record := range records {
			ids = append(ids, record.EventID)
		}
		if err := tx.Model(&outboxRecord{}).Where("event_id IN ?", ids).Update("claimed_at_ns", nowNs).Error; err != nil {
			return err
		}

		events = make([]domain.OutboxEvent, 0, len(records))
		for _, record := range records {
			events = append(events, record.toDomain())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// MarkPublished records successful delivery.
func (s *Store) MarkPublished(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&outboxRecord{}).
		Where("event_id IN ?", ids).
		Updates(map[string]any{"published_at_ns": nanos(at), "claimed_at_ns": nil}).Error
}

// MarkDeliveryFailed schedules a retry or quarantines the event when its budget is spent.
func (s *Store) MarkDeliveryFailed(ctx context.Context, id int64, f domain.Failure) error {
	reason := f.Reason
	updates := map[string]any{
		"retry_count":      f.Attempts,
		"next_retry_at_ns": nanosPtr(f.NextRetryAt),
		"last_error":       &reason,
		"claimed_at_ns":    nil,
	}
	if f.Kind == domain.FailurePoison || f.Kind == domain.FailurePermanent {
		updates["quarantined_at_ns"] = nanos(f.At)
	}
	return s.db.WithContext(ctx).Model(&outboxRecord{}).Where("event_id = ?", id).Updates(updates).Error
}
