package sqlite

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
)

// FindActivityBySource returns the activity with the given source-native identifier, or nil.
func (s *Store) FindActivityBySource(ctx context.Context, source domain.Source, sourceID string) (*domain.CanonicalActivity, error) {
	var record activityRecord
	err := s.db.WithContext(ctx).Where("source = ? AND source_id = ?", string(source), sourceID).Take(&record).Error
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	activity := record.toDomain()
	return &activity, nil
}

// InsertActivity stores a new activity unless one with the same source identity exists.
func (s *Store) InsertActivity(ctx context.Context, a domain.CanonicalActivity) (bool, error) {
	record := activityFromDomain(a)
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source"}, {Name: "source_id"}},
			DoNothing: true,
		}).
		Create(&record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// GetActivity fetches an activity by ID.
func (s *Store) GetActivity(ctx context.Context, id string) (*domain.CanonicalActivity, error) {
	var record activityRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&record).Error; err != nil {
		if isNotFound(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	activity := record.toDomain()
	return &activity, nil
}

// ListPendingAggregation returns owned activities that have not been folded into progress yet.
func (s *Store) ListPendingAggregation(ctx context.Context, dueBefore time.Time, limit int) ([]domain.CanonicalActivity, error) {
	var records []activityRecord
	err := s.db.WithContext(ctx).
		Where("owner_status = ? AND aggregated_at_ns IS NULL AND start_ns < ?", string(domain.OwnerOwned), nanos(dueBefore)).
		Order("created_at_ns, id").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.CanonicalActivity, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// PromoteAwaitingOwner assigns userID to every unresolved activity for the external account.
func (s *Store) PromoteAwaitingOwner(ctx context.Context, provider, externalUserID, userID string) ([]domain.CanonicalActivity, error) {
	var promoted []domain.CanonicalActivity
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var records []activityRecord
		if err := tx.Where("provider = ? AND external_user_id = ? AND owner_status = ?",
			provider, externalUserID, string(domain.OwnerAwaitingMatch)).
			Order("start_ns, id").
			Find(&records).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		ids := make([]string, 0, len(records))
		for _, record := range records {
			ids = append(ids, record.ID)
		}
		if err := tx.Model(&activityRecord{}).Where("id IN ?", ids).Updates(map[string]any{
			"user_id":      userID,
			"owner_status": string(domain.OwnerOwned),
		}).Error; err != nil {
			return err
		}

		promoted = make([]domain.CanonicalActivity, 0, len(records))
		for _, record := range records {
			record.UserID = userID
			record.OwnerStatus = string(domain.OwnerOwned)
			promoted = append(promoted, record.toDomain())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

// FindAccountLink resolves an external account reference, returning nil when unlinked.
func (s *Store) FindAccountLink(ctx context.Context, provider, externalUserID string) (*domain.AccountLink, error) {
	var record accountLinkRecord
	err := s.db.WithContext(ctx).Where("provider = ? AND external_user_id = ?", provider, externalUserID).Take(&record).Error
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &domain.AccountLink{
		Provider:       record.Provider,
		ExternalUserID: record.ExternalUserID,
		UserID:         record.UserID,
		LinkedAt:       fromNanos(record.LinkedAtNs),
	}, nil
}

// UpsertAccountLink creates or repoints an account link.
func (s *Store) UpsertAccountLink(ctx context.Context, link domain.AccountLink) error {
	record := accountLinkRecord{
		Provider:       link.Provider,
		ExternalUserID: link.ExternalUserID,
		UserID:         link.UserID,
		LinkedAtNs:     nanos(link.LinkedAt),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "external_user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "linked_at_ns"}),
	}).Create(&record).Error
}
