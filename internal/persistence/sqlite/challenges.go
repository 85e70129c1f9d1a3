package sqlite

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
)

// SaveChallenge upserts challenge metadata.
func (s *Store) SaveChallenge(ctx context.Context, c domain.Challenge) error {
	record := challengeRecord{
		ID:        c.ID,
		Name:      c.Name,
		Dimension: string(c.Dimension),
		Target:    c.Target,
		StartNs:   nanos(domain.Day(c.StartDate)),
		EndNs:     nanos(domain.Day(c.EndDate)),
		Active:    c.Active,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error
}

// GetChallenge fetches a challenge by ID.
func (s *Store) GetChallenge(ctx context.Context, id string) (*domain.Challenge, error) {
	var record challengeRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&record).Error; err != nil {
		if isNotFound(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	challenge := record.toDomain()
	return &challenge, nil
}

// JoinChallenge creates zeroed progress for a participant. Joining twice keeps the original row.
func (s *Store) JoinChallenge(ctx context.Context, challengeID, userID string, at time.Time) (*domain.ParticipantProgress, error) {
	record := participantRecord{
		ChallengeID: challengeID,
		UserID:      userID,
		JoinedAtNs:  nanos(at),
		UpdatedAtNs: nanos(at),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
		return nil, err
	}
	return s.GetParticipant(ctx, challengeID, userID)
}

// GetParticipant fetches one participant's progress.
func (s *Store) GetParticipant(ctx context.Context, challengeID, userID string) (*domain.ParticipantProgress, error) {
	var record participantRecord
	if err := s.db.WithContext(ctx).Where("challenge_id = ? AND user_id = ?", challengeID, userID).Take(&record).Error; err != nil {
		if isNotFound(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	progress := record.toDomain()
	return &progress, nil
}

// ListParticipants returns every participant of a challenge in storage order.
func (s *Store) ListParticipants(ctx context.Context, challengeID string) ([]domain.ParticipantProgress, error) {
	var records []participantRecord
	if err := s.db.WithContext(ctx).Where("challenge_id = ?", challengeID).Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]domain.ParticipantProgress, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// ListContributions returns a participant's contribution ledger ordered by activity start.
func (s *Store) ListContributions(ctx context.Context, challengeID, userID string) ([]domain.Contribution, error) {
	var records []contributionRecord
	err := s.db.WithContext(ctx).
		Where("challenge_id = ? AND user_id = ?", challengeID, userID).
		Order("activity_start_ns, activity_id").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.Contribution, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// RunInTx executes fn inside a database transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(domain.ProgressTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&progressTx{db: tx})
	})
}

type progressTx struct {
	db *gorm.DB
}

func (t *progressTx) ClaimAggregation(ctx context.Context, activityID string, at time.Time) (bool, error) {
	result := t.db.WithContext(ctx).Model(&activityRecord{}).
		Where("id = ? AND aggregated_at_ns IS NULL AND owner_status = ? AND user_id <> ''", activityID, string(domain.OwnerOwned)).
		Update("aggregated_at_ns", nanos(at))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (t *progressTx) ActiveParticipations(ctx context.Context, userID string) ([]domain.Participation, error) {
	var participants []participantRecord
	if err := t.db.WithContext(ctx).Where("user_id = ?", userID).Find(&participants).Error; err != nil {
		return nil, err
	}
	if len(participants) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.ChallengeID)
	}
	var challenges []challengeRecord
	if err := t.db.WithContext(ctx).Where("id IN ? AND active = ?", ids, true).Find(&challenges).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]challengeRecord, len(challenges))
	for _, c := range challenges {
		byID[c.ID] = c
	}

	out := make([]domain.Participation, 0, len(challenges))
	for _, p := range participants {
		c, ok := byID[p.ChallengeID]
		if !ok {
			continue
		}
		out = append(out, domain.Participation{Challenge: c.toDomain(), Progress: p.toDomain()})
	}
	return out, nil
}

func (t *progressTx) SaveProgress(ctx context.Context, p domain.ParticipantProgress, expectedVersion int64) error {
	result := t.db.WithContext(ctx).Model(&participantRecord{}).
		Where("challenge_id = ? AND user_id = ? AND version = ?", p.ChallengeID, p.UserID, expectedVersion).
		Updates(map[string]any{
			"distance_meters":     p.DistanceMeters,
			"elevation_meters":    p.ElevationMeters,
			"duration_seconds":    p.DurationSeconds,
			"last_activity_at_ns": nanosPtr(p.LastActivityAt),
			"completed":           p.Completed,
			"completed_at_ns":     nanosPtr(p.CompletedAt),
			"updated_at_ns":       nanos(p.UpdatedAt),
			"version":             p.Version,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("participant %s/%s: %w", p.ChallengeID, p.UserID, domain.ErrVersionConflict)
	}
	return nil
}

func (t *progressTx) RecordContribution(ctx context.Context, c domain.Contribution) error {
	record := contributionRecord{
		ChallengeID:     c.ChallengeID,
		ActivityID:      c.ActivityID,
		UserID:          c.UserID,
		ActivityStartNs: nanos(c.ActivityStart),
		Value:           c.Value,
		CreatedAtNs:     nanos(c.CreatedAt),
	}
	return t.db.WithContext(ctx).Create(&record).Error
}

func (t *progressTx) EnqueueEvent(ctx context.Context, e domain.OutboxEvent) error {
	record := outboxRecord{
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Topic:         e.Topic,
		PartitionKey:  e.PartitionKey,
		Payload:       e.Payload,
		CreatedAtNs:   nanos(e.CreatedAt),
	}
	return t.db.WithContext(ctx).Create(&record).Error
}
