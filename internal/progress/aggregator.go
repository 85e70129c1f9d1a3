// Package progress folds owned activities into per-participant challenge totals.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
	"github.com/TallManCycles/challenge-sub001/internal/observability"
)

// DefaultTopic is the outbox topic for progress events.
const DefaultTopic = "challenge.progress"

// Invalidator is told when a challenge's standings changed.
type Invalidator interface {
	Invalidate(ctx context.Context, challengeID string) error
}

// Config wires an Aggregator.
type Config struct {
	Store       domain.ChallengeRepository
	Invalidator Invalidator
	Topic       string
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Aggregator applies canonical activities to challenge progress.
type Aggregator struct {
	store       domain.ChallengeRepository
	invalidator Invalidator
	topic       string
	clock       func() time.Time
	logger      *zap.Logger
}

// NewAggregator validates cfg.
func NewAggregator(cfg Config) (*Aggregator, error) {
	if cfg.Store == nil {
		return nil, domain.NewServiceError("progress", "missing_store", nil)
	}
	if cfg.Logger == nil {
		return nil, domain.NewServiceError("progress", "missing_logger", nil)
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Aggregator{
		store:       cfg.Store,
		invalidator: cfg.Invalidator,
		topic:       cfg.Topic,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}, nil
}

// Apply folds activity into every active challenge of its owner whose date range contains the
// activity's start. Each activity is applied at most once; a repeated call returns an empty
// slice. A challenge that cannot be folded is logged and skipped without affecting the others.
// An activity dated after today (UTC) stays unaggregated until its day arrives.
func (a *Aggregator) Apply(ctx context.Context, activity domain.CanonicalActivity) ([]domain.ParticipantProgress, error) {
	if !activity.Owned() {
		return nil, nil
	}

	now := a.clock().UTC()
	if !activity.StartTime.Before(domain.DueBy(now)) {
		observability.RecordAggregation("deferred")
		a.logger.Debug("activity dated in the future; deferring aggregation",
			zap.String("activity_id", activity.ID),
			zap.Time("start_time", activity.StartTime),
		)
		return []domain.ParticipantProgress{}, nil
	}
	var (
		updated   []domain.ParticipantProgress
		completed int
		applied   bool
	)
	err := a.store.RunInTx(ctx, func(tx domain.ProgressTx) error {
		updated, completed, applied = nil, 0, false

		claimed, err := tx.ClaimAggregation(ctx, activity.ID, now)
		if err != nil {
			return fmt.Errorf("claim aggregation: %w", err)
		}
		if !claimed {
			return nil
		}
		applied = true

		participations, err := tx.ActiveParticipations(ctx, activity.UserID)
		if err != nil {
			return fmt.Errorf("load participations: %w", err)
		}

		for _, participation := range participations {
			challenge := participation.Challenge
			if !challenge.Contains(activity.StartTime) {
				continue
			}

			step, err := Fold(participation.Progress, challenge, activity, now)
			if err != nil {
				a.logger.Warn("skipping challenge",
					zap.String("challenge_id", challenge.ID),
					zap.String("activity_id", activity.ID),
					zap.Error(err),
				)
				observability.RecordAggregation("skipped")
				continue
			}

			if err := a.persist(ctx, tx, challenge, activity, participation.Progress.Version, step, now); err != nil {
				return err
			}
			updated = append(updated, step.Progress)
			if step.Completed {
				completed++
			}
		}
		return nil
	})
	if err != nil {
		observability.RecordAggregation("error")
		return nil, err
	}

	if !applied {
		observability.RecordAggregation("duplicate")
		return []domain.ParticipantProgress{}, nil
	}

	observability.RecordAggregation("applied")
	for i := 0; i < completed; i++ {
		observability.RecordCompletion()
	}
	a.invalidate(ctx, updated)

	a.logger.Debug("activity aggregated",
		zap.String("activity_id", activity.ID),
		zap.String("user_id", activity.UserID),
		zap.Int("challenges", len(updated)),
		zap.Int("completed", completed),
	)
	if updated == nil {
		updated = []domain.ParticipantProgress{}
	}
	return updated, nil
}

func (a *Aggregator) persist(ctx context.Context, tx domain.ProgressTx, challenge domain.Challenge, activity domain.CanonicalActivity, expectedVersion int64, step Step, now time.Time) error {
	p := step.Progress
	if err := tx.SaveProgress(ctx, p, expectedVersion); err != nil {
		return fmt.Errorf("save progress: %w", err)
	}

	if err := tx.RecordContribution(ctx, domain.Contribution{
		ChallengeID:   challenge.ID,
		UserID:        p.UserID,
		ActivityID:    activity.ID,
		ActivityStart: activity.StartTime.UTC(),
		Value:         step.Delta,
		CreatedAt:     now,
	}); err != nil {
		return fmt.Errorf("record contribution: %w", err)
	}

	progressed, err := a.event(challenge.ID, p.UserID, domain.EventParticipantProgressed, now, domain.ParticipantProgressed{
		ChallengeID: challenge.ID,
		UserID:      p.UserID,
		ActivityID:  activity.ID,
		Dimension:   string(challenge.Dimension),
		Delta:       step.Delta,
		Cumulative:  p.Value(challenge.Dimension),
		OccurredAt:  activity.StartTime.UTC(),
	})
	if err != nil {
		return err
	}
	if err := tx.EnqueueEvent(ctx, progressed); err != nil {
		return fmt.Errorf("enqueue progress event: %w", err)
	}

	if !step.Completed {
		return nil
	}
	completedEvent, err := a.event(challenge.ID, p.UserID, domain.EventParticipantCompleted, now, domain.ParticipantCompleted{
		ChallengeID: challenge.ID,
		UserID:      p.UserID,
		ActivityID:  activity.ID,
		Cumulative:  p.Value(challenge.Dimension),
		Target:      *challenge.Target,
		CompletedAt: *p.CompletedAt,
	})
	if err != nil {
		return err
	}
	if err := tx.EnqueueEvent(ctx, completedEvent); err != nil {
		return fmt.Errorf("enqueue completion event: %w", err)
	}
	return nil
}

func (a *Aggregator) event(challengeID, userID, eventType string, now time.Time, payload any) (domain.OutboxEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.OutboxEvent{}, fmt.Errorf("encode %s: %w", eventType, err)
	}
	key := challengeID + ":" + userID
	return domain.OutboxEvent{
		AggregateType: "participant",
		AggregateID:   key,
		EventType:     eventType,
		Topic:         a.topic,
		PartitionKey:  key,
		Payload:       body,
		CreatedAt:     now,
	}, nil
}

func (a *Aggregator) invalidate(ctx context.Context, updated []domain.ParticipantProgress) {
	if a.invalidator == nil {
		return
	}
	for _, p := range updated {
		if err := a.invalidator.Invalidate(ctx, p.ChallengeID); err != nil {
			a.logger.Warn("leaderboard invalidation failed", zap.String("challenge_id", p.ChallengeID), zap.Error(err))
		}
	}
}

// DailySeries returns the participant's day-by-day progress in the challenge as of now.
func (a *Aggregator) DailySeries(ctx context.Context, challengeID, userID string, now time.Time) ([]domain.DailyProgressPoint, error) {
	challenge, err := a.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if _, err := a.store.GetParticipant(ctx, challengeID, userID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("participant %s in %s: %w", userID, challengeID, domain.ErrNotFound)
		}
		return nil, err
	}
	contributions, err := a.store.ListContributions(ctx, challengeID, userID)
	if err != nil {
		return nil, err
	}
	return BuildDailySeries(*challenge, contributions, now), nil
}
