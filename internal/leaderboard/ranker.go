// Package leaderboard ranks challenge participants by their tracked total.
package leaderboard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
	"github.com/TallManCycles/challenge-sub001/internal/observability"
)

// Standing is one row of a challenge leaderboard.
type Standing struct {
	Position    int        `json:"position"`
	UserID      string     `json:"user_id"`
	Value       float64    `json:"value"`
	JoinedAt    time.Time  `json:"joined_at"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Store is the read surface the ranker needs.
type Store interface {
	GetChallenge(ctx context.Context, id string) (*domain.Challenge, error)
	ListParticipants(ctx context.Context, challengeID string) ([]domain.ParticipantProgress, error)
}

// Ranker computes leaderboards, consulting a cache first.
type Ranker struct {
	store  Store
	cache  Cache
	logger *zap.Logger
}

// NewRanker builds a Ranker. A nil cache disables caching.
func NewRanker(store Store, cache Cache, logger *zap.Logger) (*Ranker, error) {
	if store == nil {
		return nil, domain.NewServiceError("leaderboard", "missing_store", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cache == nil {
		cache = NoopCache{}
	}
	return &Ranker{store: store, cache: cache, logger: logger}, nil
}

// Rank returns the challenge's participants ordered by value descending. Ties are broken by join
// time ascending and then by user id, so identical data always yields identical positions.
// Positions are 1-based and never shared.
func (r *Ranker) Rank(ctx context.Context, challengeID string) ([]Standing, error) {
	if cached, ok, err := r.cache.Get(ctx, challengeID); err != nil {
		r.logger.Warn("leaderboard cache read failed", zap.String("challenge_id", challengeID), zap.Error(err))
		observability.RecordLeaderboardCache("error")
	} else if ok {
		observability.RecordLeaderboardCache("hit")
		return cached, nil
	}
	observability.RecordLeaderboardCache("miss")

	challenge, err := r.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if !challenge.Dimension.Valid() {
		return nil, fmt.Errorf("challenge %s: %w: %q", challengeID, domain.ErrUnknownDimension, challenge.Dimension)
	}
	participants, err := r.store.ListParticipants(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	standings := Order(challenge.Dimension, participants)
	if err := r.cache.Set(ctx, challengeID, standings); err != nil {
		r.logger.Warn("leaderboard cache write failed", zap.String("challenge_id", challengeID), zap.Error(err))
	}
	return standings, nil
}

// Invalidate drops any cached leaderboard for the challenge.
func (r *Ranker) Invalidate(ctx context.Context, challengeID string) error {
	return r.cache.Invalidate(ctx, challengeID)
}

// Order sorts participants for dimension d and assigns positions.
func Order(d domain.Dimension, participants []domain.ParticipantProgress) []Standing {
	sorted := make([]domain.ParticipantProgress, len(participants))
	copy(sorted, participants)
	sort.SliceStable(sorted, func(i, j int) bool {
		vi, vj := sorted[i].Value(d), sorted[j].Value(d)
		if vi != vj {
			return vi > vj
		}
		if !sorted[i].JoinedAt.Equal(sorted[j].JoinedAt) {
			return sorted[i].JoinedAt.Before(sorted[j].JoinedAt)
		}
		return sorted[i].UserID < sorted[j].UserID
	})

	standings := make([]Standing, 0, len(sorted))
	for i, p := range sorted {
		standings = append(standings, Standing{
			Position:    i + 1,
			UserID:      p.UserID,
			Value:       p.Value(d),
			JoinedAt:    p.JoinedAt.UTC(),
			Completed:   p.Completed,
			CompletedAt: p.CompletedAt,
		})
	}
	return standings
}
