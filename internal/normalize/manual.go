package normalize

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
	"github.com/TallManCycles/challenge-sub001/internal/observability"
)

// ManualEntry is an activity typed in by the user.
type ManualEntry struct {
	UserID              string
	IdempotencyKey      string
	ActivityType        string
	StartTime           time.Time
	Duration            time.Duration
	DistanceMeters      float64
	ElevationGainMeters float64
	AvgHeartRate        *float64
}

func (e ManualEntry) validate() error {
	switch {
	case strings.TrimSpace(e.UserID) == "":
		return fmt.Errorf("%w: user id is required", domain.ErrMalformedPayload)
	case strings.TrimSpace(e.IdempotencyKey) == "":
		return fmt.Errorf("%w: idempotency key is required", domain.ErrMalformedPayload)
	case e.StartTime.IsZero():
		return fmt.Errorf("%w: start time is required", domain.ErrMalformedPayload)
	case e.Duration < 0 || e.DistanceMeters < 0 || e.ElevationGainMeters < 0:
		return fmt.Errorf("%w: metrics must not be negative", domain.ErrMalformedPayload)
	}
	return nil
}

// NormalizeManual stores a manual entry. A repeated idempotency key for the same user returns the
// originally stored activity with replay set.
func (n *Normalizer) NormalizeManual(ctx context.Context, entry ManualEntry) (domain.CanonicalActivity, bool, error) {
	if err := entry.validate(); err != nil {
		observability.RecordActivity(string(domain.SourceManual), "rejected")
		return domain.CanonicalActivity{}, false, domain.Permanent(err)
	}

	draft := domain.CanonicalActivity{
		UserID:              entry.UserID,
		Provider:            string(domain.SourceManual),
		Source:              domain.SourceManual,
		SourceID:            entry.UserID + ":" + entry.IdempotencyKey,
		Category:            domain.CategoryFor(entry.ActivityType),
		StartTime:           entry.StartTime.UTC(),
		Duration:            entry.Duration,
		DistanceMeters:      entry.DistanceMeters,
		ElevationGainMeters: entry.ElevationGainMeters,
		AvgHeartRate:        entry.AvgHeartRate,
	}

	stored, created, err := n.persist(ctx, draft)
	if err != nil {
		return domain.CanonicalActivity{}, false, err
	}
	if !created {
		n.logger.Debug("manual activity replayed",
			zap.String("activity_id", stored.ID),
			zap.String("user_id", entry.UserID),
		)
	}
	return stored, !created, nil
}
