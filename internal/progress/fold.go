package progress

import (
	"fmt"
	"time"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
)

// Step is the result of folding one activity into one participant's progress.
type Step struct {
	Progress  domain.ParticipantProgress
	Delta     float64
	Completed bool
}

// Fold adds activity to p for challenge c. It is pure: the caller persists the returned progress
// against p.Version. Completion is first-crossing only and is stamped with the start time of the
// activity that crossed the target.
func Fold(p domain.ParticipantProgress, c domain.Challenge, activity domain.CanonicalActivity, now time.Time) (Step, error) {
	delta, err := domain.ContributionOf(activity, c.Dimension)
	if err != nil {
		return Step{}, err
	}
	if delta < 0 {
		return Step{}, fmt.Errorf("%w: negative contribution %.2f", domain.ErrMalformedPayload, delta)
	}

	next := p
	switch c.Dimension {
	case domain.DimensionDistance:
		next.DistanceMeters += delta
	case domain.DimensionElevation:
		next.ElevationMeters += delta
	case domain.DimensionDuration:
		next.DurationSeconds += delta
	}

	start := activity.StartTime.UTC()
	if next.LastActivityAt == nil || start.After(*next.LastActivityAt) {
		next.LastActivityAt = &start
	}

	step := Step{Delta: delta}
	if !next.Completed && c.Target != nil && next.Value(c.Dimension) >= *c.Target {
		next.Completed = true
		next.CompletedAt = &start
		step.Completed = true
	}

	next.UpdatedAt = now.UTC()
	next.Version = p.Version + 1
	step.Progress = next
	return step, nil
}

// BuildDailySeries buckets contributions by UTC day over [challenge start, min(today, end)],
// emitting zero-value days. Contributions outside that window are ignored.
func BuildDailySeries(c domain.Challenge, contributions []domain.Contribution, now time.Time) []domain.DailyProgressPoint {
	first := domain.Day(c.StartDate)
	last := domain.Day(c.EndDate)
	if today := domain.Day(now); today.Before(last) {
		last = today
	}
	if last.Before(first) {
		return []domain.DailyProgressPoint{}
	}

	perDay := make(map[time.Time]float64, len(contributions))
	for _, contribution := range contributions {
		perDay[domain.Day(contribution.ActivityStart)] += contribution.Value
	}

	days := int(last.Sub(first).Hours()/24) + 1
	series := make([]domain.DailyProgressPoint, 0, days)
	var cumulative float64
	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		value := perDay[day]
		cumulative += value
		series = append(series, domain.DailyProgressPoint{Date: day, Value: value, Cumulative: cumulative})
	}
	return series
}
