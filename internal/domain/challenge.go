package domain

import (
	"fmt"
	"time"
)

// Dimension is the single metric a challenge tracks.
type Dimension string

const (
	DimensionDistance  Dimension = "distance"
	DimensionElevation Dimension = "elevation"
	DimensionDuration  Dimension = "duration"
)

// Valid reports whether d is a supported dimension.
func (d Dimension) Valid() bool {
	switch d {
	case DimensionDistance, DimensionElevation, DimensionDuration:
		return true
	}
	return false
}

// Challenge is a time-boxed group goal. Dates are UTC calendar days and both ends are inclusive.
type Challenge struct {
	ID        string
	Name      string
	Dimension Dimension
	Target    *float64
	StartDate time.Time
	EndDate   time.Time
	Active    bool
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DueBy is the exclusive upper bound on activity starts that count toward progress at now:
// the next UTC midnight. Activities dated later wait until their day arrives.
func DueBy(now time.Time) time.Time {
	return Day(now).AddDate(0, 0, 1)
}

// Contains reports whether t falls on or between the start and end days.
func (c Challenge) Contains(t time.Time) bool {
	t = t.UTC()
	start := Day(c.StartDate)
	end := Day(c.EndDate).AddDate(0, 0, 1)
	return !t.Before(start) && t.Before(end)
}

// ParticipantProgress is the running state of one participant in one challenge.
type ParticipantProgress struct {
	ChallengeID     string
	UserID          string
	JoinedAt        time.Time
	DistanceMeters  float64
	ElevationMeters float64
	DurationSeconds float64
	LastActivityAt  *time.Time
	Completed       bool
	CompletedAt     *time.Time
	UpdatedAt       time.Time
	Version         int64
}

// Value returns the cumulative amount for the given dimension.
func (p ParticipantProgress) Value(d Dimension) float64 {
	switch d {
	case DimensionDistance:
		return p.DistanceMeters
	case DimensionElevation:
		return p.ElevationMeters
	case DimensionDuration:
		return p.DurationSeconds
	}
	return 0
}

// ContributionOf returns what an activity adds to a challenge tracking d.
func ContributionOf(a CanonicalActivity, d Dimension) (float64, error) {
	switch d {
	case DimensionDistance:
		return a.DistanceMeters, nil
	case DimensionElevation:
		return a.ElevationGainMeters, nil
	case DimensionDuration:
		return a.Duration.Seconds(), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDimension, d)
}

// Participation pairs a challenge with the caller's progress in it.
type Participation struct {
	Challenge Challenge
	Progress  ParticipantProgress
}

// Contribution records the amount one activity added to one participant's progress.
type Contribution struct {
	ChallengeID   string
	UserID        string
	ActivityID    string
	ActivityStart time.Time
	Value         float64
	CreatedAt     time.Time
}

// DailyProgressPoint is one day of a participant's derived progress series.
type DailyProgressPoint struct {
	Date       time.Time
	Value      float64
	Cumulative float64
}
