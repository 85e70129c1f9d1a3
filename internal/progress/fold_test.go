package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
)

func TestFoldUnknownDimension(t *testing.T) {
	_, err := Fold(domain.ParticipantProgress{}, domain.Challenge{Dimension: "steps"}, domain.CanonicalActivity{}, time.Now())
	require.ErrorIs(t, err, domain.ErrUnknownDimension)
}

func TestFoldKeepsLatestActivityTime(t *testing.T) {
	later := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	p := domain.ParticipantProgress{LastActivityAt: &later, Version: 3}
	c := domain.Challenge{Dimension: domain.DimensionDuration}
	a := domain.CanonicalActivity{StartTime: later.Add(-48 * time.Hour), Duration: 30 * time.Minute}

	step, err := Fold(p, c, a, later)
	require.NoError(t, err)
	require.Equal(t, later, *step.Progress.LastActivityAt)
	require.InDelta(t, 1800.0, step.Progress.DurationSeconds, 1e-9)
	require.EqualValues(t, 4, step.Progress.Version)
	require.False(t, step.Completed)
}

func TestBuildDailySeries(t *testing.T) {
	c := domain.Challenge{
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
	}
	contributions := []domain.Contribution{
		{ActivityStart: time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC), Value: 2},
		{ActivityStart: time.Date(2024, 1, 1, 19, 0, 0, 0, time.UTC), Value: 3},
		{ActivityStart: time.Date(2024, 1, 3, 23, 59, 0, 0, time.UTC), Value: 4},
	}

	t.Run("stops at today", func(t *testing.T) {
		series := BuildDailySeries(c, contributions, time.Date(2024, 1, 4, 12, 0, 0, 0, time.UTC))
		require.Len(t, series, 4)
		require.Equal(t, []float64{5, 0, 4, 0}, []float64{series[0].Value, series[1].Value, series[2].Value, series[3].Value})
		require.Equal(t, []float64{5, 5, 9, 9}, []float64{series[0].Cumulative, series[1].Cumulative, series[2].Cumulative, series[3].Cumulative})
	})

	t.Run("stops at end date", func(t *testing.T) {
		series := BuildDailySeries(c, contributions, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
		require.Len(t, series, 10)
		require.Equal(t, 9.0, series[9].Cumulative)
	})

	t.Run("before start", func(t *testing.T) {
		series := BuildDailySeries(c, contributions, time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC))
		require.Empty(t, series)
	})
}
