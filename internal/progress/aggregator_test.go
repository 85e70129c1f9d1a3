package progress

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
	"github.com/TallManCycles/challenge-sub001/internal/persistence/sqlite"
)

func march(day, hour int) time.Time {
	return time.Date(2024, 3, day, hour, 0, 0, 0, time.UTC)
}

type recordingInvalidator struct {
	challenges []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, challengeID string) error {
	r.challenges = append(r.challenges, challengeID)
	return nil
}

type fixture struct {
	store       *sqlite.Store
	aggregator  *Aggregator
	invalidator *recordingInvalidator
	seq         int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "progress.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	invalidator := &recordingInvalidator{}
	aggregator, err := NewAggregator(Config{
		Store:       store,
		Invalidator: invalidator,
		Clock:       func() time.Time { return march(20, 0) },
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)
	return &fixture{store: store, aggregator: aggregator, invalidator: invalidator}
}

func (f *fixture) challenge(t *testing.T, id string, dim domain.Dimension, target *float64, start, end time.Time) {
	t.Helper()
	require.NoError(t, f.store.SaveChallenge(context.Background(), domain.Challenge{
		ID: id, Name: id, Dimension: dim, Target: target, StartDate: start, EndDate: end, Active: true,
	}))
}

func (f *fixture) join(t *testing.T, challengeID, userID string, at time.Time) {
	t.Helper()
	_, err := f.store.JoinChallenge(context.Background(), challengeID, userID, at)
	require.NoError(t, err)
}

func (f *fixture) activity(t *testing.T, userID string, start time.Time, meters float64) domain.CanonicalActivity {
	t.Helper()
	f.seq++
	a := domain.CanonicalActivity{
		ID:                  fmt.Sprintf("act-%03d", f.seq),
		UserID:              userID,
		Provider:            "wearable",
		Source:              domain.SourceWearablePush,
		SourceID:            fmt.Sprintf("src-%03d", f.seq),
		Category:            domain.CategoryRunning,
		StartTime:           start,
		Duration:            time.Hour,
		DistanceMeters:      meters,
		ElevationGainMeters: meters / 100,
		OwnerStatus:         domain.OwnerOwned,
		CreatedAt:           start,
	}
	created, err := f.store.InsertActivity(context.Background(), a)
	require.NoError(t, err)
	require.True(t, created)
	return a
}

func target(v float64) *float64 { return &v }

func TestApplySevenDayDistanceChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.challenge(t, "c1", domain.DimensionDistance, target(50000), march(1, 0), march(7, 0))
	f.join(t, "c1", "alice", march(1, 0))

	var fifth domain.CanonicalActivity
	for day := 1; day <= 5; day++ {
		a := f.activity(t, "alice", march(day, 8), 10000)
		updated, err := f.aggregator.Apply(ctx, a)
		require.NoError(t, err)
		require.Len(t, updated, 1)
		if day < 5 {
			require.False(t, updated[0].Completed)
		}
		fifth = a
	}

	progress, err := f.store.GetParticipant(ctx, "c1", "alice")
	require.NoError(t, err)
	require.InDelta(t, 50000.0, progress.DistanceMeters, 1e-9)
	require.True(t, progress.Completed)
	require.NotNil(t, progress.CompletedAt)
	require.Equal(t, fifth.StartTime, *progress.CompletedAt)
	require.Equal(t, fifth.StartTime, *progress.LastActivityAt)

	series, err := f.aggregator.DailySeries(ctx, "c1", "alice", march(10, 0))
	require.NoError(t, err)
	require.Len(t, series, 7)
	for i, point := range series {
		require.Equal(t, march(i+1, 0), point.Date)
	}
	require.InDelta(t, 10000.0, series[0].Value, 1e-9)
	require.InDelta(t, 50000.0, series[4].Cumulative, 1e-9)
	require.Zero(t, series[5].Value)
	require.InDelta(t, 50000.0, series[5].Cumulative, 1e-9)
	require.InDelta(t, progress.DistanceMeters, series[6].Cumulative, 1e-9)

	events, err := f.store.ClaimOutbox(ctx, 100, march(20, 0), time.Minute)
	require.NoError(t, err)
	counts := map[string]int{}
	for _, e := range events {
		counts[e.EventType]++
		require.Equal(t, "c1:alice", e.PartitionKey)
	}
	require.Equal(t, 5, counts[domain.EventParticipantProgressed])
	require.Equal(t, 1, counts[domain.EventParticipantCompleted])
}

func TestApplyCompletionNeverReverts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.challenge(t, "c1", domain.DimensionDistance, target(1000), march(1, 0), march(31, 0))
	f.join(t, "c1", "bob", march(1, 0))

	first := f.activity(t, "bob", march(3, 9), 1500)
	_, err := f.aggregator.Apply(ctx, first)
	require.NoError(t, err)

	second := f.activity(t, "bob", march(4, 9), 2000)
	updated, err := f.aggregator.Apply(ctx, second)
	require.NoError(t, err)
	require.Len(t, updated, 1)
	require.True(t, updated[0].Completed)
	require.Equal(t, first.StartTime, *updated[0].CompletedAt)
}

func TestApplyIsCommutative(t *testing.T) {
	starts := []time.Time{march(2, 7), march(3, 18), march(5, 6), march(9, 12)}
	meters := []float64{5200, 800.5, 12000, 3300}
	orders := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {2, 0, 3, 1}}

	var totals []float64
	for _, order := range orders {
		f := newFixture(t)
		f.challenge(t, "c1", domain.DimensionElevation, nil, march(1, 0), march(31, 0))
		f.join(t, "c1", "carol", march(1, 0))

		activities := make([]domain.CanonicalActivity, len(starts))
		for i := range starts {
			activities[i] = f.activity(t, "carol", starts[i], meters[i])
		}
		for _, idx := range order {
			_, err := f.aggregator.Apply(context.Background(), activities[idx])
			require.NoError(t, err)
		}

		progress, err := f.store.GetParticipant(context.Background(), "c1", "carol")
		require.NoError(t, err)
		require.Equal(t, march(9, 12), *progress.LastActivityAt)
		require.EqualValues(t, 4, progress.Version)
		totals = append(totals, progress.ElevationMeters)
	}

	var want float64
	for _, m := range meters {
		want += m / 100
	}
	for _, total := range totals {
		require.InDelta(t, want, total, 1e-9)
	}
}

func TestApplyIsAtMostOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.challenge(t, "c1", domain.DimensionDuration, nil, march(1, 0), march(31, 0))
	f.join(t, "c1", "dave", march(1, 0))
	a := f.activity(t, "dave", march(2, 10), 100)

	updated, err := f.aggregator.Apply(ctx, a)
	require.NoError(t, err)
	require.Len(t, updated, 1)

	again, err := f.aggregator.Apply(ctx, a)
	require.NoError(t, err)
	require.Empty(t, again)

	progress, err := f.store.GetParticipant(ctx, "c1", "dave")
	require.NoError(t, err)
	require.InDelta(t, 3600.0, progress.DurationSeconds, 1e-9)
	require.Equal(t, []string{"c1"}, f.invalidator.challenges)
}

func TestApplyEndDateIsInclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.challenge(t, "c1", domain.DimensionDistance, nil, march(1, 0), march(7, 0))
	f.join(t, "c1", "erin", march(1, 0))

	lastMinute := f.activity(t, "erin", time.Date(2024, 3, 7, 23, 59, 59, 0, time.UTC), 1000)
	updated, err := f.aggregator.Apply(ctx, lastMinute)
	require.NoError(t, err)
	require.Len(t, updated, 1)

	nextDay := f.activity(t, "erin", march(8, 0), 1000)
	updated, err = f.aggregator.Apply(ctx, nextDay)
	require.NoError(t, err)
	require.Empty(t, updated)

	before := f.activity(t, "erin", time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC), 1000)
	updated, err = f.aggregator.Apply(ctx, before)
	require.NoError(t, err)
	require.Empty(t, updated)
}

func TestApplyWithoutParticipationsIsEmpty(t *testing.T) {
	f := newFixture(t)
	f.challenge(t, "c1", domain.DimensionDistance, nil, march(1, 0), march(7, 0))

	updated, err := f.aggregator.Apply(context.Background(), f.activity(t, "nobody", march(2, 0), 1000))
	require.NoError(t, err)
	require.NotNil(t, updated)
	require.Empty(t, updated)
}

func TestApplySkipsUnfoldableChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.challenge(t, "broken", domain.Dimension("steps"), nil, march(1, 0), march(31, 0))
	f.challenge(t, "good", domain.DimensionDistance, nil, march(1, 0), march(31, 0))
	f.join(t, "broken", "frank", march(1, 0))
	f.join(t, "good", "frank", march(1, 0))

	updated, err := f.aggregator.Apply(ctx, f.activity(t, "frank", march(2, 0), 2500))
	require.NoError(t, err)
	require.Len(t, updated, 1)
	require.Equal(t, "good", updated[0].ChallengeID)
}

func TestApplyIgnoresUnownedActivity(t *testing.T) {
	f := newFixture(t)
	updated, err := f.aggregator.Apply(context.Background(), domain.CanonicalActivity{ID: "x", OwnerStatus: domain.OwnerAwaitingMatch})
	require.NoError(t, err)
	require.Nil(t, updated)
}

func TestDailySeriesUnknownParticipant(t *testing.T) {
	f := newFixture(t)
	f.challenge(t, "c1", domain.DimensionDistance, nil, march(1, 0), march(7, 0))

	_, err := f.aggregator.DailySeries(context.Background(), "c1", "ghost", march(5, 0))
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApplyDefersActivitiesDatedAfterToday(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.challenge(t, "c1", domain.DimensionDistance, nil, march(1, 0), march(31, 0))
	f.join(t, "c1", "alice", march(1, 0))

	_, err := f.aggregator.Apply(ctx, f.activity(t, "alice", march(10, 8), 10000))
	require.NoError(t, err)
	ahead := f.activity(t, "alice", march(25, 8), 20000)
	updated, err := f.aggregator.Apply(ctx, ahead)
	require.NoError(t, err)
	require.Empty(t, updated)

	progress, err := f.store.GetParticipant(ctx, "c1", "alice")
	require.NoError(t, err)
	series, err := f.aggregator.DailySeries(ctx, "c1", "alice", march(20, 0))
	require.NoError(t, err)
	require.InDelta(t, 10000.0, progress.DistanceMeters, 1e-9)
	require.InDelta(t, progress.DistanceMeters, series[len(series)-1].Cumulative, 1e-9)

	stored, err := f.store.GetActivity(ctx, ahead.ID)
	require.NoError(t, err)
	require.Nil(t, stored.AggregatedAt, "deferred activity stays pending for the sweep")

	later, err := NewAggregator(Config{
		Store:  f.store,
		Clock:  func() time.Time { return march(26, 0) },
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	updated, err = later.Apply(ctx, ahead)
	require.NoError(t, err)
	require.Len(t, updated, 1)

	progress, err = f.store.GetParticipant(ctx, "c1", "alice")
	require.NoError(t, err)
	series, err = later.DailySeries(ctx, "c1", "alice", march(26, 0))
	require.NoError(t, err)
	require.InDelta(t, 30000.0, progress.DistanceMeters, 1e-9)
	require.InDelta(t, progress.DistanceMeters, series[len(series)-1].Cumulative, 1e-9)
}
