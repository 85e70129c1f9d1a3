package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
	"github.com/TallManCycles/challenge-sub001/internal/normalize"
	"github.com/TallManCycles/challenge-sub001/internal/persistence/sqlite"
	"github.com/TallManCycles/challenge-sub001/internal/retry"
)

var t0 = time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)

type normalizerFunc func(ctx context.Context, n domain.RawNotification) (normalize.Outcome, error)

func (f normalizerFunc) Normalize(ctx context.Context, n domain.RawNotification) (normalize.Outcome, error) {
	return f(ctx, n)
}

type recordingAggregator struct {
	mu      sync.Mutex
	applied []string
}

func (r *recordingAggregator) Apply(_ context.Context, a domain.CanonicalActivity) ([]domain.ParticipantProgress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, a.ID)
	return nil, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "scheduler.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seed(t *testing.T, store *sqlite.Store, ids ...string) {
	t.Helper()
	for i, id := range ids {
		require.NoError(t, store.InsertNotification(context.Background(), domain.RawNotification{
			ID:         id,
			Kind:       domain.KindActivitySummary,
			Mode:       domain.DeliveryPush,
			Payload:    []byte(`{"activities":[]}`),
			ReceivedAt: t0.Add(time.Duration(i) * time.Second),
			Status:     domain.StatusUnprocessed,
		}))
	}
}

func newScheduler(t *testing.T, store Store, n Normalizer, agg Aggregator, cfg Config, clock *testClock) *Scheduler {
	t.Helper()
	s, err := New(store, n, agg, cfg, zap.NewNop())
	require.NoError(t, err)
	return s.WithClock(clock.Now)
}

func TestRunOnceMarksProcessedAndAggregatesOwned(t *testing.T) {
	store := openStore(t)
	seed(t, store, "n1")
	agg := &recordingAggregator{}
	clock := &testClock{now: t0}

	normalizer := normalizerFunc(func(_ context.Context, n domain.RawNotification) (normalize.Outcome, error) {
		return normalize.Outcome{Stored: []domain.CanonicalActivity{
			{ID: "owned", UserID: "u1", OwnerStatus: domain.OwnerOwned},
			{ID: "pending", OwnerStatus: domain.OwnerAwaitingMatch},
		}}, nil
	})
	s := newScheduler(t, store, normalizer, agg, Config{}, clock)

	count, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, []string{"owned"}, agg.applied)

	stored, err := store.GetNotification(context.Background(), "n1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusProcessed, stored.Status)
	require.NotNil(t, stored.ProcessedAt)

	count, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestTransientFailuresBackOffUntilPoison(t *testing.T) {
	store := openStore(t)
	seed(t, store, "n1")
	clock := &testClock{now: t0}
	calls := 0
	normalizer := normalizerFunc(func(context.Context, domain.RawNotification) (normalize.Outcome, error) {
		calls++
		return normalize.Outcome{}, domain.Transient(errors.New("upstream unavailable"))
	})
	policy := retry.Policy{BaseDelay: time.Minute, MaxDelay: time.Hour, MaxAttempts: 4}
	s := newScheduler(t, store, normalizer, &recordingAggregator{}, Config{Policy: policy}, clock)
	ctx := context.Background()

	var retryTimes []time.Time
	for attempt := 1; attempt <= 3; attempt++ {
		count, err := s.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, count, "attempt %d", attempt)

		stored, err := store.GetNotification(ctx, "n1")
		require.NoError(t, err)
		require.Equal(t, domain.StatusFailed, stored.Status)
		require.Equal(t, attempt, stored.Attempts)
		require.NotNil(t, stored.NextRetryAt)
		require.Equal(t, clock.Now().Add(policy.Delay(attempt)), *stored.NextRetryAt)
		retryTimes = append(retryTimes, *stored.NextRetryAt)

		count, err = s.RunOnce(ctx)
		require.NoError(t, err)
		require.Zero(t, count, "not eligible before next retry")

		clock.Advance(stored.NextRetryAt.Sub(clock.Now()))
	}
	for i := 1; i < len(retryTimes); i++ {
		require.True(t, retryTimes[i].After(retryTimes[i-1]))
	}

	count, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	stored, err := store.GetNotification(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, 4, stored.Attempts)
	require.NotNil(t, stored.FailureKind)
	require.Equal(t, domain.FailurePoison, *stored.FailureKind)
	require.Nil(t, stored.NextRetryAt)

	clock.Advance(30 * 24 * time.Hour)
	count, err = s.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, count, "poison is never selected automatically")
	require.Equal(t, 4, calls)

	requeued, err := s.Reprocess(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, requeued)
	count, err = s.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, 5, calls)
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	store := openStore(t)
	seed(t, store, "bad")
	clock := &testClock{now: t0}
	normalizer := normalizerFunc(func(context.Context, domain.RawNotification) (normalize.Outcome, error) {
		return normalize.Outcome{}, domain.Permanent(domain.ErrMalformedPayload)
	})
	s := newScheduler(t, store, normalizer, &recordingAggregator{}, Config{}, clock)
	ctx := context.Background()

	_, err := s.RunOnce(ctx)
	require.NoError(t, err)

	stored, err := store.GetNotification(ctx, "bad")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, stored.Status)
	require.Equal(t, domain.FailurePermanent, *stored.FailureKind)
	require.NotNil(t, stored.LastError)

	clock.Advance(48 * time.Hour)
	count, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	requeued, err := s.Reprocess(ctx, false)
	require.NoError(t, err)
	require.Zero(t, requeued)

	requeued, err = s.Reprocess(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 1, requeued)
}

func TestNormalizerPanicIsTransient(t *testing.T) {
	store := openStore(t)
	seed(t, store, "n1")
	normalizer := normalizerFunc(func(context.Context, domain.RawNotification) (normalize.Outcome, error) {
		panic("boom")
	})
	s := newScheduler(t, store, normalizer, &recordingAggregator{}, Config{}, &testClock{now: t0})

	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	stored, err := store.GetNotification(context.Background(), "n1")
	require.NoError(t, err)
	require.Equal(t, domain.FailureTransient, *stored.FailureKind)
	require.Equal(t, 1, stored.Attempts)
}

func TestRunProcessesUntilCancelled(t *testing.T) {
	store := openStore(t)
	ids := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		ids = append(ids, fmt.Sprintf("n%d", i))
	}
	seed(t, store, ids...)

	var mu sync.Mutex
	seen := map[string]int{}
	normalizer := normalizerFunc(func(_ context.Context, n domain.RawNotification) (normalize.Outcome, error) {
		mu.Lock()
		defer mu.Unlock()
		seen[n.ID]++
		return normalize.Outcome{}, nil
	})
	s := newScheduler(t, store, normalizer, &recordingAggregator{}, Config{Interval: 10 * time.Millisecond, Workers: 3, BatchSize: 2}, &testClock{now: t0})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(ids)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	for _, id := range ids {
		require.Equal(t, 1, seen[id], id)
	}
}

func TestShutdownReleasesQueuedClaims(t *testing.T) {
	store := openStore(t)
	seed(t, store, "first", "second", "third")

	started := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	normalizer := normalizerFunc(func(_ context.Context, n domain.RawNotification) (normalize.Outcome, error) {
		once.Do(func() { close(started) })
		<-unblock
		return normalize.Outcome{}, nil
	})
	s := newScheduler(t, store, normalizer, &recordingAggregator{}, Config{Interval: time.Hour, Workers: 1, BatchSize: 5}, &testClock{now: t0})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	<-started
	cancel()
	close(unblock)
	require.NoError(t, <-done)

	statuses := map[domain.NotificationStatus]int{}
	for _, id := range []string{"first", "second", "third"} {
		n, err := store.GetNotification(context.Background(), id)
		require.NoError(t, err)
		statuses[n.Status]++
	}
	require.Equal(t, 1, statuses[domain.StatusProcessed])
	require.Equal(t, 2, statuses[domain.StatusUnprocessed])
	require.Zero(t, statuses[domain.StatusInFlight])
}

func TestSweepWaitsForFutureDatedActivities(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	for id, start := range map[string]time.Time{"today": t0.Add(-2 * time.Hour), "ahead": t0.Add(48 * time.Hour)} {
		created, err := store.InsertActivity(ctx, domain.CanonicalActivity{
			ID: id, UserID: "u1", Provider: "manual", Source: domain.SourceManual, SourceID: "u1:" + id,
			Category: domain.CategoryRunning, StartTime: start, Duration: time.Hour,
			OwnerStatus: domain.OwnerOwned, CreatedAt: t0,
		})
		require.NoError(t, err)
		require.True(t, created)
	}

	agg := &recordingAggregator{}
	clock := &testClock{now: t0}
	noop := normalizerFunc(func(context.Context, domain.RawNotification) (normalize.Outcome, error) {
		return normalize.Outcome{}, nil
	})
	s := newScheduler(t, store, noop, agg, Config{}, clock)

	_, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"today"}, agg.applied)

	clock.Advance(72 * time.Hour)
	agg.applied = nil
	_, err = s.RunOnce(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"today", "ahead"}, agg.applied)
}
