package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
)

func TestDelayDoublesAndCaps(t *testing.T) {
	policy := Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, MaxAttempts: 10}

	require.Equal(t, time.Second, policy.Delay(1))
	require.Equal(t, 2*time.Second, policy.Delay(2))
	require.Equal(t, 4*time.Second, policy.Delay(3))
	require.Equal(t, 8*time.Second, policy.Delay(4))
	require.Equal(t, 10*time.Second, policy.Delay(5))
	require.Equal(t, 10*time.Second, policy.Delay(60))
}

func TestNextRetryStrictlyIncreases(t *testing.T) {
	policy := Policy{BaseDelay: time.Minute, MaxDelay: time.Hour, MaxAttempts: 6}
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	var previous time.Time
	attempts := 0
	for i := 0; i < 4; i++ {
		failure := policy.Next(attempts, domain.FailureTransient, "upstream unavailable", now)
		require.Equal(t, domain.FailureTransient, failure.Kind)
		require.NotNil(t, failure.NextRetryAt)
		require.True(t, failure.NextRetryAt.After(previous))
		require.Equal(t, now.Add(time.Minute*time.Duration(1<<attempts)), *failure.NextRetryAt)
		previous = *failure.NextRetryAt
		attempts = failure.Attempts
	}
	require.Equal(t, 4, attempts)
}

func TestNextMarksPoisonWhenBudgetExhausted(t *testing.T) {
	policy := Policy{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 3}
	now := time.Now().UTC()

	failure := policy.Next(2, domain.FailureTransient, "timeout", now)
	require.Equal(t, domain.FailurePoison, failure.Kind)
	require.Equal(t, 3, failure.Attempts)
	require.Nil(t, failure.NextRetryAt)
}

func TestNextPermanentHasNoRetry(t *testing.T) {
	policy := Policy{}
	failure := policy.Next(0, domain.FailurePermanent, "malformed", time.Now())
	require.Equal(t, domain.FailurePermanent, failure.Kind)
	require.Equal(t, 1, failure.Attempts)
	require.Nil(t, failure.NextRetryAt)
}
