// Package retry holds the exponential backoff policy shared by the scheduler and the outbox dispatcher.
package retry

import (
	"time"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
)

const (
	defaultBaseDelay   = 30 * time.Second
	defaultMaxDelay    = time.Hour
	defaultMaxAttempts = 5
)

// Policy computes retry delays and decides when a record becomes poison.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// WithDefaults fills zero fields.
func (p Policy) WithDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	return p
}

// Delay returns the wait before the next attempt after the given number of failures:
// base * 2^(failures-1), capped at MaxDelay.
func (p Policy) Delay(failures int) time.Duration {
	p = p.WithDefaults()
	if failures < 1 {
		failures = 1
	}
	delay := p.BaseDelay
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= p.MaxDelay || delay <= 0 {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Next computes the failure bookkeeping for a record that had priorAttempts failures before
// this one. Permanent failures and exhausted budgets get no retry time.
func (p Policy) Next(priorAttempts int, kind domain.FailureKind, reason string, now time.Time) domain.Failure {
	p = p.WithDefaults()
	attempts := priorAttempts + 1
	failure := domain.Failure{
		Kind:     kind,
		Attempts: attempts,
		Reason:   reason,
		At:       now,
	}
	if kind == domain.FailurePermanent {
		return failure
	}
	if attempts >= p.MaxAttempts {
		failure.Kind = domain.FailurePoison
		return failure
	}
	next := now.Add(p.Delay(attempts))
	failure.Kind = domain.FailureTransient
	failure.NextRetryAt = &next
	return failure
}
