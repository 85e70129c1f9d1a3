// Package scheduler drives processing attempts for stored notifications.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
	"github.com/TallManCycles/challenge-sub001/internal/normalize"
	"github.com/TallManCycles/challenge-sub001/internal/observability"
	"github.com/TallManCycles/challenge-sub001/internal/retry"
)

// Store is the persistence surface the scheduler drives.
type Store interface {
	domain.NotificationRepository
	ListPendingAggregation(ctx context.Context, dueBefore time.Time, limit int) ([]domain.CanonicalActivity, error)
}

// Normalizer interprets one claimed notification.
type Normalizer interface {
	Normalize(ctx context.Context, n domain.RawNotification) (normalize.Outcome, error)
}

// Aggregator folds one owned activity into challenge progress.
type Aggregator interface {
	Apply(ctx context.Context, activity domain.CanonicalActivity) ([]domain.ParticipantProgress, error)
}

// Config tunes the driver and the worker pool.
type Config struct {
	Interval       time.Duration
	BatchSize      int
	Workers        int
	QueueSize      int
	AttemptTimeout time.Duration
	ClaimTTL       time.Duration
	Policy         retry.Policy
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.BatchSize
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 10 * time.Minute
	}
	c.Policy = c.Policy.WithDefaults()
	return c
}

// Scheduler claims eligible notifications on a fixed interval and hands them to a bounded
// worker pool. All coordination goes through the store, so queued work survives restarts.
type Scheduler struct {
	store      Store
	normalizer Normalizer
	aggregator Aggregator
	cfg        Config
	clock      func() time.Time
	logger     *zap.Logger
	trigger    chan struct{}
}

// New builds a Scheduler.
func New(store Store, normalizer Normalizer, aggregator Aggregator, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if store == nil {
		return nil, domain.NewServiceError("scheduler", "missing_store", nil)
	}
	if normalizer == nil {
		return nil, domain.NewServiceError("scheduler", "missing_normalizer", nil)
	}
	if aggregator == nil {
		return nil, domain.NewServiceError("scheduler", "missing_aggregator", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:      store,
		normalizer: normalizer,
		aggregator: aggregator,
		cfg:        cfg.withDefaults(),
		clock:      time.Now,
		logger:     logger,
		trigger:    make(chan struct{}, 1),
	}, nil
}

// WithClock overrides the time source.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Trigger requests an immediate sweep without waiting for the next tick. It never blocks.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Reprocess returns failed notifications to the queue and wakes the driver. Permanent failures
// are only requeued when includePermanent is set.
func (s *Scheduler) Reprocess(ctx context.Context, includePermanent bool) (int, error) {
	count, err := s.store.RequeueFailed(ctx, includePermanent)
	if err != nil {
		return 0, fmt.Errorf("requeue failed notifications: %w", err)
	}
	s.logger.Info("notifications requeued", zap.Int("count", count), zap.Bool("include_permanent", includePermanent))
	s.Trigger()
	return count, nil
}

// Run drives the scheduler until ctx is cancelled. Attempts already started are allowed to
// finish; claims still waiting in the queue are released.
func (s *Scheduler) Run(ctx context.Context) error {
	jobs := make(chan domain.RawNotification, s.cfg.QueueSize)

	var g errgroup.Group
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			for job := range jobs {
				if ctx.Err() != nil {
					s.release(job)
					continue
				}
				s.process(ctx, job)
			}
			return nil
		})
	}

	s.logger.Info("scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("workers", s.cfg.Workers),
		zap.Int("queue_size", s.cfg.QueueSize),
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		s.enqueue(ctx, jobs)
		s.sweepAggregation(ctx)

		select {
		case <-ctx.Done():
			close(jobs)
			err := g.Wait()
			observability.SetQueueDepth(0)
			s.logger.Info("scheduler stopped")
			return err
		case <-ticker.C:
		case <-s.trigger:
		}
	}
}

// enqueue claims as many notifications as the queue has room for.
func (s *Scheduler) enqueue(ctx context.Context, jobs chan<- domain.RawNotification) {
	free := cap(jobs) - len(jobs)
	if free <= 0 {
		observability.SetQueueDepth(len(jobs))
		return
	}
	limit := s.cfg.BatchSize
	if free < limit {
		limit = free
	}

	claimed, err := s.claim(ctx, limit)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("claim failed", zap.Error(err))
		}
		return
	}
	for _, n := range claimed {
		jobs <- n
	}
	observability.SetQueueDepth(len(jobs))
}

func (s *Scheduler) claim(ctx context.Context, limit int) ([]domain.RawNotification, error) {
	return s.store.ClaimNotifications(ctx, domain.ClaimQuery{
		Now:         s.clock().UTC(),
		Limit:       limit,
		MaxAttempts: s.cfg.Policy.MaxAttempts,
		ClaimTTL:    s.cfg.ClaimTTL,
	})
}

// RunOnce claims one batch and processes it synchronously, returning how many notifications
// were attempted. It is used by one-shot operator commands.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	claimed, err := s.claim(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, n := range claimed {
		s.process(ctx, n)
	}
	s.sweepAggregation(ctx)
	return len(claimed), nil
}

// process runs one attempt. It is detached from ctx cancellation so a started attempt always
// reaches a terminal bookkeeping write, bounded by AttemptTimeout.
func (s *Scheduler) process(ctx context.Context, n domain.RawNotification) {
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.AttemptTimeout)
	defer cancel()

	start := time.Now()
	outcome, err := s.normalize(attemptCtx, n)
	if err != nil {
		kind := domain.Classify(err)
		if errors.Is(err, context.DeadlineExceeded) {
			kind = domain.FailureTransient
		}
		failure := s.cfg.Policy.Next(n.Attempts, kind, err.Error(), s.clock().UTC())
		observability.RecordAttempt(string(failure.Kind), time.Since(start))
		if markErr := s.store.MarkFailed(attemptCtx, n.ID, failure); markErr != nil {
			s.logger.Error("mark failed", zap.String("notification_id", n.ID), zap.Error(markErr))
			return
		}
		fields := []zap.Field{
			zap.String("notification_id", n.ID),
			zap.String("kind", string(n.Kind)),
			zap.String("failure", string(failure.Kind)),
			zap.Int("attempts", failure.Attempts),
			zap.Error(err),
		}
		if failure.NextRetryAt != nil {
			fields = append(fields, zap.Time("next_retry_at", *failure.NextRetryAt))
		}
		if failure.Kind == domain.FailureTransient {
			s.logger.Warn("notification attempt failed", fields...)
		} else {
			s.logger.Error("notification parked", fields...)
		}
		return
	}

	if err := s.store.MarkProcessed(attemptCtx, n.ID, s.clock().UTC()); err != nil {
		// The claim will expire and the notification is re-read; stored activities dedup.
		s.logger.Error("mark processed", zap.String("notification_id", n.ID), zap.Error(err))
		observability.RecordAttempt("error", time.Since(start))
		return
	}
	observability.RecordAttempt("processed", time.Since(start))

	for _, activity := range outcome.Owned() {
		if _, err := s.aggregator.Apply(attemptCtx, activity); err != nil {
			s.logger.Warn("aggregation deferred to sweep",
				zap.String("activity_id", activity.ID),
				zap.Error(err),
			)
		}
	}
}

// normalize shields the worker from a panicking parser.
func (s *Scheduler) normalize(ctx context.Context, n domain.RawNotification) (outcome normalize.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("normalizer panic", zap.String("notification_id", n.ID), zap.Any("panic", r))
			err = domain.Transient(fmt.Errorf("normalizer panic: %v", r))
		}
	}()
	return s.normalizer.Normalize(ctx, n)
}

// sweepAggregation applies owned activities that were never aggregated, such as those promoted
// by reconciliation or whose inline aggregation failed.
func (s *Scheduler) sweepAggregation(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	pending, err := s.store.ListPendingAggregation(ctx, domain.DueBy(s.clock()), s.cfg.BatchSize)
	if err != nil {
		s.logger.Warn("list pending aggregation", zap.Error(err))
		return
	}
	for _, activity := range pending {
		if _, err := s.aggregator.Apply(ctx, activity); err != nil {
			s.logger.Warn("aggregation sweep failed", zap.String("activity_id", activity.ID), zap.Error(err))
		}
	}
}

func (s *Scheduler) release(n domain.RawNotification) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.ReleaseClaim(ctx, n.ID); err != nil {
		s.logger.Warn("release claim", zap.String("notification_id", n.ID), zap.Error(err))
	}
}
