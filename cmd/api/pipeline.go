package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/TallManCycles/challenge-sub001/internal/config"
	"github.com/TallManCycles/challenge-sub001/internal/leaderboard"
	"github.com/TallManCycles/challenge-sub001/internal/normalize"
	"github.com/TallManCycles/challenge-sub001/internal/outbox"
	"github.com/TallManCycles/challenge-sub001/internal/persistence"
	"github.com/TallManCycles/challenge-sub001/internal/progress"
	"github.com/TallManCycles/challenge-sub001/internal/retry"
	"github.com/TallManCycles/challenge-sub001/internal/scheduler"
)

// pipeline holds the components shared by every command.
type pipeline struct {
	store      persistence.Store
	normalizer *normalize.Normalizer
	ranker     *leaderboard.Ranker
	aggregator *progress.Aggregator
	scheduler  *scheduler.Scheduler
	closers    []func() error
	logger     *zap.Logger
}

func buildPipeline(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *pipeline, err error) {
	p := &pipeline{logger: logger}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	p.store, err = persistence.Open(ctx, cfg.DatabaseURL, logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	p.closers = append(p.closers, p.store.Close)

	p.normalizer, err = normalize.NewNormalizer(normalize.Config{
		Store: p.store,
		Fetcher: normalize.NewHTTPFetcher(normalize.HTTPFetcherConfig{
			Timeout:    cfg.FetchTimeout,
			RatePerSec: cfg.FetchRatePerSecond,
			Burst:      cfg.FetchBurst,
		}),
		Logger: logger.Named("normalize"),
	})
	if err != nil {
		return nil, err
	}

	var cache leaderboard.Cache
	if cfg.RedisAddress != "" {
		redisCache, err := leaderboard.NewRedisCache(ctx, leaderboard.RedisConfig{
			Addr:      cfg.RedisAddress,
			TTL:       cfg.RedisCacheTTL,
			KeyPrefix: "challenge:leaderboard:",
		})
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, redisCache.Close)
		cache = redisCache
	}

	p.ranker, err = leaderboard.NewRanker(p.store, cache, logger.Named("leaderboard"))
	if err != nil {
		return nil, err
	}

	p.aggregator, err = progress.NewAggregator(progress.Config{
		Store:       p.store,
		Invalidator: p.ranker,
		Logger:      logger.Named("progress"),
	})
	if err != nil {
		return nil, err
	}

	p.scheduler, err = scheduler.New(p.store, p.normalizer, p.aggregator, scheduler.Config{
		Interval:       cfg.Scheduler.Interval,
		BatchSize:      cfg.Scheduler.BatchSize,
		Workers:        cfg.Scheduler.Workers,
		QueueSize:      cfg.Scheduler.QueueSize,
		AttemptTimeout: cfg.Scheduler.AttemptTimeout,
		ClaimTTL:       cfg.Scheduler.ClaimTTL,
		Policy: retry.Policy{
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			MaxAttempts: cfg.Retry.MaxAttempts,
		},
	}, logger.Named("scheduler"))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// dispatcher returns nil when no Kafka brokers are configured.
func (p *pipeline) dispatcher(cfg config.Config, logger *zap.Logger) (*outbox.Dispatcher, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, nil
	}
	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
	p.closers = append(p.closers, producer.Close)

	return outbox.NewDispatcher(outbox.DispatcherConfig{
		Store:        p.store,
		Producer:     producer,
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
		Policy: retry.Policy{
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			MaxAttempts: cfg.OutboxMaxAttempts,
		},
		Logger: logger,
	})
}

// Close releases resources in reverse acquisition order.
func (p *pipeline) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			p.logger.Warn("close failed", zap.Error(err))
		}
	}
	p.closers = nil
}
