// Package outbox delivers recorded progress events to Kafka.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
	"github.com/TallManCycles/challenge-sub001/internal/retry"
)

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Store        domain.OutboxRepository
	Producer     messageWriter
	PollInterval time.Duration
	BatchSize    int
	ClaimTTL     time.Duration
	Policy       retry.Policy
	Logger       *zap.Logger
}

// Dispatcher drains the outbox table and delivers events to Kafka.
type Dispatcher struct {
	store            domain.OutboxRepository
	producer         messageWriter
	catalog          *schemaCatalog
	policy           retry.Policy
	pollInterval     time.Duration
	batchSize        int
	claimTTL         time.Duration
	clock            func() time.Time
	logger           *zap.Logger
	shutdownComplete chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Store == nil {
		return nil, domain.NewServiceError("outbox", "missing_store", nil)
	}
	if cfg.Producer == nil {
		return nil, domain.NewServiceError("outbox", "missing_producer", nil)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	catalog, err := newSchemaCatalog()
	if err != nil {
		return nil, domain.NewServiceError("outbox", "schema", err)
	}
	return &Dispatcher{
		store:            cfg.Store,
		producer:         cfg.Producer,
		catalog:          catalog,
		policy:           cfg.Policy.WithDefaults(),
		pollInterval:     cfg.PollInterval,
		batchSize:        cfg.BatchSize,
		claimTTL:         cfg.ClaimTTL,
		clock:            time.Now,
		logger:           cfg.Logger,
		shutdownComplete: make(chan struct{}),
	}, nil
}

// Start runs the polling loop until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer func() {
		ticker.Stop()
		close(d.shutdownComplete)
	}()

	for {
		if err := d.processBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("outbox dispatcher error", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait waits until dispatcher stops.
func (d *Dispatcher) Wait() {
	<-d.shutdownComplete
}

func (d *Dispatcher) processBatch(ctx context.Context) error {
	start := time.Now()

	events, err := d.store.ClaimOutbox(ctx, d.batchSize, d.clock().UTC(), d.claimTTL)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	defer batchDuration.Observe(time.Since(start).Seconds())

	batches := make(map[string][]domain.OutboxEvent)
	order := make([]string, 0)
	for _, event := range events {
		if err := d.catalog.validate(event.EventType, event.Payload); err != nil {
			d.fail(ctx, event, domain.FailurePermanent, err)
			continue
		}
		if _, ok := batches[event.Topic]; !ok {
			order = append(order, event.Topic)
		}
		batches[event.Topic] = append(batches[event.Topic], event)
	}

	for _, topic := range order {
		batch := batches[topic]
		if err := d.producer.WriteMessages(ctx, topic, toMessages(batch)...); err != nil {
			d.logger.Warn("outbox delivery failed", zap.String("topic", topic), zap.Int("events", len(batch)), zap.Error(err))
			for _, event := range batch {
				d.fail(ctx, event, domain.FailureTransient, err)
			}
			continue
		}

		ids := make([]int64, 0, len(batch))
		for _, event := range batch {
			ids = append(ids, event.EventID)
		}
		if err := d.store.MarkPublished(ctx, ids, d.clock().UTC()); err != nil {
			return fmt.Errorf("mark published: %w", err)
		}
		deliveredCounter.Add(float64(len(batch)))
	}
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, event domain.OutboxEvent, kind domain.FailureKind, cause error) {
	failure := d.policy.Next(event.RetryCount, kind, cause.Error(), d.clock().UTC())
	failedCounter.Inc()
	if failure.Kind != domain.FailureTransient {
		quarantineCounter.WithLabelValues(event.Topic).Inc()
		d.logger.Error("outbox event quarantined",
			zap.Int64("event_id", event.EventID),
			zap.String("event_type", event.EventType),
			zap.String("failure", string(failure.Kind)),
			zap.Error(cause),
		)
	}
	if err := d.store.MarkDeliveryFailed(ctx, event.EventID, failure); err != nil {
		d.logger.Error("record delivery failure", zap.Int64("event_id", event.EventID), zap.Error(err))
	}
}

func toMessages(events []domain.OutboxEvent) []kafka.Message {
	now := time.Now().UTC()
	messages := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		messages = append(messages, kafka.Message{
			Key:   []byte(event.PartitionKey),
			Value: []byte(event.Payload),
			Time:  now,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(event.EventType)},
				{Key: "aggregate_id", Value: []byte(event.AggregateID)},
			},
		})
	}
	return messages
}
