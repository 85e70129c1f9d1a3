package domain

import (
	"encoding/json"
	"time"
)

// Outbox event types emitted by the aggregator.
const (
	EventParticipantProgressed = "participant.progressed"
	EventParticipantCompleted  = "participant.completed"
)

// OutboxEvent is a domain event recorded transactionally and delivered asynchronously.
type OutboxEvent struct {
	EventID       int64
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	PartitionKey  string
	Payload       json.RawMessage
	CreatedAt     time.Time
	RetryCount    int
}

// ParticipantProgressed is the payload of EventParticipantProgressed.
type ParticipantProgressed struct {
	ChallengeID string    `json:"challenge_id"`
	UserID      string    `json:"user_id"`
	ActivityID  string    `json:"activity_id"`
	Dimension   string    `json:"dimension"`
	Delta       float64   `json:"delta"`
	Cumulative  float64   `json:"cumulative"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// ParticipantCompleted is the payload of EventParticipantCompleted.
type ParticipantCompleted struct {
	ChallengeID string    `json:"challenge_id"`
	UserID      string    `json:"user_id"`
	ActivityID  string    `json:"activity_id"`
	Cumulative  float64   `json:"cumulative"`
	Target      float64   `json:"target"`
	CompletedAt time.Time `json:"completed_at"`
}
