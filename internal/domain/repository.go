package domain

import (
	"context"
	"time"
)

// NotificationRepository persists raw deliveries and their processing state.
type NotificationRepository interface {
	InsertNotification(ctx context.Context, n RawNotification) error
	GetNotification(ctx context.Context, id string) (*RawNotification, error)
	// ClaimNotifications atomically moves eligible rows to in_flight and returns them.
	ClaimNotifications(ctx context.Context, q ClaimQuery) ([]RawNotification, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, f Failure) error
	ReleaseClaim(ctx context.Context, id string) error
	RequeueFailed(ctx context.Context, includePermanent bool) (int, error)
	ListFailed(ctx context.Context, cursor *Cursor, limit int) ([]RawNotification, *Cursor, error)
}

// ActivityRepository persists canonical activities.
type ActivityRepository interface {
	FindActivityBySource(ctx context.Context, source Source, sourceID string) (*CanonicalActivity, error)
	// InsertActivity stores a, reporting false when (source, source_id) already exists.
	InsertActivity(ctx context.Context, a CanonicalActivity) (bool, error)
	GetActivity(ctx context.Context, id string) (*CanonicalActivity, error)
	// ListPendingAggregation returns owned, unaggregated activities starting before dueBefore.
	ListPendingAggregation(ctx context.Context, dueBefore time.Time, limit int) ([]CanonicalActivity, error)
	PromoteAwaitingOwner(ctx context.Context, provider, externalUserID, userID string) ([]CanonicalActivity, error)
}

// AccountRepository resolves external account references.
type AccountRepository interface {
	// FindAccountLink returns nil without error when no link exists.
	FindAccountLink(ctx context.Context, provider, externalUserID string) (*AccountLink, error)
	UpsertAccountLink(ctx context.Context, link AccountLink) error
}

// ChallengeRepository exposes challenge membership and progress state.
type ChallengeRepository interface {
	SaveChallenge(ctx context.Context, c Challenge) error
	GetChallenge(ctx context.Context, id string) (*Challenge, error)
	JoinChallenge(ctx context.Context, challengeID, userID string, at time.Time) (*ParticipantProgress, error)
	GetParticipant(ctx context.Context, challengeID, userID string) (*ParticipantProgress, error)
	ListParticipants(ctx context.Context, challengeID string) ([]ParticipantProgress, error)
	ListContributions(ctx context.Context, challengeID, userID string) ([]Contribution, error)
	RunInTx(ctx context.Context, fn func(ProgressTx) error) error
}

// ProgressTx is the transactional view used while applying one activity.
type ProgressTx interface {
	// ClaimAggregation sets the aggregated flag, reporting false when it was already set
	// or the activity has no owner.
	ClaimAggregation(ctx context.Context, activityID string, at time.Time) (bool, error)
	// ActiveParticipations returns the user's memberships in active challenges, locked for update.
	ActiveParticipations(ctx context.Context, userID string) ([]Participation, error)
	// SaveProgress writes p when the stored version equals expectedVersion.
	SaveProgress(ctx context.Context, p ParticipantProgress, expectedVersion int64) error
	RecordContribution(ctx context.Context, c Contribution) error
	EnqueueEvent(ctx context.Context, e OutboxEvent) error
}

// OutboxRepository drains recorded events for delivery.
type OutboxRepository interface {
	ClaimOutbox(ctx context.Context, limit int, now time.Time, claimTTL time.Duration) ([]OutboxEvent, error)
	MarkPublished(ctx context.Context, ids []int64, at time.Time) error
	MarkDeliveryFailed(ctx context.Context, id int64, f Failure) error
}
