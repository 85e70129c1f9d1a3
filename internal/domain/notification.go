// Package domain defines the types shared by the ingestion, normalization and aggregation pipeline.
package domain

import (
	"strings"
	"time"
)

// NotificationKind discriminates the payload shape of a webhook delivery.
type NotificationKind string

const (
	KindActivitySummary NotificationKind = "activity-summary"
	KindActivityDetail  NotificationKind = "activity-detail"
	KindActivityFile    NotificationKind = "activity-file"
	KindManuallyUpdated NotificationKind = "manually-updated"
	KindMoveDetected    NotificationKind = "move-detected"
)

// KnownKinds lists the kinds the normalizer can interpret.
var KnownKinds = []NotificationKind{
	KindActivitySummary,
	KindActivityDetail,
	KindActivityFile,
	KindManuallyUpdated,
	KindMoveDetected,
}

// ParseKind normalises a raw kind discriminator. Unknown values are returned verbatim with ok=false;
// they are still stored so the failure is visible to operators.
func ParseKind(raw string) (NotificationKind, bool) {
	kind := NotificationKind(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range KnownKinds {
		if kind == known {
			return kind, true
		}
	}
	return kind, false
}

// DeliveryMode distinguishes inline payloads from callback references.
type DeliveryMode string

const (
	DeliveryPush DeliveryMode = "push"
	DeliveryPing DeliveryMode = "ping"
)

// NotificationStatus is the processing state of a RawNotification.
type NotificationStatus string

const (
	StatusUnprocessed NotificationStatus = "unprocessed"
	StatusInFlight    NotificationStatus = "in_flight"
	StatusProcessed   NotificationStatus = "processed"
	StatusFailed      NotificationStatus = "failed"
)

// FailureKind classifies why a processing attempt failed.
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
	FailurePoison    FailureKind = "poison"
)

// RawNotification is an opaque delivery from the wearable platform, stored before interpretation.
type RawNotification struct {
	ID          string
	Kind        NotificationKind
	Mode        DeliveryMode
	Payload     []byte
	ReceivedAt  time.Time
	Status      NotificationStatus
	ProcessedAt *time.Time
	LastError   *string
	Attempts    int
	NextRetryAt *time.Time
	FailureKind *FailureKind
	ClaimedAt   *time.Time
}

// Failure describes the bookkeeping applied to a notification or outbox row after a failed attempt.
type Failure struct {
	Kind        FailureKind
	Attempts    int
	NextRetryAt *time.Time
	Reason      string
	At          time.Time
}

// ClaimQuery bounds a scheduler claim.
type ClaimQuery struct {
	Now         time.Time
	Limit       int
	MaxAttempts int
	ClaimTTL    time.Duration
}

// Cursor models the pagination token for time-ordered listings.
type Cursor struct {
	Timestamp time.Time
	ID        string
}
