package domain

import "time"

// Source tags where a canonical activity came from.
type Source string

const (
	SourceWearablePush Source = "wearable-push"
	SourceUploadedFile Source = "uploaded-file"
	SourceManual       Source = "manual"
)

// OwnerStatus reports whether the activity has been matched to a platform account.
type OwnerStatus string

const (
	OwnerOwned         OwnerStatus = "owned"
	OwnerAwaitingMatch OwnerStatus = "awaiting_owner"
)

// CanonicalActivity is the source-independent representation of one exercise session.
type CanonicalActivity struct {
	ID                  string
	UserID              string
	Provider            string
	ExternalUserID      string
	Source              Source
	SourceID            string
	Category            Category
	StartTime           time.Time
	Duration            time.Duration
	DistanceMeters      float64
	ElevationGainMeters float64
	AvgHeartRate        *float64
	AvgPower            *float64
	AvgCadence          *float64
	AvgSpeed            *float64
	OwnerStatus         OwnerStatus
	AggregatedAt        *time.Time
	NotificationID      string
	CreatedAt           time.Time
}

// Owned reports whether the activity is eligible for aggregation.
func (a CanonicalActivity) Owned() bool {
	return a.OwnerStatus == OwnerOwned && a.UserID != ""
}

// AccountLink maps an external account reference to a platform user.
type AccountLink struct {
	Provider       string
	ExternalUserID string
	UserID         string
	LinkedAt       time.Time
}
