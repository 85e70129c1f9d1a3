package sqlite

import (
	"time"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
)

// Timestamps are stored as unix nanoseconds so range comparisons are numeric.

type notificationRecord struct {
	ID            string  `gorm:"column:id;primaryKey;size:64"`
	Kind          string  `gorm:"column:kind;size:64;not null"`
	Mode          string  `gorm:"column:mode;size:16;not null"`
	Payload       []byte  `gorm:"column:payload;not null"`
	ReceivedAtNs  int64   `gorm:"column:received_at_ns;not null;index:idx_raw_notifications_received"`
	Status        string  `gorm:"column:status;size:16;not null;index:idx_raw_notifications_eligible,priority:1"`
	ProcessedAtNs *int64  `gorm:"column:processed_at_ns"`
	LastError     *string `gorm:"column:last_error"`
	Attempts      int     `gorm:"column:attempts;not null;default:0"`
	NextRetryAtNs *int64  `gorm:"column:next_retry_at_ns;index:idx_raw_notifications_eligible,priority:2"`
	FailureKind   *string `gorm:"column:failure_kind;size:16"`
	ClaimedAtNs   *int64  `gorm:"column:claimed_at_ns"`
}

func (notificationRecord) TableName() string {
	return "raw_notifications"
}

type activityRecord struct {
	ID             string   `gorm:"column:id;primaryKey;size:64"`
	UserID         string   `gorm:"column:user_id;size:190;index"`
	Provider       string   `gorm:"column:provider;size:64;index:idx_activities_external,priority:1"`
	ExternalUserID string   `gorm:"column:external_user_id;size:190;index:idx_activities_external,priority:2"`
	Source         string   `gorm:"column:source;size:32;not null;uniqueIndex:idx_activities_source,priority:1"`
	SourceID       string   `gorm:"column:source_id;size:190;not null;uniqueIndex:idx_activities_source,priority:2"`
	Category       string   `gorm:"column:category;size:32;not null"`
	StartNs        int64    `gorm:"column:start_ns;not null"`
	DurationNs     int64    `gorm:"column:duration_ns;not null"`
	DistanceMeters float64  `gorm:"column:distance_meters;not null"`
	ElevationGain  float64  `gorm:"column:elevation_gain_meters;not null"`
	AvgHeartRate   *float64 `gorm:"column:avg_heart_rate"`
	AvgPower       *float64 `gorm:"column:avg_power"`
	AvgCadence     *float64 `gorm:"column:avg_cadence"`
	AvgSpeed       *float64 `gorm:"column:avg_speed"`
	OwnerStatus    string   `gorm:"column:owner_status;size:32;not null;index:idx_activities_pending,priority:1"`
	AggregatedAtNs *int64   `gorm:"column:aggregated_at_ns;index:idx_activities_pending,priority:2"`
	NotificationID string   `gorm:"column:notification_id;size:64"`
	CreatedAtNs    int64    `gorm:"column:created_at_ns;not null"`
}

func (activityRecord) TableName() string {
	return "activities"
}

type accountLinkRecord struct {
	Provider       string `gorm:"column:provider;primaryKey;size:64"`
	ExternalUserID string `gorm:"column:external_user_id;primaryKey;size:190"`
	UserID         string `gorm:"column:user_id;size:190;not null"`
	LinkedAtNs     int64  `gorm:"column:linked_at_ns;not null"`
}

func (accountLinkRecord) TableName() string {
	return "account_links"
}

type challengeRecord struct {
	ID        string   `gorm:"column:id;primaryKey;size:64"`
	Name      string   `gorm:"column:name;size:255;not null"`
	Dimension string   `gorm:"column:dimension;size:16;not null"`
	Target    *float64 `gorm:"column:target"`
	StartNs   int64    `gorm:"column:start_date_ns;not null"`
	EndNs     int64    `gorm:"column:end_date_ns;not null"`
	Active    bool     `gorm:"column:active;not null"`
}

func (challengeRecord) TableName() string {
	return "challenges"
}

type participantRecord struct {
	ChallengeID      string  `gorm:"column:challenge_id;primaryKey;size:64"`
	UserID           string  `gorm:"column:user_id;primaryKey;size:190;index"`
	JoinedAtNs       int64   `gorm:"column:joined_at_ns;not null"`
	DistanceMeters   float64 `gorm:"column:distance_meters;not null"`
	ElevationMeters  float64 `gorm:"column:elevation_meters;not null"`
	DurationSeconds  float64 `gorm:"column:duration_seconds;not null"`
	LastActivityAtNs *int64  `gorm:"column:last_activity_at_ns"`
	Completed        bool    `gorm:"column:completed;not null"`
	CompletedAtNs    *int64  `gorm:"column:completed_at_ns"`
	UpdatedAtNs      int64   `gorm:"column:updated_at_ns;not null"`
	Version          int64   `gorm:"column:version;not null"`
}

func (participantRecord) TableName() string {
	return "challenge_participants"
}

type contributionRecord struct {
	ChallengeID     string  `gorm:"column:challenge_id;primaryKey;size:64;index:idx_contributions_participant,priority:1"`
	ActivityID      string  `gorm:"column:activity_id;primaryKey;size:64"`
	UserID          string  `gorm:"column:user_id;size:190;not null;index:idx_contributions_participant,priority:2"`
	ActivityStartNs int64   `gorm:"column:activity_start_ns;not null"`
	Value           float64 `gorm:"column:value;not null"`
	CreatedAtNs     int64   `gorm:"column:created_at_ns;not null"`
}

func (contributionRecord) TableName() string {
	return "contributions"
}

type outboxRecord struct {
	EventID         int64   `gorm:"column:event_id;primaryKey;autoIncrement"`
	AggregateType   string  `gorm:"column:aggregate_type;size:64;not null"`
	AggregateID     string  `gorm:"column:aggregate_id;size:190;not null"`
	EventType       string  `gorm:"column:event_type;size:64;not null"`
	Topic           string  `gorm:"column:topic;size:190;not null"`
	PartitionKey    string  `gorm:"column:partition_key;size:255;not null"`
	Payload         []byte  `gorm:"column:payload;not null"`
	CreatedAtNs     int64   `gorm:"column:created_at_ns;not null"`
	ClaimedAtNs     *int64  `gorm:"column:claimed_at_ns"`
	PublishedAtNs   *int64  `gorm:"column:published_at_ns;index"`
	RetryCount      int     `gorm:"column:retry_count;not null;default:0"`
	NextRetryAtNs   *int64  `gorm:"column:next_retry_at_ns"`
	LastError       *string `gorm:"column:last_error"`
	QuarantinedAtNs *int64  `gorm:"column:quarantined_at_ns"`
}

func (outboxRecord) TableName() string {
	return "outbox"
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func nanosPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := nanos(*t)
	return &v
}

func fromNanos(v int64) time.Time {
	return time.Unix(0, v).UTC()
}

func fromNanosPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := fromNanos(*v)
	return &t
}

func (r notificationRecord) toDomain() domain.RawNotification {
	n := domain.RawNotification{
		ID:          r.ID,
		Kind:        domain.NotificationKind(r.Kind),
		Mode:        domain.DeliveryMode(r.Mode),
		Payload:     r.Payload,
		ReceivedAt:  fromNanos(r.ReceivedAtNs),
		Status:      domain.NotificationStatus(r.Status),
		ProcessedAt: fromNanosPtr(r.ProcessedAtNs),
		LastError:   r.LastError,
		Attempts:    r.Attempts,
		NextRetryAt: fromNanosPtr(r.NextRetryAtNs),
		ClaimedAt:   fromNanosPtr(r.ClaimedAtNs),
	}
	if r.FailureKind != nil {
		kind := domain.FailureKind(*r.FailureKind)
		n.FailureKind = &kind
	}
	return n
}

func (r activityRecord) toDomain() domain.CanonicalActivity {
	return domain.CanonicalActivity{
		ID:                  r.ID,
		UserID:              r.UserID,
		Provider:            r.Provider,
		ExternalUserID:      r.ExternalUserID,
		Source:              domain.Source(r.Source),
		SourceID:            r.SourceID,
		Category:            domain.Category(r.Category),
		StartTime:           fromNanos(r.StartNs),
		Duration:            time.Duration(r.DurationNs),
		DistanceMeters:      r.DistanceMeters,
		ElevationGainMeters: r.ElevationGain,
		AvgHeartRate:        r.AvgHeartRate,
		AvgPower:            r.AvgPower,
		AvgCadence:          r.AvgCadence,
		AvgSpeed:            r.AvgSpeed,
		OwnerStatus:         domain.OwnerStatus(r.OwnerStatus),
		AggregatedAt:        fromNanosPtr(r.AggregatedAtNs),
		NotificationID:      r.NotificationID,
		CreatedAt:           fromNanos(r.CreatedAtNs),
	}
}

func activityFromDomain(a domain.CanonicalActivity) activityRecord {
	return activityRecord{
		ID:             a.ID,
		UserID:         a.UserID,
		Provider:       a.Provider,
		ExternalUserID: a.ExternalUserID,
		Source:         string(a.Source),
		SourceID:       a.SourceID,
		Category:       string(a.Category),
		StartNs:        nanos(a.StartTime),
		DurationNs:     int64(a.Duration),
		DistanceMeters: a.DistanceMeters,
		ElevationGain:  a.ElevationGainMeters,
		AvgHeartRate:   a.AvgHeartRate,
		AvgPower:       a.AvgPower,
		AvgCadence:     a.AvgCadence,
		AvgSpeed:       a.AvgSpeed,
		OwnerStatus:    string(a.OwnerStatus),
		AggregatedAtNs: nanosPtr(a.AggregatedAt),
		NotificationID: a.NotificationID,
		CreatedAtNs:    nanos(a.CreatedAt),
	}
}

func (r challengeRecord) toDomain() domain.Challenge {
	return domain.Challenge{
		ID:        r.ID,
		Name:      r.Name,
		Dimension: domain.Dimension(r.Dimension),
		Target:    r.Target,
		StartDate: fromNanos(r.StartNs),
		EndDate:   fromNanos(r.EndNs),
		Active:    r.Active,
	}
}

func (r participantRecord) toDomain() domain.ParticipantProgress {
	return domain.ParticipantProgress{
		ChallengeID:     r.ChallengeID,
		UserID:          r.UserID,
		JoinedAt:        fromNanos(r.JoinedAtNs),
		DistanceMeters:  r.DistanceMeters,
		ElevationMeters: r.ElevationMeters,
		DurationSeconds: r.DurationSeconds,
		LastActivityAt:  fromNanosPtr(r.LastActivityAtNs),
		Completed:       r.Completed,
		CompletedAt:     fromNanosPtr(r.CompletedAtNs),
		UpdatedAt:       fromNanos(r.UpdatedAtNs),
		Version:         r.Version,
	}
}

func (r contributionRecord) toDomain() domain.Contribution {
	return domain.Contribution{
		ChallengeID:   r.ChallengeID,
		UserID:        r.UserID,
		ActivityID:    r.ActivityID,
		ActivityStart: fromNanos(r.ActivityStartNs),
		Value:         r.Value,
		CreatedAt:     fromNanos(r.CreatedAtNs),
	}
}

func (r outboxRecord) toDomain() domain.OutboxEvent {
	return domain.OutboxEvent{
		EventID:       r.EventID,
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		EventType:     r.EventType,
		Topic:         r.Topic,
		PartitionKey:  r.PartitionKey,
		Payload:       r.Payload,
		CreatedAt:     fromNanos(r.CreatedAtNs),
		RetryCount:    r.RetryCount,
	}
}
