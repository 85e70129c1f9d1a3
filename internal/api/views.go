package api

import (
	"errors"
	"strings"
	"time"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
	"github.com/TallManCycles/challenge-sub001/internal/leaderboard"
)

type fieldError struct {
	field string
	msg   string
}

func (e *fieldError) Error() string {
	return e.field + " " + e.msg
}

// WebhookResponse acknowledges a stored delivery.
type WebhookResponse struct {
	ID string `json:"id"`
}

// ManualActivityRequest is the payload for POST /v1/activities.
type ManualActivityRequest struct {
	UserID              string    `json:"user_id,omitempty"`
	ActivityType        string    `json:"activity_type"`
	StartTime           time.Time `json:"start_time"`
	DurationSeconds     float64   `json:"duration_seconds"`
	DistanceMeters      float64   `json:"distance_meters"`
	ElevationGainMeters float64   `json:"elevation_gain_meters"`
	AvgHeartRate        *float64  `json:"avg_heart_rate,omitempty"`
}

// Validate ensures request correctness.
func (r ManualActivityRequest) Validate() error {
	if strings.TrimSpace(r.ActivityType) == "" {
		return errors.New("activity_type is required")
	}
	if r.StartTime.IsZero() {
		return errors.New("start_time is required")
	}
	if r.DurationSeconds <= 0 {
		return errors.New("duration_seconds must be > 0")
	}
	if r.DistanceMeters < 0 || r.ElevationGainMeters < 0 {
		return errors.New("distance_meters and elevation_gain_meters must not be negative")
	}
	return nil
}

// ActivityView exposes a canonical activity.
type ActivityView struct {
	ActivityID          string     `json:"activity_id"`
	UserID              string     `json:"user_id,omitempty"`
	Provider            string     `json:"provider"`
	ExternalUserID      string     `json:"external_user_id,omitempty"`
	Source              string     `json:"source"`
	SourceID            string     `json:"source_id"`
	Category            string     `json:"category"`
	StartTime           time.Time  `json:"start_time"`
	DurationSeconds     float64    `json:"duration_seconds"`
	DistanceMeters      float64    `json:"distance_meters"`
	ElevationGainMeters float64    `json:"elevation_gain_meters"`
	AvgHeartRate        *float64   `json:"avg_heart_rate,omitempty"`
	OwnerStatus         string     `json:"owner_status"`
	AggregatedAt        *time.Time `json:"aggregated_at,omitempty"`
	Replay              bool       `json:"idempotent_replay"`
}

func toActivityView(a domain.CanonicalActivity, replay bool) ActivityView {
	return ActivityView{
		ActivityID:          a.ID,
		UserID:              a.UserID,
		Provider:            a.Provider,
		ExternalUserID:      a.ExternalUserID,
		Source:              string(a.Source),
		SourceID:            a.SourceID,
		Category:            string(a.Category),
		StartTime:           a.StartTime,
		DurationSeconds:     a.Duration.Seconds(),
		DistanceMeters:      a.DistanceMeters,
		ElevationGainMeters: a.ElevationGainMeters,
		AvgHeartRate:        a.AvgHeartRate,
		OwnerStatus:         string(a.OwnerStatus),
		AggregatedAt:        a.AggregatedAt,
		Replay:              replay,
	}
}

// AccountLinkRequest links an external wearable account to a platform user.
type AccountLinkRequest struct {
	Provider       string `json:"provider"`
	ExternalUserID string `json:"external_user_id"`
	UserID         string `json:"user_id"`
}

// AccountLinkResponse reports how many waiting activities were promoted.
type AccountLinkResponse struct {
	Promoted int `json:"promoted"`
}

// ChallengeRequest is the payload for PUT /v1/challenges/{id}.
type ChallengeRequest struct {
	Name      string   `json:"name"`
	Dimension string   `json:"dimension"`
	Target    *float64 `json:"target,omitempty"`
	StartDate string   `json:"start_date"`
	EndDate   string   `json:"end_date"`
	Active    *bool    `json:"active,omitempty"`
}

func (r ChallengeRequest) toDomain(id string) (domain.Challenge, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Challenge{}, &fieldError{field: "id", msg: "is required"}
	}
	dimension := domain.Dimension(strings.ToLower(strings.TrimSpace(r.Dimension)))
	if !dimension.Valid() {
		return domain.Challenge{}, &fieldError{field: "dimension", msg: "must be distance, elevation or duration"}
	}
	if r.Target != nil && *r.Target <= 0 {
		return domain.Challenge{}, &fieldError{field: "target", msg: "must be > 0"}
	}
	start, err := parseDate("start_date", r.StartDate)
	if err != nil {
		return domain.Challenge{}, err
	}
	end, err := parseDate("end_date", r.EndDate)
	if err != nil {
		return domain.Challenge{}, err
	}
	if end.Before(start) {
		return domain.Challenge{}, &fieldError{field: "end_date", msg: "must not precede start_date"}
	}
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	return domain.Challenge{
		ID:        id,
		Name:      strings.TrimSpace(r.Name),
		Dimension: dimension,
		Target:    r.Target,
		StartDate: start,
		EndDate:   end,
		Active:    active,
	}, nil
}

// ChallengeView exposes challenge metadata.
type ChallengeView struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Dimension string   `json:"dimension"`
	Target    *float64 `json:"target,omitempty"`
	StartDate string   `json:"start_date"`
	EndDate   string   `json:"end_date"`
	Active    bool     `json:"active"`
}

func toChallengeView(c domain.Challenge) ChallengeView {
	return ChallengeView{
		ID:        c.ID,
		Name:      c.Name,
		Dimension: string(c.Dimension),
		Target:    c.Target,
		StartDate: c.StartDate.Format(dateLayout),
		EndDate:   c.EndDate.Format(dateLayout),
		Active:    c.Active,
	}
}

// JoinRequest adds a participant to a challenge.
type JoinRequest struct {
	UserID   string     `json:"user_id"`
	JoinedAt *time.Time `json:"joined_at,omitempty"`
}

// ParticipantView exposes one participant's running progress.
type ParticipantView struct {
	ChallengeID     string     `json:"challenge_id"`
	UserID          string     `json:"user_id"`
	JoinedAt        time.Time  `json:"joined_at"`
	DistanceMeters  float64    `json:"distance_meters"`
	ElevationMeters float64    `json:"elevation_meters"`
	DurationSeconds float64    `json:"duration_seconds"`
	LastActivityAt  *time.Time `json:"last_activity_at,omitempty"`
	Completed       bool       `json:"completed"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func toParticipantView(p domain.ParticipantProgress) ParticipantView {
	return ParticipantView{
		ChallengeID:     p.ChallengeID,
		UserID:          p.UserID,
		JoinedAt:        p.JoinedAt,
		DistanceMeters:  p.DistanceMeters,
		ElevationMeters: p.ElevationMeters,
		DurationSeconds: p.DurationSeconds,
		LastActivityAt:  p.LastActivityAt,
		Completed:       p.Completed,
		CompletedAt:     p.CompletedAt,
	}
}

// LeaderboardResponse lists a challenge's standings in rank order.
type LeaderboardResponse struct {
	ChallengeID string                 `json:"challenge_id"`
	Standings   []leaderboard.Standing `json:"standings"`
}

// SeriesPointView is one day of a participant's progress series.
type SeriesPointView struct {
	Date       string  `json:"date"`
	Value      float64 `json:"value"`
	Cumulative float64 `json:"cumulative"`
}

// SeriesResponse packages a participant's daily series.
type SeriesResponse struct {
	ChallengeID string            `json:"challenge_id"`
	UserID      string            `json:"user_id"`
	Points      []SeriesPointView `json:"points"`
}

// ReprocessResponse reports how many failed notifications were requeued.
type ReprocessResponse struct {
	Requeued int `json:"requeued"`
}

// NotificationView exposes a failed delivery for operator inspection.
type NotificationView struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Mode        string     `json:"mode"`
	ReceivedAt  time.Time  `json:"received_at"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	FailureKind string     `json:"failure_kind,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

func toNotificationView(n domain.RawNotification) NotificationView {
	view := NotificationView{
		ID:          n.ID,
		Kind:        string(n.Kind),
		Mode:        string(n.Mode),
		ReceivedAt:  n.ReceivedAt,
		Status:      string(n.Status),
		Attempts:    n.Attempts,
		LastError:   n.LastError,
		NextRetryAt: n.NextRetryAt,
	}
	if n.FailureKind != nil {
		view.FailureKind = string(*n.FailureKind)
	}
	return view
}

// FailedNotificationsResponse packages a page of failed notifications.
type FailedNotificationsResponse struct {
	Items      []NotificationView `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}
