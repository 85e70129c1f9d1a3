package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
)

// flexString accepts identifiers encoded as JSON strings or numbers.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("identifier must be a string or number: %w", err)
	}
	*f = flexString(n.String())
	return nil
}

// wireActivity is the tolerant union of field spellings seen across delivery kinds.
type wireActivity struct {
	SummaryID  flexString `json:"summaryId"`
	ActivityID flexString `json:"activityId"`
	ID         flexString `json:"id"`
	UserID     flexString `json:"userId"`

	ActivityType string `json:"activityType"`
	Type         string `json:"type"`

	StartTimeInSeconds *int64     `json:"startTimeInSeconds"`
	StartTime          *time.Time `json:"startTime"`

	DurationInSeconds *float64 `json:"durationInSeconds"`
	DurationSeconds   *float64 `json:"durationSeconds"`

	DistanceInMeters *float64 `json:"distanceInMeters"`
	DistanceMeters   *float64 `json:"distanceMeters"`

	TotalElevationGainInMeters *float64 `json:"totalElevationGainInMeters"`
	ElevationGainMeters        *float64 `json:"elevationGainMeters"`

	AverageHeartRateInBeatsPerMinute *float64 `json:"averageHeartRateInBeatsPerMinute"`
	AverageHeartRate                 *float64 `json:"averageHeartRate"`
	AveragePowerInWatts              *float64 `json:"averagePowerInWatts"`
	AveragePower                     *float64 `json:"averagePower"`
	AverageRunCadence                *float64 `json:"averageRunCadenceInStepsPerMinute"`
	AverageBikeCadence               *float64 `json:"averageBikeCadenceInRoundsPerMinute"`
	AverageCadence                   *float64 `json:"averageCadence"`
	AverageSpeedInMetersPerSecond    *float64 `json:"averageSpeedInMetersPerSecond"`
	AverageSpeed                     *float64 `json:"averageSpeed"`

	CallbackURL string `json:"callbackURL"`
	FileType    string `json:"fileType"`

	Summary *wireActivity `json:"summary"`
}

func (w wireActivity) sourceID() string {
	for _, candidate := range []flexString{w.SummaryID, w.ActivityID, w.ID} {
		if candidate != "" {
			return string(candidate)
		}
	}
	return ""
}

// merged overlays the nested summary used by detail deliveries onto the outer entry.
func (w wireActivity) merged() wireActivity {
	if w.Summary == nil {
		return w
	}
	out := *w.Summary
	out.Summary = nil
	if w.SummaryID != "" {
		out.SummaryID = w.SummaryID
	}
	if w.ActivityID != "" {
		out.ActivityID = w.ActivityID
	}
	if w.ID != "" {
		out.ID = w.ID
	}
	if w.UserID != "" {
		out.UserID = w.UserID
	}
	if out.CallbackURL == "" {
		out.CallbackURL = w.CallbackURL
	}
	return out
}

func firstOf(values ...*float64) *float64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func valueOf(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// draft maps a wire entry to the canonical shape. fallbackStart is used when the entry carries
// no start time.
func (w wireActivity) draft(fallbackStart time.Time) (domain.CanonicalActivity, error) {
	sourceID := w.sourceID()
	if sourceID == "" {
		return domain.CanonicalActivity{}, fmt.Errorf("%w: activity entry has no identifier", domain.ErrMalformedPayload)
	}
	activity, err := w.metrics(fallbackStart)
	if err != nil {
		return domain.CanonicalActivity{}, fmt.Errorf("activity %s: %w", sourceID, err)
	}
	activity.SourceID = sourceID
	return activity, nil
}

// metrics maps everything except identity.
func (w wireActivity) metrics(fallbackStart time.Time) (domain.CanonicalActivity, error) {
	start := fallbackStart
	switch {
	case w.StartTimeInSeconds != nil:
		start = time.Unix(*w.StartTimeInSeconds, 0)
	case w.StartTime != nil:
		start = *w.StartTime
	}

	activityType := w.ActivityType
	if activityType == "" {
		activityType = w.Type
	}

	duration := valueOf(firstOf(w.DurationInSeconds, w.DurationSeconds))
	distance := valueOf(firstOf(w.DistanceInMeters, w.DistanceMeters))
	elevation := valueOf(firstOf(w.TotalElevationGainInMeters, w.ElevationGainMeters))
	if duration < 0 || distance < 0 || elevation < 0 {
		return domain.CanonicalActivity{}, fmt.Errorf("%w: negative metric", domain.ErrMalformedPayload)
	}

	return domain.CanonicalActivity{
		ExternalUserID:      string(w.UserID),
		Category:            domain.CategoryFor(activityType),
		StartTime:           start.UTC(),
		Duration:            time.Duration(duration * float64(time.Second)),
		DistanceMeters:      distance,
		ElevationGainMeters: elevation,
		AvgHeartRate:        firstOf(w.AverageHeartRateInBeatsPerMinute, w.AverageHeartRate),
		AvgPower:            firstOf(w.AveragePowerInWatts, w.AveragePower),
		AvgCadence:          firstOf(w.AverageRunCadence, w.AverageBikeCadence, w.AverageCadence),
		AvgSpeed:            firstOf(w.AverageSpeedInMetersPerSecond, w.AverageSpeed),
	}, nil
}

// kindLayout describes how one notification kind is laid out and interpreted.
type kindLayout struct {
	listKey string
	// parse is a pure mapping from one wire entry to a canonical draft.
	parse func(entry wireActivity, fallbackStart time.Time) (domain.CanonicalActivity, error)
	// fetchesFile marks kinds whose entries reference a binary activity file.
	fetchesFile bool
}

var kindLayouts = map[domain.NotificationKind]kindLayout{
	domain.KindActivitySummary: {listKey: "activities", parse: parseSummary},
	domain.KindActivityDetail:  {listKey: "activityDetails", parse: parseDetail},
	domain.KindActivityFile:    {listKey: "activityFiles", fetchesFile: true},
	domain.KindManuallyUpdated: {listKey: "manuallyUpdatedActivities", parse: parseSummary},
	domain.KindMoveDetected:    {listKey: "moveIQActivities", parse: parseMove},
}

func parseSummary(entry wireActivity, fallbackStart time.Time) (domain.CanonicalActivity, error) {
	return entry.draft(fallbackStart)
}

func parseDetail(entry wireActivity, fallbackStart time.Time) (domain.CanonicalActivity, error) {
	return entry.merged().draft(fallbackStart)
}

func parseMove(entry wireActivity, fallbackStart time.Time) (domain.CanonicalActivity, error) {
	activity, err := entry.draft(fallbackStart)
	if err != nil {
		return domain.CanonicalActivity{}, err
	}
	// Move detections carry no route, so only duration is meaningful.
	activity.DistanceMeters = 0
	activity.ElevationGainMeters = 0
	return activity, nil
}

// extractEntries returns the raw list of entries in a payload. It accepts a bare array, the
// kind-specific list key or the generic "activities" key.
func extractEntries(listKey string, payload []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", domain.ErrMalformedPayload)
	}

	if trimmed[0] == '[' {
		var entries []json.RawMessage
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
		}
		return entries, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	for _, key := range []string{listKey, "activities"} {
		raw, ok := envelope[key]
		if !ok {
			continue
		}
		var entries []json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("%w: %q is not a list: %v", domain.ErrMalformedPayload, key, err)
		}
		return entries, nil
	}
	return nil, fmt.Errorf("%w: no %q list in payload", domain.ErrMalformedPayload, listKey)
}

func decodeEntry(raw json.RawMessage) (wireActivity, error) {
	var entry wireActivity
	if err := json.Unmarshal(raw, &entry); err != nil {
		return wireActivity{}, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	return entry, nil
}
