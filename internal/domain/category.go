package domain

import "strings"

// Category is the fixed activity classification used across sources.
type Category string

const (
	CategoryRunning  Category = "running"
	CategoryCycling  Category = "cycling"
	CategoryWalking  Category = "walking"
	CategoryHiking   Category = "hiking"
	CategorySwimming Category = "swimming"
	CategoryRowing   Category = "rowing"
	CategoryStrength Category = "strength"
	CategoryOther    Category = "other"
)

var categoryAliases = map[string]Category{
	"running":             CategoryRunning,
	"run":                 CategoryRunning,
	"street_running":      CategoryRunning,
	"trail_running":       CategoryRunning,
	"treadmill_running":   CategoryRunning,
	"track_running":       CategoryRunning,
	"virtual_run":         CategoryRunning,
	"cycling":             CategoryCycling,
	"ride":                CategoryCycling,
	"road_biking":         CategoryCycling,
	"mountain_biking":     CategoryCycling,
	"gravel_cycling":      CategoryCycling,
	"indoor_cycling":      CategoryCycling,
	"virtual_ride":        CategoryCycling,
	"walking":             CategoryWalking,
	"walk":                CategoryWalking,
	"casual_walking":      CategoryWalking,
	"speed_walking":       CategoryWalking,
	"hiking":              CategoryHiking,
	"hike":                CategoryHiking,
	"swimming":            CategorySwimming,
	"swim":                CategorySwimming,
	"lap_swimming":        CategorySwimming,
	"open_water_swimming": CategorySwimming,
	"rowing":              CategoryRowing,
	"indoor_rowing":       CategoryRowing,
	"strength_training":   CategoryStrength,
	"weight_training":     CategoryStrength,
}

// CategoryFor maps a source activity type to a Category. Unknown types map to CategoryOther.
func CategoryFor(raw string) Category {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	if category, ok := categoryAliases[key]; ok {
		return category
	}
	return CategoryOther
}
