package notify

import (
	"fmt"
	"strings"
)

// Category classifies a notification for preference gating.
type Category string

const (
	CategoryGameReminder Category = "game_reminder"
	CategoryProgress     Category = "progress"
	CategoryCompetition  Category = "competition"
	CategoryInactivity   Category = "inactivity"
	CategoryNewContent   Category = "new_content"
	CategoryBroadcast    Category = "broadcast"
	CategoryGeneral      Category = "general"
)

var knownCategories = map[Category]struct{}{
	CategoryGameReminder: {},
	CategoryProgress:     {},
	CategoryCompetition:  {},
	CategoryInactivity:   {},
	CategoryNewContent:   {},
	CategoryBroadcast:    {},
	CategoryGeneral:      {},
}

// ParseCategory validates a category name; the empty string selects fallback.
func ParseCategory(raw string, fallback Category) (Category, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return fallback, nil
	}
	category := Category(trimmed)
	if _, ok := knownCategories[category]; !ok {
		return "", fmt.Errorf("notify: unknown category %q", raw)
	}
	return category, nil
}

// ShouldDeliver applies a user's stored preferences to a category. Broadcast and general
// notifications cannot be opted out of, and a user without a preference row receives everything.
func ShouldDeliver(preferences *Preferences, category Category) bool {
	if preferences == nil {
		return true
	}
	switch category {
	case CategoryGameReminder:
		return preferences.GameReminders
	case CategoryProgress:
		return preferences.ProgressUpdates
	case CategoryCompetition:
		return preferences.Competition
	case CategoryInactivity:
		return preferences.Inactivity
	case CategoryNewContent:
		return preferences.NewContent
	default:
		return true
	}
}
