package events

import (
	"sort"

	"github.com/coconut3301/backend/internal/notify"
	"github.com/coconut3301/backend/internal/progress"
)

const (
	stageCompletedTitle = "DOSSIER DECLASSIFIED"
	stageCompletedBody  = "Stage complete. New operations await, recruit."
	stagesRoute         = "/stages"

	rankDisplacedTitle = "ALERT: RANK COMPROMISED"
	rankDisplacedBody  = "Your record has been surpassed. Reclaim your honor, recruit."
	leaderboardRoute   = "/leaderboard"
)

// StageCompleted is emitted when a write unlocks a stage the user did not have before.
type StageCompleted struct {
	UserID  string
	StageID string
}

// Notification renders the push payload sent to the player.
func (e StageCompleted) Notification() notify.Notification {
	return notify.Notification{
		Title: stageCompletedTitle,
		Body:  stageCompletedBody,
		Data: map[string]string{
			"route":   stagesRoute,
			"stageId": e.StageID,
		},
		Category: notify.CategoryProgress,
	}
}

// RankDisplaced is emitted for a user pushed out of a puzzle's top ranks by someone else.
type RankDisplaced struct {
	PuzzleID      string
	DisplacedUser string
}

func (e RankDisplaced) Notification() notify.Notification {
	return notify.Notification{
		Title: rankDisplacedTitle,
		Body:  rankDisplacedBody,
		Data: map[string]string{
			"route":    leaderboardRoute,
			"puzzleId": e.PuzzleID,
		},
		Category: notify.CategoryCompetition,
	}
}

// StageCompletions diffs unlocked stages. A first write (nil before) yields nothing.
func StageCompletions(userID string, before *progress.Document, after progress.Document) []StageCompleted {
	if before == nil {
		return nil
	}
	added := difference(after.UnlockedStages, before.UnlockedStages, "")
	completions := make([]StageCompleted, 0, len(added))
	for _, stageID := range added {
		completions = append(completions, StageCompleted{UserID: userID, StageID: stageID})
	}
	return completions
}

// Displacements returns everyone in the before snapshot missing from the after snapshot, never the
// submitter.
func Displacements(puzzleID, submitterID string, before, after []string) []RankDisplaced {
	removed := difference(before, after, submitterID)
	displaced := make([]RankDisplaced, 0, len(removed))
	for _, userID := range removed {
		displaced = append(displaced, RankDisplaced{PuzzleID: puzzleID, DisplacedUser: userID})
	}
	return displaced
}

// difference returns the sorted distinct members of left absent from right, excluding skip.
func difference(left, right []string, skip string) []string {
	exclude := make(map[string]struct{}, len(right))
	for _, value := range right {
		exclude[value] = struct{}{}
	}
	seen := make(map[string]struct{}, len(left))
	var result []string
	for _, value := range left {
		if value == "" || (skip != "" && value == skip) {
			continue
		}
		if _, ok := exclude[value]; ok {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		result = append(result, value)
	}
	sort.Strings(result)
	return result
}
