package leaderboard

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	maxPuzzleIDLength = 128
	defaultName       = "Anonymous"
)

var (
	// ErrInvalidPuzzleID indicates an empty or oversized puzzle identifier.
	ErrInvalidPuzzleID = errors.New("leaderboard: invalid puzzle id")
	// ErrInvalidSubmission wraps submission validation failures.
	ErrInvalidSubmission = errors.New("leaderboard: invalid submission")

	submissionValidator = validator.New(validator.WithRequiredStructEnabled())
)

// PuzzleID identifies one leaderboard.
type PuzzleID string

func NewPuzzleID(raw string) (PuzzleID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || len(trimmed) > maxPuzzleIDLength {
		return "", ErrInvalidPuzzleID
	}
	return PuzzleID(trimmed), nil
}

func (id PuzzleID) String() string {
	return string(id)
}

// Entry is one user's standing on one puzzle.
type Entry struct {
	PuzzleID    string    `gorm:"column:puzzle_id;primaryKey;size:128;index:idx_leaderboard_rank,priority:1"`
	UserID      string    `gorm:"column:user_id;primaryKey;size:190"`
	DisplayName string    `gorm:"column:display_name;size:64;not null"`
	SolveTime   int64     `gorm:"column:solve_time;not null;index:idx_leaderboard_rank,priority:2"`
	Attempts    int64     `gorm:"column:attempts;not null"`
	HintsUsed   int64     `gorm:"column:hints_used;not null"`
	SubmittedAt time.Time `gorm:"column:submitted_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "leaderboard_entries"
}

// Submission is a client's claimed result for a puzzle.
type Submission struct {
	DisplayName string `json:"displayName" validate:"max=64"`
	SolveTime   int64  `json:"solveTime" validate:"gte=0"`
	Attempts    int64  `json:"attempts" validate:"gte=0"`
	HintsUsed   int64  `json:"hintsUsed" validate:"gte=0"`
}

// Normalize trims the display name, applies the default, and validates the numbers.
func (s Submission) Normalize() (Submission, error) {
	s.DisplayName = strings.TrimSpace(s.DisplayName)
	if s.DisplayName == "" {
		s.DisplayName = defaultName
	}
	if err := submissionValidator.Struct(s); err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	return s, nil
}

// Policy decides whether a later submission may replace a stored entry.
type Policy string

const (
	// PolicyFirstWins keeps the first accepted submission forever.
	PolicyFirstWins Policy = "first_wins"
	// PolicyBestWins replaces the stored entry only with a strictly faster solve.
	PolicyBestWins Policy = "best_wins"
)

func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyFirstWins:
		return PolicyFirstWins, nil
	case PolicyBestWins:
		return PolicyBestWins, nil
	default:
		return "", fmt.Errorf("leaderboard: unknown policy %q", raw)
	}
}

// qualifies reports whether submission may be written over existing under the policy.
func (p Policy) qualifies(existing *Entry, submission Submission) bool {
	if existing == nil {
		return true
	}
	if p == PolicyBestWins {
		return submission.SolveTime < existing.SolveTime
	}
	return false
}

// SubmitResult reports the outcome of a submission.
type SubmitResult struct {
	Accepted bool
	// TopBefore is the top-K user snapshot taken before the write; empty when rejected.
	TopBefore []string
}
