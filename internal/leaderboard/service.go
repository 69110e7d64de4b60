package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coconut3301/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew = "leaderboard.service.new"
	opSubmit     = "leaderboard.submit"
	opTop        = "leaderboard.top"
	opList       = "leaderboard.list"

	reasonMissingDatabase = "missing_database"
	reasonInvalidInput    = "invalid_input"
	reasonSelectFailed    = "select_failed"
	reasonWriteFailed     = "write_failed"

	rankOrder = "solve_time ASC, submitted_at ASC, user_id ASC"

	// DefaultTopK is the size of the ranking watched for displacements.
	DefaultTopK = 3
	// DefaultListLimit is the public leaderboard page size.
	DefaultListLimit = 50
	maxListLimit     = 200
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	Policy   Policy
	TopK     int
}

// Service stores leaderboard entries under a single write policy fixed at construction.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
	policy Policy
	topK   int
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	policy, err := ParsePolicy(string(cfg.Policy))
	if err != nil {
		return nil, newServiceError(opServiceNew, reasonInvalidInput, err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger, policy: policy, topK: topK}, nil
}

func (s *Service) Policy() Policy {
	return s.policy
}

func (s *Service) TopK() int {
	if s.topK <= 0 {
		return DefaultTopK
	}
	return s.topK
}

// Submit applies the write policy, snapshots the top ranks, and writes the entry. A submission that
// does not qualify returns Accepted=false with no state change. The write re-checks the policy in SQL
// so two racing submissions from one user cannot both win.
func (s *Service) Submit(ctx context.Context, puzzleID PuzzleID, userID users.UserID, submission Submission) (SubmitResult, error) {
	if s.db == nil {
		return SubmitResult{}, newServiceError(opSubmit, reasonMissingDatabase, errMissingDatabase)
	}
	normalized, err := submission.Normalize()
	if err != nil {
		return SubmitResult{}, newServiceError(opSubmit, reasonInvalidInput, err)
	}
	fields := []zap.Field{zap.String("puzzle_id", puzzleID.String()), zap.String("user_id", userID.String())}

	existing, err := s.findEntry(ctx, puzzleID, userID)
	if err != nil {
		s.logError(opSubmit, reasonSelectFailed, err, fields...)
		return SubmitResult{}, newServiceError(opSubmit, reasonSelectFailed, err)
	}
	if !s.policy.qualifies(existing, normalized) {
		return SubmitResult{Accepted: false}, nil
	}

	topBefore, err := s.TopUserIDs(ctx, puzzleID, s.TopK())
	if err != nil {
		return SubmitResult{}, err
	}

	entry := Entry{
		PuzzleID:    puzzleID.String(),
		UserID:      userID.String(),
		DisplayName: normalized.DisplayName,
		SolveTime:   normalized.SolveTime,
		Attempts:    normalized.Attempts,
		HintsUsed:   normalized.HintsUsed,
		SubmittedAt: s.clock().UTC(),
	}
	result := s.db.WithContext(ctx).Clauses(s.conflictClause()).Create(&entry)
	if result.Error != nil {
		s.logError(opSubmit, reasonWriteFailed, result.Error, fields...)
		return SubmitResult{}, newServiceError(opSubmit, reasonWriteFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		s.logger.Debug("leaderboard submission lost a concurrent write", fields...)
		return SubmitResult{Accepted: false}, nil
	}
	return SubmitResult{Accepted: true, TopBefore: topBefore}, nil
}

func (s *Service) conflictClause() clause.OnConflict {
	columns := []clause.Column{{Name: "puzzle_id"}, {Name: "user_id"}}
	if s.policy == PolicyBestWins {
		return clause.OnConflict{
			Columns: columns,
			DoUpdates: clause.AssignmentColumns([]string{
				"display_name", "solve_time", "attempts", "hints_used", "submitted_at",
			}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "leaderboard_entries.solve_time > excluded.solve_time"},
			}},
		}
	}
	return clause.OnConflict{Columns: columns, DoNothing: true}
}

// TopUserIDs returns the best k users for the puzzle in rank order.
func (s *Service) TopUserIDs(ctx context.Context, puzzleID PuzzleID, k int) ([]string, error) {
	if s.db == nil {
		return nil, newServiceError(opTop, reasonMissingDatabase, errMissingDatabase)
	}
	if k <= 0 {
		k = s.TopK()
	}
	var userIDs []string
	err := s.db.WithContext(ctx).
		Model(&Entry{}).
		Where("puzzle_id = ?", puzzleID.String()).
		Order(rankOrder).
		Limit(k).
		Pluck("user_id", &userIDs).Error
	if err != nil {
		s.logError(opTop, reasonSelectFailed, err, zap.String("puzzle_id", puzzleID.String()))
		return nil, newServiceError(opTop, reasonSelectFailed, err)
	}
	return userIDs, nil
}

// List returns up to limit entries in rank order.
func (s *Service) List(ctx context.Context, puzzleID PuzzleID, limit int) ([]Entry, error) {
	if s.db == nil {
		return nil, newServiceError(opList, reasonMissingDatabase, errMissingDatabase)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	var entries []Entry
	err := s.db.WithContext(ctx).
		Where("puzzle_id = ?", puzzleID.String()).
		Order(rankOrder).
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		s.logError(opList, reasonSelectFailed, err, zap.String("puzzle_id", puzzleID.String()))
		return nil, newServiceError(opList, reasonSelectFailed, err)
	}
	return entries, nil
}

func (s *Service) findEntry(ctx context.Context, puzzleID PuzzleID, userID users.UserID) (*Entry, error) {
	var entry Entry
	err := s.db.WithContext(ctx).
		Where("puzzle_id = ? AND user_id = ?", puzzleID.String(), userID.String()).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	logger := s.logger
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("leaderboard service error", attrs...)
}
