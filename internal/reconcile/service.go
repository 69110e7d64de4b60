package reconcile

import (
	"context"
	"errors"

	"github.com/coconut3301/backend/internal/background"
	"github.com/coconut3301/backend/internal/events"
	"github.com/coconut3301/backend/internal/leaderboard"
	"github.com/coconut3301/backend/internal/notify"
	"github.com/coconut3301/backend/internal/progress"
	"github.com/coconut3301/backend/internal/users"
	"go.uber.org/zap"
)

const (
	taskStageCompletions = "progress.stage_completions"
	taskDisplacements    = "leaderboard.displacements"
)

var (
	errMissingProgress    = errors.New("reconcile: progress store is required")
	errMissingLeaderboard = errors.New("reconcile: leaderboard store is required")
	errMissingNotifier    = errors.New("reconcile: notifier is required")
	errMissingScheduler   = errors.New("reconcile: scheduler is required")
)

// ProgressStore loads and atomically merges progress documents.
type ProgressStore interface {
	Apply(ctx context.Context, userID users.UserID, incoming progress.Document) (progress.ApplyResult, error)
}

// LeaderboardStore applies the write policy and reports ranking snapshots.
type LeaderboardStore interface {
	Submit(ctx context.Context, puzzleID leaderboard.PuzzleID, userID users.UserID, submission leaderboard.Submission) (leaderboard.SubmitResult, error)
	TopUserIDs(ctx context.Context, puzzleID leaderboard.PuzzleID, k int) ([]string, error)
	TopK() int
}

// Notifier delivers a notification and reports how many endpoints accepted it.
type Notifier interface {
	SendToUser(ctx context.Context, userID users.UserID, notification notify.Notification) int
	SendToAll(ctx context.Context, notification notify.Notification) int
}

// Scheduler runs detached work.
type Scheduler interface {
	Submit(name string, task background.Task) error
}

type ServiceConfig struct {
	Progress    ProgressStore
	Leaderboard LeaderboardStore
	Notifier    Notifier
	Scheduler   Scheduler
	Logger      *zap.Logger
}

// Service wires the write paths to event derivation and dispatch. Writers only ever observe the
// persistence outcome; notification work runs on the scheduler after the response.
type Service struct {
	progress    ProgressStore
	leaderboard LeaderboardStore
	notifier    Notifier
	scheduler   Scheduler
	logger      *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Progress == nil:
		return nil, errMissingProgress
	case cfg.Leaderboard == nil:
		return nil, errMissingLeaderboard
	case cfg.Notifier == nil:
		return nil, errMissingNotifier
	case cfg.Scheduler == nil:
		return nil, errMissingScheduler
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		progress:    cfg.Progress,
		leaderboard: cfg.Leaderboard,
		notifier:    cfg.Notifier,
		scheduler:   cfg.Scheduler,
		logger:      logger,
	}, nil
}

// ReconcileProgress merges and persists incoming, then schedules stage-completion notifications.
func (s *Service) ReconcileProgress(ctx context.Context, userID users.UserID, incoming progress.Document) (progress.Document, error) {
	result, err := s.progress.Apply(ctx, userID, incoming)
	if err != nil {
		return progress.Document{}, err
	}

	before := result.Before
	after := result.After
	s.schedule(taskStageCompletions, func(taskCtx context.Context) {
		for _, completion := range events.StageCompletions(userID.String(), before, after) {
			delivered := s.notifier.SendToUser(taskCtx, userID, completion.Notification())
			s.logger.Debug("stage completion dispatched",
				zap.String("user_id", userID.String()),
				zap.String("stage_id", completion.StageID),
				zap.Int("delivered", delivered))
		}
	}, zap.String("user_id", userID.String()))

	return result.After, nil
}

// ReconcileLeaderboardSubmission reports whether the submission was stored. Accepted writes schedule
// a top-K recomputation that notifies displaced users.
func (s *Service) ReconcileLeaderboardSubmission(ctx context.Context, puzzleID leaderboard.PuzzleID, userID users.UserID, submission leaderboard.Submission) (bool, error) {
	result, err := s.leaderboard.Submit(ctx, puzzleID, userID, submission)
	if err != nil {
		return false, err
	}
	if !result.Accepted {
		return false, nil
	}

	topBefore := result.TopBefore
	s.schedule(taskDisplacements, func(taskCtx context.Context) {
		topAfter, err := s.leaderboard.TopUserIDs(taskCtx, puzzleID, s.leaderboard.TopK())
		if err != nil {
			s.logger.Warn("displacement check skipped", zap.String("puzzle_id", puzzleID.String()), zap.Error(err))
			return
		}
		for _, displaced := range events.Displacements(puzzleID.String(), userID.String(), topBefore, topAfter) {
			recipient, err := users.NewUserID(displaced.DisplacedUser)
			if err != nil {
				s.logger.Warn("displaced user has invalid id", zap.String("user_id", displaced.DisplacedUser))
				continue
			}
			s.notifier.SendToUser(taskCtx, recipient, displaced.Notification())
		}
	}, zap.String("puzzle_id", puzzleID.String()))

	return true, nil
}

// Target selects one user or every user with an endpoint.
type Target struct {
	UserID users.UserID
	All    bool
}

// Notify delivers synchronously on behalf of an administrator and returns the delivered count.
func (s *Service) Notify(ctx context.Context, target Target, notification notify.Notification) int {
	if target.All {
		return s.notifier.SendToAll(ctx, notification)
	}
	return s.notifier.SendToUser(ctx, target.UserID, notification)
}

func (s *Service) schedule(name string, task background.Task, fields ...zap.Field) {
	if err := s.scheduler.Submit(name, task); err != nil {
		s.logger.Warn("notification work dropped", append(fields, zap.String("task", name), zap.Error(err))...)
	}
}
