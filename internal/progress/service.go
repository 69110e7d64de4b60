package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coconut3301/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew = "progress.service.new"
	opApply      = "progress.apply"
	opLoad       = "progress.load"

	fieldUserID = "user_id"
	queryUserID = fieldUserID + " = ?"
	queryCAS    = fieldUserID + " = ? AND version = ?"

	reasonMissingDatabase  = "missing_database"
	reasonSelectFailed     = "select_failed"
	reasonEncodeFailed     = "encode_failed"
	reasonInsertFailed     = "insert_failed"
	reasonUpdateFailed     = "update_failed"
	reasonRetriesExhausted = "retries_exhausted"

	defaultMaxAttempts = 16
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrWriteConflict indicates concurrent writers kept invalidating the compare-and-swap.
	ErrWriteConflict = errors.New("progress: concurrent write conflict")
	noOpLogger       = zap.NewNop()
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
	// MaxAttempts bounds compare-and-swap retries per write.
	MaxAttempts int
}

// Service stores progress documents and serializes writes per user with optimistic versioning.
type Service struct {
	db          *gorm.DB
	clock       func() time.Time
	logger      *zap.Logger
	maxAttempts int
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Service{
		db:          cfg.Database,
		clock:       clock,
		logger:      logger,
		maxAttempts: maxAttempts,
	}, nil
}

// Load returns the stored document for the user, or nil when the user has never written.
func (s *Service) Load(ctx context.Context, userID users.UserID) (*Document, error) {
	if s.db == nil {
		s.logError(opLoad, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opLoad, reasonMissingDatabase, errMissingDatabase)
	}
	record, found, err := s.selectRecord(ctx, userID)
	if err != nil {
		s.logError(opLoad, reasonSelectFailed, err, zap.String(fieldUserID, userID.String()))
		return nil, newServiceError(opLoad, reasonSelectFailed, err)
	}
	if !found {
		return nil, nil
	}
	document := s.decodeRecord(record)
	return &document, nil
}

// Apply merges incoming into the stored document and persists the result. Each attempt reads the
// current version, merges, and writes only if the version is unchanged; a lost race re-reads and
// re-merges, so concurrent writes for the same user are serialized without losing contributions.
func (s *Service) Apply(ctx context.Context, userID users.UserID, incoming Document) (ApplyResult, error) {
	if s.db == nil {
		s.logError(opApply, reasonMissingDatabase, errMissingDatabase)
		return ApplyResult{}, newServiceError(opApply, reasonMissingDatabase, errMissingDatabase)
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return ApplyResult{}, newServiceError(opApply, reasonSelectFailed, err)
		}
		record, found, err := s.selectRecord(ctx, userID)
		if err != nil {
			s.logError(opApply, reasonSelectFailed, err, zap.String(fieldUserID, userID.String()))
			return ApplyResult{}, newServiceError(opApply, reasonSelectFailed, err)
		}

		var before *Document
		if found {
			stored := s.decodeRecord(record)
			before = &stored
		}
		merged := Merge(before, incoming)
		payload, err := json.Marshal(merged)
		if err != nil {
			s.logError(opApply, reasonEncodeFailed, err, zap.String(fieldUserID, userID.String()))
			return ApplyResult{}, newServiceError(opApply, reasonEncodeFailed, err)
		}
		nowSeconds := s.clock().UTC().Unix()

		if !found {
			created := Record{
				UserID:           userID.String(),
				Data:             datatypes.JSON(payload),
				Version:          1,
				UpdatedAtSeconds: nowSeconds,
			}
			result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&created)
			if result.Error != nil {
				s.logError(opApply, reasonInsertFailed, result.Error, zap.String(fieldUserID, userID.String()))
				return ApplyResult{}, newServiceError(opApply, reasonInsertFailed, result.Error)
			}
			if result.RowsAffected == 1 {
				return ApplyResult{Before: nil, After: merged, Version: 1, Attempts: attempt}, nil
			}
			continue
		}

		nextVersion := record.Version + 1
		result := s.db.WithContext(ctx).
			Model(&Record{}).
			Where(queryCAS, userID.String(), record.Version).
			Updates(map[string]any{
				"data":         datatypes.JSON(payload),
				"version":      nextVersion,
				"updated_at_s": nowSeconds,
			})
		if result.Error != nil {
			s.logError(opApply, reasonUpdateFailed, result.Error, zap.String(fieldUserID, userID.String()))
			return ApplyResult{}, newServiceError(opApply, reasonUpdateFailed, result.Error)
		}
		if result.RowsAffected == 1 {
			return ApplyResult{Before: before, After: merged, Version: nextVersion, Attempts: attempt}, nil
		}
		s.loggerOrDefault().Debug("progress write lost version race",
			zap.String(fieldUserID, userID.String()),
			zap.Int64("version", record.Version),
			zap.Int("attempt", attempt))
	}

	s.logError(opApply, reasonRetriesExhausted, ErrWriteConflict, zap.String(fieldUserID, userID.String()))
	return ApplyResult{}, newServiceError(opApply, reasonRetriesExhausted, ErrWriteConflict)
}

func (s *Service) selectRecord(ctx context.Context, userID users.UserID) (Record, bool, error) {
	var record Record
	err := s.db.WithContext(ctx).Where(queryUserID, userID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return record, true, nil
}

func (s *Service) decodeRecord(record Record) Document {
	document, fieldErrs := decodeStored(record.Data)
	for _, fieldErr := range fieldErrs {
		s.loggerOrDefault().Warn("stored progress field discarded",
			zap.String(fieldUserID, record.UserID),
			zap.Error(fieldErr))
	}
	return document
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("progress service error", attrs...)
}
