package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coconut3301/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opRegistryNew      = "notify.registry.new"
	opRegisterEndpoint = "notify.register_endpoint"
	opRemoveEndpoint   = "notify.remove_endpoint"
	opListEndpoints    = "notify.list_endpoints"
	opListRecipients   = "notify.list_recipients"
	opPruneEndpoints   = "notify.prune_endpoints"
	opLoadPreferences  = "notify.load_preferences"
	opSavePreferences  = "notify.save_preferences"
	opAppendLog        = "notify.append_log"
	opRecentLog        = "notify.recent_log"

	reasonMissingDatabase = "missing_database"
	reasonInvalidInput    = "invalid_input"
	reasonQueryFailed     = "query_failed"
	reasonWriteFailed     = "write_failed"

	fieldUserID = "user_id"

	defaultPlatform = "android"
	defaultLocale   = "en"
	// DefaultLogLimit is the number of log entries returned when no limit is requested.
	DefaultLogLimit = 50
	maxLogLimit     = 500
	maxTokenLength  = 512
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrInvalidToken indicates an empty or oversized registration token.
	ErrInvalidToken = errors.New("notify: invalid endpoint token")
	noOpLogger      = zap.NewNop()
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

// Store is the persistence surface the Dispatcher depends on.
type Store interface {
	Preferences(ctx context.Context, userID users.UserID) (*Preferences, error)
	EndpointsForUser(ctx context.Context, userID users.UserID) ([]Endpoint, error)
	UsersWithEndpoints(ctx context.Context) ([]users.UserID, error)
	PruneEndpoints(ctx context.Context, userID users.UserID, tokens []string) (int64, error)
	AppendLog(ctx context.Context, entry LogEntry) error
}

type RegistryConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Registry is the gorm-backed store for endpoints, preferences, and the delivery log.
type Registry struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opRegistryNew, reasonMissingDatabase, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Registry{db: cfg.Database, logger: logger}, nil
}

// RegisterEndpoint upserts a device token. Re-registering a token under another account moves it.
func (r *Registry) RegisterEndpoint(ctx context.Context, userID users.UserID, token, platform, locale string) error {
	if r.db == nil {
		return newServiceError(opRegisterEndpoint, reasonMissingDatabase, errMissingDatabase)
	}
	token = strings.TrimSpace(token)
	if token == "" || len(token) > maxTokenLength {
		return newServiceError(opRegisterEndpoint, reasonInvalidInput, ErrInvalidToken)
	}
	endpoint := Endpoint{
		Token:    token,
		UserID:   userID.String(),
		Platform: firstNonEmpty(strings.TrimSpace(platform), defaultPlatform),
		Locale:   firstNonEmpty(strings.TrimSpace(locale), defaultLocale),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "token"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_id", "platform", "locale", "updated_at"}),
		}).
		Create(&endpoint).Error
	if err != nil {
		r.logError(opRegisterEndpoint, reasonWriteFailed, err, zap.String(fieldUserID, userID.String()))
		return newServiceError(opRegisterEndpoint, reasonWriteFailed, err)
	}
	return nil
}

// RemoveEndpoint deletes the caller's own registration of token. Tokens owned by others are untouched.
func (r *Registry) RemoveEndpoint(ctx context.Context, userID users.UserID, token string) error {
	if r.db == nil {
		return newServiceError(opRemoveEndpoint, reasonMissingDatabase, errMissingDatabase)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return newServiceError(opRemoveEndpoint, reasonInvalidInput, ErrInvalidToken)
	}
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND token = ?", userID.String(), token).
		Delete(&Endpoint{}).Error
	if err != nil {
		r.logError(opRemoveEndpoint, reasonWriteFailed, err, zap.String(fieldUserID, userID.String()))
		return newServiceError(opRemoveEndpoint, reasonWriteFailed, err)
	}
	return nil
}

func (r *Registry) EndpointsForUser(ctx context.Context, userID users.UserID) ([]Endpoint, error) {
	if r.db == nil {
		return nil, newServiceError(opListEndpoints, reasonMissingDatabase, errMissingDatabase)
	}
	var endpoints []Endpoint
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("id ASC").
		Find(&endpoints).Error
	if err != nil {
		return nil, newServiceError(opListEndpoints, reasonQueryFailed, err)
	}
	return endpoints, nil
}

// UsersWithEndpoints lists the distinct owners of at least one endpoint.
func (r *Registry) UsersWithEndpoints(ctx context.Context) ([]users.UserID, error) {
	if r.db == nil {
		return nil, newServiceError(opListRecipients, reasonMissingDatabase, errMissingDatabase)
	}
	var raw []string
	err := r.db.WithContext(ctx).
		Model(&Endpoint{}).
		Distinct("user_id").
		Order("user_id ASC").
		Pluck("user_id", &raw).Error
	if err != nil {
		return nil, newServiceError(opListRecipients, reasonQueryFailed, err)
	}
	recipients := make([]users.UserID, 0, len(raw))
	for _, value := range raw {
		userID, err := users.NewUserID(value)
		if err != nil {
			r.logger.Warn("skipping endpoint owner with invalid id", zap.String(fieldUserID, value))
			continue
		}
		recipients = append(recipients, userID)
	}
	return recipients, nil
}

// PruneEndpoints removes tokens in one statement, scoped to the owner observed at fetch time so a
// token that moved to another account in the meantime survives.
func (r *Registry) PruneEndpoints(ctx context.Context, userID users.UserID, tokens []string) (int64, error) {
	if r.db == nil {
		return 0, newServiceError(opPruneEndpoints, reasonMissingDatabase, errMissingDatabase)
	}
	if len(tokens) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).
		Where("user_id = ? AND token IN ?", userID.String(), tokens).
		Delete(&Endpoint{})
	if result.Error != nil {
		return 0, newServiceError(opPruneEndpoints, reasonWriteFailed, result.Error)
	}
	return result.RowsAffected, nil
}

// Preferences returns the stored row, or nil when the user never saved preferences.
func (r *Registry) Preferences(ctx context.Context, userID users.UserID) (*Preferences, error) {
	if r.db == nil {
		return nil, newServiceError(opLoadPreferences, reasonMissingDatabase, errMissingDatabase)
	}
	var preferences Preferences
	err := r.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&preferences).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newServiceError(opLoadPreferences, reasonQueryFailed, err)
	}
	return &preferences, nil
}

func (r *Registry) SavePreferences(ctx context.Context, userID users.UserID, preferences Preferences) error {
	if r.db == nil {
		return newServiceError(opSavePreferences, reasonMissingDatabase, errMissingDatabase)
	}
	preferences.UserID = userID.String()
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"game_reminders", "progress_updates", "competition", "inactivity", "new_content", "updated_at",
			}),
		}).
		Create(&preferences).Error
	if err != nil {
		r.logError(opSavePreferences, reasonWriteFailed, err, zap.String(fieldUserID, userID.String()))
		return newServiceError(opSavePreferences, reasonWriteFailed, err)
	}
	return nil
}

func (r *Registry) AppendLog(ctx context.Context, entry LogEntry) error {
	if r.db == nil {
		return newServiceError(opAppendLog, reasonMissingDatabase, errMissingDatabase)
	}
	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return newServiceError(opAppendLog, reasonWriteFailed, err)
	}
	return nil
}

// RecentLog returns the newest log entries first.
func (r *Registry) RecentLog(ctx context.Context, limit int) ([]LogEntry, error) {
	if r.db == nil {
		return nil, newServiceError(opRecentLog, reasonMissingDatabase, errMissingDatabase)
	}
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	var entries []LogEntry
	err := r.db.WithContext(ctx).
		Order("sent_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, newServiceError(opRecentLog, reasonQueryFailed, err)
	}
	return entries, nil
}

func (r *Registry) logError(operation, reason string, err error, fields ...zap.Field) {
	logger := r.logger
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
	logger.Error("notify registry error", attrs...)
}

func firstNonEmpty(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func nowUTC(clock func() time.Time) time.Time {
	if clock == nil {
		return time.Now().UTC()
	}
	return clock().UTC()
}
