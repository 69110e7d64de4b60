package database

import (
	"errors"
	"time"

	"github.com/coconut3301/backend/internal/notify"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeNoTokensStatus = "2025-06-01_normalize_no_tokens_status"
	migrationDefaultEndpointLocale   = "2025-06-14_default_endpoint_locale"

	legacyNoTokensStatus = "no_tokens"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeNoTokensStatus, apply: normalizeNoTokensStatus},
		{name: migrationDefaultEndpointLocale, apply: defaultEndpointLocale},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeNoTokensStatus renames the delivery status written by earlier releases.
func normalizeNoTokensStatus(db *gorm.DB) error {
	return db.Model(&notify.LogEntry{}).
		Where("status = ?", legacyNoTokensStatus).
		Update("status", notify.StatusNoEndpoints).Error
}

func defaultEndpointLocale(db *gorm.DB) error {
	return db.Model(&notify.Endpoint{}).
		Where("locale = ? OR locale IS NULL", "").
		Update("locale", "en").Error
}
