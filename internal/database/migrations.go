package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/reflector/internal/kvstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationPruneLegacySideCacheKeys = "2026-06-01_prune_legacy_side_cache_keys"

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
		{name: migrationPruneLegacySideCacheKeys, apply: pruneLegacySideCacheKeys},
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
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Side-cache entries were originally written under colon-separated keys
// ("boards:user:project"); the slash scheme replaced them and stale rows
// are unreadable, so they are dropped rather than rewritten.
func pruneLegacySideCacheKeys(db *gorm.DB) error {
	return db.Where("key LIKE ?", "boards:%").Delete(&kvstore.Entry{}).Error
}
