package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/chirp/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeBlankDisplayNames = "2026-10-08_normalize_blank_display_names"

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
		{name: migrationNormalizeBlankDisplayNames, apply: normalizeBlankDisplayNames},
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

// normalizeBlankDisplayNames turns whitespace-only usernames and first names into NULL so the
// author fallback chain skips them.
func normalizeBlankDisplayNames(db *gorm.DB) error {
	if err := db.Model(&users.User{}).
		Where("username IS NOT NULL AND TRIM(username) = ''").
		Update("username", gorm.Expr("NULL")).Error; err != nil {
		return err
	}
	return db.Model(&users.User{}).
		Where("first_name IS NOT NULL AND TRIM(first_name) = ''").
		Update("first_name", gorm.Expr("NULL")).Error
}
