package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/channels"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationAlignHighWater         = "2026-09-14_align_channel_high_water"
	migrationAbandonOrphanedWindows = "2026-10-02_abandon_orphaned_windows"
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
		{name: migrationAlignHighWater, apply: alignHighWater},
		{name: migrationAbandonOrphanedWindows, apply: abandonOrphanedWindows},
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

// Channels written before high_water existed carry zero; the cursor is a safe lower bound.
func alignHighWater(db *gorm.DB) error {
	return db.Model(&channels.Channel{}).
		Where("high_water < cursor_position").
		Update("high_water", gorm.Expr("cursor_position")).Error
}

func abandonOrphanedWindows(db *gorm.DB) error {
	removed := db.Model(&channels.Channel{}).Select("channel_id").Where("removed_at_s > 0")
	return db.Model(&channels.SyncWindow{}).
		Where("status = ? AND channel_id IN (?)", channels.WindowStatusOpen, removed).
		Updates(map[string]any{
			"status":      channels.WindowStatusAbandoned,
			"closed_at_s": time.Now().UTC().Unix(),
		}).Error
}
