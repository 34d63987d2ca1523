package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/courier/internal/channels"
	"github.com/MarcoPoloResearchLab/courier/internal/media"
	"github.com/MarcoPoloResearchLab/courier/internal/messages"
	"github.com/MarcoPoloResearchLab/courier/internal/search"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models returns every GORM model owned by the engine schema.
func Models() []any {
	return []any{
		&channels.Channel{},
		&channels.SyncWindow{},
		&messages.LedgerEntry{},
		&search.Document{},
		&search.Supersession{},
		&media.StagedMedia{},
		&migrationRecord{},
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: NewGormLogger(logger)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Migrate creates missing tables and applies pending data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
