package data

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dnd-stuff/sheetsync/internal/core"
)

// Initialize connects to the configured database engine and migrates the schema.
func Initialize(cfg *core.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Database.Engine) {
	case core.EngineSQLite:
		dialector = sqlite.Open(cfg.SQLitePath())
	case core.EnginePostgres:
		dialector = postgres.Open(cfg.DatabaseURL())
	default:
		return nil, fmt.Errorf("unsupported database engine: %q", cfg.Database.Engine)
	}

	// By default only log errors but enable full SQL query prints-to-console with debug mode
	log := logger.Default.LogMode(logger.Error)
	if cfg.Debugging.DatabaseLoggingEnabled {
		log = logger.Default.LogMode(logger.Info)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: log})
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	if strings.ToLower(cfg.Database.Engine) == core.EngineSQLite {
		// An in-memory sqlite database only exists for the connection that
		// created it, and sqlite serializes writers anyway.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("error while getting current connection: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err = db.AutoMigrate(&characterRow{}); err != nil {
		_ = Shutdown(db)
		return nil, fmt.Errorf("error auto migrating db: %w", err)
	}

	return db, nil
}

func Shutdown(db *gorm.DB) error {
	database, err := db.DB()
	if err != nil {
		return fmt.Errorf("error while getting current connection: %w", err)
	}
	if err := database.Close(); err != nil {
		return fmt.Errorf("error while closing database connection: %w", err)
	}
	return nil
}
