package db

import (
	"fmt"  // Error formatting
	"time" // Pool lifetimes

	"gorm.io/driver/mysql"    // MySQL driver for GORM
	"gorm.io/driver/postgres" // Postgres driver for GORM
	"gorm.io/gorm"            // GORM ORM library
	"gorm.io/gorm/logger"     // SQL logging level

	"rift_escrow/internal/config" // Connection settings
)

// Open connects to the configured database. Duplicate-key errors are translated to
// gorm.ErrDuplicatedKey so ledger idempotency keys can be detected across drivers.
func Open(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "mysql", "":
		dialector = mysql.Open(cfg.DSN())
	case "postgres":
		dialector = postgres.Open(cfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
	level := logger.Warn
	if cfg.IsProd {
		level = logger.Error
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,                          // Map unique violations to ErrDuplicatedKey
		Logger:         logger.Default.LogMode(level), // Quiet SQL logging
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DB: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)                  // Bounded pool
	sqlDB.SetMaxIdleConns(5)                   // Keep a few warm
	sqlDB.SetConnMaxLifetime(30 * time.Minute) // Recycle connections
	return db, nil
}
