package db

import (
	"fmt" // Error wrapping

	"github.com/sirupsen/logrus" // Logging
	"gorm.io/gorm"               // GORM ORM library

	"rift_escrow/internal/domain" // Importing domain models
)

// Models lists every table the service owns, in dependency order
func Models() []any {
	return []any{
		&domain.Transaction{},
		&domain.Milestone{},
		&domain.VaultAsset{},
		&domain.VaultEvent{},
		&domain.LedgerEntry{},
		&domain.Dispute{},
		&domain.Evidence{},
		&domain.DisputeAction{},
	}
}

// Migrate performs automatic migration for the database schema
func Migrate(db *gorm.DB) error {
	// AutoMigrate will create tables, missing foreign keys, constraints, columns and indexes
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logrus.Info("Migration completed.") // Log successful migration
	return nil
}
