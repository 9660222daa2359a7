package main

import (
	"github.com/sirupsen/logrus" // Logrus for structured logging

	"rift_escrow/internal/config" // Configuration
	"rift_escrow/internal/db"     // Database connection and schema
)

// Main entry point for migration
func main() {
	cfg := config.LoadConfig() // Load configuration
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	gdb, err := db.Open(cfg)
	if err != nil {
		logrus.Fatalf("failed to connect to DB: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		logrus.Fatalf("migration failed: %v", err)
	}
}
