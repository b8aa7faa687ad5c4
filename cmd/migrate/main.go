/**
 * @description
 * Schema Migration Entry Point.
 * Creates or updates every table, including the partial unique indexes that guard
 * open positions and active signals.
 *
 * @dependencies
 * - backend/internal/config
 * - backend/internal/db
 */

package main

import (
	"github.com/kalbot-project/backend/internal/config"
	"github.com/kalbot-project/backend/internal/db"
	"github.com/kalbot-project/backend/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config: %v", err)
	}

	pgDB, err := db.ConnectPostgres(cfg)
	if err != nil {
		logger.Fatal("failed to connect to postgres: %v", err)
	}

	if err := db.Migrate(pgDB); err != nil {
		logger.Fatal("migration failed: %v", err)
	}
	logger.Info("✅ Schema is up to date (%d tables)", len(db.Models()))
}
