/**
 * @description
 * PostgreSQL connection manager using GORM.
 * Handles connection pooling and initialization.
 *
 * @dependencies
 * - gorm.io/gorm: ORM library
 * - gorm.io/driver/postgres: Postgres driver
 */

package db

import (
	"time"

	"github.com/kalbot-project/backend/internal/config"
	"github.com/kalbot-project/backend/internal/logger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// ConnectPostgres initializes the PostgreSQL connection
func ConnectPostgres(cfg *config.Config) (*gorm.DB, error) {
	db, err := Open(postgres.New(postgres.Config{
		DSN:                  cfg.DB.URL,
		PreferSimpleProtocol: true, // disable prepared statements to avoid stmtcache collisions behind poolers
	}), cfg.Server.Env)
	if err != nil {
		return nil, err
	}

	// Get generic database object to set connection pool params
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// The pipeline is a single writer; the API only reads
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	logger.Info("✅ Connected to PostgreSQL")
	return db, nil
}

// Open wraps gorm.Open with the project's defaults: UTC timestamps, translated
// constraint errors, and an environment-dependent query log level.
func Open(dialector gorm.Dialector, env string) (*gorm.DB, error) {
	gormLogLevel := gormLogger.Error
	if env == "development" {
		gormLogLevel = gormLogger.Info
	} else if env == "staging" {
		gormLogLevel = gormLogger.Warn
	} else if env == "test" {
		gormLogLevel = gormLogger.Silent
	}

	return gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogLevel),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
}
