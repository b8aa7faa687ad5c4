/**
 * @description
 * Schema migration.
 * AutoMigrate for every model plus the partial unique indexes gorm tags cannot express.
 *
 * @dependencies
 * - backend/internal/models
 * - gorm.io/gorm
 */

package db

import (
	"fmt"

	"github.com/kalbot-project/backend/internal/models"
	"gorm.io/gorm"
)

// partialIndexes hold the invariants AutoMigrate cannot express. The syntax is shared
// by PostgreSQL and SQLite.
var partialIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_one_open
		ON positions (market_ticker, execution_mode, side) WHERE status = 'open'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_published_signals_one_active
		ON published_signals (market_ticker) WHERE is_active`,
}

// Models lists every persisted type in dependency order
func Models() []interface{} {
	return []interface{}{
		&models.Market{},
		&models.MarketSnapshot{},
		&models.WeatherForecast{},
		&models.WeatherObservation{},
		&models.LowTempModel{},
		&models.ModelRun{},
		&models.Prediction{},
		&models.TradeDecision{},
		&models.PublishedSignal{},
		&models.Order{},
		&models.Position{},
		&models.Settlement{},
		&models.DailyMetric{},
		&models.PipelineRun{},
	}
}

// Migrate creates or updates every table and index
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	for _, stmt := range partialIndexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create partial index: %w", err)
		}
	}
	return nil
}
