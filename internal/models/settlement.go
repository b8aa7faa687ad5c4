/**
 * @description
 * Settlement and DailyMetric models.
 * One settlement per market; one metric row per (date, execution mode), fully
 * recomputed on every reconcile pass.
 *
 * @dependencies
 * - gorm.io/gorm
 * - github.com/shopspring/decimal
 */

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Settlement is the resolved outcome of one market
type Settlement struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	MarketTicker string    `gorm:"column:market_ticker;type:varchar(96);not null;uniqueIndex" json:"market_ticker"`
	OutcomeYes   bool      `gorm:"column:outcome_yes;not null" json:"outcome_yes"`
	Result       string    `gorm:"column:result;type:varchar(16)" json:"result"`
	Status       string    `gorm:"column:status;type:varchar(24)" json:"status"`
	SettledAt    time.Time `gorm:"column:settled_at;not null;index" json:"settled_at"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName overrides the table name used by Settlement to `settlements`
func (Settlement) TableName() string {
	return "settlements"
}

// DailyMetric aggregates accuracy and realized P&L for one UTC day
type DailyMetric struct {
	ID               uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	MetricDate       string          `gorm:"column:metric_date;type:varchar(10);not null;uniqueIndex:idx_daily_metric_key,priority:1" json:"metric_date"`
	ExecutionMode    string          `gorm:"column:execution_mode;type:varchar(8);not null;uniqueIndex:idx_daily_metric_key,priority:2" json:"execution_mode"`
	ScoredCount      int             `gorm:"column:scored_count;not null" json:"scored_count"`
	BrierScore       *float64        `gorm:"column:brier_score" json:"brier_score"`
	LogLoss          *float64        `gorm:"column:log_loss" json:"log_loss"`
	CalibrationError *float64        `gorm:"column:calibration_error" json:"calibration_error"`
	ClosedPositions  int             `gorm:"column:closed_positions;not null" json:"closed_positions"`
	GrossPnL         decimal.Decimal `gorm:"column:gross_pnl;type:numeric(20,10);not null" json:"gross_pnl"`
	NetPnL           decimal.Decimal `gorm:"column:net_pnl;type:numeric(20,10);not null" json:"net_pnl"`
	MaxDrawdown      decimal.Decimal `gorm:"column:max_drawdown;type:numeric(20,10);not null" json:"max_drawdown"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName overrides the table name used by DailyMetric to `daily_metrics`
func (DailyMetric) TableName() string {
	return "daily_metrics"
}
