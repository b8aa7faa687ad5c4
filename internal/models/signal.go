/**
 * @description
 * Prediction, TradeDecision and PublishedSignal models.
 * Predictions and decisions are append-only. PublishedSignal rows flip is_active when a
 * newer batch replaces them; a partial unique index keeps one active row per market.
 *
 * @dependencies
 * - gorm.io/gorm
 * - github.com/google/uuid
 */

package models

import (
	"time"

	"github.com/google/uuid"
)

// SignalQuality tags whether a candidate was forecast-backed or a market-mirroring fallback
type SignalQuality string

const (
	SignalQualityOK       SignalQuality = "ok"
	SignalQualityDegraded SignalQuality = "degraded"
)

// Prediction is the model's view of one market at scoring time
type Prediction struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ModelRunID    uuid.UUID `gorm:"type:uuid;not null;index" json:"model_run_id"`
	MarketTicker  string    `gorm:"column:market_ticker;type:varchar(96);not null;index:idx_predictions_market_time,priority:1" json:"market_ticker"`
	ProbYes       float64   `gorm:"column:prob_yes;not null" json:"prob_yes"`
	CILow         float64   `gorm:"column:ci_low" json:"ci_low"`
	CIHigh        float64   `gorm:"column:ci_high" json:"ci_high"`
	MarketProbYes float64   `gorm:"column:market_prob_yes" json:"market_prob_yes"`
	Edge          float64   `gorm:"column:edge" json:"edge"`
	Confidence    float64   `gorm:"column:confidence" json:"confidence"`
	ProjectedLowF *float64  `gorm:"column:projected_low_f" json:"projected_low_f"`
	SigmaF        float64   `gorm:"column:sigma_f" json:"sigma_f"`
	Quality       string    `gorm:"column:quality;type:varchar(16)" json:"quality"`
	Rationale     string    `gorm:"column:rationale;type:text" json:"rationale"`
	PredictedAt   time.Time `gorm:"column:predicted_at;not null;index:idx_predictions_market_time,priority:2" json:"predicted_at"`
}

// TableName overrides the table name used by Prediction to `predictions`
func (Prediction) TableName() string {
	return "predictions"
}

// TradeDecision records whether a prediction cleared the trading threshold
type TradeDecision struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	PredictionID  uint64    `gorm:"column:prediction_id;not null;uniqueIndex" json:"prediction_id"`
	MarketTicker  string    `gorm:"column:market_ticker;type:varchar(96);not null;index" json:"market_ticker"`
	Approved      bool      `gorm:"column:approved;not null" json:"approved"`
	Side          string    `gorm:"column:side;type:varchar(4)" json:"side"`
	EdgeThreshold float64   `gorm:"column:edge_threshold;not null" json:"edge_threshold"`
	Reason        string    `gorm:"column:reason;type:varchar(128)" json:"reason"`
	DecidedAt     time.Time `gorm:"column:decided_at;not null;index" json:"decided_at"`
}

// TableName overrides the table name used by TradeDecision to `trade_decisions`
func (TradeDecision) TableName() string {
	return "trade_decisions"
}

// PublishedSignal is the live, API-facing view of a selected candidate
type PublishedSignal struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ModelRunID    uuid.UUID `gorm:"type:uuid;not null;index" json:"model_run_id"`
	PredictionID  uint64    `gorm:"column:prediction_id;not null;index" json:"prediction_id"`
	MarketTicker  string    `gorm:"column:market_ticker;type:varchar(96);not null;index" json:"market_ticker"`
	Title         string    `gorm:"column:title" json:"title"`
	CityCode      string    `gorm:"column:city_code;type:varchar(16);index" json:"city_code"`
	Rank          int       `gorm:"column:rank" json:"rank"`
	RankingScore  float64   `gorm:"column:ranking_score" json:"ranking_score"`
	ProbYes       float64   `gorm:"column:prob_yes" json:"prob_yes"`
	MarketProbYes float64   `gorm:"column:market_prob_yes" json:"market_prob_yes"`
	Edge          float64   `gorm:"column:edge" json:"edge"`
	Confidence    float64   `gorm:"column:confidence" json:"confidence"`
	Quality       string    `gorm:"column:quality;type:varchar(16)" json:"quality"`
	Rationale     string    `gorm:"column:rationale;type:text" json:"rationale"`
	IsActive      bool      `gorm:"column:is_active;not null;index" json:"is_active"`
	PublishedAt   time.Time `gorm:"column:published_at;not null" json:"published_at"`
}

// TableName overrides the table name used by PublishedSignal to `published_signals`
func (PublishedSignal) TableName() string {
	return "published_signals"
}
