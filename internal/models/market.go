/**
 * @description
 * Market and MarketSnapshot database models.
 * A Market row carries the contract identity plus its latest YES quote; every ingestion
 * pass also appends a MarketSnapshot so backtests can replay the quote as of any time.
 *
 * @dependencies
 * - gorm.io/gorm
 */

package models

import (
	"strings"
	"time"
)

// Market status strings reported by Kalshi
const (
	MarketStatusActive     = "active"
	MarketStatusOpen       = "open"
	MarketStatusClosed     = "closed"
	MarketStatusSettled    = "settled"
	MarketStatusFinalized  = "finalized"
	MarketStatusDetermined = "determined"
)

// Market represents one binary Kalshi contract
type Market struct {
	Ticker         string     `gorm:"column:market_ticker;primaryKey;type:varchar(96)" json:"market_ticker"`
	EventTicker    string     `gorm:"column:event_ticker;type:varchar(96);index" json:"event_ticker"`
	SeriesTicker   string     `gorm:"column:series_ticker;type:varchar(64);index" json:"series_ticker"`
	Title          string     `gorm:"column:title" json:"title"`
	Subtitle       string     `gorm:"column:subtitle" json:"subtitle"`
	Status         string     `gorm:"column:status;type:varchar(24);index" json:"status"`
	CloseTime      *time.Time `gorm:"column:close_time;index" json:"close_time"`
	ExpirationTime *time.Time `gorm:"column:expiration_time" json:"expiration_time"`
	SettleTime     *time.Time `gorm:"column:settle_time" json:"settle_time"`

	// Latest YES-side quote as probabilities in [0, 1]
	YesBid    *float64   `gorm:"column:yes_bid" json:"yes_bid"`
	YesAsk    *float64   `gorm:"column:yes_ask" json:"yes_ask"`
	LastPrice *float64   `gorm:"column:last_price" json:"last_price"`
	Volume    float64    `gorm:"column:volume;default:0" json:"volume"`
	QuotedAt  *time.Time `gorm:"column:quoted_at" json:"quoted_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName overrides the table name used by Market to `markets`
func (Market) TableName() string {
	return "markets"
}

// IsLowTemp reports whether the ticker belongs to the daily low temperature family
func (m Market) IsLowTemp(prefix string) bool {
	return strings.HasPrefix(strings.ToUpper(m.Ticker), prefix)
}

// ImpliedYes returns the market-implied YES probability: the bid/ask midpoint when both
// sides are quoted, otherwise the last trade. ok is false when no price is available.
func (m Market) ImpliedYes() (float64, bool) {
	return impliedYes(m.YesBid, m.YesAsk, m.LastPrice)
}

// MarketSnapshot is an append-only record of a market quote at capture time
type MarketSnapshot struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	MarketTicker string    `gorm:"column:market_ticker;type:varchar(96);not null;index:idx_snapshots_market_time,priority:1" json:"market_ticker"`
	YesBid       *float64  `gorm:"column:yes_bid" json:"yes_bid"`
	YesAsk       *float64  `gorm:"column:yes_ask" json:"yes_ask"`
	LastPrice    *float64  `gorm:"column:last_price" json:"last_price"`
	Volume       float64   `gorm:"column:volume;default:0" json:"volume"`
	CapturedAt   time.Time `gorm:"column:captured_at;not null;index:idx_snapshots_market_time,priority:2" json:"captured_at"`
}

// TableName overrides the table name used by MarketSnapshot to `market_snapshots`
func (MarketSnapshot) TableName() string {
	return "market_snapshots"
}

// ImpliedYes applies the same pricing rule as Market.ImpliedYes
func (s MarketSnapshot) ImpliedYes() (float64, bool) {
	return impliedYes(s.YesBid, s.YesAsk, s.LastPrice)
}

func impliedYes(bid, ask, last *float64) (float64, bool) {
	if bid != nil && ask != nil && *bid > 0 && *ask > 0 {
		return (*bid + *ask) / 2, true
	}
	if last != nil && *last > 0 {
		return *last, true
	}
	return 0, false
}
