/**
 * @description
 * Order and Position database models.
 * Orders are immutable simulated fills. Positions move open -> closed exactly once,
 * on settlement, and carry realized P&L once closed.
 *
 * @dependencies
 * - gorm.io/gorm
 * - github.com/google/uuid
 * - github.com/shopspring/decimal: money columns
 */

package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderStatus defines the state of an order in our system
type OrderStatus string

const (
	OrderStatusFilled OrderStatus = "filled"
)

// Side is the contract side being bought
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// PositionStatus defines the lifecycle of a position
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Order represents one simulated fill
type Order struct {
	ID                uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	ExternalRef       string          `gorm:"column:external_ref;type:varchar(160);not null;uniqueIndex" json:"external_ref"`
	MarketTicker      string          `gorm:"column:market_ticker;type:varchar(96);not null;index" json:"market_ticker"`
	PublishedSignalID *uint64         `gorm:"column:published_signal_id" json:"published_signal_id"`
	ExecutionMode     string          `gorm:"column:execution_mode;type:varchar(8);not null" json:"execution_mode"`
	Side              Side            `gorm:"column:side;type:varchar(4);not null" json:"side"`
	Contracts         int             `gorm:"column:contracts;not null" json:"contracts"`
	LimitPrice        decimal.Decimal `gorm:"column:limit_price;type:numeric(20,10);not null" json:"limit_price"`
	Edge              float64         `gorm:"column:edge" json:"edge"`
	Status            OrderStatus     `gorm:"column:status;type:varchar(16);not null" json:"status"`
	PlacedAt          time.Time       `gorm:"column:placed_at;not null;index" json:"placed_at"`
}

// TableName overrides the table name used by Order to `orders`
func (Order) TableName() string {
	return "orders"
}

// BeforeCreate ensures UUID is generated if not present
func (o *Order) BeforeCreate(tx *gorm.DB) (err error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return
}

// Notional is contracts times limit price
func (o Order) Notional() decimal.Decimal {
	return o.LimitPrice.Mul(decimal.NewFromInt(int64(o.Contracts)))
}

// Position is a simulated holding in one side of a market
type Position struct {
	ID            uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID       uuid.UUID        `gorm:"type:uuid;not null" json:"order_id"`
	MarketTicker  string           `gorm:"column:market_ticker;type:varchar(96);not null;index" json:"market_ticker"`
	ExecutionMode string           `gorm:"column:execution_mode;type:varchar(8);not null" json:"execution_mode"`
	Side          Side             `gorm:"column:side;type:varchar(4);not null" json:"side"`
	Contracts     int              `gorm:"column:contracts;not null" json:"contracts"`
	EntryPrice    decimal.Decimal  `gorm:"column:entry_price;type:numeric(20,10);not null" json:"entry_price"`
	Status        PositionStatus   `gorm:"column:status;type:varchar(8);not null;index" json:"status"`
	RealizedPnL   *decimal.Decimal `gorm:"column:realized_pnl;type:numeric(20,10)" json:"realized_pnl"`
	OpenedAt      time.Time        `gorm:"column:opened_at;not null" json:"opened_at"`
	ClosedAt      *time.Time       `gorm:"column:closed_at;index" json:"closed_at"`
}

// TableName overrides the table name used by Position to `positions`
func (Position) TableName() string {
	return "positions"
}

// BeforeCreate ensures UUID is generated if not present
func (p *Position) BeforeCreate(tx *gorm.DB) (err error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return
}

// SettlementPnL is (payout - entry) * contracts, where payout is 1 when the position's
// side matches the outcome and 0 otherwise.
func (p Position) SettlementPnL(outcomeYes bool) decimal.Decimal {
	payout := decimal.Zero
	if (p.Side == SideYes) == outcomeYes {
		payout = decimal.NewFromInt(1)
	}
	return payout.Sub(p.EntryPrice).Mul(decimal.NewFromInt(int64(p.Contracts)))
}
