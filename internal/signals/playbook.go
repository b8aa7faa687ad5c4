/**
 * @description
 * Playbook and order sizing.
 * Turns a published signal's edge and confidence into an action, an entry price and a
 * contract count. The paper execution engine reuses the same side and price convention.
 *
 * @dependencies
 * - github.com/shopspring/decimal: price and notional rounding
 */

package signals

import (
	"math"

	"github.com/kalbot-project/backend/internal/modeling"
	"github.com/kalbot-project/backend/internal/models"
	"github.com/shopspring/decimal"
)

// Action is the suggested direction for a signal
type Action string

const (
	ActionLeanYes Action = "lean_yes"
	ActionLeanNo  Action = "lean_no"
	ActionPass    Action = "pass"
)

// MinActionConfidence is the confidence below which every signal is a pass
const MinActionConfidence = 0.58

const (
	minPrice      = 0.01
	maxPrice      = 0.99
	notionalFloor = 0.35
)

// DeriveAction maps edge and confidence to an action
func DeriveAction(edge, confidence, threshold float64) Action {
	switch {
	case confidence < MinActionConfidence:
		return ActionPass
	case edge >= threshold:
		return ActionLeanYes
	case edge <= -threshold:
		return ActionLeanNo
	}
	return ActionPass
}

// EntryPrice is the clamped YES price, or its complement when leaning NO
func EntryPrice(action Action, marketYes float64) float64 {
	yes := modeling.Clamp(marketYes, minPrice, maxPrice)
	if action == ActionLeanNo {
		return round4(1 - yes)
	}
	return round4(yes)
}

// SuggestedNotional scales maxNotional by conviction, floored at 35% of the cap for
// any non-pass action.
func SuggestedNotional(action Action, edge, confidence, threshold, maxNotional float64) float64 {
	if action == ActionPass || maxNotional <= 0 {
		return 0
	}
	confidenceWeight := modeling.Clamp((confidence-0.55)/0.40, 0, 1)
	edgeWeight := modeling.Clamp(math.Abs(edge)/math.Max(2*threshold, 0.01), 0, 1)
	return round4(maxNotional * (notionalFloor + (1-notionalFloor)*confidenceWeight*edgeWeight))
}

// ContractsForNotional is how many whole contracts notional buys at price, capped at maxContracts
func ContractsForNotional(price, notional float64, maxContracts int) int {
	if price <= 0 || notional <= 0 || maxContracts <= 0 {
		return 0
	}
	n := int(math.Floor(notional/price + 1e-9))
	if n > maxContracts {
		return maxContracts
	}
	return n
}

// EdgeToOrder picks the side to buy and its price for a signed edge
func EdgeToOrder(edge, marketYes float64) (models.Side, float64) {
	yes := modeling.Clamp(marketYes, minPrice, maxPrice)
	if edge >= 0 {
		return models.SideYes, round4(yes)
	}
	return models.SideNo, round4(1 - yes)
}

// PlaybookSettings are the sizing limits applied to a signal
type PlaybookSettings struct {
	EdgeThreshold        float64
	MaxNotionalPerSignal float64
	MaxContractsPerOrder int
}

// Playbook is the suggested trade for one published signal
type Playbook struct {
	MarketTicker       string  `json:"market_ticker"`
	Title              string  `json:"title"`
	CityCode           string  `json:"city_code"`
	Action             Action  `json:"action"`
	Edge               float64 `json:"edge"`
	Confidence         float64 `json:"confidence"`
	MarketProbYes      float64 `json:"market_prob_yes"`
	EntryPrice         float64 `json:"entry_price"`
	SuggestedContracts int     `json:"suggested_contracts"`
	SuggestedNotional  float64 `json:"suggested_notional"`
	Quality            string  `json:"quality"`
}

// BuildPlaybook sizes a published signal
func BuildPlaybook(sig models.PublishedSignal, s PlaybookSettings) Playbook {
	action := DeriveAction(sig.Edge, sig.Confidence, s.EdgeThreshold)
	price := EntryPrice(action, sig.MarketProbYes)
	notional := SuggestedNotional(action, sig.Edge, sig.Confidence, s.EdgeThreshold, s.MaxNotionalPerSignal)
	contracts := ContractsForNotional(price, notional, s.MaxContractsPerOrder)

	return Playbook{
		MarketTicker:       sig.MarketTicker,
		Title:              sig.Title,
		CityCode:           sig.CityCode,
		Action:             action,
		Edge:               sig.Edge,
		Confidence:         sig.Confidence,
		MarketProbYes:      sig.MarketProbYes,
		EntryPrice:         price,
		SuggestedContracts: contracts,
		SuggestedNotional:  notional,
		Quality:            sig.Quality,
	}
}

func round4(x float64) float64 {
	v, _ := decimal.NewFromFloat(x).Round(4).Float64()
	return v
}
