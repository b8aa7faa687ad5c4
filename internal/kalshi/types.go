/**
 * @description
 * Kalshi API payloads and price normalisation.
 * Prices arrive either as dollar strings or integer cents; both are normalised to
 * probabilities in [0, 1].
 *
 * @dependencies
 * - github.com/shopspring/decimal
 */

package kalshi

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Series is one entry of GET /series
type Series struct {
	Ticker    string `json:"ticker"`
	Title     string `json:"title"`
	Category  string `json:"category"`
	Frequency string `json:"frequency"`
}

// SeriesPage is one page of GET /series
type SeriesPage struct {
	Series []Series `json:"series"`
	Cursor string   `json:"cursor"`
}

// Market is a Kalshi market as returned by /markets and /markets/{ticker}.
// Prices come either as "*_dollars" strings or as integer cents.
type Market struct {
	Ticker           string   `json:"ticker"`
	EventTicker      string   `json:"event_ticker"`
	Title            string   `json:"title"`
	Subtitle         string   `json:"subtitle"`
	Status           string   `json:"status"`
	Result           string   `json:"result"`
	CloseTime        string   `json:"close_time"`
	ExpirationTime   string   `json:"expiration_time"`
	SettlementTS     string   `json:"settlement_ts"`
	YesBid           *float64 `json:"yes_bid"`
	YesAsk           *float64 `json:"yes_ask"`
	LastPrice        *float64 `json:"last_price"`
	YesBidDollars    string   `json:"yes_bid_dollars"`
	YesAskDollars    string   `json:"yes_ask_dollars"`
	LastPriceDollars string   `json:"last_price_dollars"`
	Volume           *float64 `json:"volume"`
}

// MarketsPage is one page of GET /markets
type MarketsPage struct {
	Markets []Market `json:"markets"`
	Cursor  string   `json:"cursor"`
}

type marketEnvelope struct {
	Market Market `json:"market"`
}

// Bid is the YES bid as a probability
func (m Market) Bid() *float64 { return PriceAsFloat(m.YesBidDollars, m.YesBid) }

// Ask is the YES ask as a probability
func (m Market) Ask() *float64 { return PriceAsFloat(m.YesAskDollars, m.YesAsk) }

// Last is the last YES trade as a probability
func (m Market) Last() *float64 { return PriceAsFloat(m.LastPriceDollars, m.LastPrice) }

// VolumeOrZero returns the traded volume, zero when absent
func (m Market) VolumeOrZero() float64 {
	if m.Volume == nil {
		return 0
	}
	return *m.Volume
}

// Closes is the parsed close time
func (m Market) Closes() *time.Time { return ParseTime(m.CloseTime) }

// Expires is the parsed expiration time
func (m Market) Expires() *time.Time { return ParseTime(m.ExpirationTime) }

// Outcome maps a final market to its YES/NO result. ok is false until the market is
// settled, finalized or determined with a yes/no result.
func (m Market) Outcome() (yes bool, ok bool) {
	switch strings.ToLower(m.Status) {
	case "settled", "finalized", "determined":
	default:
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(m.Result)) {
	case "yes":
		return true, true
	case "no":
		return false, true
	}
	return false, false
}

// SettledAt picks settlement_ts, then expiration_time, then close_time, then fallback
func (m Market) SettledAt(fallback time.Time) time.Time {
	for _, raw := range []string{m.SettlementTS, m.ExpirationTime, m.CloseTime} {
		if t := ParseTime(raw); t != nil {
			return *t
		}
	}
	return fallback
}

// PriceAsFloat prefers the dollar string; otherwise it uses the cents value, dividing
// by 100 when it is above 1.
func PriceAsFloat(dollars string, cents *float64) *float64 {
	if s := strings.TrimSpace(dollars); s != "" {
		if d, err := decimal.NewFromString(s); err == nil {
			v, _ := d.Float64()
			return &v
		}
	}
	if cents == nil {
		return nil
	}
	v := *cents
	if v > 1 {
		v /= 100
	}
	return &v
}

// ParseTime parses an RFC 3339 timestamp, returning nil for empty or invalid input
func ParseTime(raw string) *time.Time {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
