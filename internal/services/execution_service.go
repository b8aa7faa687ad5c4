/**
 * @description
 * Paper execution engine.
 * Walks active published signals by edge magnitude, re-pricing each against the latest
 * quote, and records simulated fills under per-signal and daily notional budgets. At most
 * one open position exists per (market, mode, side); the partial unique index backs this up
 * when two runs race.
 *
 * @dependencies
 * - backend/internal/signals
 * - backend/internal/models
 * - gorm.io/gorm
 * - github.com/shopspring/decimal
 */

package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kalbot-project/backend/internal/config"
	"github.com/kalbot-project/backend/internal/db"
	"github.com/kalbot-project/backend/internal/logger"
	"github.com/kalbot-project/backend/internal/metrics"
	"github.com/kalbot-project/backend/internal/models"
	"github.com/kalbot-project/backend/internal/signals"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type ExecutionService struct {
	DB      *gorm.DB
	Config  *config.Config
	Metrics *metrics.Recorder
}

func NewExecutionService(db *gorm.DB, cfg *config.Config, rec *metrics.Recorder) *ExecutionService {
	return &ExecutionService{DB: db, Config: cfg, Metrics: rec}
}

// ExecutionSummary reports one paper execution pass
type ExecutionSummary struct {
	Mode            string  `json:"mode"`
	Skipped         bool    `json:"skipped,omitempty"`
	Considered      int     `json:"considered"`
	BelowThreshold  int     `json:"below_threshold"`
	AlreadyOpen     int     `json:"already_open"`
	OrdersPlaced    int     `json:"orders_placed"`
	SpentNotional   float64 `json:"spent_notional_usd"`
	RemainingBudget float64 `json:"remaining_budget_usd"`
}

type executionCandidate struct {
	signal    models.PublishedSignal
	marketYes float64
	edge      float64
}

// RunPaper places simulated orders for the active published set. It is a no-op
// outside paper mode.
func (s *ExecutionService) RunPaper(ctx context.Context, now time.Time) (ExecutionSummary, error) {
	t := s.Config.Trading
	summary := ExecutionSummary{Mode: t.ExecutionMode}
	if !s.Config.IsPaper() {
		summary.Skipped = true
		return summary, nil
	}

	candidates, err := s.candidates(ctx)
	if err != nil {
		return summary, err
	}
	summary.Considered = len(candidates)

	spentToday, placedToday, err := s.spentOn(ctx, now)
	if err != nil {
		return summary, err
	}
	remaining := t.MaxDailyNotionalUSD - spentToday
	runDate := now.UTC().Format(dateLayout)

	for _, c := range candidates {
		if remaining <= 0 {
			break
		}
		if math.Abs(c.edge) < t.EdgeThreshold {
			summary.BelowThreshold++
			continue
		}

		side, price := signals.EdgeToOrder(c.edge, c.marketYes)
		budget := math.Min(t.MaxNotionalPerSignalUSD, remaining)
		contracts := signals.ContractsForNotional(price, budget, t.MaxContractsPerOrder)
		if contracts <= 0 {
			continue
		}

		var open int64
		if err := s.DB.WithContext(ctx).Model(&models.Position{}).
			Where("market_ticker = ? AND execution_mode = ? AND side = ? AND status = ?",
				c.signal.MarketTicker, t.ExecutionMode, side, models.PositionStatusOpen).
			Count(&open).Error; err != nil {
			return summary, fmt.Errorf("failed to check open positions: %w", db.Classify(err))
		}
		if open > 0 {
			summary.AlreadyOpen++
			continue
		}

		signalID := c.signal.ID
		order := models.Order{
			ExternalRef:       fmt.Sprintf("paper-%s-%s-%d", runDate, c.signal.MarketTicker, placedToday+1),
			MarketTicker:      c.signal.MarketTicker,
			PublishedSignalID: &signalID,
			ExecutionMode:     t.ExecutionMode,
			Side:              side,
			Contracts:         contracts,
			LimitPrice:        decimal.NewFromFloat(price),
			Edge:              c.edge,
			Status:            models.OrderStatusFilled,
			PlacedAt:          now,
		}
		err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&order).Error; err != nil {
				return err
			}
			return tx.Create(&models.Position{
				OrderID:       order.ID,
				MarketTicker:  order.MarketTicker,
				ExecutionMode: order.ExecutionMode,
				Side:          side,
				Contracts:     contracts,
				EntryPrice:    order.LimitPrice,
				Status:        models.PositionStatusOpen,
				OpenedAt:      now,
			}).Error
		})
		if db.IsDuplicate(err) {
			summary.AlreadyOpen++
			continue
		}
		if err != nil {
			return summary, fmt.Errorf("failed to record paper fill: %w", db.Classify(err))
		}

		spent, _ := order.Notional().Float64()
		remaining -= spent
		summary.SpentNotional += spent
		summary.OrdersPlaced++
		placedToday++
		s.Metrics.RecordOrder(string(side))
	}

	summary.RemainingBudget = math.Max(0, remaining)
	logger.Info("Paper execution: orders=%d spent=$%.2f remaining=$%.2f",
		summary.OrdersPlaced, summary.SpentNotional, summary.RemainingBudget)
	return summary, nil
}

// candidates joins active signals to their trade decisions and re-prices each against
// the market's latest quote, ordered by |edge| then ticker.
func (s *ExecutionService) candidates(ctx context.Context) ([]executionCandidate, error) {
	var active []models.PublishedSignal
	if err := s.DB.WithContext(ctx).Where("is_active = ?", true).Find(&active).Error; err != nil {
		return nil, fmt.Errorf("failed to load active signals: %w", db.Classify(err))
	}
	if len(active) == 0 {
		return nil, nil
	}

	predictionIDs := make([]uint64, 0, len(active))
	tickers := make([]string, 0, len(active))
	for _, sig := range active {
		predictionIDs = append(predictionIDs, sig.PredictionID)
		tickers = append(tickers, sig.MarketTicker)
	}

	var decided []uint64
	if err := s.DB.WithContext(ctx).Model(&models.TradeDecision{}).
		Where("prediction_id IN ?", predictionIDs).
		Pluck("prediction_id", &decided).Error; err != nil {
		return nil, fmt.Errorf("failed to load trade decisions: %w", db.Classify(err))
	}
	hasDecision := make(map[uint64]bool, len(decided))
	for _, id := range decided {
		hasDecision[id] = true
	}

	var markets []models.Market
	if err := s.DB.WithContext(ctx).Where("market_ticker IN ?", tickers).Find(&markets).Error; err != nil {
		return nil, fmt.Errorf("failed to load markets: %w", db.Classify(err))
	}
	quotes := make(map[string]models.Market, len(markets))
	for _, m := range markets {
		quotes[m.Ticker] = m
	}

	out := make([]executionCandidate, 0, len(active))
	for _, sig := range active {
		if !hasDecision[sig.PredictionID] {
			continue
		}
		marketYes, ok := quotes[sig.MarketTicker].ImpliedYes()
		if !ok {
			marketYes = sig.ProbYes
		}
		out = append(out, executionCandidate{signal: sig, marketYes: marketYes, edge: sig.ProbYes - marketYes})
	}
	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := math.Abs(out[i].edge), math.Abs(out[j].edge)
		if ai != aj {
			return ai > aj
		}
		return out[i].signal.MarketTicker < out[j].signal.MarketTicker
	})
	return out, nil
}

// spentOn sums notional and counts orders already placed on now's UTC date in this mode
func (s *ExecutionService) spentOn(ctx context.Context, now time.Time) (float64, int, error) {
	start := dayStart(now)
	var orders []models.Order
	if err := s.DB.WithContext(ctx).
		Where("execution_mode = ? AND placed_at >= ? AND placed_at < ?", s.Config.Trading.ExecutionMode, start, start.AddDate(0, 0, 1)).
		Find(&orders).Error; err != nil {
		return 0, 0, fmt.Errorf("failed to load today's orders: %w", db.Classify(err))
	}
	total := decimal.Zero
	for _, o := range orders {
		total = total.Add(o.Notional())
	}
	spent, _ := total.Float64()
	return spent, len(orders), nil
}
