/**
 * @description
 * Settlement reconciliation and daily metrics.
 * Resolves finished markets against Kalshi, closes open positions at the settlement
 * payout, and rebuilds the DailyMetric rows for every date touched. Re-running with no
 * new upstream data leaves every row unchanged.
 *
 * @dependencies
 * - backend/internal/kalshi
 * - backend/internal/history: prediction lookups as of settlement time
 * - backend/internal/modeling
 * - gorm.io/gorm
 * - github.com/shopspring/decimal
 */

package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/kalbot-project/backend/internal/config"
	"github.com/kalbot-project/backend/internal/db"
	"github.com/kalbot-project/backend/internal/history"
	"github.com/kalbot-project/backend/internal/kalshi"
	"github.com/kalbot-project/backend/internal/logger"
	"github.com/kalbot-project/backend/internal/metrics"
	"github.com/kalbot-project/backend/internal/modeling"
	"github.com/kalbot-project/backend/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxSettlementChecks bounds the markets fetched per pass
const maxSettlementChecks = 400

// MarketFetcher is the slice of the Kalshi client reconciliation needs
type MarketFetcher interface {
	GetMarket(ctx context.Context, ticker string) (*kalshi.Market, error)
}

type SettlementService struct {
	DB      *gorm.DB
	Kalshi  MarketFetcher
	Config  *config.Config
	Metrics *metrics.Recorder
}

func NewSettlementService(db *gorm.DB, k MarketFetcher, cfg *config.Config, rec *metrics.Recorder) *SettlementService {
	return &SettlementService{DB: db, Kalshi: k, Config: cfg, Metrics: rec}
}

// ReconcileSummary reports one reconciliation pass
type ReconcileSummary struct {
	Checked           int `json:"checked"`
	Settled           int `json:"settled"`
	ClosedPositions   int `json:"closed_positions"`
	MetricDaysWritten int `json:"metric_days_written"`
	FetchFailures     int `json:"fetch_failures"`
}

// Reconcile settles finished markets, closes their positions and rebuilds the metric
// rows for every affected date.
func (s *SettlementService) Reconcile(ctx context.Context, runDate, now time.Time) (ReconcileSummary, error) {
	var summary ReconcileSummary

	pending, err := s.pendingMarkets(ctx, now)
	if err != nil {
		return summary, err
	}
	summary.Checked = len(pending)

	touched := map[string]bool{}
	for _, m := range pending {
		remote, err := s.Kalshi.GetMarket(ctx, m.Ticker)
		if err != nil {
			if !errors.Is(err, kalshi.ErrMarketNotFound) {
				summary.FetchFailures++
			}
			logger.Debug("Settlement fetch for %s failed: %v", m.Ticker, err)
			continue
		}
		yes, ok := remote.Outcome()
		if !ok {
			continue
		}
		settledAt := remote.SettledAt(now).UTC()
		if err := s.recordSettlement(ctx, m.Ticker, remote, yes, settledAt); err != nil {
			return summary, err
		}
		summary.Settled++
		touched[settledAt.Format(dateLayout)] = true
	}
	s.Metrics.RecordFetchFailure("kalshi", summary.FetchFailures)
	s.Metrics.RecordSettlements(summary.Settled)

	closedDates, err := s.closeSettledPositions(ctx)
	if err != nil {
		return summary, err
	}
	for _, d := range closedDates {
		touched[d] = true
	}
	summary.ClosedPositions = len(closedDates)
	if summary.ClosedPositions > 0 {
		touched[runDate.UTC().Format(dateLayout)] = true
	}

	dates := make([]string, 0, len(touched))
	for d := range touched {
		dates = append(dates, d)
	}
	written, err := s.RecomputeDailyMetrics(ctx, dates)
	if err != nil {
		return summary, err
	}
	summary.MetricDaysWritten = written

	logger.Info("Reconcile: checked=%d settled=%d closed=%d metric_days=%d failures=%d",
		summary.Checked, summary.Settled, summary.ClosedPositions, summary.MetricDaysWritten, summary.FetchFailures)
	return summary, nil
}

// pendingMarkets are unsettled low temperature markets that are past close or that
// carry predictions or positions, earliest settle/close first with undated ones leading.
func (s *SettlementService) pendingMarkets(ctx context.Context, now time.Time) ([]models.Market, error) {
	settled := s.DB.Model(&models.Settlement{}).Select("market_ticker")
	predicted := s.DB.Model(&models.Prediction{}).Select("market_ticker")
	held := s.DB.Model(&models.Position{}).Select("market_ticker")

	var markets []models.Market
	err := s.DB.WithContext(ctx).
		Where("market_ticker LIKE ?", s.Config.Kalshi.SeriesPrefix+"%").
		Where("market_ticker NOT IN (?)", settled).
		Where(s.DB.Where("close_time <= ?", now).
			Or("settle_time <= ?", now).
			Or("market_ticker IN (?)", predicted).
			Or("market_ticker IN (?)", held)).
		Find(&markets).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load unsettled markets: %w", db.Classify(err))
	}

	due := func(m models.Market) *time.Time {
		if m.SettleTime != nil {
			return m.SettleTime
		}
		return m.CloseTime
	}
	sort.SliceStable(markets, func(i, j int) bool {
		a, b := due(markets[i]), due(markets[j])
		switch {
		case a == nil && b == nil:
			return markets[i].Ticker < markets[j].Ticker
		case a == nil:
			return true
		case b == nil:
			return false
		case !a.Equal(*b):
			return a.Before(*b)
		}
		return markets[i].Ticker < markets[j].Ticker
	})
	if len(markets) > maxSettlementChecks {
		markets = markets[:maxSettlementChecks]
	}
	return markets, nil
}

func (s *SettlementService) recordSettlement(ctx context.Context, ticker string, remote *kalshi.Market, yes bool, settledAt time.Time) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := models.Settlement{
			MarketTicker: ticker,
			OutcomeYes:   yes,
			Result:       remote.Result,
			Status:       remote.Status,
			SettledAt:    settledAt,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "market_ticker"}},
			DoUpdates: clause.AssignmentColumns([]string{"outcome_yes", "result", "status", "settled_at"}),
		}).Create(&row).Error; err != nil {
			return err
		}
		return tx.Model(&models.Market{}).
			Where("market_ticker = ?", ticker).
			Updates(map[string]interface{}{"settle_time": settledAt, "status": remote.Status}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to record settlement for %s: %w", ticker, db.Classify(err))
	}
	return nil
}

// closeSettledPositions closes every open position whose market has a settlement and
// returns the closing date of each one closed.
func (s *SettlementService) closeSettledPositions(ctx context.Context) ([]string, error) {
	var open []models.Position
	err := s.DB.WithContext(ctx).
		Where("status = ?", models.PositionStatusOpen).
		Where("market_ticker IN (?)", s.DB.Model(&models.Settlement{}).Select("market_ticker")).
		Find(&open).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load open positions: %w", db.Classify(err))
	}
	if len(open) == 0 {
		return nil, nil
	}

	tickers := make([]string, 0, len(open))
	for _, p := range open {
		tickers = append(tickers, p.MarketTicker)
	}
	var settlements []models.Settlement
	if err := s.DB.WithContext(ctx).Where("market_ticker IN ?", tickers).Find(&settlements).Error; err != nil {
		return nil, fmt.Errorf("failed to load settlements: %w", db.Classify(err))
	}
	byTicker := make(map[string]models.Settlement, len(settlements))
	for _, st := range settlements {
		byTicker[st.MarketTicker] = st
	}

	var dates []string
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range open {
			st, ok := byTicker[p.MarketTicker]
			if !ok {
				continue
			}
			pnl := p.SettlementPnL(st.OutcomeYes)
			closedAt := st.SettledAt.UTC()
			res := tx.Model(&models.Position{}).
				Where("id = ? AND status = ?", p.ID, models.PositionStatusOpen).
				Updates(map[string]interface{}{
					"status":       models.PositionStatusClosed,
					"realized_pnl": pnl,
					"closed_at":    closedAt,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				dates = append(dates, closedAt.Format(dateLayout))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to close positions: %w", db.Classify(err))
	}
	return dates, nil
}

// RecomputeDailyMetrics rebuilds the metric row of each date for every execution mode
// seen in positions plus the configured one. It returns the number of rows written.
func (s *SettlementService) RecomputeDailyMetrics(ctx context.Context, dates []string) (int, error) {
	if len(dates) == 0 {
		return 0, nil
	}
	sort.Strings(dates)

	modes, err := s.executionModes(ctx)
	if err != nil {
		return 0, err
	}

	var written int
	var latest models.DailyMetric
	for _, date := range dates {
		day, err := time.Parse(dateLayout, date)
		if err != nil {
			return written, fmt.Errorf("invalid metric date %q: %w", date, err)
		}
		scores, err := s.scoreDay(ctx, day)
		if err != nil {
			return written, err
		}
		brier, logLoss, calibration := scores.Means()

		for _, mode := range modes {
			pnl, closed, drawdown, err := s.pnlThrough(ctx, mode, day)
			if err != nil {
				return written, err
			}
			row := models.DailyMetric{
				MetricDate:       date,
				ExecutionMode:    mode,
				ScoredCount:      scores.Count(),
				BrierScore:       brier,
				LogLoss:          logLoss,
				CalibrationError: calibration,
				ClosedPositions:  closed,
				GrossPnL:         pnl,
				NetPnL:           pnl,
				MaxDrawdown:      drawdown,
			}
			if err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "metric_date"}, {Name: "execution_mode"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"scored_count", "brier_score", "log_loss", "calibration_error",
					"closed_positions", "gross_pnl", "net_pnl", "max_drawdown", "updated_at",
				}),
			}).Create(&row).Error; err != nil {
				return written, fmt.Errorf("failed to upsert daily metric: %w", db.Classify(err))
			}
			written++
			if mode == s.Config.Trading.ExecutionMode {
				latest = row
			}
		}
	}

	net, _ := latest.NetPnL.Float64()
	s.Metrics.RecordDailyMetric(latest.ExecutionMode, latest.BrierScore, net)
	return written, nil
}

func (s *SettlementService) executionModes(ctx context.Context) ([]string, error) {
	var modes []string
	if err := s.DB.WithContext(ctx).Model(&models.Position{}).
		Distinct().Pluck("execution_mode", &modes).Error; err != nil {
		return nil, fmt.Errorf("failed to load execution modes: %w", db.Classify(err))
	}
	seen := map[string]bool{}
	out := []string{}
	for _, m := range append([]string{s.Config.Trading.ExecutionMode}, modes...) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out, nil
}

// scoreDay scores, for each market settled on day, the latest prediction made at or
// before its settlement.
func (s *SettlementService) scoreDay(ctx context.Context, day time.Time) (*modeling.ScoreAccumulator, error) {
	acc := &modeling.ScoreAccumulator{}

	var settlements []models.Settlement
	if err := s.DB.WithContext(ctx).
		Where("settled_at >= ? AND settled_at < ?", day, day.AddDate(0, 0, 1)).
		Find(&settlements).Error; err != nil {
		return nil, fmt.Errorf("failed to load settlements: %w", db.Classify(err))
	}
	if len(settlements) == 0 {
		return acc, nil
	}

	tickers := make([]string, 0, len(settlements))
	for _, st := range settlements {
		tickers = append(tickers, st.MarketTicker)
	}
	var predictions []models.Prediction
	if err := s.DB.WithContext(ctx).
		Where("market_ticker IN ?", tickers).
		Order("id ASC").
		Find(&predictions).Error; err != nil {
		return nil, fmt.Errorf("failed to load predictions: %w", db.Classify(err))
	}
	ix := history.Build(predictions,
		func(p models.Prediction) string { return p.MarketTicker },
		func(p models.Prediction) time.Time { return p.PredictedAt })

	for _, st := range settlements {
		p, ok := ix.Latest(st.MarketTicker, st.SettledAt)
		if !ok {
			continue
		}
		acc.Add(p.ProbYes, st.OutcomeYes)
	}
	return acc, nil
}

// pnlThrough returns realized P&L and closed count for day, and the max drawdown of the
// cumulative daily P&L curve from the first close through day.
func (s *SettlementService) pnlThrough(ctx context.Context, mode string, day time.Time) (decimal.Decimal, int, decimal.Decimal, error) {
	end := day.AddDate(0, 0, 1)
	var closed []models.Position
	if err := s.DB.WithContext(ctx).
		Where("execution_mode = ? AND status = ? AND closed_at < ?", mode, models.PositionStatusClosed, end).
		Find(&closed).Error; err != nil {
		return decimal.Zero, 0, decimal.Zero, fmt.Errorf("failed to load closed positions: %w", db.Classify(err))
	}

	byDay := map[string]decimal.Decimal{}
	dayPnL := decimal.Zero
	dayCount := 0
	target := day.Format(dateLayout)
	for _, p := range closed {
		if p.ClosedAt == nil || p.RealizedPnL == nil {
			continue
		}
		d := p.ClosedAt.UTC().Format(dateLayout)
		byDay[d] = byDay[d].Add(*p.RealizedPnL)
		if d == target {
			dayPnL = dayPnL.Add(*p.RealizedPnL)
			dayCount++
		}
	}
	return dayPnL, dayCount, maxDrawdown(byDay), nil
}

// maxDrawdown walks daily P&L in date order and returns the largest fall of the
// cumulative curve below its running peak. The peak is the running maximum of the
// curve itself, so it starts at the first day's equity.
func maxDrawdown(byDay map[string]decimal.Decimal) decimal.Decimal {
	days := make([]string, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Strings(days)

	cum, peak, worst := decimal.Zero, decimal.Zero, decimal.Zero
	for i, d := range days {
		cum = cum.Add(byDay[d])
		if i == 0 || cum.GreaterThan(peak) {
			peak = cum
		}
		if dd := peak.Sub(cum); dd.GreaterThan(worst) {
			worst = dd
		}
	}
	return worst
}
