/**
 * @description
 * Read-side views for the API: paper trading performance, forecast accuracy and
 * input data quality. Aggregation happens in Go over plain row loads so the same
 * code runs on PostgreSQL and SQLite.
 *
 * @dependencies
 * - backend/internal/models
 * - gorm.io/gorm
 * - github.com/shopspring/decimal
 */

package services

import (
	"context"
	"fmt"
	"time"

	"github.com/kalbot-project/backend/internal/config"
	"github.com/kalbot-project/backend/internal/db"
	"github.com/kalbot-project/backend/internal/modeling"
	"github.com/kalbot-project/backend/internal/models"
	"github.com/kalbot-project/backend/internal/nws"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Data quality thresholds, in minutes
const (
	forecastStaleAfterMin    = 180.0
	observationStaleAfterMin = 180.0
	snapshotStaleAfterMin    = 30.0
	snapshotMaxAgeMin        = 60.0
)

// Data quality statuses
const (
	QualityGood     = "good"
	QualityDegraded = "degraded"
	QualityStale    = "stale"
)

type PerformanceService struct {
	DB     *gorm.DB
	Config *config.Config
}

func NewPerformanceService(db *gorm.DB, cfg *config.Config) *PerformanceService {
	return &PerformanceService{DB: db, Config: cfg}
}

func (s *PerformanceService) mode() string {
	return s.Config.Trading.ExecutionMode
}

// PerformanceSummary is the paper book at a glance
type PerformanceSummary struct {
	TotalOrders          int64   `json:"total_orders"`
	Orders24h            int64   `json:"orders_24h"`
	ApprovedDecisions24h int64   `json:"approved_decisions_24h"`
	OpenPositions        int64   `json:"open_positions"`
	Notional24hUSD       float64 `json:"notional_24h_usd"`
	OpenNotionalUSD      float64 `json:"open_notional_usd"`
	RealizedPnLUSD       float64 `json:"realized_pnl_usd"`
}

// Summary aggregates orders, decisions and positions for the configured execution mode
func (s *PerformanceService) Summary(ctx context.Context, now time.Time) (PerformanceSummary, error) {
	var out PerformanceSummary
	since := now.Add(-24 * time.Hour)
	q := s.DB.WithContext(ctx)

	if err := q.Model(&models.Order{}).Where("execution_mode = ?", s.mode()).Count(&out.TotalOrders).Error; err != nil {
		return out, fmt.Errorf("failed to count orders: %w", db.Classify(err))
	}
	if err := q.Model(&models.TradeDecision{}).
		Where("approved = ? AND decided_at >= ?", true, since).
		Count(&out.ApprovedDecisions24h).Error; err != nil {
		return out, fmt.Errorf("failed to count decisions: %w", db.Classify(err))
	}

	var recent []models.Order
	if err := q.Where("execution_mode = ? AND placed_at >= ?", s.mode(), since).Find(&recent).Error; err != nil {
		return out, fmt.Errorf("failed to load recent orders: %w", db.Classify(err))
	}
	notional := decimal.Zero
	for _, o := range recent {
		notional = notional.Add(o.Notional())
	}
	out.Orders24h = int64(len(recent))
	out.Notional24hUSD = notional.InexactFloat64()

	var positions []models.Position
	if err := q.Where("execution_mode = ?", s.mode()).Find(&positions).Error; err != nil {
		return out, fmt.Errorf("failed to load positions: %w", db.Classify(err))
	}
	open, realized := decimal.Zero, decimal.Zero
	for _, p := range positions {
		if p.Status == models.PositionStatusOpen {
			out.OpenPositions++
			open = open.Add(p.EntryPrice.Mul(decimal.NewFromInt(int64(p.Contracts))))
		}
		if p.RealizedPnL != nil {
			realized = realized.Add(*p.RealizedPnL)
		}
	}
	out.OpenNotionalUSD = open.InexactFloat64()
	out.RealizedPnLUSD = realized.InexactFloat64()
	return out, nil
}

// OrderDay is order flow for one UTC day
type OrderDay struct {
	Day         string  `json:"day"`
	Orders      int     `json:"orders"`
	NotionalUSD float64 `json:"notional_usd"`
}

// History returns one point per day for the last days days, including empty days
func (s *PerformanceService) History(ctx context.Context, days int, now time.Time) ([]OrderDay, error) {
	since := windowStart(now, days)
	var orders []models.Order
	if err := s.DB.WithContext(ctx).
		Where("execution_mode = ? AND placed_at >= ?", s.mode(), since).
		Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to load orders: %w", db.Classify(err))
	}

	counts := map[string]int{}
	notional := map[string]decimal.Decimal{}
	for _, o := range orders {
		d := o.PlacedAt.UTC().Format(dateLayout)
		counts[d]++
		notional[d] = notional[d].Add(o.Notional())
	}

	out := []OrderDay{}
	for _, d := range daysBetween(since, now) {
		out = append(out, OrderDay{Day: d, Orders: counts[d], NotionalUSD: notional[d].InexactFloat64()})
	}
	return out, nil
}

// AccuracySummary weights each day's scores by the markets it resolved
type AccuracySummary struct {
	WindowDays       int      `json:"window_days"`
	ResolvedMarkets  int      `json:"resolved_markets"`
	LatestMetricDate *string  `json:"latest_metric_date"`
	BrierScore       *float64 `json:"brier_score"`
	LogLoss          *float64 `json:"log_loss"`
	CalibrationError *float64 `json:"calibration_error"`
}

// Accuracy summarizes DailyMetric rows of the last days days
func (s *PerformanceService) Accuracy(ctx context.Context, days int, now time.Time) (AccuracySummary, error) {
	out := AccuracySummary{WindowDays: days}
	rows, err := s.metricRows(ctx, days, now)
	if err != nil {
		return out, err
	}

	var brier, logLoss, calibration float64
	for _, r := range rows {
		d := r.MetricDate
		if out.LatestMetricDate == nil || d > *out.LatestMetricDate {
			out.LatestMetricDate = &d
		}
		if r.ScoredCount == 0 {
			continue
		}
		n := float64(r.ScoredCount)
		out.ResolvedMarkets += r.ScoredCount
		brier += valueOr(r.BrierScore) * n
		logLoss += valueOr(r.LogLoss) * n
		calibration += valueOr(r.CalibrationError) * n
	}
	if out.ResolvedMarkets > 0 {
		n := float64(out.ResolvedMarkets)
		brier, logLoss, calibration = brier/n, logLoss/n, calibration/n
		out.BrierScore, out.LogLoss, out.CalibrationError = &brier, &logLoss, &calibration
	}
	return out, nil
}

// AccuracyDay is one day of the accuracy and P&L curve
type AccuracyDay struct {
	Day              string   `json:"day"`
	ResolvedMarkets  int      `json:"resolved_markets"`
	BrierScore       *float64 `json:"brier_score"`
	LogLoss          *float64 `json:"log_loss"`
	CalibrationError *float64 `json:"calibration_error"`
	GrossPnL         float64  `json:"gross_pnl"`
	NetPnL           float64  `json:"net_pnl"`
	MaxDrawdown      *float64 `json:"max_drawdown"`
}

// AccuracyHistory returns one point per day for the last days days; days with no
// metric row carry nil scores.
func (s *PerformanceService) AccuracyHistory(ctx context.Context, days int, now time.Time) ([]AccuracyDay, error) {
	rows, err := s.metricRows(ctx, days, now)
	if err != nil {
		return nil, err
	}
	byDay := make(map[string]models.DailyMetric, len(rows))
	for _, r := range rows {
		byDay[r.MetricDate] = r
	}

	out := []AccuracyDay{}
	for _, d := range daysBetween(windowStart(now, days), now) {
		r, ok := byDay[d]
		if !ok {
			out = append(out, AccuracyDay{Day: d})
			continue
		}
		dd := r.MaxDrawdown.InexactFloat64()
		out = append(out, AccuracyDay{
			Day:              d,
			ResolvedMarkets:  r.ScoredCount,
			BrierScore:       r.BrierScore,
			LogLoss:          r.LogLoss,
			CalibrationError: r.CalibrationError,
			GrossPnL:         r.GrossPnL.InexactFloat64(),
			NetPnL:           r.NetPnL.InexactFloat64(),
			MaxDrawdown:      &dd,
		})
	}
	return out, nil
}

func (s *PerformanceService) metricRows(ctx context.Context, days int, now time.Time) ([]models.DailyMetric, error) {
	var rows []models.DailyMetric
	if err := s.DB.WithContext(ctx).
		Where("execution_mode = ? AND metric_date >= ?", s.mode(), windowStart(now, days).Format(dateLayout)).
		Order("metric_date ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load daily metrics: %w", db.Classify(err))
	}
	return rows, nil
}

// RecentOrders lists the newest paper orders
func (s *PerformanceService) RecentOrders(ctx context.Context, limit int) ([]models.Order, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	orders := []models.Order{}
	if err := s.DB.WithContext(ctx).
		Where("execution_mode = ?", s.mode()).
		Order("placed_at DESC").
		Limit(limit).
		Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to load orders: %w", db.Classify(err))
	}
	return orders, nil
}

// DataQuality describes how fresh and complete the model inputs are
type DataQuality struct {
	TargetStations          int      `json:"target_stations"`
	StationsWithForecast6h  int      `json:"stations_with_forecast_6h"`
	ForecastRows24h         int64    `json:"forecast_rows_24h"`
	ObservationRows24h      int64    `json:"observation_rows_24h"`
	MarketRows24h           int64    `json:"market_rows_24h"`
	SnapshotRows24h         int64    `json:"snapshot_rows_24h"`
	LatestForecastAgeMin    *float64 `json:"latest_forecast_age_min"`
	LatestObservationAgeMin *float64 `json:"latest_observation_age_min"`
	LatestSnapshotAgeMin    *float64 `json:"latest_snapshot_age_min"`
	QualityScore            float64  `json:"quality_score"`
	Status                  string   `json:"status"`
}

// DataQuality scores freshness of forecasts, observations and quotes plus forecast
// coverage of the configured weather targets.
func (s *PerformanceService) DataQuality(ctx context.Context, now time.Time) (DataQuality, error) {
	out := DataQuality{TargetStations: max(1, len(nws.ParseTargets(s.Config.Weather.Targets)))}
	day := now.Add(-24 * time.Hour)
	q := s.DB.WithContext(ctx)

	counts := []struct {
		model  interface{}
		column string
		dest   *int64
	}{
		{&models.WeatherForecast{}, "created_at", &out.ForecastRows24h},
		{&models.WeatherObservation{}, "created_at", &out.ObservationRows24h},
		{&models.Market{}, "updated_at", &out.MarketRows24h},
		{&models.MarketSnapshot{}, "captured_at", &out.SnapshotRows24h},
	}
	for _, c := range counts {
		if err := q.Model(c.model).Where(c.column+" >= ?", day).Count(c.dest).Error; err != nil {
			return out, fmt.Errorf("failed to count rows: %w", db.Classify(err))
		}
	}

	var stations []string
	if err := q.Model(&models.WeatherForecast{}).
		Where("created_at >= ?", now.Add(-6*time.Hour)).
		Distinct().Pluck("station_id", &stations).Error; err != nil {
		return out, fmt.Errorf("failed to count forecast stations: %w", db.Classify(err))
	}
	out.StationsWithForecast6h = len(stations)

	var err error
	if out.LatestForecastAgeMin, err = latestAgeMinutes(q, &models.WeatherForecast{}, "created_at", now); err != nil {
		return out, err
	}
	if out.LatestObservationAgeMin, err = latestAgeMinutes(q, &models.WeatherObservation{}, "created_at", now); err != nil {
		return out, err
	}
	if out.LatestSnapshotAgeMin, err = latestAgeMinutes(q, &models.MarketSnapshot{}, "captured_at", now); err != nil {
		return out, err
	}

	coverage := modeling.Clamp(float64(out.StationsWithForecast6h)/float64(out.TargetStations), 0, 1)
	freshness := (freshnessComponent(out.LatestForecastAgeMin, forecastStaleAfterMin) +
		freshnessComponent(out.LatestObservationAgeMin, observationStaleAfterMin) +
		freshnessComponent(out.LatestSnapshotAgeMin, snapshotStaleAfterMin)) / 3
	out.QualityScore = decimal.NewFromFloat(0.55*freshness + 0.45*coverage).Round(4).InexactFloat64()
	out.Status = qualityStatus(out.QualityScore, out.LatestSnapshotAgeMin)
	return out, nil
}

func qualityStatus(score float64, snapshotAgeMin *float64) string {
	switch {
	case score < 0.45 || snapshotAgeMin == nil || *snapshotAgeMin > snapshotMaxAgeMin:
		return QualityStale
	case score < 0.75:
		return QualityDegraded
	}
	return QualityGood
}

// freshnessComponent decays linearly from 1 at age 0 to 0 at the threshold
func freshnessComponent(ageMin *float64, thresholdMin float64) float64 {
	if ageMin == nil {
		return 0
	}
	return modeling.Clamp(1-*ageMin/thresholdMin, 0, 1)
}

// latestAgeMinutes loads the newest timestamp of column; nil when the table is empty
func latestAgeMinutes(q *gorm.DB, model interface{}, column string, now time.Time) (*float64, error) {
	latest, err := latestTime(q, model, column)
	if err != nil {
		return nil, err
	}
	return ageSince(latest, now), nil
}

func windowStart(now time.Time, days int) time.Time {
	if days < 1 {
		days = 1
	}
	return dayStart(now).AddDate(0, 0, -(days - 1))
}

func daysBetween(from, to time.Time) []string {
	var out []string
	end := dayStart(to)
	for d := dayStart(from); !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d.Format(dateLayout))
	}
	return out
}

func valueOr(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
