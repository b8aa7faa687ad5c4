/**
 * @description
 * Data provenance view: where each input comes from, how fresh it is, and per city
 * whether quotes and forecasts are recent enough to price markets.
 *
 * @dependencies
 * - backend/internal/modeling: city codes, names and station candidates
 * - gorm.io/gorm
 */

package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kalbot-project/backend/internal/db"
	"github.com/kalbot-project/backend/internal/modeling"
	"github.com/kalbot-project/backend/internal/models"
	"gorm.io/gorm"
)

// Provenance source keys
const (
	SourceWeatherNWS   = "weather_nws"
	SourceKalshiMarket = "kalshi_market_data"
)

// City coverage statuses
const (
	CoverageModelReady   = "model_ready"
	CoverageMarketOnly   = "market_only"
	CoverageDegraded     = "degraded"
	CoverageStaleMarket  = "stale_market"
	CoverageStaleWeather = "stale_weather"
)

// SourceProvenance is the freshness of one upstream feed
type SourceProvenance struct {
	SourceKey    string     `json:"source_key"`
	Mode         string     `json:"mode"`
	Status       string     `json:"status"`
	LastEventUTC *time.Time `json:"last_event_utc"`
	Note         string     `json:"note"`
}

// CityProvenance is the input coverage for one city's low temperature markets
type CityProvenance struct {
	CityCode             string   `json:"city_code"`
	CityName             string   `json:"city_name"`
	OpenMarketCount      int      `json:"open_market_count"`
	HasActiveSignal      bool     `json:"has_active_signal"`
	LatestSnapshotAgeMin *float64 `json:"latest_snapshot_age_min"`
	LatestForecastAgeMin *float64 `json:"latest_forecast_age_min"`
	CoverageStatus       string   `json:"coverage_status"`
}

type ProvenanceSnapshot struct {
	GeneratedAtUTC time.Time          `json:"generated_at_utc"`
	Sources        []SourceProvenance `json:"sources"`
	Cities         []CityProvenance   `json:"cities"`
}

// Provenance reports per-source freshness and per-city coverage at now
func (s *PerformanceService) Provenance(ctx context.Context, now time.Time) (ProvenanceSnapshot, error) {
	out := ProvenanceSnapshot{GeneratedAtUTC: now.UTC()}

	sources, err := s.sourceProvenance(ctx, now)
	if err != nil {
		return out, err
	}
	out.Sources = sources

	cities, err := s.cityProvenance(ctx, now)
	if err != nil {
		return out, err
	}
	out.Cities = cities
	return out, nil
}

func (s *PerformanceService) sourceProvenance(ctx context.Context, now time.Time) ([]SourceProvenance, error) {
	feeds := []struct {
		key         string
		model       interface{}
		column      string
		good, worse float64
		note        string
	}{
		{SourceWeatherNWS, &models.WeatherForecast{}, "created_at", 180, 360, "NOAA/NWS forecasts and observations"},
		{SourceKalshiMarket, &models.MarketSnapshot{}, "captured_at", 10, 30, "Kalshi weather market snapshots"},
	}

	out := make([]SourceProvenance, 0, len(feeds))
	for _, f := range feeds {
		last, err := latestTime(s.DB.WithContext(ctx), f.model, f.column)
		if err != nil {
			return nil, err
		}
		out = append(out, SourceProvenance{
			SourceKey:    f.key,
			Mode:         "real",
			Status:       freshStatus(ageSince(last, now), f.good, f.worse),
			LastEventUTC: last,
			Note:         f.note,
		})
	}
	return out, nil
}

func (s *PerformanceService) cityProvenance(ctx context.Context, now time.Time) ([]CityProvenance, error) {
	q := s.DB.WithContext(ctx)

	var markets []models.Market
	if err := q.Select("market_ticker", "close_time").
		Where("market_ticker LIKE ?", s.Config.Kalshi.SeriesPrefix+"%").
		Find(&markets).Error; err != nil {
		return nil, fmt.Errorf("failed to load markets: %w", db.Classify(err))
	}

	var active []string
	if err := q.Model(&models.PublishedSignal{}).Where("is_active = ?", true).
		Distinct().Pluck("market_ticker", &active).Error; err != nil {
		return nil, fmt.Errorf("failed to load active signals: %w", db.Classify(err))
	}
	activeCities := map[string]bool{}
	for _, t := range active {
		if code, ok := modeling.CityCodeFromTicker(t); ok {
			activeCities[code] = true
		}
	}

	type cityMarkets struct {
		tickers []string
		open    int
	}
	byCity := map[string]*cityMarkets{}
	for _, m := range markets {
		code, ok := modeling.CityCodeFromTicker(m.Ticker)
		if !ok {
			continue
		}
		cm := byCity[code]
		if cm == nil {
			cm = &cityMarkets{}
			byCity[code] = cm
		}
		cm.tickers = append(cm.tickers, m.Ticker)
		if m.CloseTime == nil || m.CloseTime.After(now) {
			cm.open++
		}
	}

	out := make([]CityProvenance, 0, len(byCity))
	for code, cm := range byCity {
		snapshotAt, err := latestTime(q.Where("market_ticker IN ?", cm.tickers), &models.MarketSnapshot{}, "captured_at")
		if err != nil {
			return nil, err
		}
		forecastAt, err := latestTime(q.Where("station_id IN ?", modeling.StationCandidates(code)), &models.WeatherForecast{}, "created_at")
		if err != nil {
			return nil, err
		}
		snapshotAge, forecastAge := ageSince(snapshotAt, now), ageSince(forecastAt, now)
		out = append(out, CityProvenance{
			CityCode:             code,
			CityName:             modeling.CityName(code),
			OpenMarketCount:      cm.open,
			HasActiveSignal:      activeCities[code],
			LatestSnapshotAgeMin: snapshotAge,
			LatestForecastAgeMin: forecastAge,
			CoverageStatus:       cityCoverageStatus(snapshotAge, forecastAge),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenMarketCount != out[j].OpenMarketCount {
			return out[i].OpenMarketCount > out[j].OpenMarketCount
		}
		return out[i].CityCode < out[j].CityCode
	})
	return out, nil
}

// freshStatus grades an age in minutes; a missing feed is stale
func freshStatus(ageMin *float64, goodMax, degradedMax float64) string {
	switch {
	case ageMin == nil:
		return QualityStale
	case *ageMin <= goodMax:
		return QualityGood
	case *ageMin <= degradedMax:
		return QualityDegraded
	}
	return QualityStale
}

// cityCoverageStatus says whether a city has both quotes and forecasts fresh enough
// to be priced
func cityCoverageStatus(snapshotAgeMin, forecastAgeMin *float64) string {
	switch {
	case snapshotAgeMin == nil || *snapshotAgeMin > snapshotMaxAgeMin:
		return CoverageStaleMarket
	case forecastAgeMin == nil:
		return CoverageMarketOnly
	case *forecastAgeMin <= 180 && *snapshotAgeMin <= 30:
		return CoverageModelReady
	case *forecastAgeMin <= 360:
		return CoverageDegraded
	}
	return CoverageStaleWeather
}

func latestTime(q *gorm.DB, model interface{}, column string) (*time.Time, error) {
	var latest []time.Time
	if err := q.Model(model).Order(column+" DESC").Limit(1).Pluck(column, &latest).Error; err != nil {
		return nil, fmt.Errorf("failed to load latest %s: %w", column, db.Classify(err))
	}
	if len(latest) == 0 {
		return nil, nil
	}
	t := latest[0].UTC()
	return &t, nil
}

// ageSince is minutes from t to now, never negative
func ageSince(t *time.Time, now time.Time) *float64 {
	if t == nil {
		return nil
	}
	age := math.Max(0, now.Sub(*t).Minutes())
	return &age
}
