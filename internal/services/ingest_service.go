/**
 * @description
 * Service layer for market and weather ingestion.
 * Pulls low temperature markets from Kalshi and hourly forecasts plus latest observations
 * from the NWS, then upserts them into Postgres. Every market pass also appends a quote
 * snapshot so later stages can look prices up as of any time.
 *
 * @dependencies
 * - backend/internal/kalshi
 * - backend/internal/nws
 * - backend/internal/db
 * - backend/internal/models
 * - gorm.io/gorm
 */

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalbot-project/backend/internal/config"
	"github.com/kalbot-project/backend/internal/db"
	"github.com/kalbot-project/backend/internal/kalshi"
	"github.com/kalbot-project/backend/internal/logger"
	"github.com/kalbot-project/backend/internal/metrics"
	"github.com/kalbot-project/backend/internal/modeling"
	"github.com/kalbot-project/backend/internal/models"
	"github.com/kalbot-project/backend/internal/nws"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const forecastSourceNWSHourly = "nws_hourly"

// ErrNoWeatherTargets is returned when neither config nor markets yield a target
var ErrNoWeatherTargets = errors.New("no weather targets configured")

type IngestService struct {
	DB      *gorm.DB
	Kalshi  *kalshi.Client
	NWS     *nws.Client
	Config  *config.Config
	Metrics *metrics.Recorder
}

func NewIngestService(db *gorm.DB, kalshiClient *kalshi.Client, nwsClient *nws.Client, cfg *config.Config, rec *metrics.Recorder) *IngestService {
	return &IngestService{
		DB:      db,
		Kalshi:  kalshiClient,
		NWS:     nwsClient,
		Config:  cfg,
		Metrics: rec,
	}
}

// MarketIngestSummary reports one market ingestion pass
type MarketIngestSummary struct {
	SeriesScanned    int      `json:"series_scanned"`
	MarketsUpserted  int      `json:"markets_upserted"`
	SnapshotsWritten int      `json:"snapshots_written"`
	SeriesFailures   []string `json:"series_failures,omitempty"`
}

// IngestMarkets scans low temperature series and upserts their open markets
func (s *IngestService) IngestMarkets(ctx context.Context, now time.Time) (MarketIngestSummary, error) {
	var summary MarketIngestSummary
	cfg := s.Config.Kalshi

	series, err := s.Kalshi.WeatherSeries(ctx, cfg.WeatherCategory, cfg.SeriesPrefix, cfg.SeriesPageSize, cfg.SeriesLimit)
	if err != nil {
		s.Metrics.RecordFetchFailure("kalshi", 1)
		return summary, fmt.Errorf("failed to list kalshi series: %w", err)
	}
	summary.SeriesScanned = len(series)

	for _, ticker := range series {
		page, err := s.Kalshi.ListMarkets(ctx, kalshi.ListMarketsParams{
			SeriesTicker: ticker,
			Status:       "open",
			Limit:        cfg.MarketsPerSeries,
		})
		if err != nil {
			s.Metrics.RecordFetchFailure("kalshi", 1)
			summary.SeriesFailures = append(summary.SeriesFailures, fmt.Sprintf("%s: %v", ticker, err))
			continue
		}

		markets, snapshots := toMarketRows(ticker, page.Markets, now)
		if len(markets) == 0 {
			continue
		}
		if err := s.upsertMarkets(ctx, markets, snapshots); err != nil {
			return summary, err
		}
		summary.MarketsUpserted += len(markets)
		summary.SnapshotsWritten += len(snapshots)
	}

	logger.Info("Kalshi ingest: series=%d markets=%d failures=%d",
		summary.SeriesScanned, summary.MarketsUpserted, len(summary.SeriesFailures))
	return summary, nil
}

func toMarketRows(seriesTicker string, in []kalshi.Market, now time.Time) ([]models.Market, []models.MarketSnapshot) {
	markets := make([]models.Market, 0, len(in))
	snapshots := make([]models.MarketSnapshot, 0, len(in))
	seen := map[string]bool{}
	for _, km := range in {
		if km.Ticker == "" || km.EventTicker == "" || seen[km.Ticker] {
			continue
		}
		seen[km.Ticker] = true

		title := km.Title
		if title == "" {
			title = km.Ticker
		}
		quotedAt := now
		m := models.Market{
			Ticker:         km.Ticker,
			EventTicker:    km.EventTicker,
			SeriesTicker:   seriesTicker,
			Title:          title,
			Subtitle:       km.Subtitle,
			Status:         strings.ToLower(km.Status),
			CloseTime:      km.Closes(),
			ExpirationTime: km.Expires(),
			YesBid:         km.Bid(),
			YesAsk:         km.Ask(),
			LastPrice:      km.Last(),
			Volume:         km.VolumeOrZero(),
			QuotedAt:       &quotedAt,
		}
		markets = append(markets, m)
		snapshots = append(snapshots, models.MarketSnapshot{
			MarketTicker: m.Ticker,
			YesBid:       m.YesBid,
			YesAsk:       m.YesAsk,
			LastPrice:    m.LastPrice,
			Volume:       m.Volume,
			CapturedAt:   now,
		})
	}
	return markets, snapshots
}

func (s *IngestService) upsertMarkets(ctx context.Context, markets []models.Market, snapshots []models.MarketSnapshot) error {
	err := db.WithRetry(ctx, 5, func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "market_ticker"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"event_ticker",
					"series_ticker",
					"title",
					"subtitle",
					"status",
					"close_time",
					"expiration_time",
					"yes_bid",
					"yes_ask",
					"last_price",
					"volume",
					"quoted_at",
					"updated_at",
				}),
			}).CreateInBatches(markets, 100).Error; err != nil {
				return err
			}
			return tx.CreateInBatches(snapshots, 100).Error
		})
	})
	if err != nil {
		return fmt.Errorf("failed to upsert markets: %w", db.Classify(err))
	}
	return nil
}

// WeatherIngestSummary reports one weather ingestion pass
type WeatherIngestSummary struct {
	TargetsAttempted int      `json:"targets_attempted"`
	TargetsSucceeded int      `json:"targets_succeeded"`
	ForecastRows     int      `json:"forecast_rows_written"`
	ObservationRows  int      `json:"observation_rows_written"`
	TargetFailures   []string `json:"target_failures,omitempty"`
}

// IngestWeather pulls forecasts and observations for configured targets plus every
// low temperature city that has a market.
func (s *IngestService) IngestWeather(ctx context.Context, now time.Time) (WeatherIngestSummary, error) {
	var summary WeatherIngestSummary

	targets, err := s.weatherTargets(ctx)
	if err != nil {
		return summary, err
	}
	if len(targets) == 0 {
		return summary, ErrNoWeatherTargets
	}
	summary.TargetsAttempted = len(targets)

	for _, target := range targets {
		forecasts, observations, err := s.fetchTarget(ctx, target, now)
		if err != nil {
			s.Metrics.RecordFetchFailure("nws", 1)
			summary.TargetFailures = append(summary.TargetFailures, fmt.Sprintf("%s: %v", target.Name, err))
			continue
		}
		if err := s.upsertWeather(ctx, forecasts, observations); err != nil {
			return summary, err
		}
		summary.TargetsSucceeded++
		summary.ForecastRows += len(forecasts)
		summary.ObservationRows += len(observations)
	}

	logger.Info("Weather ingest: targets=%d ok=%d forecasts=%d observations=%d",
		summary.TargetsAttempted, summary.TargetsSucceeded, summary.ForecastRows, summary.ObservationRows)
	return summary, nil
}

func (s *IngestService) weatherTargets(ctx context.Context) ([]nws.Target, error) {
	targets := nws.ParseTargets(s.Config.Weather.Targets)
	byName := map[string]bool{}
	for _, t := range targets {
		byName[strings.ToLower(t.Name)] = true
	}

	var tickers []string
	err := s.DB.WithContext(ctx).Model(&models.Market{}).
		Where("market_ticker LIKE ?", s.Config.Kalshi.SeriesPrefix+"%").
		Distinct().Pluck("market_ticker", &tickers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load market cities: %w", db.Classify(err))
	}

	for _, ticker := range tickers {
		code, ok := modeling.CityCodeFromTicker(ticker)
		if !ok {
			continue
		}
		name := strings.ToLower(code)
		if byName[name] {
			continue
		}
		coords, ok := modeling.CityCoordinates(code)
		if !ok {
			continue
		}
		byName[name] = true
		targets = append(targets, nws.Target{Name: name, Latitude: coords.Latitude, Longitude: coords.Longitude})
	}
	return targets, nil
}

func (s *IngestService) fetchTarget(ctx context.Context, target nws.Target, now time.Time) ([]models.WeatherForecast, []models.WeatherObservation, error) {
	point, err := s.NWS.Point(ctx, target.Latitude, target.Longitude)
	if err != nil {
		return nil, nil, err
	}
	station, err := s.NWS.FirstStation(ctx, point.ObservationStationsURL, target.Name)
	if err != nil {
		return nil, nil, err
	}
	forecast, err := s.NWS.HourlyForecast(ctx, point.ForecastHourlyURL, s.Config.Weather.ForecastHours)
	if err != nil {
		return nil, nil, err
	}
	obs, err := s.NWS.LatestObservation(ctx, station.ObservationURL)
	if err != nil {
		return nil, nil, err
	}

	var forecasts []models.WeatherForecast
	add := func(p nws.Period, metric string, value float64, unit string) {
		forecasts = append(forecasts, models.WeatherForecast{
			Source:    forecastSourceNWSHourly,
			StationID: station.ID,
			IssuedAt:  forecast.GeneratedAt,
			ValidAt:   p.StartTime,
			Metric:    metric,
			Value:     value,
			Unit:      unit,
		})
	}
	for _, p := range forecast.Periods {
		add(p, models.MetricTemperature, p.Temperature, p.Unit)
		if p.PrecipPct != nil {
			add(p, models.MetricPrecipProbability, *p.PrecipPct, "percent")
		}
		if p.HumidityPct != nil {
			add(p, models.MetricRelativeHumidity, *p.HumidityPct, "percent")
		}
		if p.WindSpeedMPH != nil {
			add(p, models.MetricWindSpeed, *p.WindSpeedMPH, "mph")
		}
	}

	observations := make([]models.WeatherObservation, 0, len(obs.Values))
	for metric, m := range obs.Values {
		observations = append(observations, models.WeatherObservation{
			StationID:  station.ID,
			ObservedAt: obs.ObservedAt,
			Metric:     metric,
			Value:      m.Value,
			Unit:       m.UnitCode,
		})
	}
	return forecasts, observations, nil
}

func (s *IngestService) upsertWeather(ctx context.Context, forecasts []models.WeatherForecast, observations []models.WeatherObservation) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(forecasts) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{
					{Name: "source"}, {Name: "station_id"}, {Name: "issued_at"}, {Name: "valid_at"}, {Name: "metric"},
				},
				DoUpdates: clause.AssignmentColumns([]string{"value", "unit"}),
			}).CreateInBatches(forecasts, 200).Error; err != nil {
				return err
			}
		}
		if len(observations) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "station_id"}, {Name: "observed_at"}, {Name: "metric"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "unit"}),
			}).CreateInBatches(observations, 200).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to upsert weather rows: %w", db.Classify(err))
	}
	return nil
}
