/**
 * @description
 * Forecast samples for signal evaluation.
 * Loads hourly forecast rows for a city's candidate stations inside the market window.
 *
 * @dependencies
 * - backend/internal/signals
 * - gorm.io/gorm
 */

package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kalbot-project/backend/internal/db"
	"github.com/kalbot-project/backend/internal/modeling"
	"github.com/kalbot-project/backend/internal/models"
	"github.com/kalbot-project/backend/internal/signals"
	"gorm.io/gorm"
)

// forecastWindow is an in-memory ForecastSource over temperature forecasts loaded once
// per scoring pass. For each (station, valid time) only the latest issuance is kept.
type forecastWindow struct {
	byStation map[string][]signals.ForecastSample
}

type sampleKey struct {
	station string
	validAt int64
}

func loadForecastWindow(ctx context.Context, gdb *gorm.DB, from, to time.Time) (*forecastWindow, error) {
	var rows []models.WeatherForecast
	err := gdb.WithContext(ctx).
		Where("metric = ? AND valid_at >= ? AND valid_at <= ?", models.MetricTemperature, from, to).
		Order("issued_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load forecasts: %w", db.Classify(err))
	}

	latest := map[sampleKey]models.WeatherForecast{}
	for _, r := range rows {
		k := sampleKey{strings.ToUpper(r.StationID), r.ValidAt.Unix()}
		if cur, ok := latest[k]; !ok || !r.IssuedAt.Before(cur.IssuedAt) {
			latest[k] = r
		}
	}

	w := &forecastWindow{byStation: map[string][]signals.ForecastSample{}}
	for k, r := range latest {
		w.byStation[k.station] = append(w.byStation[k.station], signals.ForecastSample{
			StationID: r.StationID,
			ValidAt:   r.ValidAt.UTC(),
			TempF:     modeling.ToFahrenheit(r.Value, r.Unit),
		})
	}
	for _, samples := range w.byStation {
		sort.Slice(samples, func(i, j int) bool { return samples[i].ValidAt.Before(samples[j].ValidAt) })
	}
	return w, nil
}

// Samples implements signals.ForecastSource
func (w *forecastWindow) Samples(stations []string, from, to time.Time) []signals.ForecastSample {
	var out []signals.ForecastSample
	for _, st := range stations {
		for _, s := range w.byStation[strings.ToUpper(st)] {
			if s.ValidAt.Before(from) || s.ValidAt.After(to) {
				continue
			}
			out = append(out, s)
		}
	}
	return out
}
