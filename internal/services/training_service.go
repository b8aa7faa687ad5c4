/**
 * @description
 * Service layer for model training.
 * Builds (forecast low, observed low) pairs per station and day from stored weather rows,
 * fits the Gaussian error model and persists it with a JSON artifact per run date.
 *
 * @dependencies
 * - backend/internal/modeling
 * - backend/internal/models
 * - gorm.io/gorm
 * - gorm.io/datatypes
 */

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kalbot-project/backend/internal/config"
	"github.com/kalbot-project/backend/internal/db"
	"github.com/kalbot-project/backend/internal/logger"
	"github.com/kalbot-project/backend/internal/modeling"
	"github.com/kalbot-project/backend/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type TrainingService struct {
	DB     *gorm.DB
	Config *config.Config
}

func NewTrainingService(db *gorm.DB, cfg *config.Config) *TrainingService {
	return &TrainingService{DB: db, Config: cfg}
}

// FeatureSummary reports one feature build
type FeatureSummary struct {
	Examples     int    `json:"examples"`
	Stations     int    `json:"stations"`
	ArtifactPath string `json:"artifact_path"`
}

type stationDay struct {
	station string
	day     string
}

// BuildFeatures pairs each station-day's forecast low (latest issuance published before the
// day ended) with its observed low, over the training window ending on runDate.
func (s *TrainingService) BuildFeatures(ctx context.Context, runDate time.Time) ([]modeling.TrainingExample, FeatureSummary, error) {
	var summary FeatureSummary
	end := dayStart(runDate).AddDate(0, 0, 1)
	start := end.AddDate(0, 0, -s.Config.Model.TrainingWindowDays)

	var forecasts []models.WeatherForecast
	if err := s.DB.WithContext(ctx).
		Where("metric = ? AND valid_at >= ? AND valid_at < ?", models.MetricTemperature, start, end).
		Find(&forecasts).Error; err != nil {
		return nil, summary, fmt.Errorf("failed to load forecasts: %w", db.Classify(err))
	}
	var observations []models.WeatherObservation
	if err := s.DB.WithContext(ctx).
		Where("metric = ? AND observed_at >= ? AND observed_at < ?", models.MetricTemperature, start, end).
		Find(&observations).Error; err != nil {
		return nil, summary, fmt.Errorf("failed to load observations: %w", db.Classify(err))
	}

	// latest usable issuance per station-day, then the min over that issuance
	latestIssue := map[stationDay]time.Time{}
	for _, f := range forecasts {
		k := stationDay{strings.ToUpper(f.StationID), f.ValidAt.UTC().Format(dateLayout)}
		dayEnd := dayStart(f.ValidAt).AddDate(0, 0, 1)
		if !f.IssuedAt.Before(dayEnd) {
			continue
		}
		if cur, ok := latestIssue[k]; !ok || f.IssuedAt.After(cur) {
			latestIssue[k] = f.IssuedAt
		}
	}
	forecastLow := map[stationDay]float64{}
	for _, f := range forecasts {
		k := stationDay{strings.ToUpper(f.StationID), f.ValidAt.UTC().Format(dateLayout)}
		issued, ok := latestIssue[k]
		if !ok || !f.IssuedAt.Equal(issued) {
			continue
		}
		v := modeling.ToFahrenheit(f.Value, f.Unit)
		if cur, ok := forecastLow[k]; !ok || v < cur {
			forecastLow[k] = v
		}
	}

	observedLow := map[stationDay]float64{}
	for _, o := range observations {
		k := stationDay{strings.ToUpper(o.StationID), o.ObservedAt.UTC().Format(dateLayout)}
		v := modeling.ToFahrenheit(o.Value, o.Unit)
		if cur, ok := observedLow[k]; !ok || v < cur {
			observedLow[k] = v
		}
	}

	examples := make([]modeling.TrainingExample, 0, len(forecastLow))
	stations := map[string]bool{}
	for k, fl := range forecastLow {
		ol, ok := observedLow[k]
		if !ok {
			continue
		}
		stations[k.station] = true
		examples = append(examples, modeling.TrainingExample{
			StationID:    k.station,
			Date:         k.day,
			ForecastLowF: fl,
			ObservedLowF: ol,
		})
	}
	sort.Slice(examples, func(i, j int) bool {
		if examples[i].StationID != examples[j].StationID {
			return examples[i].StationID < examples[j].StationID
		}
		return examples[i].Date < examples[j].Date
	})

	path, err := WriteArtifact(s.Config.Pipeline.ArtifactsDir, "features", runDate, "low_temp_training_examples.json", examples)
	if err != nil {
		return nil, summary, err
	}
	summary = FeatureSummary{Examples: len(examples), Stations: len(stations), ArtifactPath: path}
	return examples, summary, nil
}

// TrainSummary reports one training run
type TrainSummary struct {
	ModelID      uint64  `json:"model_id"`
	Version      string  `json:"version"`
	SampleCount  int     `json:"sample_count"`
	GlobalSigma  float64 `json:"global_sigma"`
	RMSE         float64 `json:"rmse"`
	ArtifactPath string  `json:"artifact_path"`
}

// Train builds features, fits the model and stores it. With no matched examples it
// returns modeling.ErrNoTrainingExamples and stores nothing.
func (s *TrainingService) Train(ctx context.Context, runDate, now time.Time) (TrainSummary, error) {
	var summary TrainSummary
	examples, _, err := s.BuildFeatures(ctx, runDate)
	if err != nil {
		return summary, err
	}
	fitted, err := modeling.Train(examples, now)
	if err != nil {
		return summary, err
	}

	sigma, err := json.Marshal(fitted.StationSigma)
	if err != nil {
		return summary, fmt.Errorf("marshal station sigma: %w", err)
	}
	row := models.LowTempModel{
		Version:      fitted.Version,
		GlobalSigma:  fitted.GlobalSigma,
		RMSE:         fitted.RMSE,
		SampleCount:  fitted.SampleCount,
		StationSigma: datatypes.JSON(sigma),
		TrainedFor:   runDate.UTC().Format(dateLayout),
		TrainedAt:    now.UTC(),
	}
	if err := s.DB.WithContext(ctx).Create(&row).Error; err != nil {
		return summary, fmt.Errorf("failed to store model: %w", db.Classify(err))
	}

	path, err := WriteArtifact(s.Config.Pipeline.ArtifactsDir, "models", runDate, "low_temp_model.json", fitted)
	if err != nil {
		return summary, err
	}

	logger.Info("Trained %s on %d examples (sigma=%.2f rmse=%.2f)", fitted.Version, fitted.SampleCount, fitted.GlobalSigma, fitted.RMSE)
	return TrainSummary{
		ModelID:      row.ID,
		Version:      fitted.Version,
		SampleCount:  fitted.SampleCount,
		GlobalSigma:  fitted.GlobalSigma,
		RMSE:         fitted.RMSE,
		ArtifactPath: path,
	}, nil
}

// LatestModel returns the most recently trained model, or nil when none exists
func (s *TrainingService) LatestModel(ctx context.Context) (*modeling.Model, *models.LowTempModel, error) {
	var row models.LowTempModel
	err := s.DB.WithContext(ctx).Order("trained_at DESC, id DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load model: %w", db.Classify(err))
	}
	return &modeling.Model{
		Version:      row.Version,
		GlobalSigma:  row.GlobalSigma,
		RMSE:         row.RMSE,
		StationSigma: row.StationSigmaMap(),
		SampleCount:  row.SampleCount,
		TrainedAt:    row.TrainedAt,
	}, &row, nil
}
