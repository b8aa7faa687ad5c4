/**
 * @description
 * Service layer for scoring and publishing signals.
 * Scores every live low temperature market, records a prediction and trade decision for
 * each, and swaps the active published set for a diversified top batch in one transaction.
 * Readers are served from a Redis cache that is invalidated on every publish.
 *
 * @dependencies
 * - backend/internal/signals
 * - backend/internal/models
 * - gorm.io/gorm
 * - github.com/redis/go-redis/v9
 */

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/kalbot-project/backend/internal/config"
	"github.com/kalbot-project/backend/internal/db"
	"github.com/kalbot-project/backend/internal/logger"
	"github.com/kalbot-project/backend/internal/metrics"
	"github.com/kalbot-project/backend/internal/models"
	"github.com/kalbot-project/backend/internal/signals"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	CacheKeyCurrentSignals = "signals:current"
	CacheTTL               = 5 * time.Minute

	SignalPublishedChannel = "signals:published"
)

type SignalService struct {
	DB       *gorm.DB
	Redis    *redis.Client
	Config   *config.Config
	Training *TrainingService
	Metrics  *metrics.Recorder
}

func NewSignalService(db *gorm.DB, redis *redis.Client, cfg *config.Config, training *TrainingService, rec *metrics.Recorder) *SignalService {
	return &SignalService{
		DB:       db,
		Redis:    redis,
		Config:   cfg,
		Training: training,
		Metrics:  rec,
	}
}

// LiveMarkets returns low temperature markets that are still trading at now
func (s *SignalService) LiveMarkets(ctx context.Context, now time.Time) ([]models.Market, error) {
	var markets []models.Market
	err := s.DB.WithContext(ctx).
		Where("market_ticker LIKE ?", s.Config.Kalshi.SeriesPrefix+"%").
		Where("status IN ?", []string{models.MarketStatusActive, models.MarketStatusOpen}).
		Where("close_time IS NULL OR close_time > ?", now).
		Order("market_ticker ASC").
		Find(&markets).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load markets: %w", db.Classify(err))
	}
	return markets, nil
}

// Ranking is the outcome of one scoring pass
type Ranking struct {
	Candidates []signals.Candidate
	Tally      signals.Tally
	ModelID    *uint64
}

// EvaluateAndRank scores markets against the latest model and the stored forecasts
func (s *SignalService) EvaluateAndRank(ctx context.Context, markets []models.Market, now time.Time) (Ranking, error) {
	model, row, err := s.Training.LatestModel(ctx)
	if err != nil {
		return Ranking{}, err
	}

	from := now.Add(-signals.DefaultLookback)
	to := now.Add(signals.DefaultOpenEndedFor)
	for _, m := range markets {
		if m.CloseTime != nil && m.CloseTime.After(to) {
			to = *m.CloseTime
		}
	}
	window, err := loadForecastWindow(ctx, s.DB, from, to)
	if err != nil {
		return Ranking{}, err
	}

	ev := signals.Evaluator{Model: model, Forecasts: window, Now: now}
	candidates, tally := ev.EvaluateAndRank(markets)

	out := Ranking{Candidates: candidates, Tally: tally}
	if row != nil {
		out.ModelID = &row.ID
	}
	return out, nil
}

// PublishSummary reports one scoring and publishing pass
type PublishSummary struct {
	ModelRunID  string        `json:"model_run_id"`
	Markets     int           `json:"markets"`
	Tally       signals.Tally `json:"tally"`
	Predictions int           `json:"predictions"`
	Approved    int           `json:"approved"`
	Published   int           `json:"published"`
	Deactivated int64         `json:"deactivated"`
}

// ScoreAndPublish scores all live markets and replaces the active published set
func (s *SignalService) ScoreAndPublish(ctx context.Context, now time.Time) (PublishSummary, error) {
	var summary PublishSummary

	markets, err := s.LiveMarkets(ctx, now)
	if err != nil {
		return summary, err
	}
	summary.Markets = len(markets)

	ranking, err := s.EvaluateAndRank(ctx, markets, now)
	if err != nil {
		return summary, err
	}
	summary.Tally = ranking.Tally

	pool := signals.PublicationPool(ranking.Candidates, s.Config.Signals.MinLiquidVolume)
	selected := signals.SelectForPublication(pool, s.Config.Signals.PublishLimit, s.Config.Signals.MaxPerCity)
	threshold := s.Config.Trading.EdgeThreshold

	var published []models.PublishedSignal
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run := models.ModelRun{
			ModelName:      s.Config.Model.Name,
			LowTempModelID: ranking.ModelID,
			Candidates:     len(ranking.Candidates),
			Degraded:       ranking.Tally.Degraded,
			Unavailable:    ranking.Tally.Unavailable,
			StartedAt:      now,
		}
		if err := tx.Create(&run).Error; err != nil {
			return err
		}
		summary.ModelRunID = run.ID.String()

		predictionIDs := make(map[string]uint64, len(ranking.Candidates))
		for _, c := range ranking.Candidates {
			p := predictionFromCandidate(run, c, now)
			if err := tx.Create(&p).Error; err != nil {
				return err
			}
			predictionIDs[c.Ticker] = p.ID

			d := decide(p, c, threshold, now)
			if err := tx.Create(&d).Error; err != nil {
				return err
			}
			if d.Approved {
				summary.Approved++
			}
		}
		summary.Predictions = len(ranking.Candidates)

		res := tx.Model(&models.PublishedSignal{}).
			Where("is_active = ?", true).
			Update("is_active", false)
		if res.Error != nil {
			return res.Error
		}
		summary.Deactivated = res.RowsAffected

		for i, c := range selected {
			sig := models.PublishedSignal{
				ModelRunID:    run.ID,
				PredictionID:  predictionIDs[c.Ticker],
				MarketTicker:  c.Ticker,
				Title:         c.Title,
				CityCode:      c.CityCode,
				Rank:          i + 1,
				RankingScore:  c.RankingScore,
				ProbYes:       c.ModelProb,
				MarketProbYes: c.MarketProb,
				Edge:          c.Edge,
				Confidence:    c.Confidence,
				Quality:       string(c.Quality()),
				Rationale:     c.Rationale,
				IsActive:      true,
				PublishedAt:   now,
			}
			if err := tx.Create(&sig).Error; err != nil {
				return err
			}
			published = append(published, sig)
		}
		return nil
	})
	if err != nil {
		return summary, fmt.Errorf("failed to publish signals: %w", db.Classify(err))
	}
	summary.Published = len(published)

	s.afterPublish(ctx, published)
	s.Metrics.RecordScoring(ranking.Tally.OK, ranking.Tally.Degraded, ranking.Tally.Unavailable, len(published))
	logger.Info("Published %d signals from %d candidates (%d degraded, %d unavailable)",
		len(published), len(ranking.Candidates), ranking.Tally.Degraded, ranking.Tally.Unavailable)
	return summary, nil
}

func predictionFromCandidate(run models.ModelRun, c signals.Candidate, now time.Time) models.Prediction {
	return models.Prediction{
		ModelRunID:    run.ID,
		MarketTicker:  c.Ticker,
		ProbYes:       c.ModelProb,
		CILow:         c.CILow,
		CIHigh:        c.CIHigh,
		MarketProbYes: c.MarketProb,
		Edge:          c.Edge,
		Confidence:    c.Confidence,
		ProjectedLowF: c.ProjectedLowF,
		SigmaF:        c.SigmaF,
		Quality:       string(c.Quality()),
		Rationale:     c.Rationale,
		PredictedAt:   now,
	}
}

func decide(p models.Prediction, c signals.Candidate, threshold float64, now time.Time) models.TradeDecision {
	side := models.SideYes
	if c.Edge < 0 {
		side = models.SideNo
	}
	d := models.TradeDecision{
		PredictionID:  p.ID,
		MarketTicker:  c.Ticker,
		Side:          string(side),
		EdgeThreshold: threshold,
		DecidedAt:     now,
	}
	switch {
	case math.Abs(c.Edge) < threshold:
		d.Reason = "edge below threshold"
	case c.Confidence < signals.MinActionConfidence:
		d.Reason = "confidence below minimum"
	default:
		d.Approved = true
		d.Reason = "edge clears threshold"
	}
	return d
}

func (s *SignalService) afterPublish(ctx context.Context, published []models.PublishedSignal) {
	if s.Redis == nil {
		return
	}
	if err := s.Redis.Del(ctx, CacheKeyCurrentSignals).Err(); err != nil {
		logger.Warn("Failed to invalidate signal cache: %v", err)
	}
	payload, err := json.Marshal(map[string]interface{}{
		"type":    "signals_published",
		"count":   len(published),
		"signals": published,
	})
	if err != nil {
		logger.Warn("Failed to marshal publish event: %v", err)
		return
	}
	if err := s.Redis.Publish(ctx, SignalPublishedChannel, payload).Err(); err != nil {
		logger.Warn("Failed to publish signal event: %v", err)
	}
}

// CurrentSignals returns the active published set, preferring Cache -> DB
func (s *SignalService) CurrentSignals(ctx context.Context) ([]models.PublishedSignal, error) {
	if s.Redis != nil {
		val, err := s.Redis.Get(ctx, CacheKeyCurrentSignals).Result()
		if err == nil {
			var cached []models.PublishedSignal
			if err := json.Unmarshal([]byte(val), &cached); err == nil {
				return cached, nil
			}
		}
	}

	sigs := []models.PublishedSignal{}
	if err := s.DB.WithContext(ctx).
		Where("is_active = ?", true).
		Order("rank ASC").
		Find(&sigs).Error; err != nil {
		return nil, fmt.Errorf("failed to load signals: %w", db.Classify(err))
	}

	if s.Redis != nil {
		if data, err := json.Marshal(sigs); err == nil {
			if err := s.Redis.Set(ctx, CacheKeyCurrentSignals, data, CacheTTL).Err(); err != nil {
				logger.Warn("Failed to set signal cache: %v", err)
			}
		}
	}
	return sigs, nil
}

// Playbook sizes every active signal
func (s *SignalService) Playbook(ctx context.Context) ([]signals.Playbook, error) {
	sigs, err := s.CurrentSignals(ctx)
	if err != nil {
		return nil, err
	}
	settings := signals.PlaybookSettings{
		EdgeThreshold:        s.Config.Trading.EdgeThreshold,
		MaxNotionalPerSignal: s.Config.Trading.MaxNotionalPerSignalUSD,
		MaxContractsPerOrder: s.Config.Trading.MaxContractsPerOrder,
	}
	out := make([]signals.Playbook, 0, len(sigs))
	for _, sig := range sigs {
		out = append(out, signals.BuildPlaybook(sig, settings))
	}
	return out, nil
}
