/**
 * @description
 * Model-vs-market backtest.
 * For each market settled in the window, scores the latest prediction made at or before
 * settlement against the market price quoted at or before that prediction. Every lookup
 * goes through an as-of index, so no row later than its reference time is ever used.
 *
 * @dependencies
 * - backend/internal/history
 * - backend/internal/modeling
 * - gorm.io/gorm
 */

package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kalbot-project/backend/internal/config"
	"github.com/kalbot-project/backend/internal/db"
	"github.com/kalbot-project/backend/internal/history"
	"github.com/kalbot-project/backend/internal/logger"
	"github.com/kalbot-project/backend/internal/modeling"
	"github.com/kalbot-project/backend/internal/models"
	"gorm.io/gorm"
)

// maxBacktestRowsInArtifact caps the per-market rows written next to the summary
const maxBacktestRowsInArtifact = 300

type BacktestService struct {
	DB     *gorm.DB
	Config *config.Config
}

func NewBacktestService(db *gorm.DB, cfg *config.Config) *BacktestService {
	return &BacktestService{DB: db, Config: cfg}
}

// BacktestRow is one settled market scored both ways
type BacktestRow struct {
	MarketTicker  string    `json:"market_ticker"`
	SettledAt     time.Time `json:"settled_at"`
	OutcomeYes    bool      `json:"outcome_yes"`
	ModelProbYes  float64   `json:"model_prob_yes"`
	MarketProbYes float64   `json:"market_prob_yes"`
	ModelBrier    float64   `json:"model_brier"`
	MarketBrier   float64   `json:"market_brier"`
	ModelLogLoss  float64   `json:"model_log_loss"`
	MarketLogLoss float64   `json:"market_log_loss"`
}

// BacktestSummary averages the rows. Metrics are nil when nothing was scored.
type BacktestSummary struct {
	WindowDays     int      `json:"window_days"`
	SettledSamples int      `json:"settled_samples"`
	ModelBrier     *float64 `json:"model_brier"`
	MarketBrier    *float64 `json:"market_brier"`
	ModelLogLoss   *float64 `json:"model_log_loss"`
	MarketLogLoss  *float64 `json:"market_log_loss"`
	BrierEdge      *float64 `json:"brier_edge"`
	LogLossEdge    *float64 `json:"log_loss_edge"`
	ArtifactPath   string   `json:"artifact_path,omitempty"`
}

// Run scores settlements from the windowDays UTC dates ending on runDate and writes the
// report under backtests/<date>/summary.json.
func (s *BacktestService) Run(ctx context.Context, runDate time.Time, windowDays int) (BacktestSummary, error) {
	rows, err := s.Rows(ctx, runDate, windowDays)
	if err != nil {
		return BacktestSummary{WindowDays: windowDays}, err
	}
	summary := Summarize(rows, windowDays)

	if len(rows) > maxBacktestRowsInArtifact {
		rows = rows[:maxBacktestRowsInArtifact]
	}
	path, err := WriteArtifact(s.Config.Pipeline.ArtifactsDir, "backtests", runDate, "summary.json", map[string]interface{}{
		"summary": summary,
		"rows":    rows,
	})
	if err != nil {
		return summary, err
	}
	summary.ArtifactPath = path

	if summary.BrierEdge != nil {
		logger.Info("Backtest: samples=%d brier_edge=%.4f", summary.SettledSamples, *summary.BrierEdge)
	} else {
		logger.Info("Backtest: no settled samples in the last %d days", windowDays)
	}
	return summary, nil
}

// Rows loads and scores every settlement in the window, newest settlement first
func (s *BacktestService) Rows(ctx context.Context, runDate time.Time, windowDays int) ([]BacktestRow, error) {
	if windowDays < 1 {
		windowDays = 1
	}
	since := dayStart(runDate).AddDate(0, 0, -(windowDays - 1))

	var settlements []models.Settlement
	if err := s.DB.WithContext(ctx).
		Where("settled_at >= ?", since).
		Find(&settlements).Error; err != nil {
		return nil, fmt.Errorf("failed to load settlements: %w", db.Classify(err))
	}
	if len(settlements) == 0 {
		return nil, nil
	}

	tickers := make([]string, 0, len(settlements))
	for _, st := range settlements {
		tickers = append(tickers, st.MarketTicker)
	}

	var predictions []models.Prediction
	if err := s.DB.WithContext(ctx).Where("market_ticker IN ?", tickers).Order("id ASC").Find(&predictions).Error; err != nil {
		return nil, fmt.Errorf("failed to load predictions: %w", db.Classify(err))
	}
	var snapshots []models.MarketSnapshot
	if err := s.DB.WithContext(ctx).Where("market_ticker IN ?", tickers).Order("id ASC").Find(&snapshots).Error; err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", db.Classify(err))
	}

	predictionsAt := history.Build(predictions,
		func(p models.Prediction) string { return p.MarketTicker },
		func(p models.Prediction) time.Time { return p.PredictedAt })
	quotesAt := history.Build(snapshots,
		func(q models.MarketSnapshot) string { return q.MarketTicker },
		func(q models.MarketSnapshot) time.Time { return q.CapturedAt })

	rows := make([]BacktestRow, 0, len(settlements))
	for _, st := range settlements {
		p, ok := predictionsAt.Latest(st.MarketTicker, st.SettledAt)
		if !ok {
			continue
		}
		modelProb := modeling.Clip(p.ProbYes)
		marketProb := modelProb
		if q, ok := quotesAt.Latest(st.MarketTicker, p.PredictedAt); ok {
			if implied, ok := q.ImpliedYes(); ok {
				marketProb = modeling.Clip(implied)
			}
		}
		outcome := modeling.Outcome(st.OutcomeYes)
		rows = append(rows, BacktestRow{
			MarketTicker:  st.MarketTicker,
			SettledAt:     st.SettledAt,
			OutcomeYes:    st.OutcomeYes,
			ModelProbYes:  modelProb,
			MarketProbYes: marketProb,
			ModelBrier:    modeling.Brier(modelProb, outcome),
			MarketBrier:   modeling.Brier(marketProb, outcome),
			ModelLogLoss:  modeling.LogLoss(modelProb, outcome),
			MarketLogLoss: modeling.LogLoss(marketProb, outcome),
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].SettledAt.Equal(rows[j].SettledAt) {
			return rows[i].SettledAt.After(rows[j].SettledAt)
		}
		return rows[i].MarketTicker < rows[j].MarketTicker
	})
	return rows, nil
}

// Summarize averages backtest rows. Both edges are market minus model, so a positive
// value means the model scored better.
func Summarize(rows []BacktestRow, windowDays int) BacktestSummary {
	out := BacktestSummary{WindowDays: windowDays, SettledSamples: len(rows)}
	if len(rows) == 0 {
		return out
	}
	var mb, kb, ml, kl float64
	for _, r := range rows {
		mb += r.ModelBrier
		kb += r.MarketBrier
		ml += r.ModelLogLoss
		kl += r.MarketLogLoss
	}
	n := float64(len(rows))
	mb, kb, ml, kl = mb/n, kb/n, ml/n, kl/n
	brierEdge, logLossEdge := kb-mb, kl-ml
	out.ModelBrier, out.MarketBrier = &mb, &kb
	out.ModelLogLoss, out.MarketLogLoss = &ml, &kl
	out.BrierEdge, out.LogLossEdge = &brierEdge, &logLossEdge
	return out
}
