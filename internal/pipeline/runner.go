/**
 * @description
 * Daily pipeline runner.
 * Runs ingest, reconcile, backtest, feature build, training, scoring and paper execution
 * in that order under the Redis run lock. Every step is timed and recorded; a failed step
 * never stops the ones after it.
 *
 * @dependencies
 * - backend/internal/services
 * - github.com/rs/zerolog: structured step logging
 * - gorm.io/datatypes: JSON step list on the PipelineRun row
 *
 * @notes
 * - The run returns an error only when every attempted step failed.
 */

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalbot-project/backend/internal/config"
	"github.com/kalbot-project/backend/internal/db"
	"github.com/kalbot-project/backend/internal/kalshi"
	"github.com/kalbot-project/backend/internal/logger"
	"github.com/kalbot-project/backend/internal/metrics"
	"github.com/kalbot-project/backend/internal/models"
	"github.com/kalbot-project/backend/internal/nws"
	"github.com/kalbot-project/backend/internal/services"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Step names, in execution order
const (
	StepIngestMarkets = "ingest_markets"
	StepIngestWeather = "ingest_weather"
	StepReconcile     = "reconcile"
	StepBacktest      = "backtest"
	StepBuildFeatures = "build_features"
	StepTrain         = "train"
	StepScorePublish  = "score_publish"
	StepExecute       = "execute"
)

// ErrAllStepsFailed is returned when no attempted step succeeded
var ErrAllStepsFailed = errors.New("every pipeline step failed")

type Runner struct {
	DB      *gorm.DB
	Config  *config.Config
	Lock    *services.RunLock
	Metrics *metrics.Recorder

	Ingest     *services.IngestService
	Settlement *services.SettlementService
	Backtest   *services.BacktestService
	Training   *services.TrainingService
	Signals    *services.SignalService
	Execution  *services.ExecutionService

	// Now is the wall clock; tests pin it
	Now func() time.Time

	log zerolog.Logger
}

// New wires every service the pipeline needs from one config value
func New(gdb *gorm.DB, rdb *redis.Client, cfg *config.Config, rec *metrics.Recorder) *Runner {
	kalshiClient := kalshi.NewClient(cfg)
	nwsClient := nws.NewClient(cfg)
	training := services.NewTrainingService(gdb, cfg)

	return &Runner{
		DB:         gdb,
		Config:     cfg,
		Lock:       services.NewRunLock(rdb, cfg.Pipeline.LockTTL),
		Metrics:    rec,
		Ingest:     services.NewIngestService(gdb, kalshiClient, nwsClient, cfg, rec),
		Settlement: services.NewSettlementService(gdb, kalshiClient, cfg, rec),
		Backtest:   services.NewBacktestService(gdb, cfg),
		Training:   training,
		Signals:    services.NewSignalService(gdb, rdb, cfg, training, rec),
		Execution:  services.NewExecutionService(gdb, cfg, rec),
		Now:        func() time.Time { return time.Now().UTC() },
		log:        logger.With("pipeline"),
	}
}

type step struct {
	name string
	skip bool
	run  func(ctx context.Context) (interface{}, error)
}

// RunDaily executes the full pipeline for runDate. The run row is returned even when
// the error is non-nil, except when the lock could not be taken.
func (r *Runner) RunDaily(ctx context.Context, runDate time.Time) (*models.PipelineRun, error) {
	release, err := r.Lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	runDate = runDate.UTC()
	now := r.Now()
	run := &models.PipelineRun{
		RunDate:   runDate.Format("2006-01-02"),
		StartedAt: now,
	}
	r.log.Info().Str("run_date", run.RunDate).Msg("pipeline run started")

	ingestOff := !r.Config.Kalshi.IngestEnabled
	plan := []step{
		{StepIngestMarkets, ingestOff, func(ctx context.Context) (interface{}, error) {
			return r.Ingest.IngestMarkets(ctx, r.Now())
		}},
		{StepIngestWeather, ingestOff, func(ctx context.Context) (interface{}, error) {
			return r.Ingest.IngestWeather(ctx, r.Now())
		}},
		{StepReconcile, false, func(ctx context.Context) (interface{}, error) {
			return r.Settlement.Reconcile(ctx, runDate, r.Now())
		}},
		{StepBacktest, false, func(ctx context.Context) (interface{}, error) {
			return r.Backtest.Run(ctx, runDate, r.Config.Model.BacktestWindowDays)
		}},
		{StepBuildFeatures, false, func(ctx context.Context) (interface{}, error) {
			_, summary, err := r.Training.BuildFeatures(ctx, runDate)
			return summary, err
		}},
		{StepTrain, false, func(ctx context.Context) (interface{}, error) {
			return r.Training.Train(ctx, runDate, r.Now())
		}},
		{StepScorePublish, false, func(ctx context.Context) (interface{}, error) {
			return r.Signals.ScoreAndPublish(ctx, r.Now())
		}},
		{StepExecute, false, func(ctx context.Context) (interface{}, error) {
			return r.Execution.RunPaper(ctx, r.Now())
		}},
	}

	var steps []models.PipelineStep
	attempted, failed := 0, 0
	for _, s := range plan {
		rec := r.runStep(ctx, s)
		steps = append(steps, rec)
		switch rec.Status {
		case models.StepStatusOK:
			attempted++
		case models.StepStatusError:
			attempted++
			failed++
		}
	}

	run.Status = models.RunStatusOK
	switch {
	case attempted > 0 && failed == attempted:
		run.Status = models.RunStatusFailed
	case failed > 0:
		run.Status = models.RunStatusPartial
	}
	run.FinishedAt = r.Now()

	raw, err := json.Marshal(steps)
	if err != nil {
		return run, fmt.Errorf("marshal pipeline steps: %w", err)
	}
	run.Steps = datatypes.JSON(raw)

	if err := r.DB.WithContext(ctx).Create(run).Error; err != nil {
		return run, fmt.Errorf("failed to store pipeline run: %w", db.Classify(err))
	}
	if _, err := services.WriteArtifact(r.Config.Pipeline.ArtifactsDir, "runs", runDate, "run_summary.json", map[string]interface{}{
		"run_id":      run.ID,
		"run_date":    run.RunDate,
		"status":      run.Status,
		"started_at":  run.StartedAt,
		"finished_at": run.FinishedAt,
		"steps":       steps,
	}); err != nil {
		return run, err
	}

	r.log.Info().
		Str("run_date", run.RunDate).
		Str("status", run.Status).
		Int("failed_steps", failed).
		Dur("elapsed", run.FinishedAt.Sub(run.StartedAt)).
		Msg("pipeline run finished")

	if run.Status == models.RunStatusFailed {
		return run, ErrAllStepsFailed
	}
	return run, nil
}

func (r *Runner) runStep(ctx context.Context, s step) models.PipelineStep {
	rec := models.PipelineStep{Name: s.name}
	if s.skip {
		rec.Status = models.StepStatusSkipped
		r.log.Info().Str("step", s.name).Msg("step skipped")
		r.Metrics.RecordStep(s.name, rec.Status, 0)
		return rec
	}

	started := time.Now()
	detail, err := s.run(ctx)
	elapsed := time.Since(started)
	rec.DurationMS = elapsed.Milliseconds()
	rec.Detail = detail

	if err != nil {
		rec.Status = models.StepStatusError
		rec.Error = err.Error()
		r.log.Error().Err(err).Str("step", s.name).Msg("step failed")
	} else {
		rec.Status = models.StepStatusOK
		r.log.Info().Str("step", s.name).Dur("elapsed", elapsed).Msg("step finished")
	}
	r.Metrics.RecordStep(s.name, rec.Status, elapsed.Seconds())
	return rec
}
