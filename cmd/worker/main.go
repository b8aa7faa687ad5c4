/**
 * @description
 * Worker Service Entry Point.
 * Runs the daily pipeline once per UTC day at the configured refresh hour. A missed
 * window (worker started after the hour) runs immediately.
 *
 * @dependencies
 * - backend/internal/config
 * - backend/internal/db
 * - backend/internal/pipeline
 */

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kalbot-project/backend/internal/config"
	"github.com/kalbot-project/backend/internal/db"
	"github.com/kalbot-project/backend/internal/logger"
	"github.com/kalbot-project/backend/internal/metrics"
	"github.com/kalbot-project/backend/internal/models"
	"github.com/kalbot-project/backend/internal/pipeline"
	"github.com/kalbot-project/backend/internal/services"
)

func main() {
	logger.Info("🔥 Starting Kalbot Worker...")

	// 1. Load Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}
	if err := logger.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		logger.Fatal("Failed to configure logger: %v", err)
	}

	// 2. Connect DBs
	pgDB, err := db.ConnectPostgres(cfg)
	if err != nil {
		logger.Fatal("Postgres connection failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient, err := db.ConnectRedis(ctx, cfg)
	if err != nil {
		logger.Fatal("Redis connection failed: %v", err)
	}
	defer redisClient.Close()

	runner := pipeline.New(pgDB, redisClient, cfg, metrics.New())

	// 3. Scheduler Loop
	done := make(chan struct{})
	go func() {
		defer close(done)
		schedule(ctx, runner, cfg.Model.RefreshHourUTC)
	}()

	// 4. Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")
	cancel()
	<-done
	logger.Info("Worker exited.")
}

// schedule runs the pipeline for each UTC day once the refresh hour has passed
func schedule(ctx context.Context, runner *pipeline.Runner, hour int) {
	var lastRun string
	for {
		now := time.Now().UTC()
		today := now.Format("2006-01-02")
		if lastRun != today && now.Hour() >= hour {
			if runDaily(ctx, runner, now) {
				lastRun = today
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(nextCheck(time.Now().UTC(), hour)):
		}
	}
}

func runDaily(ctx context.Context, runner *pipeline.Runner, now time.Time) bool {
	run, err := runner.RunDaily(ctx, now)
	switch {
	case errors.Is(err, services.ErrRunInProgress):
		logger.Warn("Pipeline already running elsewhere; skipping")
		return true
	case err != nil && run == nil:
		logger.Error("Pipeline run failed to start: %v", err)
		return false
	case err != nil:
		logger.Error("Pipeline run %s failed: %v", run.ID, err)
	case run.Status == models.RunStatusPartial:
		logger.Warn("Pipeline run %s finished with failed steps", run.ID)
	default:
		logger.Info("✅ Pipeline run %s finished", run.ID)
	}
	return true
}

// nextCheck waits until the next refresh hour, at most an hour at a time
func nextCheck(now time.Time, hour int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	wait := next.Sub(now)
	if wait > time.Hour {
		wait = time.Hour
	}
	return wait
}
