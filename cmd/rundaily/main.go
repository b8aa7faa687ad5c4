/**
 * @description
 * One-shot Pipeline Entry Point.
 * Runs the daily pipeline once for --date (default today, UTC). Without
 * KALBOT_REDIS_URL it uses an in-process Redis for the run lock and cache.
 *
 * @dependencies
 * - backend/internal/pipeline
 * - github.com/alicebob/miniredis/v2 (via db.ConnectRedisOrEmbedded)
 */

package main

import (
	"context"
	"flag"
	"time"

	"github.com/kalbot-project/backend/internal/config"
	"github.com/kalbot-project/backend/internal/db"
	"github.com/kalbot-project/backend/internal/logger"
	"github.com/kalbot-project/backend/internal/pipeline"
)

func main() {
	date := flag.String("date", "", "run date YYYY-MM-DD (default: today UTC)")
	flag.Parse()

	runDate := time.Now().UTC()
	if *date != "" {
		parsed, err := time.Parse("2006-01-02", *date)
		if err != nil {
			logger.Fatal("invalid --date %q: %v", *date, err)
		}
		runDate = parsed
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config: %v", err)
	}
	if err := logger.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		logger.Fatal("failed to configure logger: %v", err)
	}

	pgDB, err := db.ConnectPostgres(cfg)
	if err != nil {
		logger.Fatal("failed to connect to postgres: %v", err)
	}

	ctx := context.Background()
	redisClient, closeRedis, err := db.ConnectRedisOrEmbedded(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to connect to redis: %v", err)
	}
	defer closeRedis()

	logger.Info("🚀 Running daily pipeline for %s...", runDate.Format("2006-01-02"))
	run, err := pipeline.New(pgDB, redisClient, cfg, nil).RunDaily(ctx, runDate)
	if err != nil {
		closeRedis()
		logger.Fatal("pipeline run failed: %v", err)
	}
	logger.Info("✅ Pipeline run %s finished with status %s", run.ID, run.Status)
}
