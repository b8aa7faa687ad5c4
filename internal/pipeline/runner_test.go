package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/kalbot-project/backend/internal/config"
	"github.com/kalbot-project/backend/internal/db"
	"github.com/kalbot-project/backend/internal/metrics"
	"github.com/kalbot-project/backend/internal/models"
	"github.com/kalbot-project/backend/internal/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

var testNow = time.Date(2026, 2, 16, 18, 0, 0, 0, time.UTC)

func newTestRunner(t *testing.T) (*Runner, *redis.Client) {
	t.Helper()
	gdb, err := db.Open(sqlite.Open(":memory:"), "test")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Defaults()
	cfg.Server.Env = "test"
	cfg.DB.URL = "sqlite://memory"
	cfg.Kalshi.IngestEnabled = false
	cfg.Pipeline.ArtifactsDir = t.TempDir()

	r := New(gdb, rdb, cfg, nil)
	r.Now = func() time.Time { return testNow }
	return r, rdb
}

func TestRunDailyRecordsEveryStep(t *testing.T) {
	r, _ := newTestRunner(t)

	run, err := r.RunDaily(context.Background(), testNow)
	if err != nil {
		t.Fatalf("run daily: %v", err)
	}
	// training has nothing to learn from on an empty database
	if run.Status != models.RunStatusPartial || run.RunDate != "2026-02-16" {
		t.Fatalf("run = %+v", run)
	}

	var steps []models.PipelineStep
	if err := json.Unmarshal(run.Steps, &steps); err != nil {
		t.Fatalf("decode steps: %v", err)
	}
	want := []struct{ name, status string }{
		{StepIngestMarkets, models.StepStatusSkipped},
		{StepIngestWeather, models.StepStatusSkipped},
		{StepReconcile, models.StepStatusOK},
		{StepBacktest, models.StepStatusOK},
		{StepBuildFeatures, models.StepStatusOK},
		{StepTrain, models.StepStatusError},
		{StepScorePublish, models.StepStatusOK},
		{StepExecute, models.StepStatusOK},
	}
	if len(steps) != len(want) {
		t.Fatalf("steps = %+v", steps)
	}
	for i, w := range want {
		if steps[i].Name != w.name || steps[i].Status != w.status {
			t.Errorf("step %d = %s/%s, want %s/%s", i, steps[i].Name, steps[i].Status, w.name, w.status)
		}
	}
	if steps[5].Error == "" {
		t.Fatal("failed step should carry its error")
	}

	var stored models.PipelineRun
	if err := r.DB.First(&stored, "id = ?", run.ID).Error; err != nil {
		t.Fatalf("load run: %v", err)
	}
	if stored.Status != models.RunStatusPartial {
		t.Fatalf("stored = %+v", stored)
	}
	summary := filepath.Join(r.Config.Pipeline.ArtifactsDir, "runs", "2026-02-16", "run_summary.json")
	if _, err := os.Stat(summary); err != nil {
		t.Fatalf("run summary: %v", err)
	}
}

func TestRunDailyHonorsLock(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()

	release, err := r.Lock.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := r.RunDaily(ctx, testNow); !errors.Is(err, services.ErrRunInProgress) {
		t.Fatalf("err = %v, want ErrRunInProgress", err)
	}
	release()

	if _, err := r.RunDaily(ctx, testNow); err != nil {
		t.Fatalf("run after release: %v", err)
	}
	if _, err := r.RunDaily(ctx, testNow); err != nil {
		t.Fatalf("lock should be released after a run: %v", err)
	}
}

func TestRunDailyExportsStepMetrics(t *testing.T) {
	r, _ := newTestRunner(t)
	reg := prometheus.NewRegistry()
	r.Metrics = metrics.NewWith(reg)

	if _, err := r.RunDaily(context.Background(), testNow); err != nil {
		t.Fatalf("run daily: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() == "kalbot_pipeline_steps_total" {
			found = len(f.GetMetric()) > 0
		}
	}
	if !found {
		t.Fatal("step counter not exported")
	}
}
