package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/kalbot-project/backend/internal/config"
	"github.com/kalbot-project/backend/internal/db"
	"github.com/kalbot-project/backend/internal/kalshi"
	"github.com/kalbot-project/backend/internal/models"
	"github.com/kalbot-project/backend/internal/nws"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 2, 16, 18, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *gorm.DB {
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
	return gdb
}

func openTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client, mr
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Server.Env = "test"
	cfg.DB.URL = "sqlite://memory"
	cfg.Pipeline.ArtifactsDir = t.TempDir()
	return cfg
}

func fptr(v float64) *float64 { return &v }

func tptr(v time.Time) *time.Time { return &v }

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func mustCreate(t *testing.T, gdb *gorm.DB, v interface{}) {
	t.Helper()
	if err := gdb.Create(v).Error; err != nil {
		t.Fatalf("create %T: %v", v, err)
	}
}

func count(t *testing.T, gdb *gorm.DB, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	q := gdb.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("count %T: %v", model, err)
	}
	return n
}

func TestWriteArtifact(t *testing.T) {
	root := t.TempDir()
	path, err := WriteArtifact(root, "runs", testNow, "run_summary.json", map[string]int{"steps": 8})
	if err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	if path != filepath.Join(root, "runs", "2026-02-16", "run_summary.json") {
		t.Fatalf("path = %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		t.Fatalf("read artifact: %v", err)
	}
}

func TestRunLockSerializesRuns(t *testing.T) {
	rdb, mr := openTestRedis(t)
	lock := NewRunLock(rdb, time.Minute)
	ctx := context.Background()

	release, err := lock.Acquire(ctx)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := lock.Acquire(ctx); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("second acquire err = %v, want ErrRunInProgress", err)
	}

	release()
	if mr.Exists(pipelineLockKey) {
		t.Fatal("lock key should be released")
	}
	release2, err := lock.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestRunLockReleaseKeepsForeignToken(t *testing.T) {
	rdb, mr := openTestRedis(t)
	lock := NewRunLock(rdb, time.Minute)

	release, err := lock.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// lock expired and another runner took it
	if err := mr.Set(pipelineLockKey, "someone-else"); err != nil {
		t.Fatalf("set: %v", err)
	}
	release()
	if got, _ := mr.Get(pipelineLockKey); got != "someone-else" {
		t.Fatalf("lock value = %q, want foreign token kept", got)
	}
}

func newUpstreams(t *testing.T) (*httptest.Server, *httptest.Server) {
	t.Helper()
	kalshiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/series":
			fmt.Fprint(w, `{"series":[{"ticker":"KXLOWTNYC","category":"Climate and Weather"},{"ticker":"KXHIGHNYC","category":"Climate and Weather"}],"cursor":""}`)
		case "/markets":
			if r.URL.Query().Get("series_ticker") != "KXLOWTNYC" {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			fmt.Fprint(w, `{"markets":[
				{"ticker":"KXLOWTNYC-26FEB17-T54","event_ticker":"KXLOWTNYC-26FEB17","title":"Will the minimum temperature be >54°?","status":"active","yes_bid_dollars":"0.3000","yes_ask":34,"volume":120,"close_time":"2026-02-17T05:00:00Z"},
				{"ticker":"KXLOWTNYC-26FEB17-T54","event_ticker":"KXLOWTNYC-26FEB17","title":"duplicate"},
				{"ticker":"","event_ticker":"KXLOWTNYC-26FEB17"}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(kalshiSrv.Close)

	var nwsSrv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/points/40.7128,-74.0060", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"properties":{"forecastHourly":"%s/gridpoints/OKX/33,35/forecast/hourly","observationStations":"%s/gridpoints/OKX/33,35/stations"}}`, nwsSrv.URL, nwsSrv.URL)
	})
	mux.HandleFunc("/gridpoints/OKX/33,35/stations", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"features":[{"properties":{"stationIdentifier":"KNYC","@id":"%s/stations/KNYC"}}]}`, nwsSrv.URL)
	})
	mux.HandleFunc("/gridpoints/OKX/33,35/forecast/hourly", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"properties":{"generatedAt":"2026-02-16T12:00:00+00:00","periods":[
			{"startTime":"2026-02-16T13:00:00-05:00","temperature":41,"temperatureUnit":"F","probabilityOfPrecipitation":{"value":20},"windSpeed":"10 to 15 mph"},
			{"startTime":"2026-02-16T14:00:00-05:00","temperature":40,"temperatureUnit":"F","windSpeed":"5 mph"},
			{"startTime":"2026-02-16T15:00:00-05:00","temperature":39,"temperatureUnit":"F","windSpeed":""}]}}`)
	})
	mux.HandleFunc("/stations/KNYC/observations/latest", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"properties":{"timestamp":"2026-02-16T11:51:00+00:00","temperature":{"value":3.3,"unitCode":"wmoUnit:degC"},"dewpoint":{"value":null,"unitCode":"wmoUnit:degC"}}}`)
	})
	nwsSrv = httptest.NewServer(mux)
	t.Cleanup(nwsSrv.Close)
	return kalshiSrv, nwsSrv
}

func newTestIngest(t *testing.T) (*IngestService, *gorm.DB) {
	t.Helper()
	kalshiSrv, nwsSrv := newUpstreams(t)
	gdb := openTestDB(t)
	cfg := testConfig(t)
	cfg.Kalshi.APIBase = kalshiSrv.URL
	cfg.Weather.APIBase = nwsSrv.URL
	cfg.Weather.Targets = "nyc:40.7128,-74.0060"
	return NewIngestService(gdb, kalshi.NewClient(cfg), nws.NewClient(cfg), cfg, nil), gdb
}

func TestIngestMarketsUpsertsAndSnapshots(t *testing.T) {
	svc, gdb := newTestIngest(t)
	ctx := context.Background()

	summary, err := svc.IngestMarkets(ctx, testNow)
	if err != nil {
		t.Fatalf("ingest markets: %v", err)
	}
	if summary.SeriesScanned != 1 || summary.MarketsUpserted != 1 || summary.SnapshotsWritten != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	var m models.Market
	if err := gdb.First(&m, "market_ticker = ?", "KXLOWTNYC-26FEB17-T54").Error; err != nil {
		t.Fatalf("load market: %v", err)
	}
	yes, ok := m.ImpliedYes()
	if !ok || !near(yes, 0.32) || m.Volume != 120 || m.SeriesTicker != "KXLOWTNYC" {
		t.Fatalf("market = %+v implied = %v", m, yes)
	}

	if _, err := svc.IngestMarkets(ctx, testNow.Add(time.Hour)); err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if n := count(t, gdb, &models.Market{}, ""); n != 1 {
		t.Fatalf("markets = %d, want 1", n)
	}
	if n := count(t, gdb, &models.MarketSnapshot{}, ""); n != 2 {
		t.Fatalf("snapshots = %d, want 2", n)
	}
}

func TestIngestWeatherIsIdempotent(t *testing.T) {
	svc, gdb := newTestIngest(t)
	ctx := context.Background()

	summary, err := svc.IngestWeather(ctx, testNow)
	if err != nil {
		t.Fatalf("ingest weather: %v", err)
	}
	// temperature x3, precip x1, wind x2
	if summary.TargetsSucceeded != 1 || summary.ForecastRows != 6 || summary.ObservationRows != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	if _, err := svc.IngestWeather(ctx, testNow); err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if n := count(t, gdb, &models.WeatherForecast{}, ""); n != 6 {
		t.Fatalf("forecast rows = %d, want 6", n)
	}
	if n := count(t, gdb, &models.WeatherObservation{}, "station_id = ? AND metric = ?", "KNYC", models.MetricTemperature); n != 1 {
		t.Fatalf("observation rows = %d, want 1", n)
	}
}

func TestIngestWeatherRecordsTargetFailures(t *testing.T) {
	svc, _ := newTestIngest(t)
	svc.Config.Weather.Targets = "nyc:40.7128,-74.0060;nowhere:1,1"

	summary, err := svc.IngestWeather(context.Background(), testNow)
	if err != nil {
		t.Fatalf("ingest weather: %v", err)
	}
	if summary.TargetsAttempted != 2 || summary.TargetsSucceeded != 1 || len(summary.TargetFailures) != 1 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestIngestWeatherWithoutTargets(t *testing.T) {
	svc, _ := newTestIngest(t)
	svc.Config.Weather.Targets = ""

	if _, err := svc.IngestWeather(context.Background(), testNow); !errors.Is(err, ErrNoWeatherTargets) {
		t.Fatalf("err = %v, want ErrNoWeatherTargets", err)
	}
}

func TestWeatherTargetsAddMarketCities(t *testing.T) {
	svc, gdb := newTestIngest(t)
	mustCreate(t, gdb, &models.Market{Ticker: "KXLOWTMIA-26FEB17-T60", EventTicker: "KXLOWTMIA-26FEB17", Status: "active"})
	mustCreate(t, gdb, &models.Market{Ticker: "KXLOWTNYC-26FEB17-T30", EventTicker: "KXLOWTNYC-26FEB17", Status: "active"})

	targets, err := svc.weatherTargets(context.Background())
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	if len(targets) != 2 || targets[0].Name != "nyc" || targets[1].Name != "mia" {
		t.Fatalf("targets = %+v", targets)
	}
}
