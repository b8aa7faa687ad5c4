package services

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/kalbot-project/backend/internal/kalshi"
	"github.com/kalbot-project/backend/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type fakeMarkets map[string]*kalshi.Market

func (f fakeMarkets) GetMarket(_ context.Context, ticker string) (*kalshi.Market, error) {
	m, ok := f[ticker]
	if !ok {
		return nil, errors.New("upstream unavailable")
	}
	return m, nil
}

func at(day, hour int) time.Time {
	return time.Date(2026, 2, day, hour, 0, 0, 0, time.UTC)
}

const (
	settledYes = "KXLOWTNYC-26FEB15-T40"
	settledNo  = "KXLOWTCHI-26FEB16-T20"
	stillOpen  = "KXLOWTMIA-26FEB17-T60"
	unreached  = "KXLOWTAUS-26FEB15-T45"
)

// seedSettlementBook: one winning YES position settling on the 15th, one losing YES
// position settling on the 16th, one market still trading and one the upstream can't serve.
func seedSettlementBook(t *testing.T, gdb *gorm.DB) fakeMarkets {
	t.Helper()
	run := models.ModelRun{ModelName: "test", StartedAt: at(14, 12)}
	mustCreate(t, gdb, &run)

	for _, m := range []models.Market{
		{Ticker: settledYes, EventTicker: "E1", Status: "active", CloseTime: tptr(at(15, 5))},
		{Ticker: settledNo, EventTicker: "E2", Status: "active", CloseTime: tptr(at(16, 5))},
		{Ticker: stillOpen, EventTicker: "E3", Status: "active", CloseTime: tptr(at(17, 5))},
		{Ticker: unreached, EventTicker: "E4", Status: "active", CloseTime: tptr(at(15, 5))},
		{Ticker: "KXLOWTSF-26MAR01-T50", EventTicker: "E5", Status: "active", CloseTime: tptr(time.Date(2026, 3, 1, 5, 0, 0, 0, time.UTC))},
	} {
		m := m
		mustCreate(t, gdb, &m)
	}

	predict := func(ticker string, prob float64, when time.Time) {
		mustCreate(t, gdb, &models.Prediction{ModelRunID: run.ID, MarketTicker: ticker, ProbYes: prob, PredictedAt: when})
	}
	predict(settledYes, 0.8, at(14, 12))
	predict(settledYes, 0.1, at(15, 12)) // after settlement
	predict(settledNo, 0.3, at(15, 12))
	predict(stillOpen, 0.5, at(16, 12))

	open := func(ticker string, side models.Side, price string) {
		o := models.Order{
			ExternalRef: "paper-" + ticker, MarketTicker: ticker, ExecutionMode: "paper", Side: side,
			Contracts: 10, LimitPrice: decimal.RequireFromString(price), Status: models.OrderStatusFilled, PlacedAt: at(14, 13),
		}
		mustCreate(t, gdb, &o)
		mustCreate(t, gdb, &models.Position{
			OrderID: o.ID, MarketTicker: ticker, ExecutionMode: "paper", Side: side, Contracts: 10,
			EntryPrice: o.LimitPrice, Status: models.PositionStatusOpen, OpenedAt: at(14, 13),
		})
	}
	open(settledYes, models.SideYes, "0.41")
	open(settledNo, models.SideYes, "0.30")

	return fakeMarkets{
		settledYes: {Ticker: settledYes, Status: "finalized", Result: "yes", SettlementTS: "2026-02-15T10:00:00Z"},
		settledNo:  {Ticker: settledNo, Status: "settled", Result: "no", SettlementTS: "2026-02-16T09:00:00Z"},
		stillOpen:  {Ticker: stillOpen, Status: "active"},
	}
}

func loadMetrics(t *testing.T, gdb *gorm.DB) map[string]models.DailyMetric {
	t.Helper()
	var rows []models.DailyMetric
	if err := gdb.Order("metric_date ASC").Find(&rows).Error; err != nil {
		t.Fatalf("load metrics: %v", err)
	}
	out := map[string]models.DailyMetric{}
	for _, r := range rows {
		out[r.MetricDate+"/"+r.ExecutionMode] = r
	}
	return out
}

func TestReconcileSettlesAndClosesPositions(t *testing.T) {
	gdb := openTestDB(t)
	upstream := seedSettlementBook(t, gdb)
	svc := NewSettlementService(gdb, upstream, testConfig(t), nil)

	summary, err := svc.Reconcile(context.Background(), testNow, testNow)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	want := ReconcileSummary{Checked: 4, Settled: 2, ClosedPositions: 2, MetricDaysWritten: 2, FetchFailures: 1}
	if summary != want {
		t.Fatalf("summary = %+v, want %+v", summary, want)
	}

	var positions []models.Position
	if err := gdb.Order("market_ticker ASC").Find(&positions).Error; err != nil {
		t.Fatalf("load positions: %v", err)
	}
	for _, p := range positions {
		if p.Status != models.PositionStatusClosed || p.RealizedPnL == nil || p.ClosedAt == nil {
			t.Fatalf("position = %+v", p)
		}
	}
	// CHI lost: (0 - 0.30) * 10; NYC won: (1 - 0.41) * 10
	if !positions[0].RealizedPnL.Equal(decimal.RequireFromString("-3")) || !positions[1].RealizedPnL.Equal(decimal.RequireFromString("5.9")) {
		t.Fatalf("pnl = %s, %s", positions[0].RealizedPnL, positions[1].RealizedPnL)
	}

	var market models.Market
	if err := gdb.First(&market, "market_ticker = ?", settledYes).Error; err != nil {
		t.Fatalf("load market: %v", err)
	}
	if market.SettleTime == nil || !market.SettleTime.Equal(at(15, 10)) || market.Status != "finalized" {
		t.Fatalf("market = %+v", market)
	}

	metrics := loadMetrics(t, gdb)
	first, ok := metrics["2026-02-15/paper"]
	if !ok || first.ScoredCount != 1 || first.BrierScore == nil || !near(*first.BrierScore, 0.04) {
		t.Fatalf("2026-02-15 = %+v", first)
	}
	if !first.NetPnL.Equal(decimal.RequireFromString("5.9")) || !first.MaxDrawdown.IsZero() || first.ClosedPositions != 1 {
		t.Fatalf("2026-02-15 pnl = %+v", first)
	}
	second := metrics["2026-02-16/paper"]
	if second.ScoredCount != 1 || !near(*second.BrierScore, 0.09) {
		t.Fatalf("2026-02-16 = %+v", second)
	}
	if !second.GrossPnL.Equal(decimal.RequireFromString("-3")) || !second.MaxDrawdown.Equal(decimal.RequireFromString("3")) {
		t.Fatalf("2026-02-16 pnl = %+v", second)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	gdb := openTestDB(t)
	upstream := seedSettlementBook(t, gdb)
	svc := NewSettlementService(gdb, upstream, testConfig(t), nil)
	ctx := context.Background()

	if _, err := svc.Reconcile(ctx, testNow, testNow); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	before := loadMetrics(t, gdb)

	summary, err := svc.Reconcile(ctx, testNow, testNow)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if summary.Settled != 0 || summary.ClosedPositions != 0 || summary.MetricDaysWritten != 0 {
		t.Fatalf("second summary = %+v", summary)
	}
	if _, err := svc.RecomputeDailyMetrics(ctx, []string{"2026-02-15", "2026-02-16"}); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	after := loadMetrics(t, gdb)

	if len(before) != len(after) {
		t.Fatalf("metric rows %d -> %d", len(before), len(after))
	}
	for key, b := range before {
		a := after[key]
		if a.ID != b.ID || a.ScoredCount != b.ScoredCount || !a.NetPnL.Equal(b.NetPnL) ||
			!a.GrossPnL.Equal(b.GrossPnL) || !a.MaxDrawdown.Equal(b.MaxDrawdown) ||
			a.ClosedPositions != b.ClosedPositions || valueOr(a.BrierScore) != valueOr(b.BrierScore) ||
			valueOr(a.LogLoss) != valueOr(b.LogLoss) || valueOr(a.CalibrationError) != valueOr(b.CalibrationError) {
			t.Fatalf("%s changed: %+v -> %+v", key, b, a)
		}
	}
	if n := count(t, gdb, &models.Settlement{}, ""); n != 2 {
		t.Fatalf("settlements = %d, want 2", n)
	}
}

func TestMaxDrawdown(t *testing.T) {
	d := func(s string) decimal.Decimal { return decimal.RequireFromString(s) }
	tests := []struct {
		name  string
		byDay map[string]decimal.Decimal
		want  string
	}{
		{"empty", nil, "0"},
		{"only gains", map[string]decimal.Decimal{"2026-02-01": d("2"), "2026-02-02": d("1")}, "0"},
		{"single losing day", map[string]decimal.Decimal{"2026-02-01": d("-4")}, "0"},
		{"opening loss then gain", map[string]decimal.Decimal{"2026-02-01": d("-4"), "2026-02-02": d("1")}, "0"},
		{"opening loss then deeper loss", map[string]decimal.Decimal{"2026-02-01": d("-4"), "2026-02-02": d("-2")}, "2"},
		{"peak then trough then recovery", map[string]decimal.Decimal{
			"2026-02-01": d("5"), "2026-02-02": d("-2"), "2026-02-03": d("-4"), "2026-02-04": d("10"),
		}, "6"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := maxDrawdown(tt.byDay); !got.Equal(d(tt.want)) {
				t.Fatalf("drawdown = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBacktestIsPointInTime(t *testing.T) {
	gdb := openTestDB(t)
	run := models.ModelRun{ModelName: "test", StartedAt: at(14, 12)}
	mustCreate(t, gdb, &run)

	mustCreate(t, gdb, &models.Settlement{MarketTicker: settledYes, OutcomeYes: true, SettledAt: at(15, 10)})
	mustCreate(t, gdb, &models.Settlement{MarketTicker: "NO-PREDICTION", OutcomeYes: false, SettledAt: at(15, 10)})
	mustCreate(t, gdb, &models.Settlement{MarketTicker: "TOO-OLD", OutcomeYes: false, SettledAt: at(1, 10)})

	mustCreate(t, gdb, &models.Prediction{ModelRunID: run.ID, MarketTicker: settledYes, ProbYes: 0.8, PredictedAt: at(14, 12)})
	mustCreate(t, gdb, &models.Prediction{ModelRunID: run.ID, MarketTicker: settledYes, ProbYes: 0.99, PredictedAt: at(15, 11)})
	mustCreate(t, gdb, &models.Prediction{ModelRunID: run.ID, MarketTicker: "TOO-OLD", ProbYes: 0.5, PredictedAt: at(1, 1)})
	mustCreate(t, gdb, &models.MarketSnapshot{MarketTicker: settledYes, LastPrice: fptr(0.6), CapturedAt: at(14, 11)})
	mustCreate(t, gdb, &models.MarketSnapshot{MarketTicker: settledYes, LastPrice: fptr(0.95), CapturedAt: at(14, 13)})

	svc := NewBacktestService(gdb, testConfig(t))
	summary, err := svc.Run(context.Background(), testNow, 7)
	if err != nil {
		t.Fatalf("backtest: %v", err)
	}
	if summary.SettledSamples != 1 {
		t.Fatalf("samples = %d, want 1", summary.SettledSamples)
	}
	if !near(*summary.ModelBrier, 0.04) || !near(*summary.MarketBrier, 0.16) || !near(*summary.BrierEdge, 0.12) {
		t.Fatalf("summary = %+v", summary)
	}
	if *summary.LogLossEdge <= 0 {
		t.Fatalf("log loss edge = %v, want model ahead", *summary.LogLossEdge)
	}
	if _, err := os.Stat(summary.ArtifactPath); err != nil {
		t.Fatalf("artifact: %v", err)
	}
}

func TestBacktestWithoutSettlements(t *testing.T) {
	svc := NewBacktestService(openTestDB(t), testConfig(t))

	summary, err := svc.Run(context.Background(), testNow, 30)
	if err != nil {
		t.Fatalf("backtest: %v", err)
	}
	if summary.SettledSamples != 0 || summary.ModelBrier != nil || summary.BrierEdge != nil || summary.LogLossEdge != nil {
		t.Fatalf("summary = %+v", summary)
	}
}
