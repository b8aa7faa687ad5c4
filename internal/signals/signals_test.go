package signals

import (
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/kalbot-project/backend/internal/modeling"
	"github.com/kalbot-project/backend/internal/models"
)

type fakeForecasts []ForecastSample

func (f fakeForecasts) Samples(stations []string, from, to time.Time) []ForecastSample {
	var out []ForecastSample
	for _, s := range f {
		if s.ValidAt.Before(from) || s.ValidAt.After(to) {
			continue
		}
		for _, st := range stations {
			if st == s.StationID {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

func ptr(v float64) *float64 { return &v }

var now = time.Date(2026, 2, 16, 18, 0, 0, 0, time.UTC)

func nycMarket() models.Market {
	closeAt := now.Add(20 * time.Hour)
	return models.Market{
		Ticker:    "KXLOWTNYC-26FEB17-T54",
		Title:     "Will the minimum temperature be >54° on Feb 17, 2026?",
		CloseTime: &closeAt,
		YesBid:    ptr(0.30),
		YesAsk:    ptr(0.34),
		Volume:    500,
	}
}

func TestEvaluateForecastBacked(t *testing.T) {
	ev := Evaluator{
		Model: &modeling.Model{GlobalSigma: 2, SampleCount: 100},
		Forecasts: fakeForecasts{
			{StationID: "KJFK", ValidAt: now.Add(4 * time.Hour), TempF: 52},
			{StationID: "KNYC", ValidAt: now.Add(10 * time.Hour), TempF: 50},
			{StationID: "KJFK", ValidAt: now.Add(12 * time.Hour), TempF: 55},
			// after close and before the lookback, both ignored
			{StationID: "KJFK", ValidAt: now.Add(30 * time.Hour), TempF: 40},
			{StationID: "KJFK", ValidAt: now.Add(-2 * time.Hour), TempF: 41},
			// wrong city
			{StationID: "KORD", ValidAt: now.Add(5 * time.Hour), TempF: 20},
		},
		Now: now,
	}

	got := ev.Evaluate(nycMarket())
	if got.Status != StatusOK {
		t.Fatalf("status = %v (%s), want ok", got.Status, got.Reason)
	}
	c := got.Candidate
	if c.ProjectedLowF == nil || *c.ProjectedLowF != 50 || c.StationID != "KNYC" {
		t.Fatalf("projected low = %v at %s, want 50 at KNYC", c.ProjectedLowF, c.StationID)
	}
	if c.SampleCount != 3 {
		t.Fatalf("sample count = %d, want 3", c.SampleCount)
	}
	if c.ModelProb >= 0.10 {
		t.Fatalf("model prob = %v, want < 0.10", c.ModelProb)
	}
	if math.Abs(c.MarketProb-0.32) > 1e-9 {
		t.Fatalf("market prob = %v, want 0.32", c.MarketProb)
	}
	if math.Abs(c.Edge-(c.ModelProb-c.MarketProb)) > 1e-12 {
		t.Fatalf("edge = %v", c.Edge)
	}
	if math.Abs(c.Confidence-0.95) > 1e-9 {
		t.Fatalf("confidence = %v, want 0.95", c.Confidence)
	}
	if !(c.CILow <= c.ModelProb && c.ModelProb <= c.CIHigh) || c.CILow < MinModelProb {
		t.Fatalf("interval [%v, %v] around %v", c.CILow, c.CIHigh, c.ModelProb)
	}
	if c.Quality() != models.SignalQualityOK || !strings.Contains(c.Rationale, "KNYC") {
		t.Fatalf("quality %s rationale %q", c.Quality(), c.Rationale)
	}
}

func TestEvaluateDegradedAndUnavailable(t *testing.T) {
	t.Run("no forecast mirrors market", func(t *testing.T) {
		ev := Evaluator{Now: now}
		got := ev.Evaluate(nycMarket())
		if got.Status != StatusDegraded {
			t.Fatalf("status = %v, want degraded", got.Status)
		}
		c := got.Candidate
		if c.HasForecast || math.Abs(c.ModelProb-c.MarketProb) > 1e-12 || c.Confidence != FallbackConfidence {
			t.Fatalf("unexpected fallback candidate %+v", c)
		}
		if c.Edge != 0 || c.SigmaF != modeling.FallbackSigmaF {
			t.Fatalf("edge = %v sigma = %v", c.Edge, c.SigmaF)
		}
	})

	t.Run("forecast without quote mirrors model", func(t *testing.T) {
		m := nycMarket()
		m.YesBid, m.YesAsk = nil, nil
		ev := Evaluator{Now: now, Forecasts: fakeForecasts{{StationID: "KJFK", ValidAt: now.Add(time.Hour), TempF: 56}}}
		got := ev.Evaluate(m)
		if got.Status != StatusDegraded || !got.Candidate.HasForecast {
			t.Fatalf("status = %v has_forecast = %v", got.Status, got.Candidate.HasForecast)
		}
		if got.Candidate.Edge != 0 {
			t.Fatalf("edge = %v, want 0", got.Candidate.Edge)
		}
	})

	tests := []struct {
		name   string
		market func() models.Market
	}{
		{"no forecast and no quote", func() models.Market {
			m := nycMarket()
			m.YesBid, m.YesAsk = nil, nil
			return m
		}},
		{"not a low temperature ticker", func() models.Market {
			m := nycMarket()
			m.Ticker = "KXHIGHNY-26FEB17-T54"
			return m
		}},
		{"condition not parseable", func() models.Market {
			m := nycMarket()
			m.Ticker = "KXLOWTNYC-26FEB17"
			m.Title = "New York low temperature"
			return m
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Evaluator{Now: now}
			if got := ev.Evaluate(tt.market()); got.Status != StatusUnavailable || got.Reason == "" {
				t.Fatalf("status = %v reason = %q, want unavailable", got.Status, got.Reason)
			}
		})
	}
}

func TestOpenEndedMarketUsesDefaultHorizon(t *testing.T) {
	m := nycMarket()
	m.CloseTime = nil
	ev := Evaluator{
		Now: now,
		Forecasts: fakeForecasts{
			{StationID: "KJFK", ValidAt: now.Add(35 * time.Hour), TempF: 49},
			{StationID: "KJFK", ValidAt: now.Add(37 * time.Hour), TempF: 30},
		},
	}
	got := ev.Evaluate(m)
	if got.Candidate.ProjectedLowF == nil || *got.Candidate.ProjectedLowF != 49 {
		t.Fatalf("projected low = %v, want 49", got.Candidate.ProjectedLowF)
	}
}

func TestEvaluateAndRank(t *testing.T) {
	backed := nycMarket()
	fallback := nycMarket()
	fallback.Ticker = "KXLOWTCHI-26FEB17-T20"
	broken := nycMarket()
	broken.Ticker = "KXRAIN-26FEB17"

	ev := Evaluator{
		Now:       now,
		Forecasts: fakeForecasts{{StationID: "KJFK", ValidAt: now.Add(time.Hour), TempF: 50}},
	}
	ranked, tally := ev.EvaluateAndRank([]models.Market{fallback, broken, backed})
	if tally != (Tally{OK: 1, Degraded: 1, Unavailable: 1}) {
		t.Fatalf("tally = %+v", tally)
	}
	if len(ranked) != 2 || ranked[0].Ticker != backed.Ticker {
		t.Fatalf("ranked = %+v", ranked)
	}
}

func TestSortByRankBreaksTiesByTicker(t *testing.T) {
	cs := []Candidate{
		{Ticker: "B", RankingScore: 0.5},
		{Ticker: "A", RankingScore: 0.5},
		{Ticker: "C", RankingScore: 0.9},
	}
	SortByRank(cs)
	if cs[0].Ticker != "C" || cs[1].Ticker != "A" || cs[2].Ticker != "B" {
		t.Fatalf("order = %s %s %s", cs[0].Ticker, cs[1].Ticker, cs[2].Ticker)
	}
}

func cands(pairs ...interface{}) []Candidate {
	var out []Candidate
	for i := 0; i < len(pairs); i += 2 {
		city := pairs[i].(string)
		score := pairs[i+1].(float64)
		out = append(out, Candidate{Ticker: fmt.Sprintf("%s-%d", city, i), CityCode: city, RankingScore: score})
	}
	return out
}

func TestSelectForPublication(t *testing.T) {
	tests := []struct {
		name       string
		in         []Candidate
		limit      int
		maxPerCity int
		want       []float64
	}{
		{"diversifies before backfilling", cands("LAX", 0.9, "LAX", 0.8, "AUS", 0.7, "PHIL", 0.6), 3, 2, []float64{0.9, 0.7, 0.6}},
		{"backfills under the cap", cands("LAX", 0.9, "LAX", 0.8, "LAX", 0.75, "AUS", 0.7), 4, 2, []float64{0.9, 0.7, 0.8}},
		{"default cap when non-positive", cands("LAX", 0.9, "LAX", 0.8, "LAX", 0.75), 5, 0, []float64{0.9, 0.8}},
		{"zero limit", cands("LAX", 0.9), 0, 2, nil},
		{"empty input", nil, 3, 2, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectForPublication(tt.in, tt.limit, tt.maxPerCity)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d candidates, want %d", len(got), len(tt.want))
			}
			for i, c := range got {
				if c.RankingScore != tt.want[i] {
					t.Fatalf("pick %d = %v, want %v", i, c.RankingScore, tt.want[i])
				}
			}
		})
	}
}

func TestSelectionRespectsCityCap(t *testing.T) {
	in := cands("NYC", 0.9, "NYC", 0.85, "NYC", 0.8, "NYC", 0.7, "MIA", 0.6, "MIA", 0.5, "MIA", 0.4)
	got := SelectForPublication(in, 10, 2)
	counts := map[string]int{}
	for _, c := range got {
		counts[c.CityCode]++
	}
	if len(got) != 4 || counts["NYC"] != 2 || counts["MIA"] != 2 {
		t.Fatalf("counts = %v (n=%d)", counts, len(got))
	}
}

func TestPublicationPool(t *testing.T) {
	liquid := Candidate{Ticker: "A", HasForecast: true, Volume: 500}
	thin := Candidate{Ticker: "B", HasForecast: true, Volume: 5}
	fallback := Candidate{Ticker: "C", Volume: 10000}

	if got := PublicationPool([]Candidate{liquid, thin, fallback}, 100); len(got) != 1 || got[0].Ticker != "A" {
		t.Fatalf("liquid pool = %+v", got)
	}
	if got := PublicationPool([]Candidate{thin, fallback}, 100); len(got) != 1 || got[0].Ticker != "B" {
		t.Fatalf("forecast pool = %+v", got)
	}
	if got := PublicationPool([]Candidate{fallback}, 100); len(got) != 1 || got[0].Ticker != "C" {
		t.Fatalf("fallback pool = %+v", got)
	}
}

func TestDeriveAction(t *testing.T) {
	tests := []struct {
		edge, confidence float64
		want             Action
	}{
		{0.08, 0.7, ActionLeanYes},
		{-0.05, 0.7, ActionLeanNo},
		{0.08, 0.5, ActionPass},
		{0.01, 0.9, ActionPass},
		{0.03, 0.58, ActionLeanYes},
	}
	for _, tt := range tests {
		if got := DeriveAction(tt.edge, tt.confidence, 0.03); got != tt.want {
			t.Errorf("DeriveAction(%v, %v) = %s, want %s", tt.edge, tt.confidence, got, tt.want)
		}
	}
}

func TestEntryPrice(t *testing.T) {
	if got := EntryPrice(ActionLeanNo, 0.37); got != 0.63 {
		t.Fatalf("lean_no entry = %v, want 0.63", got)
	}
	if got := EntryPrice(ActionLeanYes, 1.4); got != 0.99 {
		t.Fatalf("clamped entry = %v, want 0.99", got)
	}
}

func TestSuggestedNotional(t *testing.T) {
	if got := SuggestedNotional(ActionPass, 0.2, 0.9, 0.03, 50); got != 0 {
		t.Fatalf("pass notional = %v", got)
	}
	if got := SuggestedNotional(ActionLeanYes, 0.03, 0.55, 0.03, 50); got != 17.5 {
		t.Fatalf("floor notional = %v, want 17.5", got)
	}
	if got := SuggestedNotional(ActionLeanNo, -0.06, 0.95, 0.03, 50); got != 50 {
		t.Fatalf("full notional = %v, want 50", got)
	}
}

func TestContractsForNotional(t *testing.T) {
	tests := []struct {
		name                string
		price, notional     float64
		maxContracts, wants int
	}{
		{"cap wins", 0.32, 300, 12, 12},
		{"floor of affordability", 0.3, 1, 100, 3},
		{"exact multiple survives float error", 0.1, 0.3, 100, 3},
		{"zero price", 0, 300, 12, 0},
		{"zero notional", 0.32, 0, 12, 0},
		{"zero cap", 0.32, 300, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ContractsForNotional(tt.price, tt.notional, tt.maxContracts); got != tt.wants {
				t.Fatalf("got %d, want %d", got, tt.wants)
			}
		})
	}
}

func TestEdgeToOrder(t *testing.T) {
	side, price := EdgeToOrder(0.11, 0.41)
	if side != models.SideYes || price != 0.41 {
		t.Fatalf("positive edge = %s @ %v", side, price)
	}
	side, price = EdgeToOrder(-0.07, 0.41)
	if side != models.SideNo || price != 0.59 {
		t.Fatalf("negative edge = %s @ %v", side, price)
	}
}

func TestBuildPlaybook(t *testing.T) {
	sig := models.PublishedSignal{
		MarketTicker:  "KXLOWTNYC-26FEB17-T54",
		Edge:          0.08,
		Confidence:    0.95,
		MarketProbYes: 0.40,
		Quality:       string(models.SignalQualityOK),
	}
	pb := BuildPlaybook(sig, PlaybookSettings{EdgeThreshold: 0.03, MaxNotionalPerSignal: 50, MaxContractsPerOrder: 100})
	if pb.Action != ActionLeanYes || pb.EntryPrice != 0.4 || pb.SuggestedNotional != 50 || pb.SuggestedContracts != 100 {
		t.Fatalf("playbook = %+v", pb)
	}

	sig.Confidence = 0.5
	pb = BuildPlaybook(sig, PlaybookSettings{EdgeThreshold: 0.03, MaxNotionalPerSignal: 50, MaxContractsPerOrder: 100})
	if pb.Action != ActionPass || pb.SuggestedContracts != 0 || pb.SuggestedNotional != 0 {
		t.Fatalf("low confidence playbook = %+v", pb)
	}
}
