/**
 * @description
 * Candidate evaluation for low temperature markets.
 * Joins a market to its forecast window, prices its condition with the Gaussian model,
 * and scores the result for ranking. Every market produces a tagged Evaluation:
 * forecast-backed, degraded to a market-mirroring fallback, or unavailable.
 *
 * @dependencies
 * - backend/internal/modeling
 * - backend/internal/models
 */

package signals

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kalbot-project/backend/internal/modeling"
	"github.com/kalbot-project/backend/internal/models"
)

// Scoring constants
const (
	MinModelProb        = 0.01
	MaxModelProb        = 0.99
	FallbackConfidence  = 0.55
	MaxConfidence       = 0.97
	DefaultLookback     = time.Hour
	DefaultOpenEndedFor = 36 * time.Hour
)

// Status tags an evaluation result
type Status int

const (
	StatusOK Status = iota
	StatusDegraded
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDegraded:
		return "degraded"
	}
	return "unavailable"
}

// Candidate is one scored market. It is rebuilt on every scoring pass.
type Candidate struct {
	Ticker        string             `json:"market_ticker"`
	Title         string             `json:"title"`
	CityCode      string             `json:"city_code"`
	CityName      string             `json:"city_name"`
	Condition     modeling.Condition `json:"condition"`
	ProjectedLowF *float64           `json:"projected_low_f,omitempty"`
	StationID     string             `json:"station_id,omitempty"`
	SampleCount   int                `json:"sample_count"`
	SigmaF        float64            `json:"sigma_f"`
	ModelProb     float64            `json:"model_prob"`
	MarketProb    float64            `json:"market_prob"`
	Edge          float64            `json:"edge"`
	Confidence    float64            `json:"confidence"`
	CILow         float64            `json:"ci_low"`
	CIHigh        float64            `json:"ci_high"`
	RankingScore  float64            `json:"ranking_score"`
	Volume        float64            `json:"volume"`
	HasForecast   bool               `json:"has_forecast"`
	Rationale     string             `json:"rationale"`
}

// Quality maps the forecast flag to the persisted quality tag
func (c Candidate) Quality() models.SignalQuality {
	if c.HasForecast {
		return models.SignalQualityOK
	}
	return models.SignalQualityDegraded
}

// Evaluation is Ok(candidate), Degraded(candidate, reason) or Unavailable(reason)
type Evaluation struct {
	Status    Status
	Candidate Candidate
	Reason    string
}

// ForecastSample is one forecast temperature in °F
type ForecastSample struct {
	StationID string
	ValidAt   time.Time
	TempF     float64
}

// ForecastSource returns temperature samples for any of the stations with
// valid time in [from, to].
type ForecastSource interface {
	Samples(stations []string, from, to time.Time) []ForecastSample
}

// Evaluator scores markets against the latest model and forecast samples
type Evaluator struct {
	Model     *modeling.Model
	Forecasts ForecastSource
	Now       time.Time
	Lookback  time.Duration
}

// Evaluate scores one market
func (e *Evaluator) Evaluate(m models.Market) Evaluation {
	city, ok := modeling.CityCodeFromTicker(m.Ticker)
	if !ok {
		return Evaluation{Status: StatusUnavailable, Reason: "ticker is not a low temperature market"}
	}
	cond, ok := modeling.ParseCondition(m.Title, m.Ticker)
	if !ok {
		return Evaluation{Status: StatusUnavailable, Reason: "condition not parseable from title or ticker"}
	}

	stations := modeling.StationCandidates(city)
	from := e.Now.Add(-e.lookback())
	to := e.Now.Add(DefaultOpenEndedFor)
	if m.CloseTime != nil {
		to = *m.CloseTime
	}

	var samples []ForecastSample
	if e.Forecasts != nil && !to.Before(from) {
		samples = e.Forecasts.Samples(stations, from, to)
	}
	marketYes, hasQuote := m.ImpliedYes()

	c := Candidate{
		Ticker:    m.Ticker,
		Title:     m.Title,
		CityCode:  city,
		CityName:  modeling.CityName(city),
		Condition: cond,
		Volume:    m.Volume,
	}

	if len(samples) == 0 {
		if !hasQuote {
			return Evaluation{Status: StatusUnavailable, Reason: "no forecast samples and no market quote"}
		}
		c.SigmaF = e.Model.SigmaFor("")
		c.ModelProb = modeling.Clamp(marketYes, MinModelProb, MaxModelProb)
		c.MarketProb = marketYes
		c.Confidence = FallbackConfidence
		e.finish(&c)
		c.Rationale = fmt.Sprintf("No forecast samples for %s between %s and %s; mirroring market %.2f for %s.",
			strings.Join(stations, "/"), from.Format(time.RFC3339), to.Format(time.RFC3339), marketYes, cond)
		return Evaluation{Status: StatusDegraded, Candidate: c, Reason: "no forecast samples in window"}
	}

	low := samples[0]
	for _, s := range samples[1:] {
		if s.TempF < low.TempF {
			low = s
		}
	}
	projected := low.TempF
	c.ProjectedLowF = &projected
	c.StationID = low.StationID
	c.SampleCount = len(samples)
	c.HasForecast = true
	c.SigmaF = e.Model.SigmaFor(low.StationID)
	c.ModelProb = modeling.Clamp(modeling.ConditionProbability(cond, projected, c.SigmaF), MinModelProb, MaxModelProb)

	status, reason := StatusOK, ""
	if hasQuote {
		c.MarketProb = marketYes
	} else {
		c.MarketProb = c.ModelProb
		status, reason = StatusDegraded, "no market quote; market mirrors model"
	}

	sampleBonus := math.Min(0.10, float64(e.Model.Samples())/500)
	c.Confidence = modeling.Clamp(0.60+math.Min(0.25, math.Abs(c.ModelProb-c.MarketProb)*1.5)+sampleBonus, FallbackConfidence, MaxConfidence)
	e.finish(&c)
	c.Rationale = fmt.Sprintf("Min forecast %.1f°F at %s over %d samples, sigma %.2f°F: P(%s)=%.2f vs market %.2f (edge %+.2f).",
		projected, low.StationID, len(samples), c.SigmaF, cond, c.ModelProb, c.MarketProb, c.Edge)

	return Evaluation{Status: status, Candidate: c, Reason: reason}
}

// finish fills edge, interval and ranking score from the probabilities and sigma
func (e *Evaluator) finish(c *Candidate) {
	c.Edge = c.ModelProb - c.MarketProb

	half := modeling.Clamp(math.Min(0.20, c.SigmaF/20), 0.05, 0.20)
	c.CILow = modeling.Clamp(c.ModelProb-half, MinModelProb, MaxModelProb)
	c.CIHigh = modeling.Clamp(c.ModelProb+half, MinModelProb, MaxModelProb)

	forecastBonus := 0.0
	if c.HasForecast {
		forecastBonus = 0.2
	}
	liquidity := math.Min(0.05, c.Volume/20000)
	uncertainty := 0.03 * (1 - math.Min(1, math.Abs(c.MarketProb-0.5)*2))
	c.RankingScore = math.Abs(c.Edge) + forecastBonus + liquidity + uncertainty
}

func (e *Evaluator) lookback() time.Duration {
	if e.Lookback > 0 {
		return e.Lookback
	}
	return DefaultLookback
}

// Tally counts evaluation outcomes
type Tally struct {
	OK          int `json:"ok"`
	Degraded    int `json:"degraded"`
	Unavailable int `json:"unavailable"`
}

// EvaluateAndRank scores every market and returns the usable candidates ordered by
// ranking score (highest first, ticker breaks ties). Unavailable markets are counted
// and dropped.
func (e *Evaluator) EvaluateAndRank(markets []models.Market) ([]Candidate, Tally) {
	var tally Tally
	candidates := make([]Candidate, 0, len(markets))
	for _, m := range markets {
		ev := e.Evaluate(m)
		switch ev.Status {
		case StatusOK:
			tally.OK++
		case StatusDegraded:
			tally.Degraded++
		default:
			tally.Unavailable++
			continue
		}
		candidates = append(candidates, ev.Candidate)
	}
	SortByRank(candidates)
	return candidates, tally
}

// SortByRank orders candidates by ranking score descending, then ticker
func SortByRank(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].RankingScore != candidates[j].RankingScore {
			return candidates[i].RankingScore > candidates[j].RankingScore
		}
		return candidates[i].Ticker < candidates[j].Ticker
	})
}
