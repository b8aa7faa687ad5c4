/**
 * @description
 * Gaussian low temperature model.
 * The true daily low is modeled as Normal(projected low, sigma). Sigma comes from
 * historical forecast error, per station when available.
 *
 * @dependencies
 * - standard "math"
 */

package modeling

import (
	"errors"
	"math"
	"strings"
	"time"
)

const (
	ModelVersion   = "low-temp-normal-v1"
	MinSigmaF      = 1.5
	FallbackSigmaF = 3.5
)

// ErrNoTrainingExamples is returned when no forecast/observation pair matched
var ErrNoTrainingExamples = errors.New("no matched forecast/observation examples")

// NormalCDF is P(X <= x) for X ~ Normal(mu, sigma)
func NormalCDF(x, mu, sigma float64) float64 {
	return 0.5 * (1 + math.Erf((x-mu)/(sigma*math.Sqrt2)))
}

// ConditionProbability returns P(condition holds) when the low is Normal(mu, sigma).
// Sigma is floored at MinSigmaF.
func ConditionProbability(c Condition, mu, sigma float64) float64 {
	sigma = math.Max(sigma, MinSigmaF)
	switch c.Kind {
	case ConditionBelow:
		return NormalCDF(c.Threshold, mu, sigma)
	case ConditionAbove:
		return 1 - NormalCDF(c.Threshold, mu, sigma)
	case ConditionRange:
		return NormalCDF(c.High, mu, sigma) - NormalCDF(c.Low, mu, sigma)
	}
	return 0
}

// Model is a trained forecast error model
type Model struct {
	Version      string             `json:"version"`
	GlobalSigma  float64            `json:"global_sigma"`
	RMSE         float64            `json:"rmse"`
	StationSigma map[string]float64 `json:"station_sigma"`
	SampleCount  int                `json:"sample_count"`
	TrainedAt    time.Time          `json:"trained_at"`
}

// SigmaFor resolves sigma for a station: station sigma, then global sigma, then the
// fallback, floored at MinSigmaF. A trained sigma of zero is kept and floored. A nil
// or untrained model yields the fallback.
func (m *Model) SigmaFor(stationID string) float64 {
	if m == nil {
		return math.Max(FallbackSigmaF, MinSigmaF)
	}
	if s, ok := m.StationSigma[strings.ToUpper(stationID)]; ok {
		return math.Max(s, MinSigmaF)
	}
	if m.SampleCount > 0 {
		return math.Max(m.GlobalSigma, MinSigmaF)
	}
	return math.Max(FallbackSigmaF, MinSigmaF)
}

// Samples returns the training sample count, zero for a nil model
func (m *Model) Samples() int {
	if m == nil {
		return 0
	}
	return m.SampleCount
}

// TrainingExample pairs a station's forecast low with the observed low for one date
type TrainingExample struct {
	StationID    string  `json:"station_id"`
	Date         string  `json:"date"`
	ForecastLowF float64 `json:"forecast_low_f"`
	ObservedLowF float64 `json:"observed_low_f"`
}

// Error is observed minus forecast
func (e TrainingExample) Error() float64 {
	return e.ObservedLowF - e.ForecastLowF
}

// Train fits per-station and global sigma (population standard deviation of error)
// and the global RMSE.
func Train(examples []TrainingExample, trainedAt time.Time) (*Model, error) {
	if len(examples) == 0 {
		return nil, ErrNoTrainingExamples
	}

	all := make([]float64, 0, len(examples))
	byStation := map[string][]float64{}
	for _, ex := range examples {
		e := ex.Error()
		all = append(all, e)
		station := strings.ToUpper(ex.StationID)
		byStation[station] = append(byStation[station], e)
	}

	stationSigma := make(map[string]float64, len(byStation))
	for station, errs := range byStation {
		stationSigma[station] = populationStdDev(errs)
	}

	var sq float64
	for _, e := range all {
		sq += e * e
	}

	return &Model{
		Version:      ModelVersion,
		GlobalSigma:  populationStdDev(all),
		RMSE:         math.Sqrt(sq / float64(len(all))),
		StationSigma: stationSigma,
		SampleCount:  len(all),
		TrainedAt:    trainedAt,
	}, nil
}

func populationStdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(values)))
}

// ToFahrenheit converts a temperature to °F when its unit tag marks Celsius
func ToFahrenheit(value float64, unit string) float64 {
	switch strings.ToUpper(strings.TrimSpace(unit)) {
	case "C", "DEGC", "WMOUNIT:DEGC", "CELSIUS":
		return value*9/5 + 32
	}
	return value
}
