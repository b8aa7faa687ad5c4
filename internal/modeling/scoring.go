/**
 * @description
 * Probability scoring: Brier score, log-loss and calibration error.
 *
 * @dependencies
 * - standard "math"
 */

package modeling

import "math"

const probEpsilon = 1e-6

// Clamp bounds x to [lo, hi]
func Clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

// Clip bounds a probability to [1e-6, 1-1e-6] so logs stay finite
func Clip(p float64) float64 {
	return Clamp(p, probEpsilon, 1-probEpsilon)
}

// Brier is the squared error of a probability against a 0/1 outcome
func Brier(p, outcome float64) float64 {
	d := p - outcome
	return d * d
}

// LogLoss is the negative log-likelihood of a 0/1 outcome, with p clipped first
func LogLoss(p, outcome float64) float64 {
	p = Clip(p)
	return -(outcome*math.Log(p) + (1-outcome)*math.Log(1-p))
}

// Outcome maps a boolean result to 1 or 0
func Outcome(yes bool) float64 {
	if yes {
		return 1
	}
	return 0
}

// ScoreAccumulator averages Brier, log-loss and calibration error over scored predictions
type ScoreAccumulator struct {
	n           int
	brier       float64
	logLoss     float64
	calibration float64
}

// Add scores one prediction against its outcome. p is clipped once so all three
// aggregates score the same probability.
func (a *ScoreAccumulator) Add(p float64, outcomeYes bool) {
	p = Clip(p)
	o := Outcome(outcomeYes)
	a.n++
	a.brier += Brier(p, o)
	a.logLoss += LogLoss(p, o)
	a.calibration += math.Abs(p - o)
}

// Count is the number of scored predictions
func (a *ScoreAccumulator) Count() int {
	return a.n
}

// Means returns nil pointers when nothing was scored
func (a *ScoreAccumulator) Means() (brier, logLoss, calibration *float64) {
	if a.n == 0 {
		return nil, nil, nil
	}
	n := float64(a.n)
	b, l, c := a.brier/n, a.logLoss/n, a.calibration/n
	return &b, &l, &c
}
