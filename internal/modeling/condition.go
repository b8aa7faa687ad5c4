/**
 * @description
 * Market condition parsing.
 * Turns a low temperature market's title, or failing that its "-T<n>" ticker suffix,
 * into a below, above or range condition on the daily low.
 *
 * @dependencies
 * - standard "regexp"
 */

package modeling

import (
	"fmt"
	"regexp"
	"strconv"
)

// ConditionKind is the shape of a low temperature market condition
type ConditionKind string

const (
	ConditionBelow ConditionKind = "lt"
	ConditionAbove ConditionKind = "gt"
	ConditionRange ConditionKind = "range"
)

// Condition is a temperature condition in °F. Threshold is used by lt/gt,
// Low and High by range (Low <= High always holds).
type Condition struct {
	Kind      ConditionKind `json:"kind"`
	Threshold float64       `json:"threshold,omitempty"`
	Low       float64       `json:"low,omitempty"`
	High      float64       `json:"high,omitempty"`
}

// Below builds an lt condition
func Below(threshold float64) Condition {
	return Condition{Kind: ConditionBelow, Threshold: threshold}
}

// Above builds a gt condition
func Above(threshold float64) Condition {
	return Condition{Kind: ConditionAbove, Threshold: threshold}
}

// Between builds a range condition with bounds in ascending order
func Between(a, b float64) Condition {
	if a > b {
		a, b = b, a
	}
	return Condition{Kind: ConditionRange, Low: a, High: b}
}

func (c Condition) String() string {
	switch c.Kind {
	case ConditionBelow:
		return fmt.Sprintf("<%g°F", c.Threshold)
	case ConditionAbove:
		return fmt.Sprintf(">%g°F", c.Threshold)
	case ConditionRange:
		return fmt.Sprintf("%g-%g°F", c.Low, c.High)
	}
	return "unknown"
}

const number = `(-?\d+(?:\.\d+)?)`

var (
	rangePattern  = regexp.MustCompile(`(?i)` + number + `\s*(?:-|–|to)\s*` + number + `\s*(?:°|deg)`)
	belowPattern  = regexp.MustCompile(`(?i)<\s*` + number + `\s*(?:°|deg)`)
	abovePattern  = regexp.MustCompile(`(?i)>\s*` + number + `\s*(?:°|deg)`)
	tickerPattern = regexp.MustCompile(`-T` + number + `$`)
)

// ParseCondition reads the condition from the market title, falling back to a
// ticker suffix "-T<n>" read as gt(n). ok is false when neither matches.
func ParseCondition(title, ticker string) (Condition, bool) {
	if m := rangePattern.FindStringSubmatch(title); m != nil {
		a, errA := strconv.ParseFloat(m[1], 64)
		b, errB := strconv.ParseFloat(m[2], 64)
		if errA == nil && errB == nil {
			return Between(a, b), true
		}
	}
	if m := belowPattern.FindStringSubmatch(title); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return Below(v), true
		}
	}
	if m := abovePattern.FindStringSubmatch(title); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return Above(v), true
		}
	}
	if v, ok := ThresholdFromTicker(ticker); ok {
		return Above(v), true
	}
	return Condition{}, false
}

// ThresholdFromTicker extracts n from a "-T<n>" ticker suffix
func ThresholdFromTicker(ticker string) (float64, bool) {
	m := tickerPattern.FindStringSubmatch(ticker)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
