/**
 * @description
 * Diversified selection.
 * Two passes over ranked candidates: the first takes the best market of each city, the
 * second backfills open slots while a city stays under its cap.
 */

package signals

// DefaultMaxPerCity caps how many published signals may share a city
const DefaultMaxPerCity = 2

// PublicationPool picks the strictest non-empty pool from ranked candidates:
// liquid and forecast-backed, then forecast-backed, then everything. Order is kept.
func PublicationPool(ranked []Candidate, minLiquidVolume float64) []Candidate {
	var liquid, backed []Candidate
	for _, c := range ranked {
		if !c.HasForecast {
			continue
		}
		backed = append(backed, c)
		if c.Volume >= minLiquidVolume {
			liquid = append(liquid, c)
		}
	}
	switch {
	case len(liquid) > 0:
		return liquid
	case len(backed) > 0:
		return backed
	}
	return ranked
}

// SelectForPublication picks up to limit candidates from a ranked list in two passes.
// Pass one takes the first candidate of each distinct city; pass two backfills with
// the next best candidates whose city is still under maxPerCity. The result lists
// pass-one picks, then pass-two picks, each in rank order.
func SelectForPublication(ranked []Candidate, limit, maxPerCity int) []Candidate {
	if limit <= 0 || len(ranked) == 0 {
		return nil
	}
	if maxPerCity <= 0 {
		maxPerCity = DefaultMaxPerCity
	}

	picked := make([]int, 0, limit)
	taken := make([]bool, len(ranked))
	perCity := make(map[string]int)

	take := func(i int) {
		picked = append(picked, i)
		taken[i] = true
		perCity[ranked[i].CityCode]++
	}

	for i, c := range ranked {
		if len(picked) >= limit {
			break
		}
		if perCity[c.CityCode] == 0 {
			take(i)
		}
	}

	for i, c := range ranked {
		if len(picked) >= limit {
			break
		}
		if taken[i] || perCity[c.CityCode] >= maxPerCity {
			continue
		}
		take(i)
	}

	out := make([]Candidate, 0, len(picked))
	for _, i := range picked {
		out = append(out, ranked[i])
	}
	return out
}
