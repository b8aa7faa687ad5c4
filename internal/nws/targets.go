package nws

import (
	"strconv"
	"strings"
)

// Target is a named coordinate to ingest weather for
type Target struct {
	Name      string
	Latitude  float64
	Longitude float64
}

// ParseTargets parses "name:lat,lon;name:lat,lon". Malformed chunks are skipped.
func ParseTargets(raw string) []Target {
	var out []Target
	for _, chunk := range strings.Split(raw, ";") {
		item := strings.TrimSpace(chunk)
		if item == "" {
			continue
		}
		name, coords, ok := strings.Cut(item, ":")
		if !ok {
			continue
		}
		latText, lonText, ok := strings.Cut(coords, ",")
		if !ok {
			continue
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(latText), 64)
		if err != nil {
			continue
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(lonText), 64)
		if err != nil {
			continue
		}
		out = append(out, Target{Name: strings.TrimSpace(name), Latitude: lat, Longitude: lon})
	}
	return out
}
