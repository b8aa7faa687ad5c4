/**
 * @description
 * City tables for low temperature markets: ticker city codes, display names,
 * candidate weather stations and forecast coordinates.
 */

package modeling

import (
	"regexp"
	"strings"
)

var cityPattern = regexp.MustCompile(`^KXLOWT([A-Z]+)-`)

var stationAliases = map[string][]string{
	"PHIL": {"KPHL", "PHIL", "KPHIL"},
	"NYC":  {"KNYC", "KJFK", "KLGA", "KEWR", "NYC"},
	"LAX":  {"KLAX", "LAX"},
	"CHI":  {"KORD", "KMDW", "CHI"},
	"MIA":  {"KMIA", "MIA"},
	"SF":   {"KSFO", "SFO"},
	"AUS":  {"KAUS", "KATT", "AUS"},
}

var cityNames = map[string]string{
	"LAX":  "Los Angeles",
	"NYC":  "New York City",
	"PHIL": "Philadelphia",
	"CHI":  "Chicago",
	"MIA":  "Miami",
	"SF":   "San Francisco",
	"AUS":  "Austin",
}

// Coordinates is a forecast point for a city
type Coordinates struct {
	Latitude  float64
	Longitude float64
}

var cityCoordinates = map[string]Coordinates{
	"NYC":  {40.7128, -74.0060},
	"CHI":  {41.8781, -87.6298},
	"MIA":  {25.7617, -80.1918},
	"LAX":  {33.9416, -118.4085},
	"AUS":  {30.2672, -97.7431},
	"PHIL": {39.9526, -75.1652},
	"SF":   {37.7749, -122.4194},
}

// CityCodeFromTicker returns "LAX" for "KXLOWTLAX-26FEB17-T51"
func CityCodeFromTicker(ticker string) (string, bool) {
	m := cityPattern.FindStringSubmatch(strings.ToUpper(ticker))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// StationCandidates lists the station identifiers that may carry a city's forecast
func StationCandidates(cityCode string) []string {
	code := strings.ToUpper(cityCode)
	if aliases, ok := stationAliases[code]; ok {
		out := make([]string, len(aliases))
		copy(out, aliases)
		return out
	}
	return []string{"K" + code, code}
}

// CityName returns a display name, or the code itself when unknown
func CityName(cityCode string) string {
	code := strings.ToUpper(cityCode)
	if name, ok := cityNames[code]; ok {
		return name
	}
	return code
}

// CityCoordinates looks up the forecast point for a city code
func CityCoordinates(cityCode string) (Coordinates, bool) {
	c, ok := cityCoordinates[strings.ToUpper(cityCode)]
	return c, ok
}
