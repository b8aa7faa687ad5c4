/**
 * @description
 * HTTP client for the National Weather Service API (api.weather.gov).
 * Resolves a lat/lon point to its hourly forecast and nearest observation station,
 * then reads forecast periods and the latest station observation.
 *
 * @dependencies
 * - net/http
 * - encoding/json
 * - backend/internal/config
 */

package nws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kalbot-project/backend/internal/config"
)

const DefaultTimeout = 20 * time.Second

// ErrMissingLinks is returned when a points payload lacks forecast or station links
var ErrMissingLinks = errors.New("nws point payload missing forecast/stations links")

type Client struct {
	BaseURL    string
	UserAgent  string
	HTTPClient *http.Client
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		BaseURL:   strings.TrimRight(cfg.Weather.APIBase, "/"),
		UserAgent: cfg.Weather.UserAgent,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// Point is the subset of /points/{lat},{lon} used for ingestion
type Point struct {
	ForecastHourlyURL      string
	ObservationStationsURL string
}

// Station is a resolved observation station
type Station struct {
	ID             string
	ObservationURL string
}

// Point resolves a coordinate to its forecast and station links
func (c *Client) Point(ctx context.Context, lat, lon float64) (*Point, error) {
	var payload struct {
		Properties struct {
			ForecastHourly      string `json:"forecastHourly"`
			ObservationStations string `json:"observationStations"`
		} `json:"properties"`
	}
	u := fmt.Sprintf("%s/points/%s,%s", c.BaseURL, formatCoord(lat), formatCoord(lon))
	if err := c.getJSON(ctx, u, &payload); err != nil {
		return nil, err
	}
	if payload.Properties.ForecastHourly == "" || payload.Properties.ObservationStations == "" {
		return nil, ErrMissingLinks
	}
	return &Point{
		ForecastHourlyURL:      payload.Properties.ForecastHourly,
		ObservationStationsURL: payload.Properties.ObservationStations,
	}, nil
}

// FirstStation returns the first station listed at stationsURL. With no stations the
// target name is used as a synthetic id.
func (c *Client) FirstStation(ctx context.Context, stationsURL, targetName string) (*Station, error) {
	var payload struct {
		Features []struct {
			ID         string `json:"id"`
			Properties struct {
				StationIdentifier string `json:"stationIdentifier"`
				ID                string `json:"@id"`
			} `json:"properties"`
		} `json:"features"`
	}
	if err := c.getJSON(ctx, stationsURL, &payload); err != nil {
		return nil, err
	}

	base := strings.TrimRight(stationsURL, "/")
	if len(payload.Features) == 0 {
		return &Station{ID: strings.ToUpper(targetName), ObservationURL: base + "/observations/latest"}, nil
	}

	f := payload.Features[0]
	id := f.Properties.StationIdentifier
	if id == "" {
		id = strings.ToUpper(targetName)
	}
	stationURL := f.Properties.ID
	if stationURL == "" {
		stationURL = f.ID
	}
	if stationURL == "" {
		stationURL = base + "/0"
	}
	return &Station{ID: id, ObservationURL: strings.TrimRight(stationURL, "/") + "/observations/latest"}, nil
}

// Period is one hourly forecast period
type Period struct {
	StartTime    time.Time
	Temperature  float64
	Unit         string
	PrecipPct    *float64
	HumidityPct  *float64
	WindSpeedMPH *float64
}

// Forecast is an hourly forecast with its generation time
type Forecast struct {
	GeneratedAt time.Time
	Periods     []Period
}

type quantity struct {
	Value    *float64 `json:"value"`
	UnitCode string   `json:"unitCode"`
}

// HourlyForecast reads up to maxPeriods periods from a forecastHourly URL
func (c *Client) HourlyForecast(ctx context.Context, forecastURL string, maxPeriods int) (*Forecast, error) {
	var payload struct {
		Properties struct {
			GeneratedAt string `json:"generatedAt"`
			Periods     []struct {
				StartTime                  string   `json:"startTime"`
				Temperature                float64  `json:"temperature"`
				TemperatureUnit            string   `json:"temperatureUnit"`
				ProbabilityOfPrecipitation quantity `json:"probabilityOfPrecipitation"`
				RelativeHumidity           quantity `json:"relativeHumidity"`
				WindSpeed                  string   `json:"windSpeed"`
			} `json:"periods"`
		} `json:"properties"`
	}
	if err := c.getJSON(ctx, forecastURL, &payload); err != nil {
		return nil, err
	}

	out := &Forecast{GeneratedAt: time.Now().UTC()}
	if t, err := time.Parse(time.RFC3339, payload.Properties.GeneratedAt); err == nil {
		out.GeneratedAt = t.UTC()
	}
	for i, p := range payload.Properties.Periods {
		if maxPeriods > 0 && i >= maxPeriods {
			break
		}
		start, err := time.Parse(time.RFC3339, p.StartTime)
		if err != nil {
			return nil, fmt.Errorf("nws period start time %q: %w", p.StartTime, err)
		}
		out.Periods = append(out.Periods, Period{
			StartTime:    start.UTC(),
			Temperature:  p.Temperature,
			Unit:         p.TemperatureUnit,
			PrecipPct:    p.ProbabilityOfPrecipitation.Value,
			HumidityPct:  p.RelativeHumidity.Value,
			WindSpeedMPH: ParseWindSpeedMPH(p.WindSpeed),
		})
	}
	return out, nil
}

// Measurement is one observed quantity with its WMO unit code
type Measurement struct {
	Value    float64
	UnitCode string
}

// Observation is a station's latest observation keyed by metric name
type Observation struct {
	ObservedAt time.Time
	Values     map[string]Measurement
}

// LatestObservation reads the latest observation at an observations/latest URL
func (c *Client) LatestObservation(ctx context.Context, observationURL string) (*Observation, error) {
	var payload struct {
		Properties struct {
			Timestamp             string   `json:"timestamp"`
			Temperature           quantity `json:"temperature"`
			Dewpoint              quantity `json:"dewpoint"`
			RelativeHumidity      quantity `json:"relativeHumidity"`
			WindSpeed             quantity `json:"windSpeed"`
			BarometricPressure    quantity `json:"barometricPressure"`
			SeaLevelPressure      quantity `json:"seaLevelPressure"`
			Visibility            quantity `json:"visibility"`
			PrecipitationLastHour quantity `json:"precipitationLastHour"`
		} `json:"properties"`
	}
	if err := c.getJSON(ctx, observationURL, &payload); err != nil {
		return nil, err
	}
	p := payload.Properties
	observedAt, err := time.Parse(time.RFC3339, p.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("nws observation timestamp %q: %w", p.Timestamp, err)
	}

	obs := &Observation{ObservedAt: observedAt.UTC(), Values: map[string]Measurement{}}
	for name, q := range map[string]quantity{
		"temperature":             p.Temperature,
		"dewpoint":                p.Dewpoint,
		"relative_humidity":       p.RelativeHumidity,
		"wind_speed":              p.WindSpeed,
		"barometric_pressure":     p.BarometricPressure,
		"sea_level_pressure":      p.SeaLevelPressure,
		"visibility":              p.Visibility,
		"precipitation_last_hour": p.PrecipitationLastHour,
	} {
		if q.Value != nil {
			obs.Values[name] = Measurement{Value: *q.Value, UnitCode: q.UnitCode}
		}
	}
	return obs, nil
}

var numberRe = regexp.MustCompile(`\d+(?:\.\d+)?`)

// ParseWindSpeedMPH averages the numbers in strings like "10 mph" or "10 to 15 mph"
func ParseWindSpeedMPH(text string) *float64 {
	nums := numberRe.FindAllString(text, -1)
	if len(nums) == 0 {
		return nil
	}
	sum := 0.0
	for _, n := range nums {
		v, _ := strconv.ParseFloat(n, 64)
		sum += v
	}
	avg := sum / float64(len(nums))
	return &avg
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func (c *Client) getJSON(ctx context.Context, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept", "application/geo+json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nws api error: %s status %d", u, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
