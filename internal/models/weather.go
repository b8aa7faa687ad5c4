/**
 * @description
 * Weather sample models.
 * Forecasts are keyed by (source, station, issued_at, valid_at, metric);
 * observations by (station, observed_at, metric). Values keep their upstream unit.
 *
 * @dependencies
 * - gorm.io/gorm
 */

package models

import "time"

// Weather metric names
const (
	MetricTemperature       = "temperature"
	MetricDewpoint          = "dewpoint"
	MetricRelativeHumidity  = "relative_humidity"
	MetricWindSpeed         = "wind_speed"
	MetricPrecipProbability = "precip_probability"
)

// WeatherForecast is one forecast value for a station at a valid time
type WeatherForecast struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Source    string    `gorm:"column:source;type:varchar(32);not null;uniqueIndex:idx_forecast_key,priority:1" json:"source"`
	StationID string    `gorm:"column:station_id;type:varchar(16);not null;uniqueIndex:idx_forecast_key,priority:2;index:idx_forecast_station_valid,priority:1" json:"station_id"`
	IssuedAt  time.Time `gorm:"column:issued_at;not null;uniqueIndex:idx_forecast_key,priority:3" json:"issued_at"`
	ValidAt   time.Time `gorm:"column:valid_at;not null;uniqueIndex:idx_forecast_key,priority:4;index:idx_forecast_station_valid,priority:2" json:"valid_at"`
	Metric    string    `gorm:"column:metric;type:varchar(32);not null;uniqueIndex:idx_forecast_key,priority:5" json:"metric"`
	Value     float64   `gorm:"column:value;not null" json:"value"`
	Unit      string    `gorm:"column:unit;type:varchar(32)" json:"unit"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName overrides the table name used by WeatherForecast to `weather_forecasts`
func (WeatherForecast) TableName() string {
	return "weather_forecasts"
}

// WeatherObservation is one observed value for a station
type WeatherObservation struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	StationID  string    `gorm:"column:station_id;type:varchar(16);not null;uniqueIndex:idx_observation_key,priority:1" json:"station_id"`
	ObservedAt time.Time `gorm:"column:observed_at;not null;uniqueIndex:idx_observation_key,priority:2" json:"observed_at"`
	Metric     string    `gorm:"column:metric;type:varchar(32);not null;uniqueIndex:idx_observation_key,priority:3" json:"metric"`
	Value      float64   `gorm:"column:value;not null" json:"value"`
	Unit       string    `gorm:"column:unit;type:varchar(32)" json:"unit"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName overrides the table name used by WeatherObservation to `weather_observations`
func (WeatherObservation) TableName() string {
	return "weather_observations"
}
