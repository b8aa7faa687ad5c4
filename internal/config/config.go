/**
 * @description
 * Configuration loader for the Kalbot backend.
 * Reads KALBOT_* environment variables (optionally from a .env file), applies defaults,
 * and validates the result before any component is constructed.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files
 * - github.com/spf13/viper: For env binding and defaults
 * - github.com/go-playground/validator/v10: For struct validation
 *
 * @notes
 * - Load() returns a plain value that is passed into every service constructor.
 *   Nothing in the codebase reads settings from package state.
 */

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "KALBOT"

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	DB       DBConfig
	Redis    RedisConfig
	Kalshi   KalshiConfig
	Weather  WeatherConfig
	Trading  TradingConfig
	Signals  SignalConfig
	Model    ModelConfig
	Pipeline PipelineConfig
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port string `validate:"required,numeric"`
	Env  string `validate:"required"` // "development", "staging", "production" or "test"
}

// LogConfig controls the process logger
type LogConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=console json"`
}

// DBConfig holds PostgreSQL settings
type DBConfig struct {
	URL string `validate:"required"`
}

// RedisConfig holds Redis settings. An empty URL is only accepted by one-shot commands.
type RedisConfig struct {
	URL string
}

// KalshiConfig holds the read-only Kalshi trade API settings
type KalshiConfig struct {
	APIBase          string        `validate:"required,url"`
	Timeout          time.Duration `validate:"gt=0"`
	IngestEnabled    bool
	WeatherCategory  string
	SeriesPrefix     string `validate:"required"`
	SeriesLimit      int    `validate:"gte=1"`
	SeriesPageSize   int    `validate:"gte=1,lte=1000"`
	MarketsPerSeries int    `validate:"gte=1,lte=1000"`
}

// WeatherConfig holds api.weather.gov settings
type WeatherConfig struct {
	APIBase       string `validate:"required,url"`
	UserAgent     string `validate:"required"`
	Targets       string // "name:lat,lon;name:lat,lon"
	ForecastHours int    `validate:"gte=1,lte=156"`
}

// TradingConfig holds paper-execution risk limits
type TradingConfig struct {
	ExecutionMode           string  `validate:"oneof=paper live"`
	EdgeThreshold           float64 `validate:"gt=0,lt=1"`
	MaxDailyNotionalUSD     float64 `validate:"gte=0"`
	MaxNotionalPerSignalUSD float64 `validate:"gte=0"`
	MaxContractsPerOrder    int     `validate:"gte=0"`
}

// SignalConfig controls how many signals are published
type SignalConfig struct {
	PublishLimit    int     `validate:"gte=1"`
	MaxPerCity      int     `validate:"gte=1"`
	MinLiquidVolume float64 `validate:"gte=0"`
}

// ModelConfig holds model naming and training windows
type ModelConfig struct {
	Name               string `validate:"required"`
	TrainingWindowDays int    `validate:"gte=1"`
	BacktestWindowDays int    `validate:"gte=1"`
	RefreshHourUTC     int    `validate:"gte=0,lte=23"`
}

// PipelineConfig holds run orchestration settings
type PipelineConfig struct {
	ArtifactsDir string        `validate:"required"`
	LockTTL      time.Duration `validate:"gt=0"`
}

// Load reads .env file and populates the Config struct
func Load() (*Config, error) {
	// Attempt to load .env, but don't crash if it fails (containers inject env vars directly)
	_ = godotenv.Load()

	v := newViper()
	v.AutomaticEnv()

	cfg := fromViper(v)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns the configuration with every default applied and no environment read.
// DB.URL is left empty, so callers must fill it before validating.
func Defaults() *Config {
	return fromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("api_port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")

	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "redis://localhost:6379")

	v.SetDefault("kalshi_api_base", "https://api.elections.kalshi.com/trade-api/v2")
	v.SetDefault("kalshi_timeout", 15*time.Second)
	v.SetDefault("kalshi_ingest_enabled", true)
	v.SetDefault("kalshi_weather_category", "Climate and Weather")
	v.SetDefault("kalshi_series_prefix", "KXLOWT")
	v.SetDefault("kalshi_series_limit", 20)
	v.SetDefault("kalshi_series_page_size", 200)
	v.SetDefault("kalshi_markets_per_series", 50)

	v.SetDefault("weather_api_base", "https://api.weather.gov")
	v.SetDefault("weather_user_agent", "kalbot/0.1 (ops@kalbot.local)")
	v.SetDefault("weather_targets", "nyc:40.7128,-74.0060;chi:41.8781,-87.6298")
	v.SetDefault("weather_forecast_hours", 48)

	v.SetDefault("execution_mode", "paper")
	v.SetDefault("paper_edge_threshold", 0.03)
	v.SetDefault("max_daily_notional_usd", 250.0)
	v.SetDefault("max_notional_per_signal_usd", 50.0)
	v.SetDefault("max_contracts_per_order", 100)

	v.SetDefault("signal_publish_limit", 8)
	v.SetDefault("signal_max_per_city", 2)
	v.SetDefault("signal_min_liquid_volume", 100.0)

	v.SetDefault("model_name", "low-temp-normal-v1")
	v.SetDefault("training_window_days", 60)
	v.SetDefault("backtest_window_days", 30)
	v.SetDefault("model_refresh_hour_utc", 13)

	v.SetDefault("artifacts_dir", "artifacts")
	v.SetDefault("pipeline_lock_ttl", 30*time.Minute)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Server: ServerConfig{
			Port: v.GetString("api_port"),
			Env:  v.GetString("env"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log_level")),
			Format: strings.ToLower(v.GetString("log_format")),
		},
		DB: DBConfig{
			URL: sanitizeCredential(v.GetString("database_url")),
		},
		Redis: RedisConfig{
			URL: sanitizeCredential(v.GetString("redis_url")),
		},
		Kalshi: KalshiConfig{
			APIBase:          strings.TrimRight(v.GetString("kalshi_api_base"), "/"),
			Timeout:          v.GetDuration("kalshi_timeout"),
			IngestEnabled:    v.GetBool("kalshi_ingest_enabled"),
			WeatherCategory:  v.GetString("kalshi_weather_category"),
			SeriesPrefix:     strings.ToUpper(v.GetString("kalshi_series_prefix")),
			SeriesLimit:      v.GetInt("kalshi_series_limit"),
			SeriesPageSize:   v.GetInt("kalshi_series_page_size"),
			MarketsPerSeries: v.GetInt("kalshi_markets_per_series"),
		},
		Weather: WeatherConfig{
			APIBase:       strings.TrimRight(v.GetString("weather_api_base"), "/"),
			UserAgent:     v.GetString("weather_user_agent"),
			Targets:       v.GetString("weather_targets"),
			ForecastHours: v.GetInt("weather_forecast_hours"),
		},
		Trading: TradingConfig{
			ExecutionMode:           strings.ToLower(v.GetString("execution_mode")),
			EdgeThreshold:           v.GetFloat64("paper_edge_threshold"),
			MaxDailyNotionalUSD:     v.GetFloat64("max_daily_notional_usd"),
			MaxNotionalPerSignalUSD: v.GetFloat64("max_notional_per_signal_usd"),
			MaxContractsPerOrder:    v.GetInt("max_contracts_per_order"),
		},
		Signals: SignalConfig{
			PublishLimit:    v.GetInt("signal_publish_limit"),
			MaxPerCity:      v.GetInt("signal_max_per_city"),
			MinLiquidVolume: v.GetFloat64("signal_min_liquid_volume"),
		},
		Model: ModelConfig{
			Name:               v.GetString("model_name"),
			TrainingWindowDays: v.GetInt("training_window_days"),
			BacktestWindowDays: v.GetInt("backtest_window_days"),
			RefreshHourUTC:     v.GetInt("model_refresh_hour_utc"),
		},
		Pipeline: PipelineConfig{
			ArtifactsDir: v.GetString("artifacts_dir"),
			LockTTL:      v.GetDuration("pipeline_lock_ttl"),
		},
	}
}

// validate checks struct tags and reports the first failing env var by name
func validate(cfg *Config) error {
	if cfg.DB.URL == "" {
		return fmt.Errorf("%s_DATABASE_URL is required", envPrefix)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// IsPaper reports whether simulated execution is enabled
func (c *Config) IsPaper() bool {
	return c.Trading.ExecutionMode == "paper"
}

func sanitizeCredential(value string) string {
	trimmed := strings.TrimSpace(value)
	return strings.Trim(trimmed, "\"")
}
