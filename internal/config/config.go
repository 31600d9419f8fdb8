package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration. Values come from an optional YAML
// file, then environment variables, then CLI flags.
type Config struct {
	Port      int    `yaml:"port" validate:"gt=0,lte=65535"`
	DBPath    string `yaml:"db_path" validate:"required"`
	GTFSDir   string `yaml:"gtfs_dir" validate:"required"`
	GTFSURL   string `yaml:"gtfs_url" validate:"omitempty,url"`
	Timezone  string `yaml:"timezone" validate:"required"`
	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=text json"`

	// GTFS-RT TripUpdates feed polled for new position records ("" disables).
	TripUpdatesURL  string `yaml:"trip_updates_url" validate:"omitempty,url"`
	TripUpdatesPoll int    `yaml:"trip_updates_poll_secs" validate:"gte=0"`

	Store    StoreConfig   `yaml:"store"`
	Features FeatureConfig `yaml:"features"`
	Refresh  RefreshConfig `yaml:"refresh"`
	Serving  ServingConfig `yaml:"serving"`
}

// StoreConfig selects the object store backing the model store.
type StoreConfig struct {
	Backend   string `yaml:"backend" validate:"oneof=s3 sqlite memory"`
	Endpoint  string `yaml:"endpoint" validate:"required_if=Backend s3"`
	AccessKey string `yaml:"access_key" validate:"required_if=Backend s3"`
	SecretKey string `yaml:"secret_key" validate:"required_if=Backend s3"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket" validate:"required"`
	Prefix    string `yaml:"prefix" validate:"required"`
}

// FeatureConfig controls feature derivation.
type FeatureConfig struct {
	BucketMinutes int `yaml:"bucket_minutes" validate:"gt=0,lte=1440"`
	MinHistory    int `yaml:"min_history" validate:"gt=0"`
	CacheSize     int `yaml:"cache_size" validate:"gte=0"` // 0 disables caching
	CacheTTLSecs  int `yaml:"cache_ttl_secs" validate:"gte=0"`
}

// RefreshConfig controls the background retraining loop.
type RefreshConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Schedule       string   `yaml:"schedule" validate:"required"`
	Estimators     []string `yaml:"estimators" validate:"min=1,dive,oneof=historical-average linear-regression"`
	WindowDays     int      `yaml:"window_days" validate:"gt=0"`
	ValidationFrac float64  `yaml:"validation_fraction" validate:"gt=0,lt=1"`
	Tolerance      float64  `yaml:"tolerance" validate:"gte=0"`
	Retention      int      `yaml:"retention" validate:"gt=0"`
	MinSamples     int      `yaml:"min_samples" validate:"gt=0"`
}

// ServingConfig controls the prediction path.
type ServingConfig struct {
	StoreTimeoutMS int  `yaml:"store_timeout_ms" validate:"gt=0"`
	ActiveTTLSecs  int  `yaml:"active_ttl_secs" validate:"gte=0"`
	AdminEndpoints bool `yaml:"admin_endpoints"`
}

// Load builds configuration from defaults, the optional YAML file at path and
// environment variables, then validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = os.Getenv("BUSDELAY_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and the timezone name.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location returns the agency time zone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// BucketWidth returns the feature time-bucket width.
func (c *Config) BucketWidth() time.Duration {
	return time.Duration(c.Features.BucketMinutes) * time.Minute
}

// StoreTimeout returns the per-call timeout for model store reads on the serving path.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.Serving.StoreTimeoutMS) * time.Millisecond
}

func defaults() *Config {
	return &Config{
		Port:            8080,
		DBPath:          "./busdelay.db",
		GTFSDir:         "./data",
		GTFSURL:         "http://web.mta.info/developers/data/nyct/bus/google_transit_brooklyn.zip",
		Timezone:        "America/New_York",
		LogLevel:        "info",
		LogFormat:       "text",
		TripUpdatesPoll: 30,
		Store: StoreConfig{
			Backend: "sqlite",
			Bucket:  "busdelay",
			Prefix:  "models/nyc-bus-delay-predictor",
		},
		Features: FeatureConfig{
			BucketMinutes: 15,
			MinHistory:    10,
			CacheSize:     10000,
			CacheTTLSecs:  300,
		},
		Refresh: RefreshConfig{
			Enabled:        true,
			Schedule:       "@every 6h",
			Estimators:     []string{"historical-average", "linear-regression"},
			WindowDays:     28,
			ValidationFrac: 0.2,
			Tolerance:      0,
			Retention:      10,
			MinSamples:     100,
		},
		Serving: ServingConfig{
			StoreTimeoutMS: 500,
			ActiveTTLSecs:  30,
		},
	}
}

func applyEnv(c *Config) {
	c.Port = envInt("BUSDELAY_PORT", c.Port)
	c.DBPath = envStr("BUSDELAY_DB_PATH", c.DBPath)
	c.GTFSDir = envStr("BUSDELAY_GTFS_DIR", c.GTFSDir)
	c.GTFSURL = envStr("BUSDELAY_GTFS_URL", c.GTFSURL)
	c.Timezone = envStr("BUSDELAY_TIMEZONE", c.Timezone)
	c.LogLevel = envStr("BUSDELAY_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envStr("BUSDELAY_LOG_FORMAT", c.LogFormat)
	c.TripUpdatesURL = envStr("BUSDELAY_TRIP_UPDATES_URL", c.TripUpdatesURL)
	c.TripUpdatesPoll = envInt("BUSDELAY_TRIP_UPDATES_POLL_SECS", c.TripUpdatesPoll)

	c.Store.Backend = envStr("BUSDELAY_STORE_BACKEND", c.Store.Backend)
	c.Store.Endpoint = envStr("BUSDELAY_S3_ENDPOINT", c.Store.Endpoint)
	c.Store.AccessKey = envStr("BUSDELAY_S3_ACCESS_KEY", c.Store.AccessKey)
	c.Store.SecretKey = envStr("BUSDELAY_S3_SECRET_KEY", c.Store.SecretKey)
	c.Store.UseSSL = envBool("BUSDELAY_S3_USE_SSL", c.Store.UseSSL)
	c.Store.Bucket = envStr("BUSDELAY_S3_BUCKET", c.Store.Bucket)
	c.Store.Prefix = envStr("BUSDELAY_MODEL_PREFIX", c.Store.Prefix)

	c.Features.BucketMinutes = envInt("BUSDELAY_BUCKET_MINUTES", c.Features.BucketMinutes)
	c.Features.MinHistory = envInt("BUSDELAY_MIN_HISTORY", c.Features.MinHistory)
	c.Features.CacheSize = envInt("BUSDELAY_FEATURE_CACHE_SIZE", c.Features.CacheSize)

	c.Refresh.Enabled = envBool("BUSDELAY_REFRESH_ENABLED", c.Refresh.Enabled)
	c.Refresh.Schedule = envStr("BUSDELAY_REFRESH_SCHEDULE", c.Refresh.Schedule)
	c.Refresh.Estimators = envList("BUSDELAY_ESTIMATORS", c.Refresh.Estimators)
	c.Refresh.WindowDays = envInt("BUSDELAY_TRAINING_WINDOW_DAYS", c.Refresh.WindowDays)
	c.Refresh.Tolerance = envFloat("BUSDELAY_PROMOTION_TOLERANCE", c.Refresh.Tolerance)
	c.Refresh.Retention = envInt("BUSDELAY_MODEL_RETENTION", c.Refresh.Retention)

	c.Serving.StoreTimeoutMS = envInt("BUSDELAY_STORE_TIMEOUT_MS", c.Serving.StoreTimeoutMS)
	c.Serving.AdminEndpoints = envBool("BUSDELAY_ADMIN_ENDPOINTS", c.Serving.AdminEndpoints)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envList reads a comma-separated list.
func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
