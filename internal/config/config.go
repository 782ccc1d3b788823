// Package config loads optional tuning for the sync and report engines from
// a YAML file and connection settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lox/klima/internal/ingest"
	"github.com/lox/klima/internal/report"
)

type Config struct {
	Report struct {
		MinDistanceKM     float64 `yaml:"min_distance_km" validate:"gt=0"`
		RadiusLimit       int     `yaml:"radius_limit" validate:"min=1,max=1000"`
		AnomalySigma      float64 `yaml:"anomaly_sigma" validate:"gt=0"`
		AnomalyMinHistory int     `yaml:"anomaly_min_history" validate:"min=2"`
		AnomalyWindow     int     `yaml:"anomaly_window" validate:"min=0"`
		Timezone          string  `yaml:"timezone" validate:"required,timezone"`
	} `yaml:"report"`
	Sync struct {
		Interval         time.Duration `yaml:"interval" validate:"min=0"`
		FetchTimeout     time.Duration `yaml:"fetch_timeout" validate:"gt=0"`
		FetchConcurrency int           `yaml:"fetch_concurrency" validate:"min=1,max=32"`
		Observations     bool          `yaml:"observations"`
		RetentionDays    int           `yaml:"retention_days" validate:"min=0"`
	} `yaml:"sync"`
	Redis struct {
		TTL time.Duration `yaml:"ttl" validate:"min=0"`
	} `yaml:"redis"`
}

// Default mirrors the engines' own defaults.
func Default() *Config {
	rc := report.DefaultConfig()
	sc := ingest.DefaultReconcilerConfig()

	c := &Config{}
	c.Report.MinDistanceKM = rc.MinDistanceKM
	c.Report.RadiusLimit = rc.RadiusLimit
	c.Report.AnomalySigma = rc.AnomalySigma
	c.Report.AnomalyMinHistory = rc.AnomalyMinHistory
	c.Report.AnomalyWindow = rc.AnomalyWindow
	c.Report.Timezone = "UTC"
	c.Sync.Interval = 24 * time.Hour
	c.Sync.FetchTimeout = sc.FetchTimeout
	c.Sync.FetchConcurrency = sc.FetchConcurrency
	c.Sync.Observations = sc.Observations
	c.Sync.RetentionDays = 30
	c.Redis.TTL = time.Hour
	return c
}

var validate = validator.New()

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) ReportConfig() (report.Config, error) {
	loc, err := time.LoadLocation(c.Report.Timezone)
	if err != nil {
		return report.Config{}, fmt.Errorf("load timezone %q: %w", c.Report.Timezone, err)
	}
	return report.Config{
		MinDistanceKM:     c.Report.MinDistanceKM,
		RadiusLimit:       c.Report.RadiusLimit,
		AnomalySigma:      c.Report.AnomalySigma,
		AnomalyMinHistory: c.Report.AnomalyMinHistory,
		AnomalyWindow:     c.Report.AnomalyWindow,
		Location:          loc,
	}, nil
}

func (c *Config) ReconcilerConfig() ingest.ReconcilerConfig {
	return ingest.ReconcilerConfig{
		FetchTimeout:     c.Sync.FetchTimeout,
		Observations:     c.Sync.Observations,
		FetchConcurrency: c.Sync.FetchConcurrency,
	}
}

// LoadDotenv loads environment variables from the given files, or .env when
// none are given. Missing files are not an error.
func LoadDotenv(paths ...string) error {
	if err := godotenv.Load(paths...); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	log.Printf("config: loaded environment from %v", envFiles(paths))
	return nil
}

func envFiles(paths []string) []string {
	if len(paths) == 0 {
		return []string{".env"}
	}
	return paths
}
