// Package config loads the runledger server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/nomis52/runledger/logging"
	"github.com/nomis52/runledger/query"
	"github.com/nomis52/runledger/runlog"
)

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"

	defaultAddr          = ":8080"
	defaultDataDir       = "./data"
	defaultMaxAge        = 30 * 24 * time.Hour
	defaultSchedule      = "0 3 * * *"
	defaultMetricsPrefix = "runledger"
	defaultJobName       = "runledger"
)

// ServerConfig represents the server runtime configuration.
type ServerConfig struct {
	Listener  ListenerConfig  `yaml:"listener"`
	Store     StoreConfig     `yaml:"store"`
	Retention RetentionConfig `yaml:"retention"`
	Query     QueryConfig     `yaml:"query"`
	Logging   logging.Config  `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ListenerConfig holds HTTP server listener settings.
type ListenerConfig struct {
	// The listen address, defaults to :8080
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// StoreConfig selects the run history backend.
type StoreConfig struct {
	// memory or sqlite
	Driver string `yaml:"driver"`
	// Directory holding the sqlite database file
	DataDir string `yaml:"data_dir"`
}

// RetentionConfig controls pruning of completed runs.
type RetentionConfig struct {
	// Completed runs that ended longer ago than MaxAge are pruned.
	MaxAge time.Duration `yaml:"max_age"`
	// The cron spec to prune at
	Schedule string `yaml:"schedule"`
}

// QueryConfig tunes the reporting queries.
type QueryConfig struct {
	DefaultLimit int           `yaml:"default_limit"`
	DetailUnits  int           `yaml:"detail_units"`
	RecentWindow time.Duration `yaml:"recent_window"`
}

// MetricsConfig holds remote write settings used by push mode.
type MetricsConfig struct {
	// Base URL of the remote write endpoint, /api/v1/write is appended
	PushURL string `yaml:"push_url"`
	Prefix  string `yaml:"prefix"`
	Job     string `yaml:"job"`
}

// LoadConfig reads the YAML config file at the given path, applies defaults
// and validates the result.
func LoadConfig(path string) (*ServerConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open server config file %s: %w", path, err)
	}
	defer f.Close()

	var cfg ServerConfig
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode YAML server config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config %s: %w", path, err)
	}
	return &cfg, nil
}

// SetDefaults sets reasonable default values for optional fields.
func (c *ServerConfig) SetDefaults() {
	if c.Listener.Addr == "" {
		c.Listener.Addr = defaultAddr
	}
	if c.Listener.ReadTimeout == 0 {
		c.Listener.ReadTimeout = 10 * time.Second
	}
	if c.Listener.WriteTimeout == 0 {
		c.Listener.WriteTimeout = 30 * time.Second
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.DataDir == "" {
		c.Store.DataDir = defaultDataDir
	}
	if c.Retention.MaxAge == 0 {
		c.Retention.MaxAge = defaultMaxAge
	}
	if c.Retention.Schedule == "" {
		c.Retention.Schedule = defaultSchedule
	}
	if c.Query.DefaultLimit == 0 {
		c.Query.DefaultLimit = runlog.DefaultLimit
	}
	if c.Query.DetailUnits == 0 {
		c.Query.DetailUnits = query.DefaultDetailUnits
	}
	if c.Query.RecentWindow == 0 {
		c.Query.RecentWindow = query.DefaultRecentWindow
	}
	if c.Metrics.Prefix == "" {
		c.Metrics.Prefix = defaultMetricsPrefix
	}
	if c.Metrics.Job == "" {
		c.Metrics.Job = defaultJobName
	}
}

// Validate checks the configuration for errors. Call SetDefaults first.
func (c *ServerConfig) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case DriverMemory, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("store.driver must be %q or %q, got %q", DriverMemory, DriverSQLite, c.Store.Driver))
	}
	if c.Retention.MaxAge < 0 {
		errs = append(errs, fmt.Errorf("retention.max_age must not be negative"))
	}
	if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("retention.schedule %q: %w", c.Retention.Schedule, err))
	}
	if c.Query.DefaultLimit < 0 || c.Query.DefaultLimit > runlog.MaxLimit {
		errs = append(errs, fmt.Errorf("query.default_limit must be between 1 and %d", runlog.MaxLimit))
	}
	if c.Query.DetailUnits < 0 || c.Query.DetailUnits > runlog.MaxLimit {
		errs = append(errs, fmt.Errorf("query.detail_units must be between 1 and %d", runlog.MaxLimit))
	}
	if c.Query.RecentWindow < 0 {
		errs = append(errs, fmt.Errorf("query.recent_window must not be negative"))
	}
	if c.Listener.ReadTimeout < 0 || c.Listener.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("listener timeouts must not be negative"))
	}

	return errors.Join(errs...)
}

// Redacted returns a copy of the config with credentials removed from the
// metrics push URL.
func (c *ServerConfig) Redacted() *ServerConfig {
	out := *c
	if u, err := url.Parse(c.Metrics.PushURL); err == nil && u.User != nil {
		u.User = url.User("REDACTED")
		out.Metrics.PushURL = u.String()
	}
	return &out
}

// Open opens the configured store. The returned close function releases it.
func (c StoreConfig) Open(logger *slog.Logger) (runlog.Store, func() error, error) {
	switch c.Driver {
	case DriverMemory:
		return runlog.NewMemoryStore(), func() error { return nil }, nil
	case DriverSQLite:
		store, err := runlog.OpenSQLite(c.DataDir, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", c.Driver)
	}
}
