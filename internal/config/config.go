// Package config loads the agent configuration from a YAML file,
// environment variables, and built-in defaults. The resulting Config is
// immutable: components receive it at construction and never consult
// ambient state during sampling.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ThresholdPair holds the warn/critical levels for one metric.
type ThresholdPair struct {
	Warn     float64 `mapstructure:"warn" validate:"gte=0"`
	Critical float64 `mapstructure:"critical" validate:"gtefield=Warn"`
}

// CollectionConfig drives the multi-rate scheduler.
type CollectionConfig struct {
	HighIntervalSec    int     `mapstructure:"high_interval_sec" validate:"min=1,max=3600"`
	MediumIntervalSec  int     `mapstructure:"medium_interval_sec" validate:"min=1,max=3600"`
	LowIntervalSec     int     `mapstructure:"low_interval_sec" validate:"min=1,max=86400"`
	VeryLowIntervalSec int     `mapstructure:"very_low_interval_sec" validate:"min=1,max=86400"`
	TickBudgetRatio    float64 `mapstructure:"tick_budget_ratio" validate:"gt=0,lte=1"`
}

// CollectorsConfig selects which collectors run. ToolbridgeCommand is the
// external command executed by the optional toolbridge collector; it must
// print a JSON fragment on stdout.
type CollectorsConfig struct {
	Enabled           []string `mapstructure:"enabled" validate:"min=1"`
	ProcessTopN       int      `mapstructure:"process_top_n" validate:"min=1,max=100"`
	ToolbridgeCommand string   `mapstructure:"toolbridge_command"`
}

// StoreConfig configures the embedded sqlite store.
type StoreConfig struct {
	Path                 string `mapstructure:"path" validate:"required"`
	RetentionDays        int    `mapstructure:"retention_days" validate:"min=1"`
	AnomalyRetentionDays int    `mapstructure:"anomaly_retention_days" validate:"min=1"`
	SizeCapMB            int64  `mapstructure:"size_cap_mb" validate:"min=1"`
}

// RingConfig bounds the in-memory snapshot buffer.
type RingConfig struct {
	Capacity      int `mapstructure:"capacity" validate:"min=1"`
	SubCapacity   int `mapstructure:"sub_capacity" validate:"min=1"`
}

// HTTPConfig configures the local API surface.
type HTTPConfig struct {
	Bind              string `mapstructure:"bind" validate:"required,hostname_port"`
	RequestTimeoutSec int    `mapstructure:"request_timeout_sec" validate:"min=1"`
}

// PatternsConfig configures the anomaly detectors.
type PatternsConfig struct {
	WindowSamples int                      `mapstructure:"window_samples" validate:"min=2"`
	SpikeK        float64                  `mapstructure:"spike_k" validate:"gt=0"`
	SustainWindow int                      `mapstructure:"sustain_window" validate:"min=1"`
	Thresholds    map[string]ThresholdPair `mapstructure:"thresholds" validate:"dive"`
}

// LoggingConfig configures the zap logger. An empty File logs to stderr.
type LoggingConfig struct {
	Level    string `mapstructure:"level" validate:"oneof=debug info warn error"`
	File     string `mapstructure:"file"`
	RotateMB int    `mapstructure:"rotate_mb" validate:"min=1"`
}

// PrivacyConfig limits what is captured about user processes.
type PrivacyConfig struct {
	ProcessNameOnly bool `mapstructure:"process_name_only"`
}

// TrainingConfig holds the readiness thresholds reported by
// /api/status/training.
type TrainingConfig struct {
	MinimumSamples int     `mapstructure:"minimum_samples" validate:"min=1"`
	MinimumHours   float64 `mapstructure:"minimum_hours" validate:"gt=0"`
}

// LimitsConfig caps the agent's own footprint.
type LimitsConfig struct {
	MaxRSSMB      int     `mapstructure:"max_rss_mb" validate:"min=1"`
	MaxCPUPercent float64 `mapstructure:"max_cpu_percent" validate:"gt=0"`
}

// ShutdownConfig bounds the cooperative shutdown sequence.
type ShutdownConfig struct {
	DrainSec int `mapstructure:"drain_sec" validate:"min=1"`
	GraceSec int `mapstructure:"grace_sec" validate:"min=1"`
}

// Config is the root configuration record.
type Config struct {
	Collection CollectionConfig `mapstructure:"collection"`
	Collectors CollectorsConfig `mapstructure:"collectors"`
	Store      StoreConfig      `mapstructure:"store"`
	Ring       RingConfig       `mapstructure:"ring"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Patterns   PatternsConfig   `mapstructure:"patterns"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Privacy    PrivacyConfig    `mapstructure:"privacy"`
	Training   TrainingConfig   `mapstructure:"training"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Shutdown   ShutdownConfig   `mapstructure:"shutdown"`
}

// CoreCollectors is the default enabled set.
var CoreCollectors = []string{"cpu", "ram", "gpu", "disk", "network", "process", "context"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("collection.high_interval_sec", 3)
	v.SetDefault("collection.medium_interval_sec", 15)
	v.SetDefault("collection.low_interval_sec", 60)
	v.SetDefault("collection.very_low_interval_sec", 300)
	v.SetDefault("collection.tick_budget_ratio", 0.8)
	v.SetDefault("collectors.enabled", CoreCollectors)
	v.SetDefault("collectors.process_top_n", 15)
	v.SetDefault("collectors.toolbridge_command", "")
	v.SetDefault("store.path", "./data/system_stats.db")
	v.SetDefault("store.retention_days", 90)
	v.SetDefault("store.anomaly_retention_days", 365)
	v.SetDefault("store.size_cap_mb", 2048)
	v.SetDefault("ring.capacity", 600)
	v.SetDefault("ring.sub_capacity", 64)
	v.SetDefault("http.bind", "127.0.0.1:8001")
	v.SetDefault("http.request_timeout_sec", 5)
	v.SetDefault("patterns.window_samples", 720)
	v.SetDefault("patterns.spike_k", 3.0)
	v.SetDefault("patterns.sustain_window", 10)
	v.SetDefault("patterns.thresholds", map[string]ThresholdPair{
		"cpu_percent": {Warn: 85, Critical: 95},
		"ram_percent": {Warn: 85, Critical: 95},
		"gpu_percent": {Warn: 90, Critical: 98},
	})
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.rotate_mb", 50)
	v.SetDefault("privacy.process_name_only", true)
	v.SetDefault("training.minimum_samples", 1000)
	v.SetDefault("training.minimum_hours", 12.0)
	v.SetDefault("limits.max_rss_mb", 500)
	v.SetDefault("limits.max_cpu_percent", 2.0)
	v.SetDefault("shutdown.drain_sec", 5)
	v.SetDefault("shutdown.grace_sec", 10)
}

// Load reads configuration from the given file path (optional; "" means
// defaults plus environment only) and validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HOSTPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// Defaults are validated by tests; a failure here is a programming error.
		panic(err)
	}
	return cfg
}

// Validate checks all field constraints and interval ordering.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Collection.MediumIntervalSec < c.Collection.HighIntervalSec {
		return fmt.Errorf("invalid config: medium_interval_sec (%d) below high_interval_sec (%d)",
			c.Collection.MediumIntervalSec, c.Collection.HighIntervalSec)
	}
	if c.Collection.LowIntervalSec < c.Collection.MediumIntervalSec {
		return fmt.Errorf("invalid config: low_interval_sec (%d) below medium_interval_sec (%d)",
			c.Collection.LowIntervalSec, c.Collection.MediumIntervalSec)
	}
	for _, name := range c.Collectors.Enabled {
		if !knownCollector(name) {
			return fmt.Errorf("invalid config: unknown collector %q", name)
		}
	}
	return nil
}

func knownCollector(name string) bool {
	switch name {
	case "cpu", "ram", "gpu", "disk", "network", "process", "context", "toolbridge", "platform":
		return true
	}
	return false
}

// HighInterval returns the HIGH cadence as a duration.
func (c *Config) HighInterval() time.Duration {
	return time.Duration(c.Collection.HighIntervalSec) * time.Second
}

// MediumInterval returns the MEDIUM cadence as a duration.
func (c *Config) MediumInterval() time.Duration {
	return time.Duration(c.Collection.MediumIntervalSec) * time.Second
}

// LowInterval returns the LOW cadence as a duration.
func (c *Config) LowInterval() time.Duration {
	return time.Duration(c.Collection.LowIntervalSec) * time.Second
}

// VeryLowInterval returns the VERY_LOW cadence as a duration.
func (c *Config) VeryLowInterval() time.Duration {
	return time.Duration(c.Collection.VeryLowIntervalSec) * time.Second
}

// TickBudget is the per-tick collector deadline: a fraction of the HIGH
// interval.
func (c *Config) TickBudget() time.Duration {
	return time.Duration(float64(c.HighInterval()) * c.Collection.TickBudgetRatio)
}

// CollectorEnabled reports whether the named collector is in the enabled set.
func (c *Config) CollectorEnabled(name string) bool {
	for _, n := range c.Collectors.Enabled {
		if n == name {
			return true
		}
	}
	return false
}
