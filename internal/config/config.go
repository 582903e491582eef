// Package config loads Cyre's process-wide GlobalConfig the way the
// teacher loads its own: Viper layered over defaults, a config file and
// CYRE_-prefixed environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/firestige/cyre/internal/log"
)

// BreathingConfig tunes the adaptive load regulator (spec §4.B). Only the
// recuperation cooldown is configurable; its default matches
// breathing.DefaultCooldown. The stress thresholds are fixed constants.
type BreathingConfig struct {
	CooldownMs int64 `mapstructure:"cooldown_ms"`
}

// MetricsConfig controls the metrics bus and its optional Prometheus
// exposition server (spec §4.H, SPEC_FULL.md §2.3).
type MetricsConfig struct {
	RingBufferCapacity int    `mapstructure:"ring_buffer_capacity"`
	PrometheusEnabled  bool   `mapstructure:"prometheus_enabled"`
	ListenAddr         string `mapstructure:"listen_addr"`
}

// GlobalConfig is the top-level process configuration.
type GlobalConfig struct {
	LockOnBoot bool             `mapstructure:"lock_on_boot"`
	Log        log.LoggerConfig `mapstructure:"log"`
	Breathing  BreathingConfig  `mapstructure:"breathing"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// Load reads path (if non-empty) layered over defaults, then applies
// CYRE_-prefixed environment variable overrides (e.g. CYRE_METRICS_LISTEN_ADDR).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("cyre")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg GlobalConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("lock_on_boot", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("breathing.cooldown_ms", int64(2000))
	v.SetDefault("metrics.ring_buffer_capacity", 4096)
	v.SetDefault("metrics.prometheus_enabled", true)
	v.SetDefault("metrics.listen_addr", ":9090")
}

// Validate rejects obviously-broken config rather than letting it
// surface as a confusing failure downstream.
func (c GlobalConfig) Validate() error {
	if c.Breathing.CooldownMs < 0 {
		return fmt.Errorf("config: breathing.cooldown_ms must be non-negative")
	}
	if c.Metrics.RingBufferCapacity <= 0 {
		return fmt.Errorf("config: metrics.ring_buffer_capacity must be positive")
	}
	return nil
}

// CooldownDuration converts Breathing.CooldownMs to a time.Duration.
func (c GlobalConfig) CooldownDuration() time.Duration {
	return time.Duration(c.Breathing.CooldownMs) * time.Millisecond
}
