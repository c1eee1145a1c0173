package config

import (
	"time"

	"github.com/cloudvia/keystone-sync/internal/adapters/identity/keystone"
	"github.com/cloudvia/keystone-sync/internal/adapters/source/waldur"
	"github.com/cloudvia/keystone-sync/internal/log"
	"github.com/cloudvia/keystone-sync/internal/reporting/json"
	"github.com/cloudvia/keystone-sync/internal/reporting/text"
	"github.com/cloudvia/keystone-sync/internal/retry"
)

type Config struct {
	Settings SettingsConfig `yaml:"settings"`
	Source   SourceConfig   `yaml:"source"`
	Identity IdentityConfig `yaml:"identity"`
	Sync     SyncConfig     `yaml:"sync"`
	Retry    RetryConfig    `yaml:"retry"`
}

type SettingsConfig struct {
	LogLevel     log.Level       `yaml:"log_level"`
	LogFormat    log.Format      `yaml:"log_format"`
	ReporterType string          `yaml:"reporter"`
	Reporter     ReporterConfigs `yaml:"reporter_config"`
	// MetricsAddr exposes Prometheus metrics when non-empty.
	MetricsAddr string `yaml:"metrics_addr"`
}

type SourceConfig struct {
	Waldur *waldur.Config `yaml:"waldur,omitempty"`
}

type IdentityConfig struct {
	Keystone *keystone.Config `yaml:"keystone,omitempty"`
}

// SyncConfig tunes the reconciliation engine itself.
type SyncConfig struct {
	Interval      time.Duration `yaml:"interval" validate:"min=1s"`
	MaxConcurrent int           `yaml:"max_concurrent" validate:"min=1"`
	// EventStream toggles the live event subscription. Disabled deployments
	// converge through periodic passes only.
	EventStream bool `yaml:"event_stream"`
}

// RetryConfig shapes the backoff applied to every backend call.
type RetryConfig struct {
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxAttempts    int           `yaml:"max_attempts" validate:"min=1"`
	JitterFraction float64       `yaml:"jitter_fraction" validate:"min=0,max=1"`
}

func (c RetryConfig) Policy() retry.Policy {
	p := retry.DefaultPolicy()
	if c.BaseDelay > 0 {
		p.BaseDelay = c.BaseDelay
	}
	if c.MaxDelay > 0 {
		p.MaxDelay = c.MaxDelay
	}
	if c.Multiplier > 1 {
		p.Multiplier = c.Multiplier
	}
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	if c.JitterFraction > 0 {
		p.JitterFraction = c.JitterFraction
	}
	return p
}

type ReporterConfigs struct {
	Text *text.Config `yaml:"text,omitempty"`
	JSON *json.Config `yaml:"json,omitempty"`
}

func DefaultConfig() *Config {
	ks := keystone.DefaultGatewayConfig()
	return &Config{
		Settings: SettingsConfig{
			LogLevel:     log.LevelInfo,
			LogFormat:    log.FormatText,
			ReporterType: text.ReporterTypeText,
			Reporter: ReporterConfigs{
				Text: &text.Config{NoColor: false},
			},
			MetricsAddr: "",
		},
		Source: SourceConfig{
			Waldur: &waldur.Config{},
		},
		Identity: IdentityConfig{
			Keystone: &ks,
		},
		Sync: SyncConfig{
			Interval:      5 * time.Minute,
			MaxConcurrent: 10,
			EventStream:   true,
		},
		Retry: RetryConfig{
			BaseDelay:      time.Second,
			MaxDelay:       30 * time.Second,
			Multiplier:     2.0,
			MaxAttempts:    3,
			JitterFraction: 0.2,
		},
	}
}
