// Package config loads the powerguard service configuration from a YAML or
// JSON file with environment overrides.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/powerguard/core/control"
	"github.com/kilianp07/powerguard/core/factory"
	"github.com/kilianp07/powerguard/core/model"
	"github.com/kilianp07/powerguard/infra/monitoring"
	"github.com/kilianp07/powerguard/infra/mqtt"
)

// EnvPrefix marks environment overrides. PG_MQTT__BROKER sets mqtt.broker.
const EnvPrefix = "PG_"

type Config struct {
	LogLevel string            `json:"log_level"`
	Guard    model.Config      `json:"guard"`
	MQTT     mqtt.Config       `json:"mqtt"`
	Metrics  MetricsConfig     `json:"metrics"`
	Store    StoreConfig       `json:"store"`
	Journal  JournalConfig     `json:"journal"`
	API      APIConfig         `json:"api"`
	Control  control.Timers    `json:"control"`
	Sentry   monitoring.Config `json:"sentry"`
}

// MetricsConfig lists the metric sinks and the Prometheus endpoint.
type MetricsConfig struct {
	Sinks []factory.ModuleConfig `json:"sinks"`
	// PrometheusAddr starts a dedicated /metrics server when set.
	PrometheusAddr string `json:"prometheus_addr"`
}

// StoreConfig selects where settings and the mitigation ledger persist.
type StoreConfig struct {
	// Backend is "file", "sqlite" or "memory".
	Backend string `json:"backend"`
	Path    string `json:"path"`
	// RetrySeconds is the retry period of failed writes.
	RetrySeconds int `json:"retry_seconds"`
}

// SetDefaults applies sane defaults.
func (c *StoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "file"
	}
	if c.Path == "" {
		switch c.Backend {
		case "sqlite":
			c.Path = "powerguard.db"
		default:
			c.Path = "powerguard.json"
		}
	}
	if c.RetrySeconds == 0 {
		c.RetrySeconds = 30
	}
}

// Validate checks the backend name.
func (c StoreConfig) Validate() error {
	switch c.Backend {
	case "file", "sqlite", "memory":
		return nil
	}
	return fmt.Errorf("unknown store backend %s", c.Backend)
}

// APIConfig configures the HTTP status API.
type APIConfig struct {
	// Addr is the listen address; the API is disabled when empty.
	Addr string `json:"addr"`
	// Token protects /api/* with a bearer token when set.
	Token string `json:"token"`
}

// SetDefaults fills every section.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.Guard.SetDefaults()
	c.MQTT.SetDefaults()
	c.Store.SetDefaults()
	c.Journal.SetDefaults()
	c.Control.SetDefaults()
}

// Validate checks every section.
func (c Config) Validate() error {
	var errs []error
	if err := c.Guard.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("guard: %w", err))
	}
	if err := c.MQTT.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("mqtt: %w", err))
	}
	if err := c.Store.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if err := c.Journal.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("journal: %w", err))
	}
	return errors.Join(errs...)
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	}
	return nil, fmt.Errorf("unsupported config format: %s", filepath.Ext(path))
}

func envKey(s string) string {
	s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func load(path string, fp *file.File) (*Config, error) {
	parser, err := parserFor(path)
	if err != nil {
		return nil, err
	}
	k := koanf.New(".")
	if err := k.Load(fp, parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, err
	}
	var cfg Config
	uc := koanf.UnmarshalConf{
		Tag: "json",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.TextUnmarshallerHookFunc()),
			TagName:          "json",
			WeaklyTypedInput: true,
			Result:           &cfg,
		},
	}
	if err := k.UnmarshalWithConf("", &cfg, uc); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	return load(path, file.Provider(path))
}

// Watch calls fn with the reloaded configuration every time the file
// changes. Reload errors are passed to fn with a nil config. The returned
// function stops watching.
func Watch(path string, fn func(*Config, error)) (func() error, error) {
	if _, err := parserFor(path); err != nil {
		return nil, err
	}
	fp := file.Provider(path)
	err := fp.Watch(func(_ interface{}, err error) {
		if err != nil {
			fn(nil, err)
			return
		}
		fn(load(path, file.Provider(path)))
	})
	if err != nil {
		return nil, err
	}
	return fp.Unwatch, nil
}
