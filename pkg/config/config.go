// Package config loads and validates the trainer daemon configuration.
//
// Configuration is a plain YAML file loaded once at startup. Values are
// validated before use and handed around by value; there is no mutable
// global. Anything the workers compute (loss, stats, residency) is state,
// not configuration, and lives elsewhere.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s"
// as well as integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full daemon configuration.
type Config struct {
	Pool     PoolConfig     `yaml:"pool"`
	Diagrams DiagramsConfig `yaml:"diagrams"`
	Trace    TraceConfig    `yaml:"trace"`
	History  HistoryConfig  `yaml:"history"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// PoolConfig describes the worker pool.
type PoolConfig struct {
	// Workers is the number of identical worker processes.
	Workers int `yaml:"workers"`
	// Command is the argv used to start each worker, run inside the
	// script folder.
	Command []string `yaml:"command"`
	// BaseDir is where per-run script folders are created. Empty means
	// the system temp directory.
	BaseDir string `yaml:"base_dir"`
	// SupportDir holds files copied into every script folder before the
	// workers start. Optional.
	SupportDir string `yaml:"support_dir"`

	ExchangeTimeout  Duration `yaml:"exchange_timeout"`
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
}

// DiagramsConfig tunes diagram polling and rendering.
type DiagramsConfig struct {
	Attempts       int      `yaml:"attempts"`
	Delay          Duration `yaml:"delay"`
	RenderCommand  []string `yaml:"render_command"`
	MaxRenderBytes int64    `yaml:"max_render_bytes"`
}

// TraceConfig controls the protocol trace log.
type TraceConfig struct {
	// Dir is where trace files rotate daily. Empty disables tracing.
	Dir string `yaml:"dir"`
}

// HistoryConfig controls the run-history database.
type HistoryConfig struct {
	// Path is the sqlite database file. Empty disables history.
	Path string `yaml:"path"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// ListenAddr serves /metrics when set, e.g. ":9090".
	ListenAddr string `yaml:"listen_addr"`
	// PrometheusURL points at a Prometheus server scraping this daemon.
	// When set, the stats command augments its output with aggregated
	// exchange metrics.
	PrometheusURL string `yaml:"prometheus_url"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Pool: PoolConfig{
			Workers:          1,
			Command:          []string{"python3", "training.py"},
			ExchangeTimeout:  Duration(120 * time.Second),
			HandshakeTimeout: Duration(30 * time.Second),
		},
		Diagrams: DiagramsConfig{
			Attempts:       100,
			Delay:          Duration(150 * time.Millisecond),
			RenderCommand:  []string{"dot", "-Tsvg"},
			MaxRenderBytes: 10 * 1024 * 1024,
		},
	}
}

// Load reads a YAML config file, layering it over Default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Pool.Workers < 1 {
		return fmt.Errorf("pool.workers must be at least 1, got %d", c.Pool.Workers)
	}
	if len(c.Pool.Command) == 0 {
		return fmt.Errorf("pool.command must not be empty")
	}
	if c.Pool.ExchangeTimeout <= 0 {
		return fmt.Errorf("pool.exchange_timeout must be positive")
	}
	if c.Pool.HandshakeTimeout <= 0 {
		return fmt.Errorf("pool.handshake_timeout must be positive")
	}
	if c.Diagrams.Attempts < 1 {
		return fmt.Errorf("diagrams.attempts must be at least 1, got %d", c.Diagrams.Attempts)
	}
	if c.Diagrams.Delay <= 0 {
		return fmt.Errorf("diagrams.delay must be positive")
	}
	if len(c.Diagrams.RenderCommand) == 0 {
		return fmt.Errorf("diagrams.render_command must not be empty")
	}
	if c.Diagrams.MaxRenderBytes < 1 {
		return fmt.Errorf("diagrams.max_render_bytes must be at least 1")
	}
	return nil
}
