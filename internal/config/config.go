// Package config handles configuration loading and validation for webstreamer.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/webstreamer/webstreamer/pkg/bytesize"
	"gopkg.in/yaml.v3"
)

// Worker types.
const (
	WorkerRemote = "remote"
	WorkerStore  = "store"
)

// Defaults applied by Load.
const (
	DefaultListen     = ":8080"
	DefaultHashLength = 6
	DefaultChunkSize  = bytesize.Size(bytesize.MiB)
)

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // Separate admin listener; empty serves /metrics on the main listener
}

// LokiConfig configures log shipping to Grafana Loki.
type LokiConfig struct {
	Enabled       bool              `yaml:"enabled"`
	URL           string            `yaml:"url"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval string            `yaml:"flush_interval"` // Duration string; default 5s
	Labels        map[string]string `yaml:"labels"`
}

// FlushIntervalDuration parses FlushInterval. An empty value yields zero.
func (l *LokiConfig) FlushIntervalDuration() (time.Duration, error) {
	if l.FlushInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(l.FlushInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid loki.flush_interval %q: %w", l.FlushInterval, err)
	}
	return d, nil
}

// WorkerConfig describes one backend worker.
type WorkerConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // "remote" or "store"

	// remote
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Timeout string `yaml:"timeout"` // Duration string, e.g. "30s"

	// store
	DataDir   string        `yaml:"data_dir"`
	Secret    string        `yaml:"secret"`
	BlockSize bytesize.Size `yaml:"block_size"`
	Channel   int64         `yaml:"channel"` // Bin channel; defaults to the top-level bin_channel
}

// Config is the gateway configuration.
type Config struct {
	Listen         string         `yaml:"listen"`
	BaseURL        string         `yaml:"base_url"` // Public URL prefix of generated stream links
	HashLength     int            `yaml:"hash_length"`
	ChunkSize      bytesize.Size  `yaml:"chunk_size"`
	BinChannel     int64          `yaml:"bin_channel"`     // Channel holding streamable media
	DefaultChannel int64          `yaml:"default_channel"` // Channel listed by /api/list when none is given
	ExposeErrors   bool           `yaml:"expose_errors"`   // Put internal error text in 500 bodies
	LogLevel       string         `yaml:"log_level"`
	Metrics        MetricsConfig  `yaml:"metrics"`
	Loki           LokiConfig     `yaml:"loki"`
	Workers        []WorkerConfig `yaml:"workers"`
}

// Load loads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills in every unset field that has a default.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.HashLength == 0 {
		c.HashLength = DefaultHashLength
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.DefaultChannel == 0 {
		c.DefaultChannel = c.BinChannel
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL(c.Listen)
	}
	if !strings.HasSuffix(c.BaseURL, "/") {
		c.BaseURL += "/"
	}

	for i := range c.Workers {
		w := &c.Workers[i]
		if w.Channel == 0 {
			w.Channel = c.BinChannel
		}
		// Expand home directory in data dir
		if strings.HasPrefix(w.DataDir, "~/") {
			homeDir, err := os.UserHomeDir()
			if err == nil {
				w.DataDir = filepath.Join(homeDir, w.DataDir[2:])
			}
		}
	}
}

func defaultBaseURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://localhost/"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/"
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.HashLength < 1 || c.HashLength > 64 {
		return fmt.Errorf("hash_length must be between 1 and 64")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive")
	}
	if c.ChunkSize.Bytes()%bytesize.KiB != 0 {
		return fmt.Errorf("chunk_size must be a multiple of 1KiB, got %s", c.ChunkSize)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid base_url %q", c.BaseURL)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.Metrics.Listen != "" && c.Metrics.Listen == c.Listen {
		return fmt.Errorf("metrics.listen must differ from listen")
	}
	if c.Loki.Enabled {
		u, err := url.Parse(c.Loki.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid loki.url %q", c.Loki.URL)
		}
		if _, err := c.Loki.FlushIntervalDuration(); err != nil {
			return err
		}
	}

	if len(c.Workers) == 0 {
		return fmt.Errorf("at least one worker is required")
	}
	names := make(map[string]bool, len(c.Workers))
	for i, w := range c.Workers {
		if w.Name == "" {
			return fmt.Errorf("workers[%d].name is required", i)
		}
		if names[w.Name] {
			return fmt.Errorf("duplicate worker name %q", w.Name)
		}
		names[w.Name] = true
		if err := w.Validate(); err != nil {
			return fmt.Errorf("worker %q: %w", w.Name, err)
		}
	}
	return nil
}

// Validate checks one worker entry.
func (w *WorkerConfig) Validate() error {
	switch w.Type {
	case WorkerRemote:
		if w.URL == "" {
			return fmt.Errorf("url is required")
		}
		if w.Timeout != "" {
			if _, err := w.TimeoutDuration(); err != nil {
				return err
			}
		}
	case WorkerStore:
		if w.DataDir == "" {
			return fmt.Errorf("data_dir is required")
		}
		if w.Secret == "" {
			return fmt.Errorf("secret is required")
		}
		if w.BlockSize < 0 {
			return fmt.Errorf("block_size must not be negative")
		}
	default:
		return fmt.Errorf("unknown type %q (want %q or %q)", w.Type, WorkerRemote, WorkerStore)
	}
	return nil
}

// TimeoutDuration parses Timeout. An empty value yields zero.
func (w *WorkerConfig) TimeoutDuration() (time.Duration, error) {
	if w.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(w.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", w.Timeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("timeout must not be negative")
	}
	return d, nil
}

// Worker returns the worker entry called name.
func (c *Config) Worker(name string) (*WorkerConfig, bool) {
	for i := range c.Workers {
		if c.Workers[i].Name == name {
			return &c.Workers[i], true
		}
	}
	return nil, false
}

// ApplyLogLevel sets the global zerolog level. It reports whether level was
// recognised and applied.
func ApplyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return false
	}
	zerolog.SetGlobalLevel(lvl)
	return true
}
