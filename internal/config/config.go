package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultAccount string `toml:"default_account"`

	// BackendURL is the root of the hosted service (REST, auth and realtime).
	BackendURL string `toml:"backend_url"`
	AnonKey    string `toml:"anon_key"`

	PageSize          int      `toml:"page_size"`
	RealtimeBuffer    int      `toml:"realtime_buffer"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	RequestTimeout    Duration `toml:"request_timeout"`

	// MetricsAddr enables the Prometheus endpoint when non-empty.
	MetricsAddr string `toml:"metrics_addr"`
}

// Duration decodes TOML strings such as "25s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		PageSize:          25,
		RealtimeBuffer:    256,
		HeartbeatInterval: Duration{25 * time.Second},
		RequestTimeout:    Duration{15 * time.Second},
	}
}

// Load reads config from the given path over the defaults. Returns nil and
// the error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load that falls back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	if c.PageSize < 1 {
		return fmt.Errorf("page_size must be positive, got %d", c.PageSize)
	}
	if c.RealtimeBuffer < 1 {
		return fmt.Errorf("realtime_buffer must be positive, got %d", c.RealtimeBuffer)
	}
	if c.HeartbeatInterval.Duration <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %s", c.HeartbeatInterval)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
