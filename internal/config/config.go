// Package config loads tasked configuration.
//
// Values are layered: built-in defaults, then the config file (TOML), then
// TASKED_* environment variables (TASKED_API_BASE_URL overrides api.base_url).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/tasked/tasked/internal/field"
	"github.com/tasked/tasked/internal/model"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TASKED"

// Config is the full tasked configuration.
type Config struct {
	API    APIConfig    `mapstructure:"api"`
	Push   PushConfig   `mapstructure:"push"`
	Sync   SyncConfig   `mapstructure:"sync"`
	Cache  CacheConfig  `mapstructure:"cache"`
	Outbox OutboxConfig `mapstructure:"outbox"`
	Log    LogConfig    `mapstructure:"log"`
}

type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type PushConfig struct {
	URL              string        `mapstructure:"url"`
	ReconnectInitial time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
}

type SyncConfig struct {
	Debounce  DebounceConfig `mapstructure:"debounce"`
	IdleAfter time.Duration  `mapstructure:"idle_after"`
	Retry     RetryConfig    `mapstructure:"retry"`
}

// DebounceConfig is the quiet period per field before an edit is written.
type DebounceConfig struct {
	Title       time.Duration `mapstructure:"title"`
	Description time.Duration `mapstructure:"description"`
	Status      time.Duration `mapstructure:"status"`
	DueDate     time.Duration `mapstructure:"due_date"`
}

type RetryConfig struct {
	Initial     time.Duration `mapstructure:"initial"`
	MaxInterval time.Duration `mapstructure:"max_interval"`
	MaxElapsed  time.Duration `mapstructure:"max_elapsed"`
	MaxRetries  uint64        `mapstructure:"max_retries"`
}

type CacheConfig struct {
	GCTime time.Duration `mapstructure:"gc_time"`
}

type OutboxConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Dir returns the directory holding the config file and the outbox.
func Dir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tasked")
	}
	return ".tasked"
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.toml")
}

// Default returns the built-in configuration.
func Default() *Config {
	retry := field.DefaultRetryPolicy()
	return &Config{
		API: APIConfig{
			BaseURL: "http://localhost:8000",
			Timeout: 10 * time.Second,
		},
		Push: PushConfig{
			URL:              "ws://localhost:8000",
			ReconnectInitial: 500 * time.Millisecond,
			ReconnectMax:     30 * time.Second,
		},
		Sync: SyncConfig{
			Debounce: DebounceConfig{
				Title:       field.DefaultDebounce(model.FieldTitle),
				Description: field.DefaultDebounce(model.FieldDescription),
				Status:      field.DefaultDebounce(model.FieldStatus),
				DueDate:     field.DefaultDebounce(model.FieldDueDate),
			},
			IdleAfter: 5 * time.Second,
			Retry: RetryConfig{
				Initial:     retry.InitialInterval,
				MaxInterval: retry.MaxInterval,
				MaxElapsed:  retry.MaxElapsed,
				MaxRetries:  retry.MaxRetries,
			},
		},
		Cache:  CacheConfig{GCTime: 5 * time.Minute},
		Outbox: OutboxConfig{Path: filepath.Join(Dir(), "outbox.db")},
		Log:    LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads configuration. An empty path uses DefaultPath when that file
// exists; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if explicit || !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks required values and ranges.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.Push.URL == "" {
		return fmt.Errorf("push.url is required")
	}
	durations := map[string]time.Duration{
		"api.timeout":               c.API.Timeout,
		"push.reconnect_initial":    c.Push.ReconnectInitial,
		"push.reconnect_max":        c.Push.ReconnectMax,
		"sync.debounce.title":       c.Sync.Debounce.Title,
		"sync.debounce.description": c.Sync.Debounce.Description,
		"sync.debounce.status":      c.Sync.Debounce.Status,
		"sync.debounce.due_date":    c.Sync.Debounce.DueDate,
		"sync.idle_after":           c.Sync.IdleAfter,
		"sync.retry.initial":        c.Sync.Retry.Initial,
		"sync.retry.max_interval":   c.Sync.Retry.MaxInterval,
		"sync.retry.max_elapsed":    c.Sync.Retry.MaxElapsed,
		"cache.gc_time":             c.Cache.GCTime,
	}
	for key, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative (got %s)", key, d)
		}
	}
	if c.Sync.IdleAfter == 0 {
		return fmt.Errorf("sync.idle_after must be positive")
	}
	return nil
}

// DebounceMap returns the debounce window per field.
func (c *Config) DebounceMap() map[model.Field]time.Duration {
	return map[model.Field]time.Duration{
		model.FieldTitle:       c.Sync.Debounce.Title,
		model.FieldDescription: c.Sync.Debounce.Description,
		model.FieldStatus:      c.Sync.Debounce.Status,
		model.FieldDueDate:     c.Sync.Debounce.DueDate,
	}
}

// RetryPolicy returns the write retry policy.
func (c *Config) RetryPolicy() field.RetryPolicy {
	return field.RetryPolicy{
		InitialInterval: c.Sync.Retry.Initial,
		MaxInterval:     c.Sync.Retry.MaxInterval,
		MaxElapsed:      c.Sync.Retry.MaxElapsed,
		MaxRetries:      c.Sync.Retry.MaxRetries,
	}
}

// Settings flattens the configuration to dotted keys.
func (c *Config) Settings() map[string]any {
	return map[string]any{
		"api.base_url":              c.API.BaseURL,
		"api.timeout":               c.API.Timeout,
		"push.url":                  c.Push.URL,
		"push.reconnect_initial":    c.Push.ReconnectInitial,
		"push.reconnect_max":        c.Push.ReconnectMax,
		"sync.debounce.title":       c.Sync.Debounce.Title,
		"sync.debounce.description": c.Sync.Debounce.Description,
		"sync.debounce.status":      c.Sync.Debounce.Status,
		"sync.debounce.due_date":    c.Sync.Debounce.DueDate,
		"sync.idle_after":           c.Sync.IdleAfter,
		"sync.retry.initial":        c.Sync.Retry.Initial,
		"sync.retry.max_interval":   c.Sync.Retry.MaxInterval,
		"sync.retry.max_elapsed":    c.Sync.Retry.MaxElapsed,
		"sync.retry.max_retries":    c.Sync.Retry.MaxRetries,
		"cache.gc_time":             c.Cache.GCTime,
		"outbox.path":               c.Outbox.Path,
		"log.level":                 c.Log.Level,
		"log.format":                c.Log.Format,
		"log.file":                  c.Log.File,
	}
}

func setDefaults(v *viper.Viper, c *Config) {
	for key, value := range c.Settings() {
		v.SetDefault(key, value)
	}
}

// tree nests Settings into TOML tables, with durations written as strings
// ("200ms") so the file stays readable.
func (c *Config) tree() map[string]any {
	root := map[string]any{}
	for key, value := range c.Settings() {
		if d, ok := value.(time.Duration); ok {
			value = d.String()
		}
		parts := strings.Split(key, ".")
		node := root
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[p] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}
	return root
}

// WriteTOML writes c to path, creating parent directories.
func (c *Config) WriteTOML(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config %s: %w", path, err)
	}
	if err := toml.NewEncoder(f).Encode(c.tree()); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// WriteDefault writes the default configuration to path unless a file is
// already there.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config %s already exists", path)
	}
	return Default().WriteTOML(path)
}
