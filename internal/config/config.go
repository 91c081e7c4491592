// Package config loads the service configuration from YAML and watches
// it for changes. A change to the filters document drives the pipeline
// hot-reconfigure path.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration document.
type Config struct {
	Service ServiceConfig `mapstructure:"service" yaml:"service"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Ingest  IngestConfig  `mapstructure:"ingest" yaml:"ingest"`
	Purge   PurgeConfig   `mapstructure:"purge" yaml:"purge"`
	Filters []Filter      `mapstructure:"filters" yaml:"filters"`
}

type ServiceConfig struct {
	Name          string `mapstructure:"name" yaml:"name"`
	Plugin        string `mapstructure:"plugin" yaml:"plugin"`
	ManagementURL string `mapstructure:"management_url" yaml:"management_url"`
	Address       string `mapstructure:"address" yaml:"address"`
	Port          int    `mapstructure:"port" yaml:"port"`
}

type StorageConfig struct {
	Dir                string `mapstructure:"dir" yaml:"dir"`
	ReadingsToAllocate int    `mapstructure:"readings_to_allocate" yaml:"readings_to_allocate"`
	PurgeBlockSize     int    `mapstructure:"purge_block_size" yaml:"purge_block_size"`
}

type IngestConfig struct {
	QueueThreshold int `mapstructure:"queue_threshold" yaml:"queue_threshold"`
	FlushTimeoutMS int `mapstructure:"flush_timeout_ms" yaml:"flush_timeout_ms"`
}

func (c IngestConfig) FlushTimeout() time.Duration {
	return time.Duration(c.FlushTimeoutMS) * time.Millisecond
}

type PurgeConfig struct {
	IntervalSeconds int     `mapstructure:"interval_seconds" yaml:"interval_seconds"`
	AgeHours        float64 `mapstructure:"age_hours" yaml:"age_hours"`
	KeepRows        int64   `mapstructure:"keep_rows" yaml:"keep_rows"`
	RetainUnsent    bool    `mapstructure:"retain_unsent" yaml:"retain_unsent"`
}

func (c PurgeConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Filter is one entry of the pipeline chain document.
type Filter struct {
	Name   string         `mapstructure:"name" yaml:"name"`
	Plugin string         `mapstructure:"plugin" yaml:"plugin"`
	Config map[string]any `mapstructure:"config" yaml:"config"`
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("service.name", "tidemark")
	v.SetDefault("service.plugin", "south")
	v.SetDefault("service.management_url", "http://127.0.0.1:8081")
	v.SetDefault("service.address", "127.0.0.1")
	v.SetDefault("service.port", 6683)
	v.SetDefault("storage.dir", ".")
	v.SetDefault("storage.readings_to_allocate", 15)
	v.SetDefault("ingest.queue_threshold", 100)
	v.SetDefault("ingest.flush_timeout_ms", 5000)
	v.SetDefault("purge.interval_seconds", 3600)
	v.SetDefault("purge.age_hours", 72)
	v.SetDefault("purge.retain_unsent", false)
	return v
}

// Load reads the configuration file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// YAML renders the effective configuration, defaults included. Used by
// the config subcommand.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Watch reloads the file on change and invokes onChange with the new
// document. Runs until the process exits; every fsnotify write or create
// event on the file triggers a re-read and a callback, with no debouncing.
func Watch(path string, log *slog.Logger, onChange func(*Config)) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		log.Warn("config watch started without initial read", "error", err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			log.Error("ignoring malformed config change", "path", e.Name, "error", err)
			return
		}
		log.Info("configuration changed", "path", e.Name)
		onChange(&cfg)
	})
	v.WatchConfig()
}
