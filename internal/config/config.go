// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

// Package config loads Gridplace configuration with Koanf v2.
//
// Sources are layered, highest priority last:
//
//  1. Built-in defaults (structs provider)
//  2. Config file (config.yaml, or CONFIG_PATH)
//  3. Environment variables prefixed GRIDPLACE_, with "__" separating
//     nesting levels (GRIDPLACE_SERVER__PORT=4117 sets server.port)
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found is used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/gridplace/config.yaml",
	"/etc/gridplace/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix is the prefix for environment variable overrides.
const envPrefix = "GRIDPLACE_"

// Config is the root configuration for the Gridplace server and the
// bundled viewport client defaults.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Blob     BlobConfig     `koanf:"blob"`
	Upload   UploadConfig   `koanf:"upload"`
	Viewport ViewportConfig `koanf:"viewport"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	// PublicURL is the externally visible base URL used when building
	// asset URLs. Empty means relative URLs (same-origin deployment).
	PublicURL string `koanf:"publicurl"`

	// CORSOrigins lists allowed origins for browser clients.
	CORSOrigins []string `koanf:"corsorigins"`

	// RateLimitReqs / RateLimitWindow bound query-endpoint request rates
	// per client IP. Exceeding them yields 429, which viewport clients
	// absorb with exponential backoff.
	RateLimitReqs   int           `koanf:"ratelimitreqs"`
	RateLimitWindow time.Duration `koanf:"ratelimitwindow"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds DuckDB settings for the occupancy store.
type DatabaseConfig struct {
	// Path is the DuckDB database file. Empty means in-memory (tests).
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"maxmemory"`
	Threads   int    `koanf:"threads"`
}

// BlobConfig holds BadgerDB settings for the content-addressed asset store.
type BlobConfig struct {
	Path string `koanf:"path"`

	// InMemory runs Badger without disk persistence. Test use only.
	InMemory bool `koanf:"inmemory"`
}

// UploadConfig bounds uploads and per-origin abuse rates.
type UploadConfig struct {
	// MaxBytes is the largest accepted upload body.
	MaxBytes int64 `koanf:"maxbytes"`

	// MaxDimension rejects images wider or taller than this many pixels
	// before any storage write happens.
	MaxDimension int `koanf:"maxdimension"`

	// ThumbSize is the square thumbnail edge length in pixels.
	ThumbSize int `koanf:"thumbsize"`

	// BurstPerMinute is the short-window per-origin upload limit.
	BurstPerMinute int `koanf:"burstperminute"`

	// DailyCap is the rolling 24h per-origin upload limit.
	DailyCap int `koanf:"dailycap"`

	// SampleBudget bounds rejection sampling for random slot allocation.
	SampleBudget int `koanf:"samplebudget"`
}

// ViewportConfig carries the client-side tuning knobs. The server does not
// use these; they are defaults handed to embedded viewport clients.
type ViewportConfig struct {
	// Halo is the prefetch margin, in cells, around the visible rect.
	Halo int `koanf:"halo"`

	// CacheCap is the tile cache soft capacity.
	CacheCap int `koanf:"cachecap"`

	// KeepMargin is the eviction-proof margin around the viewport.
	KeepMargin int `koanf:"keepmargin"`

	// PollInterval is the steady-state refetch cadence.
	PollInterval time.Duration `koanf:"pollinterval"`

	// BaseDelay is the debounce applied before a scheduled fetch.
	BaseDelay time.Duration `koanf:"basedelay"`

	// BackoffFloor/BackoffCeil bound the rate-limit backoff.
	BackoffFloor time.Duration `koanf:"backofffloor"`
	BackoffCeil  time.Duration `koanf:"backoffceil"`

	// ErrorRetry is the fixed delay after non-rate-limit failures.
	ErrorRetry time.Duration `koanf:"errorretry"`

	// LODSwitchPx is the on-screen cell size, in pixels, above which the
	// full-resolution image is loaded. Mobile uses the larger threshold
	// to delay costly full loads.
	LODSwitchPx       int `koanf:"lodswitchpx"`
	LODSwitchPxMobile int `koanf:"lodswitchpxmobile"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all defaults applied. Defaults are
// layered first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            4117,
			Timeout:         30 * time.Second,
			PublicURL:       "",
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   120,
			RateLimitWindow: time.Minute,
		},
		Database: DatabaseConfig{
			Path:      "/data/gridplace.duckdb",
			MaxMemory: "1GB",
			Threads:   0, // 0 = runtime.NumCPU()
		},
		Blob: BlobConfig{
			Path:     "/data/blobs",
			InMemory: false,
		},
		Upload: UploadConfig{
			MaxBytes:       2 << 20, // 2 MiB
			MaxDimension:   4000,
			ThumbSize:      40,
			BurstPerMinute: 4,
			DailyCap:       50,
			SampleBudget:   8000,
		},
		Viewport: ViewportConfig{
			Halo:              12,
			CacheCap:          5000,
			KeepMargin:        2,
			PollInterval:      15 * time.Second,
			BaseDelay:         100 * time.Millisecond,
			BackoffFloor:      250 * time.Millisecond,
			BackoffCeil:       5 * time.Second,
			ErrorRetry:        time.Second,
			LODSwitchPx:       80,
			LODSwitchPxMobile: 160,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load reads configuration from defaults, an optional config file, and
// environment variables.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// GRIDPLACE_SERVER__PORT=4117 -> server.port
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// findConfigFile resolves the config file path, honoring CONFIG_PATH.
func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Validate rejects configurations that cannot work. Zero or negative
// tuning values are caught here rather than surfacing as stuck schedulers
// or unbounded caches at runtime.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("upload.maxbytes must be positive")
	}
	if c.Upload.MaxDimension <= 0 {
		return fmt.Errorf("upload.maxdimension must be positive")
	}
	if c.Upload.ThumbSize <= 0 {
		return fmt.Errorf("upload.thumbsize must be positive")
	}
	if c.Upload.SampleBudget <= 0 {
		return fmt.Errorf("upload.samplebudget must be positive")
	}
	if c.Viewport.CacheCap <= 0 {
		return fmt.Errorf("viewport.cachecap must be positive")
	}
	if c.Viewport.BackoffFloor <= 0 || c.Viewport.BackoffCeil < c.Viewport.BackoffFloor {
		return fmt.Errorf("viewport backoff bounds invalid: floor=%s ceil=%s",
			c.Viewport.BackoffFloor, c.Viewport.BackoffCeil)
	}
	if c.Viewport.Halo < 0 || c.Viewport.KeepMargin < 0 {
		return fmt.Errorf("viewport margins must be non-negative")
	}
	return nil
}
