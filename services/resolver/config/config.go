// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"
)

var configTracer = otel.Tracer("meridian.resolver.config")

// MaxYAMLFileSize caps config file reads. A resolver config measured in
// megabytes is a misconfigured path, not a config.
const MaxYAMLFileSize = 1 << 20

// =============================================================================
// Embedded Default Configuration
// =============================================================================

//go:embed defaults.yaml
var defaultConfigYAML []byte

// =============================================================================
// Configuration Types
// =============================================================================

// Config is the full service configuration.
//
// Description:
//
//	Loaded once at startup from embedded defaults, optionally overlaid
//	with a config file and MERIDIAN_* environment variables, then
//	validated. Immutable after loading.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type Config struct {
	Server     ServerConfig     `yaml:"server" validate:"required"`
	Cache      CacheConfig      `yaml:"cache"`
	Matching   MatchingConfig   `yaml:"matching" validate:"required"`
	Generation GenerationConfig `yaml:"generation" validate:"required"`
	ETL        ETLConfig        `yaml:"etl" validate:"required"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8095".
	Addr string `yaml:"addr" validate:"required"`

	// ReadTimeout bounds request header + body reads.
	ReadTimeout time.Duration `yaml:"read_timeout" validate:"gt=0"`

	// WriteTimeout bounds response writes. Resolution requests can run a
	// full fallback loop, so this is deliberately generous.
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gt=0"`

	// ShutdownTimeout bounds graceful shutdown on SIGTERM.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// CacheConfig holds resolution cache settings.
type CacheConfig struct {
	// Enabled controls whether resolutions are cached at all.
	Enabled bool `yaml:"enabled"`

	// Path is the on-disk Badger directory. Ignored when InMemory is set.
	Path string `yaml:"path"`

	// InMemory runs the cache without persistence (tests, ephemeral pods).
	InMemory bool `yaml:"in_memory"`

	// TTL is how long a cached resolution stays valid.
	TTL time.Duration `yaml:"ttl" validate:"gt=0"`
}

// MatchingConfig holds field matcher settings.
type MatchingConfig struct {
	// AcceptThreshold is the calibrated score at which a match is accepted.
	AcceptThreshold float64 `yaml:"accept_threshold" validate:"gt=0,lte=1"`

	// MaxCandidates caps synthesized candidate suggestions per placeholder.
	MaxCandidates int `yaml:"max_candidates" validate:"gt=0"`
}

// GenerationConfig holds instruction generation settings.
type GenerationConfig struct {
	// FastPathRetries is how many times a malformed completion is retried
	// on the deterministic path before escalating to the fallback loop.
	FastPathRetries int `yaml:"fastpath_retries" validate:"gte=0,lte=10"`

	// PTAVMaxRounds bounds the fallback loop's round count.
	PTAVMaxRounds int `yaml:"ptav_max_rounds" validate:"gt=0,lte=50"`

	// PTAVRoundTimeout bounds one perceive-think-act-validate round.
	PTAVRoundTimeout time.Duration `yaml:"ptav_round_timeout" validate:"gt=0"`

	// PTAVWallClock bounds the whole fallback loop regardless of rounds.
	PTAVWallClock time.Duration `yaml:"ptav_wall_clock" validate:"gt=0"`
}

// ETLConfig holds execution settings.
type ETLConfig struct {
	// QueryTimeout bounds one query or pipeline execution.
	QueryTimeout time.Duration `yaml:"query_timeout" validate:"gt=0"`

	// MaxRows caps result set size.
	MaxRows int `yaml:"max_rows" validate:"gt=0"`

	// ComplexityThreshold is the instruction complexity above which the
	// confidence scorer applies its complexity discount.
	ComplexityThreshold int `yaml:"complexity_threshold" validate:"gt=0"`
}

// =============================================================================
// Singleton Config
// =============================================================================

var (
	configMu      sync.RWMutex
	cachedConfig  *Config
	configLoadErr error
	configOnce    sync.Once
)

// Get returns the cached service configuration, loading it on first call.
//
// Description:
//
//	Loads embedded defaults, overlays the file named by MERIDIAN_CONFIG
//	(if set), then applies MERIDIAN_* environment overrides and validates.
//
// Thread Safety: Safe for concurrent use via sync.Once.
func Get(ctx context.Context) (*Config, error) {
	if ctx == nil {
		return nil, fmt.Errorf("config.Get: ctx must not be nil")
	}

	configMu.RLock()
	if cachedConfig != nil || configLoadErr != nil {
		cfg, err := cachedConfig, configLoadErr
		configMu.RUnlock()
		return cfg, err
	}
	configMu.RUnlock()

	configMu.Lock()
	defer configMu.Unlock()

	configOnce.Do(func() {
		cachedConfig, configLoadErr = load(ctx, os.Getenv("MERIDIAN_CONFIG"))
	})
	return cachedConfig, configLoadErr
}

// Reset clears the cached config for testing.
//
// Thread Safety: Safe for concurrent use.
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()
	cachedConfig = nil
	configLoadErr = nil
	configOnce = sync.Once{}
}

// load builds a Config from defaults, an optional file, and the environment.
func load(ctx context.Context, filePath string) (*Config, error) {
	_, span := configTracer.Start(ctx, "config.load")
	defer span.End()

	cfg, err := Parse(defaultConfigYAML)
	if err != nil {
		return nil, fmt.Errorf("config.load: embedded defaults: %w", err)
	}

	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("config.load: reading %s: %w", filePath, err)
		}
		if len(data) > MaxYAMLFileSize {
			return nil, fmt.Errorf("config.load: %s exceeds maximum size (%d > %d)", filePath, len(data), MaxYAMLFileSize)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config.load: parsing %s: %w", filePath, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config.load: validation: %w", err)
	}

	span.SetAttributes(
		attribute.String("server.addr", cfg.Server.Addr),
		attribute.Bool("cache.enabled", cfg.Cache.Enabled),
		attribute.Float64("matching.accept_threshold", cfg.Matching.AcceptThreshold),
		attribute.Int("generation.ptav_max_rounds", cfg.Generation.PTAVMaxRounds),
	)
	slog.Info("service config loaded",
		slog.String("addr", cfg.Server.Addr),
		slog.Bool("cache_enabled", cfg.Cache.Enabled),
		slog.String("config_file", filePath),
	)
	return cfg, nil
}

// Parse unmarshals a Config from YAML bytes without validating.
func Parse(data []byte) (*Config, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("config.Parse: empty YAML data")
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Parse: parsing YAML: %w", err)
	}
	return &cfg, nil
}

// Validate checks a Config for consistency.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config.Validate: nil config")
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return err
	}
	if cfg.Cache.Enabled && !cfg.Cache.InMemory && cfg.Cache.Path == "" {
		return fmt.Errorf("config.Validate: cache.path required when cache is enabled and not in-memory")
	}
	if cfg.Generation.PTAVRoundTimeout > cfg.Generation.PTAVWallClock {
		return fmt.Errorf("config.Validate: ptav_round_timeout (%s) exceeds ptav_wall_clock (%s)",
			cfg.Generation.PTAVRoundTimeout, cfg.Generation.PTAVWallClock)
	}
	return nil
}

// applyEnvOverrides applies MERIDIAN_* environment variables over cfg.
// Unparseable values are logged and ignored rather than failing startup.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MERIDIAN_HTTP_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("MERIDIAN_CACHE_PATH"); v != "" {
		cfg.Cache.Path = v
	}
	if v := os.Getenv("MERIDIAN_CACHE_DISABLED"); v != "" {
		cfg.Cache.Enabled = false
	}
	if v := os.Getenv("MERIDIAN_MATCH_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Matching.AcceptThreshold = f
		} else {
			slog.Warn("ignoring unparseable MERIDIAN_MATCH_THRESHOLD", "value", v)
		}
	}
	if v := os.Getenv("MERIDIAN_PTAV_MAX_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Generation.PTAVMaxRounds = n
		} else {
			slog.Warn("ignoring unparseable MERIDIAN_PTAV_MAX_ROUNDS", "value", v)
		}
	}
	if v := os.Getenv("MERIDIAN_QUERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ETL.QueryTimeout = d
		} else {
			slog.Warn("ignoring unparseable MERIDIAN_QUERY_TIMEOUT", "value", v)
		}
	}
}
