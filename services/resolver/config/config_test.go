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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_EmbeddedDefaults(t *testing.T) {
	cfg, err := Parse(defaultConfigYAML)
	require.NoError(t, err, "embedded defaults must always parse")
	require.NoError(t, Validate(cfg), "embedded defaults must always validate")

	assert.Equal(t, ":8095", cfg.Server.Addr)
	assert.Equal(t, 0.8, cfg.Matching.AcceptThreshold)
	assert.Equal(t, 2, cfg.Generation.FastPathRetries)
	assert.Equal(t, 15, cfg.Generation.PTAVMaxRounds)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 7*24*time.Hour, cfg.Cache.TTL)
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse(nil)
	assert.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	base := func() *Config {
		cfg, err := Parse(defaultConfigYAML)
		require.NoError(t, err)
		return cfg
	}

	t.Run("threshold above one", func(t *testing.T) {
		cfg := base()
		cfg.Matching.AcceptThreshold = 1.5
		assert.Error(t, Validate(cfg))
	})

	t.Run("round timeout exceeds wall clock", func(t *testing.T) {
		cfg := base()
		cfg.Generation.PTAVRoundTimeout = 10 * time.Minute
		cfg.Generation.PTAVWallClock = 1 * time.Minute
		assert.Error(t, Validate(cfg))
	})

	t.Run("enabled cache without path", func(t *testing.T) {
		cfg := base()
		cfg.Cache.Enabled = true
		cfg.Cache.InMemory = false
		cfg.Cache.Path = ""
		assert.Error(t, Validate(cfg))
	})

	t.Run("negative retries", func(t *testing.T) {
		cfg := base()
		cfg.Generation.FastPathRetries = -1
		assert.Error(t, Validate(cfg))
	})
}

func TestLoad_FileOverlayAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meridian.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9999\"\n"), 0o644))

	t.Setenv("MERIDIAN_MATCH_THRESHOLD", "0.9")
	t.Setenv("MERIDIAN_PTAV_MAX_ROUNDS", "7")

	cfg, err := load(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Addr, "file should override defaults")
	assert.Equal(t, 0.9, cfg.Matching.AcceptThreshold, "env should override file and defaults")
	assert.Equal(t, 7, cfg.Generation.PTAVMaxRounds)
	// Untouched values keep their defaults.
	assert.Equal(t, 2, cfg.Generation.FastPathRetries)
}

func TestLoad_BadEnvIgnored(t *testing.T) {
	t.Setenv("MERIDIAN_MATCH_THRESHOLD", "not-a-number")
	cfg, err := load(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 0.8, cfg.Matching.AcceptThreshold, "bad env value keeps default")
}

func TestGetAndReset(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	first, err := Get(context.Background())
	require.NoError(t, err)
	second, err := Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second, "Get should cache")
}

func TestLoadMatchRules_EmbeddedDefaults(t *testing.T) {
	rules, err := LoadMatchRules(context.Background(), defaultMatchRulesYAML)
	require.NoError(t, err)
	assert.NotEmpty(t, rules.Synonyms)
	assert.Contains(t, rules.Synonyms, "complaints")
}

func TestLoadMatchRules_Validation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"empty synonym list", "synonyms:\n  complaints: []\n"},
		{"forced mapping without field", "forced_mappings:\n  - patterns: [\"x\"]\n    table: t\n"},
		{"forced mapping without patterns", "forced_mappings:\n  - field: f\n    table: t\n"},
		{"forced mapping empty pattern", "forced_mappings:\n  - patterns: [\"\"]\n    field: f\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := LoadMatchRules(context.Background(), []byte(c.yaml))
			assert.Error(t, err)
		})
	}
}

func TestRulesWatcher_HotReload(t *testing.T) {
	ResetMatchRules()
	t.Cleanup(ResetMatchRules)

	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("synonyms:\n  old: [\"stale\"]\n"), 0o644))

	w, err := NewRulesWatcher(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	reloaded := make(chan *MatchRules, 1)
	w.OnReload(func(r *MatchRules) { reloaded <- r })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w.Start(ctx)

	require.NoError(t, os.WriteFile(path, []byte("synonyms:\n  complaints: [\"tickets\"]\n"), 0o644))

	select {
	case rules := <-reloaded:
		assert.Contains(t, rules.Synonyms, "complaints")
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never fired")
	}
}

func TestRulesWatcher_BrokenEditKeepsPreviousRules(t *testing.T) {
	ResetMatchRules()
	t.Cleanup(ResetMatchRules)

	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("synonyms:\n  complaints: [\"tickets\"]\n"), 0o644))

	good, err := LoadMatchRules(context.Background(), []byte("synonyms:\n  complaints: [\"tickets\"]\n"))
	require.NoError(t, err)
	SetMatchRules(good)

	w, err := NewRulesWatcher(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w.Start(ctx)

	// Broken YAML: reload must fail and leave the cached rules alone.
	require.NoError(t, os.WriteFile(path, []byte(":[ broken"), 0o644))
	time.Sleep(2 * rulesReloadDebounce)

	rules, err := GetMatchRules(context.Background())
	require.NoError(t, err)
	assert.Contains(t, rules.Synonyms, "complaints")
}