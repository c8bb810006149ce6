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
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Embedded Default Match Rules
// =============================================================================

//go:embed match_rules.yaml
var defaultMatchRulesYAML []byte

// =============================================================================
// Match Rule Types
// =============================================================================

// MatchRules defines deterministic overrides and vocabulary bridges applied
// ahead of the field matcher's scoring tiers.
//
// Description:
//
//	Synonyms expand placeholder vocabulary toward schema vocabulary during
//	token matching. Forced mappings bind exact placeholder phrases to a
//	schema field, skipping scoring entirely.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type MatchRules struct {
	// Synonyms maps a report-vocabulary term to schema-vocabulary terms.
	Synonyms map[string][]string `yaml:"synonyms"`

	// ForcedMappings bind placeholder phrases to fields deterministically.
	ForcedMappings []ForcedFieldMapping `yaml:"forced_mappings"`
}

// ForcedFieldMapping binds placeholder phrases to one schema field.
type ForcedFieldMapping struct {
	// Patterns are matched case-insensitively against the description.
	Patterns []string `yaml:"patterns"`

	// Table is the owning table of the forced field.
	Table string `yaml:"table"`

	// Field is the schema column to force.
	Field string `yaml:"field"`

	// Reason explains why this override exists (for logging/tracing).
	Reason string `yaml:"reason"`
}

// =============================================================================
// Singleton Match Rules
// =============================================================================

var (
	matchRulesMu      sync.RWMutex
	cachedMatchRules  *MatchRules
	matchRulesLoadErr error
	matchRulesOnce    sync.Once
)

// GetMatchRules returns the cached match rules, loading the embedded
// defaults on first call.
//
// Thread Safety: Safe for concurrent use via sync.Once.
func GetMatchRules(ctx context.Context) (*MatchRules, error) {
	if ctx == nil {
		return nil, fmt.Errorf("GetMatchRules: ctx must not be nil")
	}

	matchRulesMu.RLock()
	if cachedMatchRules != nil || matchRulesLoadErr != nil {
		rules, err := cachedMatchRules, matchRulesLoadErr
		matchRulesMu.RUnlock()
		return rules, err
	}
	matchRulesMu.RUnlock()

	matchRulesMu.Lock()
	defer matchRulesMu.Unlock()

	matchRulesOnce.Do(func() {
		cachedMatchRules, matchRulesLoadErr = LoadMatchRules(ctx, defaultMatchRulesYAML)
	})
	return cachedMatchRules, matchRulesLoadErr
}

// SetMatchRules replaces the cached rules. Used by the rules watcher after
// a successful hot reload.
//
// Thread Safety: Safe for concurrent use.
func SetMatchRules(rules *MatchRules) {
	matchRulesMu.Lock()
	defer matchRulesMu.Unlock()
	cachedMatchRules = rules
	matchRulesLoadErr = nil
}

// ResetMatchRules clears the cached rules for testing.
//
// Thread Safety: Safe for concurrent use.
func ResetMatchRules() {
	matchRulesMu.Lock()
	defer matchRulesMu.Unlock()
	cachedMatchRules = nil
	matchRulesLoadErr = nil
	matchRulesOnce = sync.Once{}
}

// LoadMatchRules loads and validates MatchRules from YAML bytes.
//
// Description:
//
//	Parses the YAML and validates every forced mapping for consistency.
//	Synonym lists are deduplicated; empty synonym entries are rejected.
//
// Inputs:
//
//	ctx - Context for tracing.
//	data - Raw YAML bytes to parse.
//
// Outputs:
//
//	*MatchRules - The validated rules.
//	error - Non-nil if parsing or validation fails.
func LoadMatchRules(ctx context.Context, data []byte) (*MatchRules, error) {
	_, span := configTracer.Start(ctx, "config.LoadMatchRules")
	defer span.End()

	if len(data) == 0 {
		return nil, fmt.Errorf("LoadMatchRules: empty YAML data")
	}
	if len(data) > MaxYAMLFileSize {
		return nil, fmt.Errorf("LoadMatchRules: YAML data exceeds maximum size (%d > %d)", len(data), MaxYAMLFileSize)
	}

	var rules MatchRules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("LoadMatchRules: parsing YAML: %w", err)
	}

	if err := validateMatchRules(&rules); err != nil {
		return nil, fmt.Errorf("LoadMatchRules: validation: %w", err)
	}

	span.SetAttributes(
		attribute.Int("synonyms", len(rules.Synonyms)),
		attribute.Int("forced_mappings", len(rules.ForcedMappings)),
	)
	slog.Info("match rules loaded",
		slog.Int("synonyms", len(rules.Synonyms)),
		slog.Int("forced_mappings", len(rules.ForcedMappings)),
	)
	return &rules, nil
}

// validateMatchRules checks all rules for consistency.
func validateMatchRules(rules *MatchRules) error {
	for term, expansions := range rules.Synonyms {
		if term == "" {
			return fmt.Errorf("synonyms: empty term key")
		}
		if len(expansions) == 0 {
			return fmt.Errorf("synonyms[%s]: expansion list must not be empty", term)
		}
		for _, e := range expansions {
			if e == "" {
				return fmt.Errorf("synonyms[%s]: empty expansion", term)
			}
		}
	}

	for i, fm := range rules.ForcedMappings {
		if fm.Field == "" {
			return fmt.Errorf("forced_mapping[%d]: field must not be empty", i)
		}
		if len(fm.Patterns) == 0 {
			return fmt.Errorf("forced_mapping[%d] (%s): patterns must not be empty", i, fm.Field)
		}
		for j, p := range fm.Patterns {
			if p == "" {
				return fmt.Errorf("forced_mapping[%d] (%s): pattern[%d] is empty", i, fm.Field, j)
			}
		}
	}
	return nil
}
