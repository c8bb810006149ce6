// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package matching

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

// =============================================================================
// Metrics
// =============================================================================

var (
	matchTierTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meridian",
		Subsystem: "matching",
		Name:      "tier_total",
		Help:      "Field match resolutions by winning tier (or 'none').",
	}, []string{"tier"})

	matchScoreHist = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "meridian",
		Subsystem: "matching",
		Name:      "score",
		Help:      "Calibrated confidence of accepted field matches.",
		Buckets:   prometheus.LinearBuckets(0.5, 0.05, 11),
	})
)

// =============================================================================
// Matcher
// =============================================================================

// DefaultAcceptThreshold is the calibrated score at which a tier's best
// match is accepted without consulting later tiers.
const DefaultAcceptThreshold = 0.8

// semanticLexicalWeight and semanticFuzzyWeight blend the two signals of
// the semantic tier. Lexical token overlap dominates; fuzzy similarity
// covers abbreviation and spelling variants the token boundary misses.
const (
	semanticLexicalWeight = 0.7
	semanticFuzzyWeight   = 0.3
)

// SemanticScorer scores a placeholder description against a schema field
// using an understanding-based signal (e.g. embedding cosine similarity).
// Implementations return a score in [0, 1]. An error disables the scorer
// for the remainder of the call; the matcher falls back to its built-in
// blend.
type SemanticScorer interface {
	Score(ctx context.Context, description string, field datatypes.SchemaField) (float64, error)
}

// MatchResult is the outcome of matching one placeholder.
type MatchResult struct {
	// Mapping is the accepted match. Zero-valued when Matched is false.
	Mapping datatypes.FieldMapping

	// Matched reports whether any tier produced an acceptable match.
	Matched bool

	// BestRejected carries the highest-scoring rejected candidate when
	// Matched is false, for diagnostics. Nil when there were no candidates.
	BestRejected *datatypes.FieldMapping
}

// Matcher resolves placeholder descriptions to schema fields through an
// escalating sequence of tiers.
//
// # Description
//
// Tier 1 (direct) accepts an exact normalized name match between a
// candidate suggestion and a schema field. Tier 2 (semantic) blends
// lexical token overlap with fuzzy similarity, scaled by the suggestion's
// source confidence; a SemanticScorer replaces the built-in blend when
// configured. Tier 3 (fuzzy) drops the suggestion list entirely and
// ranks every schema field by fuzzy similarity alone, discounted so a
// fuzzy-only hit never reports direct-tier certainty.
//
// Every tier produces scores in [0, 1]. The first tier whose best
// candidate clears the accept threshold wins; later tiers run only when
// earlier ones fall short. Ties within a tier break by qualified field
// name so output is deterministic.
//
// # Thread Safety
//
// Immutable after construction. Safe for concurrent use.
type Matcher struct {
	threshold float64
	scorer    SemanticScorer
	logger    *slog.Logger
}

// MatcherOption configures a Matcher.
type MatcherOption func(*Matcher)

// WithAcceptThreshold overrides the accept threshold. Values outside
// (0, 1] are ignored.
func WithAcceptThreshold(t float64) MatcherOption {
	return func(m *Matcher) {
		if t > 0 && t <= 1 {
			m.threshold = t
		}
	}
}

// WithSemanticScorer installs an understanding-based scorer for tier 2.
func WithSemanticScorer(s SemanticScorer) MatcherOption {
	return func(m *Matcher) { m.scorer = s }
}

// NewMatcher constructs a Matcher with the default threshold.
func NewMatcher(logger *slog.Logger, opts ...MatcherOption) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Matcher{threshold: DefaultAcceptThreshold, logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Match resolves one placeholder against candidate suggestions and a schema.
//
// # Description
//
// Runs the tier cascade described on Matcher. Candidates naming fields
// absent from the schema are skipped; duplicate candidates for the same
// field collapse to the highest-scoring occurrence. With no candidates
// and no schema fields the result is simply unmatched, never an error:
// an empty universe is a caller-visible condition, not a fault.
//
// # Inputs
//
//   - ctx: Context for cancellation, passed to a configured SemanticScorer.
//   - p: The placeholder to resolve.
//   - candidates: Upstream suggestions, possibly empty.
//   - schema: Schema tables to match against.
//
// # Outputs
//
//   - MatchResult: The accepted mapping, or the best rejected candidate.
//
// # Thread Safety
//
// Safe for concurrent use.
func (m *Matcher) Match(ctx context.Context, p datatypes.Placeholder, candidates []datatypes.CandidateFieldSuggestion, schema []datatypes.TableSchema) MatchResult {
	fields := flattenSchema(schema)
	if len(fields) == 0 {
		matchTierTotal.WithLabelValues("none").Inc()
		return MatchResult{}
	}

	var best *datatypes.FieldMapping
	consider := func(cand datatypes.FieldMapping) {
		if best == nil || cand.CombinedScore > best.CombinedScore ||
			(cand.CombinedScore == best.CombinedScore && cand.MatchedField.Qualified() < best.MatchedField.Qualified()) {
			c := cand
			best = &c
		}
	}

	// Tier 1: direct.
	if mapping, ok := m.matchDirect(p, candidates, fields); ok {
		consider(mapping)
		if mapping.CombinedScore >= m.threshold {
			return m.accept(mapping)
		}
	}

	// Tier 2: semantic.
	if mapping, ok := m.matchSemantic(ctx, p, candidates, fields); ok {
		consider(mapping)
		if mapping.CombinedScore >= m.threshold {
			return m.accept(mapping)
		}
	}

	// Tier 3: fuzzy over the whole schema, no suggestions required.
	if mapping, ok := m.matchFuzzy(p, fields); ok {
		consider(mapping)
		if mapping.CombinedScore >= m.threshold {
			return m.accept(mapping)
		}
	}

	matchTierTotal.WithLabelValues("none").Inc()
	if best != nil {
		m.logger.Debug("no tier cleared threshold",
			"placeholder", p.Description,
			"best_field", best.MatchedField.Qualified(),
			"best_score", best.CombinedScore,
			"threshold", m.threshold)
	}
	return MatchResult{BestRejected: best}
}

func (m *Matcher) accept(mapping datatypes.FieldMapping) MatchResult {
	matchTierTotal.WithLabelValues(string(mapping.Tier)).Inc()
	matchScoreHist.Observe(mapping.CombinedScore)
	return MatchResult{Mapping: mapping, Matched: true}
}

// matchDirect accepts candidates whose normalized name equals a schema
// field's normalized name. Score is the candidate's source confidence:
// the name equality is certain, the suggestion itself may not be.
func (m *Matcher) matchDirect(p datatypes.Placeholder, candidates []datatypes.CandidateFieldSuggestion, fields []datatypes.SchemaField) (datatypes.FieldMapping, bool) {
	byNorm := make(map[string][]datatypes.SchemaField, len(fields))
	for _, f := range fields {
		n := normalizeIdentifier(f.Name)
		byNorm[n] = append(byNorm[n], f)
	}

	var scored []datatypes.FieldMapping
	for _, cand := range candidates {
		for _, f := range byNorm[normalizeIdentifier(normalizeFieldRef(cand.FieldName))] {
			scored = append(scored, datatypes.FieldMapping{
				Placeholder:   p,
				MatchedField:  f,
				CombinedScore: clamp01(cand.SourceConfidence),
				Tier:          datatypes.TierDirect,
				Rationale:     "direct name match: " + cand.FieldName,
			})
		}
	}
	return pickBest(scored)
}

// matchSemantic blends lexical token overlap with fuzzy similarity for
// each candidate-field pair, scaled by source confidence. A configured
// SemanticScorer replaces the built-in blend.
func (m *Matcher) matchSemantic(ctx context.Context, p datatypes.Placeholder, candidates []datatypes.CandidateFieldSuggestion, fields []datatypes.SchemaField) (datatypes.FieldMapping, bool) {
	scorer := m.scorer
	var scored []datatypes.FieldMapping
	for _, cand := range candidates {
		for _, f := range fields {
			var sim float64
			if scorer != nil {
				s, err := scorer.Score(ctx, p.Description, f)
				if err != nil {
					m.logger.Warn("semantic scorer failed, using lexical blend",
						"error", err)
					scorer = nil
					sim = m.lexicalBlend(p, cand, f)
				} else {
					sim = s
				}
			} else {
				sim = m.lexicalBlend(p, cand, f)
			}
			scored = append(scored, datatypes.FieldMapping{
				Placeholder:   p,
				MatchedField:  f,
				CombinedScore: clamp01(sim * clamp01(cand.SourceConfidence)),
				Tier:          datatypes.TierSemantic,
				Rationale:     "semantic match via suggestion: " + cand.FieldName,
			})
		}
	}
	return pickBest(scored)
}

// lexicalBlend is the built-in tier-2 signal: a weighted mix of token
// overlap between the placeholder description and the field document,
// and fuzzy similarity between description and field name.
func (m *Matcher) lexicalBlend(p datatypes.Placeholder, cand datatypes.CandidateFieldSuggestion, f datatypes.SchemaField) float64 {
	descTokens := Tokenize(p.Description)
	fieldTokens := Tokenize(f.Name)
	fieldTokens = append(fieldTokens, Tokenize(f.Description)...)

	lexical := TokenOverlap(descTokens, fieldTokens)
	fuzzy := FuzzySimilarity(cand.FieldName, f.Name)
	return semanticLexicalWeight*lexical + semanticFuzzyWeight*fuzzy
}

// fuzzyTierDiscount keeps a pure string-similarity hit from reporting
// the same certainty as a direct or semantic match.
const fuzzyTierDiscount = 0.9

// matchFuzzy ranks every schema field by fuzzy similarity against the
// placeholder description alone.
func (m *Matcher) matchFuzzy(p datatypes.Placeholder, fields []datatypes.SchemaField) (datatypes.FieldMapping, bool) {
	var scored []datatypes.FieldMapping
	for _, f := range fields {
		sim := FuzzySimilarity(p.Description, f.Name)
		if overlap := TokenOverlap(Tokenize(p.Description), Tokenize(f.Name)); overlap > sim {
			sim = overlap
		}
		scored = append(scored, datatypes.FieldMapping{
			Placeholder:   p,
			MatchedField:  f,
			CombinedScore: clamp01(sim * fuzzyTierDiscount),
			Tier:          datatypes.TierFuzzy,
			Rationale:     "fuzzy similarity against " + f.Qualified(),
		})
	}
	return pickBest(scored)
}

// pickBest collapses duplicate fields to their highest score, then
// returns the top mapping. Ties break by qualified field name.
func pickBest(scored []datatypes.FieldMapping) (datatypes.FieldMapping, bool) {
	if len(scored) == 0 {
		return datatypes.FieldMapping{}, false
	}
	byField := make(map[string]datatypes.FieldMapping, len(scored))
	for _, s := range scored {
		q := s.MatchedField.Qualified()
		if prev, ok := byField[q]; !ok || s.CombinedScore > prev.CombinedScore {
			byField[q] = s
		}
	}
	collapsed := make([]datatypes.FieldMapping, 0, len(byField))
	for _, s := range byField {
		collapsed = append(collapsed, s)
	}
	sort.Slice(collapsed, func(i, j int) bool {
		if collapsed[i].CombinedScore != collapsed[j].CombinedScore {
			return collapsed[i].CombinedScore > collapsed[j].CombinedScore
		}
		return collapsed[i].MatchedField.Qualified() < collapsed[j].MatchedField.Qualified()
	})
	return collapsed[0], true
}

func flattenSchema(schema []datatypes.TableSchema) []datatypes.SchemaField {
	var fields []datatypes.SchemaField
	for _, t := range schema {
		for _, f := range t.Fields {
			if f.Table == "" {
				f.Table = t.Name
			}
			fields = append(fields, f)
		}
	}
	return fields
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// normalizeFieldRef strips quoting and case from a user-supplied field
// reference for comparison against schema names.
func normalizeFieldRef(ref string) string {
	ref = strings.Trim(ref, "\"`[]")
	return strings.ToLower(strings.TrimSpace(ref))
}
