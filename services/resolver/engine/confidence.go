// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

// =============================================================================
// Confidence Scorer
// =============================================================================

var confidenceHist = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "meridian",
	Subsystem: "engine",
	Name:      "result_confidence",
	Help:      "Final resolution confidence by generation strategy.",
	Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
}, []string{"strategy"})

// Confidence discount factors. Multiplicative; the composition is clamped
// to [0,1].
const (
	// emptyResultDiscount applies when execution returned zero rows: the
	// match may be right, but the value is unverifiable.
	emptyResultDiscount = 0.1

	// complexityDiscount applies when the instruction set's complexity
	// exceeds the configured threshold.
	complexityDiscount = 0.9

	// fastPathPrior is the reliability prior of the deterministic path.
	fastPathPrior = 1.0

	// fallbackPathPrior is the reliability prior of the agentic path.
	// Lower than the fast path: more inferential steps were taken.
	fallbackPathPrior = 0.85
)

// ScoreConfidence derives the final reliability score of a resolution.
//
// # Description
//
// Starts from the field-match confidence and applies multiplicative
// discounts: the generation path's reliability prior, the empty-result
// discount, and the complexity discount when the instruction set's
// complexity exceeds threshold. The result is always clamped to [0,1],
// whatever the input combination.
//
// # Inputs
//
//   - matchConfidence: The field matcher's calibrated score.
//   - strategy: Which generation path produced the instructions.
//   - instructions: The executed instruction set (for complexity).
//   - empty: Whether execution returned zero rows.
//   - complexityThreshold: Complexity above which the discount applies.
//
// # Outputs
//
//   - float64: The final confidence, in [0,1].
//
// # Thread Safety
//
// Pure function aside from metrics. Safe for concurrent use.
func ScoreConfidence(matchConfidence float64, strategy datatypes.GenerationStrategy, instructions datatypes.ETLInstructions, empty bool, complexityThreshold int) float64 {
	score := matchConfidence * pathPrior(strategy)

	if empty {
		score *= emptyResultDiscount
	}
	if complexityThreshold > 0 && instructions.Complexity() > complexityThreshold {
		score *= complexityDiscount
	}

	score = clamp01(score)
	confidenceHist.WithLabelValues(string(strategy)).Observe(score)
	return score
}

// pathPrior returns the reliability prior for a generation strategy.
// Escalations ran the fallback loop and share its prior.
func pathPrior(strategy datatypes.GenerationStrategy) float64 {
	if strategy == datatypes.StrategyFast {
		return fastPathPrior
	}
	return fallbackPathPrior
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
