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
	"strings"
	"unicode"
)

// =============================================================================
// Fuzzy String Similarity Ensemble
// =============================================================================

// FuzzySimilarity returns the ensemble similarity of two strings in [0,1].
//
// Description:
//
//	Mean of three signals over normalized input:
//	  - Jaccard similarity over character sets
//	  - Normalized Levenshtein similarity (1 - dist/maxLen)
//	  - Longest-common-subsequence ratio (lcs/maxLen)
//	The three disagree in useful ways: Jaccard ignores order, Levenshtein
//	punishes transpositions, LCS tolerates insertions. Averaging keeps any
//	single signal from dominating on short identifiers.
//
// Inputs:
//
//	a, b - Strings to compare. Case and separator characters (_, -, space)
//	  are normalized away before comparison.
//
// Outputs:
//
//	float64 - Similarity in [0,1]. Two empty strings score 1; one empty
//	  string scores 0.
//
// Thread Safety: Stateless. Safe for concurrent use.
func FuzzySimilarity(a, b string) float64 {
	na, nb := normalizeIdentifier(a), normalizeIdentifier(b)
	if na == "" && nb == "" {
		return 1
	}
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	j := jaccardChars(na, nb)
	l := levenshteinSimilarity(na, nb)
	c := lcsRatio(na, nb)
	return (j + l + c) / 3
}

// normalizeIdentifier lowercases and strips separator runes so that
// "complaint_count", "ComplaintCount", and "complaint count" compare equal.
func normalizeIdentifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '_' || r == '-' || unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// jaccardChars computes Jaccard similarity over the rune sets of a and b.
func jaccardChars(a, b string) float64 {
	setA := make(map[rune]struct{})
	for _, r := range a {
		setA[r] = struct{}{}
	}
	setB := make(map[rune]struct{})
	for _, r := range b {
		setB[r] = struct{}{}
	}

	intersection := 0
	for r := range setA {
		if _, ok := setB[r]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// levenshteinSimilarity converts edit distance into a [0,1] similarity.
func levenshteinSimilarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	if maxLen == 0 {
		return 1
	}
	dist := levenshteinDistance(ra, rb)
	return 1 - float64(dist)/float64(maxLen)
}

// levenshteinDistance computes edit distance with a two-row rolling table.
func levenshteinDistance(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// lcsRatio returns len(LCS)/maxLen.
func lcsRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	if maxLen == 0 {
		return 1
	}
	return float64(lcsLength(ra, rb)) / float64(maxLen)
}

// lcsLength computes longest-common-subsequence length with a rolling row.
func lcsLength(a, b []rune) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
		for j := range curr {
			curr[j] = 0
		}
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// =============================================================================
// Tokenization
// =============================================================================

// noiseWords are dropped during tokenization. They carry no matching signal
// for field references ("total number of complaints" → total, complaints).
var noiseWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "of": {}, "for": {}, "in": {}, "on": {},
	"by": {}, "to": {}, "and": {}, "or": {}, "per": {}, "number": {},
	"with": {}, "from": {}, "all": {},
}

// Tokenize splits free text or an identifier into lowercase terms.
//
// Description:
//
//	Splits on non-alphanumeric runes and camelCase boundaries, lowercases,
//	and drops noise words and single-rune terms. "totalComplaintCount" and
//	"total complaint_count" both tokenize to [total complaint].
func Tokenize(s string) []string {
	var terms []string
	var current strings.Builder

	flush := func() {
		if current.Len() == 0 {
			return
		}
		term := strings.ToLower(current.String())
		current.Reset()
		if len(term) < 2 {
			return
		}
		if _, noisy := noiseWords[term]; noisy {
			return
		}
		terms = append(terms, term)
	}

	var prev rune
	for _, r := range s {
		switch {
		case unicode.IsLetter(r):
			// camelCase boundary: lower followed by upper starts a new term.
			if unicode.IsUpper(r) && unicode.IsLower(prev) {
				flush()
			}
			current.WriteRune(r)
		case unicode.IsDigit(r):
			current.WriteRune(r)
		default:
			flush()
		}
		prev = r
	}
	flush()
	return terms
}

// tokenSet converts terms into a set, dropping duplicates.
func tokenSet(terms []string) map[string]struct{} {
	set := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		set[t] = struct{}{}
	}
	return set
}

// TokenOverlap returns the F1 overlap of two token multisets, in [0,1].
//
// Used as the lexical component of semantic-tier scoring: how much of the
// placeholder's vocabulary appears in the field's vocabulary and vice versa.
func TokenOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA, setB := tokenSet(a), tokenSet(b)

	common := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			common++
		}
	}
	if common == 0 {
		return 0
	}
	precision := float64(common) / float64(len(setA))
	recall := float64(common) / float64(len(setB))
	return 2 * precision * recall / (precision + recall)
}
