// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package template extracts typed placeholders from report templates.
//
// A placeholder is a brace-delimited marker, either typed
// ("{statistic: total complaints for {period}}") or bare ("{period}").
// Braces nest: only top-level markers become placeholders; inner braces
// stay part of the description text.
package template

import (
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

// DefaultContextWindow is the number of runes of surrounding template text
// captured on each side of a marker.
const DefaultContextWindow = 50

// knownKindConfidence is the parse confidence for a recognized kind tag.
// unknownKindConfidence applies when the tag (or bare token) is not a
// recognized kind; the marker still flows downstream for the matcher to
// make sense of.
const (
	knownKindConfidence   = 0.95
	unknownKindConfidence = 0.5
)

// kindAliases maps marker tags to placeholder kinds. Tags are matched
// case-insensitively after trimming.
var kindAliases = map[string]datatypes.PlaceholderKind{
	"statistic":  datatypes.KindStatistic,
	"stat":       datatypes.KindStatistic,
	"metric":     datatypes.KindStatistic,
	"chart":      datatypes.KindChart,
	"graph":      datatypes.KindChart,
	"table":      datatypes.KindTable,
	"period":     datatypes.KindPeriod,
	"region":     datatypes.KindRegion,
	"comparison": datatypes.KindComparison,
	"compare":    datatypes.KindComparison,
}

// Parser extracts placeholders from template strings.
//
// Description:
//
//	Parse is a pure function of the template text and the parser's
//	configuration; identical inputs always produce identical output.
//
// Thread Safety: Safe for concurrent use (all state is read-only).
type Parser struct {
	contextWindow int
}

// NewParser creates a Parser.
//
// Inputs:
//
//	contextWindow - Runes of surrounding text captured per side.
//	  <= 0 uses DefaultContextWindow.
func NewParser(contextWindow int) *Parser {
	if contextWindow <= 0 {
		contextWindow = DefaultContextWindow
	}
	return &Parser{contextWindow: contextWindow}
}

// Parse extracts all top-level placeholders from a template.
//
// Description:
//
//	Scans for balanced brace markers. A marker of the form "{tag: text}"
//	with a recognized tag becomes a typed placeholder; "{tag: text}" with
//	an unrecognized tag, and markers with no tag separator, parse as
//	KindUnknown at reduced confidence, except bare "{token}" markers
//	whose token itself is a recognized kind (e.g. "{period}"), which
//	adopt that kind with an empty description.
//
//	Unbalanced braces terminate the marker at end of input and the
//	fragment is skipped; everything before it still parses.
//
// Inputs:
//
//	templateText - The report template.
//
// Outputs:
//
//	[]datatypes.Placeholder - Extracted placeholders in template order.
//	  Empty slice when the template has no markers; never nil.
func (p *Parser) Parse(templateText string) []datatypes.Placeholder {
	placeholders := []datatypes.Placeholder{}
	runes := []rune(templateText)

	for i := 0; i < len(runes); i++ {
		if runes[i] != '{' {
			continue
		}
		end, ok := findBalancedClose(runes, i)
		if !ok {
			break
		}
		marker := string(runes[i : end+1])
		inner := string(runes[i+1 : end])

		ph := classifyMarker(marker, inner)
		ph.Position = i
		ph.ContextBefore = contextSlice(runes, i-p.contextWindow, i)
		ph.ContextAfter = contextSlice(runes, end+1, end+1+p.contextWindow)
		placeholders = append(placeholders, ph)

		i = end
	}
	return placeholders
}

// findBalancedClose returns the index of the brace closing the marker that
// opens at start, or false when the marker never closes.
func findBalancedClose(runes []rune, start int) (int, bool) {
	depth := 0
	for i := start; i < len(runes); i++ {
		switch runes[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// classifyMarker derives kind, description, and confidence from marker text.
func classifyMarker(marker, inner string) datatypes.Placeholder {
	ph := datatypes.Placeholder{
		Text: marker,
		Kind: datatypes.KindUnknown,
	}

	tag, rest, hasSep := strings.Cut(inner, ":")
	if hasSep {
		if kind, ok := kindAliases[normalizeTag(tag)]; ok {
			ph.Kind = kind
			ph.Description = strings.TrimSpace(rest)
			ph.Confidence = knownKindConfidence
			return ph
		}
		// Unrecognized tag: keep the whole inner text as description so
		// the matcher still has signal to work with.
		ph.Description = strings.TrimSpace(inner)
		ph.Confidence = unknownKindConfidence
		return ph
	}

	// Bare marker. "{period}" style tokens adopt the kind directly.
	if kind, ok := kindAliases[normalizeTag(inner)]; ok {
		ph.Kind = kind
		ph.Confidence = knownKindConfidence
		return ph
	}
	ph.Description = strings.TrimSpace(inner)
	ph.Confidence = unknownKindConfidence
	return ph
}

// normalizeTag lowercases and trims a marker tag.
func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// contextSlice returns runes[lo:hi] clamped to valid bounds.
func contextSlice(runes []rune, lo, hi int) string {
	if lo < 0 {
		lo = 0
	}
	if hi > len(runes) {
		hi = len(runes)
	}
	if lo >= hi {
		return ""
	}
	return string(runes[lo:hi])
}

// CountMarkers returns the number of top-level markers without allocating
// placeholders. Used by handlers to reject oversized templates early.
func CountMarkers(templateText string) int {
	count := 0
	runes := []rune(templateText)
	for i := 0; i < len(runes); i++ {
		if runes[i] != '{' {
			continue
		}
		end, ok := findBalancedClose(runes, i)
		if !ok {
			break
		}
		count++
		i = end
	}
	return count
}

// Valid reports whether the template is valid UTF-8. Callers reject invalid
// input before parsing.
func Valid(templateText string) bool {
	return utf8.ValidString(templateText)
}
