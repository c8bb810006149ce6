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
	"math"
	"sort"
	"strings"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

// =============================================================================
// BM25 Candidate Synthesis
// =============================================================================

// BM25 tuning constants. Standard values recommended by Robertson et al.
const (
	// bm25K1 controls term frequency saturation. Higher = slower saturation.
	bm25K1 = 1.5

	// bm25B controls document length normalization. 0.75 is the standard default.
	bm25B = 0.75
)

// synthesizedConfidenceCeiling caps the source confidence assigned to a
// synthesized suggestion. Synthesis has no upstream understanding behind
// it, so it must never outrank a real collaborator suggestion outright.
const synthesizedConfidenceCeiling = 0.75

// bm25Doc holds the tokenized representation of one schema field.
type bm25Doc struct {
	field datatypes.SchemaField

	// tf maps each term to its frequency within this field's document.
	tf map[string]int

	// len is the total number of terms in the document.
	len int
}

// fieldIndex is a BM25 inverted index over a schema's field documents.
//
// # Description
//
// Each field's "document" is its name, table name, and description,
// tokenized. At query time BM25 ranks fields by how well their documents
// match the placeholder's terms, weighted by term rarity (IDF). This is
// how candidate suggestions are synthesized when the caller supplies none:
// substring counting has no IDF weighting and drowns in schemas where
// every column shares a table prefix.
//
// # Thread Safety
//
// Immutable after construction. Safe for concurrent use.
type fieldIndex struct {
	docs   []bm25Doc
	idf    map[string]float64
	avgLen float64
}

// buildFieldIndex constructs the index over all fields of a schema set.
func buildFieldIndex(schema []datatypes.TableSchema) *fieldIndex {
	var docs []bm25Doc
	df := make(map[string]int)
	totalLen := 0

	for _, table := range schema {
		for _, field := range table.Fields {
			doc := buildFieldDoc(field)
			docs = append(docs, doc)
			totalLen += doc.len
			for term := range doc.tf {
				df[term]++
			}
		}
	}

	idx := &fieldIndex{docs: docs, idf: make(map[string]float64, len(df))}
	if len(docs) == 0 {
		return idx
	}

	n := len(docs)
	// Lucene-style add-one smoothing avoids zero division and negative IDF.
	for term, count := range df {
		idx.idf[term] = math.Log(float64(n+1)/float64(count+1)) + 1
	}
	idx.avgLen = float64(totalLen) / float64(n)
	return idx
}

// buildFieldDoc tokenizes one field into a BM25 document.
func buildFieldDoc(field datatypes.SchemaField) bm25Doc {
	terms := Tokenize(field.Name)
	terms = append(terms, Tokenize(field.Table)...)
	terms = append(terms, Tokenize(field.Description)...)

	tf := make(map[string]int, len(terms))
	for _, t := range terms {
		tf[t]++
	}
	return bm25Doc{field: field, tf: tf, len: len(terms)}
}

// score computes the BM25 score of one document against query terms.
func (idx *fieldIndex) score(doc bm25Doc, queryTerms []string) float64 {
	if doc.len == 0 || idx.avgLen == 0 {
		return 0
	}
	var total float64
	for _, term := range queryTerms {
		tf := doc.tf[term]
		if tf == 0 {
			continue
		}
		idf := idx.idf[term]
		num := float64(tf) * (bm25K1 + 1)
		den := float64(tf) + bm25K1*(1-bm25B+bm25B*float64(doc.len)/idx.avgLen)
		total += idf * num / den
	}
	return total
}

// SynthesizeCandidates ranks schema fields against a placeholder and emits
// candidate suggestions, for callers that have no upstream understanding
// collaborator.
//
// # Description
//
// BM25-ranks every field document against the placeholder's description
// and surrounding context, keeps the top maxCandidates with a positive
// score, and normalizes scores into (0, synthesizedConfidenceCeiling].
// The top field gets the ceiling; the rest scale linearly. Ties in raw
// score break by field name for determinism.
//
// # Inputs
//
//   - p: The placeholder to rank against.
//   - schema: Schema tables to enumerate.
//   - maxCandidates: Cap on suggestions returned. <= 0 means 5.
//
// # Outputs
//
//   - []datatypes.CandidateFieldSuggestion: Ranked suggestions. Empty when
//     no field shares any vocabulary with the placeholder.
//
// # Thread Safety
//
// Stateless. Safe for concurrent use.
func SynthesizeCandidates(p datatypes.Placeholder, schema []datatypes.TableSchema, maxCandidates int) []datatypes.CandidateFieldSuggestion {
	if maxCandidates <= 0 {
		maxCandidates = 5
	}

	queryTerms := Tokenize(p.Description)
	queryTerms = append(queryTerms, Tokenize(p.ContextBefore)...)
	queryTerms = append(queryTerms, Tokenize(p.ContextAfter)...)
	if len(queryTerms) == 0 {
		return nil
	}

	idx := buildFieldIndex(schema)

	type scored struct {
		field datatypes.SchemaField
		score float64
	}
	var ranked []scored
	for _, doc := range idx.docs {
		s := idx.score(doc, queryTerms)
		if s > 0 {
			ranked = append(ranked, scored{field: doc.field, score: s})
		}
	}
	if len(ranked) == 0 {
		return nil
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].field.Name < ranked[j].field.Name
	})
	if len(ranked) > maxCandidates {
		ranked = ranked[:maxCandidates]
	}

	top := ranked[0].score
	suggestions := make([]datatypes.CandidateFieldSuggestion, len(ranked))
	for i, r := range ranked {
		suggestions[i] = datatypes.CandidateFieldSuggestion{
			FieldName:        r.field.Name,
			SourceConfidence: synthesizedConfidenceCeiling * (r.score / top),
			Rationale:        "synthesized from schema enumeration (bm25 over " + strings.Join(queryTerms, " ") + ")",
		}
	}
	return suggestions
}
