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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

// =============================================================================
// Embedding Scorer
// =============================================================================

// EmbeddingScorer is a SemanticScorer backed by an Ollama embedding model.
//
// # Description
//
// Scores a placeholder description against a schema field as the cosine
// similarity of their embeddings, remapped from [-1, 1] to [0, 1]. Field
// embeddings are cached per qualified field name for the scorer's
// lifetime: the schema is stable within a resolution request, and field
// documents repeat across placeholders.
//
// The scorer is optional. Constructing it does not probe the server;
// the first failed Score call surfaces the error and the caller's
// matcher falls back to its lexical blend.
//
// # Thread Safety
//
// Safe for concurrent use. The embedding cache is mutex-protected.
type EmbeddingScorer struct {
	baseURL string
	model   string
	client  *http.Client

	mu     sync.Mutex
	fields map[string][]float64
}

// NewEmbeddingScorer constructs a scorer against an Ollama server.
func NewEmbeddingScorer(baseURL, model string) *EmbeddingScorer {
	return &EmbeddingScorer{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
		fields:  make(map[string][]float64),
	}
}

// Score implements SemanticScorer. The caller's context bounds the
// embedding calls, tightened to 30 seconds per score.
func (e *EmbeddingScorer) Score(ctx context.Context, description string, field datatypes.SchemaField) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	descVec, err := e.embed(ctx, description)
	if err != nil {
		return 0, fmt.Errorf("embed description: %w", err)
	}

	fieldVec, err := e.fieldEmbedding(ctx, field)
	if err != nil {
		return 0, fmt.Errorf("embed field %s: %w", field.Qualified(), err)
	}

	cos := cosine(descVec, fieldVec)
	return clamp01((cos + 1) / 2), nil
}

// fieldEmbedding returns a cached embedding for the field, computing it
// on first use.
func (e *EmbeddingScorer) fieldEmbedding(ctx context.Context, field datatypes.SchemaField) ([]float64, error) {
	key := field.Qualified()
	e.mu.Lock()
	vec, ok := e.fields[key]
	e.mu.Unlock()
	if ok {
		return vec, nil
	}

	doc := field.Name
	if field.Description != "" {
		doc += ": " + field.Description
	}
	vec, err := e.embed(ctx, doc)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.fields[key] = vec
	e.mu.Unlock()
	return vec, nil
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

func (e *EmbeddingScorer) embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embed server returned %d: %s", resp.StatusCode, string(snippet))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(parsed.Embeddings) == 0 || len(parsed.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("embed server returned no vectors")
	}
	return parsed.Embeddings[0], nil
}

// cosine computes cosine similarity between two vectors. Mismatched or
// zero-magnitude vectors score 0.
func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
