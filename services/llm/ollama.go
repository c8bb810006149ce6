// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

const (
	defaultOllamaURL     = "http://localhost:11434"
	defaultOllamaModel   = "qwen2.5:7b"
	defaultOllamaTimeout = 120 * time.Second
)

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`

	// Format carries the JSON schema for Ollama's structured output support.
	Format json.RawMessage `json:"format,omitempty"`

	Options map[string]any `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// OllamaClient implements CompletionClient against a local Ollama server.
//
// Description:
//
//	The default provider for air-gapped deployments. Uses /api/chat with
//	stream=false and Ollama's native format field for schema-constrained
//	output.
//
// Thread Safety: Safe for concurrent use.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

// ResolveOllamaURL returns the Ollama base URL from OLLAMA_BASE_URL, with
// trailing slashes trimmed, falling back to localhost.
func ResolveOllamaURL() string {
	url := os.Getenv("OLLAMA_BASE_URL")
	if url == "" {
		return defaultOllamaURL
	}
	return strings.TrimRight(url, "/")
}

// NewOllamaClient creates a client for the given base URL and model.
// Empty arguments fall back to environment/config defaults.
func NewOllamaClient(baseURL, model string) *OllamaClient {
	if baseURL == "" {
		baseURL = ResolveOllamaURL()
	}
	if model == "" {
		model = defaultOllamaModel
	}
	return &OllamaClient{
		httpClient: &http.Client{Timeout: defaultOllamaTimeout},
		baseURL:    baseURL,
		model:      model,
	}
}

// Model returns the client's default model identifier.
func (c *OllamaClient) Model() string { return c.model }

// Complete sends messages to /api/chat.
func (c *OllamaClient) Complete(ctx context.Context, messages []datatypes.Message, schema *ResponseSchema, opts CompletionOptions) (StructuredCompletion, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	model := opts.Model
	if model == "" {
		model = c.model
	}

	req := ollamaChatRequest{
		Model:  model,
		Stream: false,
		Options: map[string]any{
			"temperature": opts.Temperature,
		},
	}
	if opts.MaxTokens > 0 {
		req.Options["num_predict"] = opts.MaxTokens
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, ollamaChatMessage{Role: m.Role, Content: m.Content})
	}
	if schema != nil {
		raw, err := json.Marshal(schema.Schema)
		if err == nil {
			req.Format = raw
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return StructuredCompletion{}, fmt.Errorf("marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return StructuredCompletion{}, fmt.Errorf("build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return StructuredCompletion{}, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return StructuredCompletion{}, fmt.Errorf("read ollama response: %w", err)
	}

	var parsed ollamaChatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return StructuredCompletion{}, fmt.Errorf("decode ollama response (status %d): %w", resp.StatusCode, err)
	}
	if parsed.Error != "" {
		return StructuredCompletion{}, fmt.Errorf("ollama error: %s", Redact(parsed.Error))
	}
	if resp.StatusCode != http.StatusOK {
		return StructuredCompletion{}, fmt.Errorf("ollama status %d", resp.StatusCode)
	}

	return ClassifyCompletion(parsed.Message.Content), nil
}

// TestConnection verifies the Ollama server is reachable.
//
// Used by the warmup guard: the service refuses resolution traffic until
// the configured provider answers.
func (c *OllamaClient) TestConnection(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("build ollama health request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama health status %d", resp.StatusCode)
	}
	return nil
}
