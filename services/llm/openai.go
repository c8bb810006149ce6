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
	"time"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1/chat/completions"
	defaultOpenAIModel   = "gpt-4o-mini"
	defaultOpenAITimeout = 60 * time.Second
)

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	Temperature    *float64              `json:"temperature,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// openAIResponseFormat requests native structured output. OpenAI enforces
// the schema server-side, so malformed outcomes are rare but still handled.
type openAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIJSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// OpenAIClient implements CompletionClient against the OpenAI Chat
// Completions API with native json_schema response format.
//
// Thread Safety: Safe for concurrent use.
type OpenAIClient struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
}

// NewOpenAIClient creates a client from the OPENAI_API_KEY environment
// variable. OPENAI_BASE_URL overrides the endpoint for compatible gateways.
func NewOpenAIClient(model string) (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	baseURL := os.Getenv("OPENAI_BASE_URL")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIClient{
		httpClient: &http.Client{Timeout: defaultOpenAITimeout},
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
	}, nil
}

// Model returns the client's default model identifier.
func (c *OpenAIClient) Model() string { return c.model }

// Complete sends messages to the Chat Completions API.
//
// Native refusals (the refusal field) map to OutcomeRefusal; everything
// else is classified from the content text.
func (c *OpenAIClient) Complete(ctx context.Context, messages []datatypes.Message, schema *ResponseSchema, opts CompletionOptions) (StructuredCompletion, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	model := opts.Model
	if model == "" {
		model = c.model
	}

	req := openAIRequest{
		Model:       model,
		MaxTokens:   opts.MaxTokens,
		Temperature: &opts.Temperature,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openAIMessage{Role: m.Role, Content: m.Content})
	}
	if schema != nil {
		req.ResponseFormat = &openAIResponseFormat{
			Type: "json_schema",
			JSONSchema: &openAIJSONSchema{
				Name:   schema.Name,
				Schema: schema.Schema,
				Strict: true,
			},
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return StructuredCompletion{}, fmt.Errorf("marshal openai request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return StructuredCompletion{}, fmt.Errorf("build openai request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return StructuredCompletion{}, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return StructuredCompletion{}, fmt.Errorf("read openai response: %w", err)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return StructuredCompletion{}, fmt.Errorf("decode openai response (status %d): %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return StructuredCompletion{}, fmt.Errorf("openai API error (%s): %s", parsed.Error.Type, Redact(parsed.Error.Message))
	}
	if resp.StatusCode != http.StatusOK {
		return StructuredCompletion{}, fmt.Errorf("openai API status %d", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return StructuredCompletion{}, fmt.Errorf("openai response has no choices")
	}

	choice := parsed.Choices[0]
	if choice.Message.Refusal != "" {
		return StructuredCompletion{Outcome: OutcomeRefusal, Reason: choice.Message.Refusal}, nil
	}
	return ClassifyCompletion(choice.Message.Content), nil
}
