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
	anthropicAPIVersion     = "2023-06-01"
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1/messages"
	defaultAnthropicModel   = "claude-3-5-haiku-latest"
	defaultAnthropicTimeout = 60 * time.Second
)

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`

	Temperature *float64 `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AnthropicClient implements CompletionClient against the Anthropic
// Messages API.
//
// Description:
//
//	Schema enforcement is prompt-level: the JSON schema is appended to the
//	system message and the response is classified by ClassifyCompletion.
//	Non-streaming only; query generation responses are small.
//
// Thread Safety: Safe for concurrent use.
type AnthropicClient struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
}

// NewAnthropicClient creates a client from the ANTHROPIC_API_KEY environment
// variable.
//
// Outputs:
//
//	*AnthropicClient - The client.
//	error - Non-nil when the API key is unset.
func NewAnthropicClient(model string) (*AnthropicClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicClient{
		httpClient: &http.Client{Timeout: defaultAnthropicTimeout},
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultAnthropicBaseURL,
	}, nil
}

// Model returns the client's default model identifier.
func (c *AnthropicClient) Model() string { return c.model }

// Complete sends messages to the Anthropic Messages API.
//
// Inputs:
//
//	ctx - Context for cancellation and timeout.
//	messages - Conversation messages. System messages are lifted into the
//	  top-level system field as the API requires.
//	schema - JSON schema appended to the system prompt. May be nil.
//	opts - Request options.
//
// Outputs:
//
//	StructuredCompletion - Tagged outcome.
//	error - Non-nil on transport or API failure.
func (c *AnthropicClient) Complete(ctx context.Context, messages []datatypes.Message, schema *ResponseSchema, opts CompletionOptions) (StructuredCompletion, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	model := opts.Model
	if model == "" {
		model = c.model
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	system, chat := splitSystem(messages)
	if schema != nil {
		system = appendSchemaInstruction(system, schema)
	}

	req := anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		System:      system,
		Temperature: &opts.Temperature,
	}
	for _, m := range chat {
		req.Messages = append(req.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return StructuredCompletion{}, fmt.Errorf("marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return StructuredCompletion{}, fmt.Errorf("build anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return StructuredCompletion{}, fmt.Errorf("anthropic request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return StructuredCompletion{}, fmt.Errorf("read anthropic response: %w", err)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return StructuredCompletion{}, fmt.Errorf("decode anthropic response (status %d): %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return StructuredCompletion{}, fmt.Errorf("anthropic API error (%s): %s", parsed.Error.Type, Redact(parsed.Error.Message))
	}
	if resp.StatusCode != http.StatusOK {
		return StructuredCompletion{}, fmt.Errorf("anthropic API status %d", resp.StatusCode)
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return ClassifyCompletion(text), nil
}

// splitSystem separates system messages from the chat turn sequence.
func splitSystem(messages []datatypes.Message) (system string, chat []datatypes.Message) {
	for _, m := range messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		chat = append(chat, m)
	}
	return system, chat
}

// appendSchemaInstruction embeds the response schema into the system prompt
// for providers without native structured output.
func appendSchemaInstruction(system string, schema *ResponseSchema) string {
	doc, err := json.Marshal(schema.Schema)
	if err != nil {
		return system
	}
	instruction := "Respond with a single JSON object conforming to this JSON Schema. " +
		"No prose, no markdown fences.\n" + string(doc)
	if system == "" {
		return instruction
	}
	return system + "\n\n" + instruction
}
