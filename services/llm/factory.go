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
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Provider identifies a completion backend.
type Provider string

const (
	// ProviderOllama is a local Ollama server. The default.
	ProviderOllama Provider = "ollama"

	// ProviderAnthropic is the Anthropic Messages API.
	ProviderAnthropic Provider = "anthropic"

	// ProviderOpenAI is the OpenAI Chat Completions API.
	ProviderOpenAI Provider = "openai"
)

// ProviderConfig selects and parameterizes a completion backend.
//
// Description:
//
//	Loaded from environment variables so deployments can swap providers
//	without a rebuild. The engine uses one provider for both generation
//	paths; per-role splits can be layered on by constructing two clients.
type ProviderConfig struct {
	// Provider selects the backend.
	Provider Provider

	// Model is the provider-specific model identifier. Empty uses the
	// provider default.
	Model string

	// BaseURL overrides the endpoint (Ollama and OpenAI-compatible gateways).
	BaseURL string
}

// LoadProviderConfig reads provider selection from the environment.
//
// Description:
//
//	MERIDIAN_LLM_PROVIDER selects the backend (ollama|anthropic|openai),
//	MERIDIAN_LLM_MODEL the model. Unset falls back to Ollama with its
//	default model, matching air-gapped deployments.
//
// Outputs:
//
//	ProviderConfig - The resolved configuration. Never invalid.
func LoadProviderConfig() ProviderConfig {
	cfg := ProviderConfig{
		Provider: ProviderOllama,
		Model:    os.Getenv("MERIDIAN_LLM_MODEL"),
		BaseURL:  os.Getenv("OLLAMA_BASE_URL"),
	}
	switch strings.ToLower(os.Getenv("MERIDIAN_LLM_PROVIDER")) {
	case "anthropic":
		cfg.Provider = ProviderAnthropic
	case "openai":
		cfg.Provider = ProviderOpenAI
	case "ollama", "":
		cfg.Provider = ProviderOllama
	default:
		slog.Warn("Unknown MERIDIAN_LLM_PROVIDER, falling back to ollama",
			slog.String("value", os.Getenv("MERIDIAN_LLM_PROVIDER")),
		)
	}
	return cfg
}

// NewCompletionClient constructs the client for a ProviderConfig.
//
// Inputs:
//
//	cfg - The provider selection.
//
// Outputs:
//
//	CompletionClient - The constructed client.
//	error - Non-nil when required credentials are missing.
func NewCompletionClient(cfg ProviderConfig) (CompletionClient, error) {
	switch cfg.Provider {
	case ProviderAnthropic:
		return NewAnthropicClient(cfg.Model)
	case ProviderOpenAI:
		return NewOpenAIClient(cfg.Model)
	case ProviderOllama:
		return NewOllamaClient(cfg.BaseURL, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
