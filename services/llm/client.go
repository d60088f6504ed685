// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the text generation and embedding backends used by
// the portfolio service.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Supported backends.
const (
	BackendOpenAI    = "openai"
	BackendOllama    = "ollama"
	BackendAnthropic = "claude"
)

// DefaultSystemPrompt is sent when Config.SystemPrompt is empty.
const DefaultSystemPrompt = "You are a financial research assistant. Answer using only the provided context and cite the source documents."

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient generates text from a prompt.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// Embedder turns texts into vectors for the vector store.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config selects and configures a backend.
type Config struct {
	// Backend is one of BackendOpenAI, BackendOllama or BackendAnthropic.
	Backend string `yaml:"backend"`

	// Model is the generation model name.
	Model string `yaml:"model"`

	// EmbeddingModel is the embedding model name. Anthropic has no
	// embedding API, so the embedder falls back to OpenAI or Ollama.
	EmbeddingModel string `yaml:"embedding_model"`

	// BaseURL overrides the provider endpoint. For Ollama it is the
	// server root, e.g. http://localhost:11434.
	BaseURL string `yaml:"base_url"`

	// APIKey is read from the environment or a secret file when empty.
	APIKey string `yaml:"-"`

	// SystemPrompt is the system message for every request.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxTokens bounds responses when GenerationParams does not.
	MaxTokens int `yaml:"max_tokens"`
}

func (c Config) systemPrompt() string {
	if c.SystemPrompt != "" {
		return c.SystemPrompt
	}
	return DefaultSystemPrompt
}

// NewClient builds the LLMClient for cfg.Backend.
func NewClient(cfg Config) (LLMClient, error) {
	switch strings.ToLower(cfg.Backend) {
	case BackendOpenAI:
		return NewOpenAIClient(cfg)
	case BackendOllama, "":
		return NewOllamaClient(cfg)
	case BackendAnthropic, "anthropic":
		return NewAnthropicClient(cfg)
	default:
		return nil, fmt.Errorf("unknown LLM backend type %q", cfg.Backend)
	}
}

// NewEmbedder builds the Embedder for cfg.Backend. Anthropic deployments
// embed through OpenAI when a key is available and Ollama otherwise.
func NewEmbedder(cfg Config) (Embedder, error) {
	switch strings.ToLower(cfg.Backend) {
	case BackendOpenAI:
		return NewOpenAIClient(cfg)
	case BackendAnthropic, "anthropic":
		openaiCfg := Config{Backend: BackendOpenAI, EmbeddingModel: cfg.EmbeddingModel}
		if c, err := NewOpenAIClient(openaiCfg); err == nil {
			return c, nil
		}
		slog.Warn("no OpenAI key for embeddings, falling back to Ollama")
		return NewOllamaClient(Config{Backend: BackendOllama, EmbeddingModel: cfg.EmbeddingModel})
	default:
		return NewOllamaClient(cfg)
	}
}

// readSecret returns the value of env, falling back to a mounted secret
// file.
func readSecret(env, secretPath string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	data, err := os.ReadFile(secretPath)
	if err != nil {
		return ""
	}
	slog.Info("read API key from secret file", "path", secretPath)
	return strings.TrimSpace(string(data))
}
