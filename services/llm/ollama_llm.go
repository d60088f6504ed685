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
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const (
	defaultOllamaURL       = "http://localhost:11434"
	defaultOllamaModel     = "llama3.1"
	defaultOllamaEmbedding = "nomic-embed-text"
)

// NewOllamaClient creates a client for Ollama's OpenAI-compatible API.
// The server root comes from cfg.BaseURL or OLLAMA_BASE_URL.
func NewOllamaClient(cfg Config) (*OpenAIClient, error) {
	base := cfg.BaseURL
	if base == "" {
		base = os.Getenv("OLLAMA_BASE_URL")
	}
	if base == "" {
		base = defaultOllamaURL
	}
	base = strings.TrimSuffix(base, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	if cfg.Model == "" {
		cfg.Model = defaultOllamaModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = defaultOllamaEmbedding
	}

	// Ollama ignores the key but the client requires one.
	oc := openai.DefaultConfig("ollama")
	oc.BaseURL = base
	slog.Info("initializing Ollama client", "base_url", base, "model", cfg.Model, "embedding_model", cfg.EmbeddingModel)
	return newCompatClient(oc, cfg, "ollama"), nil
}
