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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCompatServer(t *testing.T) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var requests []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		requests = append(requests, body)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/chat/completions":
			_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"Apple grew revenue."},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`))
		case "/v1/embeddings":
			_, _ = w.Write([]byte(`{"object":"list","model":"e","data":[{"object":"embedding","index":1,"embedding":[0.3,0.4]},{"object":"embedding","index":0,"embedding":[0.1,0.2]}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func TestOpenAIClient_Generate(t *testing.T) {
	srv, reqs := newCompatServer(t)
	c, err := NewOpenAIClient(Config{APIKey: "k", BaseURL: srv.URL + "/v1", SystemPrompt: "be brief"})
	require.NoError(t, err)

	temp := float32(0.2)
	maxTokens := 64
	out, err := c.Generate(context.Background(), "how did AAPL do?", GenerationParams{Temperature: &temp, MaxTokens: &maxTokens})
	require.NoError(t, err)
	assert.Equal(t, "Apple grew revenue.", out)

	require.Len(t, *reqs, 1)
	body := (*reqs)[0]
	assert.Equal(t, defaultOpenAIModel, body["model"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "be brief", msgs[0].(map[string]any)["content"])
	assert.Equal(t, "how did AAPL do?", msgs[1].(map[string]any)["content"])
	assert.EqualValues(t, 64, body["max_completion_tokens"])
}

func TestOpenAIClient_EmbedOrdersByIndex(t *testing.T) {
	srv, _ := newCompatServer(t)
	c, err := NewOpenAIClient(Config{APIKey: "k", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	vecs, err := c.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vecs[0])
	assert.Equal(t, []float32{0.3, 0.4}, vecs[1])

	empty, err := c.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestOpenAIClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(Config{APIKey: "k", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), "q", GenerationParams{})
	assert.Error(t, err)
}

func TestNewOpenAIClient_RequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewOpenAIClient(Config{})
	assert.Error(t, err)
}

func TestNewOllamaClient_AppendsV1(t *testing.T) {
	srv, _ := newCompatServer(t)
	c, err := NewOllamaClient(Config{BaseURL: srv.URL + "/"})
	require.NoError(t, err)
	assert.Equal(t, defaultOllamaModel, c.model)
	assert.Equal(t, defaultOllamaEmbedding, c.embeddingModel)

	out, err := c.Generate(context.Background(), "q", GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "Apple grew revenue.", out)
}

func TestAnthropicClient_Generate(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude","content":[{"type":"text","text":"Microsoft "},{"type":"text","text":"led."}],"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":2}}`))
	}))
	defer srv.Close()

	c, err := NewAnthropicClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	topK := 5
	out, err := c.Generate(context.Background(), "compare", GenerationParams{TopK: &topK, Stop: []string{"END"}})
	require.NoError(t, err)
	assert.Equal(t, "Microsoft led.", out)
	assert.Equal(t, defaultAnthropicModel, got["model"])
	assert.EqualValues(t, defaultAnthropicMaxTokens, got["max_tokens"])
	assert.EqualValues(t, 5, got["top_k"])
}

func TestNewClient_Backends(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "ollama default", cfg: Config{}},
		{name: "openai", cfg: Config{Backend: "openai", APIKey: "k"}},
		{name: "claude", cfg: Config{Backend: "claude", APIKey: "k"}},
		{name: "unknown", cfg: Config{Backend: "bard"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, c)
		})
	}
}
