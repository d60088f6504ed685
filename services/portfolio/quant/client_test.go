// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package quant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL + "/agents/"
	c, err := NewClient(cfg, nil)
	require.NoError(t, err)
	return c
}

func TestQuery(t *testing.T) {
	var got invokeRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agents/invoke", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages_before": 1,
			"messages": []Message{
				{Type: "ai", Name: "research_agent", Content: "old answer"},
				{Type: "human", Content: "price of AAPL?"},
				{Type: "ai", Name: "stock_information_agent", Content: "AAPL is at 190."},
				{Type: "ai", Name: "stock_information_agent", Content: "Transferring back to supervisor"},
				{Type: "ai", Name: "supervisor", Content: "Done."},
			},
		})
	}, Config{})

	res, err := c.Query(context.Background(), "quant_u1_20240101_000000", "price of AAPL?")
	require.NoError(t, err)
	assert.Equal(t, "quant_u1_20240101_000000", got.SessionID)
	assert.Equal(t, "price of AAPL?", got.Query)
	assert.Equal(t, "AAPL is at 190.", res.Response)
	assert.Equal(t, "stock_information_agent", res.AgentUsed)
	assert.Equal(t, 4, res.NewMessages)
	assert.Equal(t, 5, res.Total)
}

func TestQueryErrors(t *testing.T) {
	t.Run("unavailable", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}, Config{})
		_, err := c.Query(context.Background(), "s", "q")
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("server error", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}, Config{})
		_, err := c.Query(context.Background(), "s", "q")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("empty transcript", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"messages":[]}`))
		}, Config{})
		_, err := c.Query(context.Background(), "s", "q")
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("rate limited", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"messages":[{"type":"ai","name":"a","content":"x"}]}`))
		}, Config{RateLimit: 0.001, Burst: 1})
		_, err := c.Query(context.Background(), "s", "q")
		require.NoError(t, err)
		_, err = c.Query(context.Background(), "s", "q")
		assert.ErrorIs(t, err, ErrRateLimited)
	})
}

func TestFinalAnswer(t *testing.T) {
	tests := []struct {
		name      string
		msgs      []Message
		wantText  string
		wantAgent string
	}{
		{"empty", nil, "", ""},
		{"only supervisor", []Message{{Type: "ai", Name: "supervisor", Content: "hi"}}, "hi", ""},
		{"skips handoff", []Message{
			{Type: "ai", Name: "research_agent", Content: "Bull case..."},
			{Type: "ai", Name: "research_agent", Content: "Successfully transferred to supervisor"},
		}, "Bull case...", "research_agent"},
		{"skips tools", []Message{
			{Type: "ai", Name: "technical_analysis_agent", Content: "RSI 70"},
			{Type: "tool", Name: "rsi", Content: "{}"},
		}, "RSI 70", "technical_analysis_agent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, agent := FinalAnswer(tt.msgs)
			assert.Equal(t, tt.wantText, m.Content)
			assert.Equal(t, tt.wantAgent, agent)
		})
	}
}

func TestHistory(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agents/sessions/quant_u1", r.URL.Path)
		_, _ = w.Write([]byte(`{"messages":[{"type":"human","content":"q"},{"type":"ai","name":"a","content":"r"}]}`))
	}, Config{})
	msgs, err := c.History(context.Background(), "quant_u1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "r", msgs[1].Content)
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"agents_ready":true,"servers_ready":{"research":true}}`))
		}, Config{})
		h := c.Health(context.Background())
		assert.Equal(t, "healthy", h.Status)
		assert.True(t, h.ServersReady["research"])
		assert.False(t, h.Timestamp.IsZero())
	})

	t.Run("unreachable", func(t *testing.T) {
		c, err := NewClient(Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, nil)
		require.NoError(t, err)
		h := c.Health(context.Background())
		assert.Equal(t, "unhealthy", h.Status)
		assert.False(t, h.AgentsReady)
	})
}

func TestNewClientInvalidURL(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "not a url"}, nil)
	assert.Error(t, err)
}

func TestSessionID(t *testing.T) {
	at := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	assert.Equal(t, "quant_portfolio_p1_20240309_140507", SessionID("p1", "u1", at))
	assert.Equal(t, "quant_u1_20240309_140507", SessionID("", "u1", at))
}
