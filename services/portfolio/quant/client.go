// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package quant proxies queries to the external multi-agent stock analysis
// service. The agents, their tools and their memory live in that service;
// this package only forwards requests, picks the answer out of the agent
// transcript and builds session ids.
package quant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 120 * time.Second
	maxErrorBody   = 4 << 10
)

var (
	// ErrUnavailable is returned when the agent service cannot be reached or
	// reports that its agents are not initialized.
	ErrUnavailable = errors.New("stock analysis agents unavailable")

	// ErrRateLimited is returned when the local rate limiter rejects a call.
	ErrRateLimited = errors.New("stock analysis rate limit exceeded")
)

// Message is one entry of an agent transcript.
type Message struct {
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
	ID      string `json:"id,omitempty"`
}

// Result is the answer to a query.
type Result struct {
	Response    string `json:"response"`
	AgentUsed   string `json:"agent_used,omitempty"`
	NewMessages int    `json:"new_messages"`
	Total       int    `json:"message_count"`
}

// Health is the agent service status.
type Health struct {
	Status       string          `json:"status"`
	ServersReady map[string]bool `json:"servers_ready"`
	AgentsReady  bool            `json:"agents_ready"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Config configures a Client.
type Config struct {
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"`
	Burst     int           `yaml:"burst"`
}

// Client calls the agent service.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient returns a client for cfg.BaseURL. A zero RateLimit disables
// limiting.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid stock agent url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:    base,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  logger,
	}, nil
}

type invokeRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

type invokeResponse struct {
	Messages       []Message `json:"messages"`
	MessagesBefore int       `json:"messages_before"`
}

// Query sends query to the supervisor agent under sessionID, which keeps
// the agent's conversation memory.
func (c *Client) Query(ctx context.Context, sessionID, query string) (*Result, error) {
	if !c.limiter.Allow() {
		return nil, ErrRateLimited
	}

	var out invokeResponse
	if err := c.do(ctx, http.MethodPost, []string{"invoke"}, invokeRequest{SessionID: sessionID, Query: query}, &out); err != nil {
		return nil, err
	}
	if len(out.Messages) == 0 {
		return nil, fmt.Errorf("%w: empty agent response", ErrUnavailable)
	}

	fresh := out.Messages
	if out.MessagesBefore > 0 && out.MessagesBefore < len(out.Messages) {
		fresh = out.Messages[out.MessagesBefore:]
	}
	final, agent := FinalAnswer(fresh)
	c.logger.Info("Stock agent answered",
		"session_id", sessionID,
		"agent_used", agent,
		"new_messages", len(fresh))
	return &Result{
		Response:    final.Content,
		AgentUsed:   agent,
		NewMessages: len(fresh),
		Total:       len(out.Messages),
	}, nil
}

// FinalAnswer returns the last agent message that is not supervisor
// routing chatter, and the agent that wrote it. When there is none the last
// message is returned with no agent.
func FinalAnswer(msgs []Message) (Message, string) {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Type != "ai" || m.Name == "supervisor" {
			continue
		}
		if strings.HasPrefix(m.Content, "Transferring back") || strings.HasPrefix(m.Content, "Successfully transferred") {
			continue
		}
		return m, m.Name
	}
	if len(msgs) == 0 {
		return Message{}, ""
	}
	return msgs[len(msgs)-1], ""
}

// History returns the agent transcript of a session.
func (c *Client) History(ctx context.Context, sessionID string) ([]Message, error) {
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, []string{"sessions", sessionID}, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Health reports the agent service status. An unreachable service is
// reported as unhealthy rather than as an error.
func (c *Client) Health(ctx context.Context) *Health {
	var h Health
	if err := c.do(ctx, http.MethodGet, []string{"health"}, nil, &h); err != nil {
		c.logger.Warn("Stock agent health check failed", "error", err)
		return &Health{Status: "unhealthy", ServersReady: map[string]bool{}, Timestamp: time.Now()}
	}
	if h.Status == "" {
		h.Status = "unhealthy"
		if h.AgentsReady {
			h.Status = "healthy"
		}
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now()
	}
	return &h
}

func (c *Client) do(ctx context.Context, method string, elems []string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(elems...).String(), rdr)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return ErrUnavailable
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("stock agent returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode stock agent response: %w", err)
	}
	return nil
}

// SessionID builds the id of a new quant chat. Sessions linked to a
// portfolio carry its id.
func SessionID(portfolioID, userID string, at time.Time) string {
	ts := at.Format("20060102_150405")
	if portfolioID != "" {
		return fmt.Sprintf("quant_portfolio_%s_%s", portfolioID, ts)
	}
	return fmt.Sprintf("quant_%s_%s", userID, ts)
}

// Capabilities describes what the agent service can do.
type Capabilities struct {
	FundamentalAnalysis []string `json:"fundamental_analysis"`
	TechnicalAnalysis   []string `json:"technical_analysis"`
	ResearchAnalysis    []string `json:"research_analysis"`
	TickerLookup        []string `json:"ticker_lookup"`
	IntelligentFeatures []string `json:"intelligent_features"`
}

// DefaultCapabilities is the static capability list.
var DefaultCapabilities = Capabilities{
	FundamentalAnalysis: []string{
		"Current stock prices and market data",
		"Historical price charts and trends",
		"Financial news and sentiment analysis",
		"Dividends, stock splits, and corporate actions",
		"Financial statements (income, balance sheet, cash flow)",
		"Analyst recommendations and price targets",
		"Holder information and institutional ownership",
		"Options data and chains",
	},
	TechnicalAnalysis: []string{
		"Simple Moving Average (SMA)",
		"Relative Strength Index (RSI)",
		"Bollinger Bands",
		"MACD",
		"Volume analysis",
		"Support and resistance levels",
	},
	ResearchAnalysis: []string{
		"Analyst ratings and consensus price targets",
		"Sentiment analysis of market commentary",
		"Bull and bear case scenarios",
		"Upgrades, downgrades, and rating changes",
	},
	TickerLookup: []string{
		"Find ticker symbols from company names",
		"Support for US and international stocks",
	},
	IntelligentFeatures: []string{
		"Automatic ticker resolution from company names",
		"Session-based conversation memory",
		"Portfolio-linked queries",
	},
}
