// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"

	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/connectors"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/retrieval"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/store"
)

// SessionResponse describes a portfolio session.
type SessionResponse struct {
	ThreadID      string    `json:"thread_id"`
	PortfolioID   string    `json:"portfolio_id"`
	PortfolioName string    `json:"portfolio_name"`
	UserID        string    `json:"user_id"`
	CompanyNames  []string  `json:"company_names"`
	Initialized   bool      `json:"initialized"`
	BuildSequence uint64    `json:"build_sequence,omitempty"`
	DocumentCount int       `json:"document_count,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastAccessed  time.Time `json:"last_accessed"`
}

// AskResponse is the answer of POST /ask.
type AskResponse struct {
	Answer        string               `json:"answer"`
	ThreadID      string               `json:"thread_id"`
	PortfolioID   string               `json:"portfolio_id"`
	PortfolioName string               `json:"portfolio_name"`
	CompanyFilter []string             `json:"company_filter"`
	Ticker        string               `json:"ticker,omitempty"`
	Documents     []retrieval.Document `json:"documents"`
	Cached        bool                 `json:"cached"`
}

// CompareResponse is the answer of POST /compare.
type CompareResponse struct {
	Answer    string               `json:"answer"`
	ThreadID  string               `json:"thread_id"`
	Companies []string             `json:"companies"`
	Documents []retrieval.Document `json:"documents"`
}

// QuantQueryResponse is the answer of POST /quant/query.
type QuantQueryResponse struct {
	Response    string         `json:"response"`
	SessionID   string         `json:"session_id"`
	PortfolioID string         `json:"portfolio_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Success     bool           `json:"success"`
	AgentUsed   string         `json:"agent_used,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ChatHistoryResponse is a chat session with its messages.
type ChatHistoryResponse struct {
	Session  *store.ChatSession   `json:"session"`
	Messages []*store.ChatMessage `json:"messages"`
}

// BrowseResponse lists remote files.
type BrowseResponse struct {
	IntegrationID    string                  `json:"integration_id"`
	Path             string                  `json:"path"`
	Files            []connectors.RemoteFile `json:"files"`
	AvailableTickers []string                `json:"available_tickers"`
}
