// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"time"

	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/rescache"
)

// Key layout.
const (
	keyMessageSeq = "seq/message"

	prefixPortfolio        = "portfolio/"
	prefixUserPortfolio    = "idx/user_portfolio/"
	prefixSession          = "session/"
	prefixPortfolioSession = "idx/portfolio_session/"
	prefixChat             = "chat/"
	prefixUserChat         = "idx/user_chat/"
	prefixPortfolioChat    = "idx/portfolio_chat/"
	prefixMessage          = "msg/"
	prefixIntegration      = "integration/"
	prefixUserIntegration  = "idx/user_integration/"
)

// AgentType identifies which subsystem owns a chat session.
type AgentType string

const (
	AgentRAG   AgentType = "rag"
	AgentQuant AgentType = "quant"
)

// Valid reports whether a is a known agent type.
func (a AgentType) Valid() bool {
	return a == AgentRAG || a == AgentQuant
}

// MessageRole is the author of a chat message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// IntegrationStatus is the connection state of an integration.
type IntegrationStatus string

const (
	StatusActive       IntegrationStatus = "active"
	StatusDisconnected IntegrationStatus = "disconnected"
	StatusError        IntegrationStatus = "error"
)

// Portfolio is a named set of companies owned by a user.
type Portfolio struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Name         string    `json:"name"`
	CompanyNames []string  `json:"company_names"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FilterKeys returns the portfolio's companies as a resource scope.
func (p *Portfolio) FilterKeys() rescache.FilterKeySet {
	return rescache.NewFilterKeySet(p.CompanyNames...)
}

// PortfolioUpdate is a partial update. Nil fields are left unchanged.
type PortfolioUpdate struct {
	Name         *string
	CompanyNames []string
	Description  *string
}

// Session binds a conversation thread to a portfolio.
type Session struct {
	ThreadID     string    `json:"thread_id"`
	PortfolioID  string    `json:"portfolio_id"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

// ChatSession is the persisted history header of one conversation.
type ChatSession struct {
	ID            string         `json:"session_id"`
	UserID        string         `json:"user_id"`
	AgentType     AgentType      `json:"agent_type"`
	Title         string         `json:"title"`
	PortfolioID   string         `json:"portfolio_id,omitempty"`
	Metadata      map[string]any `json:"session_metadata,omitempty"`
	Summary       string         `json:"summary,omitempty"`
	IsActive      bool           `json:"is_active"`
	MessageCount  int            `json:"message_count"`
	TotalTokens   int            `json:"total_tokens"`
	CreatedAt     time.Time      `json:"created_at"`
	LastMessageAt time.Time      `json:"last_message_at"`
}

// ChatSessionSpec describes a chat session to create or fetch.
type ChatSessionSpec struct {
	ID          string
	UserID      string
	AgentType   AgentType
	PortfolioID string
	Title       string
	Metadata    map[string]any
}

// ChatMessage is one message in a chat session.
type ChatMessage struct {
	ID         uint64         `json:"id"`
	SessionID  string         `json:"session_id"`
	Role       MessageRole    `json:"role"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	TokenCount int            `json:"token_count,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// SessionStats summarizes one chat session.
type SessionStats struct {
	SessionID     string    `json:"session_id"`
	MessageCount  int       `json:"message_count"`
	TotalTokens   int       `json:"total_tokens"`
	AgentType     AgentType `json:"agent_type"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// UserStats summarizes all of a user's chat sessions.
type UserStats struct {
	UserID        string `json:"user_id"`
	TotalSessions int    `json:"total_sessions"`
	RAGSessions   int    `json:"rag_sessions"`
	QuantSessions int    `json:"quant_sessions"`
	TotalMessages int    `json:"total_messages"`
}

// Integration is a configured external file source.
type Integration struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	Vendor      string            `json:"vendor"`
	Name        string            `json:"name"`
	URL         string            `json:"url,omitempty"`
	Credentials map[string]string `json:"credentials,omitempty"`
	Status      IntegrationStatus `json:"status"`
	LastSync    *time.Time        `json:"last_sync,omitempty"`
	Description string            `json:"description,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// IntegrationUpdate is a partial update. Nil fields are left unchanged.
type IntegrationUpdate struct {
	Name        *string
	URL         *string
	Credentials map[string]string
	Status      *IntegrationStatus
	Description *string
}
