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

// CreatePortfolioRequest is the body of POST /portfolios.
type CreatePortfolioRequest struct {
	UserID       string   `json:"user_id" validate:"required,safeid"`
	Name         string   `json:"name" validate:"required,max=200"`
	CompanyNames []string `json:"company_names" validate:"required,min=1,max=50,dive,max=100"`
	Description  string   `json:"description" validate:"max=2000"`
}

// UpdatePortfolioRequest is the body of PUT /portfolios/:id. Absent fields
// are left unchanged.
type UpdatePortfolioRequest struct {
	Name         *string  `json:"name" validate:"omitnil,min=1,max=200"`
	CompanyNames []string `json:"company_names" validate:"omitempty,max=50,dive,max=100"`
	Description  *string  `json:"description" validate:"omitnil,max=2000"`
}

// CreateSessionRequest is the body of POST /portfolios/sessions.
type CreateSessionRequest struct {
	PortfolioID string `json:"portfolio_id" validate:"required,safeid"`
	UserID      string `json:"user_id" validate:"required,safeid"`
	ThreadID    string `json:"thread_id" validate:"omitempty,safeid"`
}

// AskRequest is the body of POST /ask.
type AskRequest struct {
	Query    string `json:"query" validate:"required,maxbytes"`
	ThreadID string `json:"thread_id" validate:"required,safeid"`
	Ticker   string `json:"ticker" validate:"omitempty,ticker"`
}

// CompareRequest is the body of POST /compare.
type CompareRequest struct {
	Company1 string `json:"company1" validate:"required,max=100"`
	Company2 string `json:"company2" validate:"required,max=100"`
	Company3 string `json:"company3" validate:"omitempty,max=100"`
	UserID   string `json:"user_id" validate:"required,safeid"`
	ThreadID string `json:"thread_id" validate:"omitempty,safeid"`
}

// Companies returns the non-empty company fields in order.
func (r *CompareRequest) Companies() []string {
	out := []string{r.Company1, r.Company2}
	if r.Company3 != "" {
		out = append(out, r.Company3)
	}
	return out
}

// QuantQueryRequest is the body of POST /quant/query.
type QuantQueryRequest struct {
	Query       string `json:"query" validate:"required,maxbytes"`
	PortfolioID string `json:"portfolio_id" validate:"omitempty,safeid"`
	UserID      string `json:"user_id" validate:"required,safeid"`
	SessionID   string `json:"session_id" validate:"omitempty,safeid"`
}

// UpdateTitleRequest is the body of PUT /chats/session/:id/title.
type UpdateTitleRequest struct {
	Title string `json:"title" validate:"required,max=200"`
}

// CreateIntegrationRequest is the body of POST /integrations.
type CreateIntegrationRequest struct {
	UserID      string            `json:"user_id" validate:"required,safeid"`
	Vendor      string            `json:"vendor" validate:"required,max=50"`
	Name        string            `json:"name" validate:"required,max=200"`
	URL         string            `json:"url" validate:"omitempty,url"`
	Credentials map[string]string `json:"credentials"`
	Description string            `json:"description" validate:"max=2000"`
}

// UpdateIntegrationRequest is the body of PUT /integrations/:id.
type UpdateIntegrationRequest struct {
	Name        *string           `json:"name" validate:"omitnil,min=1,max=200"`
	URL         *string           `json:"url" validate:"omitempty,url"`
	Credentials map[string]string `json:"credentials"`
	Description *string           `json:"description" validate:"omitnil,max=2000"`
}

// BrowseRequest is the body of POST /integrations/browse.
type BrowseRequest struct {
	IntegrationID string `json:"integration_id" validate:"required,safeid"`
	Path          string `json:"path" validate:"max=1024"`
	SearchQuery   string `json:"search_query" validate:"max=200"`
	PortfolioID   string `json:"portfolio_id" validate:"omitempty,safeid"`
	UserID        string `json:"user_id" validate:"omitempty,safeid"`
}

// ImportRequest is the body of POST /integrations/import.
type ImportRequest struct {
	IntegrationID string   `json:"integration_id" validate:"required,safeid"`
	FilePaths     []string `json:"file_paths" validate:"required,min=1,max=100,dive,required,max=1024"`
	Ticker        string   `json:"ticker" validate:"required,ticker"`
}

// IngestDocumentRequest is the body of POST /v1/documents.
type IngestDocumentRequest struct {
	Content string `json:"content" validate:"required"`
	Source  string `json:"source" validate:"required,max=1024"`
	Ticker  string `json:"ticker" validate:"required,ticker"`
}

// SweepRequest is the optional body of POST /v1/cache/sweep.
type SweepRequest struct {
	MaxIdleSeconds int `json:"max_idle_seconds" validate:"gte=0"`
}
