// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor answers questions against a cached retrieval handle.
//
// The executor never holds a cache reference of its own: callers lease a
// handle from rescache, pass it in, and release it when the call returns.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianPortfolio/services/llm"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/companies"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/rescache"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/retrieval"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/store"
)

var tracer = otel.Tracer("aleutian.portfolio.executor")

const (
	defaultLimit           = 8
	defaultPerCompanyLimit = 5

	// maxCompareFanout bounds concurrent per-company searches.
	maxCompareFanout = 3
)

var (
	// ErrUnsupportedResource is returned when a handle does not hold a
	// searchable resource.
	ErrUnsupportedResource = errors.New("handle resource is not searchable")

	// ErrEmptyQuery is returned for a blank question.
	ErrEmptyQuery = errors.New("query is empty")
)

// Retriever is what the executor needs from a cached resource.
type Retriever interface {
	Search(ctx context.Context, query string, limit int) ([]retrieval.Document, error)
	SearchCompany(ctx context.Context, company, query string, limit int) ([]retrieval.Document, error)
}

// Options tune a single call.
type Options struct {
	// Ticker narrows retrieval to one company of the handle scope.
	Ticker string

	// Limit is the number of chunks to retrieve. Zero uses the default.
	Limit int

	Params llm.GenerationParams
}

// Answer is the result of Answer or Compare.
type Answer struct {
	Text          string               `json:"answer"`
	Documents     []retrieval.Document `json:"documents"`
	CompanyFilter []string             `json:"company_filter"`
	Ticker        string               `json:"ticker,omitempty"`
	Cached        bool                 `json:"cached"`
}

// Sources returns the distinct parent sources of the documents, at most n.
func (a *Answer) Sources(n int) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, n)
	for _, d := range a.Documents {
		src := d.ParentSource
		if src == "" {
			src = d.Source
		}
		if src == "" || seen[src] {
			continue
		}
		seen[src] = true
		out = append(out, src)
		if len(out) == n {
			break
		}
	}
	return out
}

// Executor runs retrieval and generation.
type Executor struct {
	llm       llm.LLMClient
	directory *companies.Directory
	logger    *slog.Logger
}

// New returns an Executor. A nil directory uses the built-in table.
func New(client llm.LLMClient, directory *companies.Directory, logger *slog.Logger) *Executor {
	if directory == nil {
		directory = companies.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{llm: client, directory: directory, logger: logger.With("component", "executor")}
}

// Answer retrieves context for query from the handle's index and asks the
// LLM to answer from it.
func (e *Executor) Answer(ctx context.Context, h *rescache.Handle, query string, opts Options) (*Answer, error) {
	if query == "" {
		return nil, ErrEmptyQuery
	}
	r, ok := h.Resource().(Retriever)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedResource, h.Resource())
	}

	ctx, span := tracer.Start(ctx, "Executor.Answer")
	defer span.End()
	span.SetAttributes(
		attribute.String("portfolio.companies", h.Keys().String()),
		attribute.Int64("rescache.sequence", int64(h.Sequence())),
	)

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	var docs []retrieval.Document
	var err error
	company := ""
	if opts.Ticker != "" {
		company = e.directory.Company(opts.Ticker)
	}
	if company != "" && (h.Keys().IsEmpty() || h.Keys().Contains(company)) {
		docs, err = r.SearchCompany(ctx, company, query, limit)
	} else {
		docs, err = r.Search(ctx, query, limit)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retrieval failed")
		return nil, fmt.Errorf("retrieve documents: %w", err)
	}

	text, err := e.llm.Generate(ctx, answerPrompt(query, h.Keys().Keys(), docs), opts.Params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	e.logger.Debug("answered query", "companies", h.Keys().String(), "documents", len(docs))
	return &Answer{
		Text:          text,
		Documents:     docs,
		CompanyFilter: h.Keys().Keys(),
		Ticker:        opts.Ticker,
	}, nil
}

// Compare searches each company concurrently and asks the LLM for a side
// by side comparison. Companies missing from the handle scope fail the
// call.
func (e *Executor) Compare(ctx context.Context, h *rescache.Handle, names []string, opts Options) (*Answer, error) {
	r, ok := h.Resource().(Retriever)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedResource, h.Resource())
	}

	ctx, span := tracer.Start(ctx, "Executor.Compare")
	defer span.End()
	span.SetAttributes(attribute.StringSlice("compare.companies", names))

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultPerCompanyLimit
	}
	query := ComparisonQuery(names)

	var mu sync.Mutex
	byCompany := make(map[string][]retrieval.Document, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxCompareFanout)
	for _, name := range names {
		g.Go(func() error {
			docs, err := r.SearchCompany(gctx, name, query, limit)
			if err != nil {
				return fmt.Errorf("search %s: %w", name, err)
			}
			mu.Lock()
			byCompany[name] = docs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retrieval failed")
		return nil, err
	}

	text, err := e.llm.Generate(ctx, comparisonPrompt(query, names, byCompany), opts.Params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		return nil, fmt.Errorf("generate comparison: %w", err)
	}

	var docs []retrieval.Document
	for _, name := range names {
		docs = append(docs, byCompany[name]...)
	}
	return &Answer{Text: text, Documents: docs, CompanyFilter: h.Keys().Keys()}, nil
}

// Summarize condenses a conversation. messages are oldest first; only the
// most recent MaxSummaryMessages are used.
func (e *Executor) Summarize(ctx context.Context, messages []store.ChatMessage) (string, error) {
	if len(messages) == 0 {
		return "No messages in this chat session.", nil
	}
	if len(messages) > MaxSummaryMessages {
		messages = messages[len(messages)-MaxSummaryMessages:]
	}
	temp := float32(0.1)
	text, err := e.llm.Generate(ctx, summaryPrompt(messages), llm.GenerationParams{Temperature: &temp})
	if err != nil {
		return "", fmt.Errorf("generate summary: %w", err)
	}
	return text, nil
}

// MaxSummaryMessages is how many recent messages Summarize reads.
const MaxSummaryMessages = 20
