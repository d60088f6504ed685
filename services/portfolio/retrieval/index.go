// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"github.com/AleutianAI/AleutianPortfolio/services/llm"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/rescache"
)

// DefaultSearchLimit is the number of chunks returned when the caller does
// not ask for a specific count.
const DefaultSearchLimit = 8

var (
	// ErrIndexClosed is returned by Search after Close.
	ErrIndexClosed = errors.New("index closed")

	// ErrOutOfScope is returned by SearchCompany for a company the index
	// was not built for.
	ErrOutOfScope = errors.New("company outside index scope")
)

// Document is one retrieved chunk.
type Document struct {
	Content      string  `json:"content"`
	Source       string  `json:"source"`
	ParentSource string  `json:"parent_source"`
	Company      string  `json:"company"`
	Ticker       string  `json:"ticker"`
	Distance     float32 `json:"distance"`
}

// Index is a search view over the financial documents of a fixed set of
// companies. It is the resource held by each rescache handle.
//
// An Index never changes scope after it is built; a portfolio whose
// companies change gets a new Index through rescache's Rescope.
type Index struct {
	conn      *Conn
	embedder  llm.Embedder
	keys      rescache.FilterKeySet
	tickers   []string
	documents int
	limit     int
	builtAt   time.Time
	closed    atomic.Bool

	// resolve maps a company name to its ticker.
	resolve func(name string) string
}

// Keys returns the company names the index is scoped to. An empty set
// means the index searches every document.
func (ix *Index) Keys() rescache.FilterKeySet { return ix.keys }

// Tickers returns the tickers resolved for Keys.
func (ix *Index) Tickers() []string {
	out := make([]string, len(ix.tickers))
	copy(out, ix.tickers)
	return out
}

// DocumentCount is the number of chunks in scope when the index was built.
func (ix *Index) DocumentCount() int { return ix.documents }

// BuiltAt returns when the index was built.
func (ix *Index) BuiltAt() time.Time { return ix.builtAt }

// Close marks the index unusable. It implements io.Closer so that rescache
// releases it on eviction.
func (ix *Index) Close() error {
	ix.closed.Store(true)
	return nil
}

// Closed reports whether Close has been called.
func (ix *Index) Closed() bool { return ix.closed.Load() }

// Search returns the chunks nearest to query within the index scope.
func (ix *Index) Search(ctx context.Context, query string, limit int) ([]Document, error) {
	return ix.search(ctx, query, limit, scopeFilter(ix.keys.Keys(), ix.tickers))
}

// SearchCompany searches a single company of the index scope. It is used
// to give every company in a comparison its own share of the results.
func (ix *Index) SearchCompany(ctx context.Context, company, query string, limit int) ([]Document, error) {
	name := rescache.NormalizeKey(company)
	if !ix.keys.IsEmpty() && !ix.keys.Contains(name) {
		return nil, fmt.Errorf("%w: %s", ErrOutOfScope, company)
	}
	var tickers []string
	if ix.resolve != nil {
		if t := ix.resolve(name); t != "" {
			tickers = []string{t}
		}
	}
	return ix.search(ctx, query, limit, scopeFilter([]string{name}, tickers))
}

func (ix *Index) search(ctx context.Context, query string, limit int, where *filters.WhereBuilder) ([]Document, error) {
	if ix.Closed() {
		return nil, ErrIndexClosed
	}
	if limit <= 0 {
		limit = ix.limit
	}

	ctx, span := tracer.Start(ctx, "Index.Search")
	defer span.End()

	vectors, err := ix.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one query", len(vectors))
	}

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source"},
		{Name: "parent_source"},
		{Name: "company"},
		{Name: "ticker"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
	}

	var parsed *documentResponse
	err = ix.conn.Do(ctx, "search", func(ctx context.Context) error {
		get := ix.conn.Client().GraphQL().Get().
			WithClassName(ClassFinancialDocument).
			WithFields(fields...).
			WithNearVector(ix.conn.Client().GraphQL().NearVectorArgBuilder().WithVector(vectors[0])).
			WithLimit(limit)
		if where != nil {
			get = get.WithWhere(where)
		}
		resp, err := get.Do(ctx)
		if err != nil {
			return err
		}
		parsed, err = parseGraphQL[documentResponse](resp)
		return err
	})
	if err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(parsed.Get.FinancialDocument))
	for _, r := range parsed.Get.FinancialDocument {
		docs = append(docs, r.document())
	}
	return docs, nil
}

// scopeFilter matches chunks whose ticker is one of tickers or whose
// company is one of names. It returns nil for an unscoped search.
func scopeFilter(names, tickers []string) *filters.WhereBuilder {
	operands := make([]*filters.WhereBuilder, 0, len(names)+len(tickers))
	for _, t := range tickers {
		operands = append(operands, filters.Where().
			WithPath([]string{"ticker"}).
			WithOperator(filters.Equal).
			WithValueString(t))
	}
	for _, n := range names {
		operands = append(operands, filters.Where().
			WithPath([]string{"company"}).
			WithOperator(filters.Equal).
			WithValueString(n))
	}
	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return filters.Where().WithOperator(filters.Or).WithOperands(operands)
	}
}
