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
	"fmt"
	"log/slog"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"github.com/AleutianAI/AleutianPortfolio/services/llm"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/companies"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/rescache"
)

// Builder constructs scoped indexes. Its Build method is the
// rescache.BuildFunc used for every portfolio session.
type Builder struct {
	conn        *Conn
	embedder    llm.Embedder
	directory   *companies.Directory
	searchLimit int
	logger      *slog.Logger
}

// NewBuilder returns a Builder. A nil directory uses the built-in table.
func NewBuilder(conn *Conn, embedder llm.Embedder, directory *companies.Directory, logger *slog.Logger) *Builder {
	if directory == nil {
		directory = companies.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		conn:        conn,
		embedder:    embedder,
		directory:   directory,
		searchLimit: DefaultSearchLimit,
		logger:      logger.With("component", "index_builder"),
	}
}

// Build implements rescache.BuildFunc.
func (b *Builder) Build(ctx context.Context, keys rescache.FilterKeySet) (any, error) {
	return b.BuildIndex(ctx, keys)
}

// BuildIndex checks that Weaviate is ready, resolves the companies in keys
// to tickers and counts the chunks in scope.
//
// A scope with no matching chunks is still a valid index; the count is
// logged so that an empty portfolio is visible in the logs.
func (b *Builder) BuildIndex(ctx context.Context, keys rescache.FilterKeySet) (*Index, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "Builder.BuildIndex")
	defer span.End()

	if err := b.conn.Ready(ctx); err != nil {
		return nil, err
	}

	names := keys.Keys()
	tickers := b.directory.Tickers(names)
	count, err := b.count(ctx, scopeFilter(names, tickers))
	if err != nil {
		return nil, err
	}

	b.logger.Info("index built",
		"companies", keys.String(),
		"tickers", tickers,
		"documents", count,
		"duration", time.Since(start))

	return &Index{
		conn:      b.conn,
		embedder:  b.embedder,
		keys:      keys,
		tickers:   tickers,
		documents: count,
		limit:     b.searchLimit,
		builtAt:   time.Now(),
		resolve:   b.directory.Ticker,
	}, nil
}

func (b *Builder) count(ctx context.Context, where *filters.WhereBuilder) (int, error) {
	var n int
	err := b.conn.Do(ctx, "count", func(ctx context.Context) error {
		agg := b.conn.Client().GraphQL().Aggregate().
			WithClassName(ClassFinancialDocument).
			WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}})
		if where != nil {
			agg = agg.WithWhere(where)
		}
		resp, err := agg.Do(ctx)
		if err != nil {
			return err
		}
		parsed, err := parseGraphQL[countResponse](resp)
		if err != nil {
			return err
		}
		if len(parsed.Aggregate.FinancialDocument) > 0 {
			n = parsed.Aggregate.FinancialDocument[0].Meta.Count
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}
