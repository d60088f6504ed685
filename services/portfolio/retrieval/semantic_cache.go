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
	"strings"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"github.com/AleutianAI/AleutianPortfolio/services/llm"
)

// DefaultCacheCertainty is the minimum similarity for a cache hit.
const DefaultCacheCertainty = 0.90

// minCacheableWords is the shortest query worth caching. Shorter queries
// are usually follow-ups that depend on the conversation.
const minCacheableWords = 3

// Follow-up phrasing whose answer depends on earlier turns.
var bypassPhrases = []string{
	"summarize", "recap", "elaborate", "more info",
	"tell me more", "explain that", "continue",
}

// SemanticCache stores answers keyed by the embedding of the question and
// returns them for sufficiently similar questions in the same thread.
type SemanticCache struct {
	conn      *Conn
	embedder  llm.Embedder
	certainty float32
	now       func() time.Time
	logger    *slog.Logger
}

// NewSemanticCache returns a cache. certainty <= 0 uses
// DefaultCacheCertainty.
func NewSemanticCache(conn *Conn, embedder llm.Embedder, certainty float32, logger *slog.Logger) *SemanticCache {
	if certainty <= 0 {
		certainty = DefaultCacheCertainty
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SemanticCache{
		conn:      conn,
		embedder:  embedder,
		certainty: certainty,
		now:       time.Now,
		logger:    logger.With("component", "semantic_cache"),
	}
}

// CacheKey builds the text that is embedded for a lookup. A ticker
// prefix keeps identical questions about different companies apart.
func CacheKey(ticker, query string) string {
	query = strings.TrimSpace(query)
	if ticker == "" {
		return query
	}
	return strings.ToUpper(ticker) + ":" + query
}

// Cacheable reports whether query should go through the cache at all.
func Cacheable(query string) bool {
	if len(strings.Fields(query)) < minCacheableWords {
		return false
	}
	lower := strings.ToLower(query)
	for _, p := range bypassPhrases {
		if strings.Contains(lower, p) {
			return false
		}
	}
	return true
}

// Lookup returns the cached answer for key in thread, if any.
func (c *SemanticCache) Lookup(ctx context.Context, threadID, key string) (string, bool, error) {
	ctx, span := tracer.Start(ctx, "SemanticCache.Lookup")
	defer span.End()

	vector, err := c.embedOne(ctx, key)
	if err != nil {
		return "", false, err
	}

	fields := []graphql.Field{
		{Name: "cache_key"},
		{Name: "answer"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}
	var parsed *cacheResponse
	err = c.conn.Do(ctx, "cache_lookup", func(ctx context.Context) error {
		near := c.conn.Client().GraphQL().NearVectorArgBuilder().
			WithVector(vector).
			WithCertainty(c.certainty)
		resp, err := c.conn.Client().GraphQL().Get().
			WithClassName(ClassAnswerCache).
			WithFields(fields...).
			WithWhere(threadFilter(threadID)).
			WithNearVector(near).
			WithLimit(1).
			Do(ctx)
		if err != nil {
			return err
		}
		parsed, err = parseGraphQL[cacheResponse](resp)
		return err
	})
	if err != nil {
		return "", false, err
	}

	hits := parsed.Get.AnswerCache
	if len(hits) == 0 {
		c.logger.Debug("cache miss", "thread_id", threadID)
		return "", false, nil
	}
	// Weaviate applies the certainty bound, but an older server may not.
	if hits[0].Additional.Certainty != nil && *hits[0].Additional.Certainty < c.certainty {
		return "", false, nil
	}
	c.logger.Debug("cache hit", "thread_id", threadID, "cache_key", hits[0].CacheKey)
	return hits[0].Answer, true, nil
}

// Store records answer for key in thread.
func (c *SemanticCache) Store(ctx context.Context, threadID, key, answer string) error {
	ctx, span := tracer.Start(ctx, "SemanticCache.Store")
	defer span.End()

	vector, err := c.embedOne(ctx, key)
	if err != nil {
		return err
	}
	props := map[string]any{
		"thread_id":  threadID,
		"cache_key":  key,
		"answer":     answer,
		"created_at": c.now().UnixMilli(),
	}
	return c.conn.Do(ctx, "cache_store", func(ctx context.Context) error {
		_, err := c.conn.Client().Data().Creator().
			WithClassName(ClassAnswerCache).
			WithProperties(props).
			WithVector(vector).
			Do(ctx)
		return err
	})
}

// Invalidate drops every cached answer of thread. It is called when the
// thread's portfolio changes scope or the thread is deleted.
func (c *SemanticCache) Invalidate(ctx context.Context, threadID string) error {
	return c.conn.Do(ctx, "cache_invalidate", func(ctx context.Context) error {
		_, err := c.conn.Client().Batch().ObjectsBatchDeleter().
			WithClassName(ClassAnswerCache).
			WithOutput("minimal").
			WithWhere(threadFilter(threadID)).
			Do(ctx)
		return err
	})
}

func (c *SemanticCache) embedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed cache key: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one key", len(vectors))
	}
	return vectors[0], nil
}

func threadFilter(threadID string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"thread_id"}).
		WithOperator(filters.Equal).
		WithValueString(threadID)
}
