// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/datatypes"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/executor"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/middleware"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/observability"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/rescache"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/retrieval"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/store"
)

const (
	maxSourcesInMetadata = 5
	defaultHistoryLimit  = 100
)

// RAGDeps are the dependencies of the question answering endpoints.
type RAGDeps struct {
	Store    *store.Store
	Cache    *rescache.Manager
	Build    rescache.BuildFunc
	Executor *executor.Executor
	Answers  AnswerCache
	Metrics  *observability.Metrics
	Now      func() time.Time
}

func (d RAGDeps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Ask answers a question inside a portfolio session.
//
// The session's cached handle is reused. After a restart, when the store
// knows the session but the cache does not, the handle is rebuilt from the
// portfolio's companies. A cached handle whose scope no longer matches the
// portfolio is reported as a conflict rather than silently replaced.
func Ask(d RAGDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "Ask")
		defer span.End()

		var req datatypes.AskRequest
		if err := bindJSON(c, &req); err != nil {
			respondError(c, span, err)
			return
		}
		ticker := strings.ToUpper(strings.TrimSpace(req.Ticker))
		span.SetAttributes(
			attribute.String("thread_id", req.ThreadID),
			attribute.String("ticker", ticker),
		)

		sess, p, keys, err := d.Store.SessionScope(ctx, req.ThreadID)
		if errors.Is(err, store.ErrNotFound) {
			respondError(c, span, rescache.ErrSessionNotInitialized)
			return
		}
		if err != nil {
			respondError(c, span, err)
			return
		}

		// The lease comes first so that a scope conflict or failed build
		// leaves no unanswered question in the history.
		lease, err := sessionLease(ctx, d.Cache, req.ThreadID, keys, d.Build)
		if err != nil {
			respondError(c, span, err)
			return
		}
		defer lease.Release()
		h := lease.Handle()
		span.SetAttributes(attribute.Int64("rescache.sequence", int64(h.Sequence())))

		if _, err := d.Store.CreateOrGetChatSession(ctx, store.ChatSessionSpec{
			ID:          req.ThreadID,
			UserID:      sess.UserID,
			AgentType:   store.AgentRAG,
			PortfolioID: p.ID,
			Title:       "RAG: " + p.Name,
			Metadata:    map[string]any{"portfolio_name": p.Name, "companies": p.CompanyNames},
		}); err != nil {
			respondError(c, span, err)
			return
		}
		if _, err := d.Store.AddMessage(ctx, req.ThreadID, store.RoleUser, req.Query, nil, 0); err != nil {
			respondError(c, span, err)
			return
		}
		if err := d.Store.TouchSession(ctx, req.ThreadID); err != nil {
			slog.Warn("Failed to touch session", "thread_id", req.ThreadID, "error", err)
		}

		cacheKey := retrieval.CacheKey(ticker, req.Query)
		cacheable := d.Answers != nil && retrieval.Cacheable(req.Query)

		var ans *executor.Answer
		if cacheable {
			text, hit, err := d.Answers.Lookup(ctx, req.ThreadID, cacheKey)
			if err != nil {
				slog.Warn("Answer cache lookup failed", "thread_id", req.ThreadID, "error", err)
			}
			d.Metrics.RecordAnswerCache(hit)
			if hit {
				ans = &executor.Answer{Text: text, CompanyFilter: h.Keys().Keys(), Ticker: ticker, Cached: true}
			}
		}
		if ans == nil {
			ans, err = d.Executor.Answer(ctx, h, req.Query, executor.Options{Ticker: ticker})
			if err != nil {
				d.Metrics.RecordLLMError("ask")
				respondError(c, span, err)
				return
			}
		}

		if _, err := d.Store.AddMessage(ctx, req.ThreadID, store.RoleAssistant, ans.Text, map[string]any{
			"company_filter": ans.CompanyFilter,
			"ticker":         ticker,
			"document_count": len(ans.Documents),
			"sources":        ans.Sources(maxSourcesInMetadata),
			"cached":         ans.Cached,
		}, 0); err != nil {
			respondError(c, span, err)
			return
		}

		if cacheable && !ans.Cached {
			if err := d.Answers.Store(ctx, req.ThreadID, cacheKey, ans.Text); err != nil {
				slog.Warn("Failed to store answer in cache", "thread_id", req.ThreadID, "error", err)
			}
		}

		docs := ans.Documents
		if docs == nil {
			docs = []retrieval.Document{}
		}
		c.JSON(http.StatusOK, datatypes.AskResponse{
			Answer:        ans.Text,
			ThreadID:      req.ThreadID,
			PortfolioID:   p.ID,
			PortfolioName: p.Name,
			CompanyFilter: ans.CompanyFilter,
			Ticker:        ticker,
			Documents:     docs,
			Cached:        ans.Cached,
		})
	}
}

// sessionLease returns the cached handle of threadID. A session the cache
// does not hold, as after a restart, is rebuilt from keys; a cached handle
// with other keys is a *rescache.ScopeConflictError.
func sessionLease(ctx context.Context, cache *rescache.Manager, threadID string, keys rescache.FilterKeySet, build rescache.BuildFunc) (*rescache.Lease, error) {
	if !cache.Contains(threadID) {
		slog.Info("Initializing session handle lazily", "thread_id", threadID, "companies", keys.String())
	}
	return cache.AcquireForSession(ctx, threadID, keys, build)
}

// Compare answers the predefined comparison question for two or three
// companies. The index is built for this request only and closed before
// returning; no session cache entry is touched.
func Compare(d RAGDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "Compare")
		defer span.End()

		var req datatypes.CompareRequest
		if err := bindJSON(c, &req); err != nil {
			respondError(c, span, err)
			return
		}

		var names []string
		for _, n := range req.Companies() {
			n = rescache.NormalizeKey(n)
			if n != "" && !contains(names, n) {
				names = append(names, n)
			}
		}
		if len(names) < 2 {
			respondError(c, span, badRequest("need at least two distinct companies"))
			return
		}
		span.SetAttributes(attribute.StringSlice("compare.companies", names))

		threadID := req.ThreadID
		if threadID == "" {
			threadID = fmt.Sprintf("comparison_%s_%s", req.UserID, d.now().Format("20060102_150405"))
		}
		middleware.SetAuditResource(c, threadID)

		eph, err := d.Cache.CreateEphemeral(ctx, rescache.NewFilterKeySet(names...), d.Build)
		if err != nil {
			respondError(c, span, err)
			return
		}
		defer func() {
			if err := eph.Close(); err != nil {
				slog.Warn("Failed to close comparison index", "thread_id", threadID, "error", err)
			}
		}()

		if _, err := d.Store.CreateOrGetChatSession(ctx, store.ChatSessionSpec{
			ID:        threadID,
			UserID:    req.UserID,
			AgentType: store.AgentRAG,
			Title:     "Comparison: " + strings.Join(req.Companies(), " vs "),
			Metadata:  map[string]any{"type": "comparison", "companies": names},
		}); err != nil {
			respondError(c, span, err)
			return
		}
		query := executor.ComparisonQuery(names)
		if _, err := d.Store.AddMessage(ctx, threadID, store.RoleUser, query, nil, 0); err != nil {
			respondError(c, span, err)
			return
		}

		ans, err := d.Executor.Compare(ctx, eph.Handle, names, executor.Options{})
		if err != nil {
			d.Metrics.RecordLLMError("compare")
			respondError(c, span, err)
			return
		}

		if _, err := d.Store.AddMessage(ctx, threadID, store.RoleAssistant, ans.Text, map[string]any{
			"companies":      names,
			"document_count": len(ans.Documents),
			"sources":        ans.Sources(maxSourcesInMetadata),
		}, 0); err != nil {
			respondError(c, span, err)
			return
		}

		docs := ans.Documents
		if docs == nil {
			docs = []retrieval.Document{}
		}
		c.JSON(http.StatusOK, datatypes.CompareResponse{
			Answer:    ans.Text,
			ThreadID:  threadID,
			Companies: names,
			Documents: docs,
		})
	}
}

// RAGHealth reports vector store readiness, the LLM backend and cache
// statistics.
func RAGHealth(ready ReadinessChecker, backend string, cache *rescache.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		status, weaviate := "healthy", "ready"
		if err := ready.Ready(ctx); err != nil {
			status, weaviate = "degraded", err.Error()
		}
		stats := cache.Stats()
		c.JSON(http.StatusOK, gin.H{
			"status":      status,
			"weaviate":    weaviate,
			"llm_backend": backend,
			"cache":       stats,
			"hit_rate":    stats.HitRate(),
		})
	}
}

// RAGCapabilities describes the question answering features.
func RAGCapabilities(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"features": []string{
			"Portfolio-scoped question answering over ingested filings",
			"Ticker-focused questions within a portfolio",
			"Side by side comparison of two or three companies",
			"Semantic answer cache per conversation",
			"Persistent chat history",
		},
		"comparison_limit":       3,
		"answer_cache_certainty": retrieval.DefaultCacheCertainty,
	})
}

// RAGSessionHistory returns a RAG chat session with its messages.
func RAGSessionHistory(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "RAGSessionHistory")
		defer span.End()

		id, err := pathID(c, "session_id")
		if err != nil {
			respondError(c, span, err)
			return
		}
		cs, err := st.GetChatSession(ctx, id)
		if err != nil {
			respondError(c, span, err)
			return
		}
		limit := queryInt(c, "limit", defaultHistoryLimit)
		msgs, err := st.Messages(ctx, id, limit, 0)
		if err != nil {
			respondError(c, span, err)
			return
		}
		if msgs == nil {
			msgs = []*store.ChatMessage{}
		}
		c.JSON(http.StatusOK, datatypes.ChatHistoryResponse{Session: cs, Messages: msgs})
	}
}

func queryInt(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
