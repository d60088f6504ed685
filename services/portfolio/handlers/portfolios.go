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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/datatypes"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/middleware"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/rescache"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/store"
)

// CreatePortfolio stores a portfolio after checking that its scope can be
// built. The check uses an ephemeral handle, so no session is cached.
func CreatePortfolio(st *store.Store, cache *rescache.Manager, build rescache.BuildFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "CreatePortfolio")
		defer span.End()

		var req datatypes.CreatePortfolioRequest
		if err := bindJSON(c, &req); err != nil {
			respondError(c, span, err)
			return
		}

		p := &store.Portfolio{
			UserID:       req.UserID,
			Name:         req.Name,
			CompanyNames: req.CompanyNames,
			Description:  req.Description,
		}
		keys := p.FilterKeys()
		if err := keys.RequireNonEmpty(); err != nil {
			respondError(c, span, store.ErrEmptyPortfolio)
			return
		}
		span.SetAttributes(attribute.String("portfolio.companies", keys.String()))

		eph, err := cache.CreateEphemeral(ctx, keys, build)
		if err != nil {
			respondError(c, span, err)
			return
		}
		docs := documentCount(eph.Resource())
		if err := eph.Close(); err != nil {
			slog.Warn("Failed to close validation index", "error", err)
		}

		if err := st.CreatePortfolio(ctx, p); err != nil {
			respondError(c, span, err)
			return
		}
		middleware.SetAuditResource(c, p.ID)
		slog.Info("Portfolio created",
			"portfolio_id", p.ID,
			"user_id", p.UserID,
			"companies", p.CompanyNames,
			"documents", docs)
		c.JSON(http.StatusCreated, gin.H{"portfolio": p, "document_count": docs})
	}
}

// GetPortfolio returns one portfolio.
func GetPortfolio(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "GetPortfolio")
		defer span.End()

		id, err := pathID(c, "id")
		if err != nil {
			respondError(c, span, err)
			return
		}
		p, err := st.GetPortfolio(ctx, id)
		if err != nil {
			respondError(c, span, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

// ListUserPortfolios returns a user's portfolios, newest first.
func ListUserPortfolios(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "ListUserPortfolios")
		defer span.End()

		userID, err := pathID(c, "user_id")
		if err != nil {
			respondError(c, span, err)
			return
		}
		ps, err := st.ListPortfolios(ctx, userID)
		if err != nil {
			respondError(c, span, err)
			return
		}
		if ps == nil {
			ps = []*store.Portfolio{}
		}
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "portfolios": ps, "count": len(ps)})
	}
}

// UpdatePortfolio applies a partial update. When the company list changes,
// every cached session of the portfolio is rescoped to the new companies.
// A session whose rebuild fails is evicted so that its next question
// rebuilds from the stored scope instead of conflicting with it.
func UpdatePortfolio(st *store.Store, cache *rescache.Manager, build rescache.BuildFunc, answers AnswerCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "UpdatePortfolio")
		defer span.End()

		id, err := pathID(c, "id")
		if err != nil {
			respondError(c, span, err)
			return
		}
		var req datatypes.UpdatePortfolioRequest
		if err := bindJSON(c, &req); err != nil {
			respondError(c, span, err)
			return
		}

		p, scopeChanged, err := st.UpdatePortfolio(ctx, id, store.PortfolioUpdate{
			Name:         req.Name,
			CompanyNames: req.CompanyNames,
			Description:  req.Description,
		})
		if err != nil {
			respondError(c, span, err)
			return
		}
		span.SetAttributes(attribute.Bool("portfolio.scope_changed", scopeChanged))
		if !scopeChanged {
			c.JSON(http.StatusOK, gin.H{"portfolio": p, "rescoped_sessions": 0})
			return
		}

		sessions, err := st.ListSessions(ctx, id)
		if err != nil {
			respondError(c, span, err)
			return
		}
		keys := p.FilterKeys()
		rescoped := 0
		failed := []string{}
		for _, sess := range sessions {
			invalidateAnswers(ctx, answers, sess.ThreadID)
			if !cache.Contains(sess.ThreadID) {
				continue
			}
			lease, err := cache.Rescope(ctx, sess.ThreadID, keys, build)
			if err != nil {
				slog.Warn("Failed to rescope session, evicting stale handle",
					"thread_id", sess.ThreadID,
					"portfolio_id", id,
					"error", err)
				cache.Evict(ctx, sess.ThreadID)
				failed = append(failed, sess.ThreadID)
				continue
			}
			lease.Release()
			rescoped++
		}
		slog.Info("Portfolio scope changed",
			"portfolio_id", id,
			"companies", p.CompanyNames,
			"rescoped_sessions", rescoped,
			"failed_sessions", len(failed))
		c.JSON(http.StatusOK, gin.H{
			"portfolio":         p,
			"rescoped_sessions": rescoped,
			"rescope_failures":  failed,
		})
	}
}

// DeletePortfolio removes a portfolio with its sessions and evicts their
// cached handles.
func DeletePortfolio(st *store.Store, cache *rescache.Manager, answers AnswerCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "DeletePortfolio")
		defer span.End()

		id, err := pathID(c, "id")
		if err != nil {
			respondError(c, span, err)
			return
		}
		threads, err := st.DeletePortfolio(ctx, id)
		if err != nil {
			respondError(c, span, err)
			return
		}
		for _, t := range threads {
			cache.Evict(ctx, t)
		}
		invalidateAnswers(ctx, answers, threads...)
		slog.Info("Portfolio deleted", "portfolio_id", id, "sessions", len(threads))
		c.JSON(http.StatusOK, gin.H{"status": "deleted", "portfolio_id": id, "sessions_deleted": len(threads)})
	}
}

// CreateSession binds a thread to a portfolio and builds its cached
// handle.
func CreateSession(st *store.Store, cache *rescache.Manager, build rescache.BuildFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "CreateSession")
		defer span.End()

		var req datatypes.CreateSessionRequest
		if err := bindJSON(c, &req); err != nil {
			respondError(c, span, err)
			return
		}

		sess := &store.Session{ThreadID: req.ThreadID, PortfolioID: req.PortfolioID, UserID: req.UserID}
		if err := st.CreateSession(ctx, sess); err != nil {
			respondError(c, span, err)
			return
		}
		middleware.SetAuditResource(c, sess.ThreadID)
		span.SetAttributes(attribute.String("thread_id", sess.ThreadID))

		_, p, keys, err := st.SessionScope(ctx, sess.ThreadID)
		if err != nil {
			respondError(c, span, err)
			return
		}
		lease, err := cache.AcquireForSession(ctx, sess.ThreadID, keys, build)
		if err != nil {
			respondError(c, span, err)
			return
		}
		defer lease.Release()

		h := lease.Handle()
		slog.Info("Portfolio session ready",
			"thread_id", sess.ThreadID,
			"portfolio_id", p.ID,
			"build_sequence", h.Sequence())
		c.JSON(http.StatusCreated, datatypes.SessionResponse{
			ThreadID:      sess.ThreadID,
			PortfolioID:   p.ID,
			PortfolioName: p.Name,
			UserID:        sess.UserID,
			CompanyNames:  h.Keys().Keys(),
			Initialized:   true,
			BuildSequence: h.Sequence(),
			DocumentCount: documentCount(h.Resource()),
			CreatedAt:     sess.CreatedAt,
			LastAccessed:  sess.LastAccessed,
		})
	}
}

// GetSession returns a session and whether its handle is cached.
func GetSession(st *store.Store, cache *rescache.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "GetSession")
		defer span.End()

		threadID, err := pathID(c, "thread_id")
		if err != nil {
			respondError(c, span, err)
			return
		}
		sess, p, _, err := st.SessionScope(ctx, threadID)
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": msgSessionNotFound})
			return
		}
		if err != nil {
			respondError(c, span, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.SessionResponse{
			ThreadID:      sess.ThreadID,
			PortfolioID:   p.ID,
			PortfolioName: p.Name,
			UserID:        sess.UserID,
			CompanyNames:  p.CompanyNames,
			Initialized:   cache.Contains(threadID),
			CreatedAt:     sess.CreatedAt,
			LastAccessed:  sess.LastAccessed,
		})
	}
}

// DeleteSession removes a session record and evicts its handle.
func DeleteSession(st *store.Store, cache *rescache.Manager, answers AnswerCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "DeleteSession")
		defer span.End()

		threadID, err := pathID(c, "thread_id")
		if err != nil {
			respondError(c, span, err)
			return
		}
		if err := st.DeleteSession(ctx, threadID); err != nil {
			respondError(c, span, err)
			return
		}
		cache.Evict(ctx, threadID)
		invalidateAnswers(ctx, answers, threadID)
		c.JSON(http.StatusOK, gin.H{"status": "deleted", "thread_id": threadID})
	}
}
