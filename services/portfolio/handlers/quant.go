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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/datatypes"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/middleware"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/quant"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/store"
)

// QuantQuery forwards a question to the stock analysis agent and keeps
// both sides of the exchange in the chat store.
func QuantQuery(st *store.Store, agent StockAgent, now func() time.Time) gin.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "QuantQuery")
		defer span.End()

		var req datatypes.QuantQueryRequest
		if err := bindJSON(c, &req); err != nil {
			respondError(c, span, err)
			return
		}

		title := "Stock Analysis"
		meta := map[string]any{}
		if req.PortfolioID != "" {
			p, err := st.GetPortfolio(ctx, req.PortfolioID)
			if err != nil {
				respondError(c, span, err)
				return
			}
			title += ": " + p.Name
			meta["portfolio_name"] = p.Name
			meta["companies"] = p.CompanyNames
		}

		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = quant.SessionID(req.PortfolioID, req.UserID, now())
		}
		span.SetAttributes(attribute.String("quant.session_id", sessionID))
		middleware.SetAuditResource(c, sessionID)

		if _, err := st.CreateOrGetChatSession(ctx, store.ChatSessionSpec{
			ID:          sessionID,
			UserID:      req.UserID,
			AgentType:   store.AgentQuant,
			PortfolioID: req.PortfolioID,
			Title:       title,
			Metadata:    meta,
		}); err != nil {
			respondError(c, span, err)
			return
		}
		if _, err := st.AddMessage(ctx, sessionID, store.RoleUser, req.Query, nil, 0); err != nil {
			respondError(c, span, err)
			return
		}

		res, err := agent.Query(ctx, sessionID, req.Query)
		if err != nil {
			respondError(c, span, err)
			return
		}

		if _, err := st.AddMessage(ctx, sessionID, store.RoleAssistant, res.Response, map[string]any{
			"agent_used":    res.AgentUsed,
			"message_count": res.Total,
		}, 0); err != nil {
			respondError(c, span, err)
			return
		}

		c.JSON(http.StatusOK, datatypes.QuantQueryResponse{
			Response:    res.Response,
			SessionID:   sessionID,
			PortfolioID: req.PortfolioID,
			Timestamp:   now().UTC(),
			Success:     true,
			AgentUsed:   res.AgentUsed,
			Metadata: map[string]any{
				"new_messages":  res.NewMessages,
				"message_count": res.Total,
			},
		})
	}
}

// QuantHealth proxies the agent service health.
func QuantHealth(agent StockAgent) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := agent.Health(c.Request.Context())
		status := http.StatusOK
		if h.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, h)
	}
}

func QuantCapabilities(c *gin.Context) {
	c.JSON(http.StatusOK, quant.DefaultCapabilities)
}

// QuantSessionHistory returns the stored conversation. Sessions that only
// exist on the agent side are read from the agent service.
func QuantSessionHistory(st *store.Store, agent StockAgent) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "QuantSessionHistory")
		defer span.End()

		id, err := pathID(c, "session_id")
		if err != nil {
			respondError(c, span, err)
			return
		}
		cs, err := st.GetChatSession(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			msgs, err := agent.History(ctx, id)
			if err != nil {
				respondError(c, span, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"session_id": id, "messages": msgs, "source": "agent"})
			return
		}
		if err != nil {
			respondError(c, span, err)
			return
		}
		msgs, err := st.Messages(ctx, id, 0, 0)
		if err != nil {
			respondError(c, span, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.ChatHistoryResponse{Session: cs, Messages: msgs})
	}
}
