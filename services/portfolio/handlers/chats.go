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
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/datatypes"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/executor"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/observability"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/store"
)

const exportRule = "================================================================================"

// ListUserChats lists a user's chat sessions, newest first. ?agent_type
// narrows to rag or quant and ?include_inactive=true adds deactivated ones.
func ListUserChats(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "ListUserChats")
		defer span.End()

		userID, err := pathID(c, "user_id")
		if err != nil {
			respondError(c, span, err)
			return
		}
		agent := store.AgentType(c.Query("agent_type"))
		if agent != "" && !agent.Valid() {
			respondError(c, span, badRequest("unknown agent_type %q", agent))
			return
		}
		includeInactive, _ := strconv.ParseBool(c.Query("include_inactive"))

		sessions, err := st.ListChatSessions(ctx, userID, agent, includeInactive)
		if err != nil {
			respondError(c, span, err)
			return
		}
		if sessions == nil {
			sessions = []*store.ChatSession{}
		}
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "sessions": sessions, "count": len(sessions)})
	}
}

// ChatHistory returns a chat session and a page of its messages.
func ChatHistory(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "ChatHistory")
		defer span.End()

		id, err := pathID(c, "id")
		if err != nil {
			respondError(c, span, err)
			return
		}
		cs, err := st.GetChatSession(ctx, id)
		if err != nil {
			respondError(c, span, err)
			return
		}
		offset, _ := strconv.Atoi(c.Query("offset"))
		if offset < 0 {
			offset = 0
		}
		msgs, err := st.Messages(ctx, id, queryInt(c, "limit", defaultHistoryLimit), offset)
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

// ExportChat downloads a whole conversation as JSON or plain text.
func ExportChat(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "ExportChat")
		defer span.End()

		id, err := pathID(c, "id")
		if err != nil {
			respondError(c, span, err)
			return
		}
		format := c.DefaultQuery("format", "json")
		if format != "json" && format != "txt" {
			respondError(c, span, badRequest("format must be json or txt"))
			return
		}
		cs, err := st.GetChatSession(ctx, id)
		if err != nil {
			respondError(c, span, err)
			return
		}
		msgs, err := st.Messages(ctx, id, 0, 0)
		if err != nil {
			respondError(c, span, err)
			return
		}

		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=chat_%s.%s", id, format))
		if format == "txt" {
			c.String(http.StatusOK, renderTranscript(cs, msgs))
			return
		}
		if msgs == nil {
			msgs = []*store.ChatMessage{}
		}
		c.JSON(http.StatusOK, gin.H{
			"session":     cs,
			"messages":    msgs,
			"exported_at": time.Now().UTC(),
		})
	}
}

func renderTranscript(cs *store.ChatSession, msgs []*store.ChatMessage) string {
	var b strings.Builder
	b.WriteString("Chat Session Export\n")
	b.WriteString(exportRule + "\n")
	fmt.Fprintf(&b, "Session ID: %s\n", cs.ID)
	fmt.Fprintf(&b, "User: %s\n", cs.UserID)
	fmt.Fprintf(&b, "Agent: %s\n", strings.ToUpper(string(cs.AgentType)))
	fmt.Fprintf(&b, "Title: %s\n", cs.Title)
	fmt.Fprintf(&b, "Created: %s\n", cs.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Messages: %d\n", len(msgs))
	if cs.PortfolioID != "" {
		fmt.Fprintf(&b, "Portfolio: %s\n", cs.PortfolioID)
	}
	if companies, ok := cs.Metadata["companies"]; ok {
		fmt.Fprintf(&b, "Companies: %v\n", companies)
	}
	b.WriteString(exportRule + "\n\n")

	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s:\n", m.Timestamp.Format(time.RFC3339), strings.ToUpper(string(m.Role)))
		b.WriteString(m.Content)
		b.WriteString("\n\n")
	}
	return b.String()
}

// UpdateChatTitle renames a chat session.
func UpdateChatTitle(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "UpdateChatTitle")
		defer span.End()

		id, err := pathID(c, "id")
		if err != nil {
			respondError(c, span, err)
			return
		}
		var req datatypes.UpdateTitleRequest
		if err := bindJSON(c, &req); err != nil {
			respondError(c, span, err)
			return
		}
		cs, err := st.UpdateChatTitle(ctx, id, strings.TrimSpace(req.Title))
		if err != nil {
			respondError(c, span, err)
			return
		}
		c.JSON(http.StatusOK, cs)
	}
}

// ClearChatMessages deletes every message but keeps the session.
func ClearChatMessages(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "ClearChatMessages")
		defer span.End()

		id, err := pathID(c, "id")
		if err != nil {
			respondError(c, span, err)
			return
		}
		n, err := st.ClearMessages(ctx, id)
		if err != nil {
			respondError(c, span, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": id, "deleted_messages": n})
	}
}

// DeleteChat removes a chat session with its messages.
func DeleteChat(st *store.Store, answers AnswerCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "DeleteChat")
		defer span.End()

		id, err := pathID(c, "id")
		if err != nil {
			respondError(c, span, err)
			return
		}
		if err := st.DeleteChatSession(ctx, id); err != nil {
			respondError(c, span, err)
			return
		}
		invalidateAnswers(ctx, answers, id)
		c.JSON(http.StatusOK, gin.H{"session_id": id, "deleted": true})
	}
}

// DeactivateChat hides a chat session from default listings.
func DeactivateChat(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "DeactivateChat")
		defer span.End()

		id, err := pathID(c, "id")
		if err != nil {
			respondError(c, span, err)
			return
		}
		if err := st.DeactivateChatSession(ctx, id); err != nil {
			respondError(c, span, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": id, "is_active": false})
	}
}

func ChatStats(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "ChatStats")
		defer span.End()

		id, err := pathID(c, "id")
		if err != nil {
			respondError(c, span, err)
			return
		}
		stats, err := st.ChatSessionStats(ctx, id)
		if err != nil {
			respondError(c, span, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func UserChatStats(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "UserChatStats")
		defer span.End()

		userID, err := pathID(c, "user_id")
		if err != nil {
			respondError(c, span, err)
			return
		}
		stats, err := st.UserStats(ctx, userID)
		if err != nil {
			respondError(c, span, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// PortfolioChats lists the chat sessions attached to a portfolio. The
// quant routes reuse it with agent fixed to quant.
func PortfolioChats(st *store.Store, agent store.AgentType) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "PortfolioChats")
		defer span.End()

		pid, err := pathID(c, "portfolio_id")
		if err != nil {
			respondError(c, span, err)
			return
		}
		if agent == "" {
			agent = store.AgentType(c.Query("agent_type"))
		}
		sessions, err := st.ListPortfolioChatSessions(ctx, pid, agent)
		if err != nil {
			respondError(c, span, err)
			return
		}
		if sessions == nil {
			sessions = []*store.ChatSession{}
		}
		c.JSON(http.StatusOK, gin.H{"portfolio_id": pid, "sessions": sessions, "count": len(sessions)})
	}
}

// SummarizeChat asks the LLM for a summary of the most recent messages
// and stores it on the session.
func SummarizeChat(st *store.Store, exec *executor.Executor, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "SummarizeChat")
		defer span.End()

		id, err := pathID(c, "id")
		if err != nil {
			respondError(c, span, err)
			return
		}
		recent, err := st.RecentMessages(ctx, id, executor.MaxSummaryMessages)
		if err != nil {
			respondError(c, span, err)
			return
		}
		msgs := make([]store.ChatMessage, 0, len(recent))
		for _, m := range recent {
			msgs = append(msgs, *m)
		}
		summary, err := exec.Summarize(ctx, msgs)
		if err != nil {
			metrics.RecordLLMError("summary")
			respondError(c, span, err)
			return
		}
		if _, err := st.SetChatSummary(ctx, id, summary); err != nil {
			respondError(c, span, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": id, "summary": summary, "message_count": len(msgs)})
	}
}
