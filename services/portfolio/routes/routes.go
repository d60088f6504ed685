// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianPortfolio/pkg/extensions"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/companies"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/connectors"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/executor"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/handlers"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/middleware"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/observability"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/rescache"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/store"
)

// Deps carries everything the HTTP layer needs. Answers and Readiness
// may be nil; a nil Answers disables the semantic answer cache.
type Deps struct {
	Store     *store.Store
	Cache     *rescache.Manager
	Sweeper   *rescache.Sweeper
	Build     rescache.BuildFunc
	Executor  *executor.Executor
	Answers   handlers.AnswerCache
	Readiness handlers.ReadinessChecker
	Ingester  connectors.DocumentIngester
	Agent     handlers.StockAgent
	Registry  *connectors.Registry
	Importer  *connectors.Importer
	Directory *companies.Directory
	Metrics   *observability.Metrics

	// LLMBackend is reported by /rag/health.
	LLMBackend string

	Options extensions.ServiceOptions
	Now     func() time.Time
}

var errVectorStoreDisabled = errors.New("vector store not configured")

type notReady struct{}

func (notReady) Ready(context.Context) error { return errVectorStoreDisabled }

// SetupRoutes registers every endpoint on router.
//
// /health and /metrics are open. Every other group runs the auth and audit
// middleware from d.Options, which default to the no-op implementations.
func SetupRoutes(router *gin.Engine, d Deps) {
	d.Options = d.Options.WithDefaults()
	if d.Readiness == nil {
		d.Readiness = notReady{}
	}

	if d.Metrics != nil {
		router.Use(d.Metrics.Middleware())
	}
	router.GET("/health", handlers.HealthCheck(d.Store))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("")
	api.Use(
		middleware.AuthMiddleware(d.Options.AuthProvider),
		middleware.AuditMiddleware(d.Options.AuditLogger),
	)

	portfolios := api.Group("/portfolios")
	{
		portfolios.POST("", handlers.CreatePortfolio(d.Store, d.Cache, d.Build))
		portfolios.POST("/sessions", handlers.CreateSession(d.Store, d.Cache, d.Build))
		portfolios.GET("/sessions/:thread_id", handlers.GetSession(d.Store, d.Cache))
		portfolios.DELETE("/sessions/:thread_id", handlers.DeleteSession(d.Store, d.Cache, d.Answers))
		portfolios.GET("/user/:user_id", handlers.ListUserPortfolios(d.Store))
		portfolios.GET("/:id", handlers.GetPortfolio(d.Store))
		portfolios.PUT("/:id", handlers.UpdatePortfolio(d.Store, d.Cache, d.Build, d.Answers))
		portfolios.DELETE("/:id", handlers.DeletePortfolio(d.Store, d.Cache, d.Answers))
	}

	rag := handlers.RAGDeps{
		Store:    d.Store,
		Cache:    d.Cache,
		Build:    d.Build,
		Executor: d.Executor,
		Answers:  d.Answers,
		Metrics:  d.Metrics,
		Now:      d.Now,
	}
	api.POST("/ask", handlers.Ask(rag))
	api.POST("/compare", handlers.Compare(rag))
	ragGroup := api.Group("/rag")
	{
		ragGroup.GET("/health", handlers.RAGHealth(d.Readiness, d.LLMBackend, d.Cache))
		ragGroup.GET("/capabilities", handlers.RAGCapabilities)
		ragGroup.GET("/sessions/:session_id", handlers.RAGSessionHistory(d.Store))
	}

	if d.Agent != nil {
		quant := api.Group("/quant")
		{
			quant.POST("/query", handlers.QuantQuery(d.Store, d.Agent, d.Now))
			quant.GET("/health", handlers.QuantHealth(d.Agent))
			quant.GET("/capabilities", handlers.QuantCapabilities)
			quant.GET("/sessions/:session_id", handlers.QuantSessionHistory(d.Store, d.Agent))
			quant.GET("/portfolio/:portfolio_id/sessions", handlers.PortfolioChats(d.Store, store.AgentQuant))
		}
	}

	chats := api.Group("/chats")
	{
		chats.GET("/user/:user_id/sessions", handlers.ListUserChats(d.Store))
		chats.GET("/user/:user_id/stats", handlers.UserChatStats(d.Store))
		chats.GET("/portfolio/:portfolio_id/sessions", handlers.PortfolioChats(d.Store, ""))
		chats.GET("/session/:id", handlers.ChatHistory(d.Store))
		chats.GET("/session/:id/export", handlers.ExportChat(d.Store))
		chats.GET("/session/:id/stats", handlers.ChatStats(d.Store))
		chats.PUT("/session/:id/title", handlers.UpdateChatTitle(d.Store))
		chats.POST("/session/:id/deactivate", handlers.DeactivateChat(d.Store))
		chats.POST("/session/:id/summary", handlers.SummarizeChat(d.Store, d.Executor, d.Metrics))
		chats.DELETE("/session/:id/messages", handlers.ClearChatMessages(d.Store))
		chats.DELETE("/session/:id", handlers.DeleteChat(d.Store, d.Answers))
	}

	integ := handlers.IntegrationDeps{
		Store:     d.Store,
		Registry:  d.Registry,
		Importer:  d.Importer,
		Directory: d.Directory,
		Metrics:   d.Metrics,
	}
	integrations := api.Group("/integrations")
	{
		integrations.POST("", handlers.CreateIntegration(integ))
		integrations.POST("/browse", handlers.BrowseIntegration(integ))
		integrations.POST("/import", handlers.ImportFromIntegration(integ))
		integrations.GET("/user/:user_id", handlers.ListIntegrations(integ))
		integrations.GET("/:id", handlers.GetIntegration(integ))
		integrations.PUT("/:id", handlers.UpdateIntegration(integ))
		integrations.DELETE("/:id", handlers.DeleteIntegration(integ))
		integrations.POST("/:id/disconnect", handlers.DisconnectIntegration(integ))
		integrations.POST("/:id/test", handlers.TestIntegration(integ))
	}

	v1 := api.Group("/v1")
	{
		if d.Ingester != nil {
			v1.POST("/documents", handlers.CreateDocument(d.Ingester))
		}
		v1.GET("/cache/stats", handlers.CacheStats(d.Cache, d.Metrics))
		v1.POST("/cache/sweep", handlers.SweepCache(d.Cache, d.Sweeper, d.Metrics))
	}
}
