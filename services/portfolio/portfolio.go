// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package portfolio assembles the portfolio RAG service.
//
// # Description
//
// New wires the persistence layer, the vector store, the LLM backend, the
// session resource cache and the HTTP routes into a Service. Run serves
// HTTP until its context is cancelled and then shuts everything down in
// reverse order of construction.
//
// # Degraded Operation
//
// Only the BadgerDB store and the LLM client are required. Without
// WeaviateURL the service still manages portfolios, chats and
// integrations; /ask fails and /rag/health reports degraded.
// Without a quant URL the /quant routes are not registered.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianPortfolio/pkg/extensions"
	"github.com/AleutianAI/AleutianPortfolio/services/llm"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/companies"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/connectors"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/executor"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/handlers"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/observability"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/quant"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/rescache"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/retrieval"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/routes"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/secrets"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/store"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/telemetry"
)

// schemaTimeout bounds the startup schema check against Weaviate.
const schemaTimeout = 30 * time.Second

// Service is the portfolio HTTP service.
type Service interface {
	// Run serves HTTP and starts the background workers. It blocks until
	// ctx is cancelled or the listener fails, then calls Close.
	Run(ctx context.Context) error

	// Router returns the configured engine. Tests drive it with httptest.
	Router() *gin.Engine

	// Close releases every resource. Safe to call more than once.
	Close(ctx context.Context) error
}

type service struct {
	config Config
	opts   extensions.ServiceOptions
	logger *slog.Logger
	router *gin.Engine

	store     *store.Store
	vault     *secrets.Vault
	conn      *retrieval.Conn
	directory *companies.Directory
	cache     *rescache.Manager
	sweeper   *rescache.Sweeper
	metrics   *observability.Metrics

	telemetryShutdown func(context.Context) error

	closeOnce sync.Once
	closeErr  error
}

// New builds a Service from cfg.
//
// # Description
//
// New initializes, in order: telemetry, metrics, the credential vault,
// the store, the company directory, the LLM client, the vector store
// (optional), the resource cache and its sweeper, and the router. On
// any fatal error everything created so far is released.
//
// If opts is nil, extensions.DefaultOptions() is used.
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
		logger: slog.Default().With("component", "portfolio"),
	}
	if opts != nil {
		s.opts = opts.WithDefaults()
	} else {
		s.opts = extensions.DefaultOptions()
	}

	if err := s.init(); err != nil {
		_ = s.Close(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *service) init() error {
	cfg := s.config

	shutdown, err := telemetry.Init(context.Background(), cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.telemetryShutdown = shutdown
	s.metrics = observability.Default()

	s.vault, err = secrets.LoadVault(cfg.VaultKeyEnv, cfg.VaultKeyFile)
	if err != nil {
		return fmt.Errorf("failed to load credential vault: %w", err)
	}

	if err := s.initStore(); err != nil {
		return err
	}

	s.directory, err = companies.Load(cfg.CompaniesFile, s.logger)
	if err != nil {
		return fmt.Errorf("failed to load company directory: %w", err)
	}

	llmClient, err := llm.NewClient(cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	exec := executor.New(llmClient, s.directory, s.logger)

	s.cache = rescache.NewManager(
		rescache.WithMaxEntries(cfg.Cache.MaxEntries),
		rescache.WithBuildTimeout(cfg.Cache.BuildTimeout),
		rescache.WithLogger(s.logger),
	)
	s.sweeper = rescache.NewSweeper(s.cache, rescache.SweeperConfig{
		Interval: cfg.Cache.SweepInterval,
		MaxIdle:  cfg.Cache.MaxIdle,
	}, s.onSweep)

	deps := routes.Deps{
		Store:      s.store,
		Cache:      s.cache,
		Sweeper:    s.sweeper,
		Build:      unavailableBuild,
		Executor:   exec,
		Registry:   connectors.NewRegistry(),
		Directory:  s.directory,
		Metrics:    s.metrics,
		LLMBackend: cfg.LLM.Backend,
		Options:    s.opts,
		Now:        time.Now,
	}

	var ingester connectors.DocumentIngester = unavailableIngester{}
	if cfg.WeaviateURL != "" {
		if err := s.initVectorStore(&deps); err != nil {
			return err
		}
		ingester = deps.Ingester
	} else {
		s.logger.Warn("WEAVIATE_SERVICE_URL not set, running without retrieval")
	}
	deps.Importer = connectors.NewImporter(ingester, s.logger,
		connectors.WithImportRate(rate.Limit(cfg.Import.RateLimit), cfg.Import.Burst),
		connectors.WithImportWorkers(cfg.Import.Workers),
	)

	if cfg.Quant.BaseURL != "" {
		agent, err := quant.NewClient(cfg.Quant, s.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize stock agent client: %w", err)
		}
		deps.Agent = agent
	}

	gin.SetMode(cfg.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery(), otelgin.Middleware(cfg.Telemetry.ServiceName))
	routes.SetupRoutes(s.router, deps)
	return nil
}

func (s *service) initStore() error {
	storeCfg := store.InMemoryConfig()
	if s.config.DataDir != "" {
		storeCfg = store.DefaultConfig(s.config.DataDir)
	} else {
		s.logger.Warn("PORTFOLIO_DATA_DIR not set, portfolios are kept in memory only")
	}
	storeCfg.Logger = s.logger
	storeCfg.Sealer = s.vault

	st, err := store.Open(storeCfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	s.store = st
	return nil
}

// initVectorStore connects to Weaviate and fills the retrieval fields of
// deps. A failed schema check is logged, not fatal: Weaviate may still be
// starting and every build re-checks readiness.
func (s *service) initVectorStore(deps *routes.Deps) error {
	connCfg := retrieval.DefaultConnConfig(s.config.WeaviateURL)
	connCfg.Logger = s.logger
	conn, err := retrieval.Dial(connCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize Weaviate client: %w", err)
	}
	s.conn = conn

	ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
	defer cancel()
	if err := retrieval.EnsureSchema(ctx, conn); err != nil {
		s.logger.Warn("Weaviate schema check failed, will retry on first build", "error", err)
	}

	embedder, err := llm.NewEmbedder(s.config.LLM)
	if err != nil {
		return fmt.Errorf("failed to initialize embedder: %w", err)
	}

	deps.Build = retrieval.NewBuilder(conn, embedder, s.directory, s.logger).Build
	deps.Ingester = retrieval.NewIngester(conn, embedder, s.directory, s.logger)
	deps.Readiness = conn
	if s.config.Answers.Enabled {
		deps.Answers = retrieval.NewSemanticCache(conn, embedder, s.config.Answers.Certainty, s.logger)
	}
	return nil
}

func (s *service) onSweep(r rescache.SweepResult) {
	s.metrics.ObserveSweep(r)
	s.metrics.ObserveCache(s.cache.Stats())
}

// Run starts the sweeper and the company directory watcher, then serves
// HTTP until ctx is cancelled.
func (s *service) Run(ctx context.Context) error {
	bg, stop := context.WithCancel(ctx)
	defer stop()

	if err := s.sweeper.Start(bg); err != nil {
		return err
	}
	if s.config.CompaniesFile != "" {
		go func() {
			if err := s.directory.Watch(bg); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("company directory watcher stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting portfolio server", "port", s.config.Port)
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down portfolio server")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP server shutdown error", "error", err)
	}
	stop()
	return errors.Join(serveErr, s.Close(shutdownCtx))
}

func (s *service) Router() *gin.Engine {
	return s.router
}

// Close stops the sweeper, evicts every cached handle and closes the
// store, the Weaviate connection, the vault and the telemetry providers.
func (s *service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.sweeper != nil {
			s.sweeper.Stop()
		}
		if s.cache != nil {
			s.cache.Close(ctx)
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
		}
		if s.conn != nil {
			if err := s.conn.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close weaviate: %w", err))
			}
		}
		if s.vault != nil {
			s.vault.Destroy()
		}
		if s.telemetryShutdown != nil {
			if err := s.telemetryShutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

var errNoVectorStore = fmt.Errorf("%w: WEAVIATE_SERVICE_URL is not configured", retrieval.ErrUnavailable)

// unavailableBuild is the session builder when no vector store is set.
func unavailableBuild(context.Context, rescache.FilterKeySet) (any, error) {
	return nil, errNoVectorStore
}

// unavailableIngester lets integration imports report per-file failures
// instead of the whole request failing when no vector store is set.
type unavailableIngester struct{}

func (unavailableIngester) Ingest(context.Context, retrieval.IngestRequest) (retrieval.IngestResult, error) {
	return retrieval.IngestResult{}, errNoVectorStore
}

var _ handlers.ReadinessChecker = (*retrieval.Conn)(nil)
