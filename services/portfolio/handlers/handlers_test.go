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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPortfolio/services/llm"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/companies"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/connectors"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/executor"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/observability"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/quant"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/rescache"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/retrieval"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeIndex stands in for retrieval.Index.
type fakeIndex struct {
	keys rescache.FilterKeySet
}

func (f *fakeIndex) Search(_ context.Context, _ string, _ int) ([]retrieval.Document, error) {
	var docs []retrieval.Document
	for _, k := range f.keys.Keys() {
		docs = append(docs, retrieval.Document{Content: k + " filing", ParentSource: k + "_10k.txt", Company: k})
	}
	return docs, nil
}

func (f *fakeIndex) SearchCompany(_ context.Context, company, _ string, _ int) ([]retrieval.Document, error) {
	return []retrieval.Document{{Content: company + " filing", ParentSource: company + "_10k.txt", Company: company}}, nil
}

func (f *fakeIndex) DocumentCount() int { return 7 }

type fakeLLM struct {
	calls atomic.Int32
	err   error
}

func (f *fakeLLM) Generate(context.Context, string, llm.GenerationParams) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return "the answer", nil
}

type fakeAnswers struct {
	mu          sync.Mutex
	entries     map[string]string
	invalidated []string
}

func (f *fakeAnswers) Lookup(_ context.Context, threadID, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.entries[threadID+"|"+key]
	return v, ok, nil
}

func (f *fakeAnswers) Store(_ context.Context, threadID, key, answer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[threadID+"|"+key] = answer
	return nil
}

func (f *fakeAnswers) Invalidate(_ context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, threadID)
	for k := range f.entries {
		if strings.HasPrefix(k, threadID+"|") {
			delete(f.entries, k)
		}
	}
	return nil
}

type fakeAgent struct {
	queries []string
	err     error
	health  string
}

func (f *fakeAgent) Query(_ context.Context, sessionID, query string) (*quant.Result, error) {
	f.queries = append(f.queries, sessionID+":"+query)
	if f.err != nil {
		return nil, f.err
	}
	return &quant.Result{Response: "AAPL trades at 190", AgentUsed: "fundamental_analyst", NewMessages: 3, Total: 3}, nil
}

func (f *fakeAgent) History(context.Context, string) ([]quant.Message, error) {
	return []quant.Message{{Type: "ai", Content: "from agent"}}, nil
}

func (f *fakeAgent) Health(context.Context) *quant.Health {
	return &quant.Health{Status: f.health}
}

type fakeConnector struct {
	files   map[string]string
	testErr error
	closed  atomic.Int32
}

func (f *fakeConnector) TestConnection(context.Context) error { return f.testErr }

func (f *fakeConnector) ListFiles(context.Context, string, string) ([]connectors.RemoteFile, error) {
	var out []connectors.RemoteFile
	for p := range f.files {
		out = append(out, connectors.RemoteFile{Name: p, Path: p})
	}
	return out, nil
}

func (f *fakeConnector) Download(_ context.Context, p string) ([]byte, error) {
	v, ok := f.files[p]
	if !ok {
		return nil, fmt.Errorf("%s: not found", p)
	}
	return []byte(v), nil
}

func (f *fakeConnector) Close() error {
	f.closed.Add(1)
	return nil
}

type fakeIngester struct {
	mu      sync.Mutex
	sources []string
}

func (f *fakeIngester) Ingest(_ context.Context, req retrieval.IngestRequest) (retrieval.IngestResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return retrieval.IngestResult{}, retrieval.ErrEmptyDocument
	}
	f.mu.Lock()
	f.sources = append(f.sources, req.Source)
	f.mu.Unlock()
	return retrieval.IngestResult{Source: req.Source, Ticker: req.Ticker, Chunks: 2}, nil
}

type harness struct {
	st       *store.Store
	cache    *rescache.Manager
	llm      *fakeLLM
	answers  *fakeAnswers
	agent    *fakeAgent
	conn     *fakeConnector
	ingester *fakeIngester
	builds   atomic.Int32
	router   *gin.Engine

	// failBuilds makes every index build fail as if the vector store
	// were down.
	failBuilds atomic.Bool

	mu    sync.Mutex
	clock time.Time
}

func (h *harness) now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clock
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clock = h.clock.Add(d)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		st:       st,
		llm:      &fakeLLM{},
		answers:  &fakeAnswers{entries: make(map[string]string)},
		agent:    &fakeAgent{health: "healthy"},
		conn:     &fakeConnector{files: map[string]string{"q3.txt": "Revenue grew 8%.", "deck.pdf": "%PDF"}},
		ingester: &fakeIngester{},
		clock:    time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC),
	}
	h.cache = rescache.NewManager(rescache.WithMaxEntries(10), rescache.WithClock(h.now))
	t.Cleanup(func() { h.cache.Close(context.Background()) })

	build := func(_ context.Context, keys rescache.FilterKeySet) (any, error) {
		h.builds.Add(1)
		if h.failBuilds.Load() {
			return nil, errors.New("vector store down")
		}
		return &fakeIndex{keys: keys}, nil
	}
	exec := executor.New(h.llm, nil, nil)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	rag := RAGDeps{
		Store:    st,
		Cache:    h.cache,
		Build:    build,
		Executor: exec,
		Answers:  h.answers,
		Metrics:  metrics,
		Now:      h.now,
	}
	registry := connectors.NewRegistry()
	registry.Register(connectors.VendorGCS, func(context.Context, *store.Integration) (connectors.Connector, error) {
		return h.conn, nil
	})
	integ := IntegrationDeps{
		Store:     st,
		Registry:  registry,
		Importer:  connectors.NewImporter(h.ingester, nil),
		Directory: companies.Default(),
		Metrics:   metrics,
	}

	r := gin.New()
	r.GET("/health", HealthCheck(st))
	r.POST("/portfolios", CreatePortfolio(st, h.cache, build))
	r.GET("/portfolios/:id", GetPortfolio(st))
	r.GET("/portfolios/user/:user_id", ListUserPortfolios(st))
	r.PUT("/portfolios/:id", UpdatePortfolio(st, h.cache, build, h.answers))
	r.DELETE("/portfolios/:id", DeletePortfolio(st, h.cache, h.answers))
	r.POST("/sessions", CreateSession(st, h.cache, build))
	r.GET("/sessions/:thread_id", GetSession(st, h.cache))
	r.DELETE("/sessions/:thread_id", DeleteSession(st, h.cache, h.answers))
	r.POST("/ask", Ask(rag))
	r.POST("/compare", Compare(rag))
	r.GET("/rag/sessions/:session_id", RAGSessionHistory(st))
	r.GET("/chats/user/:user_id/sessions", ListUserChats(st))
	r.GET("/chats/session/:id", ChatHistory(st))
	r.GET("/chats/session/:id/export", ExportChat(st))
	r.PUT("/chats/session/:id/title", UpdateChatTitle(st))
	r.DELETE("/chats/session/:id/messages", ClearChatMessages(st))
	r.DELETE("/chats/session/:id", DeleteChat(st, h.answers))
	r.POST("/chats/session/:id/summary", SummarizeChat(st, exec, metrics))
	r.GET("/chats/user/:user_id/stats", UserChatStats(st))
	r.POST("/quant/query", QuantQuery(st, h.agent, h.now))
	r.GET("/quant/health", QuantHealth(h.agent))
	r.GET("/quant/sessions/:session_id", QuantSessionHistory(st, h.agent))
	r.POST("/integrations", CreateIntegration(integ))
	r.GET("/integrations/:id", GetIntegration(integ))
	r.PUT("/integrations/:id", UpdateIntegration(integ))
	r.POST("/integrations/:id/test", TestIntegration(integ))
	r.POST("/integrations/browse", BrowseIntegration(integ))
	r.POST("/integrations/import", ImportFromIntegration(integ))
	r.POST("/documents", CreateDocument(h.ingester))
	r.GET("/cache/stats", CacheStats(h.cache, metrics))
	r.POST("/cache/sweep", SweepCache(h.cache, nil, metrics))
	h.router = r
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

type portfolioBody struct {
	Portfolio     store.Portfolio `json:"portfolio"`
	DocumentCount int             `json:"document_count"`
}

// createPortfolioSession creates a portfolio of companies and opens a
// session on it, returning both ids.
func (h *harness) createPortfolioSession(t *testing.T, companies ...string) (string, string) {
	t.Helper()
	w := h.do(t, http.MethodPost, "/portfolios", map[string]any{
		"user_id": "u1", "name": "Tech", "company_names": companies,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	p := decode[portfolioBody](t, w).Portfolio

	w = h.do(t, http.MethodPost, "/sessions", map[string]any{"portfolio_id": p.ID, "user_id": "u1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sess := decode[map[string]any](t, w)
	return p.ID, sess["thread_id"].(string)
}

func TestCreatePortfolio(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/portfolios", map[string]any{
		"user_id": "u1", "name": " Tech ", "company_names": []string{"Apple", " tesla ", "apple"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode[portfolioBody](t, w)
	assert.Equal(t, []string{"apple", "tesla"}, body.Portfolio.CompanyNames)
	assert.Equal(t, "Tech", body.Portfolio.Name)
	assert.Equal(t, 7, body.DocumentCount)
	assert.Equal(t, int32(1), h.builds.Load(), "scope is validated with one ephemeral build")
	assert.Zero(t, h.cache.Len(), "validation build is not cached")

	tests := []struct {
		name string
		body map[string]any
	}{
		{"blank companies", map[string]any{"user_id": "u1", "name": "x", "company_names": []string{" ", ""}}},
		{"no companies", map[string]any{"user_id": "u1", "name": "x", "company_names": []string{}}},
		{"missing user", map[string]any{"name": "x", "company_names": []string{"apple"}}},
		{"bad user id", map[string]any{"user_id": "../etc", "name": "x", "company_names": []string{"apple"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(t, http.MethodPost, "/portfolios", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestCreateSession(t *testing.T) {
	h := newHarness(t)
	pid, thread := h.createPortfolioSession(t, "apple", "tesla")

	assert.True(t, strings.HasPrefix(thread, "portfolio_"+pid+"_"))
	assert.True(t, h.cache.Contains(thread))
	assert.Equal(t, int32(2), h.builds.Load())

	w := h.do(t, http.MethodGet, "/sessions/"+thread, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[map[string]any](t, w)
	assert.Equal(t, true, got["initialized"])
	assert.Equal(t, "Tech", got["portfolio_name"])

	t.Run("unknown portfolio", func(t *testing.T) {
		w := h.do(t, http.MethodPost, "/sessions", map[string]any{"portfolio_id": "missing", "user_id": "u1"})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("unknown session", func(t *testing.T) {
		w := h.do(t, http.MethodGet, "/sessions/nope", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), msgSessionNotFound)
	})

	t.Run("delete evicts", func(t *testing.T) {
		w := h.do(t, http.MethodDelete, "/sessions/"+thread, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.False(t, h.cache.Contains(thread))
		assert.Contains(t, h.answers.invalidated, thread)

		w = h.do(t, http.MethodDelete, "/sessions/"+thread, nil)
		assert.Equal(t, http.StatusOK, w.Code, "deleting twice is not an error")
	})
}

func TestAsk(t *testing.T) {
	h := newHarness(t)
	_, thread := h.createPortfolioSession(t, "apple", "tesla")
	builds := h.builds.Load()

	ask := map[string]any{"query": "What was total revenue last year?", "thread_id": thread}
	w := h.do(t, http.MethodPost, "/ask", ask)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decode[map[string]any](t, w)
	assert.Equal(t, "the answer", first["answer"])
	assert.Equal(t, false, first["cached"])
	assert.Equal(t, []any{"apple", "tesla"}, first["company_filter"])
	assert.Equal(t, "Tech", first["portfolio_name"])
	assert.Equal(t, builds, h.builds.Load(), "the session handle is reused")

	w = h.do(t, http.MethodPost, "/ask", ask)
	require.Equal(t, http.StatusOK, w.Code)
	second := decode[map[string]any](t, w)
	assert.Equal(t, true, second["cached"])
	assert.Equal(t, int32(1), h.llm.calls.Load(), "second answer comes from the answer cache")

	w = h.do(t, http.MethodGet, "/rag/sessions/"+thread, nil)
	require.Equal(t, http.StatusOK, w.Code)
	hist := decode[struct {
		Session  store.ChatSession    `json:"session"`
		Messages []*store.ChatMessage `json:"messages"`
	}](t, w)
	assert.Equal(t, "RAG: Tech", hist.Session.Title)
	require.Len(t, hist.Messages, 4)
	assert.Equal(t, store.RoleUser, hist.Messages[0].Role)
	assert.Equal(t, store.RoleAssistant, hist.Messages[1].Role)
	assert.Equal(t, []any{"apple_10k.txt", "tesla_10k.txt"}, hist.Messages[1].Metadata["sources"])
}

func TestAsk_UnknownSession(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodPost, "/ask", map[string]any{"query": "revenue?", "thread_id": "portfolio_x_y"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), msgSessionNotFound)
	assert.Zero(t, h.builds.Load())
}

func TestAsk_RebuildsAfterEviction(t *testing.T) {
	h := newHarness(t)
	_, thread := h.createPortfolioSession(t, "apple")
	h.cache.Evict(context.Background(), thread)
	require.False(t, h.cache.Contains(thread))
	builds := h.builds.Load()

	w := h.do(t, http.MethodPost, "/ask", map[string]any{"query": "revenue?", "thread_id": thread})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, builds+1, h.builds.Load())
	assert.True(t, h.cache.Contains(thread))
}

func TestAsk_ScopeConflict(t *testing.T) {
	h := newHarness(t)
	pid, thread := h.createPortfolioSession(t, "apple")

	// Changing the scope behind the cache's back must not be papered over.
	_, changed, err := h.st.UpdatePortfolio(context.Background(), pid, store.PortfolioUpdate{CompanyNames: []string{"ford"}})
	require.NoError(t, err)
	require.True(t, changed)

	w := h.do(t, http.MethodPost, "/ask", map[string]any{"query": "revenue?", "thread_id": thread})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Zero(t, h.llm.calls.Load())
	assert.Equal(t, int64(1), h.cache.Stats().ScopeConflicts)
}

func TestAsk_DoubleSubmit(t *testing.T) {
	h := newHarness(t)
	_, thread := h.createPortfolioSession(t, "apple", "tesla")

	const submits = 8
	codes := make(chan int, submits)
	var wg sync.WaitGroup
	for i := 0; i < submits; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := fmt.Sprintf(`{"query":"What was revenue in quarter %d?","thread_id":%q}`, i, thread)
			req := httptest.NewRequest(http.MethodPost, "/ask", strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			h.router.ServeHTTP(w, req)
			codes <- w.Code
		}(i)
	}
	wg.Wait()
	close(codes)
	for code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}

	cs, err := h.st.GetChatSession(context.Background(), thread)
	require.NoError(t, err)
	assert.Equal(t, 2*submits, cs.MessageCount)
	assert.Equal(t, 1, h.cache.Len())
}

func TestAsk_FailureLeavesNoQuestion(t *testing.T) {
	h := newHarness(t)
	pid, thread := h.createPortfolioSession(t, "apple")

	t.Run("build failure", func(t *testing.T) {
		h.cache.Evict(context.Background(), thread)
		h.failBuilds.Store(true)
		defer h.failBuilds.Store(false)

		w := h.do(t, http.MethodPost, "/ask", map[string]any{"query": "revenue?", "thread_id": thread})
		assert.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())
		_, err := h.st.GetChatSession(context.Background(), thread)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("scope conflict", func(t *testing.T) {
		w := h.do(t, http.MethodPost, "/ask", map[string]any{"query": "revenue?", "thread_id": thread})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		_, _, err := h.st.UpdatePortfolio(context.Background(), pid, store.PortfolioUpdate{CompanyNames: []string{"ford"}})
		require.NoError(t, err)
		w = h.do(t, http.MethodPost, "/ask", map[string]any{"query": "margins?", "thread_id": thread})
		assert.Equal(t, http.StatusConflict, w.Code)

		cs, err := h.st.GetChatSession(context.Background(), thread)
		require.NoError(t, err)
		assert.Equal(t, 2, cs.MessageCount)
	})

	t.Run("comparison build failure", func(t *testing.T) {
		h.failBuilds.Store(true)
		defer h.failBuilds.Store(false)

		w := h.do(t, http.MethodPost, "/compare", map[string]any{
			"company1": "Apple", "company2": "Tesla", "user_id": "u1", "thread_id": "cmp-1",
		})
		assert.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())
		_, err := h.st.GetChatSession(context.Background(), "cmp-1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestUpdatePortfolio_Rescopes(t *testing.T) {
	h := newHarness(t)
	pid, thread := h.createPortfolioSession(t, "apple")
	h.answers.entries[thread+"|stale"] = "old"

	w := h.do(t, http.MethodPut, "/portfolios/"+pid, map[string]any{"company_names": []string{"apple", "ford"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[map[string]any](t, w)
	assert.Equal(t, float64(1), got["rescoped_sessions"])
	assert.Contains(t, h.answers.invalidated, thread)
	assert.Empty(t, h.answers.entries)

	w = h.do(t, http.MethodPost, "/ask", map[string]any{"query": "revenue?", "thread_id": thread})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []any{"apple", "ford"}, decode[map[string]any](t, w)["company_filter"])

	t.Run("rename keeps scope", func(t *testing.T) {
		builds := h.builds.Load()
		w := h.do(t, http.MethodPut, "/portfolios/"+pid, map[string]any{"name": "Autos"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(0), decode[map[string]any](t, w)["rescoped_sessions"])
		assert.Equal(t, builds, h.builds.Load())
	})
}

func TestUpdatePortfolio_RescopeFailureEvicts(t *testing.T) {
	h := newHarness(t)
	pid, thread := h.createPortfolioSession(t, "apple")

	h.failBuilds.Store(true)
	w := h.do(t, http.MethodPut, "/portfolios/"+pid, map[string]any{"company_names": []string{"ford"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[map[string]any](t, w)
	assert.Equal(t, float64(0), got["rescoped_sessions"])
	assert.Equal(t, []any{thread}, got["rescope_failures"])
	assert.False(t, h.cache.Contains(thread), "a stale handle must not outlive a failed rescope")

	h.failBuilds.Store(false)
	w = h.do(t, http.MethodPost, "/ask", map[string]any{"query": "revenue?", "thread_id": thread})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []any{"ford"}, decode[map[string]any](t, w)["company_filter"])
	assert.Zero(t, h.cache.Stats().ScopeConflicts)
}

func TestDeletePortfolio_EvictsSessions(t *testing.T) {
	h := newHarness(t)
	pid, thread := h.createPortfolioSession(t, "apple")

	w := h.do(t, http.MethodDelete, "/portfolios/"+pid, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, h.cache.Contains(thread))

	w = h.do(t, http.MethodGet, "/portfolios/"+pid, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = h.do(t, http.MethodPost, "/ask", map[string]any{"query": "revenue?", "thread_id": thread})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCompare(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/compare", map[string]any{
		"company1": "Apple", "company2": "Tesla", "company3": "Ford", "user_id": "u1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[map[string]any](t, w)
	assert.Equal(t, "comparison_u1_20250314_093000", got["thread_id"])
	assert.Equal(t, []any{"apple", "tesla", "ford"}, got["companies"])
	assert.Len(t, got["documents"], 3)
	assert.Zero(t, h.cache.Len(), "comparisons never touch the session map")
	assert.Equal(t, int64(1), h.cache.Stats().EphemeralBuilds)

	cs, err := h.st.GetChatSession(context.Background(), "comparison_u1_20250314_093000")
	require.NoError(t, err)
	assert.Equal(t, "Comparison: Apple vs Tesla vs Ford", cs.Title)
	assert.Equal(t, 2, cs.MessageCount)

	t.Run("same company twice", func(t *testing.T) {
		w := h.do(t, http.MethodPost, "/compare", map[string]any{"company1": "Apple", "company2": " apple", "user_id": "u1"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestChats(t *testing.T) {
	h := newHarness(t)
	_, thread := h.createPortfolioSession(t, "apple")
	w := h.do(t, http.MethodPost, "/ask", map[string]any{"query": "What was revenue?", "thread_id": thread})
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodGet, "/chats/user/u1/sessions?agent_type=rag", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode[map[string]any](t, w)["count"])

	w = h.do(t, http.MethodGet, "/chats/user/u1/sessions?agent_type=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	t.Run("export txt", func(t *testing.T) {
		w := h.do(t, http.MethodGet, "/chats/session/"+thread+"/export?format=txt", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "attachment; filename=chat_"+thread+".txt", w.Header().Get("Content-Disposition"))
		body := w.Body.String()
		assert.True(t, strings.HasPrefix(body, "Chat Session Export\n"+exportRule+"\n"))
		assert.Contains(t, body, "Agent: RAG\n")
		assert.Contains(t, body, "Messages: 2\n")
		assert.Contains(t, body, "USER:\nWhat was revenue?\n\n")
		assert.Contains(t, body, "ASSISTANT:\nthe answer\n\n")
	})

	t.Run("export json", func(t *testing.T) {
		w := h.do(t, http.MethodGet, "/chats/session/"+thread+"/export", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decode[map[string]any](t, w)["messages"], 2)
	})

	t.Run("bad export format", func(t *testing.T) {
		w := h.do(t, http.MethodGet, "/chats/session/"+thread+"/export?format=pdf", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("summary", func(t *testing.T) {
		w := h.do(t, http.MethodPost, "/chats/session/"+thread+"/summary", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		cs, err := h.st.GetChatSession(context.Background(), thread)
		require.NoError(t, err)
		assert.Equal(t, "the answer", cs.Summary)
	})

	t.Run("title", func(t *testing.T) {
		w := h.do(t, http.MethodPut, "/chats/session/"+thread+"/title", map[string]any{"title": "Revenue deep dive"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "Revenue deep dive", decode[map[string]any](t, w)["title"])
	})

	t.Run("clear then delete", func(t *testing.T) {
		w := h.do(t, http.MethodDelete, "/chats/session/"+thread+"/messages", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(2), decode[map[string]any](t, w)["deleted_messages"])

		w = h.do(t, http.MethodDelete, "/chats/session/"+thread, nil)
		require.Equal(t, http.StatusOK, w.Code)
		w = h.do(t, http.MethodGet, "/chats/session/"+thread, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	w = h.do(t, http.MethodGet, "/chats/user/u1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", decode[map[string]any](t, w)["user_id"])
}

func TestSummarize_LLMError(t *testing.T) {
	h := newHarness(t)
	_, err := h.st.CreateOrGetChatSession(context.Background(), store.ChatSessionSpec{ID: "c1", UserID: "u1", AgentType: store.AgentRAG})
	require.NoError(t, err)
	_, err = h.st.AddMessage(context.Background(), "c1", store.RoleUser, "hello", nil, 0)
	require.NoError(t, err)

	h.llm.err = errors.New("backend down")
	w := h.do(t, http.MethodPost, "/chats/session/c1/summary", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "backend down", "internal details are not leaked")
}

func TestQuant(t *testing.T) {
	h := newHarness(t)
	pid, _ := h.createPortfolioSession(t, "apple")

	w := h.do(t, http.MethodPost, "/quant/query", map[string]any{
		"query": "How is AAPL doing?", "user_id": "u1", "portfolio_id": pid,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[map[string]any](t, w)
	sid := "quant_portfolio_" + pid + "_20250314_093000"
	assert.Equal(t, sid, got["session_id"])
	assert.Equal(t, "fundamental_analyst", got["agent_used"])
	assert.Equal(t, []string{sid + ":How is AAPL doing?"}, h.agent.queries)

	cs, err := h.st.GetChatSession(context.Background(), sid)
	require.NoError(t, err)
	assert.Equal(t, "Stock Analysis: Tech", cs.Title)
	assert.Equal(t, store.AgentQuant, cs.AgentType)

	t.Run("history from store", func(t *testing.T) {
		w := h.do(t, http.MethodGet, "/quant/sessions/"+sid, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decode[map[string]any](t, w)["messages"], 2)
	})

	t.Run("history from agent", func(t *testing.T) {
		w := h.do(t, http.MethodGet, "/quant/sessions/elsewhere", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "agent", decode[map[string]any](t, w)["source"])
	})

	t.Run("agent unavailable", func(t *testing.T) {
		h.agent.err = quant.ErrUnavailable
		defer func() { h.agent.err = nil }()
		w := h.do(t, http.MethodPost, "/quant/query", map[string]any{"query": "q", "user_id": "u1"})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("health", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/quant/health", nil).Code)
		h.agent.health = "unhealthy"
		assert.Equal(t, http.StatusServiceUnavailable, h.do(t, http.MethodGet, "/quant/health", nil).Code)
	})
}

func TestIntegrations(t *testing.T) {
	h := newHarness(t)
	h.createPortfolioSession(t, "apple", "tesla")

	w := h.do(t, http.MethodPost, "/integrations", map[string]any{
		"user_id": "u1", "vendor": "GCS", "name": "Filings",
		"credentials": map[string]string{"bucket": "filings", "client_secret": "s3cret"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[store.Integration](t, w)
	assert.Equal(t, "gcs", created.Vendor)
	assert.Equal(t, "••••••••", created.Credentials["client_secret"])
	assert.Equal(t, "filings", created.Credentials["bucket"])

	t.Run("masked update keeps secret", func(t *testing.T) {
		w := h.do(t, http.MethodPut, "/integrations/"+created.ID, map[string]any{
			"credentials": map[string]string{"client_secret": "••••••••", "bucket": "filings-2"},
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		in, err := h.st.GetIntegration(context.Background(), created.ID)
		require.NoError(t, err)
		assert.Equal(t, "s3cret", in.Credentials["client_secret"])
		assert.Equal(t, "filings-2", in.Credentials["bucket"])
	})

	t.Run("test connection", func(t *testing.T) {
		w := h.do(t, http.MethodPost, "/integrations/"+created.ID+"/test", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, decode[map[string]any](t, w)["success"])

		h.conn.testErr = errors.New("403 forbidden")
		w = h.do(t, http.MethodPost, "/integrations/"+created.ID+"/test", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, false, decode[map[string]any](t, w)["success"])
		in, err := h.st.GetIntegration(context.Background(), created.ID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusError, in.Status)
		h.conn.testErr = nil
	})

	t.Run("browse", func(t *testing.T) {
		w := h.do(t, http.MethodPost, "/integrations/browse", map[string]any{"integration_id": created.ID})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		got := decode[map[string]any](t, w)
		assert.Len(t, got["files"], 2)
		assert.Equal(t, []any{"AAPL", "TSLA"}, got["available_tickers"])
	})

	t.Run("import", func(t *testing.T) {
		w := h.do(t, http.MethodPost, "/integrations/import", map[string]any{
			"integration_id": created.ID, "file_paths": []string{"q3.txt", "deck.pdf", "gone.txt"}, "ticker": "aapl",
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		sum := decode[connectors.ImportSummary](t, w)
		assert.Equal(t, "AAPL", sum.Ticker)
		assert.Equal(t, 1, sum.Imported)
		assert.Equal(t, 1, sum.Skipped)
		assert.Equal(t, 1, sum.Failed)
		assert.Equal(t, []string{"q3.txt"}, h.ingester.sources)

		in, err := h.st.GetIntegration(context.Background(), created.ID)
		require.NoError(t, err)
		assert.NotNil(t, in.LastSync)
		assert.Equal(t, store.StatusActive, in.Status)
	})

	t.Run("unknown vendor", func(t *testing.T) {
		w := h.do(t, http.MethodPost, "/integrations", map[string]any{"user_id": "u1", "vendor": "dropbox", "name": "x"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("vendor without connector", func(t *testing.T) {
		w := h.do(t, http.MethodPost, "/integrations", map[string]any{"user_id": "u1", "vendor": "sftp", "name": "box"})
		require.Equal(t, http.StatusCreated, w.Code)
		id := decode[store.Integration](t, w).ID
		w = h.do(t, http.MethodPost, "/integrations/"+id+"/test", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestCreateDocument(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/documents", map[string]any{"content": "Q3 revenue rose.", "source": "note.txt", "ticker": "AAPL"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, float64(2), decode[map[string]any](t, w)["chunks_processed"])

	w = h.do(t, http.MethodPost, "/documents", map[string]any{"content": "x", "source": "note.txt", "ticker": "not a ticker"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCacheEndpoints(t *testing.T) {
	h := newHarness(t)
	h.createPortfolioSession(t, "apple")
	h.createPortfolioSession(t, "tesla")

	w := h.do(t, http.MethodGet, "/cache/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[struct {
		Stats rescache.Stats `json:"stats"`
	}](t, w).Stats
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, 0, stats.InUse, "handlers release their leases")

	h.advance(2 * time.Hour)
	w = h.do(t, http.MethodPost, "/cache/sweep", map[string]any{"max_idle_seconds": 3600})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[map[string]any](t, w)
	assert.Equal(t, float64(2), got["evicted"])
	assert.Equal(t, float64(0), got["remaining"])

	w = h.do(t, http.MethodPost, "/cache/sweep", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHealthCheck(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"bad request", badRequest("nope"), http.StatusBadRequest},
		{"empty query", executor.ErrEmptyQuery, http.StatusBadRequest},
		{"not initialized", rescache.ErrSessionNotInitialized, http.StatusNotFound},
		{"not found", fmt.Errorf("portfolio x: %w", store.ErrNotFound), http.StatusNotFound},
		{"scope conflict", &rescache.ScopeConflictError{SessionKey: "t"}, http.StatusConflict},
		{"too large", connectors.ErrFileTooLarge, http.StatusRequestEntityTooLarge},
		{"rate limited", quant.ErrRateLimited, http.StatusTooManyRequests},
		{"build timeout", rescache.ErrBuildTimeout, http.StatusGatewayTimeout},
		{"build failure", fmt.Errorf("wrap: %w", rescache.ErrBuildFailure), http.StatusBadGateway},
		{"circuit open", retrieval.ErrCircuitOpen, http.StatusServiceUnavailable},
		{"closed", rescache.ErrManagerClosed, http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, msg := statusFor(tt.err)
			assert.Equal(t, tt.want, got)
			assert.NotEmpty(t, msg)
		})
	}
}
