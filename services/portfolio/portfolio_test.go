// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package portfolio

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPortfolio/pkg/extensions"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 12215, cfg.Port)
	assert.Equal(t, "ollama", cfg.LLM.Backend)
	assert.True(t, cfg.Answers.Enabled)
	assert.Equal(t, 30*time.Minute, cfg.Cache.MaxIdle)
	assert.Equal(t, "portfolio-service", cfg.Telemetry.ServiceName)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portfolio.yaml")
	yamlDoc := `
port: 9000
data_dir: /var/lib/portfolio
weaviate_url: http://weaviate:8080
llm:
  backend: openai
  model: gpt-4o-mini
cache:
  max_entries: 64
  max_idle: 10m
answer_cache:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0600))

	t.Setenv("PORTFOLIO_PORT", "9100")
	t.Setenv("LLM_BACKEND_TYPE", "claude")
	t.Setenv("PORTFOLIO_CACHE_SWEEP_INTERVAL", "90s")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port, "env wins over file")
	assert.Equal(t, "/var/lib/portfolio", cfg.DataDir)
	assert.Equal(t, "http://weaviate:8080", cfg.WeaviateURL)
	assert.Equal(t, "claude", cfg.LLM.Backend)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, 64, cfg.Cache.MaxEntries)
	assert.Equal(t, 10*time.Minute, cfg.Cache.MaxIdle)
	assert.Equal(t, 90*time.Second, cfg.Cache.SweepInterval)
	assert.False(t, cfg.Answers.Enabled)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("unknown key", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("prot: 1\n"), 0600))
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "prot")
	})

	t.Run("bad env", func(t *testing.T) {
		t.Setenv("PORTFOLIO_CACHE_MAX_IDLE", "soon")
		t.Setenv("PORTFOLIO_PORT", "eighty")
		_, err := LoadConfig("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "PORTFOLIO_CACHE_MAX_IDLE")
		assert.Contains(t, err.Error(), "PORTFOLIO_PORT")
	})

	t.Run("empty file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "empty.yaml")
		require.NoError(t, os.WriteFile(path, nil, 0600))
		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().Port, cfg.Port)
	})
}

func TestApplyConfigDefaults(t *testing.T) {
	t.Setenv("GIN_MODE", "")
	cfg := applyConfigDefaults(Config{
		WeaviateURL: "  http://weaviate:8080 ",
		Cache:       CacheConfig{MaxEntries: -3},
	})
	assert.Equal(t, 12215, cfg.Port)
	assert.Equal(t, "release", cfg.GinMode)
	assert.Equal(t, "http://weaviate:8080", cfg.WeaviateURL)
	assert.Equal(t, 0, cfg.Cache.MaxEntries)
	assert.Equal(t, "none", cfg.Telemetry.TraceExporter)
	assert.Equal(t, "none", cfg.Telemetry.MetricExporter)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 4, cfg.Import.Workers)
}

func TestConfigMarshalRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.APIKey = "sk-secret"
	data, err := cfg.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-secret")

	var back Config
	require.NoError(t, decodeConfig(data, &back))
	assert.Equal(t, cfg.Port, back.Port)
	assert.Equal(t, cfg.Cache, back.Cache)
}

// testConfig runs without Weaviate, quant or exporters.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.GinMode = gin.TestMode
	cfg.Telemetry.TraceExporter = "none"
	cfg.Telemetry.MetricExporter = "none"
	cfg.VaultKeyEnv = "PORTFOLIO_TEST_VAULT_KEY_UNSET"
	return cfg
}

func TestNew_LightweightMode(t *testing.T) {
	svc, err := New(testConfig(), nil)
	require.NoError(t, err)
	defer svc.Close(context.Background())

	router := svc.Router()
	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/health", "").Code)

	w := do(http.MethodGet, "/rag/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health["status"])
	assert.Equal(t, "ollama", health["llm_backend"])

	// Creating a portfolio validates its scope with a build, which needs
	// the vector store.
	w = do(http.MethodPost, "/portfolios",
		`{"user_id":"u1","name":"Tech","company_names":["Apple"]}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/portfolios/user/u1", "").Code)
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/v1/cache/stats", "").Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodPost, "/quant/query", "{}").Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodPost, "/v1/documents", "{}").Code)
}

func TestNew_CustomOptions(t *testing.T) {
	opts := &extensions.ServiceOptions{
		AuthProvider: extensions.NewTokenAuthProvider(map[string]string{"tok": "u1"}),
	}
	svc, err := New(testConfig(), opts)
	require.NoError(t, err)
	defer svc.Close(context.Background())

	req := httptest.NewRequest(http.MethodGet, "/portfolios/user/u1", nil)
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/portfolios/user/u1", nil)
	req.Header.Set("Authorization", "Bearer tok")
	w = httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Run("unknown llm backend", func(t *testing.T) {
		cfg := testConfig()
		cfg.LLM.Backend = "mystery"
		_, err := New(cfg, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "LLM client")
	})

	t.Run("bad weaviate url", func(t *testing.T) {
		cfg := testConfig()
		cfg.WeaviateURL = "not a url"
		_, err := New(cfg, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Weaviate")
	})

	t.Run("bad quant url", func(t *testing.T) {
		cfg := testConfig()
		cfg.Quant.BaseURL = "::"
		_, err := New(cfg, nil)
		assert.Error(t, err)
	})
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Port = 38215
	svc, err := New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.NoError(t, svc.Close(context.Background()), "Close after Run is a no-op")
}
