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
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeWeaviate answers the subset of the Weaviate REST and GraphQL API the
// package uses and records what it was asked.
type fakeWeaviate struct {
	mu sync.Mutex

	ready       bool
	documents   []map[string]any
	count       int
	cacheHits   []map[string]any
	classes     map[string]bool
	failGraphQL int

	queries   []string
	batches   [][]map[string]any
	created   []map[string]any
	deletions int
}

func newFakeWeaviate(t *testing.T) (*fakeWeaviate, *Conn) {
	t.Helper()
	f := &fakeWeaviate{ready: true, classes: map[string]bool{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)

	cfg := DefaultConnConfig(srv.URL)
	cfg.RetryAttempts = 0
	conn, err := Dial(cfg)
	require.NoError(t, err)
	return f, conn
}

func (f *fakeWeaviate) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.URL.Path == "/v1/meta":
		_, _ = w.Write([]byte(`{"hostname":"http://fake","version":"1.27.0","modules":{}}`))

	case r.URL.Path == "/v1/.well-known/ready":
		if !f.ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)

	case r.URL.Path == "/v1/graphql":
		var req struct {
			Query string `json:"query"`
		}
		_ = json.Unmarshal(body, &req)
		f.queries = append(f.queries, req.Query)
		if f.failGraphQL > 0 {
			f.failGraphQL--
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":[{"message":"boom"}]}`))
			return
		}
		f.writeGraphQL(w, req.Query)

	case r.URL.Path == "/v1/batch/objects" && r.Method == http.MethodPost:
		var req struct {
			Objects []map[string]any `json:"objects"`
		}
		_ = json.Unmarshal(body, &req)
		f.batches = append(f.batches, req.Objects)
		out := make([]map[string]any, len(req.Objects))
		for i, o := range req.Objects {
			o["result"] = map[string]any{"status": "SUCCESS"}
			out[i] = o
		}
		_ = json.NewEncoder(w).Encode(out)

	case r.URL.Path == "/v1/batch/objects" && r.Method == http.MethodDelete:
		f.deletions++
		_, _ = w.Write([]byte(`{"output":"minimal","results":{"matches":1,"successful":1,"failed":0}}`))

	case r.URL.Path == "/v1/objects" && r.Method == http.MethodPost:
		var obj map[string]any
		_ = json.Unmarshal(body, &obj)
		f.created = append(f.created, obj)
		_, _ = w.Write(body)

	case strings.HasPrefix(r.URL.Path, "/v1/schema/") && r.Method == http.MethodGet:
		class := strings.TrimPrefix(r.URL.Path, "/v1/schema/")
		if !f.classes[class] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"class": class})

	case r.URL.Path == "/v1/schema" && r.Method == http.MethodPost:
		var class map[string]any
		_ = json.Unmarshal(body, &class)
		name, _ := class["class"].(string)
		f.classes[name] = true
		_, _ = w.Write(body)

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeWeaviate) writeGraphQL(w http.ResponseWriter, query string) {
	var data map[string]any
	switch {
	case strings.Contains(query, "Aggregate"):
		data = map[string]any{"Aggregate": map[string]any{
			ClassFinancialDocument: []any{map[string]any{"meta": map[string]any{"count": f.count}}},
		}}
	case strings.Contains(query, ClassAnswerCache):
		data = map[string]any{"Get": map[string]any{ClassAnswerCache: f.cacheHits}}
	default:
		data = map[string]any{"Get": map[string]any{ClassFinancialDocument: f.documents}}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func (f *fakeWeaviate) lastQuery() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queries) == 0 {
		return ""
	}
	return f.queries[len(f.queries)-1]
}

// fakeEmbedder returns a constant vector per text.
type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	texts []string
	err   error
}

func (e *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.texts = append(e.texts, texts...)
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}
