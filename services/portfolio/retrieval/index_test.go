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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/companies"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/rescache"
)

func TestBuilder_BuildScopedIndex(t *testing.T) {
	f, conn := newFakeWeaviate(t)
	f.count = 42
	b := NewBuilder(conn, &fakeEmbedder{}, companies.Default(), nil)

	res, err := b.Build(context.Background(), rescache.NewFilterKeySet("Tesla", "ford"))
	require.NoError(t, err)
	ix, ok := res.(*Index)
	require.True(t, ok)

	assert.Equal(t, 42, ix.DocumentCount())
	assert.ElementsMatch(t, []string{"TSLA", "F"}, ix.Tickers())
	assert.True(t, ix.Keys().Equal(rescache.NewFilterKeySet("ford", "tesla")))

	q := f.lastQuery()
	assert.Contains(t, q, "Aggregate")
	assert.Contains(t, q, "TSLA")
	assert.Contains(t, q, "ford")
}

func TestBuilder_NotReady(t *testing.T) {
	f, conn := newFakeWeaviate(t)
	f.ready = false
	b := NewBuilder(conn, &fakeEmbedder{}, nil, nil)

	_, err := b.Build(context.Background(), rescache.NewFilterKeySet("apple"))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestBuilder_UnscopedIndexHasNoFilter(t *testing.T) {
	f, conn := newFakeWeaviate(t)
	b := NewBuilder(conn, &fakeEmbedder{}, nil, nil)

	ix, err := b.BuildIndex(context.Background(), rescache.FilterKeySet{})
	require.NoError(t, err)
	assert.Empty(t, ix.Tickers())
	assert.NotContains(t, f.lastQuery(), "where")
}

func TestIndex_Search(t *testing.T) {
	f, conn := newFakeWeaviate(t)
	f.documents = []map[string]any{
		{"content": "Google revenue grew", "source": "goog_10k.txt_part_1", "parent_source": "goog_10k.txt",
			"company": "alphabet", "ticker": "GOOGL", "_additional": map[string]any{"distance": 0.12}},
	}
	emb := &fakeEmbedder{}
	ix, err := NewBuilder(conn, emb, nil, nil).BuildIndex(context.Background(), rescache.NewFilterKeySet("google"))
	require.NoError(t, err)

	docs, err := ix.Search(context.Background(), "revenue in 2024", 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "GOOGL", docs[0].Ticker)
	assert.InDelta(t, 0.12, docs[0].Distance, 1e-6)
	assert.Equal(t, []string{"revenue in 2024"}, emb.texts)

	q := f.lastQuery()
	assert.Contains(t, q, "nearVector")
	assert.Contains(t, q, "GOOGL")
}

func TestIndex_SearchCompanyScope(t *testing.T) {
	f, conn := newFakeWeaviate(t)
	ix, err := NewBuilder(conn, &fakeEmbedder{}, nil, nil).BuildIndex(context.Background(), rescache.NewFilterKeySet("tesla", "ford"))
	require.NoError(t, err)

	_, err = ix.SearchCompany(context.Background(), "Ford", "debt", 3)
	require.NoError(t, err)
	q := f.lastQuery()
	assert.Contains(t, q, `"F"`)
	assert.NotContains(t, q, "TSLA")

	_, err = ix.SearchCompany(context.Background(), "apple", "debt", 3)
	assert.ErrorIs(t, err, ErrOutOfScope)
}

func TestIndex_Closed(t *testing.T) {
	_, conn := newFakeWeaviate(t)
	ix, err := NewBuilder(conn, &fakeEmbedder{}, nil, nil).BuildIndex(context.Background(), rescache.NewFilterKeySet("apple"))
	require.NoError(t, err)

	require.NoError(t, ix.Close())
	_, err = ix.Search(context.Background(), "q", 1)
	assert.ErrorIs(t, err, ErrIndexClosed)
}

func TestIndex_EmbedFailure(t *testing.T) {
	_, conn := newFakeWeaviate(t)
	emb := &fakeEmbedder{}
	ix, err := NewBuilder(conn, emb, nil, nil).BuildIndex(context.Background(), rescache.NewFilterKeySet("apple"))
	require.NoError(t, err)

	emb.err = errors.New("embedder down")
	_, err = ix.Search(context.Background(), "q", 1)
	assert.ErrorContains(t, err, "embedder down")
}

func TestIndex_WorksAsCacheResource(t *testing.T) {
	_, conn := newFakeWeaviate(t)
	b := NewBuilder(conn, &fakeEmbedder{}, nil, nil)
	m := rescache.NewManager()

	lease, err := m.AcquireForSession(context.Background(), "portfolio_p1_t1", rescache.NewFilterKeySet("apple"), b.Build)
	require.NoError(t, err)
	ix := lease.Handle().Resource().(*Index)
	lease.Release()

	m.Evict(context.Background(), "portfolio_p1_t1")
	assert.True(t, ix.Closed())
}

func TestScopeFilter(t *testing.T) {
	assert.Nil(t, scopeFilter(nil, nil))
	assert.NotNil(t, scopeFilter([]string{"apple"}, nil))
	assert.NotNil(t, scopeFilter([]string{"apple", "tesla"}, []string{"AAPL", "TSLA"}))
}
