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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngester_Ingest(t *testing.T) {
	f, conn := newFakeWeaviate(t)
	emb := &fakeEmbedder{}
	in := NewIngester(conn, emb, nil, nil)

	content := strings.Repeat("Revenue increased across all segments. ", 80)
	res, err := in.Ingest(context.Background(), IngestRequest{Content: content, Source: "aapl_10k.txt", Ticker: "aapl"})
	require.NoError(t, err)

	assert.Equal(t, "AAPL", res.Ticker)
	assert.Equal(t, "apple", res.Company)
	assert.Greater(t, res.Chunks, 1)
	assert.Zero(t, res.Failed)

	require.Len(t, f.batches, 1)
	first := f.batches[0][0]
	assert.Equal(t, ClassFinancialDocument, first["class"])
	props := first["properties"].(map[string]any)
	assert.Equal(t, "AAPL", props["ticker"])
	assert.Equal(t, "apple", props["company"])
	assert.Equal(t, "aapl_10k.txt_part_1", props["source"])
	assert.Equal(t, "aapl_10k.txt", props["parent_source"])
}

func TestIngester_DeterministicIDs(t *testing.T) {
	f, conn := newFakeWeaviate(t)
	in := NewIngester(conn, &fakeEmbedder{}, nil, nil)

	req := IngestRequest{Content: "Short filing text.", Source: "x.txt", Ticker: "MSFT"}
	_, err := in.Ingest(context.Background(), req)
	require.NoError(t, err)
	_, err = in.Ingest(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, f.batches, 2)
	assert.Equal(t, f.batches[0][0]["id"], f.batches[1][0]["id"])
}

func TestIngester_EmptyDocument(t *testing.T) {
	_, conn := newFakeWeaviate(t)
	in := NewIngester(conn, &fakeEmbedder{}, nil, nil)
	_, err := in.Ingest(context.Background(), IngestRequest{Content: "  ", Source: "x.txt", Ticker: "MSFT"})
	assert.ErrorIs(t, err, ErrEmptyDocument)
}

func TestIngester_EmbedsInBatches(t *testing.T) {
	_, conn := newFakeWeaviate(t)
	emb := &fakeEmbedder{}
	in := NewIngester(conn, emb, nil, nil)

	chunks := make([]string, embedBatch*2+1)
	for i := range chunks {
		chunks[i] = "chunk"
	}
	vecs, err := in.embed(context.Background(), chunks)
	require.NoError(t, err)
	assert.Len(t, vecs, len(chunks))
	assert.Equal(t, 3, emb.calls)
}

func TestIsTextFile(t *testing.T) {
	assert.True(t, IsTextFile("reports/AAPL_10K.TXT"))
	assert.True(t, IsTextFile("notes.md"))
	assert.False(t, IsTextFile("annual_report.pdf"))
	assert.False(t, IsTextFile("chart.png"))
}
