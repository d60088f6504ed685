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
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/AleutianPortfolio/services/llm"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/companies"
)

const (
	chunkSize    = 1000
	chunkOverlap = chunkSize / 10

	// embedBatch bounds how many chunks go to the embedder per request.
	embedBatch = 64
)

var (
	defaultSeparators  = []string{"\n\n", "\n", " ", ""}
	markdownSeparators = []string{
		"\n# ", "\n## ", "\n### ", "\n#### ",
		"\n\n", "\n", " ", "",
	}
	// Filings exported as text keep "Item 7." style headings.
	filingSeparators = []string{"\nItem ", "\nITEM ", "\n\n", "\n", " ", ""}
)

// ErrEmptyDocument is returned when there is nothing to ingest.
var ErrEmptyDocument = errors.New("document has no content")

// IngestRequest is a document to chunk, embed and store.
type IngestRequest struct {
	Content string
	Source  string
	Ticker  string
}

// IngestResult reports what was stored.
type IngestResult struct {
	Source  string `json:"source"`
	Ticker  string `json:"ticker"`
	Company string `json:"company"`
	Chunks  int    `json:"chunks_processed"`
	Failed  int    `json:"chunks_failed"`
}

// Ingester splits documents into chunks and batch imports them into
// Weaviate tagged with their company.
type Ingester struct {
	conn      *Conn
	embedder  llm.Embedder
	directory *companies.Directory
	now       func() time.Time
	logger    *slog.Logger
}

// NewIngester returns an Ingester. A nil directory uses the built-in table.
func NewIngester(conn *Conn, embedder llm.Embedder, directory *companies.Directory, logger *slog.Logger) *Ingester {
	if directory == nil {
		directory = companies.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		conn:      conn,
		embedder:  embedder,
		directory: directory,
		now:       time.Now,
		logger:    logger.With("component", "ingester"),
	}
}

// Ingest stores req. Chunk ids are derived from the chunk text, so
// re-ingesting the same document overwrites rather than duplicates.
func (in *Ingester) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	ticker := strings.ToUpper(strings.TrimSpace(req.Ticker))
	res := IngestResult{Source: req.Source, Ticker: ticker, Company: in.directory.Company(ticker)}
	if strings.TrimSpace(req.Content) == "" {
		return res, ErrEmptyDocument
	}

	ctx, span := tracer.Start(ctx, "Ingester.Ingest")
	defer span.End()

	chunks, err := splitterFor(req.Source).SplitText(req.Content)
	if err != nil {
		return res, fmt.Errorf("split content: %w", err)
	}
	if len(chunks) == 0 {
		in.logger.Warn("no chunks produced after splitting", "source", req.Source)
		return res, nil
	}

	vectors, err := in.embed(ctx, chunks)
	if err != nil {
		return res, err
	}

	ingestedAt := in.now().UnixMilli()
	objects := make([]*models.Object, len(chunks))
	for i, chunk := range chunks {
		hash := sha256.Sum256([]byte(ticker + "\x00" + chunk))
		id, _ := uuid.FromBytes(hash[:16])
		objects[i] = &models.Object{
			Class:  ClassFinancialDocument,
			ID:     strfmt.UUID(id.String()),
			Vector: vectors[i],
			Properties: map[string]any{
				"content":       chunk,
				"source":        fmt.Sprintf("%s_part_%d", req.Source, i+1),
				"parent_source": req.Source,
				"company":       res.Company,
				"ticker":        ticker,
				"ingested_at":   ingestedAt,
			},
		}
	}

	err = in.conn.Do(ctx, "batch_import", func(ctx context.Context) error {
		resp, err := in.conn.Client().Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return err
		}
		res.Chunks, res.Failed = 0, 0
		for _, item := range resp {
			if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
				res.Chunks++
				continue
			}
			res.Failed++
			if item.Result != nil && item.Result.Errors != nil {
				for _, e := range item.Result.Errors.Error {
					in.logger.Warn("batch item failed", "source", req.Source, "error", e.Message)
				}
			}
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("save chunks: %w", err)
	}

	in.logger.Info("document ingested",
		"source", req.Source,
		"ticker", ticker,
		"chunks", res.Chunks,
		"failed", res.Failed)
	return res, nil
}

func (in *Ingester) embed(ctx context.Context, chunks []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += embedBatch {
		end := min(start+embedBatch, len(chunks))
		batch, err := in.embedder.Embed(ctx, chunks[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed chunks: %w", err)
		}
		if len(batch) != end-start {
			return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(batch), end-start)
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func splitterFor(source string) textsplitter.TextSplitter {
	separators := defaultSeparators
	switch strings.ToLower(filepath.Ext(source)) {
	case ".md", ".markdown":
		separators = markdownSeparators
	case ".txt", ".htm", ".html":
		separators = filingSeparators
	}
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(chunkOverlap),
		textsplitter.WithSeparators(separators),
	)
}

// IsTextFile reports whether a file can be ingested without OCR or PDF
// parsing.
func IsTextFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md", ".markdown", ".csv", ".json", ".htm", ".html", ".xml":
		return true
	}
	return false
}
