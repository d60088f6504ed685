// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package connectors

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/retrieval"
)

// Import statuses.
const (
	StatusImported = "imported"
	StatusSkipped  = "skipped"
	StatusFailed   = "failed"
)

const defaultImportWorkers = 4

// DocumentIngester stores text content in the vector index.
type DocumentIngester interface {
	Ingest(ctx context.Context, req retrieval.IngestRequest) (retrieval.IngestResult, error)
}

// FileResult is the outcome of importing one remote file.
type FileResult struct {
	Path   string `json:"path"`
	Status string `json:"status"`
	Chunks int    `json:"chunks_processed"`
	Error  string `json:"error,omitempty"`
}

// ImportSummary collects the per-file results of an import.
type ImportSummary struct {
	Ticker   string       `json:"ticker"`
	Imported int          `json:"imported"`
	Skipped  int          `json:"skipped"`
	Failed   int          `json:"failed"`
	Files    []FileResult `json:"files"`
}

// Importer downloads files through a Connector and ingests them.
// Downloads run concurrently and are paced by a rate limiter.
type Importer struct {
	ingester DocumentIngester
	limiter  *rate.Limiter
	workers  int
	logger   *slog.Logger
}

// ImporterOption configures an Importer.
type ImporterOption func(*Importer)

// WithImportRate limits downloads to r per second with the given burst.
func WithImportRate(r rate.Limit, burst int) ImporterOption {
	return func(im *Importer) { im.limiter = rate.NewLimiter(r, burst) }
}

// WithImportWorkers sets the number of concurrent downloads.
func WithImportWorkers(n int) ImporterOption {
	return func(im *Importer) {
		if n > 0 {
			im.workers = n
		}
	}
}

// NewImporter returns an importer writing through ingester.
func NewImporter(ingester DocumentIngester, logger *slog.Logger, opts ...ImporterOption) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	im := &Importer{
		ingester: ingester,
		limiter:  rate.NewLimiter(rate.Limit(10), 5),
		workers:  defaultImportWorkers,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// Import downloads every path and ingests the text files under ticker.
// A failing file does not stop the others; the returned error is only set
// when ctx ends before the import completes.
func (im *Importer) Import(ctx context.Context, conn Connector, paths []string, ticker string) (*ImportSummary, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	results := make([]FileResult, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.workers)
	for i, p := range paths {
		g.Go(func() error {
			if err := im.limiter.Wait(gctx); err != nil {
				results[i] = FileResult{Path: p, Status: StatusFailed, Error: err.Error()}
				return err
			}
			results[i] = im.importOne(gctx, conn, p, ticker)
			return nil
		})
	}
	waitErr := g.Wait()

	summary := &ImportSummary{Ticker: ticker, Files: results}
	for i := range results {
		if results[i].Status == "" {
			results[i] = FileResult{Path: paths[i], Status: StatusFailed, Error: "import cancelled"}
		}
		switch results[i].Status {
		case StatusImported:
			summary.Imported++
		case StatusSkipped:
			summary.Skipped++
		default:
			summary.Failed++
		}
	}
	im.logger.Info("Integration import finished",
		"ticker", ticker,
		"imported", summary.Imported,
		"skipped", summary.Skipped,
		"failed", summary.Failed)
	if waitErr != nil {
		return summary, fmt.Errorf("import interrupted: %w", waitErr)
	}
	return summary, nil
}

func (im *Importer) importOne(ctx context.Context, conn Connector, p, ticker string) FileResult {
	res := FileResult{Path: p}
	if !retrieval.IsTextFile(p) {
		res.Status = StatusSkipped
		res.Error = "unsupported file type " + path.Ext(p)
		return res
	}

	data, err := conn.Download(ctx, p)
	if err != nil {
		im.logger.Warn("Failed to download file", "path", p, "error", err)
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}

	out, err := im.ingester.Ingest(ctx, retrieval.IngestRequest{
		Content: string(data),
		Source:  p,
		Ticker:  ticker,
	})
	if err != nil {
		im.logger.Warn("Failed to ingest file", "path", p, "error", err)
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}
	res.Status = StatusImported
	res.Chunks = out.Chunks
	return res
}
