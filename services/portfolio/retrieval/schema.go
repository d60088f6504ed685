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
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate/entities/models"
)

// Class names.
const (
	ClassFinancialDocument = "FinancialDocument"
	ClassAnswerCache       = "AnswerCache"
)

func filterable() *bool {
	b := true
	return &b
}

// FinancialDocumentSchema describes a chunk of a filing or report, tagged
// with the company it belongs to.
func FinancialDocumentSchema() *models.Class {
	return &models.Class{
		Class:       ClassFinancialDocument,
		Description: "A chunk of a financial document tagged with its company and ticker.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "The chunk text.",
				Tokenization: "word",
			},
			{
				Name:            "source",
				DataType:        []string{"text"},
				Description:     "The chunk source, <parent>_part_<n>.",
				IndexFilterable: filterable(),
				Tokenization:    "field",
			},
			{
				Name:            "parent_source",
				DataType:        []string{"text"},
				Description:     "The file or document the chunk came from.",
				IndexFilterable: filterable(),
				Tokenization:    "field",
			},
			{
				Name:            "company",
				DataType:        []string{"text"},
				Description:     "Normalized company name.",
				IndexFilterable: filterable(),
				Tokenization:    "field",
			},
			{
				Name:            "ticker",
				DataType:        []string{"text"},
				Description:     "Upper-case stock ticker.",
				IndexFilterable: filterable(),
				Tokenization:    "field",
			},
			{
				Name:            "ingested_at",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds when the chunk was ingested.",
				IndexFilterable: filterable(),
			},
		},
	}
}

// AnswerCacheSchema describes a cached answer keyed by query embedding and
// scoped to one conversation thread.
func AnswerCacheSchema() *models.Class {
	return &models.Class{
		Class:       ClassAnswerCache,
		Description: "A previously generated answer, scoped to a thread.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "thread_id",
				DataType:        []string{"text"},
				IndexFilterable: filterable(),
				Tokenization:    "field",
			},
			{
				Name:         "cache_key",
				DataType:     []string{"text"},
				Tokenization: "word",
			},
			{
				Name:     "answer",
				DataType: []string{"text"},
			},
			{
				Name:            "created_at",
				DataType:        []string{"number"},
				IndexFilterable: filterable(),
			},
		},
	}
}

// EnsureSchema creates any missing class.
func EnsureSchema(ctx context.Context, conn *Conn) error {
	for _, class := range []*models.Class{FinancialDocumentSchema(), AnswerCacheSchema()} {
		_, err := conn.Client().Schema().ClassGetter().WithClassName(class.Class).Do(ctx)
		if err == nil {
			slog.Debug("schema already exists", "class", class.Class)
			continue
		}
		slog.Info("schema not found, creating it", "class", class.Class)
		err = conn.Do(ctx, "create_class", func(ctx context.Context) error {
			return conn.Client().Schema().ClassCreator().WithClass(class).Do(ctx)
		})
		if err != nil {
			return fmt.Errorf("create schema for class %s: %w", class.Class, err)
		}
	}
	return nil
}
