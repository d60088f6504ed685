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
	"context"
	"log/slog"

	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/quant"
)

// AnswerCache is the per-thread semantic answer cache. A nil AnswerCache
// disables caching.
type AnswerCache interface {
	Lookup(ctx context.Context, threadID, key string) (string, bool, error)
	Store(ctx context.Context, threadID, key, answer string) error
	Invalidate(ctx context.Context, threadID string) error
}

// ReadinessChecker reports whether the vector store is reachable.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// StockAgent is the external stock analysis service.
type StockAgent interface {
	Query(ctx context.Context, sessionID, query string) (*quant.Result, error)
	History(ctx context.Context, sessionID string) ([]quant.Message, error)
	Health(ctx context.Context) *quant.Health
}

// documentCounter is implemented by resources that know their corpus size.
type documentCounter interface {
	DocumentCount() int
}

func documentCount(resource any) int {
	if dc, ok := resource.(documentCounter); ok {
		return dc.DocumentCount()
	}
	return 0
}

// invalidateAnswers drops cached answers of threads, logging failures.
func invalidateAnswers(ctx context.Context, answers AnswerCache, threads ...string) {
	if answers == nil {
		return
	}
	for _, t := range threads {
		if err := answers.Invalidate(ctx, t); err != nil {
			slog.Warn("Failed to invalidate answer cache", "thread_id", t, "error", err)
		}
	}
}
