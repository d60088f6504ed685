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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/datatypes"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/observability"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/rescache"
)

// CacheStats returns the session cache counters.
func CacheStats(cache *rescache.Manager, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := cache.Stats()
		metrics.ObserveCache(stats)
		c.JSON(http.StatusOK, gin.H{
			"stats":    stats,
			"hit_rate": stats.HitRate(),
		})
	}
}

// SweepCache evicts idle session handles now. Without max_idle_seconds the
// sweeper's configured idle limit applies.
func SweepCache(cache *rescache.Manager, sweeper *rescache.Sweeper, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "SweepCache")
		defer span.End()

		var req datatypes.SweepRequest
		if c.Request.ContentLength > 0 {
			if err := bindJSON(c, &req); err != nil {
				respondError(c, span, err)
				return
			}
		}

		var res rescache.SweepResult
		if req.MaxIdleSeconds > 0 || sweeper == nil {
			start := time.Now()
			evicted := cache.EvictIdle(ctx, time.Duration(req.MaxIdleSeconds)*time.Second)
			res = rescache.SweepResult{
				Evicted:   evicted,
				Remaining: cache.Len(),
				StartTime: start,
				EndTime:   time.Now(),
			}
			metrics.ObserveSweep(res)
		} else {
			// RunNow reports to the sweeper callback, which feeds the metrics.
			res = sweeper.RunNow(ctx)
		}
		c.JSON(http.StatusOK, gin.H{
			"evicted":     res.Evicted,
			"remaining":   res.Remaining,
			"duration_ms": res.Duration().Milliseconds(),
		})
	}
}
