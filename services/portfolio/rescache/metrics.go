// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rescache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for resource cache operations.
var (
	tracer = otel.Tracer("aleutian.portfolio.rescache")
	meter  = otel.Meter("aleutian.portfolio.rescache")
)

// Metrics for resource cache operations.
var (
	cacheHits          metric.Int64Counter
	cacheMisses        metric.Int64Counter
	cacheBuilds        metric.Int64Counter
	cacheEvictions     metric.Int64Counter
	cacheConflicts     metric.Int64Counter
	cacheReleaseErrors metric.Int64Counter
	cacheBuildLatency  metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		if cacheHits, err = meter.Int64Counter(
			"rescache_hits_total",
			metric.WithDescription("Session acquisitions served from the cache"),
		); err != nil {
			metricsErr = err
			return
		}

		if cacheMisses, err = meter.Int64Counter(
			"rescache_misses_total",
			metric.WithDescription("Session acquisitions that required a build"),
		); err != nil {
			metricsErr = err
			return
		}

		if cacheBuilds, err = meter.Int64Counter(
			"rescache_builds_total",
			metric.WithDescription("Resource builds by kind and outcome"),
		); err != nil {
			metricsErr = err
			return
		}

		if cacheEvictions, err = meter.Int64Counter(
			"rescache_evictions_total",
			metric.WithDescription("Entries removed from the session map by reason"),
		); err != nil {
			metricsErr = err
			return
		}

		if cacheConflicts, err = meter.Int64Counter(
			"rescache_scope_conflicts_total",
			metric.WithDescription("Acquisitions rejected because the scope differed"),
		); err != nil {
			metricsErr = err
			return
		}

		if cacheReleaseErrors, err = meter.Int64Counter(
			"rescache_release_errors_total",
			metric.WithDescription("Failures closing an evicted resource"),
		); err != nil {
			metricsErr = err
			return
		}

		cacheBuildLatency, err = meter.Float64Histogram(
			"rescache_build_duration_seconds",
			metric.WithDescription("Duration of resource builds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func recordHit(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	cacheHits.Add(ctx, 1)
}

func recordMiss(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	cacheMisses.Add(ctx, 1)
}

// recordBuild records one build. kind is "session" or "ephemeral".
func recordBuild(ctx context.Context, kind string, d time.Duration, err error) {
	if initMetrics() != nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	cacheBuilds.Add(ctx, 1, attrs)
	cacheBuildLatency.Record(ctx, d.Seconds(), attrs)
}

// recordEviction records an eviction. reason is one of "explicit",
// "idle", "capacity", "rescope" or "shutdown".
func recordEviction(ctx context.Context, reason string) {
	if initMetrics() != nil {
		return
	}
	cacheEvictions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func recordConflict(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	cacheConflicts.Add(ctx, 1)
}

func recordReleaseError(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	cacheReleaseErrors.Add(ctx, 1)
}

// startSpan creates a span for a cache operation.
func startSpan(ctx context.Context, operation, sessionKey string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "ResourceCache."+operation,
		trace.WithAttributes(
			attribute.String("rescache.operation", operation),
			attribute.String("rescache.session_key", sessionKey),
		),
	)
}
