// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability holds the Prometheus metrics of the portfolio
// service. Resource cache internals are metered through OpenTelemetry in
// package rescache and bridged onto the same registry by the otel
// Prometheus exporter.
package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/rescache"
)

const metricsNamespace = "aleutian"

const portfolioSubsystem = "portfolio"

// Metrics is the set of service metrics.
type Metrics struct {
	// RequestsTotal counts HTTP requests by route, method and status code.
	RequestsTotal *prometheus.CounterVec

	// RequestDurationSeconds observes HTTP latency by route and method.
	RequestDurationSeconds *prometheus.HistogramVec

	// CacheEntries is the number of sessions in the resource cache.
	CacheEntries prometheus.Gauge

	// CacheInUse is the number of cached sessions with open leases.
	CacheInUse prometheus.Gauge

	// SweeperEvictionsTotal counts sessions evicted by the idle sweeper.
	SweeperEvictionsTotal prometheus.Counter

	// SemanticCacheTotal counts answer cache lookups by result.
	SemanticCacheTotal *prometheus.CounterVec

	// LLMErrorsTotal counts failed generations by operation.
	LLMErrorsTotal *prometheus.CounterVec

	// ImportedFilesTotal counts integration imports by status.
	ImportedFilesTotal *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// Default returns the metrics registered on the default registry. It is
// created once.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetrics registers the metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: portfolioSubsystem,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),

		RequestDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: portfolioSubsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"route", "method"},
		),

		CacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: portfolioSubsystem,
			Name:      "cache_entries",
			Help:      "Sessions currently held by the resource cache",
		}),

		CacheInUse: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: portfolioSubsystem,
			Name:      "cache_entries_in_use",
			Help:      "Cached sessions with at least one open lease",
		}),

		SweeperEvictionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: portfolioSubsystem,
			Name:      "sweeper_evictions_total",
			Help:      "Sessions evicted by the idle sweeper",
		}),

		SemanticCacheTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: portfolioSubsystem,
				Name:      "answer_cache_lookups_total",
				Help:      "Semantic answer cache lookups by result",
			},
			[]string{"result"},
		),

		LLMErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: portfolioSubsystem,
				Name:      "llm_errors_total",
				Help:      "Failed LLM generations by operation",
			},
			[]string{"operation"},
		),

		ImportedFilesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: portfolioSubsystem,
				Name:      "integration_files_total",
				Help:      "Files processed by integration imports by status",
			},
			[]string{"status"},
		),
	}
}

// Middleware records request count and latency. Requests that match no
// route are labelled "unmatched" to bound cardinality.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		m.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(c.Writer.Status())).Inc()
		m.RequestDurationSeconds.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
	}
}

// ObserveCache copies the cache gauges from stats.
func (m *Metrics) ObserveCache(stats rescache.Stats) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(stats.Entries))
	m.CacheInUse.Set(float64(stats.InUse))
}

// ObserveSweep is a rescache.Sweeper callback.
func (m *Metrics) ObserveSweep(r rescache.SweepResult) {
	if m == nil {
		return
	}
	m.SweeperEvictionsTotal.Add(float64(r.Evicted))
	m.CacheEntries.Set(float64(r.Remaining))
}

// RecordAnswerCache records a semantic cache lookup. The recorders are
// no-ops on a nil *Metrics.
func (m *Metrics) RecordAnswerCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.SemanticCacheTotal.WithLabelValues(result).Inc()
}

// RecordLLMError records a failed generation. operation is "ask",
// "compare" or "summary".
func (m *Metrics) RecordLLMError(operation string) {
	if m == nil {
		return
	}
	m.LLMErrorsTotal.WithLabelValues(operation).Inc()
}

// RecordImport records one imported file.
func (m *Metrics) RecordImport(status string) {
	if m == nil {
		return
	}
	m.ImportedFilesTotal.WithLabelValues(status).Inc()
}
