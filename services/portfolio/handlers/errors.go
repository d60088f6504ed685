// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP handlers of the portfolio service.
//
// Handlers are factories returning gin.HandlerFunc closures over their
// dependencies. Domain errors are mapped to status codes in one place,
// respondError, so every endpoint reports cache, store and upstream
// failures the same way.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianPortfolio/pkg/validation"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/connectors"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/datatypes"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/executor"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/quant"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/rescache"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/retrieval"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/store"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/telemetry"
)

var tracer = otel.Tracer("aleutian.portfolio.handlers")

// msgSessionNotFound is returned for unknown or uninitialized threads.
const msgSessionNotFound = "Session not found. Please create a portfolio session first."

// errBadRequest marks client errors detected before any domain call.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// bindJSON decodes the body into v and validates it.
func bindJSON(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	if err := datatypes.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// pathID returns a validated path parameter.
func pathID(c *gin.Context, name string) (string, error) {
	v := c.Param(name)
	if err := validation.ValidateID(v); err != nil {
		return "", badRequest("%s: %v", name, err)
	}
	return v, nil
}

// statusFor maps an error to an HTTP status and a client message.
func statusFor(err error) (int, string) {
	var conflict *rescache.ScopeConflictError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, executor.ErrEmptyQuery),
		errors.Is(err, store.ErrEmptyPortfolio),
		errors.Is(err, rescache.ErrEmptyFilterKeys),
		errors.Is(err, retrieval.ErrEmptyDocument),
		errors.Is(err, connectors.ErrUnsupportedVendor),
		errors.Is(err, connectors.ErrMissingCredential):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, rescache.ErrSessionNotInitialized):
		return http.StatusNotFound, msgSessionNotFound
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.As(err, &conflict):
		return http.StatusConflict, conflict.Error()
	case errors.Is(err, store.ErrSessionExists):
		return http.StatusConflict, err.Error()
	case errors.Is(err, connectors.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, quant.ErrRateLimited):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, rescache.ErrBuildTimeout):
		return http.StatusGatewayTimeout, "building the portfolio index timed out"
	case errors.Is(err, rescache.ErrBuildFailure):
		return http.StatusBadGateway, err.Error()
	case errors.Is(err, quant.ErrUnavailable),
		errors.Is(err, retrieval.ErrUnavailable),
		errors.Is(err, retrieval.ErrCircuitOpen),
		errors.Is(err, rescache.ErrManagerClosed):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	}
	return http.StatusInternalServerError, "internal error"
}

// respondError records err on span and writes the mapped response.
func respondError(c *gin.Context, span trace.Span, err error) {
	status, msg := statusFor(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	logger := telemetry.LoggerWithTrace(trace.ContextWithSpan(c.Request.Context(), span), slog.Default())
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", "route", c.FullPath(), "status", status, "error", err)
	} else {
		logger.Warn("Request rejected", "route", c.FullPath(), "status", status, "error", err)
	}
	c.JSON(status, gin.H{"error": msg})
}
