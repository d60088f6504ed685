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
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/companies"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/connectors"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/datatypes"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/middleware"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/observability"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/store"
)

// IntegrationDeps are the dependencies of the /integrations endpoints.
type IntegrationDeps struct {
	Store     *store.Store
	Registry  *connectors.Registry
	Importer  *connectors.Importer
	Directory *companies.Directory
	Metrics   *observability.Metrics
}

// masked returns a copy of in that is safe to send to clients.
func masked(in *store.Integration) *store.Integration {
	out := *in
	out.Credentials = connectors.MaskCredentials(in.Credentials)
	return &out
}

func CreateIntegration(d IntegrationDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "CreateIntegration")
		defer span.End()

		var req datatypes.CreateIntegrationRequest
		if err := bindJSON(c, &req); err != nil {
			respondError(c, span, err)
			return
		}
		vendor := strings.ToLower(strings.TrimSpace(req.Vendor))
		if !connectors.KnownVendor(vendor) {
			respondError(c, span, badRequest("unknown vendor %q, expected one of %s", req.Vendor, strings.Join(connectors.KnownVendors, ", ")))
			return
		}

		in := &store.Integration{
			UserID:      req.UserID,
			Vendor:      vendor,
			Name:        strings.TrimSpace(req.Name),
			URL:         req.URL,
			Credentials: req.Credentials,
			Description: req.Description,
		}
		if err := d.Store.CreateIntegration(ctx, in); err != nil {
			respondError(c, span, err)
			return
		}
		middleware.SetAuditResource(c, in.ID)
		c.JSON(http.StatusCreated, masked(in))
	}
}

func GetIntegration(d IntegrationDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "GetIntegration")
		defer span.End()

		id, err := pathID(c, "id")
		if err != nil {
			respondError(c, span, err)
			return
		}
		in, err := d.Store.GetIntegration(ctx, id)
		if err != nil {
			respondError(c, span, err)
			return
		}
		c.JSON(http.StatusOK, masked(in))
	}
}

func ListIntegrations(d IntegrationDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "ListIntegrations")
		defer span.End()

		userID, err := pathID(c, "user_id")
		if err != nil {
			respondError(c, span, err)
			return
		}
		list, err := d.Store.ListIntegrations(ctx, userID)
		if err != nil {
			respondError(c, span, err)
			return
		}
		out := make([]*store.Integration, 0, len(list))
		for _, in := range list {
			out = append(out, masked(in))
		}
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "integrations": out, "count": len(out)})
	}
}

// UpdateIntegration applies a partial update. Credential values that still
// carry the mask are ignored so a client may send back what it was given.
func UpdateIntegration(d IntegrationDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "UpdateIntegration")
		defer span.End()

		id, err := pathID(c, "id")
		if err != nil {
			respondError(c, span, err)
			return
		}
		var req datatypes.UpdateIntegrationRequest
		if err := bindJSON(c, &req); err != nil {
			respondError(c, span, err)
			return
		}
		in, err := d.Store.UpdateIntegration(ctx, id, store.IntegrationUpdate{
			Name:        req.Name,
			URL:         req.URL,
			Credentials: connectors.StripMasked(req.Credentials),
			Description: req.Description,
		})
		if err != nil {
			respondError(c, span, err)
			return
		}
		c.JSON(http.StatusOK, masked(in))
	}
}

func DeleteIntegration(d IntegrationDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "DeleteIntegration")
		defer span.End()

		id, err := pathID(c, "id")
		if err != nil {
			respondError(c, span, err)
			return
		}
		if err := d.Store.DeleteIntegration(ctx, id); err != nil {
			respondError(c, span, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "deleted": true})
	}
}

func DisconnectIntegration(d IntegrationDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "DisconnectIntegration")
		defer span.End()

		id, err := pathID(c, "id")
		if err != nil {
			respondError(c, span, err)
			return
		}
		in, err := d.Store.SetIntegrationStatus(ctx, id, store.StatusDisconnected, false)
		if err != nil {
			respondError(c, span, err)
			return
		}
		c.JSON(http.StatusOK, masked(in))
	}
}

// TestIntegration opens the connector and checks that it reaches the
// source. The outcome is stored as the integration status; a failed test
// is still a 200 with success false.
func TestIntegration(d IntegrationDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "TestIntegration")
		defer span.End()

		id, err := pathID(c, "id")
		if err != nil {
			respondError(c, span, err)
			return
		}
		in, err := d.Store.GetIntegration(ctx, id)
		if err != nil {
			respondError(c, span, err)
			return
		}
		conn, err := d.Registry.Open(ctx, in)
		if err != nil {
			respondError(c, span, err)
			return
		}
		defer closeConnector(conn, id)

		status, message := store.StatusActive, "Connection successful"
		if testErr := conn.TestConnection(ctx); testErr != nil {
			status, message = store.StatusError, testErr.Error()
			slog.Warn("Integration test failed", "integration_id", id, "vendor", in.Vendor, "error", testErr)
		}
		if _, err := d.Store.SetIntegrationStatus(ctx, id, status, false); err != nil {
			respondError(c, span, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"integration_id": id,
			"success":        status == store.StatusActive,
			"status":         status,
			"message":        message,
		})
	}
}

// BrowseIntegration lists remote files together with the tickers the
// caller may tag an import with.
func BrowseIntegration(d IntegrationDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "BrowseIntegration")
		defer span.End()

		var req datatypes.BrowseRequest
		if err := bindJSON(c, &req); err != nil {
			respondError(c, span, err)
			return
		}
		in, err := d.Store.GetIntegration(ctx, req.IntegrationID)
		if err != nil {
			respondError(c, span, err)
			return
		}
		conn, err := d.Registry.Open(ctx, in)
		if err != nil {
			respondError(c, span, err)
			return
		}
		defer closeConnector(conn, in.ID)

		files, err := conn.ListFiles(ctx, req.Path, req.SearchQuery)
		if err != nil {
			respondError(c, span, err)
			return
		}
		if files == nil {
			files = []connectors.RemoteFile{}
		}

		userID := req.UserID
		if userID == "" {
			userID = in.UserID
		}
		tickers, err := d.availableTickers(ctx, req.PortfolioID, userID)
		if err != nil {
			respondError(c, span, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.BrowseResponse{
			IntegrationID:    in.ID,
			Path:             req.Path,
			Files:            files,
			AvailableTickers: tickers,
		})
	}
}

func (d IntegrationDeps) availableTickers(ctx context.Context, portfolioID, userID string) ([]string, error) {
	if portfolioID != "" {
		p, err := d.Store.GetPortfolio(ctx, portfolioID)
		if err != nil {
			return nil, err
		}
		return d.Directory.Tickers(p.CompanyNames), nil
	}
	list, err := d.Store.ListPortfolios(ctx, userID)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, p := range list {
		names = append(names, p.CompanyNames...)
	}
	tickers := d.Directory.Tickers(names)
	slices.Sort(tickers)
	return tickers, nil
}

// ImportFromIntegration downloads the requested files and ingests the
// text ones under the given ticker.
func ImportFromIntegration(d IntegrationDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "ImportFromIntegration")
		defer span.End()

		var req datatypes.ImportRequest
		if err := bindJSON(c, &req); err != nil {
			respondError(c, span, err)
			return
		}
		middleware.SetAuditResource(c, req.IntegrationID)
		span.SetAttributes(
			attribute.String("integration_id", req.IntegrationID),
			attribute.Int("import.files", len(req.FilePaths)),
		)

		in, err := d.Store.GetIntegration(ctx, req.IntegrationID)
		if err != nil {
			respondError(c, span, err)
			return
		}
		conn, err := d.Registry.Open(ctx, in)
		if err != nil {
			respondError(c, span, err)
			return
		}
		defer closeConnector(conn, in.ID)

		summary, err := d.Importer.Import(ctx, conn, req.FilePaths, req.Ticker)
		if err != nil {
			respondError(c, span, err)
			return
		}
		for _, f := range summary.Files {
			d.Metrics.RecordImport(f.Status)
		}
		if summary.Imported > 0 {
			if _, err := d.Store.SetIntegrationStatus(ctx, in.ID, store.StatusActive, true); err != nil {
				slog.Warn("Failed to record integration sync", "integration_id", in.ID, "error", err)
			}
		}
		c.JSON(http.StatusOK, summary)
	}
}

func closeConnector(conn connectors.Connector, id string) {
	if err := conn.Close(); err != nil {
		slog.Warn("Failed to close connector", "integration_id", id, "error", err)
	}
}
