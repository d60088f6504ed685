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

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/connectors"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/datatypes"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/middleware"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/retrieval"
)

// CreateDocument ingests raw text under a ticker.
func CreateDocument(ingester connectors.DocumentIngester) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "CreateDocument")
		defer span.End()

		var req datatypes.IngestDocumentRequest
		if err := bindJSON(c, &req); err != nil {
			respondError(c, span, err)
			return
		}
		middleware.SetAuditResource(c, req.Source)

		res, err := ingester.Ingest(ctx, retrieval.IngestRequest{
			Content: req.Content,
			Source:  req.Source,
			Ticker:  req.Ticker,
		})
		if err != nil {
			respondError(c, span, err)
			return
		}
		span.SetAttributes(attribute.Int("ingest.chunks", res.Chunks))

		status := http.StatusCreated
		if res.Failed > 0 {
			status = http.StatusMultiStatus
		}
		c.JSON(status, res)
	}
}
