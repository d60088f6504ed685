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
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// parseGraphQL converts Weaviate's dynamic GraphQL payload into T. GraphQL
// level errors are returned as an error.
func parseGraphQL[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 && resp.Errors[0] != nil {
		return nil, fmt.Errorf("graphql: %s", resp.Errors[0].Message)
	}
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal GraphQL response data: %w", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal GraphQL response data: %w", err)
	}
	return &out, nil
}

type documentResponse struct {
	Get struct {
		FinancialDocument []documentResult `json:"FinancialDocument"`
	} `json:"Get"`
}

type documentResult struct {
	Content      string `json:"content"`
	Source       string `json:"source"`
	ParentSource string `json:"parent_source"`
	Company      string `json:"company"`
	Ticker       string `json:"ticker"`
	Additional   struct {
		Distance *float32 `json:"distance"`
	} `json:"_additional"`
}

func (r documentResult) document() Document {
	d := Document{
		Content:      r.Content,
		Source:       r.Source,
		ParentSource: r.ParentSource,
		Company:      r.Company,
		Ticker:       r.Ticker,
	}
	if r.Additional.Distance != nil {
		d.Distance = *r.Additional.Distance
	}
	return d
}

type countResponse struct {
	Aggregate struct {
		FinancialDocument []struct {
			Meta struct {
				Count int `json:"count"`
			} `json:"meta"`
		} `json:"FinancialDocument"`
	} `json:"Aggregate"`
}

type cacheResponse struct {
	Get struct {
		AnswerCache []struct {
			CacheKey   string `json:"cache_key"`
			Answer     string `json:"answer"`
			Additional struct {
				Certainty *float32 `json:"certainty"`
			} `json:"_additional"`
		} `json:"AnswerCache"`
	} `json:"Get"`
}
