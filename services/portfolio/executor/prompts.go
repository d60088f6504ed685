// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/retrieval"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/store"
)

const (
	// maxDocumentChars truncates each chunk placed in a prompt.
	maxDocumentChars = 1500

	// summaryPreviewChars truncates each message in a summary prompt.
	summaryPreviewChars = 200
)

// ComparisonQuery is the question asked for every company comparison.
func ComparisonQuery(companies []string) string {
	return fmt.Sprintf(`Compare %s 2024:
- Financial performance (revenue, earnings growth, net income/loss, operating margin)
- Investment & costs (Research and Development (R&D) expenses)
- Financial position (total assets, total debts)
- Business fundamentals (profit drivers, risk factors)`, strings.Join(companies, " vs "))
}

func answerPrompt(query string, scope []string, docs []retrieval.Document) string {
	var sb strings.Builder
	sb.WriteString("Answer the question using only the financial documents below.\n")
	if len(scope) > 0 {
		fmt.Fprintf(&sb, "The portfolio covers: %s.\n", strings.Join(scope, ", "))
	}
	sb.WriteString("If the documents do not contain the answer, say so plainly.\n\n")
	writeDocuments(&sb, docs)
	fmt.Fprintf(&sb, "Question: %s\nAnswer:", query)
	return sb.String()
}

func comparisonPrompt(query string, companies []string, byCompany map[string][]retrieval.Document) string {
	var sb strings.Builder
	sb.WriteString("You are comparing companies using excerpts from their financial reports.\n")
	sb.WriteString("Cover every company in every section. Quote figures with their units and period.\n\n")
	for _, c := range companies {
		fmt.Fprintf(&sb, "=== %s ===\n", c)
		docs := byCompany[c]
		if len(docs) == 0 {
			sb.WriteString("(no documents found)\n\n")
			continue
		}
		writeDocuments(&sb, docs)
	}
	fmt.Fprintf(&sb, "%s\n\nAnswer:", query)
	return sb.String()
}

func summaryPrompt(messages []store.ChatMessage) string {
	var sb strings.Builder
	sb.WriteString("Summarize this conversation between a user and a financial assistant in three to five sentences. ")
	sb.WriteString("Name the companies and metrics that were discussed.\n\n")
	for _, m := range messages {
		role := "Assistant"
		if m.Role == store.RoleUser {
			role = "Human"
		}
		fmt.Fprintf(&sb, "%s: %s\n\n", role, truncate(m.Content, summaryPreviewChars))
	}
	sb.WriteString("Summary:")
	return sb.String()
}

func writeDocuments(sb *strings.Builder, docs []retrieval.Document) {
	for i, d := range docs {
		label := d.ParentSource
		if label == "" {
			label = d.Source
		}
		fmt.Fprintf(sb, "[%d] %s (%s)\n%s\n\n", i+1, label, d.Ticker, truncate(d.Content, maxDocumentChars))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
