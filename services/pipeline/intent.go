// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import "strings"

// parseIntent reads the classifier's one-word reply.
//
// Markdown decoration is stripped before matching since small models
// like to bold or quote the word. A reply that is neither word reports
// ok false and defaults to general, so a garbage classification never
// starts the SQL machine.
func parseIntent(reply string) (intent Intent, ok bool) {
	cleaned := strings.ToLower(strings.TrimSpace(reply))
	for _, decoration := range []string{"*", "`", "'", `"`} {
		cleaned = strings.ReplaceAll(cleaned, decoration, "")
	}
	switch strings.TrimSpace(cleaned) {
	case "sql":
		return IntentSQL, true
	case "general":
		return IntentGeneral, true
	default:
		return IntentGeneral, false
	}
}

// analysisKeywords flag statistics the data store should not compute.
// A match delegates the numeric work to the downstream analysis runtime
// and restricts synthesis to a minimal projection query.
var analysisKeywords = []string{
	"correlation",
	"statistical analysis",
	"standard deviation",
	"variance",
	"distribution",
	"skewness",
	"kurtosis",
	"outlier",
	"percentile",
	"quartile",
	"time series",
}

// NeedsAnalysis reports whether the question asks for statistics beyond
// what plain SQL aggregation should attempt.
func NeedsAnalysis(question string) bool {
	q := strings.ToLower(question)
	for _, keyword := range analysisKeywords {
		if strings.Contains(q, keyword) {
			return true
		}
	}
	return false
}
