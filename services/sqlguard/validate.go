// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sqlguard runs the static safety checks every generated
// query must pass before it reaches the data store.
//
// Four checks run in order: a forbidden keyword scan, a single
// statement check, a comment check, and a table reference check
// against the loaded schema descriptor. The first failure wins. The
// failure message text is a contract: the feedback classifier routes
// on it, so changes here need a matching change there.
package sqlguard

import (
	"regexp"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianQuery/services/feedback"
	"github.com/AleutianAI/AleutianQuery/services/schema"
)

// unsafeKeywordPattern matches mutating and DDL keywords as whole
// tokens, so "created_at" or a table named "updates" never trips it.
// It runs on the raw text: a forbidden word inside a string literal
// still rejects, which errs toward refusing odd queries.
var unsafeKeywordPattern = regexp.MustCompile(
	`(?i)\b(drop|delete|update|insert|alter|truncate|create|grant|revoke|execute|exec)\b`)

// Verdict is the outcome of validating one candidate query.
type Verdict struct {
	// OK is true when every check passed.
	OK bool

	// Category names the failed check. Zero when OK.
	Category feedback.Category

	// Message is the classifier-facing failure text. Zero when OK.
	Message string

	// Tables holds the offending names of an unknown table failure,
	// sorted.
	Tables []string
}

// Validate runs the static checks against one candidate query.
// Checks on keywords, statement count, and comments look at the raw
// text; the table check runs on the token stream. A query with no
// FROM clause, such as SELECT 1, passes the table check vacuously.
func Validate(query string, desc *schema.Descriptor) Verdict {
	if m := unsafeKeywordPattern.FindStringSubmatch(query); m != nil {
		return Verdict{
			Category: feedback.CategoryUnsafeKeyword,
			Message:  "Forbidden SQL keyword: " + strings.ToUpper(m[1]),
		}
	}

	// One trailing terminator is tolerated, anything beyond it means
	// a second statement.
	body := strings.TrimSuffix(strings.TrimSpace(query), ";")
	if strings.Contains(body, ";") {
		return Verdict{
			Category: feedback.CategoryMultipleStatements,
			Message:  "Multiple SQL statements not allowed",
		}
	}

	if strings.Contains(query, "--") || strings.Contains(query, "/*") {
		return Verdict{
			Category: feedback.CategoryCommentPresent,
			Message:  "SQL comments not allowed",
		}
	}

	if unknown := unknownTables(query, desc); len(unknown) > 0 {
		return Verdict{
			Category: feedback.CategoryUnknownTable,
			Message:  "Unknown tables in query: " + feedback.FormatNameSet(unknown),
			Tables:   unknown,
		}
	}

	return Verdict{OK: true}
}

// unknownTables lists every source candidate the descriptor does not
// know, sorted.
func unknownTables(query string, desc *schema.Descriptor) []string {
	refs := sourceTables(Scan(query))

	var unknown []string
	for name := range refs {
		if !desc.HasTable(name) {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	return unknown
}
