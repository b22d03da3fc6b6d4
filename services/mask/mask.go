// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mask replaces personal data in query results before any row
// reaches a language model or a client.
//
// Within one result set every distinct value of the first flagged
// column maps to a stable "Person #N" label, so repeated rows for the
// same person keep their grouping and the response model can still
// count and compare. Remaining flagged cells blank out entirely. The
// column list never changes shape.
//
// Flagged columns match by exact result column name against the
// descriptor's PII set, the same names the synthesizer is instructed
// to select verbatim.
package mask

import (
	"fmt"

	"github.com/AleutianAI/AleutianQuery/services/dbexec"
	"github.com/AleutianAI/AleutianQuery/services/schema"
)

// Apply returns a masked copy of rs. The input is never modified, so
// a caller holding raw rows can drop them without wondering what else
// shares the backing arrays. Labels are scoped to this call: the next
// execution starts again at Person #1.
func Apply(rs *dbexec.ResultSet, desc *schema.Descriptor) *dbexec.ResultSet {
	masked := &dbexec.ResultSet{
		Columns: append([]string(nil), rs.Columns...),
		Rows:    make([][]any, len(rs.Rows)),
	}

	flagged := flaggedIndexes(rs.Columns, desc.AllPIIColumns())
	if len(flagged) == 0 {
		for i, row := range rs.Rows {
			masked.Rows[i] = append([]any(nil), row...)
		}
		return masked
	}

	// The first flagged column in column order carries the label, the
	// rest blank out.
	primary := flagged[0]
	labelFor := make(map[string]string)

	for i, row := range rs.Rows {
		out := append([]any(nil), row...)
		if primary < len(out) {
			key := fmt.Sprintf("%v", out[primary])
			label, ok := labelFor[key]
			if !ok {
				label = fmt.Sprintf("Person #%d", len(labelFor)+1)
				labelFor[key] = label
			}
			out[primary] = label
		}
		for _, idx := range flagged[1:] {
			if idx < len(out) {
				out[idx] = ""
			}
		}
		masked.Rows[i] = out
	}
	return masked
}

// flaggedIndexes returns the positions of PII columns in column
// order.
func flaggedIndexes(columns []string, pii []string) []int {
	flagged := make(map[string]bool, len(pii))
	for _, name := range pii {
		flagged[name] = true
	}

	var idx []int
	for i, col := range columns {
		if flagged[col] {
			idx = append(idx, i)
		}
	}
	return idx
}
