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

import (
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/AleutianQuery/services/dbexec"
)

// respondDataLimit caps the JSON handed to the responder prompt. The
// cut is byte-positional; the responder reads it as context, nothing
// parses it back.
const respondDataLimit = 1000

// sampleRowCount is how many rows the delegated-analysis summary shows.
const sampleRowCount = 2

// noDataMessage is returned without a responder call when a query
// succeeds but matches nothing.
const noDataMessage = "No data found for your question. Please try a different query."

// failureMessage builds the terminal error text shown to the caller.
// It names the last raw error but not the attempt count; retries and
// the fallback switch are invisible to the caller.
func failureMessage(t *Turn) string {
	return fmt.Sprintf(
		"I could not answer your question: automated correction was attempted and exhausted.\nLast error: %s\nPlease try rephrasing your question.",
		t.LastError)
}

// rowObjects converts the first n rows to the column-keyed objects the
// responder prompt and the delegated-analysis summary both use.
func rowObjects(rs *dbexec.ResultSet, n int) []map[string]any {
	if n > len(rs.Rows) {
		n = len(rs.Rows)
	}
	objs := make([]map[string]any, 0, n)
	for _, row := range rs.Rows[:n] {
		obj := make(map[string]any, len(rs.Columns))
		for i, col := range rs.Columns {
			if i < len(row) {
				obj[col] = row[i]
			}
		}
		objs = append(objs, obj)
	}
	return objs
}

// rowsJSON renders the full result set as an array of objects,
// truncated to the prompt budget.
func rowsJSON(rs *dbexec.ResultSet) string {
	s := marshalLenient(rowObjects(rs, len(rs.Rows)))
	if len(s) > respondDataLimit {
		s = s[:respondDataLimit]
	}
	return s
}

type resultSummary struct {
	RowCount   int              `json:"row_count"`
	Columns    []string         `json:"columns"`
	SampleRows []map[string]any `json:"sample_rows"`
}

// summaryJSON renders the delegated-analysis view of a result set:
// the row count, the column list, and a couple of sample rows. The
// responder answers from the count and columns; the analysis runtime
// gets the full rows separately.
func summaryJSON(rs *dbexec.ResultSet) string {
	return marshalLenient(resultSummary{
		RowCount:   len(rs.Rows),
		Columns:    rs.Columns,
		SampleRows: rowObjects(rs, sampleRowCount),
	})
}

// marshalLenient marshals v, stringifying row values and retrying if
// the encoder rejects them. Drivers can hand back values encoding/json
// refuses, such as infinite floats.
func marshalLenient(v any) string {
	b, err := json.Marshal(v)
	if err == nil {
		return string(b)
	}
	switch vv := v.(type) {
	case []map[string]any:
		stringifyValues(vv)
	case resultSummary:
		stringifyValues(vv.SampleRows)
	}
	b, err = json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func stringifyValues(objs []map[string]any) {
	for _, obj := range objs {
		for k, val := range obj {
			obj[k] = fmt.Sprintf("%v", val)
		}
	}
}
