// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dbexec

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/AleutianAI/AleutianQuery/services/feedback"
)

// conditionNames maps the SQLSTATE codes this pipeline handles to
// their PostgreSQL condition names. The name prefixes the ExecError
// text, and the feedback classifier routes on that text.
// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
var conditionNames = map[string]string{
	"42601": "syntax_error",
	"42702": "ambiguous_column",
	"42703": "undefined_column",
	"42P01": "undefined_table",
	"22007": "invalid_datetime_format",
	"22008": "datetime_field_overflow",
	"22012": "division_by_zero",
}

// ExecError is a classified data store failure.
type ExecError struct {
	// Category is the taxonomy hint derived from the SQLSTATE code.
	// The feedback classifier makes the final call from the text.
	Category feedback.Category

	// Code is the five character SQLSTATE.
	Code string

	// Message is the server's error message.
	Message string
}

// Error renders as "<condition_name>: <message>" for known codes so
// downstream text routing can see what the server objected to.
func (e *ExecError) Error() string {
	if name, ok := conditionNames[e.Code]; ok {
		return name + ": " + e.Message
	}
	if e.Code != "" {
		return "sqlstate " + e.Code + ": " + e.Message
	}
	return e.Message
}

// categorize maps a SQLSTATE code onto the failure taxonomy. Codes
// with no retry-specific hint fall through to the generic category.
func categorize(code string) feedback.Category {
	switch code {
	case "42703": // undefined_column
		return feedback.CategoryColumnNotFound
	case "22012": // division_by_zero
		return feedback.CategoryDivisionByZero
	case "22007", "22008": // invalid_datetime_format, datetime_field_overflow
		return feedback.CategoryDateTimeFormat
	default:
		return feedback.CategoryGenericSyntax
	}
}

// classify converts a server error into an ExecError and leaves
// anything else, such as a cancelled context or a broken connection,
// untouched for the caller to wrap.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &ExecError{
			Category: categorize(pgErr.Code),
			Code:     pgErr.Code,
			Message:  pgErr.Message,
		}
	}
	return err
}
