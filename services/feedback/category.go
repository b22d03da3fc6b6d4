// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package feedback classifies failed query attempts and renders the
// correction hint that is appended to the next synthesis prompt.
//
// The package owns the closed error taxonomy shared by the static validator
// and the execution adapter. Classification is pure string matching on the
// failure message, so the same routing applies whether the failure was
// raised before the query reached the data store or by the data store
// itself.
package feedback

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Category identifies one failure class in the correction taxonomy.
//
// The set is closed. Static categories are raised by the query validator
// before execution; runtime categories are raised by the execution adapter
// when the data store rejects a query that passed validation.
type Category string

const (
	// CategoryUnsafeKeyword flags a mutating or DDL keyword in the query.
	CategoryUnsafeKeyword Category = "UNSAFE_KEYWORD"

	// CategoryMultipleStatements flags more than one statement per request.
	CategoryMultipleStatements Category = "MULTIPLE_STATEMENTS"

	// CategoryCommentPresent flags line or block comment syntax.
	CategoryCommentPresent Category = "COMMENT_PRESENT"

	// CategoryUnknownTable flags a referenced table missing from the schema.
	CategoryUnknownTable Category = "UNKNOWN_TABLE"

	// CategoryColumnNotFound flags a column the data store does not know.
	CategoryColumnNotFound Category = "COLUMN_NOT_FOUND"

	// CategoryDivisionByZero flags an unguarded division over a zero value.
	CategoryDivisionByZero Category = "DIVISION_BY_ZERO"

	// CategoryDateTimeFormat flags a failed timestamp parse or format string.
	CategoryDateTimeFormat Category = "DATETIME_FORMAT"

	// CategoryAmbiguousAlias flags a select-list alias referenced in the
	// same selection level that defines it.
	CategoryAmbiguousAlias Category = "AMBIGUOUS_ALIAS"

	// CategoryGenericSyntax is the catch-all for unrecognized failures.
	CategoryGenericSyntax Category = "GENERIC_SYNTAX"
)

// Origin tells which pipeline stage raised a failure category.
type Origin string

const (
	// OriginStatic failures come from the validator and never reach the
	// data store.
	OriginStatic Origin = "static"

	// OriginRuntime failures come from the execution adapter after the
	// query passed validation.
	OriginRuntime Origin = "runtime"
)

// String returns the category as a string (e.g., "UNKNOWN_TABLE").
func (c Category) String() string {
	return string(c)
}

// String returns the origin as a string (e.g., "static").
func (o Origin) String() string {
	return string(o)
}

// Origin reports which stage raises this category.
func (c Category) Origin() Origin {
	switch c {
	case CategoryUnsafeKeyword, CategoryMultipleStatements, CategoryCommentPresent, CategoryUnknownTable:
		return OriginStatic
	default:
		return OriginRuntime
	}
}

// AllCategories returns every valid category.
//
// Outputs:
//
//	[]Category - Slice containing all 9 failure categories
func AllCategories() []Category {
	return []Category{
		CategoryUnsafeKeyword,
		CategoryMultipleStatements,
		CategoryCommentPresent,
		CategoryUnknownTable,
		CategoryColumnNotFound,
		CategoryDivisionByZero,
		CategoryDateTimeFormat,
		CategoryAmbiguousAlias,
		CategoryGenericSyntax,
	}
}

// UnmarshalYAML validates the category against the closed set while the
// embedded hint file is being loaded.
func (c *Category) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	incoming := Category(s)
	for _, known := range AllCategories() {
		if incoming == known {
			*c = incoming
			return nil
		}
	}
	return fmt.Errorf("invalid value for Category: %q", incoming)
}
