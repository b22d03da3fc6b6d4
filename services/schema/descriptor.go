// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package schema owns the read-only description of the user's database that
// every other pipeline stage consults: the validator checks table names
// against it, the synthesizer prompt embeds its rendered form, and the
// masker reads its PII column flags.
//
// A Descriptor is loaded once and shared across concurrent turns. It is
// never mutated in place; an explicit Reload builds a fresh snapshot and
// swaps it in, so in-flight turns keep the snapshot they started with.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrSchemaNotLoaded is returned when a provider is asked for a descriptor
// before one has been successfully loaded.
var ErrSchemaNotLoaded = errors.New("schema descriptor not loaded")

// ErrNoTables is returned when a loaded descriptor describes zero tables,
// which would make every generated query fail validation.
var ErrNoTables = errors.New("schema descriptor has no tables")

// Column is one column of a user table.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ForeignKey records one outbound reference from a table column.
type ForeignKey struct {
	Column    string `json:"col"`
	RefTable  string `json:"ref_table"`
	RefColumn string `json:"ref_col"`
}

// Table describes one user table: its key structure and columns in
// ordinal position order.
type Table struct {
	PrimaryKey  string       `json:"pk"`
	ForeignKeys []ForeignKey `json:"fks"`
	Columns     []Column     `json:"columns"`
}

// Descriptor is a point-in-time snapshot of the queryable schema.
//
// The JSON shape matches the schema_info.json artifact written by
// `cadet schema generate`: a tables map, the pre-rendered prompt text the
// synthesizer consumes, and the PII column flags added by
// `cadet schema discover-pii`.
//
// Thread Safety:
//
//	A Descriptor is immutable after construction and safe for concurrent
//	reads. Never mutate a Descriptor obtained from a Provider.
type Descriptor struct {
	Tables     map[string]Table    `json:"tables"`
	LLMPrompt  string              `json:"llm_prompt"`
	PIIColumns map[string][]string `json:"pii_columns,omitempty"`
}

// TableNames returns the schema's table names in sorted order.
func (d *Descriptor) TableNames() []string {
	names := make([]string, 0, len(d.Tables))
	for name := range d.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasTable reports whether name is a physical table in this snapshot.
// The comparison is exact; callers fold identifier case the way the data
// store does before asking.
func (d *Descriptor) HasTable(name string) bool {
	_, ok := d.Tables[name]
	return ok
}

// AllPIIColumns flattens the per-table PII flags into one sorted, deduped
// column name list. Matching is table-agnostic: a result column named like
// any flagged column is masked no matter which table it was selected from,
// since aliases and joins hide the originating table.
func (d *Descriptor) AllPIIColumns() []string {
	seen := make(map[string]struct{})
	for _, cols := range d.PIIColumns {
		for _, col := range cols {
			seen[col] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Prompt returns the schema text to embed in synthesis prompts, rendering
// it from the table map when the stored text is empty.
func (d *Descriptor) Prompt() string {
	if d.LLMPrompt != "" {
		return d.LLMPrompt
	}
	return d.RenderPrompt()
}

// RenderPrompt renders the numbered table description the synthesizer
// consumes. Tables are emitted in sorted name order so the numbering is
// stable across runs.
//
// The format is load-bearing: the synthesizer is prompted to copy table
// and column names exactly as quoted here.
//
//	1. Table "customers"
//	   - Primary Key: "id"
//	   - Foreign Keys:
//	     - "countryID" -> "countries"("id")
//	   - Columns:
//	     - "id" (integer)
//	     - "customerName" (text)
func (d *Descriptor) RenderPrompt() string {
	var lines []string

	for idx, name := range d.TableNames() {
		table := d.Tables[name]
		lines = append(lines, fmt.Sprintf("%d. Table %q", idx+1, name))

		if table.PrimaryKey != "" {
			lines = append(lines, fmt.Sprintf("   - Primary Key: %q", table.PrimaryKey))
		}

		if len(table.ForeignKeys) > 0 {
			lines = append(lines, "   - Foreign Keys:")
			for _, fk := range table.ForeignKeys {
				lines = append(lines, fmt.Sprintf("     - %q -> %q(%q)", fk.Column, fk.RefTable, fk.RefColumn))
			}
		}

		if len(table.Columns) > 0 {
			lines = append(lines, "   - Columns:")
			for _, col := range table.Columns {
				lines = append(lines, fmt.Sprintf("     - %q (%s)", col.Name, col.Type))
			}
		}

		lines = append(lines, "")
	}

	return strings.Join(lines, "\n")
}

// EnsureValid rejects descriptors no pipeline stage could work with.
func (d *Descriptor) EnsureValid() error {
	if len(d.Tables) == 0 {
		return ErrNoTables
	}
	for name, table := range d.Tables {
		if name == "" {
			return errors.New("schema descriptor has a table with an empty name")
		}
		for _, col := range table.Columns {
			if col.Name == "" {
				return fmt.Errorf("table %q has a column with an empty name", name)
			}
		}
	}
	return nil
}
