// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schema

import (
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianQuery/pkg/logging"
	"github.com/jackc/pgx/v5/pgxpool"
)

const tablesQuery = `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = 'public'
  AND table_type = 'BASE TABLE';`

const columnsQuery = `
SELECT column_name, data_type
FROM information_schema.columns
WHERE table_schema = 'public'
  AND table_name = $1
ORDER BY ordinal_position;`

const primaryKeysQuery = `
SELECT tc.table_name, kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name
WHERE tc.constraint_type = 'PRIMARY KEY'
  AND tc.table_schema = 'public';`

// foreignKeysQuery joins key_column_usage twice, on the referencing and the
// referenced side, matched by ordinal position so composite keys pair up.
const foreignKeysQuery = `
SELECT DISTINCT
    kcu.table_name,
    kcu.column_name,
    ccu.table_name AS ref_table,
    ccu.column_name AS ref_col
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name
  AND tc.table_schema = kcu.table_schema
JOIN information_schema.referential_constraints rc
  ON tc.constraint_name = rc.constraint_name
  AND tc.table_schema = rc.constraint_schema
JOIN information_schema.key_column_usage ccu
  ON rc.unique_constraint_name = ccu.constraint_name
  AND rc.unique_constraint_schema = ccu.table_schema
  AND kcu.ordinal_position = ccu.ordinal_position
WHERE tc.constraint_type = 'FOREIGN KEY'
  AND tc.table_schema = 'public';`

// Introspector builds a Descriptor from a live database by reading the
// information_schema views. Used by `cadet schema generate`; the serving
// path reads the generated artifact through a FileProvider instead of
// introspecting per request.
type Introspector struct {
	pool *pgxpool.Pool
	log  *logging.Logger
}

// NewIntrospector wraps an existing connection pool. The pool stays owned
// by the caller.
func NewIntrospector(pool *pgxpool.Pool, log *logging.Logger) *Introspector {
	return &Introspector{pool: pool, log: log}
}

// Snapshot reads every public base table with its columns, primary key and
// foreign keys, and returns a Descriptor with the prompt text pre-rendered.
// PII flags are not discovered here; `cadet schema discover-pii` adds them
// to the artifact afterwards.
func (in *Introspector) Snapshot(ctx context.Context) (*Descriptor, error) {
	names, err := in.tableNames(ctx)
	if err != nil {
		return nil, err
	}

	pks, err := in.primaryKeys(ctx)
	if err != nil {
		return nil, err
	}

	fks, err := in.foreignKeys(ctx)
	if err != nil {
		return nil, err
	}

	tables := make(map[string]Table, len(names))
	for _, name := range names {
		columns, err := in.columns(ctx, name)
		if err != nil {
			return nil, err
		}
		tables[name] = Table{
			PrimaryKey:  pks[name],
			ForeignKeys: fks[name],
			Columns:     columns,
		}
	}

	desc := &Descriptor{Tables: tables}
	desc.LLMPrompt = desc.RenderPrompt()
	if err := desc.EnsureValid(); err != nil {
		return nil, err
	}

	in.log.Info("schema introspected",
		"tables", len(tables),
		"primary_keys", len(pks))
	return desc, nil
}

func (in *Introspector) tableNames(ctx context.Context) ([]string, error) {
	rows, err := in.pool.Query(ctx, tablesQuery)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return names, nil
}

func (in *Introspector) columns(ctx context.Context, table string) ([]Column, error) {
	rows, err := in.pool.Query(ctx, columnsQuery, table)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", table, err)
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.Type); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", table, err)
	}
	return columns, nil
}

func (in *Introspector) primaryKeys(ctx context.Context) (map[string]string, error) {
	rows, err := in.pool.Query(ctx, primaryKeysQuery)
	if err != nil {
		return nil, fmt.Errorf("list primary keys: %w", err)
	}
	defer rows.Close()

	pks := make(map[string]string)
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return nil, fmt.Errorf("scan primary key: %w", err)
		}
		pks[table] = column
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list primary keys: %w", err)
	}
	return pks, nil
}

func (in *Introspector) foreignKeys(ctx context.Context) (map[string][]ForeignKey, error) {
	rows, err := in.pool.Query(ctx, foreignKeysQuery)
	if err != nil {
		return nil, fmt.Errorf("list foreign keys: %w", err)
	}
	defer rows.Close()

	fks := make(map[string][]ForeignKey)
	seen := make(map[string]struct{})
	for rows.Next() {
		var table string
		var fk ForeignKey
		if err := rows.Scan(&table, &fk.Column, &fk.RefTable, &fk.RefColumn); err != nil {
			return nil, fmt.Errorf("scan foreign key: %w", err)
		}
		key := table + "\x00" + fk.Column + "\x00" + fk.RefTable + "\x00" + fk.RefColumn
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		fks[table] = append(fks[table], fk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list foreign keys: %w", err)
	}
	return fks, nil
}
