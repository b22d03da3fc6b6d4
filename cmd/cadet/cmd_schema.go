// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianQuery/pkg/logging"
	"github.com/AleutianAI/AleutianQuery/pkg/ux"
	"github.com/AleutianAI/AleutianQuery/services/dbexec"
	"github.com/AleutianAI/AleutianQuery/services/llm"
	"github.com/AleutianAI/AleutianQuery/services/schema"
	"github.com/AleutianAI/AleutianQuery/services/schema/piiscan"
)

// keysEntry is one table's worth of key supplements from the --keys
// overlay file. Analytics schemas often carry no declared constraints,
// so the overlay lets an operator state the join structure by hand:
//
//	orders:
//	  pk: order_id
//	  fks:
//	    - col: customer_id
//	      ref_table: customers
//	      ref_col: customer_id
type keysEntry struct {
	PK  string `yaml:"pk"`
	FKs []struct {
		Col      string `yaml:"col"`
		RefTable string `yaml:"ref_table"`
		RefCol   string `yaml:"ref_col"`
	} `yaml:"fks"`
}

func runSchemaGenerate(cmd *cobra.Command, args []string) {
	if err := generateSchema(); err != nil {
		ux.Error(fmt.Sprintf("Schema generation failed: %v", err))
		os.Exit(1)
	}
}

func generateSchema() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger := logging.New(logging.Config{Level: logging.LevelInfo, Service: "cadet", Quiet: true})
	defer logger.Close()

	outPath := schemaOutPath
	if outPath == "" {
		outPath = schemaInfoPath()
	}

	pool, err := dbexec.NewPool(ctx, dbexec.ConfigFromEnv(), logger)
	if err != nil {
		return fmt.Errorf("connect to Postgres: %w", err)
	}
	defer pool.Close()

	spinner := ux.NewSpinner("Reading the catalog").WithType(ux.SpinnerWave)
	spinner.Start()
	desc, err := schema.NewIntrospector(pool, logger).Snapshot(ctx)
	if err != nil {
		spinner.StopWithError("Introspection failed")
		return err
	}
	spinner.StopWithSuccess(fmt.Sprintf("Found %d tables", len(desc.Tables)))

	if schemaKeysPath != "" {
		keys, err := loadKeysOverlay(schemaKeysPath)
		if err != nil {
			return fmt.Errorf("read keys overlay: %w", err)
		}
		for _, unknown := range applyKeysOverlay(desc, keys) {
			ux.Warning(fmt.Sprintf("keys overlay names unknown table %q, skipped", unknown))
		}
		// The prompt embeds the key structure, so re-render after merging.
		desc.LLMPrompt = desc.RenderPrompt()
	}

	if err := writeDescriptor(outPath, desc); err != nil {
		return err
	}
	ux.FileStatus(outPath, ux.IconSuccess, fmt.Sprintf("%d tables", len(desc.Tables)))

	mdPath := strings.TrimSuffix(outPath, filepath.Ext(outPath)) + ".md"
	if err := os.WriteFile(mdPath, []byte(renderMarkdown(desc)), 0644); err != nil {
		return fmt.Errorf("write markdown rendering: %w", err)
	}
	ux.FileStatus(mdPath, ux.IconSuccess, "human-readable rendering")

	ux.Muted("Run `cadet schema discover-pii` to flag personal-data columns.")
	return nil
}

// loadKeysOverlay parses the per-table pk/fk overlay file.
func loadKeysOverlay(path string) (map[string]keysEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]keysEntry)
	if err := yaml.Unmarshal(raw, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// applyKeysOverlay merges operator-declared keys into the introspected
// tables. A declared pk replaces the introspected one; foreign keys are
// added unless the column already carries one. Returns the overlay
// table names that do not exist in the catalog.
func applyKeysOverlay(desc *schema.Descriptor, keys map[string]keysEntry) []string {
	var unknown []string
	for name, entry := range keys {
		table, ok := desc.Tables[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}

		if entry.PK != "" {
			table.PrimaryKey = entry.PK
		}
		for _, fk := range entry.FKs {
			exists := false
			for _, have := range table.ForeignKeys {
				if have.Column == fk.Col {
					exists = true
					break
				}
			}
			if !exists {
				table.ForeignKeys = append(table.ForeignKeys, schema.ForeignKey{
					Column:    fk.Col,
					RefTable:  fk.RefTable,
					RefColumn: fk.RefCol,
				})
			}
		}
		desc.Tables[name] = table
	}
	sort.Strings(unknown)
	return unknown
}

// writeDescriptor writes the descriptor as indented JSON, the shape the
// file provider and the gateway reload endpoint read back.
func writeDescriptor(path string, desc *schema.Descriptor) error {
	raw, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("write descriptor: %w", err)
	}
	return nil
}

// renderMarkdown renders the descriptor for humans: one section per
// table with its keys, columns, and PII flags.
func renderMarkdown(desc *schema.Descriptor) string {
	var b strings.Builder
	b.WriteString("# Schema Descriptor\n\n")
	fmt.Fprintf(&b, "%d tables. Columns flagged PII are masked in query results.\n", len(desc.Tables))

	for _, name := range desc.TableNames() {
		table := desc.Tables[name]
		fmt.Fprintf(&b, "\n## %s\n\n", name)
		if table.PrimaryKey != "" {
			fmt.Fprintf(&b, "Primary key: `%s`\n\n", table.PrimaryKey)
		}

		flagged := make(map[string]bool)
		for _, col := range desc.PIIColumns[name] {
			flagged[col] = true
		}

		b.WriteString("| Column | Type | Notes |\n|---|---|---|\n")
		for _, col := range table.Columns {
			note := ""
			if flagged[col.Name] {
				note = "PII"
			}
			fmt.Fprintf(&b, "| %s | %s | %s |\n", col.Name, col.Type, note)
		}

		if len(table.ForeignKeys) > 0 {
			b.WriteString("\nForeign keys:\n\n")
			for _, fk := range table.ForeignKeys {
				fmt.Fprintf(&b, "- `%s` references `%s(%s)`\n", fk.Column, fk.RefTable, fk.RefColumn)
			}
		}
	}
	return b.String()
}

func runSchemaDiscoverPII(cmd *cobra.Command, args []string) {
	if err := discoverPII(); err != nil {
		ux.Error(fmt.Sprintf("PII discovery failed: %v", err))
		os.Exit(1)
	}
}

func discoverPII() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger := logging.New(logging.Config{Level: logging.LevelInfo, Service: "cadet", Quiet: true})
	defer logger.Close()

	path := schemaFilePath
	if path == "" {
		path = schemaInfoPath()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read descriptor (run `cadet schema generate` first): %w", err)
	}
	var desc schema.Descriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return fmt.Errorf("parse descriptor: %w", err)
	}

	scanner, err := piiscan.NewScanner()
	if err != nil {
		return fmt.Errorf("load PII patterns: %w", err)
	}
	findings := scanner.Scan(&desc)
	for _, f := range findings {
		ux.FileStatus(f.Table+"."+f.Column, ux.IconWarning, fmt.Sprintf("%s (%s)", f.Classification, f.Confidence))
	}
	heuristic := piiscan.Proposals(findings)

	// The pattern scan catches conventional names; the model catches
	// the rest. A missing or failing backend degrades to patterns only.
	var fromModel map[string][]string
	if client, err := llm.NewFromEnv(); err != nil {
		ux.Warning(fmt.Sprintf("LLM backend unavailable, using pattern results only: %v", err))
	} else {
		spinner := ux.NewSpinner("Asking the model to review the schema")
		spinner.Start()
		fromModel, err = classifyWithModel(ctx, client, &desc)
		if err != nil {
			spinner.StopWithWarning("Model review failed, using pattern results only")
			logger.Warn("PII model classification failed", "error", err)
		} else {
			spinner.StopWithSuccess("Model review complete")
		}
	}

	for _, table := range sortedKeys(fromModel) {
		for _, col := range fromModel[table] {
			if !containsColumn(heuristic[table], col) {
				ux.FileStatus(table+"."+col, ux.IconWarning, "model flagged")
			}
		}
	}

	desc.PIIColumns = mergePIIColumns(&desc, heuristic, fromModel)
	if err := writeDescriptor(path, &desc); err != nil {
		return err
	}

	total := 0
	for _, cols := range desc.PIIColumns {
		total += len(cols)
	}
	ux.Success(fmt.Sprintf("%d personal-data columns recorded in %s", total, path))
	return nil
}

// piiReviewPrompt frames the schema review. The reply contract is a
// bare JSON object so the parse below stays trivial.
const piiReviewPrompt = `You review database schemas for personally identifiable information.

Schema:
%s

List every column that holds personally identifiable information, such as
names, email addresses, phone numbers, street addresses, or government
identifiers. Respond with a single JSON object mapping each table name to
an array of its PII column names, and nothing else. Respond with {} if
there are none.`

// classifyWithModel asks the configured backend to review the schema
// and parses its table-to-columns reply.
func classifyWithModel(ctx context.Context, client llm.LLMClient, desc *schema.Descriptor) (map[string][]string, error) {
	reply, err := client.Generate(ctx, fmt.Sprintf(piiReviewPrompt, desc.Prompt()), llm.GenerationParams{
		Temperature: llm.Float32(0.0),
	})
	if err != nil {
		return nil, err
	}

	cleaned := strings.TrimSpace(reply)
	if idx := strings.Index(cleaned, "{"); idx > 0 {
		cleaned = cleaned[idx:]
	}
	if idx := strings.LastIndex(cleaned, "}"); idx >= 0 {
		cleaned = cleaned[:idx+1]
	}

	out := make(map[string][]string)
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, fmt.Errorf("unparseable model reply: %w", err)
	}
	return out, nil
}

// mergePIIColumns unions the sources, keeping only columns that exist
// in the descriptor. The model reply is untrusted input here: a
// hallucinated table or column must not end up flagged.
func mergePIIColumns(desc *schema.Descriptor, sources ...map[string][]string) map[string][]string {
	merged := make(map[string]map[string]bool)
	for _, source := range sources {
		for tableName, cols := range source {
			table, ok := desc.Tables[tableName]
			if !ok {
				continue
			}
			for _, col := range cols {
				exists := false
				for _, have := range table.Columns {
					if have.Name == col {
						exists = true
						break
					}
				}
				if !exists {
					continue
				}
				if merged[tableName] == nil {
					merged[tableName] = make(map[string]bool)
				}
				merged[tableName][col] = true
			}
		}
	}

	out := make(map[string][]string, len(merged))
	for tableName, cols := range merged {
		names := make([]string, 0, len(cols))
		for col := range cols {
			names = append(names, col)
		}
		sort.Strings(names)
		out[tableName] = names
	}
	return out
}

func containsColumn(cols []string, col string) bool {
	for _, c := range cols {
		if c == col {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
