// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package piiscan proposes PII column flags by matching column names
// against a pattern catalog embedded in the binary.
//
// It is the deterministic pre-pass of `cadet schema discover-pii`: the
// regex proposals are merged with the model's classification before the
// operator confirms what gets written into the schema artifact. The scan
// reads only column names, never row data.
package piiscan

import (
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianQuery/services/schema"
	"github.com/AleutianAI/AleutianQuery/services/schema/piiscan/patterns"
	"gopkg.in/yaml.v3"
)

// Scanner matches column names against the embedded pattern catalog.
type Scanner struct {
	Classifiers []Classification
}

// NewScanner initializes a scanner from the patterns embedded in the
// binary.
//
// It performs the following operations:
// 1. Unmarshals the embedded YAML data.
// 2. Compiles all regex patterns.
// 3. Sorts classifications by priority.
//
// Returns an error if the embedded YAML is malformed or contains invalid
// regex.
func NewScanner() (*Scanner, error) {
	var file PatternFile
	if err := yaml.Unmarshal(patterns.PIINamePatterns, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded pattern file: %w", err)
	}

	if err := file.CompileRegexes(); err != nil {
		return nil, fmt.Errorf("failed to compile a regex %w", err)
	}

	file.SortByPriority()

	return &Scanner{Classifiers: file.Classifications}, nil
}

// Scan checks every column name in the descriptor and returns one finding
// per flagged column. A column reports only its highest priority match.
// Findings come back sorted by table then column so reports are stable.
func (s *Scanner) Scan(desc *schema.Descriptor) []Finding {
	var findings []Finding

	for _, tableName := range desc.TableNames() {
		for _, col := range desc.Tables[tableName].Columns {
			if finding, ok := s.classifyColumn(tableName, col.Name); ok {
				findings = append(findings, finding)
			}
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Table != findings[j].Table {
			return findings[i].Table < findings[j].Table
		}
		return findings[i].Column < findings[j].Column
	})
	return findings
}

// classifyColumn returns the first (highest priority) classification whose
// patterns match the column name.
func (s *Scanner) classifyColumn(table, column string) (Finding, bool) {
	for _, classifier := range s.Classifiers {
		for _, pattern := range classifier.Patterns {
			if pattern.compiled.MatchString(column) {
				return Finding{
					Table:          table,
					Column:         column,
					Classification: classifier.Name,
					PatternId:      pattern.Id,
					Confidence:     pattern.Confidence,
				}, true
			}
		}
	}
	return Finding{}, false
}

// Proposals folds findings into the pii_columns map shape stored in the
// schema artifact: table name to sorted column names.
func Proposals(findings []Finding) map[string][]string {
	byTable := make(map[string]map[string]struct{})
	for _, f := range findings {
		if byTable[f.Table] == nil {
			byTable[f.Table] = make(map[string]struct{})
		}
		byTable[f.Table][f.Column] = struct{}{}
	}

	proposals := make(map[string][]string, len(byTable))
	for table, cols := range byTable {
		names := make([]string, 0, len(cols))
		for col := range cols {
			names = append(names, col)
		}
		sort.Strings(names)
		proposals[table] = names
	}
	return proposals
}
