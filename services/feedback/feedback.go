// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package feedback

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"github.com/AleutianAI/AleutianQuery/services/feedback/hints"
	"gopkg.in/yaml.v3"
)

// aliasNameThreshold separates leaked subquery aliases from invented table
// names. Names at or below this length (such as 't' or 'it') get the
// CTE-instead-of-subquery hint rather than the table list.
const aliasNameThreshold = 2

// unknownTablesPattern extracts the brace-wrapped name set from a validator
// failure, e.g. `Unknown tables in query: {'cust', 'ord'}`.
var unknownTablesPattern = regexp.MustCompile(`Unknown tables in query: (\{.*?\})`)

// forbiddenKeywordPattern extracts the keyword from a validator failure,
// e.g. `Forbidden SQL keyword: CREATE`.
var forbiddenKeywordPattern = regexp.MustCompile(`Forbidden SQL keyword:\s*([A-Za-z]+)`)

// undefinedColumnPattern extracts the quoted column name from the data
// store's undefined-column message, e.g. `column "revenue" does not exist`.
var undefinedColumnPattern = regexp.MustCompile(`column "(.+?)" does not exist`)

// Hint ids inside the embedded correction_hints.yaml, with the template
// fields each one may reference.
const (
	hintUnknownTables      = "unknown_tables"       // InvalidTables, AllowedTables
	hintUnknownTablesAlias = "unknown_tables_alias" // InvalidTables, FirstAlias
	hintMultipleStatements = "multiple_statements"
	hintSQLComments        = "sql_comments"
	hintCreateKeyword      = "create_keyword"
	hintForbiddenKeyword   = "forbidden_keyword" // Keyword
	hintColumnNotFound     = "column_not_found"  // Column (optional)
	hintAliasReference     = "alias_reference"   // Column
	hintDivisionByZero     = "division_by_zero"
	hintDateTimeFormat     = "datetime_format"
	hintParsingError       = "parsing_error" // ErrorMessage
)

// Feedback pairs a classified failure with its rendered correction hint.
//
// The hint is plain text meant to be concatenated onto the next synthesis
// prompt. It never mutates any turn state.
type Feedback struct {
	Category Category
	Hint     string
}

type hintFile struct {
	Hints []hintEntry `yaml:"hints"`
}

type hintEntry struct {
	ID          string   `yaml:"id"`
	Category    Category `yaml:"category"`
	Description string   `yaml:"description"`
	Template    string   `yaml:"template"`
	compiled    *template.Template
}

// Template data carriers. One small struct per parameterised hint keeps the
// template fields visible at the call site.
type unknownTablesData struct {
	InvalidTables string
	AllowedTables string
}

type aliasTablesData struct {
	InvalidTables string
	FirstAlias    string
}

type keywordData struct{ Keyword string }

type columnData struct{ Column string }

type errorData struct{ ErrorMessage string }

// Generator routes failure messages to correction hints.
//
// It loads the hint templates embedded in the binary once at construction
// and is safe for concurrent use afterwards.
type Generator struct {
	byID map[string]*hintEntry
}

// NewGenerator initializes a generator from the embedded hint file.
//
// It performs the following operations:
// 1. Unmarshals the embedded YAML data.
// 2. Compiles every hint template.
// 3. Verifies that each hint id the routing depends on is present.
//
// Returns an error if the embedded YAML is malformed, a template does not
// compile, or a required hint is missing.
func NewGenerator() (*Generator, error) {
	var file hintFile
	if err := yaml.Unmarshal(hints.CorrectionHints, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded hint file: %w", err)
	}

	byID := make(map[string]*hintEntry, len(file.Hints))
	for i := range file.Hints {
		entry := &file.Hints[i]
		tmpl, err := template.New(entry.ID).Parse(entry.Template)
		if err != nil {
			return nil, fmt.Errorf("compile hint template %s: %w", entry.ID, err)
		}
		entry.compiled = tmpl
		byID[entry.ID] = entry
	}

	for _, id := range requiredHints() {
		if _, ok := byID[id]; !ok {
			return nil, fmt.Errorf("embedded hint file is missing hint %q", id)
		}
	}

	return &Generator{byID: byID}, nil
}

// ForError classifies a failure message and renders the matching hint.
//
// The routing mirrors the failure messages the validator and the execution
// adapter actually produce, checked in order of specificity. Anything
// unrecognized falls through to the generic syntax hint. The allowed table
// names are only consulted for unknown-table failures, where the hint lists
// them verbatim.
//
// Thread Safety: This method is safe for concurrent use.
func (g *Generator) ForError(errText string, allowedTables []string) Feedback {
	lower := strings.ToLower(errText)

	switch {
	case strings.Contains(errText, "Unknown tables in query"):
		return g.unknownTables(errText, allowedTables)

	case strings.Contains(errText, "Multiple SQL statements not allowed"):
		return Feedback{CategoryMultipleStatements, g.render(hintMultipleStatements, nil)}

	case strings.Contains(errText, "SQL comments not allowed"):
		return Feedback{CategoryCommentPresent, g.render(hintSQLComments, nil)}

	case strings.Contains(errText, "Forbidden SQL keyword"):
		return g.forbiddenKeyword(errText)

	case strings.Contains(lower, "column") && strings.Contains(lower, "does not exist"):
		return g.undefinedColumn(errText)

	case strings.Contains(lower, "division by zero"):
		return Feedback{CategoryDivisionByZero, g.render(hintDivisionByZero, nil)}

	case strings.Contains(lower, "datetime") && strings.Contains(lower, "format"):
		return Feedback{CategoryDateTimeFormat, g.render(hintDateTimeFormat, nil)}

	default:
		return Feedback{CategoryGenericSyntax, g.render(hintParsingError, errorData{errText})}
	}
}

// unknownTables handles validator failures that name tables outside the
// schema. Short names are treated as leaked subquery aliases and steered
// toward CTEs; longer names get the full allowed-table list. A message whose
// name set cannot be parsed back out keeps the category but degrades to the
// generic hint.
func (g *Generator) unknownTables(errText string, allowedTables []string) Feedback {
	match := unknownTablesPattern.FindStringSubmatch(errText)
	if match == nil {
		return Feedback{CategoryUnknownTable, g.render(hintParsingError, errorData{errText})}
	}
	invalid := parseNameSet(match[1])
	if len(invalid) == 0 {
		return Feedback{CategoryUnknownTable, g.render(hintParsingError, errorData{errText})}
	}

	if likelyAlias(invalid) {
		return Feedback{CategoryUnknownTable, g.render(hintUnknownTablesAlias, aliasTablesData{
			InvalidTables: FormatNameSet(invalid),
			FirstAlias:    firstShortName(invalid),
		})}
	}

	sorted := append([]string(nil), allowedTables...)
	sort.Strings(sorted)
	quoted := make([]string, len(sorted))
	for i, name := range sorted {
		quoted[i] = `"` + name + `"`
	}
	return Feedback{CategoryUnknownTable, g.render(hintUnknownTables, unknownTablesData{
		InvalidTables: FormatNameSet(invalid),
		AllowedTables: strings.Join(quoted, ", "),
	})}
}

// forbiddenKeyword handles validator failures for mutating keywords. CREATE
// gets its own hint because the usual fix is a CTE, not a different verb.
func (g *Generator) forbiddenKeyword(errText string) Feedback {
	match := forbiddenKeywordPattern.FindStringSubmatch(errText)
	if match == nil {
		return Feedback{CategoryUnsafeKeyword, g.render(hintParsingError, errorData{errText})}
	}
	keyword := strings.ToUpper(match[1])
	if keyword == "CREATE" {
		return Feedback{CategoryUnsafeKeyword, g.render(hintCreateKeyword, nil)}
	}
	return Feedback{CategoryUnsafeKeyword, g.render(hintForbiddenKeyword, keywordData{keyword})}
}

// undefinedColumn handles the data store's undefined-column failures. When
// the offending name can be extracted it is almost always a select-list
// alias referenced in its own level, so the CTE hint applies; otherwise the
// quoting and case-folding rules are the best guidance available.
func (g *Generator) undefinedColumn(errText string) Feedback {
	if match := undefinedColumnPattern.FindStringSubmatch(errText); match != nil {
		return Feedback{CategoryAmbiguousAlias, g.render(hintAliasReference, columnData{match[1]})}
	}
	return Feedback{CategoryColumnNotFound, g.render(hintColumnNotFound, columnData{})}
}

// render executes a hint template. An execution error fires only if a
// template and its data struct drift apart, in which case the entry's
// description still gives the synthesizer something actionable.
func (g *Generator) render(id string, data any) string {
	entry, ok := g.byID[id]
	if !ok {
		return ""
	}
	var buf bytes.Buffer
	if err := entry.compiled.Execute(&buf, data); err != nil {
		return entry.Description
	}
	return strings.TrimSpace(buf.String())
}

// requiredHints lists every hint id the routing can reach. NewGenerator
// refuses to start without all of them.
func requiredHints() []string {
	return []string{
		hintUnknownTables,
		hintUnknownTablesAlias,
		hintMultipleStatements,
		hintSQLComments,
		hintCreateKeyword,
		hintForbiddenKeyword,
		hintColumnNotFound,
		hintAliasReference,
		hintDivisionByZero,
		hintDateTimeFormat,
		hintParsingError,
	}
}

// FormatNameSet renders table names in the brace-wrapped form the validator
// embeds in its failure messages, e.g. {'cust', 'ord'}. The validator and
// ForError both rely on this exact shape, so it lives here rather than in
// either caller.
func FormatNameSet(names []string) string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	quoted := make([]string, len(sorted))
	for i, name := range sorted {
		quoted[i] = "'" + name + "'"
	}
	return "{" + strings.Join(quoted, ", ") + "}"
}

// parseNameSet parses the brace-wrapped set produced by FormatNameSet back
// into sorted names. Unparseable fragments are dropped rather than guessed.
func parseNameSet(s string) []string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")

	var names []string
	for _, part := range strings.Split(s, ",") {
		name := strings.Trim(strings.TrimSpace(part), `'"`)
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// likelyAlias reports whether any offending name is short enough to be a
// leaked subquery alias rather than an invented table.
func likelyAlias(names []string) bool {
	for _, name := range names {
		if len(name) <= aliasNameThreshold {
			return true
		}
	}
	return false
}

// firstShortName returns the first name at or below the alias threshold so
// the worked example in the hint points at the actual alias. Callers check
// likelyAlias first.
func firstShortName(names []string) string {
	for _, name := range names {
		if len(name) <= aliasNameThreshold {
			return name
		}
	}
	return names[0]
}
