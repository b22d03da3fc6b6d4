// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// generate_hint_docs generates a markdown reference from correction_hints.yaml.
//
// Usage:
//
//	go run scripts/generate_hint_docs.go > docs/hint_reference.md
//
// The generated documentation includes:
//   - Every correction hint with its failure category
//   - The full template text appended to the synthesis prompt
//   - Summary statistics per category
package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// HintCatalogYAML is the root structure for YAML deserialization.
type HintCatalogYAML struct {
	Hints []HintEntryYAML `yaml:"hints"`
}

// HintEntryYAML represents a single correction hint in the YAML file.
type HintEntryYAML struct {
	ID          string `yaml:"id"`
	Category    string `yaml:"category"`
	Description string `yaml:"description"`
	Template    string `yaml:"template"`
}

func main() {
	// Read the YAML file
	data, err := os.ReadFile("services/feedback/hints/correction_hints.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading correction_hints.yaml: %v\n", err)
		os.Exit(1)
	}

	var catalog HintCatalogYAML
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing YAML: %v\n", err)
		os.Exit(1)
	}

	generateMarkdown(catalog.Hints)
}

// generateMarkdown writes the full reference document to stdout.
func generateMarkdown(hints []HintEntryYAML) {
	fmt.Println("# Correction Hint Reference")
	fmt.Println()
	fmt.Printf("Generated from `correction_hints.yaml` on %s.\n", time.Now().Format("2006-01-02"))
	fmt.Println()
	fmt.Println("When a candidate query fails validation or execution, the failure is")
	fmt.Println("classified into a category and the matching hint below is appended to")
	fmt.Println("the next synthesis prompt. Template fields are filled from the parsed")
	fmt.Println("failure (invalid table names, allowed tables, the raw error).")
	fmt.Println()

	// Inventory table
	fmt.Println("## Hint Inventory")
	fmt.Println()
	fmt.Println("| Hint | Category | Description |")
	fmt.Println("|---|---|---|")
	for _, h := range hints {
		fmt.Printf("| `%s` | `%s` | %s |\n", h.ID, h.Category, strings.TrimSpace(h.Description))
	}
	fmt.Println()

	// One section per category, hints in file order within it
	byCategory := make(map[string][]HintEntryYAML)
	for _, h := range hints {
		byCategory[h.Category] = append(byCategory[h.Category], h)
	}
	categories := make([]string, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	fmt.Println("## Templates by Category")
	for _, category := range categories {
		fmt.Println()
		fmt.Printf("### %s\n", category)
		for _, h := range byCategory[category] {
			fmt.Println()
			fmt.Printf("#### `%s`\n", h.ID)
			fmt.Println()
			fmt.Println(strings.TrimSpace(h.Description))
			fmt.Println()
			fmt.Println("```text")
			fmt.Println(strings.TrimRight(h.Template, "\n"))
			fmt.Println("```")
		}
	}

	// Summary statistics
	fmt.Println()
	fmt.Println("## Summary")
	fmt.Println()
	fmt.Printf("- **Total hints**: %d\n", len(hints))
	fmt.Printf("- **Categories**: %d\n", len(categories))
	for _, category := range categories {
		fmt.Printf("  - %s: %d\n", category, len(byCategory[category]))
	}
}
