// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package piiscan

import (
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

type ConfidenceLevel string

const (
	Low    ConfidenceLevel = "low"
	Medium ConfidenceLevel = "medium"
	High   ConfidenceLevel = "high"
)

// PatternFile is the root of the embedded pii_name_patterns.yaml document.
type PatternFile struct {
	Classifications []Classification `yaml:"classifications"`
}

// Classification groups the name patterns for one kind of personal data,
// such as person names or contact details. Higher priority classifications
// are matched first so a column reports its most specific class.
type Classification struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Priority    int       `yaml:"priority"`
	Patterns    []Pattern `yaml:"patterns"`
}

// Pattern is one compiled column-name matcher.
type Pattern struct {
	Id          string          `yaml:"id"`
	Description string          `yaml:"description"`
	Regex       string          `yaml:"regex"`
	Confidence  ConfidenceLevel `yaml:"confidence"`
	compiled    *regexp.Regexp  `yaml:"-"`
}

func (c *ConfidenceLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	incoming := ConfidenceLevel(s)
	switch incoming {
	case High, Medium, Low:
		*c = incoming
		return nil
	default:
		return fmt.Errorf("invalid value for Confidence: %q", incoming)
	}
}

// CompileRegexes compiles every pattern once so scanning a schema is pure
// matching work.
func (f *PatternFile) CompileRegexes() error {
	for i := range f.Classifications {
		for j := range f.Classifications[i].Patterns {
			pattern := &f.Classifications[i].Patterns[j]
			re, err := regexp.Compile(pattern.Regex)
			if err != nil {
				return fmt.Errorf("failed to compile the regex %s: %w", pattern.Regex, err)
			}
			pattern.compiled = re
		}
	}
	return nil
}

// SortByPriority orders classifications from most to least specific.
func (f *PatternFile) SortByPriority() {
	sort.Slice(f.Classifications, func(i, j int) bool {
		return f.Classifications[i].Priority > f.Classifications[j].Priority
	})
}

// Finding flags one column as likely personal data.
type Finding struct {
	Table          string          `json:"table"`
	Column         string          `json:"column"`
	Classification string          `json:"classification"`
	PatternId      string          `json:"pattern_id"`
	Confidence     ConfidenceLevel `json:"confidence"`
}
