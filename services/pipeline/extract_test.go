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

import "testing"

func TestExtractSQL(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{
			name:  "sql tag",
			reply: "<reasoning>simple count</reasoning>\n<sql>\nSELECT COUNT(*) FROM customers\n</sql>",
			want:  "SELECT COUNT(*) FROM customers",
		},
		{
			name:  "uppercase tag",
			reply: "<SQL>SELECT 1</SQL>",
			want:  "SELECT 1",
		},
		{
			name:  "tag wins over fence",
			reply: "```sql\nSELECT 2\n```\n<sql>SELECT 1</sql>",
			want:  "SELECT 1",
		},
		{
			name:  "markdown fence without tag",
			reply: "```sql\nSELECT \"id\" FROM customers\n```",
			want:  "SELECT \"id\" FROM customers",
		},
		{
			name:  "bare fence without language",
			reply: "```\nSELECT 1\n```",
			want:  "SELECT 1",
		},
		{
			name:  "bare query from the minimal prompt",
			reply: "SELECT \"unitPrice\", \"quantity\" FROM transactions",
			want:  "SELECT \"unitPrice\", \"quantity\" FROM transactions",
		},
		{
			name:  "prose reply passes through for validation to judge",
			reply: "I cannot write that query.",
			want:  "I cannot write that query.",
		},
		{
			name:  "multiline sql inside tag",
			reply: "<sql>SELECT \"country\",\n       SUM(\"totalAmount\")\nFROM transactions\nGROUP BY \"country\"</sql>",
			want:  "SELECT \"country\",\n       SUM(\"totalAmount\")\nFROM transactions\nGROUP BY \"country\"",
		},
		{
			name:  "empty reply",
			reply: "",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractSQL(tt.reply); got != tt.want {
				t.Errorf("ExtractSQL(%q) = %q, want %q", tt.reply, got, tt.want)
			}
		})
	}
}

func TestExtractReasoning(t *testing.T) {
	reply := "<reasoning>\nTables: customers\nStructure: plain select\n</reasoning>\n<sql>SELECT 1</sql>"
	want := "Tables: customers\nStructure: plain select"
	if got := ExtractReasoning(reply); got != want {
		t.Errorf("ExtractReasoning = %q, want %q", got, want)
	}

	if got := ExtractReasoning("SELECT 1"); got != "" {
		t.Errorf("expected empty reasoning for untagged reply, got %q", got)
	}
}

func TestExtractAnswer(t *testing.T) {
	t.Run("answer and insight", func(t *testing.T) {
		reply := "<answer>Total revenue is \\$19,983.</answer>\n<insight>The top 3 countries account for 80% of it.</insight>"
		answer, insight := ExtractAnswer(reply)
		if answer != "Total revenue is \\$19,983." {
			t.Errorf("answer = %q", answer)
		}
		if insight != "The top 3 countries account for 80% of it." {
			t.Errorf("insight = %q", insight)
		}
	})

	t.Run("answer without insight", func(t *testing.T) {
		answer, insight := ExtractAnswer("<answer>Nothing matched.</answer>")
		if answer != "Nothing matched." {
			t.Errorf("answer = %q", answer)
		}
		if insight != "" {
			t.Errorf("expected empty insight, got %q", insight)
		}
	})

	t.Run("untagged reply taken whole", func(t *testing.T) {
		answer, insight := ExtractAnswer("  The answer is 42.  ")
		if answer != "The answer is 42." {
			t.Errorf("answer = %q", answer)
		}
		if insight != "" {
			t.Errorf("expected empty insight, got %q", insight)
		}
	})
}
