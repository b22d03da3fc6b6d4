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

import (
	"regexp"
	"strings"
)

// Reply tag patterns. Case-insensitive with dot-matches-newline so a
// model that uppercases tags or wraps content still parses.
var (
	sqlTagPattern       = regexp.MustCompile(`(?is)<sql>(.*?)</sql>`)
	reasoningTagPattern = regexp.MustCompile(`(?is)<reasoning>(.*?)</reasoning>`)
	answerTagPattern    = regexp.MustCompile(`(?is)<answer>(.*?)</answer>`)
	insightTagPattern   = regexp.MustCompile(`(?is)<insight>(.*?)</insight>`)
)

// ExtractSQL pulls the candidate query out of a synthesizer reply.
//
// Replies to the full prompt carry the query in <sql> tags. Replies to
// the minimal-projection prompt are the bare query, sometimes wrapped in
// a markdown fence. A reply with neither shape is returned as-is; the
// validator and the data store judge whether it is SQL.
func ExtractSQL(reply string) string {
	if m := sqlTagPattern.FindStringSubmatch(reply); m != nil {
		return strings.TrimSpace(m[1])
	}
	cleaned := strings.ReplaceAll(reply, "```sql", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	return strings.TrimSpace(cleaned)
}

// ExtractReasoning returns the synthesizer's <reasoning> block, or an
// empty string when the reply has none.
func ExtractReasoning(reply string) string {
	if m := reasoningTagPattern.FindStringSubmatch(reply); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// ExtractAnswer splits a responder reply into its answer and insight.
//
// A reply without an <answer> tag is taken whole as the answer, so a
// model that ignores the output format still produces a usable reply.
func ExtractAnswer(reply string) (answer, insight string) {
	m := answerTagPattern.FindStringSubmatch(reply)
	if m == nil {
		return strings.TrimSpace(reply), ""
	}
	answer = strings.TrimSpace(m[1])
	if im := insightTagPattern.FindStringSubmatch(reply); im != nil {
		insight = strings.TrimSpace(im[1])
	}
	return answer, insight
}
