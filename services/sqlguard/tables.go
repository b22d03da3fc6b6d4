// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sqlguard

import "strings"

// fold normalizes an identifier the way the data store resolves it:
// bare names fold to lowercase, quoted names stay verbatim.
func fold(tok Token) string {
	if tok.Quoted {
		return tok.Text
	}
	return strings.ToLower(tok.Text)
}

// sourceTables returns the physical table candidates a query reads
// from: every name in FROM or JOIN position, minus CTE names and
// derived-table aliases.
//
// Function-call argument lists are skipped as a unit, so the FROM
// inside EXTRACT(YEAR FROM "dateTime") never reads as a clause. Plain
// parenthesis groups are scanned through, which keeps subquery FROM
// clauses visible.
func sourceTables(tokens []Token) map[string]bool {
	defined := make(map[string]bool)
	cteNames(tokens, defined)
	derivedAliases(tokens, defined)

	refs := make(map[string]bool)
	i := 0
	for i < len(tokens) {
		tok := tokens[i]
		switch {
		case tok.Kind == KindFunctionCall:
			i = skipParenGroup(tokens, i+1)
		case tok.Kind == KindKeyword && (tok.Text == "FROM" || tok.Text == "JOIN"):
			i = collectSources(tokens, i+1, refs)
		default:
			i++
		}
	}

	for name := range defined {
		delete(refs, name)
	}
	return refs
}

// collectSources walks one FROM or JOIN clause starting at i and adds
// each table candidate to refs. It returns the index of the first
// token it did not consume, which the caller resumes from.
func collectSources(tokens []Token, i int, refs map[string]bool) int {
	wantName := true
	for i < len(tokens) {
		tok := tokens[i]
		switch {
		case tok.Kind == KindParenOpen:
			// Derived table or parenthesized join. Hand the group back
			// to the outer walk so nested clauses still count.
			return i + 1
		case tok.Kind == KindFunctionCall:
			// A set-returning function in source position is still a
			// candidate. It will not match any schema table and that
			// is the point: the model should not invent sources.
			if wantName {
				refs[fold(tok)] = true
			}
			i = skipParenGroup(tokens, i+1)
			wantName = false
		case tok.Kind == KindKeyword && tok.Text == "AS":
			if i+1 < len(tokens) && tokens[i+1].Kind == KindIdentifier {
				i += 2
			} else {
				i++
			}
			wantName = false
		case tok.Kind == KindKeyword:
			// ON, WHERE, another JOIN, anything structural ends the
			// clause here.
			return i
		case tok.Kind == KindIdentifier:
			if wantName {
				name, next := dottedName(tokens, i)
				refs[name] = true
				i = next
			} else {
				// Bare alias after a table name.
				i++
			}
			wantName = false
		case tok.Kind == KindOther && tok.Text == ",":
			wantName = true
			i++
		default:
			return i
		}
	}
	return i
}

// dottedName reads an identifier chain like schema.table starting at
// i and returns the last segment, which is the table name, plus the
// index after the chain.
func dottedName(tokens []Token, i int) (string, int) {
	name := fold(tokens[i])
	i++
	for i+1 < len(tokens) &&
		tokens[i].Kind == KindOther && tokens[i].Text == "." &&
		tokens[i+1].Kind == KindIdentifier {
		name = fold(tokens[i+1])
		i += 2
	}
	return name, i
}

// cteNames records every WITH clause name a later FROM may reference.
// A name only registers once its AS ( body is confirmed, so the WITH
// in "WITH ORDINALITY" never defines anything.
func cteNames(tokens []Token, defined map[string]bool) {
	for i := 0; i < len(tokens); i++ {
		if tokens[i].Kind != KindKeyword || tokens[i].Text != "WITH" {
			continue
		}

		j := i + 1
		if j < len(tokens) && tokens[j].Kind == KindKeyword && tokens[j].Text == "RECURSIVE" {
			j++
		}

		for j < len(tokens) {
			// A CTE name with a column alias list scans as a function
			// call, so both kinds are acceptable here.
			if tokens[j].Kind != KindIdentifier && tokens[j].Kind != KindFunctionCall {
				break
			}
			name := fold(tokens[j])
			j++

			if j < len(tokens) && tokens[j].Kind == KindParenOpen {
				j = skipParenGroup(tokens, j)
			}
			if j >= len(tokens) || tokens[j].Kind != KindKeyword || tokens[j].Text != "AS" {
				break
			}
			j++
			if j >= len(tokens) || tokens[j].Kind != KindParenOpen {
				break
			}
			j = skipParenGroup(tokens, j)
			defined[name] = true

			if j < len(tokens) && tokens[j].Kind == KindOther && tokens[j].Text == "," {
				j++
				continue
			}
			break
		}
	}
}

// derivedAliases records names bound to a closed parenthesis group,
// covering both ") AS x" and ") x". Select-list expression aliases
// match this shape too, which is harmless: the set only subtracts
// from source candidates.
func derivedAliases(tokens []Token, defined map[string]bool) {
	for i := 0; i < len(tokens); i++ {
		if tokens[i].Kind != KindParenClose {
			continue
		}

		j := i + 1
		if j < len(tokens) && tokens[j].Kind == KindKeyword && tokens[j].Text == "AS" {
			j++
		}
		// The column list form ") sub(a, b)" scans as a function call.
		if j < len(tokens) && (tokens[j].Kind == KindIdentifier || tokens[j].Kind == KindFunctionCall) {
			defined[fold(tokens[j])] = true
		}
	}
}

// skipParenGroup advances past the balanced parenthesis group opening
// at i and returns the index after its close. If i does not open a
// group it returns i unchanged. An unbalanced group consumes to the
// end of the tokens.
func skipParenGroup(tokens []Token, i int) int {
	if i >= len(tokens) || tokens[i].Kind != KindParenOpen {
		return i
	}
	depth := 0
	for ; i < len(tokens); i++ {
		switch tokens[i].Kind {
		case KindParenOpen:
			depth++
		case KindParenClose:
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return i
}
