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

// Kind classifies a scanned token. The validator only needs enough
// structure to find table references, so literals, operators,
// punctuation, and comments all collapse into KindOther.
type Kind int

const (
	// KindOther covers everything without structural meaning here.
	KindOther Kind = iota

	// KindKeyword is a reserved word from the keyword table. Its text
	// is stored uppercased.
	KindKeyword

	// KindIdentifier is a bare or double-quoted name. Bare text keeps
	// its written case; folding happens at comparison time.
	KindIdentifier

	// KindFunctionCall is an identifier whose next token opens a
	// parenthesis group.
	KindFunctionCall

	// KindParenOpen is "(".
	KindParenOpen

	// KindParenClose is ")".
	KindParenClose
)

func (k Kind) String() string {
	switch k {
	case KindKeyword:
		return "keyword"
	case KindIdentifier:
		return "identifier"
	case KindFunctionCall:
		return "function_call"
	case KindParenOpen:
		return "paren_open"
	case KindParenClose:
		return "paren_close"
	default:
		return "other"
	}
}

// Token is one scanned unit of a query.
type Token struct {
	Kind Kind
	Text string

	// Quoted records that an identifier carried double quotes. Quoted
	// names resolve verbatim, unquoted names fold to lowercase.
	Quoted bool
}

// keywords lists the reserved words the table extractor needs to see
// as structure. Function names such as COUNT, EXTRACT, or SUBSTRING
// are left out on purpose: they must scan as identifiers so the
// function-call pass can tag them and their argument lists can be
// skipped as a unit.
var keywords = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "AS": true,
	"JOIN": true, "INNER": true, "LEFT": true, "RIGHT": true,
	"FULL": true, "OUTER": true, "CROSS": true, "NATURAL": true,
	"LATERAL": true, "ON": true, "USING": true,
	"WITH": true, "RECURSIVE": true,
	"GROUP": true, "BY": true, "HAVING": true,
	"ORDER": true, "ASC": true, "DESC": true,
	"LIMIT": true, "OFFSET": true, "FETCH": true,
	"UNION": true, "INTERSECT": true, "EXCEPT": true, "ALL": true,
	"DISTINCT": true, "VALUES": true,
	"AND": true, "OR": true, "NOT": true, "IN": true,
	"EXISTS": true, "BETWEEN": true, "LIKE": true, "ILIKE": true,
	"IS": true, "NULL": true,
	"CASE": true, "WHEN": true, "THEN": true, "ELSE": true, "END": true,
}

// Scan tokenizes a query. It is total: malformed input such as an
// unterminated string produces tokens up to the end of the input
// rather than an error, since a broken query should surface through a
// failed check, not a tokenizer panic.
func Scan(query string) []Token {
	s := &scanner{input: query}
	s.readChar()

	tokens := make([]Token, 0, 64)
	for {
		tok, ok := s.next()
		if !ok {
			break
		}
		tokens = append(tokens, tok)
	}

	markFunctionCalls(tokens)
	return tokens
}

// markFunctionCalls retags identifiers that open a parenthesis group.
// Keywords never convert, so COUNT(*) becomes a function call while
// IN (...) and VALUES (...) keep their keyword kind.
func markFunctionCalls(tokens []Token) {
	for i := 0; i+1 < len(tokens); i++ {
		if tokens[i].Kind == KindIdentifier && tokens[i+1].Kind == KindParenOpen {
			tokens[i].Kind = KindFunctionCall
		}
	}
}

type scanner struct {
	input   string
	pos     int  // index of the byte after current
	current byte // zero once the input is exhausted
}

func (s *scanner) readChar() {
	if s.pos >= len(s.input) {
		s.current = 0
		s.pos = len(s.input) + 1
		return
	}
	s.current = s.input[s.pos]
	s.pos++
}

func (s *scanner) peekChar() byte {
	if s.pos >= len(s.input) {
		return 0
	}
	return s.input[s.pos]
}

func (s *scanner) next() (Token, bool) {
	for isSpace(s.current) {
		s.readChar()
	}

	switch {
	case s.current == 0:
		return Token{}, false
	case s.current == '(':
		s.readChar()
		return Token{Kind: KindParenOpen, Text: "("}, true
	case s.current == ')':
		s.readChar()
		return Token{Kind: KindParenClose, Text: ")"}, true
	case s.current == '"':
		return s.readQuoted(), true
	case s.current == '\'':
		return s.readLiteral(), true
	case s.current == '-' && s.peekChar() == '-':
		return s.readLineComment(), true
	case s.current == '/' && s.peekChar() == '*':
		return s.readBlockComment(), true
	case isWordStart(s.current):
		return s.readWord(), true
	case isDigit(s.current):
		return s.readNumber(), true
	default:
		ch := s.current
		s.readChar()
		return Token{Kind: KindOther, Text: string(rune(ch))}, true
	}
}

func (s *scanner) readWord() Token {
	var b strings.Builder
	for isWordChar(s.current) {
		b.WriteByte(s.current)
		s.readChar()
	}

	word := b.String()
	if upper := strings.ToUpper(word); keywords[upper] {
		return Token{Kind: KindKeyword, Text: upper}
	}
	return Token{Kind: KindIdentifier, Text: word}
}

// readQuoted reads a double-quoted identifier. A doubled quote inside
// the name escapes to a single quote character.
func (s *scanner) readQuoted() Token {
	var b strings.Builder
	s.readChar()
	for s.current != 0 {
		if s.current == '"' {
			if s.peekChar() == '"' {
				b.WriteByte('"')
				s.readChar()
				s.readChar()
				continue
			}
			s.readChar()
			break
		}
		b.WriteByte(s.current)
		s.readChar()
	}
	return Token{Kind: KindIdentifier, Text: b.String(), Quoted: true}
}

// readLiteral reads a single-quoted string, with '' as the escape.
func (s *scanner) readLiteral() Token {
	var b strings.Builder
	s.readChar()
	for s.current != 0 {
		if s.current == '\'' {
			if s.peekChar() == '\'' {
				b.WriteByte('\'')
				s.readChar()
				s.readChar()
				continue
			}
			s.readChar()
			break
		}
		b.WriteByte(s.current)
		s.readChar()
	}
	return Token{Kind: KindOther, Text: b.String()}
}

func (s *scanner) readLineComment() Token {
	var b strings.Builder
	for s.current != 0 && s.current != '\n' {
		b.WriteByte(s.current)
		s.readChar()
	}
	return Token{Kind: KindOther, Text: b.String()}
}

func (s *scanner) readBlockComment() Token {
	var b strings.Builder
	for s.current != 0 {
		if s.current == '*' && s.peekChar() == '/' {
			b.WriteString("*/")
			s.readChar()
			s.readChar()
			break
		}
		b.WriteByte(s.current)
		s.readChar()
	}
	return Token{Kind: KindOther, Text: b.String()}
}

func (s *scanner) readNumber() Token {
	var b strings.Builder
	for isDigit(s.current) || s.current == '.' {
		b.WriteByte(s.current)
		s.readChar()
	}
	return Token{Kind: KindOther, Text: b.String()}
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\r' || ch == '\n'
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

// isWordStart reports whether ch can begin a bare identifier. Bytes
// past ASCII count as identifier bytes so multi-byte names pass
// through the scanner untouched.
func isWordStart(ch byte) bool {
	return ch == '_' || ch >= 0x80 ||
		(ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isWordChar(ch byte) bool {
	return isWordStart(ch) || isDigit(ch) || ch == '$'
}
