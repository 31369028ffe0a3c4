// Package stats implements the query statistics store: fingerprinting,
// non-blocking ingest, per-fingerprint aggregation and the spike-vs-sustained
// classifier that decides which query classes may motivate index candidates.
package stats

import (
	"strings"
	"unicode"
)

// sqlKeywords are lowercased during normalization. Identifiers are untouched
// so that fingerprints stay case-sensitive where the schema is.
var sqlKeywords = map[string]bool{
	"select": true, "from": true, "where": true, "and": true, "or": true,
	"not": true, "in": true, "is": true, "null": true, "like": true,
	"ilike": true, "between": true, "order": true, "by": true, "group": true,
	"having": true, "limit": true, "offset": true, "join": true, "inner": true,
	"left": true, "right": true, "full": true, "outer": true, "on": true,
	"as": true, "update": true, "set": true, "delete": true, "insert": true,
	"into": true, "values": true, "distinct": true, "union": true, "all": true,
	"exists": true, "case": true, "when": true, "then": true, "else": true,
	"end": true, "asc": true, "desc": true, "using": true, "returning": true,
	"with": true, "cross": true, "natural": true, "any": true,
}

// Fingerprint normalizes a SQL statement into its query-class form: comments
// stripped, every literal and parameter placeholder replaced by '?',
// whitespace collapsed, keywords lowercased. Ordering is preserved, so
// "SELECT a, b" and "SELECT b, a" fingerprint differently.
func Fingerprint(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))

	i := 0
	n := len(sql)
	lastWasSpace := true // suppress a leading space

	writeSpace := func() {
		if !lastWasSpace {
			b.WriteByte(' ')
			lastWasSpace = true
		}
	}
	writeToken := func(s string) {
		b.WriteString(s)
		lastWasSpace = false
	}

	for i < n {
		c := sql[i]
		switch {
		// Line comment
		case c == '-' && i+1 < n && sql[i+1] == '-':
			for i < n && sql[i] != '\n' {
				i++
			}
			writeSpace()

		// Block comment (no nesting; matches Postgres' lexer closely enough)
		case c == '/' && i+1 < n && sql[i+1] == '*':
			i += 2
			for i+1 < n && !(sql[i] == '*' && sql[i+1] == '/') {
				i++
			}
			i += 2
			writeSpace()

		// Quoted string literal, including escaped '' pairs
		case c == '\'':
			i++
			for i < n {
				if sql[i] == '\'' {
					if i+1 < n && sql[i+1] == '\'' {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
			writeToken("?")

		// Quoted identifier: copied verbatim, case preserved
		case c == '"':
			start := i
			i++
			for i < n && sql[i] != '"' {
				i++
			}
			if i < n {
				i++
			}
			writeToken(sql[start:i])

		// Parameter placeholder $1, $2, ...
		case c == '$' && i+1 < n && isDigit(sql[i+1]):
			i++
			for i < n && isDigit(sql[i]) {
				i++
			}
			writeToken("?")

		// Bare placeholder
		case c == '?':
			i++
			writeToken("?")

		// Numeric literal
		case isDigit(c), c == '.' && i+1 < n && isDigit(sql[i+1]):
			for i < n && (isDigit(sql[i]) || sql[i] == '.' || sql[i] == 'e' || sql[i] == 'E' ||
				((sql[i] == '+' || sql[i] == '-') && i > 0 && (sql[i-1] == 'e' || sql[i-1] == 'E'))) {
				i++
			}
			writeToken("?")

		// Word: keyword or identifier
		case isWordStart(c):
			start := i
			for i < n && isWordPart(sql[i]) {
				i++
			}
			word := sql[start:i]
			if sqlKeywords[strings.ToLower(word)] {
				writeToken(strings.ToLower(word))
			} else {
				writeToken(word)
			}

		// Whitespace run
		case unicode.IsSpace(rune(c)):
			for i < n && unicode.IsSpace(rune(sql[i])) {
				i++
			}
			writeSpace()

		default:
			writeToken(string(c))
			i++
		}
	}

	return strings.TrimSpace(b.String())
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isWordPart(c byte) bool {
	return isWordStart(c) || isDigit(c)
}
