package stats

import (
	"strings"

	"github.com/indexpilot/indexpilot/internal/domain"
)

// ExtractColumnRefs derives the column reference set of a statement with a
// lightweight scan. It understands SELECT/UPDATE/DELETE with WHERE, JOIN and
// ORDER BY; anything else yields no references. This is not a full SQL
// parser; it only needs to see which columns a query class touches and how.
func ExtractColumnRefs(sql string) []domain.ColumnRef {
	toks := tokenize(Fingerprint(sql))
	if len(toks) == 0 {
		return nil
	}

	var mainTable string
	aliases := map[string]string{} // alias -> table

	switch toks[0] {
	case "select", "delete":
		mainTable = tableAfter(toks, "from", aliases)
	case "update":
		if len(toks) > 1 && isIdentTok(toks[1]) {
			mainTable = toks[1]
			aliases[mainTable] = mainTable
			// UPDATE t AS a / UPDATE t a
			if len(toks) > 2 && toks[2] == "as" && len(toks) > 3 && isIdentTok(toks[3]) {
				aliases[toks[3]] = mainTable
			} else if len(toks) > 2 && isIdentTok(toks[2]) && toks[2] != "set" {
				aliases[toks[2]] = mainTable
			}
		}
	default:
		return nil
	}
	if mainTable == "" {
		return nil
	}

	collectJoinTables(toks, aliases)

	var refs []domain.ColumnRef
	seen := map[string]bool{}
	add := func(table, column string, kind domain.RefKind) {
		if table == "" || column == "" {
			return
		}
		key := table + "." + column + string(rune('0'+int(kind)))
		if seen[key] {
			return
		}
		seen[key] = true
		refs = append(refs, domain.ColumnRef{Table: table, Column: column, Kind: kind})
	}

	resolve := func(tok string) (table, column string) {
		if i := strings.IndexByte(tok, '.'); i >= 0 {
			alias, col := tok[:i], tok[i+1:]
			if t, ok := aliases[alias]; ok {
				return t, col
			}
			return alias, col
		}
		return mainTable, tok
	}

	// Projection columns between SELECT and FROM.
	if toks[0] == "select" {
		for i := 1; i < len(toks) && toks[i] != "from"; i++ {
			t := toks[i]
			if t == "distinct" || t == "," || t == "*" || t == "as" {
				continue
			}
			if isIdentTok(t) && !sqlKeywords[t] {
				// Skip function names: next token is an opening paren.
				if i+1 < len(toks) && toks[i+1] == "(" {
					continue
				}
				// Skip aliases introduced by AS.
				if i > 1 && toks[i-1] == "as" {
					continue
				}
				tbl, col := resolve(t)
				add(tbl, col, domain.RefProjection)
			}
		}
	}

	// WHERE predicates and JOIN conditions.
	for i := 0; i < len(toks); i++ {
		switch toks[i] {
		case "on":
			// JOIN ... ON a.x = b.y
			if i+3 < len(toks) && isColumnTok(toks[i+1]) && toks[i+2] == "=" && isColumnTok(toks[i+3]) {
				t1, c1 := resolve(toks[i+1])
				t2, c2 := resolve(toks[i+3])
				add(t1, c1, domain.RefJoin)
				add(t2, c2, domain.RefJoin)
			}
		case "where", "and", "or":
			if i+2 >= len(toks) || !isColumnTok(toks[i+1]) {
				continue
			}
			tbl, col := resolve(toks[i+1])
			op := toks[i+2]
			switch op {
			case "=":
				// col = col is a join predicate, col = ? an equality filter
				if i+3 < len(toks) && isColumnTok(toks[i+3]) {
					t2, c2 := resolve(toks[i+3])
					add(tbl, col, domain.RefJoin)
					add(t2, c2, domain.RefJoin)
				} else {
					add(tbl, col, domain.RefEquality)
				}
			case "in":
				add(tbl, col, domain.RefEquality)
			case "<", ">", "<=", ">=", "<>", "!=", "between", "like", "ilike":
				add(tbl, col, domain.RefRange)
			case "is":
				add(tbl, col, domain.RefEquality)
			}
		case "order":
			if i+1 < len(toks) && toks[i+1] == "by" {
				for j := i + 2; j < len(toks); j++ {
					t := toks[j]
					if t == "," || t == "asc" || t == "desc" {
						continue
					}
					if !isColumnTok(t) || sqlKeywords[t] {
						break
					}
					tbl, col := resolve(t)
					add(tbl, col, domain.RefOrder)
				}
			}
		}
	}

	return refs
}

// tableAfter finds the table name following a keyword and records aliases.
func tableAfter(toks []string, keyword string, aliases map[string]string) string {
	for i, t := range toks {
		if t != keyword {
			continue
		}
		if i+1 < len(toks) && isIdentTok(toks[i+1]) {
			table := toks[i+1]
			aliases[table] = table
			if i+2 < len(toks) && toks[i+2] == "as" && i+3 < len(toks) && isIdentTok(toks[i+3]) {
				aliases[toks[i+3]] = table
			} else if i+2 < len(toks) && isIdentTok(toks[i+2]) && !sqlKeywords[toks[i+2]] {
				aliases[toks[i+2]] = table
			}
			return table
		}
		break
	}
	return ""
}

// collectJoinTables records "join <table> [as] <alias>" pairs.
func collectJoinTables(toks []string, aliases map[string]string) {
	for i, t := range toks {
		if t != "join" || i+1 >= len(toks) || !isIdentTok(toks[i+1]) {
			continue
		}
		table := toks[i+1]
		aliases[table] = table
		if i+2 < len(toks) && toks[i+2] == "as" && i+3 < len(toks) && isIdentTok(toks[i+3]) {
			aliases[toks[i+3]] = table
		} else if i+2 < len(toks) && isIdentTok(toks[i+2]) && !sqlKeywords[toks[i+2]] {
			aliases[toks[i+2]] = table
		}
	}
}

// tokenize splits a fingerprinted statement into words and punctuation.
func tokenize(s string) []string {
	var toks []string
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ':
			i++
		case isWordStart(c):
			start := i
			for i < len(s) && (isWordPart(s[i]) || s[i] == '.') {
				i++
			}
			toks = append(toks, s[start:i])
		case c == '<' || c == '>' || c == '!':
			if i+1 < len(s) && s[i+1] == '=' {
				toks = append(toks, s[i:i+2])
				i += 2
			} else if c == '<' && i+1 < len(s) && s[i+1] == '>' {
				toks = append(toks, "<>")
				i += 2
			} else {
				toks = append(toks, string(c))
				i++
			}
		default:
			toks = append(toks, string(c))
			i++
		}
	}
	return toks
}

func isIdentTok(t string) bool {
	return t != "" && isWordStart(t[0]) && !sqlKeywords[t] && t != "?"
}

func isColumnTok(t string) bool {
	if t == "" || t == "?" {
		return false
	}
	if i := strings.IndexByte(t, '.'); i >= 0 {
		return isIdentTok(t[:i]) && t[i+1:] != ""
	}
	return isIdentTok(t)
}
