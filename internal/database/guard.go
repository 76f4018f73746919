package database

import (
	"fmt"
	"strings"
	"unicode"
)

// readStatements lists the leading keywords a query may start with.
var readStatements = map[string]bool{
	"select":   true,
	"with":     true,
	"explain":  true,
	"show":     true,
	"describe": true,
	"desc":     true,
	"values":   true,
}

// CheckReadOnly rejects statements that do not start with a read keyword and
// input holding more than one statement. It is a fast first filter that gives
// the model a readable reason; the connection itself is opened read-only, so a
// statement that slips through still cannot write.
func CheckReadOnly(query string) error {
	q := stripComments(query)
	q = strings.TrimSpace(q)
	q = strings.TrimRight(q, "; \t\r\n")
	if q == "" {
		return fmt.Errorf("%w: empty statement", ErrReadOnly)
	}
	if hasSecondStatement(q) {
		return fmt.Errorf("%w: only a single statement is allowed", ErrReadOnly)
	}
	kw := strings.ToLower(firstWord(q))
	if !readStatements[kw] {
		return fmt.Errorf("%w: %s statements are not allowed", ErrReadOnly, strings.ToUpper(kw))
	}
	return nil
}

// planStatement returns the statement that plans query. A query that is
// already an EXPLAIN is used as is.
func planStatement(query string) string {
	if strings.EqualFold(firstWord(stripComments(query)), "explain") {
		return query
	}
	return "EXPLAIN " + query
}

func firstWord(s string) string {
	s = strings.TrimLeft(s, "( \t\r\n")
	end := strings.IndexFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	if end < 0 {
		return s
	}
	return s[:end]
}

// stripComments removes -- line comments and /* */ block comments outside
// string literals.
func stripComments(s string) string {
	var sb strings.Builder
	var quote rune
	rs := []rune(s)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		if quote != 0 {
			sb.WriteRune(r)
			if r == quote {
				quote = 0
			}
			continue
		}
		switch {
		case r == '\'' || r == '"' || r == '`':
			quote = r
			sb.WriteRune(r)
		case r == '-' && i+1 < len(rs) && rs[i+1] == '-':
			for i < len(rs) && rs[i] != '\n' {
				i++
			}
			sb.WriteRune(' ')
		case r == '/' && i+1 < len(rs) && rs[i+1] == '*':
			i += 2
			for i+1 < len(rs) && !(rs[i] == '*' && rs[i+1] == '/') {
				i++
			}
			i++
			sb.WriteRune(' ')
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// hasSecondStatement reports a ';' outside string literals.
func hasSecondStatement(s string) bool {
	var quote rune
	for _, r := range s {
		if quote != 0 {
			if r == quote {
				quote = 0
			}
			continue
		}
		switch r {
		case '\'', '"', '`':
			quote = r
		case ';':
			return true
		}
	}
	return false
}
