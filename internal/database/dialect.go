package database

import (
	"strconv"
	"strings"
)

// Dialect controls which SQL placeholder style statements use.
type Dialect int

const (
	// DialectPostgres uses $1, $2, … placeholders.
	DialectPostgres Dialect = iota

	// DialectMySQL uses ? placeholders.
	DialectMySQL
)

func (d Dialect) String() string {
	if d == DialectMySQL {
		return "mysql"
	}
	return "postgres"
}

// Placeholder returns the parameter placeholder for the 1-based idx.
// Postgres: $1, $2, …   MySQL: ? (index is ignored)
func (d Dialect) Placeholder(idx int) string {
	if d == DialectMySQL {
		return "?"
	}
	return "$" + strconv.Itoa(idx)
}

// Rebind rewrites a statement written with ? placeholders for the dialect.
// Question marks inside single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d == DialectMySQL {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	idx, quoted := 1, false
	for _, r := range query {
		switch {
		case r == '\'':
			quoted = !quoted
		case r == '?' && !quoted:
			sb.WriteString(d.Placeholder(idx))
			idx++
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// QuoteIdent quotes a SQL identifier for the dialect. This safely handles
// reserved words and mixed-case names.
func (d Dialect) QuoteIdent(name string) string {
	if d == DialectMySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
