package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrConfigIncomplete is returned when a descriptor lacks required fields.
	// No connection is attempted.
	ErrConfigIncomplete = errors.New("connection config incomplete")
	// ErrConnectionFailed is returned when the engine is unreachable or the
	// database file does not exist.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrReadOnly is returned when a statement is rejected because it could
	// modify the database.
	ErrReadOnly = errors.New("read-only connection")
	// ErrUnknownTable is returned when a table name is not in the schema.
	ErrUnknownTable = errors.New("unknown table")
)

// Conn is a read-only database handle. Implementations refuse writes at the
// engine level; none of the methods can mutate state.
type Conn interface {
	Kind() Kind
	// ListTables returns table names in ascending order.
	ListTables(ctx context.Context) ([]string, error)
	// Columns runs a zero-row probe against table and reads the result metadata.
	Columns(ctx context.Context, table string) ([]Column, error)
	// Explain asks the engine to plan query without running it.
	Explain(ctx context.Context, query string) error
	// Query runs query and returns at most maxRows rows.
	Query(ctx context.Context, query string, maxRows int) (*ResultSet, error)
	Close() error
}

// Column describes one result column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ResultSet is a bounded tabular query result.
type ResultSet struct {
	Columns   []string   `json:"columns"`
	Rows      [][]string `json:"rows"`
	Truncated bool       `json:"truncated"`
}

// Text renders the result as a pipe-separated table.
func (r *ResultSet) Text() string {
	var sb strings.Builder
	sb.WriteString(strings.Join(r.Columns, " | "))
	for _, row := range r.Rows {
		sb.WriteByte('\n')
		sb.WriteString(strings.Join(row, " | "))
	}
	switch {
	case len(r.Rows) == 0:
		sb.WriteString("\n(no rows)")
	case r.Truncated:
		fmt.Fprintf(&sb, "\n(showing first %d rows, result truncated)", len(r.Rows))
	}
	return sb.String()
}

// formatValue renders a scanned driver value for display.
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(x)
	case string:
		return x
	case time.Time:
		return x.Format(time.RFC3339)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// knownTable checks table against the engine's table list so that only
// existing names are ever quoted into SQL.
func knownTable(ctx context.Context, c Conn, table string) error {
	tables, err := c.ListTables(ctx)
	if err != nil {
		return err
	}
	for _, t := range tables {
		if t == table {
			return nil
		}
	}
	return fmt.Errorf("%w: %q (available: %s)", ErrUnknownTable, table, strings.Join(tables, ", "))
}

// quoteIdent quotes an identifier with q, doubling embedded quote characters.
func quoteIdent(name string, q string) string {
	return q + strings.ReplaceAll(name, q, q+q) + q
}
