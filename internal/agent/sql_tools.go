package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nidhogg/querydesk/internal/database"
)

// DefaultMaxRows caps execute_query results.
const DefaultMaxRows = 100

// SQLTools implements the database tools over one read-only connection.
type SQLTools struct {
	conn    database.Conn
	maxRows int
}

// NewSQLTools wraps conn. maxRows <= 0 selects DefaultMaxRows.
func NewSQLTools(conn database.Conn, maxRows int) *SQLTools {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &SQLTools{conn: conn, maxRows: maxRows}
}

// Dialect names the SQL dialect of the connection.
func (s *SQLTools) Dialect() string { return s.conn.Kind().Dialect() }

// ListTables returns the sorted table names.
func (s *SQLTools) ListTables(ctx context.Context) ([]string, error) {
	tables, err := s.conn.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(tables)
	return tables, nil
}

// DescribeSchema returns the columns of table. The name must be one of
// ListTables; otherwise the error lists the known tables.
func (s *SQLTools) DescribeSchema(ctx context.Context, table string) ([]database.Column, error) {
	tables, err := s.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	if !contains(tables, table) {
		return nil, fmt.Errorf("%w %q, known tables: %s",
			database.ErrUnknownTable, table, strings.Join(tables, ", "))
	}
	return s.conn.Columns(ctx, table)
}

// ValidateQuery checks that query is a read statement the engine can plan.
func (s *SQLTools) ValidateQuery(ctx context.Context, query string) error {
	if err := database.CheckReadOnly(query); err != nil {
		return err
	}
	return s.conn.Explain(ctx, query)
}

// ExecuteQuery runs a read statement and returns at most maxRows rows.
func (s *SQLTools) ExecuteQuery(ctx context.Context, query string) (*database.ResultSet, error) {
	if err := database.CheckReadOnly(query); err != nil {
		return nil, err
	}
	return s.conn.Query(ctx, query, s.maxRows)
}

// Registry builds the tool registry backed by s.
func (s *SQLTools) Registry(timeout time.Duration) *ToolRegistry {
	r, err := NewToolRegistry([]Tool{
		{
			Kind:        ToolListTables,
			Description: "Lists the tables in the database. Use this first to see what can be queried.",
			Input:       "an empty string",
			handler:     s.listTablesTool,
		},
		{
			Kind: ToolDescribeSchema,
			Description: "Returns the columns and their types for the given tables. " +
				"Be sure the tables exist by calling list_tables first.",
			Input:   "a comma-separated list of table names, for example: student, teacher",
			handler: s.describeSchemaTool,
		},
		{
			Kind: ToolValidateQuery,
			Description: "Checks a SQL query for errors without running it. " +
				"Always use this before execute_query.",
			Input:   "a single read-only SQL query",
			handler: s.validateQueryTool,
		},
		{
			Kind: ToolExecuteQuery,
			Description: "Runs a read-only SQL query and returns the result rows. " +
				"If the query is wrong, an error is returned; rewrite the query and try again.",
			Input:   "a single, correct, read-only SQL query",
			handler: s.executeQueryTool,
		},
	}, timeout)
	if err != nil {
		// the tool set above is complete
		panic(err)
	}
	return r
}

func (s *SQLTools) listTablesTool(ctx context.Context, _ string) Result {
	tables, err := s.ListTables(ctx)
	if err != nil {
		return Recoverable(err)
	}
	if len(tables) == 0 {
		return Ok("(no tables)")
	}
	return Ok(strings.Join(tables, ", "))
}

func (s *SQLTools) describeSchemaTool(ctx context.Context, input string) Result {
	var names []string
	for _, n := range strings.Split(input, ",") {
		if n = CleanInput(n); n != "" {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return Recoverable(fmt.Errorf("%s needs at least one table name", ToolDescribeSchema))
	}

	var sb strings.Builder
	for i, name := range names {
		cols, err := s.DescribeSchema(ctx, name)
		if err != nil {
			return Recoverable(err)
		}
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "Table %s:", name)
		for _, c := range cols {
			fmt.Fprintf(&sb, "\n  %s %s", c.Name, c.Type)
		}
	}
	return Ok(sb.String())
}

func (s *SQLTools) validateQueryTool(ctx context.Context, input string) Result {
	if err := s.ValidateQuery(ctx, input); err != nil {
		return Recoverable(err)
	}
	return Ok("The query is valid.")
}

func (s *SQLTools) executeQueryTool(ctx context.Context, input string) Result {
	rs, err := s.ExecuteQuery(ctx, input)
	if err != nil {
		return Recoverable(err)
	}
	return Ok(rs.Text())
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
