package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// sqlConn is a Conn over database/sql, shared by the sqlite and mysql engines.
type sqlConn struct {
	db         *sql.DB
	kind       Kind
	quote      string
	listTables string
	// readOnlyTx wraps every statement in a READ ONLY transaction. The sqlite
	// engine is read-only at open time instead.
	readOnlyTx bool
}

func (c *sqlConn) Kind() Kind { return c.kind }

func (c *sqlConn) Close() error { return c.db.Close() }

// ListTables returns all table names, sorted.
func (c *sqlConn) ListTables(ctx context.Context) ([]string, error) {
	var tables []string
	err := c.withQuery(ctx, c.listTables, func(rows *sql.Rows) error {
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return fmt.Errorf("scan table name: %w", err)
			}
			tables = append(tables, name)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	sort.Strings(tables)
	return tables, nil
}

// Columns probes table with a zero-row select and reads the column metadata.
func (c *sqlConn) Columns(ctx context.Context, table string) ([]Column, error) {
	if err := knownTable(ctx, c, table); err != nil {
		return nil, err
	}
	probe := fmt.Sprintf("SELECT * FROM %s LIMIT 0", quoteIdent(table, c.quote))
	var cols []Column
	err := c.withQuery(ctx, probe, func(rows *sql.Rows) error {
		types, err := rows.ColumnTypes()
		if err != nil {
			return fmt.Errorf("column types: %w", err)
		}
		for _, t := range types {
			cols = append(cols, Column{Name: t.Name(), Type: t.DatabaseTypeName()})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	return cols, nil
}

// Explain plans query without executing it.
func (c *sqlConn) Explain(ctx context.Context, query string) error {
	return c.withQuery(ctx, planStatement(query), func(rows *sql.Rows) error {
		for rows.Next() {
		}
		return rows.Err()
	})
}

// Query executes query and collects up to maxRows rows.
func (c *sqlConn) Query(ctx context.Context, query string, maxRows int) (*ResultSet, error) {
	rs := &ResultSet{}
	err := c.withQuery(ctx, query, func(rows *sql.Rows) error {
		cols, err := rows.Columns()
		if err != nil {
			return fmt.Errorf("columns: %w", err)
		}
		rs.Columns = cols
		for rows.Next() {
			if maxRows > 0 && len(rs.Rows) >= maxRows {
				rs.Truncated = true
				break
			}
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return fmt.Errorf("scan row: %w", err)
			}
			row := make([]string, len(vals))
			for i, v := range vals {
				row[i] = formatValue(v)
			}
			rs.Rows = append(rs.Rows, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// withQuery runs query and hands the rows to fn. With readOnlyTx set the
// statement runs inside a read-only transaction that is always rolled back.
func (c *sqlConn) withQuery(ctx context.Context, query string, fn func(*sql.Rows) error) error {
	if !c.readOnlyTx {
		rows, err := c.db.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()
		return fn(rows)
	}

	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin read-only tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	return fn(rows)
}
