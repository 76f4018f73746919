package database

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgListTables = `SELECT table_name FROM information_schema.tables
	WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
	ORDER BY table_name`

// pgConn wraps a PostgreSQL connection pool whose sessions default to
// read-only transactions.
type pgConn struct {
	pool *pgxpool.Pool
}

// openPostgres creates a pgx pool with default_transaction_read_only=on.
func openPostgres(ctx context.Context, d Descriptor, opts Options) (Conn, error) {
	cfg, err := pgxpool.ParseConfig("")
	if err != nil {
		return nil, fmt.Errorf("%w: pg config: %w", ErrConnectionFailed, err)
	}
	port := d.Port
	if port == 0 {
		port = KindPostgres.defaultPort()
	}
	cfg.ConnConfig.Host = d.Host
	cfg.ConnConfig.Port = uint16(port)
	cfg.ConnConfig.User = d.User
	cfg.ConnConfig.Password = d.Password
	cfg.ConnConfig.Database = d.Database
	cfg.ConnConfig.ConnectTimeout = opts.DialTimeout
	cfg.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"
	cfg.ConnConfig.RuntimeParams["application_name"] = "querydesk"
	cfg.MaxConns = int32(opts.MaxOpenConns)
	cfg.MaxConnLifetime = opts.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connect postgres %s: %w", ErrConnectionFailed, d, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping postgres %s: %w", ErrConnectionFailed, d, err)
	}
	return &pgConn{pool: pool}, nil
}

func (c *pgConn) Kind() Kind { return KindPostgres }

func (c *pgConn) Close() error {
	c.pool.Close()
	return nil
}

func (c *pgConn) ListTables(ctx context.Context) ([]string, error) {
	var tables []string
	err := c.readOnly(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, pgListTables)
		if err != nil {
			return err
		}
		tables, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	sort.Strings(tables)
	return tables, nil
}

func (c *pgConn) Columns(ctx context.Context, table string) ([]Column, error) {
	if err := knownTable(ctx, c, table); err != nil {
		return nil, err
	}
	probe := fmt.Sprintf("SELECT * FROM %s LIMIT 0", quoteIdent(table, `"`))
	var cols []Column
	err := c.readOnly(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, probe)
		if err != nil {
			return err
		}
		defer rows.Close()
		typeMap := tx.Conn().TypeMap()
		for _, fd := range rows.FieldDescriptions() {
			typeName := fmt.Sprintf("oid:%d", fd.DataTypeOID)
			if t, ok := typeMap.TypeForOID(fd.DataTypeOID); ok {
				typeName = t.Name
			}
			cols = append(cols, Column{Name: fd.Name, Type: typeName})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	return cols, nil
}

func (c *pgConn) Explain(ctx context.Context, query string) error {
	return c.readOnly(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, planStatement(query))
		if err != nil {
			return err
		}
		rows.Close()
		return rows.Err()
	})
}

func (c *pgConn) Query(ctx context.Context, query string, maxRows int) (*ResultSet, error) {
	rs := &ResultSet{}
	err := c.readOnly(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()
		for _, fd := range rows.FieldDescriptions() {
			rs.Columns = append(rs.Columns, fd.Name)
		}
		for rows.Next() {
			if maxRows > 0 && len(rs.Rows) >= maxRows {
				rs.Truncated = true
				break
			}
			vals, err := rows.Values()
			if err != nil {
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

// readOnly runs fn inside a READ ONLY transaction that is always rolled back.
func (c *pgConn) readOnly(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin read-only tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return fn(tx)
}
