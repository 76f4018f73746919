package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

const mysqlListTables = `SELECT table_name FROM information_schema.tables
	WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'`

// openMySQL connects to a MySQL server. Statements always run inside
// READ ONLY transactions, which the server enforces.
func openMySQL(ctx context.Context, d Descriptor, opts Options) (Conn, error) {
	cfg := mysql.NewConfig()
	cfg.User = d.User
	cfg.Passwd = d.Password
	cfg.Net = "tcp"
	cfg.Addr = d.Address()
	cfg.DBName = d.Database
	cfg.Timeout = opts.DialTimeout
	cfg.ReadTimeout = opts.QueryTimeout
	cfg.ParseTime = true

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: mysql config: %w", ErrConnectionFailed, err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, d, err)
	}

	return &sqlConn{
		db:         db,
		kind:       KindMySQL,
		quote:      "`",
		listTables: mysqlListTables,
		readOnlyTx: true,
	}, nil
}
