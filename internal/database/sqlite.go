package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const sqliteListTables = `SELECT name FROM sqlite_master
	WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
	ORDER BY name`

// sqliteDSN builds a URI filename that opens the file read-only and turns on
// query_only, so the engine rejects writes on every pooled connection.
func sqliteDSN(path string, busyTimeoutMS int) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	q := url.Values{}
	q.Set("mode", "ro")
	q.Add("_pragma", "query_only(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS))
	u.RawQuery = q.Encode()
	return u.String()
}

// openSQLite opens a local database file in enforced read-only mode.
func openSQLite(ctx context.Context, d Descriptor, opts Options) (Conn, error) {
	path, err := filepath.Abs(d.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", ErrConnectionFailed, d.Path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: database file %s: %w", ErrConnectionFailed, path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrConnectionFailed, path)
	}

	db, err := sql.Open("sqlite", sqliteDSN(path, int(opts.BusyTimeout.Milliseconds())))
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrConnectionFailed, path, err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", ErrConnectionFailed, path, err)
	}

	return &sqlConn{
		db:         db,
		kind:       KindSQLite,
		quote:      `"`,
		listTables: sqliteListTables,
	}, nil
}
