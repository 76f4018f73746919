//go:build integration

package database

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"
)

// startPostgres starts a PostgreSQL testcontainer seeded with the student
// table and returns a descriptor for it.
func startPostgres(t *testing.T) Descriptor {
	t.Helper()
	ctx := context.Background()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("school"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	testcontainers.CleanupContainer(t, container)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pg connection string: %v", err)
	}
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close(ctx)
	for _, s := range []string{
		`CREATE TABLE student (name VARCHAR(25), class VARCHAR(25), section VARCHAR(25), marks INT)`,
		`INSERT INTO student VALUES ('Krish', 'Data Science', 'A', 90), ('John', 'Data Science', 'B', 100),
			('Mukesh', 'Data Science', 'A', 86), ('Jacob', 'DEVOPS', 'A', 50), ('Dipesh', 'DEVOPS', 'A', 35)`,
	} {
		if _, err := conn.Exec(ctx, s); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	p, _ := strconv.Atoi(port.Port())
	return Descriptor{Kind: KindPostgres, Host: host, Port: p, User: "test", Password: "test", Database: "school"}
}

func TestPostgresReadOnly(t *testing.T) {
	d := startPostgres(t)
	g := NewGateway(DefaultOptions(), zap.NewNop())
	defer g.Close()
	ctx := context.Background()

	conn, err := g.Acquire(ctx, d)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	tables, err := conn.ListTables(ctx)
	if err != nil || len(tables) != 1 || tables[0] != "student" {
		t.Fatalf("tables = %v, %v", tables, err)
	}
	cols, err := conn.Columns(ctx, "student")
	if err != nil || len(cols) != 4 {
		t.Fatalf("columns = %v, %v", cols, err)
	}
	if _, err := conn.Columns(ctx, "teacher"); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("got %v, want ErrUnknownTable", err)
	}

	for _, q := range []string{
		`DELETE FROM student`,
		`UPDATE student SET marks = 0`,
		`CREATE TABLE hacked (id INT)`,
		`WITH gone AS (DELETE FROM student RETURNING *) SELECT COUNT(*) FROM gone`,
	} {
		if _, err := conn.Query(ctx, q, 10); err == nil {
			t.Errorf("write %q succeeded on read-only handle", q)
		}
	}

	rs, err := conn.Query(ctx, `SELECT COUNT(*) FROM student`, 10)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if rs.Rows[0][0] != "5" {
		t.Errorf("count = %v after refused writes", rs.Rows)
	}
	if err := conn.Explain(ctx, `SELECT name FROM student`); err != nil {
		t.Errorf("explain: %v", err)
	}
}
