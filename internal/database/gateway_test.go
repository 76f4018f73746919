package database

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// newStudentDB writes a small sqlite database and returns its path.
func newStudentDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "student.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	stmts := []string{
		`CREATE TABLE student (name VARCHAR(25), class VARCHAR(25), section VARCHAR(25), marks INT)`,
		`CREATE TABLE teacher (id INTEGER PRIMARY KEY, name TEXT)`,
		`INSERT INTO student VALUES ('Krish', 'Data Science', 'A', 90)`,
		`INSERT INTO student VALUES ('John', 'Data Science', 'B', 100)`,
		`INSERT INTO student VALUES ('Mukesh', 'Data Science', 'A', 86)`,
		`INSERT INTO student VALUES ('Jacob', 'DEVOPS', 'A', 50)`,
		`INSERT INTO student VALUES ('Dipesh', 'DEVOPS', 'A', 35)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("exec %q: %v", s, err)
		}
	}
	return path
}

func countStudents(t *testing.T, path string) int {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM student`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

type stubConn struct {
	closed atomic.Bool
}

func (s *stubConn) Kind() Kind                                        { return KindMySQL }
func (s *stubConn) ListTables(context.Context) ([]string, error)      { return nil, nil }
func (s *stubConn) Columns(context.Context, string) ([]Column, error) { return nil, nil }
func (s *stubConn) Explain(context.Context, string) error             { return nil }
func (s *stubConn) Query(context.Context, string, int) (*ResultSet, error) {
	return &ResultSet{}, nil
}
func (s *stubConn) Close() error { s.closed.Store(true); return nil }

var mysqlDesc = Descriptor{Kind: KindMySQL, Host: "db.local", User: "root", Password: "pw", Database: "school"}

func TestAcquireSameHandleWithinTTL(t *testing.T) {
	g := NewGateway(DefaultOptions(), zap.NewNop())
	defer g.Close()
	d := Descriptor{Kind: KindSQLite, Path: newStudentDB(t)}

	c1, err := g.Acquire(context.Background(), d)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	c2, err := g.Acquire(context.Background(), d)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if c1 != c2 {
		t.Error("expected the cached handle within TTL")
	}
}

func TestAcquireAfterExpiryReturnsNewHandle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	var opened []*stubConn
	g := NewGateway(Options{TTL: time.Hour}, zap.NewNop(),
		WithClock(clock),
		WithOpener(KindMySQL, func(context.Context, Descriptor, Options) (Conn, error) {
			c := &stubConn{}
			opened = append(opened, c)
			return c, nil
		}))

	c1, err := g.Acquire(context.Background(), mysqlDesc)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	now = now.Add(59 * time.Minute)
	c2, _ := g.Acquire(context.Background(), mysqlDesc)
	if c1 != c2 {
		t.Fatal("expected cache hit before expiry")
	}

	now = now.Add(2 * time.Minute)
	c3, err := g.Acquire(context.Background(), mysqlDesc)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if c3 == c1 {
		t.Fatal("expected a new handle after expiry")
	}
	if len(opened) != 2 {
		t.Errorf("opened %d connections, want 2", len(opened))
	}
	if !opened[0].closed.Load() {
		t.Error("expired handle was not closed")
	}
}

func TestAcquireMissingFile(t *testing.T) {
	g := NewGateway(DefaultOptions(), zap.NewNop())
	_, err := g.Acquire(context.Background(), Descriptor{
		Kind: KindSQLite,
		Path: filepath.Join(t.TempDir(), "missing.db"),
	})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("got %v, want ErrConnectionFailed", err)
	}
}

func TestAcquireIncompleteConfigNeverDials(t *testing.T) {
	var calls atomic.Int32
	g := NewGateway(DefaultOptions(), zap.NewNop(),
		WithOpener(KindMySQL, func(context.Context, Descriptor, Options) (Conn, error) {
			calls.Add(1)
			return &stubConn{}, nil
		}))

	tests := []struct {
		name string
		mod  func(*Descriptor)
	}{
		{"missing host", func(d *Descriptor) { d.Host = "" }},
		{"missing user", func(d *Descriptor) { d.User = "" }},
		{"missing password", func(d *Descriptor) { d.Password = "" }},
		{"missing database", func(d *Descriptor) { d.Database = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := mysqlDesc
			tt.mod(&d)
			_, err := g.Acquire(context.Background(), d)
			if !errors.Is(err, ErrConfigIncomplete) {
				t.Fatalf("got %v, want ErrConfigIncomplete", err)
			}
		})
	}
	if calls.Load() != 0 {
		t.Errorf("opener called %d times, want 0", calls.Load())
	}
}

func TestAcquireConcurrentCreatesOnce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	g := NewGateway(DefaultOptions(), zap.NewNop(),
		WithOpener(KindMySQL, func(context.Context, Descriptor, Options) (Conn, error) {
			calls.Add(1)
			<-release
			return &stubConn{}, nil
		}))

	const n = 16
	conns := make([]Conn, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := g.Acquire(context.Background(), mysqlDesc)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			conns[i] = c
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("opener called %d times, want 1", calls.Load())
	}
	for i := 1; i < n; i++ {
		if conns[i] != conns[0] {
			t.Fatalf("caller %d received a different handle", i)
		}
	}
}

func TestCacheObserverSeesHitsAndMisses(t *testing.T) {
	var hits, misses int
	g := NewGateway(DefaultOptions(), zap.NewNop(),
		WithOpener(KindMySQL, func(context.Context, Descriptor, Options) (Conn, error) {
			return &stubConn{}, nil
		}),
		WithCacheObserver(func(_ Kind, hit bool) {
			if hit {
				hits++
			} else {
				misses++
			}
		}))
	for i := 0; i < 3; i++ {
		if _, err := g.Acquire(context.Background(), mysqlDesc); err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}
	if misses != 1 || hits != 2 {
		t.Errorf("hits=%d misses=%d, want 2/1", hits, misses)
	}
}

func TestCacheObserverCountsLateHitOnce(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// Creation, then an expired outer lookup followed by a live inner one:
	// the entry another flight stored in between is a hit.
	ticks := []time.Time{start, start.Add(2 * time.Hour), start}
	clock := func() time.Time {
		now := ticks[0]
		if len(ticks) > 1 {
			ticks = ticks[1:]
		}
		return now
	}
	var opened, hits, misses int
	g := NewGateway(Options{TTL: time.Hour}, zap.NewNop(),
		WithClock(clock),
		WithOpener(KindMySQL, func(context.Context, Descriptor, Options) (Conn, error) {
			opened++
			return &stubConn{}, nil
		}),
		WithCacheObserver(func(_ Kind, hit bool) {
			if hit {
				hits++
			} else {
				misses++
			}
		}))

	c1, err := g.Acquire(context.Background(), mysqlDesc)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	c2, err := g.Acquire(context.Background(), mysqlDesc)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if c1 != c2 || opened != 1 {
		t.Fatalf("opened %d connections, want the cached one reused", opened)
	}
	if misses != 1 || hits != 1 {
		t.Errorf("hits=%d misses=%d, want 1/1", hits, misses)
	}
}

func TestAcquireSurvivesCancelledWaiter(t *testing.T) {
	release := make(chan struct{})
	dialErr := make(chan error, 1)
	g := NewGateway(DefaultOptions(), zap.NewNop(),
		WithOpener(KindMySQL, func(ctx context.Context, _ Descriptor, _ Options) (Conn, error) {
			<-release
			dialErr <- ctx.Err()
			return &stubConn{}, nil
		}))

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := g.Acquire(ctx, mysqlDesc)
		first <- err
	}()
	type result struct {
		conn Conn
		err  error
	}
	second := make(chan result, 1)
	go func() {
		c, err := g.Acquire(context.Background(), mysqlDesc)
		second <- result{c, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller got %v, want context.Canceled", err)
	}
	close(release)
	res := <-second
	if res.err != nil || res.conn == nil {
		t.Fatalf("waiting caller: conn=%v err=%v", res.conn, res.err)
	}
	if err := <-dialErr; err != nil {
		t.Errorf("dial context ended early: %v", err)
	}
}

func TestAcquireMissingFileKeepsCause(t *testing.T) {
	g := NewGateway(DefaultOptions(), zap.NewNop())
	_, err := g.Acquire(context.Background(), Descriptor{
		Kind: KindSQLite,
		Path: filepath.Join(t.TempDir(), "missing.db"),
	})
	if !errors.Is(err, fs.ErrNotExist) || errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want a wrapped fs.ErrNotExist", err)
	}
}

func TestSQLiteRefusesWrites(t *testing.T) {
	path := newStudentDB(t)
	g := NewGateway(DefaultOptions(), zap.NewNop())
	defer g.Close()
	conn, err := g.Acquire(context.Background(), Descriptor{Kind: KindSQLite, Path: path})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	before := countStudents(t, path)

	// These bypass the statement guard on purpose: the handle itself must refuse.
	writes := []string{
		`DELETE FROM student`,
		`INSERT INTO student VALUES ('Eve', 'X', 'C', 1)`,
		`UPDATE student SET marks = 0`,
		`DROP TABLE student`,
		`CREATE TABLE hacked (id INT)`,
		`WITH s AS (SELECT 1) DELETE FROM student`,
	}
	for _, q := range writes {
		if _, err := conn.Query(context.Background(), q, 10); err == nil {
			t.Errorf("write %q succeeded on read-only handle", q)
		}
	}
	if after := countStudents(t, path); after != before {
		t.Errorf("row count changed: before=%d after=%d", before, after)
	}
}

func TestSQLiteSchemaAndQuery(t *testing.T) {
	g := NewGateway(DefaultOptions(), zap.NewNop())
	defer g.Close()
	conn, err := g.Acquire(context.Background(), Descriptor{Kind: KindSQLite, Path: newStudentDB(t)})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx := context.Background()

	tables, err := conn.ListTables(ctx)
	if err != nil {
		t.Fatalf("list tables: %v", err)
	}
	if len(tables) != 2 || tables[0] != "student" || tables[1] != "teacher" {
		t.Errorf("tables = %v", tables)
	}

	cols, err := conn.Columns(ctx, "student")
	if err != nil {
		t.Fatalf("columns: %v", err)
	}
	wantCols := []string{"name", "class", "section", "marks"}
	if len(cols) != len(wantCols) {
		t.Fatalf("got %d columns, want %d", len(cols), len(wantCols))
	}
	for i, c := range cols {
		if c.Name != wantCols[i] {
			t.Errorf("column %d = %q, want %q", i, c.Name, wantCols[i])
		}
	}
	if !strings.EqualFold(cols[3].Type, "INT") {
		t.Errorf("marks type = %q, want INT", cols[3].Type)
	}

	if _, err := conn.Columns(ctx, `student"; DROP TABLE student; --`); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("got %v, want ErrUnknownTable", err)
	}

	rs, err := conn.Query(ctx, `SELECT COUNT(*) AS n FROM student`, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rs.Rows) != 1 || rs.Rows[0][0] != "5" {
		t.Errorf("count rows = %v", rs.Rows)
	}

	rs, err = conn.Query(ctx, `SELECT name FROM student ORDER BY marks DESC`, 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rs.Rows) != 2 || !rs.Truncated {
		t.Errorf("expected 2 truncated rows, got %d truncated=%v", len(rs.Rows), rs.Truncated)
	}
	if rs.Rows[0][0] != "John" {
		t.Errorf("top student = %q, want John", rs.Rows[0][0])
	}

	if err := conn.Explain(ctx, `SELECT * FROM student`); err != nil {
		t.Errorf("explain valid query: %v", err)
	}
	if err := conn.Explain(ctx, `SELEC * FROM student`); err == nil {
		t.Error("explain accepted a syntax error")
	}
	if err := conn.Explain(ctx, `explain SELECT * FROM student`); err != nil {
		t.Errorf("explain of an EXPLAIN statement: %v", err)
	}
	if err := conn.Explain(ctx, `/* plan */ EXPLAIN QUERY PLAN SELECT name FROM student`); err != nil {
		t.Errorf("explain of a commented EXPLAIN statement: %v", err)
	}
}

func TestDescriptorKeyHidesPassword(t *testing.T) {
	k := mysqlDesc.Key()
	if strings.Contains(k, "pw") {
		t.Fatalf("key leaks password: %q", k)
	}
	other := mysqlDesc
	other.Password = "other"
	if other.Key() == k {
		t.Error("different credentials produced the same key")
	}
}
