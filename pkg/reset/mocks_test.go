package reset

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"strings"
	"sync"
)

// fakeServer scripts the behavior of a database server for tests. Every
// statement that reaches the fake driver is recorded, and failures can be
// scripted per statement substring.
type fakeServer struct {
	mu       sync.Mutex
	history  []recordedStmt
	tables   []string
	schema   string
	failures []scriptedFailure
	cancels  []scriptedCancel
}

type recordedStmt struct {
	sql  string
	args []driver.Value
}

type scriptedFailure struct {
	substring string
	err       error
}

type scriptedCancel struct {
	substring string
	cancel    context.CancelFunc
}

func newFakeServer() *fakeServer {
	return &fakeServer{}
}

// setTables scripts the rows returned by table enumeration queries
func (s *fakeServer) setTables(tables ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = tables
}

// setCurrentSchema scripts the row returned by current-schema queries
func (s *fakeServer) setCurrentSchema(schema string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schema = schema
}

// failOn scripts an error for the first statement containing substring
func (s *fakeServer) failOn(substring string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, scriptedFailure{substring: substring, err: err})
}

// cancelOn invokes cancel when a statement containing substring is
// recorded; the triggering statement itself still succeeds
func (s *fakeServer) cancelOn(substring string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, scriptedCancel{substring: substring, cancel: cancel})
}

func (s *fakeServer) record(stmt string, args []driver.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, recordedStmt{sql: stmt, args: args})
	for _, c := range s.cancels {
		if strings.Contains(stmt, c.substring) {
			c.cancel()
		}
	}
	for _, f := range s.failures {
		if strings.Contains(stmt, f.substring) {
			return f.err
		}
	}
	return nil
}

// statements returns a copy of every statement seen so far
func (s *fakeServer) statements() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.history))
	for i, rec := range s.history {
		out[i] = rec.sql
	}
	return out
}

// argsFor returns the bind arguments of the first statement containing
// substring
func (s *fakeServer) argsFor(substring string) []driver.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.history {
		if strings.Contains(rec.sql, substring) {
			return rec.args
		}
	}
	return nil
}

// indexOf returns the position of the first statement containing
// substring, or -1
func (s *fakeServer) indexOf(substring string) int {
	for i, stmt := range s.statements() {
		if strings.Contains(stmt, substring) {
			return i
		}
	}
	return -1
}

// contains reports whether any recorded statement contains substring
func (s *fakeServer) contains(substring string) bool {
	return s.indexOf(substring) >= 0
}

// countOf returns how many recorded statements contain substring
func (s *fakeServer) countOf(substring string) int {
	n := 0
	for _, stmt := range s.statements() {
		if strings.Contains(stmt, substring) {
			n++
		}
	}
	return n
}

func (s *fakeServer) rowsFor(query string) driver.Rows {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case strings.Contains(query, "pg_tables"), strings.Contains(query, "information_schema.tables"):
		rows := make([][]driver.Value, len(s.tables))
		for i, table := range s.tables {
			rows[i] = []driver.Value{table}
		}
		return &fakeRows{columns: []string{"table_name"}, rows: rows}
	case strings.Contains(query, "DATABASE()"), strings.Contains(query, "current_schema"):
		return &fakeRows{columns: []string{"schema"}, rows: [][]driver.Value{{s.schema}}}
	default:
		return &fakeRows{columns: []string{"value"}}
	}
}

// fakeConnector implements driver.Connector over a fakeServer
type fakeConnector struct {
	server *fakeServer
}

func (c *fakeConnector) Connect(context.Context) (driver.Conn, error) {
	return &fakeConn{server: c.server}, nil
}

func (c *fakeConnector) Driver() driver.Driver {
	return &fakeDriver{server: c.server}
}

// fakeDriver implements driver.Driver
type fakeDriver struct {
	server *fakeServer
}

func (d *fakeDriver) Open(string) (driver.Conn, error) {
	return &fakeConn{server: d.server}, nil
}

// fakeConn implements driver.Conn with context-aware statement execution
// so every statement reaches the fakeServer without preparation
type fakeConn struct {
	server *fakeServer
}

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return &fakeStmt{server: c.server, query: query}, nil
}

func (c *fakeConn) Close() error {
	return nil
}

func (c *fakeConn) Begin() (driver.Tx, error) {
	if err := c.server.record("BEGIN", nil); err != nil {
		return nil, err
	}
	return &fakeTx{server: c.server}, nil
}

func (c *fakeConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.Begin()
}

func (c *fakeConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.server.record(query, namedValues(args)); err != nil {
		return nil, err
	}
	return driver.ResultNoRows, nil
}

func (c *fakeConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.server.record(query, namedValues(args)); err != nil {
		return nil, err
	}
	return c.server.rowsFor(query), nil
}

func namedValues(args []driver.NamedValue) []driver.Value {
	values := make([]driver.Value, len(args))
	for i, arg := range args {
		values[i] = arg.Value
	}
	return values
}

// fakeTx implements driver.Tx
type fakeTx struct {
	server *fakeServer
}

func (t *fakeTx) Commit() error {
	return t.server.record("COMMIT", nil)
}

func (t *fakeTx) Rollback() error {
	return t.server.record("ROLLBACK", nil)
}

// fakeStmt implements driver.Stmt for the prepared fallback path
type fakeStmt struct {
	server *fakeServer
	query  string
}

func (s *fakeStmt) Close() error {
	return nil
}

func (s *fakeStmt) NumInput() int {
	return -1
}

func (s *fakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	if err := s.server.record(s.query, args); err != nil {
		return nil, err
	}
	return driver.ResultNoRows, nil
}

func (s *fakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	if err := s.server.record(s.query, args); err != nil {
		return nil, err
	}
	return s.server.rowsFor(s.query), nil
}

// fakeRows implements driver.Rows
type fakeRows struct {
	columns []string
	rows    [][]driver.Value
	current int
}

func (r *fakeRows) Columns() []string {
	return r.columns
}

func (r *fakeRows) Close() error {
	return nil
}

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.current >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.current])
	r.current++
	return nil
}

// mockDatabase implements db.Database over the fake driver so resets can
// exercise the real database/sql transaction and connection machinery
type mockDatabase struct {
	sqlDB      *sql.DB
	driverName string
	server     *fakeServer
}

func newMockDatabase(driverName string) (*mockDatabase, *fakeServer) {
	server := newFakeServer()
	return &mockDatabase{
		sqlDB:      sql.OpenDB(&fakeConnector{server: server}),
		driverName: driverName,
		server:     server,
	}, server
}

func (m *mockDatabase) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return m.sqlDB.QueryContext(ctx, query, args...)
}

func (m *mockDatabase) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return m.sqlDB.QueryRowContext(ctx, query, args...)
}

func (m *mockDatabase) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return m.sqlDB.ExecContext(ctx, query, args...)
}

func (m *mockDatabase) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return m.sqlDB.BeginTx(ctx, opts)
}

func (m *mockDatabase) Connect() error {
	return nil
}

func (m *mockDatabase) Close() error {
	return m.sqlDB.Close()
}

func (m *mockDatabase) Ping(ctx context.Context) error {
	return m.sqlDB.PingContext(ctx)
}

func (m *mockDatabase) DriverName() string {
	return m.driverName
}

func (m *mockDatabase) ConnectionString() string {
	return "host=localhost port=5432 user=test password=*** dbname=testdb sslmode=disable"
}

func (m *mockDatabase) DB() *sql.DB {
	return m.sqlDB
}
