// Helpers for testing routing without a database server.
//
// FakeDB is a *sql.DB backed by an in-memory driver. Every connection it
// opens remembers the label of its pool, and every query returns that
// label, so a test can tell which pool served an operation.
package test_helpers

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	// QueryEmpty returns no rows.
	QueryEmpty = "EMPTY"
	// QueryFail fails with ErrQueryFailed.
	QueryFail = "FAIL"
	// DSNUnreachable makes connections of a registered driver fail with
	// ErrUnreachable.
	DSNUnreachable = "unreachable"
)

var (
	ErrQueryFailed = errors.New("fake query failed")
	ErrUnreachable = errors.New("fake database unreachable")
)

// Columns returned by every fake query except QueryEmpty.
var Columns = []string{"pool", "query"}

// FakeDB is an in-memory pool labelled with Name.
type FakeDB struct {
	*sql.DB
	Name string

	connects atomic.Int64
	closed   atomic.Bool
	mu       sync.Mutex
	failure  error
	closeErr error
}

// NewFakeDB opens a fake pool. An empty name is replaced by a random one.
// Idle connections are not kept, so every operation opens a connection
// and injected failures take effect immediately.
func NewFakeDB(name string) *FakeDB {
	if name == "" {
		name = uuid.NewString()
	}
	db := &FakeDB{Name: name}
	db.DB = sql.OpenDB(&connector{db: db})
	db.DB.SetMaxIdleConns(0)
	return db
}

// FailConnect makes new connections fail with err. Nil restores them.
func (db *FakeDB) FailConnect(err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.failure = err
}

// FailClose makes Close return err after closing the pool.
func (db *FakeDB) FailClose(err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closeErr = err
}

// Connects returns the number of connections opened so far.
func (db *FakeDB) Connects() int64 {
	return db.connects.Load()
}

// Closed reports whether Close was called.
func (db *FakeDB) Closed() bool {
	return db.closed.Load()
}

// Close closes the underlying *sql.DB.
func (db *FakeDB) Close() error {
	db.closed.Store(true)
	err := db.DB.Close()

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closeErr != nil {
		return db.closeErr
	}
	return err
}

func (db *FakeDB) connectErr() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.failure
}

// PoolName returns the label of the pool conn was acquired from.
func PoolName(conn *sql.Conn) (string, error) {
	var name string
	err := conn.Raw(func(dc any) error {
		fc, ok := dc.(*fakeConn)
		if !ok {
			return errors.New("not a fake connection")
		}
		name = fc.pool
		return nil
	})
	return name, err
}

// RegisterDriver registers the fake driver under a unique name and
// returns it. Connections opened through sql.Open(name, dsn) are labelled
// with dsn.
func RegisterDriver() string {
	name := "fake-" + uuid.NewString()
	sql.Register(name, fakeDriver{})
	return name
}

type fakeDriver struct{}

func (fakeDriver) Open(dsn string) (driver.Conn, error) {
	if dsn == DSNUnreachable {
		return nil, ErrUnreachable
	}
	return &fakeConn{pool: dsn}, nil
}

type connector struct {
	db *FakeDB
}

func (c *connector) Connect(ctx context.Context) (driver.Conn, error) {
	if err := c.db.connectErr(); err != nil {
		return nil, err
	}
	c.db.connects.Add(1)
	return &fakeConn{pool: c.db.Name}, nil
}

func (c *connector) Driver() driver.Driver {
	return fakeDriver{}
}

type fakeConn struct {
	pool string
}

var (
	_ driver.QueryerContext = (*fakeConn)(nil)
	_ driver.ExecerContext  = (*fakeConn)(nil)
	_ driver.Pinger         = (*fakeConn)(nil)
)

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return &fakeStmt{conn: c, query: query}, nil
}

func (c *fakeConn) Close() error {
	return nil
}

func (c *fakeConn) Begin() (driver.Tx, error) {
	return fakeTx{}, nil
}

func (c *fakeConn) Ping(ctx context.Context) error {
	return nil
}

func (c *fakeConn) QueryContext(ctx context.Context, query string,
	args []driver.NamedValue) (driver.Rows, error) {
	switch query {
	case QueryFail:
		return nil, ErrQueryFailed
	case QueryEmpty:
		return &fakeRows{}, nil
	}
	return &fakeRows{data: [][]driver.Value{{c.pool, query}}}, nil
}

func (c *fakeConn) ExecContext(ctx context.Context, query string,
	args []driver.NamedValue) (driver.Result, error) {
	if query == QueryFail {
		return nil, ErrQueryFailed
	}
	return driver.RowsAffected(1), nil
}

type fakeStmt struct {
	conn  *fakeConn
	query string
}

func (s *fakeStmt) Close() error {
	return nil
}

func (s *fakeStmt) NumInput() int {
	return -1
}

func (s *fakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.conn.ExecContext(context.Background(), s.query, nil)
}

func (s *fakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.conn.QueryContext(context.Background(), s.query, nil)
}

type fakeTx struct{}

func (fakeTx) Commit() error {
	return nil
}

func (fakeTx) Rollback() error {
	return nil
}

type fakeRows struct {
	data [][]driver.Value
	pos  int
}

func (r *fakeRows) Columns() []string {
	return Columns
}

func (r *fakeRows) Close() error {
	return nil
}

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.data) {
		return io.EOF
	}
	copy(dest, r.data[r.pos])
	r.pos++
	return nil
}
