// Package dsroute routes SQL operations between a master datasource and an
// optional read replica.
//
// Main features:
//
// - Per call chain routing key carried by context.Context.
//
// - A DataSource that resolves the target pool on every acquisition and
// falls back to the default pool when no key is set or the key is not
// configured.
package dsroute

import (
	"context"
	"database/sql"
	"io"
	"reflect"
	"sort"

	"github.com/hashicorp/go-multierror"
)

// Pool is the connection capability of a single datasource. *sql.DB and
// *sqlx.DB satisfy it.
type Pool interface {
	Conn(ctx context.Context) (*sql.Conn, error)
	PingContext(ctx context.Context) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Registry maps identifiers to pools. It is populated once at startup.
type Registry map[Identifier]Pool

// NewRegistry builds a registry from a master and an optional slave pool.
// A nil slave yields a master-only registry.
func NewRegistry(master, slave Pool) Registry {
	r := make(Registry, 2)
	if !isNilPool(master) {
		r[Master] = master
	}
	if !isNilPool(slave) {
		r[Slave] = slave
	}
	return r
}

// Resolver reads the routing key of an operation.
type Resolver func(ctx context.Context) (Identifier, bool)

// Observer receives routing decisions, e.g. to export metrics.
type Observer interface {
	// Resolved is called once per lookup. fallback is true when a key was
	// set but is not configured.
	Resolved(key Identifier, keySet bool, target Identifier, fallback bool)
	// AcquireFailed is called when the selected pool returned an error.
	AcquireFailed(target Identifier, err error)
}

// Opts provides additional options (configurable via NewWithOpts).
type Opts struct {
	// Resolver reads the routing key. Defaults to IdentifierFromContext.
	Resolver Resolver
	// Logger receives routing events. Nil disables logging.
	Logger Logger
	// Observer receives routing decisions. Nil disables it.
	Observer Observer
}

// DataSource selects a pool for every operation from the routing key of
// the operation's context. The registry is immutable after construction
// and is read without locks.
type DataSource struct {
	targets       Registry
	defaultTarget Pool
	defaultID     Identifier
	ids           []Identifier

	opts  Opts
	state state
}

var _ Pool = (*DataSource)(nil)

// New creates a DataSource over targets with defaultTarget used when the
// routing key is empty or not present in targets.
func New(targets Registry, defaultTarget Pool) (*DataSource, error) {
	return NewWithOpts(targets, defaultTarget, Opts{})
}

// NewWithOpts creates a DataSource with options opts.
func NewWithOpts(targets Registry, defaultTarget Pool, opts Opts) (*DataSource, error) {
	if isNilPool(defaultTarget) {
		return nil, configError("new datasource", ErrNoDefaultTarget)
	}

	copied := make(Registry, len(targets))
	ids := make([]Identifier, 0, len(targets))
	for id, p := range targets {
		if isNilPool(p) {
			return nil, configError("new datasource", &targetError{id: id, err: ErrNilTarget})
		}
		copied[id] = p
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if opts.Resolver == nil {
		opts.Resolver = IdentifierFromContext
	}

	defaultID := Master
	for _, id := range ids {
		if sameTarget(copied[id], defaultTarget) {
			defaultID = id
			break
		}
	}

	return &DataSource{
		targets:       copied,
		defaultTarget: defaultTarget,
		defaultID:     defaultID,
		ids:           ids,
		opts:          opts,
		state:         openState,
	}, nil
}

// Targets returns the configured identifiers in ascending order.
func (ds *DataSource) Targets() []Identifier {
	ret := make([]Identifier, len(ds.ids))
	copy(ret, ds.ids)
	return ret
}

// Target returns the pool registered under id.
func (ds *DataSource) Target(id Identifier) (Pool, bool) {
	p, ok := ds.targets[id]
	return p, ok
}

// Default returns the default pool.
func (ds *DataSource) Default() Pool {
	return ds.defaultTarget
}

// DetermineTarget performs the lookup step for one operation. It returns
// the selected pool, the identifier it is registered under and whether the
// routing key matched a configured pool. An empty or unknown key selects
// the default pool; its identifier is Master unless the default is
// registered under another one.
func (ds *DataSource) DetermineTarget(ctx context.Context) (Pool, Identifier, bool) {
	key, keySet := ds.opts.Resolver(ctx)
	if keySet {
		if p, ok := ds.targets[key]; ok {
			ds.resolved(key, true, key, false)
			return p, key, true
		}
		ds.report(FallbackEvent{baseEvent: newBaseEvent(), Key: key})
	}

	ds.resolved(key, keySet, ds.defaultID, keySet)
	return ds.defaultTarget, ds.defaultID, false
}

// AssertNoRoutingKey returns ErrRoutingKeyLeak when the holder attached to
// ctx still carries a routing key. Call it at the start of a top-level
// operation that reuses a holder.
func (ds *DataSource) AssertNoRoutingKey(ctx context.Context) error {
	h := HolderFromContext(ctx)
	if h == nil {
		return nil
	}
	if key, ok := h.Get(); ok {
		ds.report(RoutingKeyLeakEvent{baseEvent: newBaseEvent(), Key: key})
		return ErrRoutingKeyLeak
	}
	return nil
}

// Conn acquires a connection from the pool selected for ctx. Errors of the
// pool are returned unchanged.
func (ds *DataSource) Conn(ctx context.Context) (*sql.Conn, error) {
	p, id, err := ds.target(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := p.Conn(ctx)
	if err != nil {
		return nil, ds.failed("acquire connection", id, err)
	}
	return conn, nil
}

// PingContext verifies the pool selected for ctx is alive.
func (ds *DataSource) PingContext(ctx context.Context) error {
	p, id, err := ds.target(ctx)
	if err != nil {
		return err
	}
	return ds.failed("ping", id, p.PingContext(ctx))
}

// ExecContext executes a query without returning rows on the pool
// selected for ctx.
func (ds *DataSource) ExecContext(ctx context.Context, query string,
	args ...any) (sql.Result, error) {
	p, id, err := ds.target(ctx)
	if err != nil {
		return nil, err
	}

	res, err := p.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, ds.failed("exec", id, err)
	}
	return res, nil
}

// QueryContext executes a query that returns rows on the pool selected
// for ctx.
func (ds *DataSource) QueryContext(ctx context.Context, query string,
	args ...any) (*sql.Rows, error) {
	p, id, err := ds.target(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := p.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ds.failed("query", id, err)
	}
	return rows, nil
}

// QueryRowContext executes a query that returns at most one row on the
// pool selected for ctx. After Close the row carries the error of the
// closed pool.
func (ds *DataSource) QueryRowContext(ctx context.Context, query string,
	args ...any) *sql.Row {
	p, id, _ := ds.DetermineTarget(ctx)

	row := p.QueryRowContext(ctx, query, args...)
	if err := row.Err(); err != nil {
		ds.failed("query row", id, err)
	}
	return row
}

// BeginTx starts a transaction on the pool selected for ctx. The
// transaction stays on that pool until it is committed or rolled back.
func (ds *DataSource) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	p, id, err := ds.target(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := p.BeginTx(ctx, opts)
	if err != nil {
		return nil, ds.failed("begin transaction", id, err)
	}
	return tx, nil
}

// Close closes every distinct pool that implements io.Closer. A pool
// registered under several identifiers, or used as the default as well,
// is closed once.
func (ds *DataSource) Close() error {
	if !ds.state.cas(openState, closedState) {
		return nil
	}

	pools := make([]Pool, 0, len(ds.ids)+1)
	for _, id := range ds.ids {
		pools = appendDistinct(pools, ds.targets[id])
	}
	pools = appendDistinct(pools, ds.defaultTarget)

	var result *multierror.Error
	for _, p := range pools {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	err := result.ErrorOrNil()
	ds.report(ClosedEvent{baseEvent: newBaseEvent(), Error: err})
	return err
}

func (ds *DataSource) target(ctx context.Context) (Pool, Identifier, error) {
	if ds.state.get() == closedState {
		return nil, 0, ErrClosed
	}
	p, id, _ := ds.DetermineTarget(ctx)
	return p, id, nil
}

func (ds *DataSource) resolved(key Identifier, keySet bool, target Identifier, fallback bool) {
	if ds.opts.Observer != nil {
		ds.opts.Observer.Resolved(key, keySet, target, fallback)
	}
	ds.report(TargetResolvedEvent{
		baseEvent: newBaseEvent(),
		Key:       key,
		KeySet:    keySet,
		Target:    target,
	})
}

func (ds *DataSource) failed(op string, id Identifier, err error) error {
	if err == nil {
		return nil
	}
	if ds.opts.Observer != nil {
		ds.opts.Observer.AcquireFailed(id, err)
	}
	ds.report(AcquireFailedEvent{baseEvent: newBaseEvent(), Op: op, Target: id, Error: err})
	return err
}

func (ds *DataSource) report(event LogEvent) {
	if ds.opts.Logger != nil {
		ds.opts.Logger.Report(event, ds)
	}
}

type targetError struct {
	id  Identifier
	err error
}

func (e *targetError) Error() string {
	return e.id.String() + ": " + e.err.Error()
}

func (e *targetError) Unwrap() error {
	return e.err
}

func isNilPool(p Pool) bool {
	if p == nil {
		return true
	}
	v := reflect.ValueOf(p)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return v.IsNil()
	}
	return false
}

func sameTarget(a, b Pool) bool {
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

func appendDistinct(pools []Pool, p Pool) []Pool {
	for _, existing := range pools {
		if sameTarget(existing, p) {
			return pools
		}
	}
	return append(pools, p)
}
