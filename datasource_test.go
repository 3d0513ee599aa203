package dsroute_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ice-blockchain/go-dsroute"
	"github.com/ice-blockchain/go-dsroute/test_helpers"
)

func newPools(t *testing.T) (*test_helpers.FakeDB, *test_helpers.FakeDB) {
	t.Helper()
	master := test_helpers.NewFakeDB("poolA")
	slave := test_helpers.NewFakeDB("poolB")
	t.Cleanup(func() {
		master.Close()
		slave.Close()
	})
	return master, slave
}

func acquiredFrom(t *testing.T, ds *dsroute.DataSource, ctx context.Context) string {
	t.Helper()
	conn, err := ds.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	name, err := test_helpers.PoolName(conn)
	require.NoError(t, err)
	return name
}

func TestNew_NoDefault(t *testing.T) {
	master, _ := newPools(t)

	ds, err := dsroute.New(dsroute.NewRegistry(master, nil), nil)
	require.Nil(t, ds)

	var cfgErr *dsroute.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.ErrorIs(t, err, dsroute.ErrNoDefaultTarget)
}

func TestNew_TypedNilDefault(t *testing.T) {
	var db *sql.DB

	ds, err := dsroute.New(dsroute.Registry{}, db)
	require.Nil(t, ds)
	require.ErrorIs(t, err, dsroute.ErrNoDefaultTarget)
}

func TestNew_NilTarget(t *testing.T) {
	master, _ := newPools(t)

	ds, err := dsroute.New(dsroute.Registry{dsroute.Master: master, dsroute.Slave: nil}, master)
	require.Nil(t, ds)
	require.ErrorIs(t, err, dsroute.ErrNilTarget)
	require.Contains(t, err.Error(), "slave")
}

func TestNewRegistry_MasterOnly(t *testing.T) {
	master, _ := newPools(t)

	var slave *test_helpers.FakeDB
	reg := dsroute.NewRegistry(master, slave)
	require.Len(t, reg, 1)
	require.Contains(t, reg, dsroute.Master)
}

func TestNew_CopiesRegistry(t *testing.T) {
	master, slave := newPools(t)

	reg := dsroute.NewRegistry(master, nil)
	ds, err := dsroute.New(reg, master)
	require.NoError(t, err)

	reg[dsroute.Slave] = slave

	ctx := dsroute.WithIdentifier(context.Background(), dsroute.Slave)
	require.Equal(t, "poolA", acquiredFrom(t, ds, ctx))
	require.Equal(t, []dsroute.Identifier{dsroute.Master}, ds.Targets())
}

func TestConn_MasterSlaveScenario(t *testing.T) {
	master, slave := newPools(t)
	ds, err := dsroute.New(dsroute.NewRegistry(master, slave), master)
	require.NoError(t, err)

	ctx, holder := dsroute.NewHolderContext(context.Background())

	holder.Set(dsroute.Slave)
	require.Equal(t, "poolB", acquiredFrom(t, ds, ctx))

	holder.Clear()
	require.Equal(t, "poolA", acquiredFrom(t, ds, ctx))
}

func TestConn_MasterOnlyFallback(t *testing.T) {
	master, _ := newPools(t)
	ds, err := dsroute.New(dsroute.NewRegistry(master, nil), master)
	require.NoError(t, err)

	ctx := dsroute.WithIdentifier(context.Background(), dsroute.Slave)
	require.Equal(t, "poolA", acquiredFrom(t, ds, ctx))
}

func TestConn_EmptyContextUsesDefault(t *testing.T) {
	master, slave := newPools(t)
	ds, err := dsroute.New(dsroute.NewRegistry(master, slave), master)
	require.NoError(t, err)

	require.Equal(t, "poolA", acquiredFrom(t, ds, context.Background()))
}

func TestConn_MappedIdentifier(t *testing.T) {
	master, slave := newPools(t)
	ds, err := dsroute.New(dsroute.NewRegistry(master, slave), master)
	require.NoError(t, err)

	tests := []struct {
		id       dsroute.Identifier
		expected string
	}{
		{dsroute.Master, "poolA"},
		{dsroute.Slave, "poolB"},
	}
	for _, tc := range tests {
		t.Run(tc.id.String(), func(t *testing.T) {
			ctx := dsroute.WithIdentifier(context.Background(), tc.id)
			require.Equal(t, tc.expected, acquiredFrom(t, ds, ctx))
		})
	}
}

func TestConn_DefaultOutsideRegistry(t *testing.T) {
	master, slave := newPools(t)
	fallback := test_helpers.NewFakeDB("poolC")
	defer fallback.Close()

	ds, err := dsroute.New(dsroute.NewRegistry(master, slave), fallback)
	require.NoError(t, err)

	require.Equal(t, "poolC", acquiredFrom(t, ds, context.Background()))
	require.Equal(t, "poolA",
		acquiredFrom(t, ds, dsroute.WithIdentifier(context.Background(), dsroute.Master)))
}

func TestConn_ReResolvesEveryAcquisition(t *testing.T) {
	master, slave := newPools(t)
	ds, err := dsroute.New(dsroute.NewRegistry(master, slave), master)
	require.NoError(t, err)

	ctx, holder := dsroute.NewHolderContext(context.Background())
	expected := []struct {
		id   dsroute.Identifier
		pool string
	}{
		{dsroute.Slave, "poolB"},
		{dsroute.Master, "poolA"},
		{dsroute.Slave, "poolB"},
	}
	for _, e := range expected {
		holder.Set(e.id)
		require.Equal(t, e.pool, acquiredFrom(t, ds, ctx))
	}
}

func TestConn_ErrorPropagatesUnchanged(t *testing.T) {
	master, slave := newPools(t)
	ds, err := dsroute.New(dsroute.NewRegistry(master, slave), master)
	require.NoError(t, err)

	errExhausted := errors.New("pool exhausted")
	slave.FailConnect(errExhausted)

	ctx := dsroute.WithIdentifier(context.Background(), dsroute.Slave)
	conn, err := ds.Conn(ctx)
	require.Nil(t, conn)
	require.ErrorIs(t, err, errExhausted)

	// No fallback to the master pool on failure.
	require.Equal(t, int64(0), master.Connects())
}

func TestConn_Concurrent(t *testing.T) {
	master, slave := newPools(t)
	ds, err := dsroute.New(dsroute.NewRegistry(master, slave), master)
	require.NoError(t, err)

	const workers = 64
	const rounds = 20

	var wg sync.WaitGroup
	errs := make(chan error, workers*rounds)
	for i := 0; i < workers; i++ {
		id := dsroute.Master
		expected := "poolA"
		if i%2 == 1 {
			id = dsroute.Slave
			expected = "poolB"
		}

		wg.Add(1)
		go func(id dsroute.Identifier, expected string) {
			defer wg.Done()

			ctx, holder := dsroute.NewHolderContext(context.Background())
			for r := 0; r < rounds; r++ {
				err := dsroute.Use(ctx, id, func(ctx context.Context) error {
					conn, err := ds.Conn(ctx)
					if err != nil {
						return err
					}
					defer conn.Close()

					name, err := test_helpers.PoolName(conn)
					if err != nil {
						return err
					}
					if name != expected {
						return errors.New("routed to " + name + ", expected " + expected)
					}
					return nil
				})
				if err != nil {
					errs <- err
				}
				if err := holder.AssertEmpty(); err != nil {
					errs <- err
				}
			}
		}(id, expected)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestDetermineTarget(t *testing.T) {
	master, slave := newPools(t)
	ds, err := dsroute.New(dsroute.NewRegistry(master, slave), master)
	require.NoError(t, err)

	p, id, matched := ds.DetermineTarget(context.Background())
	require.Same(t, master, p)
	require.Equal(t, dsroute.Master, id)
	require.False(t, matched)

	p, id, matched = ds.DetermineTarget(dsroute.WithIdentifier(context.Background(), dsroute.Slave))
	require.Same(t, slave, p)
	require.Equal(t, dsroute.Slave, id)
	require.True(t, matched)
}

func TestDetermineTarget_CustomResolver(t *testing.T) {
	master, slave := newPools(t)
	ds, err := dsroute.NewWithOpts(dsroute.NewRegistry(master, slave), master, dsroute.Opts{
		Resolver: func(ctx context.Context) (dsroute.Identifier, bool) {
			return dsroute.Slave, true
		},
	})
	require.NoError(t, err)

	require.Equal(t, "poolB", acquiredFrom(t, ds, context.Background()))
}

func TestTarget(t *testing.T) {
	master, _ := newPools(t)
	ds, err := dsroute.New(dsroute.NewRegistry(master, nil), master)
	require.NoError(t, err)

	p, ok := ds.Target(dsroute.Master)
	require.True(t, ok)
	require.Same(t, master, p)

	_, ok = ds.Target(dsroute.Slave)
	require.False(t, ok)
	require.Same(t, master, ds.Default())
}

func TestDelegatedOperations(t *testing.T) {
	master, slave := newPools(t)
	ds, err := dsroute.New(dsroute.NewRegistry(master, slave), master)
	require.NoError(t, err)

	ctx := dsroute.WithIdentifier(context.Background(), dsroute.Slave)

	require.NoError(t, ds.PingContext(ctx))

	res, err := ds.ExecContext(ctx, "UPDATE t SET x = 1")
	require.NoError(t, err)
	affected, err := res.RowsAffected()
	require.NoError(t, err)
	require.Equal(t, int64(1), affected)

	rows, err := ds.QueryContext(ctx, "SELECT pool")
	require.NoError(t, err)
	require.True(t, rows.Next())
	var pool, query string
	require.NoError(t, rows.Scan(&pool, &query))
	require.NoError(t, rows.Close())
	require.Equal(t, "poolB", pool)

	require.NoError(t, ds.QueryRowContext(context.Background(), "SELECT pool").Scan(&pool, &query))
	require.Equal(t, "poolA", pool)

	_, err = ds.ExecContext(ctx, test_helpers.QueryFail)
	require.ErrorIs(t, err, test_helpers.ErrQueryFailed)
}

func TestBeginTx_PinnedToResolvedPool(t *testing.T) {
	master, slave := newPools(t)
	ds, err := dsroute.New(dsroute.NewRegistry(master, slave), master)
	require.NoError(t, err)

	ctx, holder := dsroute.NewHolderContext(context.Background())
	holder.Set(dsroute.Slave)

	tx, err := ds.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	holder.Clear()

	var pool, query string
	require.NoError(t, tx.QueryRowContext(ctx, "SELECT pool").Scan(&pool, &query))
	require.Equal(t, "poolB", pool)
	require.NoError(t, tx.Commit())
}

func TestDataSourceIsPool(t *testing.T) {
	master, slave := newPools(t)
	inner, err := dsroute.New(dsroute.NewRegistry(master, slave), master)
	require.NoError(t, err)

	outer, err := dsroute.New(dsroute.Registry{dsroute.Master: inner}, inner)
	require.NoError(t, err)

	ctx := dsroute.WithIdentifier(context.Background(), dsroute.Slave)
	require.Equal(t, "poolB", acquiredFrom(t, outer, ctx))
}

func TestClose(t *testing.T) {
	master, slave := newPools(t)
	ds, err := dsroute.New(dsroute.NewRegistry(master, slave), master)
	require.NoError(t, err)

	require.NoError(t, ds.Close())
	require.True(t, master.Closed())
	require.True(t, slave.Closed())

	_, err = ds.Conn(context.Background())
	require.ErrorIs(t, err, dsroute.ErrClosed)
	_, err = ds.ExecContext(context.Background(), "UPDATE t SET x = 1")
	require.ErrorIs(t, err, dsroute.ErrClosed)
	_, err = ds.BeginTx(context.Background(), nil)
	require.ErrorIs(t, err, dsroute.ErrClosed)
	require.ErrorIs(t, ds.PingContext(context.Background()), dsroute.ErrClosed)

	require.NoError(t, ds.Close())
}

func TestClose_AggregatesErrors(t *testing.T) {
	master, slave := newPools(t)
	ds, err := dsroute.New(dsroute.NewRegistry(master, slave), master)
	require.NoError(t, err)

	errMaster := errors.New("master close failed")
	errSlave := errors.New("slave close failed")
	master.FailClose(errMaster)
	slave.FailClose(errSlave)

	err = ds.Close()
	require.ErrorIs(t, err, errMaster)
	require.ErrorIs(t, err, errSlave)
}

type closeCounter struct {
	dsroute.Pool
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func TestClose_SharedPoolClosedOnce(t *testing.T) {
	master, _ := newPools(t)
	shared := &closeCounter{Pool: master}

	ds, err := dsroute.New(dsroute.Registry{dsroute.Master: shared, dsroute.Slave: shared}, shared)
	require.NoError(t, err)

	require.NoError(t, ds.Close())
	require.Equal(t, 1, shared.closed)
}

func TestAssertNoRoutingKey(t *testing.T) {
	master, _ := newPools(t)
	logger := &recordingLogger{}
	ds, err := dsroute.NewWithOpts(dsroute.NewRegistry(master, nil), master,
		dsroute.Opts{Logger: logger})
	require.NoError(t, err)

	require.NoError(t, ds.AssertNoRoutingKey(context.Background()))

	ctx, holder := dsroute.NewHolderContext(context.Background())
	require.NoError(t, ds.AssertNoRoutingKey(ctx))

	holder.Set(dsroute.Slave)
	require.ErrorIs(t, ds.AssertNoRoutingKey(ctx), dsroute.ErrRoutingKeyLeak)
	require.Contains(t, logger.names(), "routing_key_leak")
}

type observation struct {
	key      dsroute.Identifier
	keySet   bool
	target   dsroute.Identifier
	fallback bool
}

type recordingObserver struct {
	mu       sync.Mutex
	resolved []observation
	failed   []dsroute.Identifier
}

func (o *recordingObserver) Resolved(key dsroute.Identifier, keySet bool,
	target dsroute.Identifier, fallback bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resolved = append(o.resolved, observation{key, keySet, target, fallback})
}

func (o *recordingObserver) AcquireFailed(target dsroute.Identifier, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, target)
}

func TestObserver(t *testing.T) {
	master, _ := newPools(t)
	obs := &recordingObserver{}
	ds, err := dsroute.NewWithOpts(dsroute.NewRegistry(master, nil), master,
		dsroute.Opts{Observer: obs})
	require.NoError(t, err)

	ds.DetermineTarget(context.Background())
	ds.DetermineTarget(dsroute.WithIdentifier(context.Background(), dsroute.Master))
	ds.DetermineTarget(dsroute.WithIdentifier(context.Background(), dsroute.Slave))

	require.Equal(t, []observation{
		{dsroute.Master, false, dsroute.Master, false},
		{dsroute.Master, true, dsroute.Master, false},
		{dsroute.Slave, true, dsroute.Master, true},
	}, obs.resolved)

	master.FailConnect(errors.New("down"))
	_, err = ds.Conn(context.Background())
	require.Error(t, err)
	require.Equal(t, []dsroute.Identifier{dsroute.Master}, obs.failed)
}
