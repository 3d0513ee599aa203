package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/jmoiron/sqlx"

	"github.com/ice-blockchain/go-dsroute"
)

// Open opens the configured pools, verifies each one with a ping and
// assembles a router with the master pool as default. The driver of each
// pool must be registered by the caller. Every failure is a
// *dsroute.ConfigurationError; pools opened before the failure are closed.
func Open(ctx context.Context, cfg *Config, opts dsroute.Opts) (*dsroute.DataSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &dsroute.ConfigurationError{Op: "validate config", Err: err}
	}

	master, err := openPool(ctx, dsroute.Master, cfg.DataSource.Master)
	if err != nil {
		return nil, err
	}

	var slave *sqlx.DB
	if cfg.DataSource.Slave != nil {
		slave, err = openPool(ctx, dsroute.Slave, *cfg.DataSource.Slave)
		if err != nil {
			return nil, closeOnError(err, master)
		}
	}

	ds, err := dsroute.NewWithOpts(dsroute.NewRegistry(master, slave), master, opts)
	if err != nil {
		if slave != nil {
			return nil, closeOnError(err, master, slave)
		}
		return nil, closeOnError(err, master)
	}
	return ds, nil
}

func openPool(ctx context.Context, id dsroute.Identifier, pc PoolConfig) (*sqlx.DB, error) {
	op := fmt.Sprintf("open %s datasource", id)

	db, err := sqlx.Open(pc.Driver, pc.DSN)
	if err != nil {
		return nil, &dsroute.ConfigurationError{Op: op, Err: err}
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, closeOnError(&dsroute.ConfigurationError{Op: op, Err: err}, db)
	}
	return db, nil
}

// closeOnError closes dbs and attaches their close failures to err.
func closeOnError(err error, dbs ...*sqlx.DB) error {
	var cfgErr *dsroute.ConfigurationError
	if !errors.As(err, &cfgErr) {
		cfgErr = &dsroute.ConfigurationError{Op: "open datasource", Err: err}
	}

	for _, db := range dbs {
		if cerr := db.Close(); cerr != nil {
			cfgErr.Err = multierror.Append(cfgErr.Err, cerr)
		}
	}
	return cfgErr
}
