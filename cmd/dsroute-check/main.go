// Command dsroute-check opens the configured master and slave datasources
// through the router and reports which one serves default and read-only
// operations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ice-blockchain/go-dsroute"
	"github.com/ice-blockchain/go-dsroute/config"
	"github.com/ice-blockchain/go-dsroute/metrics"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

type probe struct {
	name  string
	scope func(ctx context.Context, fn func(ctx context.Context) error) error
}

var probes = []probe{
	{name: "default", scope: func(ctx context.Context, fn func(ctx context.Context) error) error {
		return fn(dsroute.WithoutIdentifier(ctx))
	}},
	{name: "read-only", scope: dsroute.ReadOnly},
}

func run(args []string) int {
	fs := flag.NewFlagSet("dsroute-check", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	metricsAddr := fs.String("metrics-addr", "", "Override metrics address and serve /metrics until interrupted")
	query := fs.String("query", "SELECT 1", "Probe query run on every target")
	timeout := fs.Duration("timeout", 5*time.Second, "Timeout for opening datasources and each probe")
	showVersion := fs.Bool("version", false, "Print version and exit")

	fs.Usage = func() {
		fmt.Println(`Usage: dsroute-check [options]

Opens the datasources described by the configuration file (and DSROUTE_*
environment variables), then runs the probe query once with an empty routing
key and once routed to the slave.

Options:`)
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Printf("dsroute-check version %s\n", version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	if *metricsAddr != "" {
		cfg.Observability.MetricsAddr = *metricsAddr
	}

	logger := config.NewLogger(os.Stderr, cfg.Observability).With(
		slog.String("run_id", uuid.NewString()),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	openCtx, openCancel := context.WithTimeout(ctx, *timeout)
	ds, err := config.Open(openCtx, cfg, dsroute.Opts{
		Logger:   dsroute.NewSlogLogger(logger),
		Observer: metrics.New(),
	})
	openCancel()
	if err != nil {
		logger.Error("failed to open datasource", slog.String("error", err.Error()))
		return 1
	}
	defer func() {
		if err := ds.Close(); err != nil {
			logger.Error("failed to close datasource", slog.String("error", err.Error()))
		}
	}()

	failed := false
	for _, p := range probes {
		probeCtx, probeCancel := context.WithTimeout(ctx, *timeout)
		err := p.scope(probeCtx, func(ctx context.Context) error {
			target, id, matched := ds.DetermineTarget(ctx)
			rows, err := target.QueryContext(ctx, *query)
			if err != nil {
				fmt.Printf("%-10s -> %-7s configured=%-5t FAILED: %v\n", p.name, id, matched, err)
				return err
			}
			defer rows.Close()
			fmt.Printf("%-10s -> %-7s configured=%-5t ok\n", p.name, id, matched)
			return rows.Err()
		})
		probeCancel()
		if err != nil {
			failed = true
		}
	}

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		if err := serveMetrics(ctx, addr, logger); err != nil {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
			return 1
		}
	}

	if failed {
		return 1
	}
	return 0
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
