package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PratikDhanave/fieldsync-service/internal/config"
	"github.com/PratikDhanave/fieldsync-service/internal/graph"
	"github.com/PratikDhanave/fieldsync-service/internal/httpserver"
	"github.com/PratikDhanave/fieldsync-service/internal/logging"
	"github.com/PratikDhanave/fieldsync-service/internal/store"
)

const shutdownTimeout = 10 * time.Second

// main boots the CLI: serve (default), migrate, rebuild-relationships.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "api",
		Short: "Field stop service: online API, offline sync and relationship graph",
		Long: `Configuration is read from the environment (and a .env file if present):
  DB_DRIVER         postgres (default) or sqlite
  DB_URL            postgres connection string
  SQLITE_PATH       database file when DB_DRIVER=sqlite
  HTTP_ADDR         listen address (default :8080)
  API_KEYS          "unit:key,unit:key"
  SYNC_CONCURRENCY  workers per sync batch (default 4)
  REQUEST_TIMEOUT   per-request deadline (default 30s)
  LOG_LEVEL         debug, info, warn, error
  ENVIRONMENT       "local" switches to console logs and a dev API key`,
		SilenceUsage: true,
	}
	serve := newServeCmd()
	root.AddCommand(serve, newMigrateCmd(), newRebuildCmd())
	root.RunE = serve.RunE
	return root
}

// env is what every command starts from: config, logger and an open store.
type env struct {
	cfg   config.Config
	log   *zap.Logger
	store store.Store
}

func (e *env) close() {
	if e.store != nil {
		_ = e.store.Close()
	}
	_ = e.log.Sync()
}

func setup() (*env, error) {
	// Load runtime config from environment (DB_DRIVER, DB_URL, API_KEYS, ...).
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return nil, err
	}
	st, err := openStore(cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	return &env{cfg: cfg, log: log, store: st}, nil
}

// openStore connects to Postgres or opens the SQLite file, per DB_DRIVER.
func openStore(cfg config.Config, log *zap.Logger) (store.Store, error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		st, err := store.OpenSQLite(cfg.SQLitePath, log.Named("sqlite"))
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.DriverPostgres:
		st, err := store.NewPostgresStore(cfg.DBURL, log.Named("postgres"))
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, errors.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Apply migrations and run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			// Ensure the schema is current so a fresh deployment needs no extra step.
			if err := e.store.Migrate(cmd.Context()); err != nil {
				return err
			}

			router := httpserver.NewRouter(e.cfg, httpserver.NewDeps(e.cfg, e.store, e.log), e.log)
			return httpserver.Serve(cmd.Context(), e.cfg.HTTPAddr, router, shutdownTimeout, e.log)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.store.Migrate(cmd.Context()); err != nil {
				return err
			}
			e.log.Info("migrations applied", zap.String("driver", e.cfg.DBDriver))
			return nil
		},
	}
}

func newRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-relationships",
		Short: "Recompute the relationship graph from the recorded stops",
		Long: `Deletes every relationship edge and replays all stops in the order they were
recorded, in a single transaction. The result equals the incrementally
maintained graph; use it after restoring a backup or fixing data by hand.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.store.Migrate(cmd.Context()); err != nil {
				return err
			}
			stats, err := graph.NewMaintainer(e.store, e.log).Rebuild(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "edges deleted: %d, stops replayed: %d, pairs recorded: %d, edges changed: %d\n",
				stats.EdgesDeleted, stats.StopsReplayed, stats.PairsRecorded, stats.EdgesChanged)
			return nil
		},
	}
}
