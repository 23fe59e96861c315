/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the billing engine: runs the HTTP server, one-off
  reconciliation sweeps, statement generation and demo seeding.

COMMANDS:
  serve       HTTP API + background scheduler, graceful shutdown
  reconcile   Recompute consumed hours for every open hourly project
  statements  Build last week's customer billing statements
  seed        Reset the database and load a demo scenario
  version     Print version information

FLAGS (all commands):
  -c, --config     YAML config file (default: environment only)
      --log-level  Overrides log.level
      --db         Overrides database.path (":memory:" for in-memory)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a running job)
  2. Stop accepting new connections
  3. Wait for active requests to complete (http.shutdown_timeout)
  4. Drain NATS and close the database

EXAMPLES:
  billing serve -c config.yaml
  BILLING_DB=:memory: billing seed hourly-budget
  billing reconcile --db ./data/billing.db

SEE ALSO:
  - internal/config: Configuration and environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/internal/config"
	"github.com/warp/billing-engine/internal/logger"
	"github.com/warp/billing-engine/internal/metrics"
	"github.com/warp/billing-engine/internal/notify"
	"github.com/warp/billing-engine/store/sqlite"
)

const (
	Version = "0.1.0"
	appName = "billing"
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	dbPath     string
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Project billing and timesheet approval engine",
		Long: `billing tracks purchased versus consumed hours on customer projects.

Managers approve or reject timesheet line items, consumed hours are
reconciled from approved billable time, and customers see their approved
hours through the portal API.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&flags.dbPath, "db", "", "SQLite database path")

	cmd.AddCommand(serveCmd(&flags), reconcileCmd(&flags), statementsCmd(&flags), seedCmd(&flags))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	})

	return cmd
}

// =============================================================================
// SHARED SETUP
// =============================================================================

// app is the wired service shared by every command.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	store   *sqlite.Store
	handler *api.Handler
	metrics *metrics.Metrics
	closers []func() error
}

func setup(flags *globalFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.dbPath != "" {
		cfg.Database.Path = flags.dbPath
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a := &app{cfg: cfg, log: log, store: store, metrics: metrics.New()}
	a.closers = append(a.closers, store.Close)

	var sinks []billing.WarningSink
	if cfg.NATS.URL != "" {
		pub, err := notify.Connect(cfg.NATS.URL, cfg.NATS.Subject, logger.Named(log, "notify"))
		if err != nil {
			a.close()
			return nil, err
		}
		sinks = append(sinks, pub)
		a.closers = append(a.closers, pub.Close)
		log.Info("publishing over-budget warnings",
			zap.String("url", cfg.NATS.URL),
			zap.String("subject", cfg.NATS.Subject),
		)
	}

	cutoff, err := cfg.Portal.Cutoff()
	if err != nil {
		a.close()
		return nil, err
	}
	a.handler = api.NewHandler(store, api.Options{
		Logger:           log,
		Metrics:          a.metrics,
		Sinks:            sinks,
		VisibilityCutoff: cutoff,
	})

	s := a.handler.Scheduler
	s.Enabled = cfg.Scheduler.Enabled
	s.SweepInterval = cfg.Scheduler.SweepInterval
	s.StatementsEnabled = cfg.Scheduler.StatementsEnabled
	s.StatementsInterval = cfg.Scheduler.StatementsInterval
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// COMMANDS
// =============================================================================

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.close()
			return serve(a)
		},
	}
}

func serve(a *app) error {
	cfg := a.cfg
	router := api.NewRouter(a.handler, cfg.HTTP.AllowedOrigins)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	a.handler.Scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("env", cfg.Env),
			zap.String("db", cfg.Database.Path),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		a.handler.Scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	a.log.Info("shutting down server")
	a.handler.Scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.log.Info("server stopped")
	return nil
}

func reconcileCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute consumed hours for every open hourly project",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.close()

			run, report, err := a.handler.Scheduler.RunSweep(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"run": run, "report": report})
		},
	}
}

func statementsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "statements",
		Short: "Build last week's billing statements for every customer",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.close()

			run, statements, err := a.handler.Scheduler.RunStatements(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"run": run, "statements": len(statements)})
		},
	}
}

func seedCmd(flags *globalFlags) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed [scenario-id]",
		Short: "Reset the database and load a demo scenario",
		Long: `seed replaces all data with a demo scenario. Pass a built-in scenario
ID, or --file to load a YAML scenario from disk. Without arguments it
lists the built-in scenarios.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" && len(args) == 0 {
				all, err := api.BuiltinScenarios()
				if err != nil {
					return err
				}
				for _, sc := range all {
					fmt.Printf("%-16s %s\n", sc.ID, sc.Description)
				}
				return nil
			}

			var sc api.Scenario
			if file != "" {
				var err error
				if sc, err = api.ReadScenarioFile(file); err != nil {
					return err
				}
			} else {
				var ok bool
				var err error
				if sc, ok, err = api.BuiltinScenario(args[0]); err != nil {
					return err
				} else if !ok {
					return fmt.Errorf("unknown scenario %q", args[0])
				}
			}

			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.handler.ApplyScenario(cmd.Context(), sc); err != nil {
				return err
			}
			fmt.Printf("loaded scenario %s into %s\n", sc.ID, a.cfg.Database.Path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML scenario file")
	return cmd
}
