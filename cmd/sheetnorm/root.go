package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/sheetnorm/internal/config"
	"github.com/JonMunkholm/sheetnorm/internal/logging"
	"github.com/JonMunkholm/sheetnorm/internal/metrics"
	"github.com/JonMunkholm/sheetnorm/internal/snapshot"
)

// app is the state shared by all commands, set up before any of them runs.
type app struct {
	cfg      *config.Config
	logLevel string
	closers  []func()
}

func rootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "sheetnorm",
		Short:         "Infer spreadsheet structure and normalize it against a config package",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.close()
		},
	}
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")

	root.AddCommand(
		runCmd(a),
		prepareCmd(a),
		snapshotsCmd(a),
		schemaCmd(),
		serveCmd(a),
		workerCmd(),
	)
	return root
}

func (a *app) setup() error {
	// .env is optional; values there overwrite the process environment.
	if err := godotenv.Overload(); err == nil {
		slog.Debug("loaded .env file")
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "sheetnorm:", err)
		return err
	}
	a.cfg = cfg
	level := cfg.Logging.Level
	if a.logLevel != "" {
		level = a.logLevel
	}
	logging.SetupWriter(os.Stderr, level, cfg.Logging.Format)
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// store opens the snapshot store, mirroring metadata to Postgres when a
// database URL is configured.
func (a *app) store(ctx context.Context, m *metrics.Metrics) (*snapshot.Store, error) {
	opts := []snapshot.Option{
		snapshot.WithLogger(slog.Default()),
		snapshot.WithPrepareHook(m.SnapshotPrepared),
	}
	if a.cfg.Database.URL != "" {
		pool, err := snapshot.Connect(ctx, a.cfg.Database)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		idx := snapshot.NewPGIndex(pool)
		if err := idx.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		opts = append(opts, snapshot.WithIndex(idx))
		slog.Info("snapshot index enabled")
	}
	return snapshot.NewStore(a.cfg.Snapshot, opts...)
}

// fail reports err on stderr and returns it so cobra exits non-zero.
func fail(err error) error {
	fmt.Fprintln(os.Stderr, "sheetnorm:", err)
	return err
}
