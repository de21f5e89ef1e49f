package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/sheetnorm/internal/metrics"
	"github.com/JonMunkholm/sheetnorm/internal/pipeline"
	"github.com/JonMunkholm/sheetnorm/internal/server"
)

func serveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve health, metrics and snapshot status over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m := metrics.New()
			store, err := a.store(ctx, m)
			if err != nil {
				return fail(err)
			}
			limiter := pipeline.NewLimiter(a.cfg.Engine.MaxConcurrentRuns, a.cfg.Engine.MaxWaitTime)
			srv := server.New(a.cfg.Server, store, limiter, m)

			slog.Info("configuration loaded",
				"addr", a.cfg.Server.Addr(),
				"snapshot_root", a.cfg.Snapshot.Root,
				"max_concurrent_runs", a.cfg.Engine.MaxConcurrentRuns,
				"snapshot_index", a.cfg.Database.URL != "",
			)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				if err != nil {
					return fail(err)
				}
				return nil
			case <-ctx.Done():
			}

			slog.Info("shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
			defer cancel()
			if st := limiter.Status(); st.Active > 0 {
				slog.Info("waiting for runs to complete", "active", st.Active)
				for _, run := range st.Runs {
					slog.Info("run in flight", "job_id", run.JobID, "input", run.Input, "pass", run.Pass)
				}
				if err := limiter.WaitForDrain(shutdownCtx); err != nil {
					slog.Warn("runs did not complete in time", "error", err)
				}
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("shutdown error", "error", err)
			}
			return <-errCh
		},
	}
}
