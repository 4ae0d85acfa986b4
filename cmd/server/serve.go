package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/reconcile/internal/web"
)

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the backup scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defaults, err := a.loadOptions(cmd)
			if err != nil {
				return err
			}

			server := web.NewServer(a.service, a.media, web.Options{
				Defaults: defaults,
				Server:   a.cfg.Server,
				Security: a.cfg.Security,
				Gatherer: a.registry,
			})
			if !a.cfg.Security.AuthEnabled() {
				slog.Warn("API_KEYS is empty, mutating routes are unauthenticated")
			}

			ctx := cmd.Context()
			jobCtx, cancelJobs := context.WithCancel(ctx)
			defer cancelJobs()
			go a.service.StartBackupScheduler(jobCtx, a.cfg.Backup.Interval)

			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			slog.Info("shutting down...")
			cancelJobs()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
			defer cancel()

			if status := a.service.Limiter().Status(); status.Active > 0 {
				slog.Info("waiting for operations to complete", "active", status.Active, "running", status.Running)
				if err := a.service.Limiter().WaitForDrain(shutdownCtx); err != nil {
					slog.Warn("operations did not complete in time", "error", err)
				}
			}

			if err := server.Shutdown(shutdownCtx); err != nil {
				return err
			}
			slog.Info("server stopped")
			return nil
		},
	}
}
