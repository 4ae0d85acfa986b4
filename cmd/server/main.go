// Command reconcile loads, validates, backs up and restores entity data
// described by a schema document. Every operation is available as a
// subcommand and, under `serve`, over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/reconcile/internal/core"
)

func main() {
	// Variables already set in the environment win over .env.
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "error", err)
		if core.IsUserFacing(err) {
			fmt.Fprintln(os.Stderr, core.FormatUserError(err))
		}
		os.Exit(1)
	}
}
