package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/reconcile/internal/config"
	"github.com/JonMunkholm/reconcile/internal/core"
	"github.com/JonMunkholm/reconcile/internal/logging"
	"github.com/JonMunkholm/reconcile/internal/media"
	"github.com/JonMunkholm/reconcile/internal/schema"
	"github.com/JonMunkholm/reconcile/internal/storage"
	"github.com/JonMunkholm/reconcile/internal/storage/postgres"
	"github.com/JonMunkholm/reconcile/internal/storage/sqlite"
	"github.com/JonMunkholm/reconcile/internal/validation"
)

// globalFlags are shared by every subcommand. Unset flags fall back to the
// IMPORT_* configuration.
type globalFlags struct {
	schemaFile    string
	mode          string
	acceptQL      int64
	skipInvalid   bool
	noFieldRules  bool
	noObjectRules bool
}

// app holds what the subcommands share once setup has run.
type app struct {
	flags    globalFlags
	cfg      *config.Config
	store    storage.Store
	schema   *schema.Schema
	media    *media.Service
	registry *prometheus.Registry
	service  *core.Service
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.flags.schemaFile != "" {
		cfg.Data.SchemaFile = a.flags.schemaFile
	}
	a.cfg = cfg

	// The server logs to stdout; one-shot commands keep stdout for JSON.
	if cmd.Name() == "serve" {
		logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	} else {
		slog.SetDefault(logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format))
	}
	slog.Debug("configuration loaded", "config", cfg.String())

	a.schema, err = schema.LoadFile(cfg.Data.SchemaFile)
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	if cycles := a.schema.Cycles(); len(cycles) > 0 {
		slog.Warn("schema has reference cycles, members load in declaration order", "entities", cycles)
	}

	ctx := cmd.Context()
	a.store, err = openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	if err := a.store.EnsureSchema(ctx, a.schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := core.NewMetrics(a.registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	a.media = media.NewService(nil, &media.LocalBlobStore{Root: cfg.Media.Dir}, media.Options{
		Timeout:   cfg.Media.Timeout,
		MaxBytes:  cfg.Media.MaxBytes,
		UserAgent: cfg.Media.UserAgent,
		CacheTTL:  cfg.Media.CacheTTL,
	})

	a.service = core.NewService(a.store, a.schema, validation.New(a.schema), a.media, metrics, core.Options{
		SeedDir:          cfg.Data.SeedDir,
		ImportDir:        cfg.Data.ImportDir,
		BackupDir:        cfg.Data.BackupDir,
		ReportLimit:      cfg.Import.ReportLimit,
		MaxConcurrentOps: cfg.Import.MaxConcurrent,
		OperationWait:    cfg.Import.OperationWait,
		RunHistorySize:   cfg.Import.RunHistory,
	})

	slog.Debug("engine ready",
		"driver", cfg.Database.Driver,
		"entities", len(a.schema.Ordered()),
	)
	return nil
}

func (a *app) teardown(*cobra.Command, []string) error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

// openStore connects the configured backend.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := postgres.Connect(ctx, postgres.PoolConfig{
			URL:             cfg.URL,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
			MaxConnIdleTime: cfg.MaxConnIdleTime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return postgres.New(pool), nil
	default:
		store, err := sqlite.Open(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		return store, nil
	}
}

// loadOptions merges the configured defaults with the global flags.
func (a *app) loadOptions(cmd *cobra.Command) (core.LoadOptions, error) {
	opts := core.DefaultLoadOptions()

	mode := a.cfg.Import.Mode
	if cmd.Flags().Changed("mode") {
		mode = a.flags.mode
	}
	m, err := core.ParseMode(mode)
	if err != nil {
		return opts, err
	}
	opts.Mode = m

	opts.AcceptQL = a.cfg.Import.AcceptQL
	if cmd.Flags().Changed("accept-ql") {
		opts.AcceptQL = a.flags.acceptQL
	}
	if cmd.Flags().Changed("skip-invalid") {
		opts.SkipInvalid = a.flags.skipInvalid
	}
	opts.ValidateFields = !a.flags.noFieldRules
	opts.ValidateConstraints = !a.flags.noObjectRules
	return opts, nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
