package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/reconcile/internal/core"
)

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "reconcile",
		Short: "Import and reconcile entity data",
		Long: `reconcile loads JSON entity files into a relational store, resolving
references between entities by label.

Seed files live in DATA_SEED_DIR, pending imports in DATA_IMPORT_DIR and
backups in DATA_BACKUP_DIR. Each file is named <Entity>.json.`,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
		SilenceUsage:       true,
		SilenceErrors:      true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.schemaFile, "schema", "", "schema document (overrides DATA_SCHEMA)")
	pf.StringVar(&a.flags.mode, "mode", "", "load mode: replace, merge or skip_conflicts")
	pf.Int64Var(&a.flags.acceptQL, "accept-ql", 0, "quality mask to accept; 0 selects standard mode")
	pf.BoolVar(&a.flags.skipInvalid, "skip-invalid", true, "skip rows failing field or object rules")
	pf.BoolVar(&a.flags.noFieldRules, "no-field-rules", false, "disable field rules")
	pf.BoolVar(&a.flags.noObjectRules, "no-object-rules", false, "disable object rules")

	root.AddGroup(
		&cobra.Group{ID: "load", Title: "Load Commands:"},
		&cobra.Group{ID: "maintenance", Title: "Maintenance Commands:"},
		&cobra.Group{ID: "inspect", Title: "Inspection Commands:"},
	)

	root.AddCommand(
		newServeCommand(a),
		newLoadCommand(a),
		newLoadAllCommand(a),
		newImportCommand(a),
		newUploadCommand(a),
		newClearCommand(a),
		newResetCommand(a),
		newBackupCommand(a),
		newRestoreCommand(a),
		newValidateCommand(a),
		newConflictsCommand(a),
		newStatusCommand(a),
	)
	return root
}

// =============================================================================
// Load commands
// =============================================================================

func newLoadCommand(a *app) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:     "load <Entity>",
		GroupID: "load",
		Short:   "Load one entity from its seed file",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := a.loadOptions(cmd)
			if err != nil {
				return err
			}
			opts.Dir = dir
			res, err := a.service.LoadEntity(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "read the entity file from this directory")
	return cmd
}

func newLoadAllCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "load-all",
		GroupID: "load",
		Short:   "Load every entity with a seed file in dependency order",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := a.loadOptions(cmd)
			if err != nil {
				return err
			}
			res, err := a.service.LoadAll(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newImportCommand(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "import",
		GroupID: "load",
		Short:   "Merge the import directory after validating it",
		Long: `import validates DATA_IMPORT_DIR and merges it in dependency order.
It refuses to run when a pending entity references data that is neither
stored nor pending, unless --force is given. The default mode is merge.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := a.loadOptions(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("mode") {
				opts.Mode = core.ModeMerge
			}
			opts.Force = force

			res, report, err := a.service.ImportAll(cmd.Context(), opts)
			if errors.Is(err, core.ErrImportNotReady) {
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
					return perr
				}
				return err
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"result": res, "validation": report})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "import even when dependencies are missing")
	return cmd
}

func newUploadCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "upload <Entity> <file>",
		GroupID: "load",
		Short:   "Load a JSON array of records from any file",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := a.loadOptions(cmd)
			if err != nil {
				return err
			}
			payload, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[1], err)
			}
			res, err := a.service.UploadEntity(cmd.Context(), args[0], payload, opts)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

// =============================================================================
// Maintenance commands
// =============================================================================

func newClearCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "clear [<Entity>]",
		GroupID: "maintenance",
		Short:   "Delete the rows of one entity, or of all entities",
		Long: `clear <Entity> keeps reference checks on and fails while other entities
still reference its rows. clear without an argument empties every entity in
reverse dependency order. Sentinel rows are always kept.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				n, err := a.service.ClearEntity(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"entity": args[0], "deleted": n})
			}
			res, err := a.service.ClearAll(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newResetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "reset",
		GroupID: "maintenance",
		Short:   "Clear everything and reload the seed files",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := a.loadOptions(cmd)
			if err != nil {
				return err
			}
			res, err := a.service.ResetAll(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newBackupCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "backup",
		GroupID: "maintenance",
		Short:   "Export every entity to the backup directory",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := a.service.BackupAll(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newRestoreCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "restore [<Entity>]",
		GroupID: "maintenance",
		Short:   "Restore one entity, or the whole backup",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				res, err := a.service.RestoreEntity(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			}
			res, err := a.service.RestoreBackup(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

// =============================================================================
// Inspection commands
// =============================================================================

func newValidateCommand(a *app) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:     "validate",
		GroupID: "inspect",
		Short:   "Dry-run the import directory",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := a.loadOptions(cmd)
			if err != nil {
				return err
			}
			report, err := a.service.ValidateImport(cmd.Context(), dir, opts)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "validate this directory instead of DATA_IMPORT_DIR")
	return cmd
}

func newConflictsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "conflicts",
		GroupID: "inspect",
		Short:   "Count seed records whose unique values already exist",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			counts, err := a.service.CountSeedConflicts(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), counts)
		},
	}
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		GroupID: "inspect",
		Short:   "Show row counts, source files and readiness per entity",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := a.service.GetStatus(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}
