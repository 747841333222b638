package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentmemory/internal/config"
	"github.com/nextlevelbuilder/agentmemory/internal/dbx"
)

// migrateCmd replaces the teacher's golang-migrate-driven Postgres
// migration tree (cmd/migrate.go: up/down/version/force/goto/drop against
// a versioned migrations/ directory) with the Schema Guard idiom C1 uses
// instead: schema evolution is idempotent ALTER TABLE/CREATE TABLE IF NOT
// EXISTS, applied automatically on every dbx.Open, so there is no
// migration version to track, step, or force. The subcommand survives as
// an explicit operator entry point for running that same idempotent
// evolution against a database file without starting the full service.
func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the idempotent schema guard to a database file",
	}
	cmd.AddCommand(migrateUpCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	var controlPlane bool
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Ensure the memories schema (and, with --control-plane, the tenancy router's tables)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			db, err := dbx.Open(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			// dbx.Open already ran EnsureSchema; re-running here is a
			// cheap idempotent no-op, kept explicit for operator clarity.
			if err := dbx.EnsureSchema(db); err != nil {
				return fmt.Errorf("ensure memories schema: %w", err)
			}
			slog.Info("memories schema ensured", "path", cfg.Database.Path)

			if controlPlane {
				if err := dbx.EnsureControlPlaneSchema(db); err != nil {
					return fmt.Errorf("ensure control-plane schema: %w", err)
				}
				slog.Info("control-plane schema ensured", "path", cfg.Database.Path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&controlPlane, "control-plane", false, "also ensure the tenancy router's control-plane tables")
	return cmd
}
