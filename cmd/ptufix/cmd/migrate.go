package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/solatis/ptufix/internal/core/db"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|status]",
	Short:     "Apply or inspect database migrations",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"up", "status"},
	RunE:      runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	action := "up"
	if len(args) == 1 {
		action = args[0]
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("--db-url required (or PTU_DATABASE_URL)")
	}
	database, err := db.Open(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	switch action {
	case "up":
		applied, err := db.MigrateUp(ctx, database)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		logger.Info("migrations applied", "count", len(applied), "migrations", applied)
		return printJSON(cmd.OutOrStdout(), map[string]any{"applied": applied})
	case "status":
		status, err := db.MigrateStatus(ctx, database)
		if err != nil {
			return fmt.Errorf("failed to read migration status: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), status)
	}
	return fmt.Errorf("unknown migrate action %q (want up or status)", action)
}
