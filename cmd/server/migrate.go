package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back the database schema",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(ctx context.Context, direction string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Store.Driver != "postgres" {
		return fmt.Errorf("migrations need the postgres store, configured store is %q", cfg.Store.Driver)
	}

	db, err := openDB(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	switch direction {
	case "up":
		err = db.MigrateUp()
	case "down":
		err = db.MigrateDown()
	}
	if err != nil {
		return err
	}

	logger.Info("migrations applied", zap.String("direction", direction))
	return nil
}
