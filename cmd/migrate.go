package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"storefront/config"
	"storefront/database"
)

var migrateDryRun bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the MySQL schema",
	Long: `Apply the embedded MySQL schema. Statements are idempotent.

Examples:
  storefront migrate            # create missing tables
  storefront migrate --dry-run  # print the statements only`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if migrateDryRun {
			for _, stmt := range database.Statements() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s;\n\n", stmt)
			}
			return nil
		}
		cfg, logger, err := bootstrap()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck
		if cfg.StorageDriver != config.DriverMySQL {
			return fmt.Errorf("migrate needs STORAGE_DRIVER=%s, got %q", config.DriverMySQL, cfg.StorageDriver)
		}

		db, err := database.Open(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := database.Migrate(cmd.Context(), db); err != nil {
			return err
		}
		logger.Info("Schema applied", zap.Int("statements", len(database.Statements())), zap.String("database", cfg.DBName))
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "Print the schema instead of applying it")
}
