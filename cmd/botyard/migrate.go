package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zulandar/botyard/internal/db"
)

func newMigrateCmd() *cobra.Command {
	var (
		configPath string
		envFile    string
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the standalone store tables",
		Long: `Applies the dialog store schema (dialogs, dialog messages, handoff requests)
to the database named by standalone.store_driver and standalone.store_dsn.

Safe to run multiple times (idempotent).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, envFile, cmd.Flags().Changed("env-file"))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			sc := cfg.Standalone
			gormDB, err := db.Open(sc.StoreDriver, sc.StoreDSN)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Connected to %s store\n", sc.StoreDriver)
			if err := db.AutoMigrate(gormDB); err != nil {
				return err
			}
			fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "worker.yaml", "path to worker config file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	return cmd
}
