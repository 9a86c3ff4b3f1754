package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/brokersync/internal/store/postgres"
	"github.com/alanyoungcy/brokersync/internal/store/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema for the configured store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if cfg.Store.Driver == "sqlite" {
			st, err := sqlite.Open(ctx, cfg.Store.SQLitePath)
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "sqlite schema applied to %s\n", cfg.Store.SQLitePath)
			return nil
		}

		client, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Supabase.DSN,
			Host:     cfg.Supabase.Host,
			Port:     cfg.Supabase.Port,
			Database: cfg.Supabase.Database,
			User:     cfg.Supabase.User,
			Password: cfg.Supabase.Password,
			SSLMode:  cfg.Supabase.SSLMode,
			MaxConns: 1,
		})
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.RunMigrations(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "postgres migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
