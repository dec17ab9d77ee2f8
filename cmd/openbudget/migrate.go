package main

import (
	"context"
	"errors"

	"openbudget/pkg/db"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres schema migrations",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.Store.Driver != "postgres" {
		return errors.New("migrate only applies to store.driver=postgres")
	}

	pool, err := db.NewConnection(context.Background(), cfg.DB, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	return db.Migrate(pool, log)
}
