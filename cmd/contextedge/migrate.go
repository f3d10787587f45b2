package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/store"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/pkg/contextedge"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the record and feedback schema to Postgres",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := contextedge.LoadConfig(cfgPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	db, err := store.Open(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.Migrate(db.DB); err != nil {
		return err
	}
	logger.Info("schema up to date")
	return nil
}
