package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/masa-finance/scan-worker/internal/config"
	"github.com/masa-finance/scan-worker/internal/dbx"
	"github.com/masa-finance/scan-worker/internal/store"
	"github.com/masa-finance/scan-worker/internal/vault"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the scan store and vault schema migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		jc, err := config.ReadConfig()
		if err != nil {
			return err
		}

		storeCfg := jc.StoreConfig()
		if storeCfg.Driver == memoryDriver {
			logrus.Info("Memory store configured, nothing to migrate")
			return nil
		}
		dialect, err := dbx.ParseDialect(storeCfg.Driver)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		scansDB, err := dbx.Open(ctx, dialect, storeCfg.DSN)
		if err != nil {
			return err
		}
		defer scansDB.Close()
		if err := store.Migrate(ctx, scansDB, dialect); err != nil {
			return err
		}

		vaultDB, err := dbx.Open(ctx, dialect, jc.VaultConfig().DSN)
		if err != nil {
			return err
		}
		defer vaultDB.Close()
		if err := vault.Migrate(ctx, vaultDB, dialect); err != nil {
			return err
		}

		logrus.Info("Migrations applied")
		return nil
	},
}
