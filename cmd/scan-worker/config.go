package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/masa-finance/scan-worker/internal/config"
	"github.com/masa-finance/scan-worker/internal/dbx"
	"github.com/masa-finance/scan-worker/internal/sandbox"
	"github.com/masa-finance/scan-worker/internal/store"
	"github.com/masa-finance/scan-worker/internal/vault"
)

const memoryDriver = "memory"

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	if cfg.Driver == memoryDriver {
		return store.NewMemoryStore(), nil
	}
	dialect, err := dbx.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	return store.OpenSQL(ctx, dialect, cfg.DSN)
}

func openVaultStore(ctx context.Context, cfg config.VaultConfig) (vault.Store, error) {
	if cfg.Driver == memoryDriver {
		return vault.NewMemoryStore(), nil
	}
	dialect, err := dbx.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	return vault.OpenSQL(ctx, dialect, cfg.DSN)
}

func newProvider(cfg config.DispatcherConfig, dataDir string) (sandbox.Provider, error) {
	switch cfg.Provider {
	case "local":
		return sandbox.NewLocalProvider(sandbox.LocalConfig{
			Root:     filepath.Join(dataDir, "sandboxes"),
			Capacity: cfg.Dispatcher.MaxSandboxes,
		}, sandbox.TwitterExtractor{}), nil
	case "remote":
		if cfg.RemoteURL == "" {
			return nil, errors.New("SANDBOX_URL is required for the remote sandbox provider")
		}
		return sandbox.NewRemoteProvider(sandbox.RemoteConfig{
			BaseURL: cfg.RemoteURL,
			APIKey:  cfg.RemoteKey,
		}), nil
	}
	return nil, fmt.Errorf("unknown sandbox provider %q", cfg.Provider)
}
