package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/masa-finance/scan-worker/internal/api"
	"github.com/masa-finance/scan-worker/internal/auth"
	"github.com/masa-finance/scan-worker/internal/config"
	"github.com/masa-finance/scan-worker/internal/health"
	"github.com/masa-finance/scan-worker/internal/jobs/stats"
	"github.com/masa-finance/scan-worker/internal/jobserver"
	"github.com/masa-finance/scan-worker/internal/sandbox"
	"github.com/masa-finance/scan-worker/internal/store"
	"github.com/masa-finance/scan-worker/internal/vault"
	"github.com/masa-finance/scan-worker/internal/versioning"
	"github.com/masa-finance/scan-worker/pkg/tee"
)

const reconcileInterval = 5 * time.Minute

// healthProbeKey is never a real scan id or vault key.
const healthProbeKey = "readiness-probe"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the job server (default)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	jc, err := config.ReadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := jc.ServerConfig()
	gateCfg, err := jc.GateConfig()
	if err != nil {
		return err
	}
	vaultCfg := jc.VaultConfig()
	dispatcherCfg := jc.DispatcherConfig()

	sealer, err := tee.NewSealer(srv.Standalone, vaultCfg.SealingKey)
	if err != nil {
		return err
	}
	workerID, err := tee.LoadOrCreateWorkerID(jc.DataDir(), sealer)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"worker":     workerID,
		"version":    versioning.ApplicationVersion,
		"standalone": srv.Standalone,
	}).Info("Starting scan worker")

	tracker := health.NewTracker()
	collector := stats.StartCollector(ctx, srv.StatsBufSize, tracker)
	collector.SetWorkerID(workerID)

	scans, err := openStore(ctx, jc.StoreConfig())
	if err != nil {
		return err
	}
	defer scans.Close()

	vaultStore, err := openVaultStore(ctx, vaultCfg)
	if err != nil {
		return err
	}
	sessions := vault.New(vaultStore, sealer, vaultCfg.Options)
	defer sessions.Close()

	provider, err := newProvider(dispatcherCfg, jc.DataDir())
	if err != nil {
		return err
	}
	dispatcher := sandbox.NewDispatcher(provider, dispatcherCfg.Dispatcher, tracker, collector)

	verifier := health.NewCapabilityVerifier(tracker)
	verifier.RegisterVerifier(health.CapabilitySandbox, health.VerifierFunc(dispatcher.Ping))
	verifier.RegisterVerifier(health.CapabilityStore, health.VerifierFunc(func(ctx context.Context) error {
		if _, err := scans.Get(ctx, healthProbeKey); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	}))
	verifier.RegisterVerifier(health.CapabilityVault, health.VerifierFunc(func(ctx context.Context) error {
		_, err := sessions.CheckValidity(ctx, healthProbeKey)
		return err
	}))
	verifier.VerifyCapabilities(ctx)

	tokens, err := auth.NewVerifier(gateCfg.JWTSecret)
	if err != nil {
		return err
	}

	jobServer := jobserver.NewJobServer(jobserver.Deps{
		Store:      scans,
		Vault:      sessions,
		Dispatcher: dispatcher,
		Gate:       auth.NewTierGate(gateCfg.Tiers),
		Stats:      collector,
	}, jc.JobServerConfig())

	opts := api.Options{
		ListenAddress: srv.ListenAddress,
		LogLevel:      srv.LogLevel,
		Standalone:    srv.Standalone,
		EnablePprof:   srv.EnablePprof,
	}
	e := api.NewServer(api.Deps{
		Scans:    jobServer,
		Sessions: sessions,
		Verifier: tokens,
		Stats:    collector,
		Tracker:  tracker,
	}, opts)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		jobServer.Run(ctx)
		return nil
	})
	g.Go(func() error {
		verifier.StartReconciliationLoop(ctx, reconcileInterval)
		return nil
	})
	g.Go(func() error {
		return api.Start(ctx, e, opts)
	})
	return g.Wait()
}
