// Command mnemosyned serves the memory preservation API: multi-backend
// storage with retry and fallback, the storage edge ledger, derivative
// generation and retention sweeping.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/mnemosyne-app/mnemosyne/cmd/flags"
	"github.com/mnemosyne-app/mnemosyne/common"
	"github.com/mnemosyne-app/mnemosyne/config"
	"github.com/mnemosyne-app/mnemosyne/derivatives"
	"github.com/mnemosyne-app/mnemosyne/httpserver"
	"github.com/mnemosyne-app/mnemosyne/ledger"
	"github.com/mnemosyne-app/mnemosyne/metrics"
	"github.com/mnemosyne-app/mnemosyne/storage"
	"github.com/mnemosyne-app/mnemosyne/upload"
)

func main() {
	app := &cli.App{
		Name:    "mnemosyned",
		Usage:   "Serve the memory preservation API",
		Version: common.Version,
		Flags:   flags.CommonFlags,
		Action:  run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	cfg, err := config.Load(cCtx.String(flags.ConfigFlag.Name))
	if err != nil {
		logger.Error("Failed to load configuration", "err", err)
		return err
	}
	if dsn := cCtx.String(flags.LedgerDSNFlag.Name); dsn != "" {
		cfg.Ledger.DSN = dsn
	}
	if cCtx.IsSet(flags.ListenAddrFlag.Name) {
		cfg.Server.ListenAddr = cCtx.String(flags.ListenAddrFlag.Name)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cfg.ResolveSecrets(ctx); err != nil {
		logger.Error("Failed to resolve secrets", "err", err)
		return err
	}

	store, err := ledger.Open(cfg.Ledger.DSN)
	if err != nil {
		logger.Error("Failed to open ledger", "err", err)
		return err
	}
	defer store.Close()

	serverCfg := flags.ConfigureServer(cCtx, logger, cfg.Server.ListenAddr)

	var (
		metricsSrv *metrics.MetricsServer
		observers  *metrics.Observers
	)
	if serverCfg.MetricsAddr != "" {
		metricsSrv, err = metrics.New(common.PackageName, serverCfg.MetricsAddr)
		if err != nil {
			logger.Error("Failed to create metrics server", "err", err)
			return err
		}
		observers = metrics.NewObservers(common.PackageName, metricsSrv.Registry())
	}

	// The canister and ledgerchain protocol clients are deployment-specific;
	// without them those backends stay configured but unavailable.
	factory := storage.NewFactory(logger, storage.Credentials{
		S3AccessKey: cfg.Storage.S3AccessKey,
		S3SecretKey: cfg.Storage.S3SecretKey,
	}, nil, nil)

	providers, err := factory.ProvidersFor(cfg.Storage.Locations)
	if err != nil {
		logger.Error("Failed to create storage providers", "err", err)
		return err
	}

	var storageObs storage.Observer
	var derivativeObs derivatives.Observer
	if observers != nil {
		storageObs = observers
		derivativeObs = observers
	}

	manager := storage.NewManager(providers, storage.ManagerConfig{
		FallbackOrder:    cfg.Storage.Fallbacks(),
		MaxAttempts:      cfg.Storage.MaxAttempts,
		BaseDelay:        cfg.Storage.BaseDelay.Std(),
		MaxDelay:         cfg.Storage.MaxDelay.Std(),
		RatePerSecond:    cfg.Storage.RatePerSecond,
		BreakerThreshold: cfg.Storage.BreakerThreshold,
	}, logger, storageObs)

	pipeline := derivatives.New(derivatives.Config{
		Workers:    cfg.Upload.Workers,
		QueueSize:  cfg.Upload.QueueSize,
		JobTimeout: cfg.Upload.JobTimeout.Std(),
	}, manager, store, logger, derivativeObs)
	pipeline.Start()
	defer pipeline.Close()

	coordinator := upload.NewCoordinator(upload.Config{
		DefaultBackends:  cfg.Upload.Backends(),
		BatchConcurrency: cfg.Upload.BatchConcurrency,
	}, manager, store, pipeline, upload.TokenResolver{}, logger)

	janitor := upload.NewJanitor(cfg.Upload.JanitorInterval.Std(), store, coordinator, logger)
	go janitor.Run(ctx)

	handler := httpserver.NewHandler(coordinator, store, logger)
	server, err := httpserver.New(serverCfg, handler, metricsSrv)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	server.RunInBackground()
	logger.Info("Server is running, press Ctrl+C to stop")

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	server.Shutdown()
	logger.Info("Server shutdown complete")

	return nil
}
