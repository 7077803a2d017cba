package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flarebridge/internal/attestation"
	"flarebridge/internal/chain"
	"flarebridge/internal/config"
	"flarebridge/internal/ledger"
	"flarebridge/internal/server"
	"flarebridge/internal/watcher"
	"flarebridge/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Logger.Level)
	ctx := context.Background()

	ledgerClient, err := ledger.NewRPCClient(ledger.RPCClientConfig{
		BaseURL:      cfg.Ledger.RPCURL,
		Timeout:      cfg.Ledger.Timeout,
		PollInterval: cfg.Ledger.PollInterval,
	}, log)
	if err != nil {
		log.Error("ledger client error", "err", err)
		os.Exit(1)
	}

	chainClient, err := chain.NewClient(ctx, chain.ClientConfig{
		RPCURL:            cfg.Chain.RPCURL,
		PrivateKeyHex:     cfg.Chain.PrivateKey,
		RegistryAddress:   cfg.Chain.RegistryAddress,
		ControllerAddress: cfg.Chain.ControllerAddress,
		PoolAddress:       cfg.Chain.PoolAddress,
	}, log)
	if err != nil {
		log.Error("chain client error", "err", err)
		os.Exit(1)
	}

	var store workflow.Store = workflow.NewMemoryStore()
	var pgStore *workflow.PostgresStore
	if cfg.Database.DSN != "" {
		pgStore, err = workflow.NewPostgresStore(ctx, cfg.Database.DSN)
		if err != nil {
			log.Error("postgres store error", "err", err)
			os.Exit(1)
		}
		defer pgStore.Close()
		store = pgStore
	}

	var attester workflow.Attester
	if cfg.Attestation.Enabled() {
		client, err := attestation.NewClient(attestation.ClientConfig{
			VerifierURL:    cfg.Attestation.VerifierURL,
			VerifierAPIKey: cfg.Attestation.VerifierAPIKey,
			DALayerURL:     cfg.Attestation.DALayerURL,
			DALayerAPIKey:  cfg.Attestation.DALayerAPIKey,
			Timeout:        cfg.Attestation.Timeout,
			PollInterval:   cfg.Attestation.PollInterval,
			MaxAttempts:    cfg.Attestation.MaxAttempts,
		}, chainClient, log)
		if err != nil {
			log.Error("attestation client error", "err", err)
			os.Exit(1)
		}
		attester = client
	}

	var verifierABI []byte
	if cfg.Attestation.VerifierABIPath != "" {
		verifierABI, err = os.ReadFile(cfg.Attestation.VerifierABIPath)
		if err != nil {
			log.Error("verifier abi error", "err", err)
			os.Exit(1)
		}
	}

	watch := watcher.New(chainClient.Subscriber(), log)

	orch := workflow.NewOrchestrator(chainClient, ledgerClient, watch, attester, store, workflow.Config{
		WatchTimeout:    cfg.Workflow.WatchTimeout,
		WalletID:        cfg.Workflow.WalletID,
		VerifierABIJSON: verifierABI,
		VerifierMethod:  cfg.Attestation.VerifierMethod,
	}, log)

	apiServer := server.NewServer(cfg, orch, store, chainClient, watch.Active, log)

	go func() {
		if err := apiServer.Start(); err != nil {
			log.Info("server stopped", "err", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
