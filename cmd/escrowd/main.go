package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"assetescrow/config"
	"assetescrow/core/events"
	"assetescrow/core/types"
	"assetescrow/native/assets"
	"assetescrow/native/bank"
	"assetescrow/native/escrow"
	"assetescrow/observability"
	"assetescrow/observability/logging"
	telemetry "assetescrow/observability/otel"
	"assetescrow/rpc/ledgerrpc"
	"assetescrow/services/escrowd"
	"assetescrow/services/escrowd/server"
	"assetescrow/storage/levelstore"
	"assetescrow/storage/memstore"
	"assetescrow/storage/sqlstore"
)

const (
	eventBuffer     = 64
	shutdownTimeout = 15 * time.Second
	drainTimeout    = 5 * time.Second
)

type backend struct {
	store    escrow.Store
	accounts bank.Seedable
	closer   func() error
}

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "deploy/escrowd.yaml", "path to escrowd configuration file (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("escrowd: load config: %v", err)
	}

	logger, logCloser := logging.Setup(logging.Options{
		Service:    "escrowd",
		Env:        cfg.Logging.Env,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logCloser.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("escrowd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "escrowd",
		Environment: cfg.Logging.Env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	storage, err := openBackend(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := storage.closer(); err != nil {
			logger.Warn("close storage", slog.Any("error", err))
		}
	}()

	genesis, err := cfg.Genesis.Parse()
	if err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	if applied, err := bank.SeedGenesis(ctx, storage.accounts, genesis); err != nil {
		return fmt.Errorf("seed genesis: %w", err)
	} else if applied {
		logger.Info("genesis balances applied", slog.Int("accounts", len(genesis)))
	}

	escrowCfg, err := cfg.Coordinator.EscrowConfig()
	if err != nil {
		return err
	}
	transfer, err := bank.NewTransfer(storage.accounts, escrowCfg.Principal)
	if err != nil {
		return fmt.Errorf("native transfer: %w", err)
	}
	registry, err := buildLedgers(ctx, cfg.Ledgers, escrowCfg.Principal, logger)
	if err != nil {
		return err
	}

	coordinator, err := escrow.NewCoordinator(escrowCfg, storage.store, transfer, registry)
	if err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	dispatcher := escrow.NewGoDispatcher(cfg.Dispatcher.Concurrency, cfg.Dispatcher.CallTimeout.Duration)
	hub := events.NewHub(eventBuffer)
	coordinator.SetDispatcher(dispatcher)
	coordinator.SetEmitter(events.MultiEmitter{hub, observability.Events()})
	coordinator.SetLogger(logger)

	auth, err := server.NewAuthenticator(server.AuthConfig{
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  cfg.Auth.ClockSkew.Duration,
	}, logger)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	api, err := server.New(coordinator, storage.accounts, hub, auth, logger)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if interval := cfg.Sweep.Interval.Duration; interval > 0 {
		go escrowd.NewSweepLoop(coordinator, interval, logger).Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening",
			slog.String("listen", cfg.Listen),
			slog.String("backend", cfg.Storage.Backend),
			slog.String("principal", escrowCfg.Principal.String()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.Any("error", err))
	}
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		logger.Warn("pending ledger calls cancelled", slog.Int("in_flight", coordinator.InFlight()), slog.Any("error", err))
		dispatcher.Close()
		// Cancelled calls still run their continuations; storage closes after them.
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
		defer cancelDrain()
		if err := dispatcher.Wait(drainCtx); err != nil {
			logger.Error("ledger continuations still running at shutdown", slog.Any("error", err))
		}
	}
	logger.Info("escrowd stopped")
	return nil
}

func openBackend(cfg config.StorageConfig, logger *slog.Logger) (backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		logger.Warn("memory storage selected; escrows are lost on restart")
		return backend{store: memstore.New(), accounts: memstore.NewAccounts(), closer: func() error { return nil }}, nil
	case config.BackendSQLite, config.BackendPostgres:
		dsn := cfg.DSN
		if cfg.Backend == config.BackendSQLite && dsn == "" {
			var err error
			if dsn, err = sqlstore.FileDSN(cfg.Path); err != nil {
				return backend{}, fmt.Errorf("storage: %w", err)
			}
		}
		logger.Info("opening database", slog.String("backend", cfg.Backend), slog.String("dsn", logging.MaskDSN(dsn)))
		db, err := sqlstore.Open(cfg.Backend, dsn)
		if err != nil {
			return backend{}, fmt.Errorf("storage: %w", err)
		}
		return backend{
			store:    sqlstore.NewStore(db),
			accounts: sqlstore.NewAccounts(db),
			closer:   func() error { return sqlstore.Close(db) },
		}, nil
	case config.BackendLevelDB:
		db, err := levelstore.Open(cfg.Path)
		if err != nil {
			return backend{}, fmt.Errorf("storage: %w", err)
		}
		return backend{
			store:    levelstore.NewStore(db),
			accounts: levelstore.NewAccounts(db),
			closer:   db.Close,
		}, nil
	default:
		return backend{}, fmt.Errorf("storage: unsupported backend %q", cfg.Backend)
	}
}

func buildLedgers(ctx context.Context, ledgers []config.LedgerConfig, principal types.Principal, logger *slog.Logger) (*escrow.LedgerRegistry, error) {
	registry := escrow.NewLedgerRegistry()
	for _, entry := range ledgers {
		var client escrow.AssetLedger
		if entry.URL != "" {
			remote, err := ledgerrpc.NewClient(ledgerrpc.Config{
				URL:               entry.URL,
				Caller:            principal,
				Secret:            entry.Secret,
				Issuer:            entry.Issuer,
				RequestsPerSecond: entry.RequestsPerSecond,
				Burst:             entry.Burst,
				Timeout:           entry.Timeout.Duration,
			})
			if err != nil {
				return nil, fmt.Errorf("ledger %s: %w", entry.ID, err)
			}
			client = remote
		} else {
			assetCfg, err := entry.Local.LedgerConfig(principal)
			if err != nil {
				return nil, fmt.Errorf("ledger %s: %w", entry.ID, err)
			}
			ledger, err := assets.NewLedger(ctx, assetCfg, assets.NewMemoryState())
			if err != nil {
				return nil, fmt.Errorf("ledger %s: %w", entry.ID, err)
			}
			client = assets.NewLocal(ledger, principal)
		}
		if err := registry.Register(entry.ID, client); err != nil {
			return nil, err
		}
		logger.Info("asset ledger registered", slog.String("ledger", entry.ID), slog.Bool("remote", entry.URL != ""))
	}
	return registry, nil
}
