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

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"assetescrow/config"
	"assetescrow/core/types"
	"assetescrow/native/assets"
	"assetescrow/observability/logging"
	telemetry "assetescrow/observability/otel"
	"assetescrow/rpc/ledgerrpc"
	"assetescrow/storage/levelstore"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "deploy/assetd.yaml", "path to assetd configuration file (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.LoadAssetd(cfgPath)
	if err != nil {
		log.Fatalf("assetd: load config: %v", err)
	}
	logger, logCloser := logging.Setup(logging.Options{
		Service:    "assetd",
		Env:        cfg.Logging.Env,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logCloser.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("assetd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.AssetdConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "assetd",
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
		_ = shutdownTelemetry(flushCtx)
	}()

	var state assets.State = assets.NewMemoryState()
	if cfg.Storage.Backend == config.BackendLevelDB {
		db, err := levelstore.Open(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		state = levelstore.NewHoldings(db)
	}

	assetCfg, err := cfg.Asset.LedgerConfig(types.MustPrincipal(cfg.Escrow))
	if err != nil {
		return fmt.Errorf("asset: %w", err)
	}
	ledger, err := assets.NewLedger(ctx, assetCfg, state)
	if err != nil {
		return err
	}
	rpcServer, err := ledgerrpc.NewServer(ledger, ledgerrpc.ServerConfig{
		Secret:    cfg.Auth.HMACSecret,
		Issuer:    cfg.Auth.Issuer,
		ClockSkew: cfg.Auth.ClockSkew.Duration,
	})
	if err != nil {
		return err
	}
	rpcServer.SetLogger(logger)

	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Mount("/", rpcServer.Handler())

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           otelhttp.NewHandler(mux, "assetd"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("assetd listening",
			slog.String("listen", cfg.Listen),
			slog.String("backend", cfg.Storage.Backend),
			slog.String("price", assetCfg.Price.Dec()),
			slog.String("total_supply", assetCfg.TotalSupply.Dec()))
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
	return httpServer.Shutdown(shutdownCtx)
}
