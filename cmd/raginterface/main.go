// Command raginterface serves the speaker quality routing API: SER scoring,
// error reports, performance assessment with bucket assignment and the MT
// validation workflow.
package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"

	"github.com/tan-res-space/rag-interface/internal/app"
	"github.com/tan-res-space/rag-interface/internal/config"
	"github.com/tan-res-space/rag-interface/internal/observe"
	"github.com/tan-res-space/rag-interface/internal/store"
	"github.com/tan-res-space/rag-interface/internal/store/memstore"
	"github.com/tan-res-space/rag-interface/internal/store/postgres"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults apply when empty)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "raginterface: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "raginterface: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("raginterface starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"storage", cfg.Storage.Backend,
		"redis", cfg.Redis.Enabled(),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cmp.Or(cfg.Telemetry.ServiceVersion, version),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Store registry ────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinStores(reg)

	application, err := app.New(ctx, cfg, app.WithRegistry(reg), app.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	code := 0
	if err := application.Run(ctx); err != nil {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// registerBuiltinStores wires the storage backends that ship with the
// service into reg.
func registerBuiltinStores(reg *config.Registry) {
	reg.RegisterStore(config.StorageMemory, func(context.Context, config.StorageConfig) (store.Store, error) {
		return memstore.New(), nil
	})
	reg.RegisterStore(config.StoragePostgres, func(ctx context.Context, sc config.StorageConfig) (store.Store, error) {
		st, err := postgres.Open(ctx, sc.PostgresDSN, sc.MaxConns)
		if err != nil {
			return nil, err
		}
		return st, nil
	})
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
