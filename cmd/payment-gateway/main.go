package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jcmexdev/payment-orchestrator/internal/config"
	"github.com/jcmexdev/payment-orchestrator/internal/httpx"
	"github.com/jcmexdev/payment-orchestrator/internal/orchestrator"
	txsqlite "github.com/jcmexdev/payment-orchestrator/internal/orchestrator/txlog/sqlite"
	"github.com/jcmexdev/payment-orchestrator/internal/payment"
	"github.com/jcmexdev/payment-orchestrator/internal/payment/providers/banktransfer"
	"github.com/jcmexdev/payment-orchestrator/internal/payment/providers/card"
	"github.com/jcmexdev/payment-orchestrator/internal/payment/providers/system"
	sessionsqlite "github.com/jcmexdev/payment-orchestrator/internal/payment/sessionstore/sqlite"
	"github.com/jcmexdev/payment-orchestrator/internal/pkg/cache"
	"github.com/jcmexdev/payment-orchestrator/internal/pkg/sqlitedb"
	"github.com/jcmexdev/payment-orchestrator/internal/pkg/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("payment gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := telemetry.InitLogger(os.Stderr, cfg.LogLevel)

	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracer(ctx, cfg.ServiceName, cfg.Tracing.SampleRatio)
		if err != nil {
			return err
		}
		defer flush("tracer", shutdown)
	}
	metricsHandler, shutdownMeter, err := telemetry.SetupMeter(cfg.ServiceName)
	if err != nil {
		return err
	}
	defer flush("meter", shutdownMeter)

	if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
		return err
	}
	db, err := sqlitedb.Open(cfg.SQLite.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	txRepo, err := txsqlite.New(ctx, db)
	if err != nil {
		return err
	}
	sessions, err := sessionsqlite.New(ctx, db)
	if err != nil {
		return err
	}

	orch := orchestrator.New(txRepo, orchestrator.WithLogger(logger))

	providers := []payment.Provider{system.New()}
	if cfg.Card.Enabled {
		p, err := card.New(card.Config{
			BaseURL:      cfg.Card.BaseURL,
			APIKey:       cfg.Card.APIKey,
			Timeout:      cfg.Card.Timeout,
			RetryMax:     cfg.Card.RetryMax,
			RetryWaitMin: cfg.Card.RetryWaitMin,
			RetryWaitMax: cfg.Card.RetryWaitMax,
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		providers = append(providers, p)
	}
	if cfg.BankTransfer.Enabled {
		conn, err := banktransfer.Dial(cfg.BankTransfer.Addr)
		if err != nil {
			return err
		}
		defer conn.Close()
		providers = append(providers, banktransfer.NewProvider(conn))
	}
	registry, err := payment.NewRegistry(providers...)
	if err != nil {
		return err
	}

	checks := map[string]httpx.HealthCheck{"sqlite": db.PingContext}
	opts := []payment.ServiceOption{payment.WithServiceLogger(logger)}
	if cfg.Redis.Addr != "" {
		redisCache := cache.NewRedisCache(cfg.Redis.Addr, cfg.ServiceName)
		defer redisCache.Close()
		opts = append(opts, payment.WithStatusCache(redisCache, cfg.Redis.StatusTTL))
		checks["redis"] = redisCache.Ping
	}
	svc := payment.NewService(orch, registry, sessions, opts...)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpx.NewRouter(httpx.NewHandler(svc, orch, checks, logger), metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("payment gateway listening", "addr", cfg.HTTP.Addr, "providers", registry.IDs())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down payment gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func flush(name string, shutdown telemetry.ShutdownFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.Error(name+" shutdown error", "error", err)
	}
}
