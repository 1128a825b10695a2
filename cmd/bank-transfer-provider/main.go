package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/jcmexdev/payment-orchestrator/internal/config"
	"github.com/jcmexdev/payment-orchestrator/internal/payment/providers/banktransfer"
	"github.com/jcmexdev/payment-orchestrator/internal/pkg/interceptors"
	"github.com/jcmexdev/payment-orchestrator/internal/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := telemetry.InitLogger(os.Stderr, cfg.LogLevel)

	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracer(ctx, "bank-transfer-provider", cfg.Tracing.SampleRatio)
		if err != nil {
			logger.Error("failed to initialise tracer", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error("tracer shutdown error", "error", err)
			}
		}()
	}

	addr := cfg.BankTransfer.ListenAddr
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("failed to listen", "addr", addr, "error", err)
		os.Exit(1)
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(interceptors.UnaryServerInterceptor(logger)),
	)
	banktransfer.RegisterServer(grpcServer, banktransfer.NewBank(cfg.BankTransfer.DeclineLimit, logger))

	go func() {
		<-ctx.Done()
		logger.Info("shutting down bank-transfer provider")
		grpcServer.GracefulStop()
	}()

	logger.Info("bank-transfer provider gRPC running", "addr", addr, "decline_limit", cfg.BankTransfer.DeclineLimit)
	if err := grpcServer.Serve(lis); err != nil {
		logger.Error("failed to serve", "error", err)
		os.Exit(1)
	}
}
