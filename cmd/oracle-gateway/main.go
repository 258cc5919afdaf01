// oracle-gateway serves an OpenAI-compatible model as a gRPC reasoning oracle.
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ashureev/clusterchat/internal/config"
	"github.com/ashureev/clusterchat/internal/oracle"
)

const healthInterval = 30 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	addr := os.Getenv("ORACLE_GATEWAY_ADDR")
	if addr == "" {
		addr = ":50051"
	}

	upstream := oracle.NewOpenAI(oracle.OpenAIConfig{
		BaseURL:     cfg.Oracle.BaseURL,
		Model:       cfg.Oracle.Model,
		APIKey:      cfg.Oracle.APIKey,
		Timeout:     cfg.Oracle.Timeout,
		Temperature: cfg.Oracle.Temperature,
	}, nil, logger)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("Failed to listen", "addr", addr, "error", err)
		os.Exit(1)
	}

	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	oracle.RegisterServer(srv, upstream)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go watchUpstream(ctx, hs, upstream)

	go func() {
		slog.Info("Oracle gateway listening", "addr", addr, "upstream", cfg.Oracle.BaseURL, "model", cfg.Oracle.Model)
		if err := srv.Serve(lis); err != nil {
			slog.Error("Oracle gateway failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down oracle gateway...")
	hs.Shutdown()

	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		srv.Stop()
	}
	slog.Info("Oracle gateway stopped")
}

// watchUpstream mirrors upstream reachability into the gRPC health service.
func watchUpstream(ctx context.Context, hs *health.Server, upstream *oracle.OpenAI) {
	check := func() {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		st := healthpb.HealthCheckResponse_SERVING
		if err := upstream.Ping(pingCtx); err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			slog.Warn("Upstream model unreachable", "error", err)
		}
		hs.SetServingStatus("", st)
		hs.SetServingStatus(oracle.ServiceName, st)
	}

	check()
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
