package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/spannertx/config"
	"github.com/sushant-115/spannertx/pkg/client"
	"github.com/sushant-115/spannertx/pkg/connection"
	"github.com/sushant-115/spannertx/pkg/logger"
	"github.com/sushant-115/spannertx/pkg/telemetry"
)

var (
	configPath = flag.String("config", "spannertx.yaml", "Path to the YAML configuration file")
	mode       = flag.String("mode", "shell", "\"shell\" for an interactive DML shell, \"run\" for the configured workload")
	logLevel   = flag.String("log_level", "", "Overrides logger.level from the configuration")
)

const shutdownTimeout = 10 * time.Second

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer zlogger.Sync()

	if err := run(cfg, zlogger); err != nil {
		zlogger.Error("spannertx failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Root, zlogger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			zlogger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	conn, err := connection.Dial(cfg.Dial)
	if err != nil {
		return err
	}
	defer conn.Close()

	rpc, err := connection.NewRPC(ctx, conn)
	if err != nil {
		return err
	}

	clientID := uuid.NewString()
	if cfg.Pool.Labels == nil {
		cfg.Pool.Labels = map[string]string{}
	}
	cfg.Pool.Labels["spannertx_client"] = clientID

	pool, err := connection.NewSessionPool(rpc, cfg.Database, cfg.Pool, zlogger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := pool.Close(sctx); err != nil {
			zlogger.Warn("Session pool close failed", zap.Error(err))
		}
	}()

	zlogger.Info("Starting spannertx",
		zap.String("database", cfg.Database),
		zap.String("endpoint", cfg.Dial.Endpoint),
		zap.String("client_id", clientID),
		zap.String("mode", *mode),
		zap.Int("max_sessions", cfg.Pool.MaxOpened))

	cl := client.New(pool, client.Options{
		Logger:           zlogger,
		Telemetry:        tel,
		RetryBase:        cfg.Retry.Base,
		RetryMaxDelay:    cfg.Retry.MaxDelay,
		RetryMaxDuration: cfg.Retry.MaxDuration,
		RollbackTimeout:  cfg.Retry.RollbackTimeout,
	})

	switch *mode {
	case "run":
		return runWorkload(ctx, cl, cfg, zlogger)
	case "shell":
		return runShell(ctx, pool, cfg, zlogger, tel)
	default:
		return fmt.Errorf("unknown mode %q", *mode)
	}
}
