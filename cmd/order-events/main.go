package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-marketplace-orders/internal/config"
	kafkax "github.com/ariefcatur/go-marketplace-orders/internal/kafka"
	"github.com/ariefcatur/go-marketplace-orders/internal/logging"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
	"github.com/ariefcatur/go-marketplace-orders/internal/projection"
	"github.com/ariefcatur/go-marketplace-orders/internal/redisx"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "order-events: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("service", cfg.ServiceName+"-events"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	proj := &projection.Service{
		Cache:  redisx.NewStatusCache(rdb, cfg.StatusCacheTTL),
		Dedup:  redisx.NewDeduper(rdb, cfg.EventsGroup, redisx.TTLDedup),
		Logger: logger,
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.EventsGroup, orders.Topics, cfg.EventsWorkers, logger)
	logger.Info("order events consumer started",
		zap.Strings("topics", orders.Topics),
		zap.String("group", cfg.EventsGroup),
		zap.Int("workers", cfg.EventsWorkers))
	if err := cons.Start(ctx, proj.HandleOrderEvent); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("consume: %w", err)
	}
	logger.Info("order events consumer stopped")
	return nil
}
