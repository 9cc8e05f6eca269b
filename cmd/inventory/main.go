package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-order-core/internal/config"
	"github.com/ariefcatur/go-order-core/internal/inventory"
	kafkax "github.com/ariefcatur/go-order-core/internal/kafka"
	"github.com/ariefcatur/go-order-core/internal/logx"
	"github.com/ariefcatur/go-order-core/internal/orders"
	"github.com/ariefcatur/go-order-core/internal/postgres"
	"github.com/ariefcatur/go-order-core/internal/redisx"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// inventory consumes order.created and raises inventory.low_stock alerts.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	logx.Setup(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("inventory watcher stopped")
	}
	log.Info().Msg("inventory watcher stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := redisx.Ping(ctx, rdb); err != nil {
		return err
	}

	prod := kafkax.NewProducer(cfg.KafkaBrokers(), 1024)
	prod.Start()
	defer func() {
		prod.Close()
		prod.WaitClosed()
	}()

	w := &inventory.Watcher{
		Ledger:      inventory.NewLedger(postgres.NewStore(db).Inventory()),
		Redis:       rdb,
		Publisher:   prod,
		ServiceName: cfg.ServiceName + "-inventory",
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers(), cfg.InventoryGroup, orders.TopicOrderCreated, cfg.InventoryWorkers)
	log.Info().Str("group", cfg.InventoryGroup).Str("topic", orders.TopicOrderCreated).
		Int("workers", cfg.InventoryWorkers).Msg("inventory consumer started")
	return cons.Start(ctx, w.HandleOrderCreated)
}
