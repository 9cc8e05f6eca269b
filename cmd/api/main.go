package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-order-core/internal/checkout"
	"github.com/ariefcatur/go-order-core/internal/config"
	"github.com/ariefcatur/go-order-core/internal/httpx"
	"github.com/ariefcatur/go-order-core/internal/inventory"
	kafkax "github.com/ariefcatur/go-order-core/internal/kafka"
	"github.com/ariefcatur/go-order-core/internal/logx"
	"github.com/ariefcatur/go-order-core/internal/memstore"
	"github.com/ariefcatur/go-order-core/internal/orders"
	"github.com/ariefcatur/go-order-core/internal/postgres"
	"github.com/ariefcatur/go-order-core/internal/rabbitmq"
	"github.com/ariefcatur/go-order-core/internal/redisx"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

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
		log.Fatal().Err(err).Msg("order api stopped")
	}
	log.Info().Msg("order api stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	// Store
	var store orders.Store
	switch cfg.StoreDriver {
	case "memory":
		log.Warn().Msg("using in-memory store, data is lost on exit")
		store = memstore.New()
	default:
		db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer db.Close()
		store = postgres.NewStore(db)
	}

	// Redis: status cache and reaper lease, both optional
	opts := []checkout.Option{
		checkout.WithProducerName(cfg.ServiceName),
		checkout.WithPurge(cfg.AllowPurge),
	}
	var (
		lease checkout.Lease
		cache httpx.StatusReader
	)
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := redisx.Ping(ctx, rdb); err != nil {
		log.Warn().Err(err).Msg("redis unavailable, running without status cache and reaper lease")
	} else {
		sc := redisx.NewStatusCache(rdb)
		opts = append(opts, checkout.WithStatusCache(sc))
		cache = sc
		lease = redisx.NewLease(rdb, fmt.Sprintf(redisx.KeyReaperLock, cfg.ServiceName), cfg.ReaperInterval)
	}

	// Event bus
	var prod *kafkax.Producer
	switch cfg.EventBus {
	case "kafka":
		prod = kafkax.NewProducer(cfg.KafkaBrokers(), 1024)
		prod.Start()
		opts = append(opts, checkout.WithPublisher(prod))
	case "rabbitmq":
		pub, err := rabbitmq.Dial(cfg.RabbitMQURL, cfg.RabbitMQExchange)
		if err != nil {
			return err
		}
		defer pub.Close()
		opts = append(opts, checkout.WithPublisher(pub))
	default:
		log.Warn().Msg("event bus disabled")
	}

	svc := checkout.NewService(store, opts...)
	handler := &httpx.OrdersHandler{
		Service: svc,
		Ledger:  inventory.NewLedger(store.Inventory()),
		Cache:   cache,
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpx.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Str("store", cfg.StoreDriver).Str("bus", cfg.EventBus).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	if cfg.ReaperEnabled {
		reaper := checkout.NewReaper(svc, checkout.ReaperConfig{
			Interval: cfg.ReaperInterval,
			Timeout:  cfg.UnpaidTimeout,
			Batch:    cfg.ReaperBatch,
		}, lease)
		g.Go(func() error { return reaper.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if prod != nil {
			prod.Close() // flush the inbox, then close the writer
			prod.WaitClosed()
		}
		return err
	})
	return g.Wait()
}
