package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/config"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/db"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/events"
	apphttp "github.com/masumi-network/masumi-payment-service-sub003/internal/http"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/http/handlers"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/repositories"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Mirror worker alerts into the API log so operators see them where
	// they already look.
	subscriber := events.NewRedisSubscriber(rdb, log)
	if err := subscriber.Subscribe(ctx, cfg.AlertChannel, func(ev events.Event) {
		log.Warn("payment alert", zap.String("type", ev.Type), zap.Any("payload", ev.Payload))
	}); err != nil {
		log.Error("failed to subscribe to alert channel", zap.Error(err))
	}

	// Repositories
	sourceRepo := repositories.NewSourceRepo(pool)
	walletRepo := repositories.NewWalletRepo(pool)
	paymentRepo := repositories.NewPaymentRepo(pool)
	purchaseRepo := repositories.NewPurchaseRepo(pool)
	registryRepo := repositories.NewRegistryRepo(pool)
	txRepo := repositories.NewTransactionRepo(pool)

	// Handlers
	sourceHandler := handlers.NewSourceHandler(cfg, sourceRepo, walletRepo, log)
	paymentHandler := handlers.NewPaymentHandler(paymentRepo, log)
	purchaseHandler := handlers.NewPurchaseHandler(purchaseRepo, log)
	registryHandler := handlers.NewRegistryHandler(registryRepo, log)
	statsHandler := handlers.NewStatsHandler(txRepo, log)

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, sourceHandler, paymentHandler, purchaseHandler, registryHandler, statsHandler)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
