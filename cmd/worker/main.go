package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/config"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/db"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/events"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/repositories"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/services"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repos
	sourceRepo := repositories.NewSourceRepo(pool)
	walletRepo := repositories.NewWalletRepo(pool)
	paymentRepo := repositories.NewPaymentRepo(pool)
	purchaseRepo := repositories.NewPurchaseRepo(pool)
	registryRepo := repositories.NewRegistryRepo(pool)
	txRepo := repositories.NewTransactionRepo(pool)

	publisher := events.NewRedisPublisher(rdb, log)

	engine := services.NewEngine(cfg, sourceRepo, walletRepo, paymentRepo, purchaseRepo, registryRepo, txRepo, publisher, log)

	log.Info("worker started")

	type job struct {
		interval time.Duration
		run      func(context.Context)
	}
	jobs := []job{
		{cfg.FundsLockingInterval, engine.RunFundsLocking},
		{cfg.SubmitResultInterval, engine.RunSubmitResult},
		{cfg.WithdrawInterval, engine.RunWithdraw},
		{cfg.AuthorizeRefundInterval, engine.RunAuthorizeRefund},
		{cfg.SetRefundInterval, engine.RunSetRefundRequested},
		{cfg.UnSetRefundInterval, engine.RunUnSetRefundRequested},
		{cfg.CollectRefundInterval, engine.RunCollectRefund},
		{cfg.TimeoutRefundInterval, engine.RunTimeoutRefund},
		{cfg.RegistryInterval, engine.RunRegistry},
		{cfg.SyncInterval, engine.RunSync},
		{cfg.AlertScanInterval, engine.RunAlerts},
	}

	// One goroutine per job ticker; the per-job mutex inside the engine
	// drops ticks that land while the previous one is still running.
	for _, j := range jobs {
		j := j
		go func() {
			ticker := time.NewTicker(j.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					j.run(ctx)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutting down worker")
		cancel()
	case <-ctx.Done():
	}
}
