package http

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/config"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/http/handlers"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/middleware"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	sourceHandler *handlers.SourceHandler,
	paymentHandler *handlers.PaymentHandler,
	purchaseHandler *handlers.PurchaseHandler,
	registryHandler *handlers.RegistryHandler,
	statsHandler *handlers.StatsHandler,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")
	api.Use(middleware.RateLimitMiddleware(rdb, 100, time.Minute))
	api.Use(middleware.AdminAuthMiddleware(cfg, log))

	// Payment sources and their hot wallets
	api.Post("/payment-sources", sourceHandler.Create)
	api.Get("/payment-sources", sourceHandler.List)
	api.Delete("/payment-sources/:id", sourceHandler.Delete)
	api.Get("/payment-sources/:id/wallets", sourceHandler.ListWallets)
	api.Get("/payment-sources/:id/registry", registryHandler.ListBySource)
	api.Post("/wallets", sourceHandler.CreateWallet)

	// Payment requests (selling side)
	api.Post("/payments", paymentHandler.Create)
	api.Get("/payments", paymentHandler.List)
	api.Get("/payments/:id", paymentHandler.Get)
	api.Post("/payments/:id/submit-result", paymentHandler.SubmitResult)
	api.Post("/payments/:id/withdraw", paymentHandler.Withdraw)
	api.Post("/payments/:id/authorize-refund", paymentHandler.AuthorizeRefund)

	// Purchase requests (buying side)
	api.Post("/purchases", purchaseHandler.Create)
	api.Get("/purchases", purchaseHandler.List)
	api.Get("/purchases/:id", purchaseHandler.Get)
	api.Post("/purchases/:id/request-refund", purchaseHandler.RequestRefund)
	api.Post("/purchases/:id/cancel-refund-request", purchaseHandler.CancelRefundRequest)
	api.Post("/purchases/:id/collect-refund", purchaseHandler.CollectRefund)

	// Agent registry
	api.Post("/registry", registryHandler.Create)
	api.Get("/registry/:id", registryHandler.Get)

	// Fee accounting
	api.Get("/stats/fees", statsHandler.FeeTotals)
}
