package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/config"
)

// AdminAuthMiddleware gates the operator API behind the static admin token.
// Comparison is constant-time so the token cannot be probed byte by byte.
func AdminAuthMiddleware(cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing authorization header"})
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid authorization format"})
		}

		if cfg.AdminAPIToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(cfg.AdminAPIToken)) != 1 {
			log.Debug("admin token rejected", zap.String("ip", c.IP()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token"})
		}

		return c.Next()
	}
}
