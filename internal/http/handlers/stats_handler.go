package handlers

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/http/dto"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/repositories"
)

type StatsHandler struct {
	txs *repositories.TransactionRepo
	log *zap.Logger
}

func NewStatsHandler(txs *repositories.TransactionRepo, log *zap.Logger) *StatsHandler {
	return &StatsHandler{txs: txs, log: log}
}

// FeeTotals returns confirmed network fees for one request type over a
// [from, to) window of unix-millisecond query params. Defaults to the
// trailing 30 days.
func (h *StatsHandler) FeeTotals(c *fiber.Ctx) error {
	requestType := c.Query("type", "payment")
	if requestType != "payment" && requestType != "purchase" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "type must be payment or purchase"})
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30)
	to := now
	if v := c.Query("from"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid from"})
		}
		from = time.UnixMilli(ms)
	}
	if v := c.Query("to"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid to"})
		}
		to = time.UnixMilli(ms)
	}

	total, err := h.txs.SumConfirmedFees(c.Context(), requestType, from, to)
	if err != nil {
		h.log.Error("sum confirmed fees", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "failed to compute fee totals"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.FeeTotalsResponse{
		RequestType: requestType,
		FromMS:      from.UnixMilli(),
		ToMS:        to.UnixMilli(),
		FeeLovelace: total,
	}})
}
