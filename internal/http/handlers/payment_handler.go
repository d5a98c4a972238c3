package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/http/dto"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/repositories"
)

type PaymentHandler struct {
	payments *repositories.PaymentRepo
	log      *zap.Logger
}

func NewPaymentHandler(payments *repositories.PaymentRepo, log *zap.Logger) *PaymentHandler {
	return &PaymentHandler{payments: payments, log: log}
}

func (h *PaymentHandler) Create(c *fiber.Ctx) error {
	var req dto.CreatePaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	sourceID, err := uuid.Parse(req.PaymentSourceID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid payment_source_id"})
	}
	walletID, err := uuid.Parse(req.SmartContractWalletID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid smart_contract_wallet_id"})
	}
	if req.BlockchainIdentifier == "" || req.InputHash == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "blockchain_identifier and input_hash are required"})
	}
	if !(req.PayByTime < req.SubmitResultTime && req.SubmitResultTime < req.UnlockTime && req.UnlockTime < req.ExternalDisputeUnlockTime) {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "deadlines must be strictly ordered: pay_by < submit_result < unlock < external_dispute_unlock"})
	}
	if len(req.RequestedFunds) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "requested_funds is required"})
	}

	p := &models.PaymentRequest{
		PaymentSourceID:           sourceID,
		SmartContractWalletID:     walletID,
		BlockchainIdentifier:      req.BlockchainIdentifier,
		InputHash:                 req.InputHash,
		BuyerVkey:                 req.BuyerVkey,
		BuyerAddress:              req.BuyerAddress,
		PayByTime:                 req.PayByTime,
		SubmitResultTime:          req.SubmitResultTime,
		UnlockTime:                req.UnlockTime,
		ExternalDisputeUnlockTime: req.ExternalDisputeUnlockTime,
		CollateralReturnLovelace:  req.CollateralReturnLovelace,
		RequestedFunds:            req.RequestedFunds,
		NextAction:                models.NextAction{RequestedAction: models.ActionWaitingForExternalAction},
	}
	if err := h.payments.Create(c.Context(), p); err != nil {
		h.log.Error("create payment request", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: p})
}

func (h *PaymentHandler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid payment id"})
	}

	p, err := h.payments.GetByID(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "payment not found"})
	}
	history, err := h.payments.ActionHistory(c.Context(), id)
	if err != nil {
		h.log.Error("load payment action history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "failed to load history"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.RequestDetail{Request: p, History: history}})
}

func (h *PaymentHandler) List(c *fiber.Ctx) error {
	limit, offset := pageParams(c)
	items, err := h.payments.List(c.Context(), limit, offset)
	if err != nil {
		h.log.Error("list payment requests", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "failed to list payments"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: items})
}

// SubmitResult records the seller's intent to publish a result hash; the
// submit-result job picks the request up on its next tick.
func (h *PaymentHandler) SubmitResult(c *fiber.Ctx) error {
	var body dto.SubmitResultRequest
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}
	if body.ResultHash == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "result_hash is required"})
	}
	return h.requestAction(c, models.ActionSubmitResultRequested, &body.ResultHash)
}

// Withdraw asks for the escrowed funds once the unlock time passed.
func (h *PaymentHandler) Withdraw(c *fiber.Ctx) error {
	return h.requestAction(c, models.ActionWithdrawRequested, nil)
}

// AuthorizeRefund lets the seller concede a requested refund.
func (h *PaymentHandler) AuthorizeRefund(c *fiber.Ctx) error {
	return h.requestAction(c, models.ActionAuthorizeRefundRequested, nil)
}

func (h *PaymentHandler) requestAction(c *fiber.Ctx, action string, resultHash *string) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid payment id"})
	}

	p, err := h.payments.GetByID(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "payment not found"})
	}

	next, err := models.RequestAction(models.ValidPaymentActionTransitions, p.NextAction, action, resultHash)
	if err != nil {
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	upd := repositories.RequestUpdate{NextAction: next}
	if action == models.ActionSubmitResultRequested {
		upd.SetResultHash = resultHash
	}
	if err := h.payments.ApplyTransition(c.Context(), p.ID, upd); err != nil {
		h.log.Error("request payment action", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "failed to apply action"})
	}

	p.NextAction = next
	if upd.SetResultHash != nil {
		p.ResultHash = *upd.SetResultHash
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: p})
}

func pageParams(c *fiber.Ctx) (limit, offset int) {
	limit, offset = 20, 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
