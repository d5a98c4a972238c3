package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/http/dto"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/repositories"
)

type PurchaseHandler struct {
	purchases *repositories.PurchaseRepo
	log       *zap.Logger
}

func NewPurchaseHandler(purchases *repositories.PurchaseRepo, log *zap.Logger) *PurchaseHandler {
	return &PurchaseHandler{purchases: purchases, log: log}
}

func (h *PurchaseHandler) Create(c *fiber.Ctx) error {
	var req dto.CreatePurchaseRequest
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
	if req.SellerVkey == "" || req.SellerAddress == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "seller_vkey and seller_address are required"})
	}
	if !(req.PayByTime < req.SubmitResultTime && req.SubmitResultTime < req.UnlockTime && req.UnlockTime < req.ExternalDisputeUnlockTime) {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "deadlines must be strictly ordered: pay_by < submit_result < unlock < external_dispute_unlock"})
	}
	if len(req.PaidFunds) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "paid_funds is required"})
	}

	p := &models.PurchaseRequest{
		PaymentSourceID:           sourceID,
		SmartContractWalletID:     walletID,
		BlockchainIdentifier:      req.BlockchainIdentifier,
		InputHash:                 req.InputHash,
		SellerVkey:                req.SellerVkey,
		SellerAddress:             req.SellerAddress,
		PayByTime:                 req.PayByTime,
		SubmitResultTime:          req.SubmitResultTime,
		UnlockTime:                req.UnlockTime,
		ExternalDisputeUnlockTime: req.ExternalDisputeUnlockTime,
		CollateralReturnLovelace:  req.CollateralReturnLovelace,
		PaidFunds:                 req.PaidFunds,
		NextAction:                models.NextAction{RequestedAction: models.ActionFundsLockingRequested},
	}
	if err := h.purchases.Create(c.Context(), p); err != nil {
		h.log.Error("create purchase request", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: p})
}

func (h *PurchaseHandler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid purchase id"})
	}

	p, err := h.purchases.GetByID(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "purchase not found"})
	}
	history, err := h.purchases.ActionHistory(c.Context(), id)
	if err != nil {
		h.log.Error("load purchase action history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "failed to load history"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.RequestDetail{Request: p, History: history}})
}

func (h *PurchaseHandler) List(c *fiber.Ctx) error {
	limit, offset := pageParams(c)
	items, err := h.purchases.List(c.Context(), limit, offset)
	if err != nil {
		h.log.Error("list purchase requests", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "failed to list purchases"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: items})
}

// RequestRefund flags the escrow for refund on-chain.
func (h *PurchaseHandler) RequestRefund(c *fiber.Ctx) error {
	return h.requestAction(c, models.ActionSetRefundRequestedRequested)
}

// CancelRefundRequest withdraws a previously set refund flag.
func (h *PurchaseHandler) CancelRefundRequest(c *fiber.Ctx) error {
	return h.requestAction(c, models.ActionUnSetRefundRequestedRequested)
}

// CollectRefund asks for the refunded funds once the refund matured.
func (h *PurchaseHandler) CollectRefund(c *fiber.Ctx) error {
	return h.requestAction(c, models.ActionWithdrawRefundRequested)
}

func (h *PurchaseHandler) requestAction(c *fiber.Ctx, action string) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid purchase id"})
	}

	p, err := h.purchases.GetByID(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "purchase not found"})
	}

	next, err := models.RequestAction(models.ValidPurchaseActionTransitions, p.NextAction, action, nil)
	if err != nil {
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	if err := h.purchases.ApplyTransition(c.Context(), p.ID, repositories.RequestUpdate{NextAction: next}); err != nil {
		h.log.Error("request purchase action", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "failed to apply action"})
	}

	p.NextAction = next
	return c.JSON(dto.SuccessResponse{OK: true, Data: p})
}
