package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/http/dto"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/repositories"
)

type RegistryHandler struct {
	registry *repositories.RegistryRepo
	log      *zap.Logger
}

func NewRegistryHandler(registry *repositories.RegistryRepo, log *zap.Logger) *RegistryHandler {
	return &RegistryHandler{registry: registry, log: log}
}

func (h *RegistryHandler) Create(c *fiber.Ctx) error {
	var req dto.CreateRegistryRequest
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
	if req.AgentIdentifier == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "agent_identifier is required"})
	}

	var state string
	switch req.Action {
	case "register":
		state = models.RegistryStateRegistrationRequested
	case "deregister":
		state = models.RegistryStateDeregistrationRequested
	default:
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "action must be register or deregister"})
	}

	r := &models.RegistryRequest{
		PaymentSourceID:       sourceID,
		SmartContractWalletID: walletID,
		AgentIdentifier:       req.AgentIdentifier,
		State:                 state,
	}
	if err := h.registry.Create(c.Context(), r); err != nil {
		h.log.Error("create registry request", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: r})
}

func (h *RegistryHandler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid registry request id"})
	}
	r, err := h.registry.GetByID(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "registry request not found"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: r})
}

func (h *RegistryHandler) ListBySource(c *fiber.Ctx) error {
	sourceID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid source id"})
	}
	var states []string
	if v := c.Query("state"); v != "" {
		states = []string{v}
	}
	items, err := h.registry.ListByState(c.Context(), sourceID, states, 100)
	if err != nil {
		h.log.Error("list registry requests", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "failed to list registry requests"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: items})
}
