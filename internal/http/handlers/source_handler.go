package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/tyler-smith/go-bip39"
	"go.uber.org/zap"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/cardano"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/config"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/http/dto"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/repositories"
)

type SourceHandler struct {
	cfg     *config.Config
	sources *repositories.SourceRepo
	wallets *repositories.WalletRepo
	log     *zap.Logger
}

func NewSourceHandler(cfg *config.Config, sources *repositories.SourceRepo, wallets *repositories.WalletRepo, log *zap.Logger) *SourceHandler {
	return &SourceHandler{cfg: cfg, sources: sources, wallets: wallets, log: log}
}

func (h *SourceHandler) Create(c *fiber.Ctx) error {
	var req dto.CreatePaymentSourceRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}
	if req.Network != models.NetworkMainnet && req.Network != models.NetworkPreprod {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "network must be mainnet or preprod"})
	}
	if req.ContractAddress == "" || req.ProviderURL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "contract_address and provider_url are required"})
	}
	if req.FeeRatePermille < 0 || req.FeeRatePermille > 1000 {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "fee_rate_permille must be within [0, 1000]"})
	}

	s := &models.PaymentSource{
		Network:            req.Network,
		ContractAddress:    req.ContractAddress,
		ProviderURL:        req.ProviderURL,
		ProviderAPIKey:     req.ProviderAPIKey,
		FeeRatePermille:    req.FeeRatePermille,
		FeeReceiverAddress: req.FeeReceiverAddress,
		CooldownPeriodMS:   req.CooldownPeriodMS,
	}
	if err := h.sources.Create(c.Context(), s); err != nil {
		h.log.Error("create payment source", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: s})
}

func (h *SourceHandler) List(c *fiber.Ctx) error {
	items, err := h.sources.ListActive(c.Context())
	if err != nil {
		h.log.Error("list payment sources", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "failed to list sources"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: items})
}

func (h *SourceHandler) Delete(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid source id"})
	}
	if err := h.sources.SoftDelete(c.Context(), id); err != nil {
		h.log.Error("delete payment source", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "failed to delete source"})
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

// CreateWallet derives and stores a hot wallet for a source. The mnemonic
// is returned once in the response and only its AES-GCM ciphertext is kept.
func (h *SourceHandler) CreateWallet(c *fiber.Ctx) error {
	var req dto.CreateWalletRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	sourceID, err := uuid.Parse(req.PaymentSourceID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid payment_source_id"})
	}
	if req.WalletType != models.WalletTypeSelling && req.WalletType != models.WalletTypePurchasing {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "wallet_type must be Selling or Purchasing"})
	}
	if h.cfg.EncryptionKey == "" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(dto.ErrorResponse{Error: "wallet encryption key is not configured"})
	}

	source, err := h.sources.GetByID(c.Context(), sourceID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "payment source not found"})
	}

	mnemonic := req.Mnemonic
	if mnemonic == "" {
		entropy, err := bip39.NewEntropy(256)
		if err != nil {
			h.log.Error("generate wallet entropy", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "failed to generate mnemonic"})
		}
		mnemonic, err = bip39.NewMnemonic(entropy)
		if err != nil {
			h.log.Error("generate wallet mnemonic", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "failed to generate mnemonic"})
		}
	}

	keys, err := cardano.DeriveWalletKeys(mnemonic, source.Network)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid mnemonic"})
	}
	encrypted, err := cardano.EncryptMnemonic(mnemonic, h.cfg.EncryptionKey)
	if err != nil {
		h.log.Error("encrypt wallet mnemonic", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "failed to encrypt mnemonic"})
	}

	w := &models.HotWallet{
		PaymentSourceID:   sourceID,
		WalletType:        req.WalletType,
		Address:           keys.Address,
		VkeyHash:          keys.VkeyHash,
		EncryptedMnemonic: encrypted,
	}
	if err := h.wallets.Create(c.Context(), w); err != nil {
		h.log.Error("create hot wallet", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: dto.NewWalletResponse{Wallet: *w, Mnemonic: mnemonic}})
}

func (h *SourceHandler) ListWallets(c *fiber.Ctx) error {
	sourceID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid source id"})
	}
	walletType := c.Query("type")
	items, err := h.wallets.ListBySource(c.Context(), sourceID, walletType)
	if err != nil {
		h.log.Error("list hot wallets", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "failed to list wallets"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: items})
}
