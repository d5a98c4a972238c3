package dto

import "github.com/masumi-network/masumi-payment-service-sub003/internal/models"

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

// RequestDetail pairs a request with its archived action history.
type RequestDetail struct {
	Request any                         `json:"request"`
	History []models.ActionHistoryEntry `json:"history"`
}

// NewWalletResponse is returned exactly once, at creation time. The
// mnemonic is never retrievable again through the API.
type NewWalletResponse struct {
	Wallet   models.HotWallet `json:"wallet"`
	Mnemonic string           `json:"mnemonic"`
}

type FeeTotalsResponse struct {
	RequestType string `json:"request_type"`
	FromMS      int64  `json:"from_ms"`
	ToMS        int64  `json:"to_ms"`
	FeeLovelace int64  `json:"fee_lovelace"`
}
