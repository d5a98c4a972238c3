package dto

import "github.com/masumi-network/masumi-payment-service-sub003/internal/models"

type CreatePaymentSourceRequest struct {
	Network            string `json:"network"`
	ContractAddress    string `json:"contract_address"`
	ProviderURL        string `json:"provider_url"`
	ProviderAPIKey     string `json:"provider_api_key"`
	FeeRatePermille    int    `json:"fee_rate_permille"`
	FeeReceiverAddress string `json:"fee_receiver_address"`
	CooldownPeriodMS   int64  `json:"cooldown_period_ms"`
}

type CreateWalletRequest struct {
	PaymentSourceID string `json:"payment_source_id"`
	WalletType      string `json:"wallet_type"`
	// Mnemonic is optional; a fresh one is generated when empty.
	Mnemonic string `json:"mnemonic,omitempty"`
}

type CreatePaymentRequest struct {
	PaymentSourceID           string          `json:"payment_source_id"`
	SmartContractWalletID     string          `json:"smart_contract_wallet_id"`
	BlockchainIdentifier      string          `json:"blockchain_identifier"`
	InputHash                 string          `json:"input_hash"`
	BuyerVkey                 string          `json:"buyer_vkey"`
	BuyerAddress              string          `json:"buyer_address"`
	PayByTime                 int64           `json:"pay_by_time"`
	SubmitResultTime          int64           `json:"submit_result_time"`
	UnlockTime                int64           `json:"unlock_time"`
	ExternalDisputeUnlockTime int64           `json:"external_dispute_unlock_time"`
	CollateralReturnLovelace  int64           `json:"collateral_return_lovelace"`
	RequestedFunds            []models.Amount `json:"requested_funds"`
}

type CreatePurchaseRequest struct {
	PaymentSourceID           string          `json:"payment_source_id"`
	SmartContractWalletID     string          `json:"smart_contract_wallet_id"`
	BlockchainIdentifier      string          `json:"blockchain_identifier"`
	InputHash                 string          `json:"input_hash"`
	SellerVkey                string          `json:"seller_vkey"`
	SellerAddress             string          `json:"seller_address"`
	PayByTime                 int64           `json:"pay_by_time"`
	SubmitResultTime          int64           `json:"submit_result_time"`
	UnlockTime                int64           `json:"unlock_time"`
	ExternalDisputeUnlockTime int64           `json:"external_dispute_unlock_time"`
	CollateralReturnLovelace  int64           `json:"collateral_return_lovelace"`
	PaidFunds                 []models.Amount `json:"paid_funds"`
}

// SubmitResultRequest carries the result hash the seller commits to
// on-chain when requesting result submission.
type SubmitResultRequest struct {
	ResultHash string `json:"result_hash"`
}

type CreateRegistryRequest struct {
	PaymentSourceID       string `json:"payment_source_id"`
	SmartContractWalletID string `json:"smart_contract_wallet_id"`
	AgentIdentifier       string `json:"agent_identifier"`
	// Action is "register" or "deregister".
	Action string `json:"action"`
}
