package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	NetworkMainnet = "mainnet"
	NetworkPreprod = "preprod"
)

// Wallet types use a single canonical casing; earlier deployments mixed
// "Selling"/"SELLING" and this codebase standardizes on the former.
const (
	WalletTypeSelling    = "Selling"
	WalletTypePurchasing = "Purchasing"
)

// PaymentSource scopes all requests and hot wallets for one
// (network, contract address) pair and owns the chain-provider credentials.
type PaymentSource struct {
	ID                 uuid.UUID  `json:"id"`
	Network            string     `json:"network"`
	ContractAddress    string     `json:"contract_address"`
	ProviderURL        string     `json:"provider_url"`
	ProviderAPIKey     string     `json:"-"`
	FeeRatePermille    int        `json:"fee_rate_permille"`
	FeeReceiverAddress string     `json:"fee_receiver_address"`
	CooldownPeriodMS   int64      `json:"cooldown_period_ms"`
	DeletedAt          *time.Time `json:"deleted_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// HotWallet is a smart-contract wallet holding an encrypted mnemonic.
// locked_at is the persisted wallet mutex: null means free, a timestamp
// older than the configured lock timeout counts as abandoned and may be
// reclaimed by the next job tick.
type HotWallet struct {
	ID                   uuid.UUID  `json:"id"`
	PaymentSourceID      uuid.UUID  `json:"payment_source_id"`
	WalletType           string     `json:"wallet_type"`
	Address              string     `json:"address"`
	VkeyHash             string     `json:"vkey_hash"`
	EncryptedMnemonic    string     `json:"-"`
	LockedAt             *time.Time `json:"locked_at,omitempty"`
	PendingTransactionID *uuid.UUID `json:"pending_transaction_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}
