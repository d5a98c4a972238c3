package models

import (
	"time"

	"github.com/google/uuid"
)

// Amount is one asset position (unit "lovelace" or a policy+name hex
// concatenation for native tokens). Quantities are decimal strings to keep
// full integer precision end to end.
type Amount struct {
	Unit     string `json:"unit"`
	Quantity string `json:"quantity"`
}

const (
	TxStatusPending          = "Pending"
	TxStatusConfirmed        = "Confirmed"
	TxStatusFailedViaTimeout = "FailedViaTimeout"
)

// ChainTransaction records one submitted Cardano transaction for a request.
// The request points at its current transaction; superseded rows stay in the
// table and form the transaction history used for fee accounting.
type ChainTransaction struct {
	ID            uuid.UUID `json:"id"`
	RequestType   string    `json:"request_type"` // "payment" or "purchase"
	RequestID     uuid.UUID `json:"request_id"`
	TxHash        string    `json:"tx_hash"`
	Status        string    `json:"status"`
	FeeLovelace   int64     `json:"fee_lovelace"`
	PreviousState *string   `json:"previous_state,omitempty"`
	NewState      *string   `json:"new_state,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NextAction is the single pending directive for a request. A request
// always has exactly one; replacing it archives the prior value into
// action_history in the same database transaction.
type NextAction struct {
	RequestedAction string    `json:"requested_action"`
	ResultHash      *string   `json:"result_hash,omitempty"`
	ErrorType       *string   `json:"error_type,omitempty"`
	ErrorEntries    ErrorNote `json:"error_entries,omitempty"`
	SubmittedTxHash *string   `json:"submitted_tx_hash,omitempty"`
}

// ErrorNoteRendered gives the legacy human-readable causal chain.
func (a NextAction) ErrorNoteRendered() string {
	return a.ErrorEntries.Render()
}

// PaymentRequest is one escrow contract instance from the seller's
// perspective. OnChainState nil means not yet observed on-chain. All
// timestamps are unix milliseconds, matching the on-chain datum encoding.
type PaymentRequest struct {
	ID                        uuid.UUID `json:"id"`
	PaymentSourceID           uuid.UUID `json:"payment_source_id"`
	SmartContractWalletID     uuid.UUID `json:"smart_contract_wallet_id"`
	BlockchainIdentifier      string    `json:"blockchain_identifier"`
	InputHash                 string    `json:"input_hash"`
	ResultHash                string    `json:"result_hash"`
	BuyerVkey                 string    `json:"buyer_vkey"`
	BuyerAddress              string    `json:"buyer_address"`
	OnChainState              *string   `json:"on_chain_state,omitempty"`
	PayByTime                 int64     `json:"pay_by_time"`
	SubmitResultTime          int64     `json:"submit_result_time"`
	UnlockTime                int64     `json:"unlock_time"`
	ExternalDisputeUnlockTime int64     `json:"external_dispute_unlock_time"`
	SellerCoolDownTime        int64     `json:"seller_cool_down_time"`
	BuyerCoolDownTime         int64     `json:"buyer_cool_down_time"`
	CollateralReturnLovelace  int64     `json:"collateral_return_lovelace"`
	RequestedFunds            []Amount  `json:"requested_funds"`
	WithdrawnForSeller        []Amount  `json:"withdrawn_for_seller,omitempty"`
	WithdrawnForBuyer         []Amount  `json:"withdrawn_for_buyer,omitempty"`

	NextAction           NextAction        `json:"next_action"`
	CurrentTransactionID *uuid.UUID        `json:"current_transaction_id,omitempty"`
	CurrentTransaction   *ChainTransaction `json:"current_transaction,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PurchaseRequest mirrors PaymentRequest from the buyer's perspective.
// The smart contract wallet here is the purchasing wallet; the seller's
// credentials are recorded for datum matching.
type PurchaseRequest struct {
	ID                        uuid.UUID `json:"id"`
	PaymentSourceID           uuid.UUID `json:"payment_source_id"`
	SmartContractWalletID     uuid.UUID `json:"smart_contract_wallet_id"`
	BlockchainIdentifier      string    `json:"blockchain_identifier"`
	InputHash                 string    `json:"input_hash"`
	ResultHash                string    `json:"result_hash"`
	SellerVkey                string    `json:"seller_vkey"`
	SellerAddress             string    `json:"seller_address"`
	OnChainState              *string   `json:"on_chain_state,omitempty"`
	PayByTime                 int64     `json:"pay_by_time"`
	SubmitResultTime          int64     `json:"submit_result_time"`
	UnlockTime                int64     `json:"unlock_time"`
	ExternalDisputeUnlockTime int64     `json:"external_dispute_unlock_time"`
	SellerCoolDownTime        int64     `json:"seller_cool_down_time"`
	BuyerCoolDownTime         int64     `json:"buyer_cool_down_time"`
	CollateralReturnLovelace  int64     `json:"collateral_return_lovelace"`
	PaidFunds                 []Amount  `json:"paid_funds"`
	WithdrawnForSeller        []Amount  `json:"withdrawn_for_seller,omitempty"`
	WithdrawnForBuyer         []Amount  `json:"withdrawn_for_buyer,omitempty"`

	NextAction           NextAction        `json:"next_action"`
	CurrentTransactionID *uuid.UUID        `json:"current_transaction_id,omitempty"`
	CurrentTransaction   *ChainTransaction `json:"current_transaction,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActionHistoryEntry is an append-only snapshot of a request's next-action
// row, taken immediately before the row was replaced. Rows are never
// updated or deleted.
type ActionHistoryEntry struct {
	ID              int64     `json:"id"`
	RequestType     string    `json:"request_type"`
	RequestID       uuid.UUID `json:"request_id"`
	OnChainState    *string   `json:"on_chain_state,omitempty"`
	RequestedAction string    `json:"requested_action"`
	ResultHash      *string   `json:"result_hash,omitempty"`
	ErrorType       *string   `json:"error_type,omitempty"`
	ErrorEntries    ErrorNote `json:"error_entries,omitempty"`
	SubmittedTxHash *string   `json:"submitted_tx_hash,omitempty"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// Registry request states for agent identity registration.
const (
	RegistryStateRegistrationRequested   = "RegistrationRequested"
	RegistryStateRegistrationInitiated   = "RegistrationInitiated"
	RegistryStateRegistered              = "Registered"
	RegistryStateDeregistrationRequested = "DeregistrationRequested"
	RegistryStateDeregistrationInitiated = "DeregistrationInitiated"
	RegistryStateDeregistered            = "Deregistered"
	RegistryStateFailed                  = "Failed"
)

// RegistryRequest tracks minting or burning of an agent identity asset.
type RegistryRequest struct {
	ID                    uuid.UUID `json:"id"`
	PaymentSourceID       uuid.UUID `json:"payment_source_id"`
	SmartContractWalletID uuid.UUID `json:"smart_contract_wallet_id"`
	AgentIdentifier       string    `json:"agent_identifier"`
	State                 string    `json:"state"`
	ErrorEntries          ErrorNote `json:"error_entries,omitempty"`
	SubmittedTxHash       *string   `json:"submitted_tx_hash,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}
