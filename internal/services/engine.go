package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/cardano"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/config"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/events"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/repositories"
)

// Job names, used as mutex keys and log fields.
const (
	JobSubmitResult         = "submit_result"
	JobWithdraw             = "withdraw"
	JobAuthorizeRefund      = "authorize_refund"
	JobCollectRefund        = "collect_refund"
	JobTimeoutRefund        = "timeout_refund"
	JobFundsLocking         = "funds_locking"
	JobSetRefundRequested   = "set_refund_requested"
	JobUnSetRefundRequested = "unset_refund_requested"
	JobRegistry             = "registry"
	JobSync                 = "sync"
	JobAlerts               = "alerts"
)

var jobNames = []string{
	JobSubmitResult, JobWithdraw, JobAuthorizeRefund, JobCollectRefund,
	JobTimeoutRefund, JobFundsLocking, JobSetRefundRequested,
	JobUnSetRefundRequested, JobRegistry, JobSync, JobAlerts,
}

// Engine runs the reconciliation jobs. One Engine per process; every job
// type has its own mutex so overlapping ticks of the same job are skipped
// while different jobs run concurrently.
type Engine struct {
	cfg       *config.Config
	log       *zap.Logger
	sources   *repositories.SourceRepo
	wallets   *repositories.WalletRepo
	payments  *repositories.PaymentRepo
	purchases *repositories.PurchaseRepo
	registry  *repositories.RegistryRepo
	txs       *repositories.TransactionRepo
	publisher events.Publisher

	// newProvider is swappable in tests.
	newProvider func(url, apiKey string) cardano.Provider

	mutexes map[string]*JobMutex
	alerted *alertCache
}

func NewEngine(
	cfg *config.Config,
	sources *repositories.SourceRepo,
	wallets *repositories.WalletRepo,
	payments *repositories.PaymentRepo,
	purchases *repositories.PurchaseRepo,
	registry *repositories.RegistryRepo,
	txs *repositories.TransactionRepo,
	publisher events.Publisher,
	log *zap.Logger,
) *Engine {
	e := &Engine{
		cfg:       cfg,
		log:       log,
		sources:   sources,
		wallets:   wallets,
		payments:  payments,
		purchases: purchases,
		registry:  registry,
		txs:       txs,
		publisher: publisher,
		newProvider: func(url, apiKey string) cardano.Provider {
			return cardano.NewClient(url, apiKey, log)
		},
		mutexes: make(map[string]*JobMutex, len(jobNames)),
		alerted: newAlertCache(cfg.AlertCacheMaxSize),
	}
	for _, name := range jobNames {
		e.mutexes[name] = NewJobMutex()
	}
	return e
}

// runGuarded wraps one job tick in its mutex. A tick that cannot acquire the
// mutex within the configured timeout is dropped, never queued.
func (e *Engine) runGuarded(ctx context.Context, job string, fn func(context.Context) error) {
	mu := e.mutexes[job]
	if !mu.TryAcquire(e.cfg.MutexAcquireTimeout) {
		e.log.Info("job tick skipped, previous tick still running", zap.String("job", job))
		return
	}
	defer mu.Release()

	start := time.Now()
	if err := fn(ctx); err != nil {
		e.log.Error("job tick failed", zap.String("job", job), zap.Error(err))
		return
	}
	e.log.Debug("job tick done", zap.String("job", job), zap.Duration("took", time.Since(start)))
}

func (e *Engine) retryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  e.cfg.RetryMaxAttempts,
		InitialDelay: e.cfg.RetryInitialDelay,
		Multiplier:   e.cfg.RetryMultiplier,
		MaxDelay:     e.cfg.RetryMaxDelay,
	}
}

func (e *Engine) provider(source *models.PaymentSource) cardano.Provider {
	return e.newProvider(source.ProviderURL, source.ProviderAPIKey)
}

// walletKeys decrypts a hot wallet's mnemonic and re-derives its keys,
// cross-checking the derived address against the stored one so a key/record
// mismatch can never sign a transaction.
func (e *Engine) walletKeys(wallet *models.HotWallet, network string) (*cardano.WalletKeys, error) {
	mnemonic, err := cardano.DecryptMnemonic(wallet.EncryptedMnemonic, e.cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt wallet mnemonic: %w", err)
	}
	keys, err := cardano.DeriveWalletKeys(mnemonic, network)
	if err != nil {
		return nil, fmt.Errorf("derive wallet keys: %w", err)
	}
	if keys.Address != wallet.Address {
		return nil, fmt.Errorf("derived address %s does not match stored wallet address %s", keys.Address, wallet.Address)
	}
	return keys, nil
}

// classifyError buckets a processing failure for the persisted error type.
func classifyError(err error) string {
	switch {
	case errors.Is(err, cardano.ErrInsufficientFunds), errors.Is(err, cardano.ErrNoUTxOs), errors.Is(err, cardano.ErrNoCollateral):
		return models.ErrorTypeInsufficientFunds
	case errors.Is(err, cardano.ErrUTXONotFound):
		return models.ErrorTypeStateMismatch
	case errors.Is(err, context.DeadlineExceeded):
		return models.ErrorTypeNetwork
	default:
		return models.ErrorTypeUnknown
	}
}

// failPayment escalates a payment request to manual action, appending the
// failure to its error chain and freeing the wallet.
func (e *Engine) failPayment(ctx context.Context, req *models.PaymentRequest, cause error) {
	errType := classifyError(cause)
	upd := repositories.RequestUpdate{
		NextAction: models.NextAction{
			RequestedAction: models.ActionWaitingForManualAction,
			ErrorType:       &errType,
			ErrorEntries:    req.NextAction.ErrorEntries.Append(req.NextAction.RequestedAction, cause.Error()),
		},
		UnlockWallet: true,
	}
	if err := e.payments.ApplyTransition(ctx, req.ID, upd); err != nil {
		e.log.Error("failed to escalate payment request",
			zap.String("payment_id", req.ID.String()), zap.Error(err))
		return
	}
	e.publishManualAction(ctx, "payment", req.ID.String(), cause.Error())
}

func (e *Engine) failPurchase(ctx context.Context, req *models.PurchaseRequest, cause error) {
	errType := classifyError(cause)
	upd := repositories.RequestUpdate{
		NextAction: models.NextAction{
			RequestedAction: models.ActionWaitingForManualAction,
			ErrorType:       &errType,
			ErrorEntries:    req.NextAction.ErrorEntries.Append(req.NextAction.RequestedAction, cause.Error()),
		},
		UnlockWallet: true,
	}
	if err := e.purchases.ApplyTransition(ctx, req.ID, upd); err != nil {
		e.log.Error("failed to escalate purchase request",
			zap.String("purchase_id", req.ID.String()), zap.Error(err))
		return
	}
	e.publishManualAction(ctx, "purchase", req.ID.String(), cause.Error())
}

func (e *Engine) publishManualAction(ctx context.Context, requestType, requestID, reason string) {
	_ = e.publisher.Publish(ctx, e.cfg.AlertChannel, events.Event{
		Type: events.EventManualActionRequired,
		Payload: map[string]any{
			"request_type": requestType,
			"request_id":   requestID,
			"reason":       reason,
		},
	})
}

func (e *Engine) publishSubmitted(ctx context.Context, requestType, requestID, txHash string) {
	_ = e.publisher.Publish(ctx, e.cfg.AlertChannel, events.Event{
		Type: events.EventTransactionSubmitted,
		Payload: map[string]any{
			"request_type": requestType,
			"request_id":   requestID,
			"tx_hash":      txHash,
		},
	})
}

func (e *Engine) publishStateChanged(ctx context.Context, requestType, requestID string, old *string, observed string) {
	payload := map[string]any{
		"request_type": requestType,
		"request_id":   requestID,
		"new_state":    observed,
	}
	if old != nil {
		payload["old_state"] = *old
	}
	_ = e.publisher.Publish(ctx, e.cfg.AlertChannel, events.Event{
		Type:    events.EventOnChainStateChanged,
		Payload: payload,
	})
}

// paymentCriteria builds the invariant-field match set for a payment
// request. The seller credentials come from the request's own hot wallet.
func paymentCriteria(req *models.PaymentRequest, wallet *models.HotWallet, state string) cardano.MatchCriteria {
	return cardano.MatchCriteria{
		OnChainState:              state,
		BuyerVkey:                 req.BuyerVkey,
		BuyerAddress:              req.BuyerAddress,
		SellerVkey:                wallet.VkeyHash,
		SellerAddress:             wallet.Address,
		BlockchainIdentifier:      req.BlockchainIdentifier,
		InputHash:                 req.InputHash,
		PayByTime:                 req.PayByTime,
		SubmitResultTime:          req.SubmitResultTime,
		UnlockTime:                req.UnlockTime,
		ExternalDisputeUnlockTime: req.ExternalDisputeUnlockTime,
		CollateralReturnLovelace:  req.CollateralReturnLovelace,
	}
}

func purchaseCriteria(req *models.PurchaseRequest, wallet *models.HotWallet, state string) cardano.MatchCriteria {
	return cardano.MatchCriteria{
		OnChainState:              state,
		BuyerVkey:                 wallet.VkeyHash,
		BuyerAddress:              wallet.Address,
		SellerVkey:                req.SellerVkey,
		SellerAddress:             req.SellerAddress,
		BlockchainIdentifier:      req.BlockchainIdentifier,
		InputHash:                 req.InputHash,
		PayByTime:                 req.PayByTime,
		SubmitResultTime:          req.SubmitResultTime,
		UnlockTime:                req.UnlockTime,
		ExternalDisputeUnlockTime: req.ExternalDisputeUnlockTime,
		CollateralReturnLovelace:  req.CollateralReturnLovelace,
	}
}

// contractUTxO locates the request's live contract UTXO via the transaction
// the sync job last recorded for it.
func (e *Engine) contractUTxO(ctx context.Context, provider cardano.Provider, currentTransactionID *uuid.UUID, criteria cardano.MatchCriteria) (*cardano.UTxO, *cardano.ContractDatum, error) {
	if currentTransactionID == nil {
		return nil, nil, fmt.Errorf("request has no recorded on-chain transaction")
	}
	tx, err := e.txs.GetByID(ctx, *currentTransactionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load current transaction: %w", err)
	}
	return cardano.FindMatchingUTxO(ctx, provider, tx.TxHash, criteria)
}

// amountsOutput converts an asset list into a payment leg.
func amountsOutput(address string, amounts []models.Amount) (cardano.TxOutput, error) {
	out := cardano.TxOutput{Address: address}
	for _, a := range amounts {
		if a.Unit == "lovelace" {
			v, err := strconv.ParseInt(a.Quantity, 10, 64)
			if err != nil {
				return out, fmt.Errorf("invalid lovelace quantity %q: %w", a.Quantity, err)
			}
			out.Lovelace += v
			continue
		}
		out.Assets = append(out.Assets, a)
	}
	return out, nil
}

// spendHorizon is the validity ceiling for spends that are not bound by the
// contract's result deadline.
func spendHorizon(now time.Time) int64 {
	return now.Add(time.Hour).UnixMilli()
}

// refundTerminalState maps the state a refund spend starts from to the
// terminal state it ends in.
func refundTerminalState(current *string) string {
	if current != nil && *current == models.OnChainStateDisputed {
		return models.OnChainStateDisputedWithdrawn
	}
	return models.OnChainStateRefundWithdrawn
}
