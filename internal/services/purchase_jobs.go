package services

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/cardano"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/repositories"
)

// RunFundsLocking locks a purchase's funds into the escrow contract under a
// freshly built datum. Purchases past their pay-by deadline are never
// locked; the sync job will surface them.
func (e *Engine) RunFundsLocking(ctx context.Context) {
	e.runGuarded(ctx, JobFundsLocking, e.fundsLockingTick)
}

func (e *Engine) fundsLockingTick(ctx context.Context) error {
	nowMS := time.Now().UnixMilli()
	items, err := e.purchases.LockAndQuery(ctx, repositories.QuerySpec{
		Actions:           []string{models.ActionFundsLockingRequested},
		IncludeNullState:  true,
		PayByTimeAfter:    &nowMS,
		LockWallets:       true,
		WalletLockTimeout: e.cfg.WalletLockTimeout,
		Limit:             jobBatchLimit,
	})
	if err != nil {
		return err
	}

	tasks := make([]func(context.Context) error, len(items))
	for i := range items {
		item := &items[i]
		tasks[i] = func(ctx context.Context) error { return e.processFundsLocking(ctx, item) }
	}
	for _, res := range RunAllWithRetry(ctx, e.retryPolicy(), tasks) {
		if res.Err != nil {
			item := &items[res.Index]
			e.log.Warn("funds locking failed",
				zap.String("purchase_id", item.Request.ID.String()), zap.Error(res.Err))
			e.failPurchase(ctx, &item.Request, res.Err)
		}
	}
	return nil
}

func (e *Engine) processFundsLocking(ctx context.Context, item *repositories.LockedPurchase) error {
	req, wallet, source := &item.Request, &item.Wallet, &item.Source
	now := time.Now()

	provider := e.provider(source)
	keys, err := e.walletKeys(wallet, source.Network)
	if err != nil {
		return err
	}

	datum := &cardano.ContractDatum{
		BuyerVkey:                 wallet.VkeyHash,
		BuyerAddress:              wallet.Address,
		SellerVkey:                req.SellerVkey,
		SellerAddress:             req.SellerAddress,
		BlockchainIdentifier:      req.BlockchainIdentifier,
		InputHash:                 req.InputHash,
		ResultHash:                "",
		PayByTime:                 big.NewInt(req.PayByTime),
		SubmitResultTime:          big.NewInt(req.SubmitResultTime),
		UnlockTime:                big.NewInt(req.UnlockTime),
		ExternalDisputeUnlockTime: big.NewInt(req.ExternalDisputeUnlockTime),
		SellerCoolDownTime:        big.NewInt(0),
		BuyerCoolDownTime:         big.NewInt(0),
		CollateralReturnLovelace:  big.NewInt(req.CollateralReturnLovelace),
		State:                     cardano.StateFundsLocked,
	}

	walletUTxOs, err := provider.AddressUTxOs(ctx, wallet.Address)
	if err != nil {
		return err
	}

	builder := cardano.NewTxBuilder(cardano.ParamsForNetwork(source.Network))
	signed, err := builder.BuildLock(cardano.LockParams{
		ContractAddress: source.ContractAddress,
		Datum:           datum,
		Amounts:         req.PaidFunds,
		WalletUTxOs:     walletUTxOs,
		ChangeAddress:   wallet.Address,
		Keys:            keys,
		Now:             now,
		ResultTimeMS:    spendHorizon(now),
	})
	if err != nil {
		return err
	}

	hash, err := provider.SubmitTransaction(ctx, signed.CBOR)
	if err != nil {
		return err
	}

	newState := models.OnChainStateFundsLocked
	err = e.purchases.ApplyTransition(ctx, req.ID, repositories.RequestUpdate{
		NextAction: models.NextAction{
			RequestedAction: models.ActionFundsLockingInitiated,
			ErrorEntries:    req.NextAction.ErrorEntries,
			SubmittedTxHash: &hash,
		},
		NewTransaction: &models.ChainTransaction{
			TxHash:      hash,
			Status:      models.TxStatusPending,
			FeeLovelace: signed.Fee,
			NewState:    &newState,
		},
	})
	if err != nil {
		return err
	}
	e.publishSubmitted(ctx, "purchase", req.ID.String(), hash)
	return nil
}

// RunSetRefundRequested flips the datum into RefundRequested on the buyer's
// behalf.
func (e *Engine) RunSetRefundRequested(ctx context.Context) {
	e.runGuarded(ctx, JobSetRefundRequested, func(ctx context.Context) error {
		return e.refundFlagTick(ctx, true)
	})
}

// RunUnSetRefundRequested withdraws a pending refund request, restoring the
// datum to the state the result hash implies.
func (e *Engine) RunUnSetRefundRequested(ctx context.Context) {
	e.runGuarded(ctx, JobUnSetRefundRequested, func(ctx context.Context) error {
		return e.refundFlagTick(ctx, false)
	})
}

func (e *Engine) refundFlagTick(ctx context.Context, set bool) error {
	nowMS := time.Now().UnixMilli()
	spec := repositories.QuerySpec{
		BuyerCooldownBefore: &nowMS,
		LockWallets:         true,
		WalletLockTimeout:   e.cfg.WalletLockTimeout,
		Limit:               jobBatchLimit,
	}
	if set {
		spec.Actions = []string{models.ActionSetRefundRequestedRequested}
		spec.States = []string{models.OnChainStateFundsLocked, models.OnChainStateResultSubmitted}
	} else {
		spec.Actions = []string{models.ActionUnSetRefundRequestedRequested}
		spec.States = []string{models.OnChainStateRefundRequested}
	}

	items, err := e.purchases.LockAndQuery(ctx, spec)
	if err != nil {
		return err
	}

	tasks := make([]func(context.Context) error, len(items))
	for i := range items {
		item := &items[i]
		tasks[i] = func(ctx context.Context) error { return e.processRefundFlag(ctx, item, set) }
	}
	for _, res := range RunAllWithRetry(ctx, e.retryPolicy(), tasks) {
		if res.Err != nil {
			item := &items[res.Index]
			e.log.Warn("refund flag change failed", zap.Bool("set", set),
				zap.String("purchase_id", item.Request.ID.String()), zap.Error(res.Err))
			e.failPurchase(ctx, &item.Request, res.Err)
		}
	}
	return nil
}

func (e *Engine) processRefundFlag(ctx context.Context, item *repositories.LockedPurchase, set bool) error {
	req, wallet, source := &item.Request, &item.Wallet, &item.Source
	now := time.Now()

	if req.OnChainState == nil {
		return fmt.Errorf("request not yet observed on-chain")
	}

	provider := e.provider(source)
	keys, err := e.walletKeys(wallet, source.Network)
	if err != nil {
		return err
	}

	utxo, datum, err := e.contractUTxO(ctx, provider, req.CurrentTransactionID,
		purchaseCriteria(req, wallet, *req.OnChainState))
	if err != nil {
		return err
	}

	newDatum := *datum
	newDatum.BuyerCoolDownTime = cardano.NewCooldownTime(now, source.CooldownPeriodMS)

	var redeemer uint64
	var newState, nextAction string
	if set {
		redeemer = cardano.RedeemerSetRefundRequested
		newDatum.State = cardano.StateRefundRequested
		newState = models.OnChainStateRefundRequested
		nextAction = models.ActionSetRefundRequestedInitiated
	} else {
		redeemer = cardano.RedeemerUnSetRefundRequested
		// The state the contract returns to depends on whether a result
		// was already published.
		if datum.ResultHash != "" {
			newDatum.State = cardano.StateResultSubmitted
			newState = models.OnChainStateResultSubmitted
		} else {
			newDatum.State = cardano.StateFundsLocked
			newState = models.OnChainStateFundsLocked
		}
		nextAction = models.ActionUnSetRefundRequestedInitiated
	}

	walletUTxOs, err := provider.AddressUTxOs(ctx, wallet.Address)
	if err != nil {
		return err
	}

	builder := cardano.NewTxBuilder(cardano.ParamsForNetwork(source.Network))
	signed, err := builder.BuildContractSpend(cardano.SpendParams{
		ContractUTxO:    *utxo,
		ContractAddress: source.ContractAddress,
		Redeemer:        redeemer,
		NewDatum:        &newDatum,
		WalletUTxOs:     walletUTxOs,
		ChangeAddress:   wallet.Address,
		Keys:            keys,
		Now:             now,
		ResultTimeMS:    spendHorizon(now),
	})
	if err != nil {
		return err
	}

	hash, err := provider.SubmitTransaction(ctx, signed.CBOR)
	if err != nil {
		return err
	}

	err = e.purchases.ApplyTransition(ctx, req.ID, repositories.RequestUpdate{
		NextAction: models.NextAction{
			RequestedAction: nextAction,
			ErrorEntries:    req.NextAction.ErrorEntries,
			SubmittedTxHash: &hash,
		},
		NewTransaction: &models.ChainTransaction{
			TxHash:        hash,
			Status:        models.TxStatusPending,
			FeeLovelace:   signed.Fee,
			PreviousState: req.OnChainState,
			NewState:      &newState,
		},
	})
	if err != nil {
		return err
	}
	e.publishSubmitted(ctx, "purchase", req.ID.String(), hash)
	return nil
}

// RunCollectRefund pays an authorized or timed-out refund back to the
// buyer's wallet.
func (e *Engine) RunCollectRefund(ctx context.Context) {
	e.runGuarded(ctx, JobCollectRefund, e.collectRefundTick)
}

func (e *Engine) collectRefundTick(ctx context.Context) error {
	nowMS := time.Now().UnixMilli()
	items, err := e.purchases.LockAndQuery(ctx, repositories.QuerySpec{
		Actions: []string{models.ActionWithdrawRefundRequested},
		States: []string{
			models.OnChainStateRefundRequested,
			models.OnChainStateDisputed,
		},
		// Collectibility depends on the state the request is in: a plain
		// refund waits for the unlock time, a disputed one for the external
		// dispute deadline. Filtering in SQL keeps not-yet-due requests from
		// having their wallets claimed at all.
		RefundDueBefore:     &nowMS,
		BuyerCooldownBefore: &nowMS,
		LockWallets:         true,
		WalletLockTimeout:   e.cfg.WalletLockTimeout,
		Limit:               jobBatchLimit,
	})
	if err != nil {
		return err
	}

	tasks := make([]func(context.Context) error, len(items))
	for i := range items {
		item := &items[i]
		tasks[i] = func(ctx context.Context) error {
			return e.processRefundCollection(ctx, item, cardano.RedeemerWithdrawRefund)
		}
	}
	for _, res := range RunAllWithRetry(ctx, e.retryPolicy(), tasks) {
		if res.Err != nil {
			item := &items[res.Index]
			e.log.Warn("collect refund failed",
				zap.String("purchase_id", item.Request.ID.String()), zap.Error(res.Err))
			e.failPurchase(ctx, &item.Request, res.Err)
		}
	}
	return nil
}

// RunTimeoutRefund reclaims escrows whose seller never submitted a result:
// once the submit-result deadline plus the grace period passes, the buyer's
// funds come back through the validator's timeout path.
func (e *Engine) RunTimeoutRefund(ctx context.Context) {
	e.runGuarded(ctx, JobTimeoutRefund, e.timeoutRefundTick)
}

func (e *Engine) timeoutRefundTick(ctx context.Context) error {
	deadline := time.Now().Add(-e.cfg.TimeoutRefundGracePeriod).UnixMilli()
	items, err := e.purchases.LockAndQuery(ctx, repositories.QuerySpec{
		Actions:                []string{models.ActionWaitingForExternalAction},
		States:                 []string{models.OnChainStateFundsLocked},
		SubmitResultTimeBefore: &deadline,
		LockWallets:            true,
		WalletLockTimeout:      e.cfg.WalletLockTimeout,
		Limit:                  jobBatchLimit,
	})
	if err != nil {
		return err
	}

	tasks := make([]func(context.Context) error, len(items))
	for i := range items {
		item := &items[i]
		tasks[i] = func(ctx context.Context) error {
			return e.processRefundCollection(ctx, item, cardano.RedeemerCollectTimeoutRefund)
		}
	}
	for _, res := range RunAllWithRetry(ctx, e.retryPolicy(), tasks) {
		if res.Err != nil {
			item := &items[res.Index]
			e.log.Warn("timeout refund failed",
				zap.String("purchase_id", item.Request.ID.String()), zap.Error(res.Err))
			e.failPurchase(ctx, &item.Request, res.Err)
		}
	}
	return nil
}

// processRefundCollection spends the contract UTXO back to the buyer's
// wallet, either through consent (WithdrawRefund) or the timeout path.
func (e *Engine) processRefundCollection(ctx context.Context, item *repositories.LockedPurchase, redeemer uint64) error {
	req, wallet, source := &item.Request, &item.Wallet, &item.Source
	now := time.Now()

	if req.OnChainState == nil {
		return fmt.Errorf("request not yet observed on-chain")
	}

	provider := e.provider(source)
	keys, err := e.walletKeys(wallet, source.Network)
	if err != nil {
		return err
	}

	utxo, _, err := e.contractUTxO(ctx, provider, req.CurrentTransactionID,
		purchaseCriteria(req, wallet, *req.OnChainState))
	if err != nil {
		return err
	}

	buyerOut, err := amountsOutput(wallet.Address, utxo.Amount)
	if err != nil {
		return err
	}

	walletUTxOs, err := provider.AddressUTxOs(ctx, wallet.Address)
	if err != nil {
		return err
	}

	builder := cardano.NewTxBuilder(cardano.ParamsForNetwork(source.Network))
	signed, err := builder.BuildContractSpend(cardano.SpendParams{
		ContractUTxO:    *utxo,
		ContractAddress: source.ContractAddress,
		Redeemer:        redeemer,
		Outputs:         []cardano.TxOutput{buyerOut},
		WalletUTxOs:     walletUTxOs,
		ChangeAddress:   wallet.Address,
		Keys:            keys,
		Now:             now,
		ResultTimeMS:    spendHorizon(now),
	})
	if err != nil {
		return err
	}

	hash, err := provider.SubmitTransaction(ctx, signed.CBOR)
	if err != nil {
		return err
	}

	newState := refundTerminalState(req.OnChainState)
	err = e.purchases.ApplyTransition(ctx, req.ID, repositories.RequestUpdate{
		NextAction: models.NextAction{
			RequestedAction: models.ActionWithdrawRefundInitiated,
			ErrorEntries:    req.NextAction.ErrorEntries,
			SubmittedTxHash: &hash,
		},
		NewTransaction: &models.ChainTransaction{
			TxHash:        hash,
			Status:        models.TxStatusPending,
			FeeLovelace:   signed.Fee,
			PreviousState: req.OnChainState,
			NewState:      &newState,
		},
		WithdrawnForBuyer: utxo.Amount,
	})
	if err != nil {
		return err
	}
	e.publishSubmitted(ctx, "purchase", req.ID.String(), hash)
	return nil
}
