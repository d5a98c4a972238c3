package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/cardano"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/repositories"
)

const jobBatchLimit = 10

// RunSubmitResult processes payments whose seller asked to publish a result
// hash into the contract datum.
func (e *Engine) RunSubmitResult(ctx context.Context) {
	e.runGuarded(ctx, JobSubmitResult, e.submitResultTick)
}

func (e *Engine) submitResultTick(ctx context.Context) error {
	nowMS := time.Now().UnixMilli()
	items, err := e.payments.LockAndQuery(ctx, repositories.QuerySpec{
		Actions: []string{models.ActionSubmitResultRequested},
		States: []string{
			models.OnChainStateFundsLocked,
			models.OnChainStateRefundRequested,
			models.OnChainStateDisputed,
		},
		SellerCooldownBefore: &nowMS,
		LockWallets:          true,
		WalletLockTimeout:    e.cfg.WalletLockTimeout,
		Limit:                jobBatchLimit,
	})
	if err != nil {
		return err
	}

	tasks := make([]func(context.Context) error, len(items))
	for i := range items {
		item := &items[i]
		tasks[i] = func(ctx context.Context) error { return e.processSubmitResult(ctx, item) }
	}
	for _, res := range RunAllWithRetry(ctx, e.retryPolicy(), tasks) {
		if res.Err != nil {
			item := &items[res.Index]
			e.log.Warn("submit result failed",
				zap.String("payment_id", item.Request.ID.String()), zap.Error(res.Err))
			e.failPayment(ctx, &item.Request, res.Err)
		}
	}
	return nil
}

func (e *Engine) processSubmitResult(ctx context.Context, item *repositories.LockedPayment) error {
	req, wallet, source := &item.Request, &item.Wallet, &item.Source
	now := time.Now()

	if req.OnChainState == nil {
		return fmt.Errorf("request not yet observed on-chain")
	}
	newState := models.DetermineNewContractState(req.OnChainState)
	stateTag, ok := cardano.ContractStateFor(newState)
	if !ok {
		return fmt.Errorf("state %s has no datum tag", newState)
	}

	provider := e.provider(source)
	keys, err := e.walletKeys(wallet, source.Network)
	if err != nil {
		return err
	}

	utxo, datum, err := e.contractUTxO(ctx, provider, req.CurrentTransactionID,
		paymentCriteria(req, wallet, *req.OnChainState))
	if err != nil {
		return err
	}

	newDatum := *datum
	newDatum.ResultHash = req.ResultHash
	newDatum.State = stateTag
	newDatum.SellerCoolDownTime = cardano.NewCooldownTime(now, source.CooldownPeriodMS)

	walletUTxOs, err := provider.AddressUTxOs(ctx, wallet.Address)
	if err != nil {
		return err
	}

	builder := cardano.NewTxBuilder(cardano.ParamsForNetwork(source.Network))
	signed, err := builder.BuildContractSpend(cardano.SpendParams{
		ContractUTxO:    *utxo,
		ContractAddress: source.ContractAddress,
		Redeemer:        cardano.RedeemerSubmitResult,
		NewDatum:        &newDatum,
		WalletUTxOs:     walletUTxOs,
		ChangeAddress:   wallet.Address,
		Keys:            keys,
		Now:             now,
		ResultTimeMS:    req.SubmitResultTime,
	})
	if err != nil {
		return err
	}

	hash, err := provider.SubmitTransaction(ctx, signed.CBOR)
	if err != nil {
		return err
	}

	resultHash := req.ResultHash
	err = e.payments.ApplyTransition(ctx, req.ID, repositories.RequestUpdate{
		NextAction: models.NextAction{
			RequestedAction: models.ActionSubmitResultInitiated,
			ResultHash:      &resultHash,
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
	e.publishSubmitted(ctx, "payment", req.ID.String(), hash)
	return nil
}

// RunWithdraw pays out completed escrows to the seller, splitting off the
// configured service fee and returning collateral to the buyer.
func (e *Engine) RunWithdraw(ctx context.Context) {
	e.runGuarded(ctx, JobWithdraw, e.withdrawTick)
}

func (e *Engine) withdrawTick(ctx context.Context) error {
	nowMS := time.Now().UnixMilli()
	items, err := e.payments.LockAndQuery(ctx, repositories.QuerySpec{
		Actions:              []string{models.ActionWithdrawRequested},
		States:               []string{models.OnChainStateResultSubmitted},
		UnlockTimeBefore:     &nowMS,
		SellerCooldownBefore: &nowMS,
		LockWallets:          true,
		WalletLockTimeout:    e.cfg.WalletLockTimeout,
		Limit:                jobBatchLimit,
	})
	if err != nil {
		return err
	}

	tasks := make([]func(context.Context) error, len(items))
	for i := range items {
		item := &items[i]
		tasks[i] = func(ctx context.Context) error { return e.processWithdraw(ctx, item) }
	}
	for _, res := range RunAllWithRetry(ctx, e.retryPolicy(), tasks) {
		if res.Err != nil {
			item := &items[res.Index]
			e.log.Warn("withdraw failed",
				zap.String("payment_id", item.Request.ID.String()), zap.Error(res.Err))
			e.failPayment(ctx, &item.Request, res.Err)
		}
	}
	return nil
}

func (e *Engine) processWithdraw(ctx context.Context, item *repositories.LockedPayment) error {
	req, wallet, source := &item.Request, &item.Wallet, &item.Source
	now := time.Now()

	provider := e.provider(source)
	keys, err := e.walletKeys(wallet, source.Network)
	if err != nil {
		return err
	}

	utxo, _, err := e.contractUTxO(ctx, provider, req.CurrentTransactionID,
		paymentCriteria(req, wallet, models.OnChainStateResultSubmitted))
	if err != nil {
		return err
	}

	// Fee applies to the escrowed value only; the buyer's collateral is
	// carved out first and returned untouched.
	funds := deductLovelace(utxo.Amount, req.CollateralReturnLovelace)
	sellerAmounts, feeAmounts, err := CalculateTransactionFees(funds, source.FeeRatePermille)
	if err != nil {
		return err
	}

	sellerOut, err := amountsOutput(wallet.Address, sellerAmounts)
	if err != nil {
		return err
	}
	outputs := []cardano.TxOutput{sellerOut}
	if len(feeAmounts) > 0 {
		feeOut, err := amountsOutput(source.FeeReceiverAddress, feeAmounts)
		if err != nil {
			return err
		}
		outputs = append(outputs, feeOut)
	}
	var buyerAmounts []models.Amount
	if req.CollateralReturnLovelace > 0 {
		buyerAmounts = []models.Amount{{Unit: "lovelace", Quantity: strconv.FormatInt(req.CollateralReturnLovelace, 10)}}
		outputs = append(outputs, cardano.TxOutput{Address: req.BuyerAddress, Lovelace: req.CollateralReturnLovelace})
	}

	walletUTxOs, err := provider.AddressUTxOs(ctx, wallet.Address)
	if err != nil {
		return err
	}

	builder := cardano.NewTxBuilder(cardano.ParamsForNetwork(source.Network))
	signed, err := builder.BuildContractSpend(cardano.SpendParams{
		ContractUTxO:    *utxo,
		ContractAddress: source.ContractAddress,
		Redeemer:        cardano.RedeemerWithdraw,
		Outputs:         outputs,
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

	newState := models.OnChainStateWithdrawn
	err = e.payments.ApplyTransition(ctx, req.ID, repositories.RequestUpdate{
		NextAction: models.NextAction{
			RequestedAction: models.ActionWithdrawInitiated,
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
		WithdrawnForSeller: sellerAmounts,
		WithdrawnForBuyer:  buyerAmounts,
	})
	if err != nil {
		return err
	}
	e.publishSubmitted(ctx, "payment", req.ID.String(), hash)
	return nil
}

// RunAuthorizeRefund lets the seller concede a refund request or dispute:
// the whole escrow value goes back to the buyer.
func (e *Engine) RunAuthorizeRefund(ctx context.Context) {
	e.runGuarded(ctx, JobAuthorizeRefund, e.authorizeRefundTick)
}

func (e *Engine) authorizeRefundTick(ctx context.Context) error {
	nowMS := time.Now().UnixMilli()
	items, err := e.payments.LockAndQuery(ctx, repositories.QuerySpec{
		Actions: []string{models.ActionAuthorizeRefundRequested},
		States: []string{
			models.OnChainStateRefundRequested,
			models.OnChainStateDisputed,
		},
		SellerCooldownBefore: &nowMS,
		LockWallets:          true,
		WalletLockTimeout:    e.cfg.WalletLockTimeout,
		Limit:                jobBatchLimit,
	})
	if err != nil {
		return err
	}

	tasks := make([]func(context.Context) error, len(items))
	for i := range items {
		item := &items[i]
		tasks[i] = func(ctx context.Context) error { return e.processAuthorizeRefund(ctx, item) }
	}
	for _, res := range RunAllWithRetry(ctx, e.retryPolicy(), tasks) {
		if res.Err != nil {
			item := &items[res.Index]
			e.log.Warn("authorize refund failed",
				zap.String("payment_id", item.Request.ID.String()), zap.Error(res.Err))
			e.failPayment(ctx, &item.Request, res.Err)
		}
	}
	return nil
}

func (e *Engine) processAuthorizeRefund(ctx context.Context, item *repositories.LockedPayment) error {
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
		paymentCriteria(req, wallet, *req.OnChainState))
	if err != nil {
		return err
	}

	buyerOut, err := amountsOutput(req.BuyerAddress, utxo.Amount)
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
		Redeemer:        cardano.RedeemerAuthorizeRefund,
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
	err = e.payments.ApplyTransition(ctx, req.ID, repositories.RequestUpdate{
		NextAction: models.NextAction{
			RequestedAction: models.ActionAuthorizeRefundInitiated,
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
	e.publishSubmitted(ctx, "payment", req.ID.String(), hash)
	return nil
}
