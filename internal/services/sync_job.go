package services

import (
	"context"
	"encoding/hex"
	"strings"

	"go.uber.org/zap"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/cardano"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/repositories"
)

// RunSync reconciles the database against the chain: it scans every active
// source's contract address, advances recorded on-chain states forward,
// confirms in-flight transactions and invalidates requests whose datum no
// longer matches what was agreed.
func (e *Engine) RunSync(ctx context.Context) {
	e.runGuarded(ctx, JobSync, e.syncTick)
}

func (e *Engine) syncTick(ctx context.Context) error {
	sources, err := e.sources.ListActive(ctx)
	if err != nil {
		return err
	}
	for i := range sources {
		if err := e.syncSource(ctx, &sources[i]); err != nil {
			e.log.Error("source sync failed",
				zap.String("source_id", sources[i].ID.String()), zap.Error(err))
		}
	}
	return nil
}

type chainEntry struct {
	utxo  cardano.UTxO
	datum *cardano.ContractDatum
}

func (e *Engine) syncSource(ctx context.Context, source *models.PaymentSource) error {
	provider := e.provider(source)
	utxos, err := provider.AddressUTxOs(ctx, source.ContractAddress)
	if err != nil {
		return err
	}

	// Index live contract UTXOs by blockchain identifier. The identifier is
	// unique per escrow; if the chain ever shows duplicates the first one in
	// provider order wins, consistently with the matcher.
	index := make(map[string]chainEntry, len(utxos))
	for _, u := range utxos {
		if u.InlineDatum == "" {
			continue
		}
		raw, err := hex.DecodeString(u.InlineDatum)
		if err != nil {
			continue
		}
		datum := cardano.DecodeDatum(raw)
		if datum == nil {
			continue
		}
		if _, ok := index[datum.BlockchainIdentifier]; !ok {
			index[datum.BlockchainIdentifier] = chainEntry{utxo: u, datum: datum}
		}
	}

	payments, err := e.payments.ListUnresolved(ctx, source.ID)
	if err != nil {
		return err
	}
	for i := range payments {
		if err := e.syncPayment(ctx, &payments[i], index); err != nil {
			e.log.Error("payment sync failed",
				zap.String("payment_id", payments[i].ID.String()), zap.Error(err))
		}
	}

	purchases, err := e.purchases.ListUnresolved(ctx, source.ID)
	if err != nil {
		return err
	}
	for i := range purchases {
		if err := e.syncPurchase(ctx, &purchases[i], index); err != nil {
			e.log.Error("purchase sync failed",
				zap.String("purchase_id", purchases[i].ID.String()), zap.Error(err))
		}
	}
	return nil
}

func isInitiatedAction(action string) bool {
	return strings.HasSuffix(action, "Initiated")
}

// terminalStateAfter infers the terminal state a vanished contract UTXO
// implies, given the last state we saw it in.
func terminalStateAfter(current string) string {
	switch current {
	case models.OnChainStateResultSubmitted:
		return models.OnChainStateWithdrawn
	case models.OnChainStateDisputed:
		return models.OnChainStateDisputedWithdrawn
	default:
		return models.OnChainStateRefundWithdrawn
	}
}

func (e *Engine) syncPayment(ctx context.Context, req *models.PaymentRequest, index map[string]chainEntry) error {
	wallet, err := e.wallets.GetByID(ctx, req.SmartContractWalletID)
	if err != nil {
		return err
	}

	entry, found := index[req.BlockchainIdentifier]
	if !found {
		return e.syncVanished(ctx, "payment", paymentSyncTarget{repo: e.payments, req: req})
	}

	observed, ok := cardano.OnChainStateFor(entry.datum.State)
	if !ok {
		return e.invalidatePayment(ctx, req, "datum carries an unknown state tag")
	}
	if !cardano.DatumMatches(entry.datum, paymentCriteria(req, wallet, observed)) {
		return e.invalidatePayment(ctx, req, "on-chain datum does not match the agreed terms")
	}

	return e.syncObserved(ctx, "payment", paymentSyncTarget{repo: e.payments, req: req}, entry, observed)
}

func (e *Engine) syncPurchase(ctx context.Context, req *models.PurchaseRequest, index map[string]chainEntry) error {
	wallet, err := e.wallets.GetByID(ctx, req.SmartContractWalletID)
	if err != nil {
		return err
	}

	entry, found := index[req.BlockchainIdentifier]
	if !found {
		return e.syncVanished(ctx, "purchase", purchaseSyncTarget{repo: e.purchases, req: req})
	}

	observed, ok := cardano.OnChainStateFor(entry.datum.State)
	if !ok {
		return e.invalidatePurchase(ctx, req, "datum carries an unknown state tag")
	}
	if !cardano.DatumMatches(entry.datum, purchaseCriteria(req, wallet, observed)) {
		return e.invalidatePurchase(ctx, req, "on-chain datum does not match the agreed terms")
	}

	return e.syncObserved(ctx, "purchase", purchaseSyncTarget{repo: e.purchases, req: req}, entry, observed)
}

// syncTarget abstracts over the two request tables so the reconciliation
// core is written once.
type syncTarget interface {
	id() string
	onChainState() *string
	nextAction() models.NextAction
	apply(ctx context.Context, upd repositories.RequestUpdate) error
	currentTxID() (has bool, load func(ctx context.Context, e *Engine) (*models.ChainTransaction, error))
}

type paymentSyncTarget struct {
	repo *repositories.PaymentRepo
	req  *models.PaymentRequest
}

func (t paymentSyncTarget) id() string                    { return t.req.ID.String() }
func (t paymentSyncTarget) onChainState() *string         { return t.req.OnChainState }
func (t paymentSyncTarget) nextAction() models.NextAction { return t.req.NextAction }
func (t paymentSyncTarget) apply(ctx context.Context, upd repositories.RequestUpdate) error {
	return t.repo.ApplyTransition(ctx, t.req.ID, upd)
}
func (t paymentSyncTarget) currentTxID() (bool, func(ctx context.Context, e *Engine) (*models.ChainTransaction, error)) {
	if t.req.CurrentTransactionID == nil {
		return false, nil
	}
	id := *t.req.CurrentTransactionID
	return true, func(ctx context.Context, e *Engine) (*models.ChainTransaction, error) {
		return e.txs.GetByID(ctx, id)
	}
}

type purchaseSyncTarget struct {
	repo *repositories.PurchaseRepo
	req  *models.PurchaseRequest
}

func (t purchaseSyncTarget) id() string                    { return t.req.ID.String() }
func (t purchaseSyncTarget) onChainState() *string         { return t.req.OnChainState }
func (t purchaseSyncTarget) nextAction() models.NextAction { return t.req.NextAction }
func (t purchaseSyncTarget) apply(ctx context.Context, upd repositories.RequestUpdate) error {
	return t.repo.ApplyTransition(ctx, t.req.ID, upd)
}
func (t purchaseSyncTarget) currentTxID() (bool, func(ctx context.Context, e *Engine) (*models.ChainTransaction, error)) {
	if t.req.CurrentTransactionID == nil {
		return false, nil
	}
	id := *t.req.CurrentTransactionID
	return true, func(ctx context.Context, e *Engine) (*models.ChainTransaction, error) {
		return e.txs.GetByID(ctx, id)
	}
}

// observeOutcome classifies what a live contract UTXO means for a request.
type observeOutcome int

const (
	observeNoop      observeOutcome = iota // already recorded, nothing to do
	observeStale                           // backwards observation, provider serving old data
	observeConfirmed                       // our own submission landed
	observeExternal                        // counterparty transition or initial lock
)

// decideObserved computes the transition a live contract UTXO implies,
// without touching storage. observeConfirmed additionally means the
// request's current pending transaction should be confirmed.
func decideObserved(current *string, action models.NextAction, utxoTxHash, observed string) (observeOutcome, repositories.RequestUpdate) {
	stateChanged := current == nil || *current != observed
	ours := action.SubmittedTxHash != nil && *action.SubmittedTxHash == utxoTxHash

	if stateChanged && !models.CanAdvanceOnChainState(current, observed) {
		return observeStale, repositories.RequestUpdate{}
	}

	if ours && isInitiatedAction(action.RequestedAction) {
		// Our own submission landed: hand the request back to the
		// counterparty and free the wallet.
		return observeConfirmed, repositories.RequestUpdate{
			NextAction: models.NextAction{
				RequestedAction: models.ActionWaitingForExternalAction,
				ResultHash:      action.ResultHash,
				ErrorEntries:    action.ErrorEntries,
				SubmittedTxHash: action.SubmittedTxHash,
			},
			OnChainState:    &observed,
			SetOnChainState: true,
			UnlockWallet:    true,
		}
	}

	if !stateChanged {
		return observeNoop, repositories.RequestUpdate{}
	}

	// External transition (counterparty or initial lock): record the newly
	// observed transaction and advance the state.
	next := externalNextAction(action, observed)
	upd := repositories.RequestUpdate{
		NextAction:      next,
		OnChainState:    &observed,
		SetOnChainState: true,
		NewTransaction: &models.ChainTransaction{
			TxHash:        utxoTxHash,
			Status:        models.TxStatusConfirmed,
			PreviousState: current,
			NewState:      &observed,
		},
	}
	if next.RequestedAction != action.RequestedAction {
		upd.UnlockWallet = true
	}
	return observeExternal, upd
}

// externalNextAction keeps the request's directive across an externally
// observed transition. A funds-locking directive is done the moment the lock
// shows up on-chain, whoever landed it: a worker that crashed between
// submitting the lock and recording the hash would otherwise leave the
// directive stuck in FundsLocking* with no job ever picking it up again.
func externalNextAction(action models.NextAction, observed string) models.NextAction {
	if observed == models.OnChainStateFundsLocked {
		switch action.RequestedAction {
		case models.ActionFundsLockingRequested, models.ActionFundsLockingInitiated:
			action.RequestedAction = models.ActionWaitingForExternalAction
			action.SubmittedTxHash = nil
		}
	}
	return action
}

// syncObserved reconciles a request whose contract UTXO is live on-chain.
func (e *Engine) syncObserved(ctx context.Context, requestType string, t syncTarget, entry chainEntry, observed string) error {
	current := t.onChainState()
	outcome, upd := decideObserved(current, t.nextAction(), entry.utxo.TxHash, observed)

	switch outcome {
	case observeNoop:
		return nil
	case observeStale:
		// Never regress; the next tick will see fresh state.
		e.log.Warn("ignoring backwards on-chain state observation",
			zap.String("request_type", requestType), zap.String("request_id", t.id()),
			zap.String("observed", observed))
		return nil
	case observeConfirmed:
		if has, load := t.currentTxID(); has {
			tx, err := load(ctx, e)
			if err != nil {
				return err
			}
			if err := e.txs.Confirm(ctx, tx.ID, tx.FeeLovelace); err != nil {
				return err
			}
		}
	}

	if err := t.apply(ctx, upd); err != nil {
		return err
	}
	if current == nil || *current != observed {
		e.publishStateChanged(ctx, requestType, t.id(), current, observed)
	}
	return nil
}

// decideVanished computes the terminal transition for a request whose
// contract UTXO is gone. act=false means the escrow was never seen on-chain
// and nothing vanished; confirmOwn means the request's own pending spend
// consumed the UTXO and should be confirmed.
func decideVanished(current *string, action models.NextAction, pending *models.ChainTransaction) (act, confirmOwn bool, upd repositories.RequestUpdate) {
	if current == nil {
		return false, false, repositories.RequestUpdate{}
	}

	final := terminalStateAfter(*current)
	// Prefer the outcome our own pending spend declared over the inferred
	// one.
	if pending != nil && pending.Status == models.TxStatusPending && pending.NewState != nil &&
		action.SubmittedTxHash != nil && *action.SubmittedTxHash == pending.TxHash {
		final = *pending.NewState
		confirmOwn = true
	}

	return true, confirmOwn, repositories.RequestUpdate{
		NextAction: models.NextAction{
			RequestedAction: models.ActionWaitingForExternalAction,
			ResultHash:      action.ResultHash,
			ErrorEntries:    action.ErrorEntries,
			SubmittedTxHash: action.SubmittedTxHash,
		},
		OnChainState:    &final,
		SetOnChainState: true,
		UnlockWallet:    true,
	}
}

// syncVanished handles a request whose contract UTXO no longer exists: a
// spend consumed it and the escrow reached a terminal state.
func (e *Engine) syncVanished(ctx context.Context, requestType string, t syncTarget) error {
	current := t.onChainState()

	var pending *models.ChainTransaction
	if has, load := t.currentTxID(); has && current != nil {
		tx, err := load(ctx, e)
		if err != nil {
			return err
		}
		pending = tx
	}

	act, confirmOwn, upd := decideVanished(current, t.nextAction(), pending)
	if !act {
		return nil
	}
	if confirmOwn {
		if err := e.txs.Confirm(ctx, pending.ID, pending.FeeLovelace); err != nil {
			return err
		}
	}
	if err := t.apply(ctx, upd); err != nil {
		return err
	}
	e.publishStateChanged(ctx, requestType, t.id(), current, *upd.OnChainState)
	return nil
}

func (e *Engine) invalidatePayment(ctx context.Context, req *models.PaymentRequest, reason string) error {
	return e.invalidate(ctx, "payment", paymentSyncTarget{repo: e.payments, req: req}, reason)
}

func (e *Engine) invalidatePurchase(ctx context.Context, req *models.PurchaseRequest, reason string) error {
	return e.invalidate(ctx, "purchase", purchaseSyncTarget{repo: e.purchases, req: req}, reason)
}

// invalidateUpdate builds the terminal FundsOrDatumInvalid transition.
func invalidateUpdate(action models.NextAction, reason string) repositories.RequestUpdate {
	state := models.OnChainStateFundsOrDatumInvalid
	errType := models.ErrorTypeStateMismatch
	return repositories.RequestUpdate{
		NextAction: models.NextAction{
			RequestedAction: models.ActionWaitingForManualAction,
			ErrorType:       &errType,
			ErrorEntries:    action.ErrorEntries.Append(action.RequestedAction, reason),
		},
		OnChainState:    &state,
		SetOnChainState: true,
		UnlockWallet:    true,
	}
}

// invalidate marks a request FundsOrDatumInvalid and escalates it. This is
// terminal: no job will ever touch the request again.
func (e *Engine) invalidate(ctx context.Context, requestType string, t syncTarget, reason string) error {
	current := t.onChainState()
	upd := invalidateUpdate(t.nextAction(), reason)
	if err := t.apply(ctx, upd); err != nil {
		return err
	}
	e.publishStateChanged(ctx, requestType, t.id(), current, *upd.OnChainState)
	e.publishManualAction(ctx, requestType, t.id(), reason)
	return nil
}
