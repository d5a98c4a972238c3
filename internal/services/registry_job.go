package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/cardano"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/events"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
)

// An agent identifier is the policy id (28 bytes, 56 hex chars) directly
// followed by the hex asset name.
const policyIDHexLen = 56

func splitAgentIdentifier(identifier string) (policyID, assetName string, err error) {
	if len(identifier) <= policyIDHexLen {
		return "", "", fmt.Errorf("agent identifier %q too short", identifier)
	}
	return identifier[:policyIDHexLen], identifier[policyIDHexLen:], nil
}

// RunRegistry mints and burns agent identity assets, then confirms
// previously submitted registry transactions.
func (e *Engine) RunRegistry(ctx context.Context) {
	e.runGuarded(ctx, JobRegistry, e.registryTick)
}

func (e *Engine) registryTick(ctx context.Context) error {
	sources, err := e.sources.ListActive(ctx)
	if err != nil {
		return err
	}
	for i := range sources {
		source := &sources[i]
		if err := e.processRegistryRequests(ctx, source); err != nil {
			e.log.Error("registry processing failed",
				zap.String("source_id", source.ID.String()), zap.Error(err))
		}
		if err := e.confirmRegistryRequests(ctx, source); err != nil {
			e.log.Error("registry confirmation failed",
				zap.String("source_id", source.ID.String()), zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) processRegistryRequests(ctx context.Context, source *models.PaymentSource) error {
	reqs, err := e.registry.ListByState(ctx, source.ID, []string{
		models.RegistryStateRegistrationRequested,
		models.RegistryStateDeregistrationRequested,
	}, jobBatchLimit)
	if err != nil {
		return err
	}

	for i := range reqs {
		req := &reqs[i]
		if err := e.processRegistryRequest(ctx, source, req); err != nil {
			e.log.Warn("registry request failed",
				zap.String("registry_id", req.ID.String()), zap.Error(err))
			_ = e.registry.UpdateState(ctx, req.ID, models.RegistryStateFailed,
				req.ErrorEntries.Append(req.State, err.Error()), req.SubmittedTxHash)
		}
	}
	return nil
}

func (e *Engine) processRegistryRequest(ctx context.Context, source *models.PaymentSource, req *models.RegistryRequest) error {
	wallet, err := e.wallets.GetByID(ctx, req.SmartContractWalletID)
	if err != nil {
		return err
	}
	locked, err := e.wallets.TryLock(ctx, wallet.ID, e.cfg.WalletLockTimeout)
	if err != nil {
		return err
	}
	if !locked {
		// Wallet is busy; leave the request in Requested, the next tick
		// retries.
		return nil
	}

	keys, err := e.walletKeys(wallet, source.Network)
	if err != nil {
		e.unlockQuietly(ctx, wallet.ID)
		return err
	}
	policyID, assetName, err := splitAgentIdentifier(req.AgentIdentifier)
	if err != nil {
		e.unlockQuietly(ctx, wallet.ID)
		return err
	}

	quantity := int64(1)
	nextState := models.RegistryStateRegistrationInitiated
	if req.State == models.RegistryStateDeregistrationRequested {
		quantity = -1
		nextState = models.RegistryStateDeregistrationInitiated
	}

	provider := e.provider(source)
	walletUTxOs, err := provider.AddressUTxOs(ctx, wallet.Address)
	if err != nil {
		e.unlockQuietly(ctx, wallet.ID)
		return err
	}

	builder := cardano.NewTxBuilder(cardano.ParamsForNetwork(source.Network))
	signed, err := builder.BuildMint(cardano.MintParams{
		PolicyID:      policyID,
		AssetNameHex:  assetName,
		Quantity:      quantity,
		WalletUTxOs:   walletUTxOs,
		ChangeAddress: wallet.Address,
		Keys:          keys,
		Now:           time.Now(),
	})
	if err != nil {
		e.unlockQuietly(ctx, wallet.ID)
		return err
	}

	hash, err := provider.SubmitTransaction(ctx, signed.CBOR)
	if err != nil {
		e.unlockQuietly(ctx, wallet.ID)
		return err
	}

	// Wallet stays locked until the confirmation pass sees the mint land;
	// a lost transaction frees it via the lock timeout.
	if err := e.registry.UpdateState(ctx, req.ID, nextState, req.ErrorEntries, &hash); err != nil {
		return err
	}
	e.publishSubmitted(ctx, "registry", req.ID.String(), hash)
	return nil
}

func (e *Engine) confirmRegistryRequests(ctx context.Context, source *models.PaymentSource) error {
	reqs, err := e.registry.ListByState(ctx, source.ID, []string{
		models.RegistryStateRegistrationInitiated,
		models.RegistryStateDeregistrationInitiated,
	}, 100)
	if err != nil {
		return err
	}

	provider := e.provider(source)
	for i := range reqs {
		req := &reqs[i]
		if req.SubmittedTxHash == nil {
			continue
		}

		_, err := provider.TransactionUTxOs(ctx, *req.SubmittedTxHash)
		if err == nil {
			final := models.RegistryStateRegistered
			if req.State == models.RegistryStateDeregistrationInitiated {
				final = models.RegistryStateDeregistered
			}
			if err := e.registry.UpdateState(ctx, req.ID, final, req.ErrorEntries, req.SubmittedTxHash); err != nil {
				e.log.Error("failed to finalize registry request",
					zap.String("registry_id", req.ID.String()), zap.Error(err))
				continue
			}
			e.unlockQuietly(ctx, req.SmartContractWalletID)
			_ = e.publisher.Publish(ctx, e.cfg.AlertChannel, events.Event{
				Type: events.EventAgentRegistryChanged,
				Payload: map[string]any{
					"registry_id":      req.ID.String(),
					"agent_identifier": req.AgentIdentifier,
					"state":            final,
				},
			})
			continue
		}

		if time.Since(req.UpdatedAt) > e.cfg.TxConfirmTimeout {
			note := fmt.Sprintf("transaction %s not confirmed within %s", *req.SubmittedTxHash, e.cfg.TxConfirmTimeout)
			_ = e.registry.UpdateState(ctx, req.ID, models.RegistryStateFailed,
				req.ErrorEntries.Append(req.State, note), req.SubmittedTxHash)
			e.unlockQuietly(ctx, req.SmartContractWalletID)
		}
	}
	return nil
}

func (e *Engine) unlockQuietly(ctx context.Context, walletID uuid.UUID) {
	if err := e.wallets.Unlock(ctx, walletID); err != nil {
		e.log.Error("failed to unlock wallet", zap.String("wallet_id", walletID.String()), zap.Error(err))
	}
}
