package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
)

// LockedPurchase mirrors LockedPayment for the buyer side.
type LockedPurchase struct {
	Request models.PurchaseRequest
	Wallet  models.HotWallet
	Source  models.PaymentSource
}

type PurchaseRepo struct {
	pool *pgxpool.Pool
}

func NewPurchaseRepo(pool *pgxpool.Pool) *PurchaseRepo {
	return &PurchaseRepo{pool: pool}
}

func (r *PurchaseRepo) Create(ctx context.Context, p *models.PurchaseRequest) error {
	paidFunds, err := json.Marshal(p.PaidFunds)
	if err != nil {
		return err
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO purchase_requests (
			payment_source_id, smart_contract_wallet_id, blockchain_identifier,
			input_hash, result_hash, seller_vkey, seller_address,
			pay_by_time, submit_result_time, unlock_time, external_dispute_unlock_time,
			seller_cool_down_time, buyer_cool_down_time, collateral_return_lovelace,
			paid_funds, requested_action
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, created_at, updated_at
	`, p.PaymentSourceID, p.SmartContractWalletID, p.BlockchainIdentifier,
		p.InputHash, p.ResultHash, p.SellerVkey, p.SellerAddress,
		p.PayByTime, p.SubmitResultTime, p.UnlockTime, p.ExternalDisputeUnlockTime,
		p.SellerCoolDownTime, p.BuyerCoolDownTime, p.CollateralReturnLovelace,
		paidFunds, p.NextAction.RequestedAction,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

const purchaseColumns = `
	p.id, p.payment_source_id, p.smart_contract_wallet_id, p.blockchain_identifier,
	p.input_hash, p.result_hash, p.seller_vkey, p.seller_address, p.on_chain_state,
	p.pay_by_time, p.submit_result_time, p.unlock_time, p.external_dispute_unlock_time,
	p.seller_cool_down_time, p.buyer_cool_down_time, p.collateral_return_lovelace,
	p.paid_funds, p.withdrawn_for_seller, p.withdrawn_for_buyer,
	p.requested_action, p.action_result_hash, p.error_type, p.error_entries, p.submitted_tx_hash,
	p.current_transaction_id, p.created_at, p.updated_at`

func scanPurchase(row pgx.Row) (*models.PurchaseRequest, error) {
	var p models.PurchaseRequest
	var paidFunds, withdrawnSeller, withdrawnBuyer, errorEntries []byte
	err := row.Scan(
		&p.ID, &p.PaymentSourceID, &p.SmartContractWalletID, &p.BlockchainIdentifier,
		&p.InputHash, &p.ResultHash, &p.SellerVkey, &p.SellerAddress, &p.OnChainState,
		&p.PayByTime, &p.SubmitResultTime, &p.UnlockTime, &p.ExternalDisputeUnlockTime,
		&p.SellerCoolDownTime, &p.BuyerCoolDownTime, &p.CollateralReturnLovelace,
		&paidFunds, &withdrawnSeller, &withdrawnBuyer,
		&p.NextAction.RequestedAction, &p.NextAction.ResultHash, &p.NextAction.ErrorType,
		&errorEntries, &p.NextAction.SubmittedTxHash,
		&p.CurrentTransactionID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(paidFunds, &p.PaidFunds)
	_ = json.Unmarshal(withdrawnSeller, &p.WithdrawnForSeller)
	_ = json.Unmarshal(withdrawnBuyer, &p.WithdrawnForBuyer)
	_ = json.Unmarshal(errorEntries, &p.NextAction.ErrorEntries)
	return &p, nil
}

func (r *PurchaseRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.PurchaseRequest, error) {
	return scanPurchase(r.pool.QueryRow(ctx,
		`SELECT `+purchaseColumns+` FROM purchase_requests p WHERE p.id = $1`, id))
}

func (r *PurchaseRepo) GetByBlockchainIdentifier(ctx context.Context, sourceID uuid.UUID, identifier string) (*models.PurchaseRequest, error) {
	return scanPurchase(r.pool.QueryRow(ctx,
		`SELECT `+purchaseColumns+` FROM purchase_requests p
		 WHERE p.payment_source_id = $1 AND p.blockchain_identifier = $2`, sourceID, identifier))
}

func (r *PurchaseRepo) ListUnresolved(ctx context.Context, sourceID uuid.UUID) ([]models.PurchaseRequest, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+purchaseColumns+` FROM purchase_requests p
		WHERE p.payment_source_id = $1
		  AND (p.on_chain_state IS NULL OR p.on_chain_state NOT IN ('Withdrawn', 'RefundWithdrawn', 'DisputedWithdrawn', 'FundsOrDatumInvalid'))
		ORDER BY p.created_at
	`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PurchaseRequest
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *PurchaseRepo) List(ctx context.Context, limit, offset int) ([]models.PurchaseRequest, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+purchaseColumns+` FROM purchase_requests p
		 ORDER BY p.created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PurchaseRequest
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// LockAndQuery is the purchase-side twin of PaymentRepo.LockAndQuery.
func (r *PurchaseRepo) LockAndQuery(ctx context.Context, spec QuerySpec) ([]LockedPurchase, error) {
	query, args := buildLockQuery("purchase_requests", purchaseColumns, spec)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var candidates []LockedPurchase
	for rows.Next() {
		var lp LockedPurchase
		var paidFunds, withdrawnSeller, withdrawnBuyer, errorEntries []byte
		p := &lp.Request
		w := &lp.Wallet
		s := &lp.Source
		err := rows.Scan(
			&p.ID, &p.PaymentSourceID, &p.SmartContractWalletID, &p.BlockchainIdentifier,
			&p.InputHash, &p.ResultHash, &p.SellerVkey, &p.SellerAddress, &p.OnChainState,
			&p.PayByTime, &p.SubmitResultTime, &p.UnlockTime, &p.ExternalDisputeUnlockTime,
			&p.SellerCoolDownTime, &p.BuyerCoolDownTime, &p.CollateralReturnLovelace,
			&paidFunds, &withdrawnSeller, &withdrawnBuyer,
			&p.NextAction.RequestedAction, &p.NextAction.ResultHash, &p.NextAction.ErrorType,
			&errorEntries, &p.NextAction.SubmittedTxHash,
			&p.CurrentTransactionID, &p.CreatedAt, &p.UpdatedAt,
			&w.ID, &w.PaymentSourceID, &w.WalletType, &w.Address, &w.VkeyHash, &w.EncryptedMnemonic,
			&w.LockedAt, &w.PendingTransactionID, &w.CreatedAt,
			&s.ID, &s.Network, &s.ContractAddress, &s.ProviderURL, &s.ProviderAPIKey,
			&s.FeeRatePermille, &s.FeeReceiverAddress, &s.CooldownPeriodMS,
			&s.DeletedAt, &s.CreatedAt, &s.UpdatedAt,
		)
		if err != nil {
			rows.Close()
			return nil, err
		}
		_ = json.Unmarshal(paidFunds, &p.PaidFunds)
		_ = json.Unmarshal(withdrawnSeller, &p.WithdrawnForSeller)
		_ = json.Unmarshal(withdrawnBuyer, &p.WithdrawnForBuyer)
		_ = json.Unmarshal(errorEntries, &p.NextAction.ErrorEntries)
		candidates = append(candidates, lp)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var selected []LockedPurchase
	if spec.LockWallets {
		claimed := map[uuid.UUID]bool{}
		for _, c := range candidates {
			if claimed[c.Wallet.ID] {
				continue
			}
			tag, err := tx.Exec(ctx, `
				UPDATE hot_wallets SET locked_at = now(), pending_transaction_id = NULL
				WHERE id = $1 AND (locked_at IS NULL OR locked_at < now() - $2::interval)
			`, c.Wallet.ID, spec.WalletLockTimeout.String())
			if err != nil {
				return nil, err
			}
			if tag.RowsAffected() != 1 {
				continue
			}
			claimed[c.Wallet.ID] = true
			selected = append(selected, c)
		}
	} else {
		selected = candidates
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return selected, nil
}

// ApplyTransition mirrors PaymentRepo.ApplyTransition for purchase rows.
func (r *PurchaseRepo) ApplyTransition(ctx context.Context, id uuid.UUID, upd RequestUpdate) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := archiveNextAction(ctx, tx, "purchase", "purchase_requests", id); err != nil {
		return err
	}

	var txID *uuid.UUID
	if upd.NewTransaction != nil {
		t := upd.NewTransaction
		t.RequestType = "purchase"
		t.RequestID = id
		err := tx.QueryRow(ctx, `
			INSERT INTO transactions (request_type, request_id, tx_hash, status, fee_lovelace, previous_state, new_state)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, created_at, updated_at
		`, t.RequestType, t.RequestID, t.TxHash, t.Status, t.FeeLovelace, t.PreviousState, t.NewState,
		).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return err
		}
		txID = &t.ID
	}

	errorEntries, err := json.Marshal(upd.NextAction.ErrorEntries)
	if err != nil {
		return err
	}

	query := `
		UPDATE purchase_requests SET
			requested_action = $2, action_result_hash = $3, error_type = $4,
			error_entries = $5, submitted_tx_hash = $6, updated_at = now()`
	args := []any{id, upd.NextAction.RequestedAction, upd.NextAction.ResultHash,
		upd.NextAction.ErrorType, errorEntries, upd.NextAction.SubmittedTxHash}
	argIdx := 7

	if upd.SetOnChainState {
		query += fmt.Sprintf(", on_chain_state = $%d", argIdx)
		args = append(args, upd.OnChainState)
		argIdx++
	}
	if txID != nil {
		query += fmt.Sprintf(", current_transaction_id = $%d", argIdx)
		args = append(args, *txID)
		argIdx++
	}
	if upd.WithdrawnForSeller != nil {
		b, err := json.Marshal(upd.WithdrawnForSeller)
		if err != nil {
			return err
		}
		query += fmt.Sprintf(", withdrawn_for_seller = $%d", argIdx)
		args = append(args, b)
		argIdx++
	}
	if upd.WithdrawnForBuyer != nil {
		b, err := json.Marshal(upd.WithdrawnForBuyer)
		if err != nil {
			return err
		}
		query += fmt.Sprintf(", withdrawn_for_buyer = $%d", argIdx)
		args = append(args, b)
		argIdx++
	}
	if upd.SetResultHash != nil {
		query += fmt.Sprintf(", result_hash = $%d", argIdx)
		args = append(args, *upd.SetResultHash)
		argIdx++
	}
	query += " WHERE id = $1"

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return err
	}

	if upd.UnlockWallet {
		_, err := tx.Exec(ctx, `
			UPDATE hot_wallets SET locked_at = NULL, pending_transaction_id = NULL
			WHERE id = (SELECT smart_contract_wallet_id FROM purchase_requests WHERE id = $1)
		`, id)
		if err != nil {
			return err
		}
	} else if txID != nil && upd.NewTransaction.Status == models.TxStatusPending {
		_, err := tx.Exec(ctx, `
			UPDATE hot_wallets SET locked_at = now(), pending_transaction_id = $2
			WHERE id = (SELECT smart_contract_wallet_id FROM purchase_requests WHERE id = $1)
		`, id, *txID)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *PurchaseRepo) ActionHistory(ctx context.Context, id uuid.UUID) ([]models.ActionHistoryEntry, error) {
	return listActionHistory(ctx, r.pool, "purchase", id)
}
