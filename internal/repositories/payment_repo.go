package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
)

// QuerySpec selects the requests a batch job wants to act on. All numeric
// bounds are unix milliseconds, matching the datum fields they compare
// against. LockWallets makes the query also claim each request's hot wallet
// inside the same transaction; requests whose wallet cannot be claimed are
// silently dropped from the result.
type QuerySpec struct {
	Actions                []string
	States                 []string
	IncludeNullState       bool
	UnlockTimeBefore       *int64
	SubmitResultTimeBefore *int64
	PayByTimeAfter         *int64
	SellerCooldownBefore   *int64
	BuyerCooldownBefore    *int64
	// RefundDueBefore selects refunds whose state-specific deadline has
	// passed: unlock_time for RefundRequested, external_dispute_unlock_time
	// for Disputed. Requests not yet due never leave the database, so their
	// wallets are never claimed.
	RefundDueBefore   *int64
	LockWallets       bool
	WalletLockTimeout time.Duration
	Limit             int
}

// RequestUpdate is one atomic state transition applied by ApplyTransition.
// The previous next-action row is archived into action_history first, then
// every set field lands in the same database transaction.
type RequestUpdate struct {
	NextAction         models.NextAction
	OnChainState       *string
	SetOnChainState    bool
	NewTransaction     *models.ChainTransaction
	WithdrawnForSeller []models.Amount
	WithdrawnForBuyer  []models.Amount
	// SetResultHash overwrites the request's agreed result hash alongside
	// the directive that will submit it.
	SetResultHash *string
	UnlockWallet  bool
}

// LockedPayment bundles a selected request with the wallet and source the
// acting job needs, so jobs never re-read them outside the locking query.
type LockedPayment struct {
	Request models.PaymentRequest
	Wallet  models.HotWallet
	Source  models.PaymentSource
}

type PaymentRepo struct {
	pool *pgxpool.Pool
}

func NewPaymentRepo(pool *pgxpool.Pool) *PaymentRepo {
	return &PaymentRepo{pool: pool}
}

func (r *PaymentRepo) Create(ctx context.Context, p *models.PaymentRequest) error {
	requestedFunds, err := json.Marshal(p.RequestedFunds)
	if err != nil {
		return err
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO payment_requests (
			payment_source_id, smart_contract_wallet_id, blockchain_identifier,
			input_hash, result_hash, buyer_vkey, buyer_address,
			pay_by_time, submit_result_time, unlock_time, external_dispute_unlock_time,
			seller_cool_down_time, buyer_cool_down_time, collateral_return_lovelace,
			requested_funds, requested_action
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, created_at, updated_at
	`, p.PaymentSourceID, p.SmartContractWalletID, p.BlockchainIdentifier,
		p.InputHash, p.ResultHash, p.BuyerVkey, p.BuyerAddress,
		p.PayByTime, p.SubmitResultTime, p.UnlockTime, p.ExternalDisputeUnlockTime,
		p.SellerCoolDownTime, p.BuyerCoolDownTime, p.CollateralReturnLovelace,
		requestedFunds, p.NextAction.RequestedAction,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

const paymentColumns = `
	p.id, p.payment_source_id, p.smart_contract_wallet_id, p.blockchain_identifier,
	p.input_hash, p.result_hash, p.buyer_vkey, p.buyer_address, p.on_chain_state,
	p.pay_by_time, p.submit_result_time, p.unlock_time, p.external_dispute_unlock_time,
	p.seller_cool_down_time, p.buyer_cool_down_time, p.collateral_return_lovelace,
	p.requested_funds, p.withdrawn_for_seller, p.withdrawn_for_buyer,
	p.requested_action, p.action_result_hash, p.error_type, p.error_entries, p.submitted_tx_hash,
	p.current_transaction_id, p.created_at, p.updated_at`

func scanPayment(row pgx.Row) (*models.PaymentRequest, error) {
	var p models.PaymentRequest
	var requestedFunds, withdrawnSeller, withdrawnBuyer, errorEntries []byte
	err := row.Scan(
		&p.ID, &p.PaymentSourceID, &p.SmartContractWalletID, &p.BlockchainIdentifier,
		&p.InputHash, &p.ResultHash, &p.BuyerVkey, &p.BuyerAddress, &p.OnChainState,
		&p.PayByTime, &p.SubmitResultTime, &p.UnlockTime, &p.ExternalDisputeUnlockTime,
		&p.SellerCoolDownTime, &p.BuyerCoolDownTime, &p.CollateralReturnLovelace,
		&requestedFunds, &withdrawnSeller, &withdrawnBuyer,
		&p.NextAction.RequestedAction, &p.NextAction.ResultHash, &p.NextAction.ErrorType,
		&errorEntries, &p.NextAction.SubmittedTxHash,
		&p.CurrentTransactionID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(requestedFunds, &p.RequestedFunds)
	_ = json.Unmarshal(withdrawnSeller, &p.WithdrawnForSeller)
	_ = json.Unmarshal(withdrawnBuyer, &p.WithdrawnForBuyer)
	_ = json.Unmarshal(errorEntries, &p.NextAction.ErrorEntries)
	return &p, nil
}

func (r *PaymentRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.PaymentRequest, error) {
	return scanPayment(r.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payment_requests p WHERE p.id = $1`, id))
}

func (r *PaymentRepo) GetByBlockchainIdentifier(ctx context.Context, sourceID uuid.UUID, identifier string) (*models.PaymentRequest, error) {
	return scanPayment(r.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payment_requests p
		 WHERE p.payment_source_id = $1 AND p.blockchain_identifier = $2`, sourceID, identifier))
}

// ListUnresolved returns a source's requests that the sync job still has to
// reconcile: anything not yet in a terminal on-chain state.
func (r *PaymentRepo) ListUnresolved(ctx context.Context, sourceID uuid.UUID) ([]models.PaymentRequest, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payment_requests p
		WHERE p.payment_source_id = $1
		  AND (p.on_chain_state IS NULL OR p.on_chain_state NOT IN ('Withdrawn', 'RefundWithdrawn', 'DisputedWithdrawn', 'FundsOrDatumInvalid'))
		ORDER BY p.created_at
	`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PaymentRequest
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *PaymentRepo) List(ctx context.Context, limit, offset int) ([]models.PaymentRequest, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM payment_requests p
		 ORDER BY p.created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PaymentRequest
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// LockAndQuery selects up to spec.Limit actionable requests with
// FOR UPDATE SKIP LOCKED so concurrent service instances never double-pick,
// then claims each request's wallet in the same transaction. Only requests
// whose wallet claim succeeded are returned; a wallet already claimed
// earlier in the same batch blocks later requests sharing it.
func (r *PaymentRepo) LockAndQuery(ctx context.Context, spec QuerySpec) ([]LockedPayment, error) {
	query, args := buildLockQuery("payment_requests", paymentColumns, spec)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var candidates []LockedPayment
	for rows.Next() {
		var lp LockedPayment
		var requestedFunds, withdrawnSeller, withdrawnBuyer, errorEntries []byte
		p := &lp.Request
		w := &lp.Wallet
		s := &lp.Source
		err := rows.Scan(
			&p.ID, &p.PaymentSourceID, &p.SmartContractWalletID, &p.BlockchainIdentifier,
			&p.InputHash, &p.ResultHash, &p.BuyerVkey, &p.BuyerAddress, &p.OnChainState,
			&p.PayByTime, &p.SubmitResultTime, &p.UnlockTime, &p.ExternalDisputeUnlockTime,
			&p.SellerCoolDownTime, &p.BuyerCoolDownTime, &p.CollateralReturnLovelace,
			&requestedFunds, &withdrawnSeller, &withdrawnBuyer,
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
		_ = json.Unmarshal(requestedFunds, &p.RequestedFunds)
		_ = json.Unmarshal(withdrawnSeller, &p.WithdrawnForSeller)
		_ = json.Unmarshal(withdrawnBuyer, &p.WithdrawnForBuyer)
		_ = json.Unmarshal(errorEntries, &p.NextAction.ErrorEntries)
		candidates = append(candidates, lp)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var selected []LockedPayment
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

func buildLockQuery(table, columns string, spec QuerySpec) (string, []any) {
	query := `SELECT ` + columns + `,
		w.id, w.payment_source_id, w.wallet_type, w.address, w.vkey_hash, w.encrypted_mnemonic,
		w.locked_at, w.pending_transaction_id, w.created_at,
		s.id, s.network, s.contract_address, s.provider_url, s.provider_api_key,
		s.fee_rate_permille, s.fee_receiver_address, s.cooldown_period_ms,
		s.deleted_at, s.created_at, s.updated_at
	FROM ` + table + ` p
	JOIN hot_wallets w ON w.id = p.smart_contract_wallet_id
	JOIN payment_sources s ON s.id = p.payment_source_id
	`
	args := []any{}
	argIdx := 1
	where := []string{"s.deleted_at IS NULL"}

	if len(spec.Actions) > 0 {
		where = append(where, fmt.Sprintf("p.requested_action = ANY($%d)", argIdx))
		args = append(args, spec.Actions)
		argIdx++
	}
	if len(spec.States) > 0 {
		cond := fmt.Sprintf("p.on_chain_state = ANY($%d)", argIdx)
		if spec.IncludeNullState {
			cond = "(" + cond + " OR p.on_chain_state IS NULL)"
		}
		where = append(where, cond)
		args = append(args, spec.States)
		argIdx++
	} else if spec.IncludeNullState {
		where = append(where, "p.on_chain_state IS NULL")
	}
	if spec.UnlockTimeBefore != nil {
		where = append(where, fmt.Sprintf("p.unlock_time < $%d", argIdx))
		args = append(args, *spec.UnlockTimeBefore)
		argIdx++
	}
	if spec.SubmitResultTimeBefore != nil {
		where = append(where, fmt.Sprintf("p.submit_result_time < $%d", argIdx))
		args = append(args, *spec.SubmitResultTimeBefore)
		argIdx++
	}
	if spec.PayByTimeAfter != nil {
		where = append(where, fmt.Sprintf("p.pay_by_time > $%d", argIdx))
		args = append(args, *spec.PayByTimeAfter)
		argIdx++
	}
	if spec.SellerCooldownBefore != nil {
		where = append(where, fmt.Sprintf("p.seller_cool_down_time < $%d", argIdx))
		args = append(args, *spec.SellerCooldownBefore)
		argIdx++
	}
	if spec.BuyerCooldownBefore != nil {
		where = append(where, fmt.Sprintf("p.buyer_cool_down_time < $%d", argIdx))
		args = append(args, *spec.BuyerCooldownBefore)
		argIdx++
	}
	if spec.RefundDueBefore != nil {
		where = append(where, fmt.Sprintf(
			"((p.on_chain_state = '%s' AND p.external_dispute_unlock_time <= $%d) OR (p.on_chain_state = '%s' AND p.unlock_time <= $%d))",
			models.OnChainStateDisputed, argIdx, models.OnChainStateRefundRequested, argIdx))
		args = append(args, *spec.RefundDueBefore)
		argIdx++
	}

	query += " WHERE "
	for i, w := range where {
		if i > 0 {
			query += " AND "
		}
		query += w
	}

	limit := spec.Limit
	if limit <= 0 {
		limit = 10
	}
	query += fmt.Sprintf(" ORDER BY p.created_at LIMIT $%d FOR UPDATE OF p SKIP LOCKED", argIdx)
	args = append(args, limit)
	return query, args
}

// ApplyTransition archives the current next-action row into action_history,
// then applies the update. Everything happens in one database transaction:
// the history insert, the optional transaction insert, the request update
// and the optional wallet unlock either all land or none do.
func (r *PaymentRepo) ApplyTransition(ctx context.Context, id uuid.UUID, upd RequestUpdate) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := archiveNextAction(ctx, tx, "payment", "payment_requests", id); err != nil {
		return err
	}

	var txID *uuid.UUID
	if upd.NewTransaction != nil {
		t := upd.NewTransaction
		t.RequestType = "payment"
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
		UPDATE payment_requests SET
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
			WHERE id = (SELECT smart_contract_wallet_id FROM payment_requests WHERE id = $1)
		`, id)
		if err != nil {
			return err
		}
	} else if txID != nil && upd.NewTransaction.Status == models.TxStatusPending {
		_, err := tx.Exec(ctx, `
			UPDATE hot_wallets SET locked_at = now(), pending_transaction_id = $2
			WHERE id = (SELECT smart_contract_wallet_id FROM payment_requests WHERE id = $1)
		`, id, *txID)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// archiveNextAction snapshots the request's full next-action row, so the
// history table carries every directive the request ever held.
func archiveNextAction(ctx context.Context, tx pgx.Tx, requestType, table string, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO action_history (request_type, request_id, on_chain_state, requested_action,
		                            result_hash, error_type, error_entries, submitted_tx_hash)
		SELECT $1, id, on_chain_state, requested_action,
		       action_result_hash, error_type, error_entries, submitted_tx_hash
		FROM `+table+` WHERE id = $2
	`, requestType, id)
	return err
}

// ActionHistory returns the archived directives for one request, oldest first.
func (r *PaymentRepo) ActionHistory(ctx context.Context, id uuid.UUID) ([]models.ActionHistoryEntry, error) {
	return listActionHistory(ctx, r.pool, "payment", id)
}

func listActionHistory(ctx context.Context, pool *pgxpool.Pool, requestType string, id uuid.UUID) ([]models.ActionHistoryEntry, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, request_type, request_id, on_chain_state, requested_action,
		       result_hash, error_type, error_entries, submitted_tx_hash, recorded_at
		FROM action_history
		WHERE request_type = $1 AND request_id = $2
		ORDER BY id
	`, requestType, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ActionHistoryEntry
	for rows.Next() {
		var e models.ActionHistoryEntry
		var errorEntries []byte
		if err := rows.Scan(&e.ID, &e.RequestType, &e.RequestID, &e.OnChainState, &e.RequestedAction,
			&e.ResultHash, &e.ErrorType, &errorEntries, &e.SubmittedTxHash, &e.RecordedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(errorEntries, &e.ErrorEntries)
		out = append(out, e)
	}
	return out, rows.Err()
}
