package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
)

type TransactionRepo struct {
	pool *pgxpool.Pool
}

func NewTransactionRepo(pool *pgxpool.Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

func (r *TransactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.ChainTransaction, error) {
	var t models.ChainTransaction
	err := r.pool.QueryRow(ctx, `
		SELECT id, request_type, request_id, tx_hash, status, fee_lovelace,
		       previous_state, new_state, created_at, updated_at
		FROM transactions WHERE id = $1
	`, id).Scan(&t.ID, &t.RequestType, &t.RequestID, &t.TxHash, &t.Status, &t.FeeLovelace,
		&t.PreviousState, &t.NewState, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TransactionRepo) Confirm(ctx context.Context, id uuid.UUID, feeLovelace int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE transactions SET status = $1, fee_lovelace = $2, updated_at = now()
		WHERE id = $3 AND status = $4
	`, models.TxStatusConfirmed, feeLovelace, id, models.TxStatusPending)
	return err
}

func (r *TransactionRepo) FailViaTimeout(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE transactions SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3
	`, models.TxStatusFailedViaTimeout, id, models.TxStatusPending)
	return err
}

// ListStalePending returns pending transactions submitted before cutoff.
// These are candidates for FailedViaTimeout plus a manual-action escalation
// on their request.
func (r *TransactionRepo) ListStalePending(ctx context.Context, cutoff time.Time) ([]models.ChainTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, request_type, request_id, tx_hash, status, fee_lovelace,
		       previous_state, new_state, created_at, updated_at
		FROM transactions
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
	`, models.TxStatusPending, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ChainTransaction
	for rows.Next() {
		var t models.ChainTransaction
		if err := rows.Scan(&t.ID, &t.RequestType, &t.RequestID, &t.TxHash, &t.Status, &t.FeeLovelace,
			&t.PreviousState, &t.NewState, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SumConfirmedFees totals the network fees paid by confirmed transactions
// in [from, to). Used by the fee accounting endpoint.
func (r *TransactionRepo) SumConfirmedFees(ctx context.Context, requestType string, from, to time.Time) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(fee_lovelace), 0)
		FROM transactions
		WHERE request_type = $1 AND status = $2 AND updated_at >= $3 AND updated_at < $4
	`, requestType, models.TxStatusConfirmed, from, to).Scan(&total)
	return total, err
}
