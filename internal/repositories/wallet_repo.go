package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
)

type WalletRepo struct {
	pool *pgxpool.Pool
}

func NewWalletRepo(pool *pgxpool.Pool) *WalletRepo {
	return &WalletRepo{pool: pool}
}

func (r *WalletRepo) Create(ctx context.Context, w *models.HotWallet) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO hot_wallets (payment_source_id, wallet_type, address, vkey_hash, encrypted_mnemonic)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, w.PaymentSourceID, w.WalletType, w.Address, w.VkeyHash, w.EncryptedMnemonic,
	).Scan(&w.ID, &w.CreatedAt)
}

func (r *WalletRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.HotWallet, error) {
	var w models.HotWallet
	err := r.pool.QueryRow(ctx, `
		SELECT id, payment_source_id, wallet_type, address, vkey_hash, encrypted_mnemonic,
		       locked_at, pending_transaction_id, created_at
		FROM hot_wallets WHERE id = $1
	`, id).Scan(&w.ID, &w.PaymentSourceID, &w.WalletType, &w.Address, &w.VkeyHash, &w.EncryptedMnemonic,
		&w.LockedAt, &w.PendingTransactionID, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ListBySource returns a source's wallets, optionally filtered by type.
// Empty walletType matches all types.
func (r *WalletRepo) ListBySource(ctx context.Context, sourceID uuid.UUID, walletType string) ([]models.HotWallet, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, payment_source_id, wallet_type, address, vkey_hash, encrypted_mnemonic,
		       locked_at, pending_transaction_id, created_at
		FROM hot_wallets
		WHERE payment_source_id = $1 AND ($2 = '' OR wallet_type = $2)
		ORDER BY created_at
	`, sourceID, walletType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []models.HotWallet
	for rows.Next() {
		var w models.HotWallet
		if err := rows.Scan(&w.ID, &w.PaymentSourceID, &w.WalletType, &w.Address, &w.VkeyHash, &w.EncryptedMnemonic,
			&w.LockedAt, &w.PendingTransactionID, &w.CreatedAt); err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// TryLock claims a wallet for the calling job. The claim is a single
// conditional UPDATE: it succeeds only when the wallet is free or its
// previous holder's lock is older than lockTimeout, so a crashed job can
// never strand a wallet forever. Returns false when another holder has it.
func (r *WalletRepo) TryLock(ctx context.Context, id uuid.UUID, lockTimeout time.Duration) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE hot_wallets SET locked_at = now(), pending_transaction_id = NULL
		WHERE id = $1 AND (locked_at IS NULL OR locked_at < now() - $2::interval)
	`, id, lockTimeout.String())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkPending records the transaction the locked wallet is now blocked on.
// The lock stays held until the sync job sees the transaction resolve.
func (r *WalletRepo) MarkPending(ctx context.Context, id uuid.UUID, txID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE hot_wallets SET locked_at = now(), pending_transaction_id = $1 WHERE id = $2
	`, txID, id)
	return err
}

func (r *WalletRepo) Unlock(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE hot_wallets SET locked_at = NULL, pending_transaction_id = NULL WHERE id = $1
	`, id)
	return err
}
