package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
)

type SourceRepo struct {
	pool *pgxpool.Pool
}

func NewSourceRepo(pool *pgxpool.Pool) *SourceRepo {
	return &SourceRepo{pool: pool}
}

func (r *SourceRepo) Create(ctx context.Context, s *models.PaymentSource) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO payment_sources (network, contract_address, provider_url, provider_api_key,
		                             fee_rate_permille, fee_receiver_address, cooldown_period_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`, s.Network, s.ContractAddress, s.ProviderURL, s.ProviderAPIKey,
		s.FeeRatePermille, s.FeeReceiverAddress, s.CooldownPeriodMS,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

func (r *SourceRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.PaymentSource, error) {
	var s models.PaymentSource
	err := r.pool.QueryRow(ctx, `
		SELECT id, network, contract_address, provider_url, provider_api_key,
		       fee_rate_permille, fee_receiver_address, cooldown_period_ms,
		       deleted_at, created_at, updated_at
		FROM payment_sources WHERE id = $1
	`, id).Scan(&s.ID, &s.Network, &s.ContractAddress, &s.ProviderURL, &s.ProviderAPIKey,
		&s.FeeRatePermille, &s.FeeReceiverAddress, &s.CooldownPeriodMS,
		&s.DeletedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListActive returns the sources the batch jobs iterate over. Soft-deleted
// sources stay in the table for history but are never reconciled again.
func (r *SourceRepo) ListActive(ctx context.Context) ([]models.PaymentSource, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, network, contract_address, provider_url, provider_api_key,
		       fee_rate_permille, fee_receiver_address, cooldown_period_ms,
		       deleted_at, created_at, updated_at
		FROM payment_sources
		WHERE deleted_at IS NULL
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []models.PaymentSource
	for rows.Next() {
		var s models.PaymentSource
		if err := rows.Scan(&s.ID, &s.Network, &s.ContractAddress, &s.ProviderURL, &s.ProviderAPIKey,
			&s.FeeRatePermille, &s.FeeReceiverAddress, &s.CooldownPeriodMS,
			&s.DeletedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

func (r *SourceRepo) SoftDelete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE payment_sources SET deleted_at = now(), updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	return err
}
