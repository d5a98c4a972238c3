package repositories

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
)

type RegistryRepo struct {
	pool *pgxpool.Pool
}

func NewRegistryRepo(pool *pgxpool.Pool) *RegistryRepo {
	return &RegistryRepo{pool: pool}
}

func (r *RegistryRepo) Create(ctx context.Context, req *models.RegistryRequest) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO registry_requests (payment_source_id, smart_contract_wallet_id, agent_identifier, state)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`, req.PaymentSourceID, req.SmartContractWalletID, req.AgentIdentifier, req.State,
	).Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt)
}

func (r *RegistryRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.RegistryRequest, error) {
	var req models.RegistryRequest
	var errorEntries []byte
	err := r.pool.QueryRow(ctx, `
		SELECT id, payment_source_id, smart_contract_wallet_id, agent_identifier,
		       state, error_entries, submitted_tx_hash, created_at, updated_at
		FROM registry_requests WHERE id = $1
	`, id).Scan(&req.ID, &req.PaymentSourceID, &req.SmartContractWalletID, &req.AgentIdentifier,
		&req.State, &errorEntries, &req.SubmittedTxHash, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(errorEntries, &req.ErrorEntries)
	return &req, nil
}

// ListByState returns a source's registry requests in any of the given
// states, oldest first. Empty states matches all states.
func (r *RegistryRepo) ListByState(ctx context.Context, sourceID uuid.UUID, states []string, limit int) ([]models.RegistryRequest, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, payment_source_id, smart_contract_wallet_id, agent_identifier,
		       state, error_entries, submitted_tx_hash, created_at, updated_at
		FROM registry_requests
		WHERE payment_source_id = $1
		  AND (COALESCE(cardinality($2::text[]), 0) = 0 OR state = ANY($2))
		ORDER BY created_at LIMIT $3
	`, sourceID, states, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RegistryRequest
	for rows.Next() {
		var req models.RegistryRequest
		var errorEntries []byte
		if err := rows.Scan(&req.ID, &req.PaymentSourceID, &req.SmartContractWalletID, &req.AgentIdentifier,
			&req.State, &errorEntries, &req.SubmittedTxHash, &req.CreatedAt, &req.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(errorEntries, &req.ErrorEntries)
		out = append(out, req)
	}
	return out, rows.Err()
}

func (r *RegistryRepo) UpdateState(ctx context.Context, id uuid.UUID, state string, errorEntries models.ErrorNote, submittedTxHash *string) error {
	entries, err := json.Marshal(errorEntries)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE registry_requests
		SET state = $1, error_entries = $2, submitted_tx_hash = $3, updated_at = now()
		WHERE id = $4
	`, state, entries, submittedTxHash, id)
	return err
}
