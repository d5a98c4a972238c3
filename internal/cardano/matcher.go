package cardano

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
)

// ErrUTXONotFound means no output of the given transaction carried a datum
// matching every invariant field of the request. Callers treat it as
// retryable: chain indexing may simply be lagging behind the submission.
var ErrUTXONotFound = errors.New("UTXO not found")

// MatchCriteria holds the invariant fields of a request that the on-chain
// datum must agree with, field for field.
type MatchCriteria struct {
	OnChainState string

	BuyerVkey     string
	BuyerAddress  string
	SellerVkey    string
	SellerAddress string

	BlockchainIdentifier string
	InputHash            string

	PayByTime                 int64
	SubmitResultTime          int64
	UnlockTime                int64
	ExternalDisputeUnlockTime int64
	CollateralReturnLovelace  int64
}

// FindMatchingUTxO fetches the UTXOs of txHash from the provider and
// returns the single output whose decoded datum matches every invariant
// field of the request. Outputs are scanned in provider order and the first
// full match wins, which makes the (never expected) duplicate case
// deterministic. Numeric fields are compared as big integers.
func FindMatchingUTxO(ctx context.Context, p Provider, txHash string, want MatchCriteria) (*UTxO, *ContractDatum, error) {
	utxos, err := p.TransactionUTxOs(ctx, txHash)
	if err != nil {
		return nil, nil, err
	}

	for i := range utxos {
		utxo := &utxos[i]
		if utxo.InlineDatum == "" {
			continue
		}
		raw, err := hex.DecodeString(utxo.InlineDatum)
		if err != nil {
			continue
		}
		datum := DecodeDatum(raw)
		if datum == nil {
			continue
		}
		if DatumMatches(datum, want) {
			return utxo, datum, nil
		}
	}

	return nil, nil, ErrUTXONotFound
}

// DatumMatches compares a decoded datum against the request's invariant
// fields. Any single disagreement makes the whole UTXO a non-match.
func DatumMatches(d *ContractDatum, want MatchCriteria) bool {
	if !ContractStateMatchesOnChainState(d.State, want.OnChainState) {
		return false
	}
	if d.BuyerVkey != want.BuyerVkey || d.BuyerAddress != want.BuyerAddress {
		return false
	}
	if d.SellerVkey != want.SellerVkey || d.SellerAddress != want.SellerAddress {
		return false
	}
	if d.BlockchainIdentifier != want.BlockchainIdentifier {
		return false
	}
	if d.InputHash != want.InputHash {
		return false
	}

	numeric := []struct {
		got  *big.Int
		want int64
	}{
		{d.PayByTime, want.PayByTime},
		{d.SubmitResultTime, want.SubmitResultTime},
		{d.UnlockTime, want.UnlockTime},
		{d.ExternalDisputeUnlockTime, want.ExternalDisputeUnlockTime},
		{d.CollateralReturnLovelace, want.CollateralReturnLovelace},
	}
	for _, n := range numeric {
		if n.got == nil || n.got.Cmp(big.NewInt(n.want)) != 0 {
			return false
		}
	}
	return true
}
