package cardano

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
)

type fakeProvider struct {
	utxos     []UTxO
	submitted [][]byte
	err       error
}

func (f *fakeProvider) TransactionUTxOs(ctx context.Context, txHash string) ([]UTxO, error) {
	return f.utxos, f.err
}

func (f *fakeProvider) AddressUTxOs(ctx context.Context, address string) ([]UTxO, error) {
	return f.utxos, f.err
}

func (f *fakeProvider) SubmitTransaction(ctx context.Context, signedTx []byte) (string, error) {
	f.submitted = append(f.submitted, signedTx)
	return "deadbeef", f.err
}

func matchCriteriaFor(d *ContractDatum, onChainState string) MatchCriteria {
	return MatchCriteria{
		OnChainState:              onChainState,
		BuyerVkey:                 d.BuyerVkey,
		BuyerAddress:              d.BuyerAddress,
		SellerVkey:                d.SellerVkey,
		SellerAddress:             d.SellerAddress,
		BlockchainIdentifier:      d.BlockchainIdentifier,
		InputHash:                 d.InputHash,
		PayByTime:                 d.PayByTime.Int64(),
		SubmitResultTime:          d.SubmitResultTime.Int64(),
		UnlockTime:                d.UnlockTime.Int64(),
		ExternalDisputeUnlockTime: d.ExternalDisputeUnlockTime.Int64(),
		CollateralReturnLovelace:  d.CollateralReturnLovelace.Int64(),
	}
}

func utxoWithDatum(t *testing.T, index int, d *ContractDatum) UTxO {
	t.Helper()
	raw, err := EncodeDatum(d)
	if err != nil {
		t.Fatal(err)
	}
	return UTxO{
		TxHash:      "1111111111111111111111111111111111111111111111111111111111111111",
		OutputIndex: index,
		Address:     "addr_test1contract",
		Amount:      []models.Amount{{Unit: "lovelace", Quantity: "5000000"}},
		InlineDatum: hex.EncodeToString(raw),
	}
}

func TestFindMatchingUTxONoMatch(t *testing.T) {
	want := sampleDatum(StateFundsLocked)

	// Three outputs, each disagreeing on one invariant field.
	d1 := sampleDatum(StateFundsLocked)
	d1.BlockchainIdentifier = "some-other-purchase"
	d2 := sampleDatum(StateFundsLocked)
	d2.UnlockTime = big.NewInt(1)
	d3 := sampleDatum(StateResultSubmitted)

	p := &fakeProvider{utxos: []UTxO{
		utxoWithDatum(t, 0, d1),
		utxoWithDatum(t, 1, d2),
		utxoWithDatum(t, 2, d3),
	}}

	_, _, err := FindMatchingUTxO(context.Background(), p, "tx", matchCriteriaFor(want, models.OnChainStateFundsLocked))
	if !errors.Is(err, ErrUTXONotFound) {
		t.Fatalf("err = %v, want ErrUTXONotFound", err)
	}
}

func TestFindMatchingUTxOSingleMatch(t *testing.T) {
	want := sampleDatum(StateRefundRequested)
	decoy := sampleDatum(StateRefundRequested)
	decoy.InputHash = "ffff"

	p := &fakeProvider{utxos: []UTxO{
		utxoWithDatum(t, 0, decoy),
		utxoWithDatum(t, 1, want),
	}}

	utxo, datum, err := FindMatchingUTxO(context.Background(), p, "tx", matchCriteriaFor(want, models.OnChainStateRefundRequested))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if utxo.OutputIndex != 1 {
		t.Errorf("matched output index = %d, want 1", utxo.OutputIndex)
	}
	if datum.InputHash != want.InputHash {
		t.Errorf("datum input hash = %q, want %q", datum.InputHash, want.InputHash)
	}
}

func TestFindMatchingUTxODuplicateMatchReturnsFirst(t *testing.T) {
	want := sampleDatum(StateFundsLocked)

	// Two full matches should never exist on a well-formed chain, but the
	// tie-break is deterministic: provider order wins.
	p := &fakeProvider{utxos: []UTxO{
		utxoWithDatum(t, 3, want),
		utxoWithDatum(t, 7, want),
	}}

	utxo, _, err := FindMatchingUTxO(context.Background(), p, "tx", matchCriteriaFor(want, models.OnChainStateFundsLocked))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if utxo.OutputIndex != 3 {
		t.Errorf("matched output index = %d, want first (3)", utxo.OutputIndex)
	}
}

func TestFindMatchingUTxOSkipsUndatumedOutputs(t *testing.T) {
	want := sampleDatum(StateFundsLocked)

	plain := UTxO{OutputIndex: 0, Amount: []models.Amount{{Unit: "lovelace", Quantity: "2000000"}}}
	broken := UTxO{OutputIndex: 1, InlineDatum: "zznothex"}

	p := &fakeProvider{utxos: []UTxO{plain, broken, utxoWithDatum(t, 2, want)}}

	utxo, _, err := FindMatchingUTxO(context.Background(), p, "tx", matchCriteriaFor(want, models.OnChainStateFundsLocked))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if utxo.OutputIndex != 2 {
		t.Errorf("matched output index = %d, want 2", utxo.OutputIndex)
	}
}
