package cardano

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
)

func cborTag(number uint64, content interface{}) cbor.Tag {
	return cbor.Tag{Number: number, Content: content}
}

func sampleDatum(state ContractState) *ContractDatum {
	return &ContractDatum{
		BuyerVkey:     "0a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20212223242526",
		BuyerAddress:  "addr_test1vq0000000000000000000000000000000000000000000000000000",
		SellerVkey:    "2627282930313233343536373839404142434445464748495051525354",
		SellerAddress: "addr_test1vq1111111111111111111111111111111111111111111111111111",

		BlockchainIdentifier: "purchase-abc-123",
		InputHash:            "aa11bb22cc33",
		ResultHash:           "",

		PayByTime:                 big.NewInt(1756400000000),
		SubmitResultTime:          big.NewInt(1756500000000),
		UnlockTime:                big.NewInt(1756600000000),
		ExternalDisputeUnlockTime: big.NewInt(1756700000000),
		SellerCoolDownTime:        big.NewInt(0),
		BuyerCoolDownTime:         big.NewInt(0),
		CollateralReturnLovelace:  big.NewInt(2_000_000),

		State: state,
	}
}

func TestDatumRoundTrip(t *testing.T) {
	states := []ContractState{StateFundsLocked, StateResultSubmitted, StateRefundRequested, StateDisputed}

	for _, state := range states {
		original := sampleDatum(state)
		raw, err := EncodeDatum(original)
		if err != nil {
			t.Fatalf("EncodeDatum failed for state %d: %v", state, err)
		}

		decoded := DecodeDatum(raw)
		if decoded == nil {
			t.Fatalf("DecodeDatum returned nil for state %d", state)
		}

		if decoded.BuyerVkey != original.BuyerVkey ||
			decoded.BuyerAddress != original.BuyerAddress ||
			decoded.SellerVkey != original.SellerVkey ||
			decoded.SellerAddress != original.SellerAddress ||
			decoded.BlockchainIdentifier != original.BlockchainIdentifier ||
			decoded.InputHash != original.InputHash ||
			decoded.ResultHash != original.ResultHash {
			t.Errorf("state %d: string fields did not survive round trip: %+v", state, decoded)
		}

		intPairs := [][2]*big.Int{
			{decoded.PayByTime, original.PayByTime},
			{decoded.SubmitResultTime, original.SubmitResultTime},
			{decoded.UnlockTime, original.UnlockTime},
			{decoded.ExternalDisputeUnlockTime, original.ExternalDisputeUnlockTime},
			{decoded.SellerCoolDownTime, original.SellerCoolDownTime},
			{decoded.BuyerCoolDownTime, original.BuyerCoolDownTime},
			{decoded.CollateralReturnLovelace, original.CollateralReturnLovelace},
		}
		for i, pair := range intPairs {
			if pair[0].Cmp(pair[1]) != 0 {
				t.Errorf("state %d: int field %d = %s, want %s", state, i, pair[0], pair[1])
			}
		}
		if decoded.State != state {
			t.Errorf("state = %d, want %d", decoded.State, state)
		}

		// Re-encoding the decoded value must reproduce the same bytes.
		raw2, err := EncodeDatum(decoded)
		if err != nil {
			t.Fatalf("re-encode failed: %v", err)
		}
		if !bytes.Equal(raw, raw2) {
			t.Errorf("state %d: re-encoded datum differs from original encoding", state)
		}
	}
}

func TestDecodeDatumInvalid(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"garbage", []byte{0xff, 0x00, 0x13, 0x37}},
		{"plain array, no constructor tag", mustEncode(t, []interface{}{1, 2, 3})},
		{"wrong constructor", mustEncodeTag(t, 122, []interface{}{})},
		{"too few fields", mustEncodeTag(t, 121, []interface{}{[]byte{1}, []byte{2}})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if d := DecodeDatum(tt.raw); d != nil {
				t.Errorf("DecodeDatum(%s) = %+v, want nil", tt.name, d)
			}
		})
	}
}

func TestContractStateMatchesOnChainState(t *testing.T) {
	contractStates := []ContractState{StateFundsLocked, StateResultSubmitted, StateRefundRequested, StateDisputed}
	onChainStates := []string{
		models.OnChainStateFundsLocked,
		models.OnChainStateFundsOrDatumInvalid,
		models.OnChainStateResultSubmitted,
		models.OnChainStateRefundRequested,
		models.OnChainStateDisputed,
		models.OnChainStateWithdrawn,
		models.OnChainStateRefundWithdrawn,
		models.OnChainStateDisputedWithdrawn,
	}

	expected := map[ContractState]string{
		StateFundsLocked:     models.OnChainStateFundsLocked,
		StateResultSubmitted: models.OnChainStateResultSubmitted,
		StateRefundRequested: models.OnChainStateRefundRequested,
		StateDisputed:        models.OnChainStateDisputed,
	}

	// The mapping must be total over the cross product: exactly one on-chain
	// state matches each contract state, every other pair is false.
	for _, cs := range contractStates {
		matches := 0
		for _, ocs := range onChainStates {
			got := ContractStateMatchesOnChainState(cs, ocs)
			want := expected[cs] == ocs
			if got != want {
				t.Errorf("ContractStateMatchesOnChainState(%d, %q) = %v, want %v", cs, ocs, got, want)
			}
			if got {
				matches++
			}
		}
		if matches != 1 {
			t.Errorf("contract state %d matched %d on-chain states, want exactly 1", cs, matches)
		}
	}
}

func mustEncode(t *testing.T, v interface{}) []byte {
	t.Helper()
	raw, err := datumEncMode.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func mustEncodeTag(t *testing.T, number uint64, content interface{}) []byte {
	t.Helper()
	raw, err := datumEncMode.Marshal(cborTag(number, content))
	if err != nil {
		t.Fatal(err)
	}
	return raw
}
