package cardano

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
)

func TestValidityWindow(t *testing.T) {
	params := ParamsForNetwork(models.NetworkPreprod)
	now := time.Unix(1756400000, 0)

	tests := []struct {
		name         string
		resultTimeMS int64
	}{
		{"result deadline far in the future", now.Add(24 * time.Hour).UnixMilli()},
		{"result deadline near", now.Add(60 * time.Second).UnixMilli()},
		{"result deadline just passed", now.Add(-10 * time.Second).UnixMilli()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			invalidBefore, invalidAfter := params.ValidityWindow(now, tt.resultTimeMS)
			nowSlot := params.SlotAtTime(now)

			if invalidBefore >= nowSlot {
				t.Errorf("invalidBefore %d not below current slot %d", invalidBefore, nowSlot)
			}
			if invalidAfter <= nowSlot && tt.resultTimeMS > now.UnixMilli() {
				t.Errorf("invalidAfter %d not above current slot %d", invalidAfter, nowSlot)
			}

			resultBound := params.SlotAtTime(time.UnixMilli(tt.resultTimeMS).Add(validityBufferSec*time.Second)) + 3
			if invalidAfter > resultBound {
				t.Errorf("invalidAfter %d exceeds result deadline bound %d", invalidAfter, resultBound)
			}
		})
	}
}

func TestMinUTxOLovelaceDeterministic(t *testing.T) {
	params := ParamsForNetwork(models.NetworkMainnet)

	first := params.MinUTxOLovelace(312, 2)
	for i := 0; i < 10; i++ {
		if got := params.MinUTxOLovelace(312, 2); got != first {
			t.Fatalf("MinUTxOLovelace not deterministic: %d vs %d", got, first)
		}
	}

	if params.MinUTxOLovelace(312, 3) <= first {
		t.Error("additional native token should increase the minimum")
	}
	if params.MinUTxOLovelace(400, 2) <= first {
		t.Error("larger datum should increase the minimum")
	}
}

func adaUTxO(index int, lovelace int64) UTxO {
	return UTxO{
		TxHash:      "2222222222222222222222222222222222222222222222222222222222222222",
		OutputIndex: index,
		Amount:      []models.Amount{{Unit: "lovelace", Quantity: strconv.FormatInt(lovelace, 10)}},
	}
}

func TestSelectInputs(t *testing.T) {
	t.Run("empty wallet", func(t *testing.T) {
		_, _, err := SelectInputs(nil, 1_000_000)
		if !errors.Is(err, ErrNoUTxOs) {
			t.Errorf("err = %v, want ErrNoUTxOs", err)
		}
	})

	t.Run("smallest first", func(t *testing.T) {
		utxos := []UTxO{adaUTxO(0, 4_000_000), adaUTxO(1, 1_000_000), adaUTxO(2, 2_000_000)}
		selected, total, err := SelectInputs(utxos, 2_500_000)
		if err != nil {
			t.Fatal(err)
		}
		if len(selected) != 2 || total != 3_000_000 {
			t.Errorf("selected %d inputs totalling %d, want 2 totalling 3000000", len(selected), total)
		}
		if selected[0].OutputIndex != 1 {
			t.Errorf("first selected index = %d, want smallest UTXO (1)", selected[0].OutputIndex)
		}
	})

	t.Run("input cap enforced", func(t *testing.T) {
		utxos := []UTxO{adaUTxO(0, 7_000_000), adaUTxO(1, 7_500_000)}
		// Both UTXOs fit individually, but together they would exceed the
		// 8 ADA cap, so a 10 ADA requirement is unsatisfiable.
		_, _, err := SelectInputs(utxos, 10_000_000)
		if !errors.Is(err, ErrInsufficientFunds) {
			t.Errorf("err = %v, want ErrInsufficientFunds", err)
		}
	})

	t.Run("token UTXOs excluded", func(t *testing.T) {
		withToken := adaUTxO(0, 6_000_000)
		withToken.Amount = append(withToken.Amount, models.Amount{Unit: "abc123", Quantity: "1"})
		_, _, err := SelectInputs([]UTxO{withToken}, 1_000_000)
		if !errors.Is(err, ErrInsufficientFunds) {
			t.Errorf("err = %v, want ErrInsufficientFunds", err)
		}
	})
}

func TestSelectCollateral(t *testing.T) {
	t.Run("smallest sufficient wins", func(t *testing.T) {
		utxos := []UTxO{adaUTxO(0, 9_000_000), adaUTxO(1, 3_500_000), adaUTxO(2, 1_000_000)}
		c, err := SelectCollateral(utxos)
		if err != nil {
			t.Fatal(err)
		}
		if c.OutputIndex != 1 {
			t.Errorf("collateral index = %d, want 1", c.OutputIndex)
		}
	})

	t.Run("nothing large enough", func(t *testing.T) {
		_, err := SelectCollateral([]UTxO{adaUTxO(0, 1_000_000)})
		if !errors.Is(err, ErrNoCollateral) {
			t.Errorf("err = %v, want ErrNoCollateral", err)
		}
	})
}

func TestBuildContractSpend(t *testing.T) {
	params := ParamsForNetwork(models.NetworkPreprod)
	builder := NewTxBuilder(params)

	mnemonic := "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	keys, err := DeriveWalletKeys(mnemonic, models.NetworkPreprod)
	if err != nil {
		t.Fatal(err)
	}

	contractAddr, err := EnterpriseAddress(models.NetworkPreprod, make([]byte, 28))
	if err != nil {
		t.Fatal(err)
	}

	contractUTxO := UTxO{
		TxHash:      "3333333333333333333333333333333333333333333333333333333333333333",
		OutputIndex: 0,
		Address:     contractAddr,
		Amount:      []models.Amount{{Unit: "lovelace", Quantity: "10000000"}},
	}

	newDatum := sampleDatum(StateResultSubmitted)
	newDatum.ResultHash = "cafe0123"

	now := time.Unix(1756400000, 0)
	tx, err := builder.BuildContractSpend(SpendParams{
		ContractUTxO:    contractUTxO,
		ContractAddress: contractAddr,
		Redeemer:        RedeemerSubmitResult,
		NewDatum:        newDatum,
		WalletUTxOs:     []UTxO{adaUTxO(0, 4_000_000), adaUTxO(1, 3_500_000)},
		ChangeAddress:   keys.Address,
		Keys:            keys,
		Now:             now,
		ResultTimeMS:    now.Add(time.Hour).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("BuildContractSpend failed: %v", err)
	}

	if len(tx.Hash) != 64 {
		t.Errorf("tx hash length = %d, want 64 hex chars", len(tx.Hash))
	}
	if len(tx.CBOR) == 0 {
		t.Error("signed transaction is empty")
	}
	if tx.Fee <= 0 {
		t.Errorf("fee = %d, want positive", tx.Fee)
	}
	if tx.InvalidBefore >= tx.InvalidAfter {
		t.Errorf("validity window inverted: [%d, %d]", tx.InvalidBefore, tx.InvalidAfter)
	}

	t.Run("empty wallet", func(t *testing.T) {
		_, err := builder.BuildContractSpend(SpendParams{
			ContractUTxO:    contractUTxO,
			ContractAddress: contractAddr,
			Redeemer:        RedeemerWithdraw,
			WalletUTxOs:     nil,
			ChangeAddress:   keys.Address,
			Keys:            keys,
			Now:             now,
			ResultTimeMS:    now.Add(time.Hour).UnixMilli(),
		})
		if !errors.Is(err, ErrNoUTxOs) {
			t.Errorf("err = %v, want ErrNoUTxOs", err)
		}
	})
}
