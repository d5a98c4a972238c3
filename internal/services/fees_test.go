package services

import (
	"testing"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
)

func TestCalculateTransactionFees(t *testing.T) {
	tests := []struct {
		name       string
		funds      []models.Amount
		rate       int
		wantSeller string
		wantFee    string
	}{
		{
			name:       "five percent",
			funds:      []models.Amount{{Unit: "lovelace", Quantity: "10000000"}},
			rate:       50,
			wantSeller: "9500000",
			wantFee:    "500000",
		},
		{
			name:       "rounds fee up",
			funds:      []models.Amount{{Unit: "lovelace", Quantity: "999"}},
			rate:       50,
			wantSeller: "949",
			wantFee:    "50",
		},
		{
			name:       "zero rate",
			funds:      []models.Amount{{Unit: "lovelace", Quantity: "10000000"}},
			rate:       0,
			wantSeller: "10000000",
			wantFee:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seller, fee, err := CalculateTransactionFees(tt.funds, tt.rate)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if seller[0].Quantity != tt.wantSeller {
				t.Errorf("seller lovelace = %s, want %s", seller[0].Quantity, tt.wantSeller)
			}
			if tt.wantFee == "" {
				if len(fee) != 0 {
					t.Errorf("expected no fee position, got %v", fee)
				}
			} else if len(fee) != 1 || fee[0].Quantity != tt.wantFee {
				t.Errorf("fee = %v, want %s", fee, tt.wantFee)
			}
		})
	}
}

func TestCalculateTransactionFeesPassesTokensThrough(t *testing.T) {
	funds := []models.Amount{
		{Unit: "lovelace", Quantity: "1000000"},
		{Unit: "abc123def", Quantity: "7"},
	}
	seller, fee, err := CalculateTransactionFees(funds, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var tokens int
	for _, a := range seller {
		if a.Unit != "lovelace" {
			tokens++
			if a.Quantity != "7" {
				t.Errorf("token quantity changed: %s", a.Quantity)
			}
		}
	}
	if tokens != 1 {
		t.Fatalf("expected 1 token position for the seller, got %d", tokens)
	}
	for _, a := range fee {
		if a.Unit != "lovelace" {
			t.Errorf("fee must never take tokens, got %v", a)
		}
	}
}

func TestCalculateTransactionFeesRejectsBadInput(t *testing.T) {
	if _, _, err := CalculateTransactionFees([]models.Amount{{Unit: "lovelace", Quantity: "ten"}}, 50); err == nil {
		t.Error("expected error on non-numeric quantity")
	}
	if _, _, err := CalculateTransactionFees(nil, 1001); err == nil {
		t.Error("expected error on out-of-range rate")
	}
	if _, _, err := CalculateTransactionFees(nil, -1); err == nil {
		t.Error("expected error on negative rate")
	}
}

func TestIsSellerTransaction(t *testing.T) {
	tests := []struct {
		action     string
		wantSeller bool
		wantErr    bool
	}{
		{models.ActionSubmitResultRequested, true, false},
		{models.ActionWithdrawRequested, true, false},
		{models.ActionAuthorizeRefundInitiated, true, false},
		{models.ActionFundsLockingRequested, false, false},
		{models.ActionSetRefundRequestedInitiated, false, false},
		{models.ActionWithdrawRefundRequested, false, false},
		{models.ActionWaitingForExternalAction, false, true},
		{"SomethingElse", false, true},
	}

	for _, tt := range tests {
		seller, err := IsSellerTransaction(tt.action)
		if tt.wantErr {
			if err == nil {
				t.Errorf("IsSellerTransaction(%q): expected error", tt.action)
			}
			continue
		}
		if err != nil {
			t.Errorf("IsSellerTransaction(%q): unexpected error %v", tt.action, err)
			continue
		}
		if seller != tt.wantSeller {
			t.Errorf("IsSellerTransaction(%q) = %v, want %v", tt.action, seller, tt.wantSeller)
		}
	}
}

func TestDeductLovelace(t *testing.T) {
	funds := []models.Amount{
		{Unit: "lovelace", Quantity: "5000000"},
		{Unit: "abc", Quantity: "3"},
	}
	out := deductLovelace(funds, 2000000)
	if out[0].Quantity != "3000000" {
		t.Errorf("lovelace = %s, want 3000000", out[0].Quantity)
	}
	if out[1].Quantity != "3" {
		t.Errorf("token position changed: %s", out[1].Quantity)
	}

	out = deductLovelace(funds, 9000000)
	if out[0].Quantity != "0" {
		t.Errorf("lovelace floor = %s, want 0", out[0].Quantity)
	}
}
