package services

import (
	"fmt"
	"strconv"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
)

// CalculateTransactionFees splits the escrowed funds between the seller and
// the fee receiver. Only lovelace is fee-bearing; native token positions go
// to the seller untouched. Fee lovelace rounds up so the service never
// undercollects by a fraction.
func CalculateTransactionFees(funds []models.Amount, feeRatePermille int) (seller []models.Amount, fee []models.Amount, err error) {
	if feeRatePermille < 0 || feeRatePermille > 1000 {
		return nil, nil, fmt.Errorf("fee rate %d out of range [0, 1000]", feeRatePermille)
	}

	for _, a := range funds {
		if a.Unit != "lovelace" {
			seller = append(seller, a)
			continue
		}
		total, perr := strconv.ParseInt(a.Quantity, 10, 64)
		if perr != nil {
			return nil, nil, fmt.Errorf("invalid lovelace quantity %q: %w", a.Quantity, perr)
		}
		feeLovelace := (total*int64(feeRatePermille) + 999) / 1000
		seller = append(seller, models.Amount{Unit: "lovelace", Quantity: strconv.FormatInt(total-feeLovelace, 10)})
		if feeLovelace > 0 {
			fee = append(fee, models.Amount{Unit: "lovelace", Quantity: strconv.FormatInt(feeLovelace, 10)})
		}
	}
	return seller, fee, nil
}

// deductLovelace subtracts amount from the lovelace position of an asset
// list, leaving every other position untouched. The lovelace position never
// goes below zero.
func deductLovelace(amounts []models.Amount, amount int64) []models.Amount {
	if amount <= 0 {
		return amounts
	}
	out := make([]models.Amount, 0, len(amounts))
	for _, a := range amounts {
		if a.Unit == "lovelace" {
			v, err := strconv.ParseInt(a.Quantity, 10, 64)
			if err == nil {
				v -= amount
				if v < 0 {
					v = 0
				}
				out = append(out, models.Amount{Unit: "lovelace", Quantity: strconv.FormatInt(v, 10)})
				continue
			}
		}
		out = append(out, a)
	}
	return out
}

// sellerInitiatedActions maps each transaction-submitting action to the
// party whose wallet signs it. An action missing here is a programming
// error, not a default.
var sellerInitiatedActions = map[string]bool{
	models.ActionSubmitResultRequested:         true,
	models.ActionSubmitResultInitiated:         true,
	models.ActionWithdrawRequested:             true,
	models.ActionWithdrawInitiated:             true,
	models.ActionAuthorizeRefundRequested:      true,
	models.ActionAuthorizeRefundInitiated:      true,
	models.ActionFundsLockingRequested:         false,
	models.ActionFundsLockingInitiated:         false,
	models.ActionSetRefundRequestedRequested:   false,
	models.ActionSetRefundRequestedInitiated:   false,
	models.ActionUnSetRefundRequestedRequested: false,
	models.ActionUnSetRefundRequestedInitiated: false,
	models.ActionWithdrawRefundRequested:       false,
	models.ActionWithdrawRefundInitiated:       false,
}

// IsSellerTransaction reports which side signs the transaction for the
// given action. Unmapped actions return an error instead of guessing.
func IsSellerTransaction(action string) (bool, error) {
	seller, ok := sellerInitiatedActions[action]
	if !ok {
		return false, fmt.Errorf("action %q has no signing side", action)
	}
	return seller, nil
}
