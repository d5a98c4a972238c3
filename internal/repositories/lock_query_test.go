package repositories

import (
	"strings"
	"testing"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
)

func TestBuildLockQuery(t *testing.T) {
	now := int64(1_700_000_000_000)

	t.Run("defaults", func(t *testing.T) {
		query, args := buildLockQuery("payment_requests", paymentColumns, QuerySpec{})
		if !strings.Contains(query, "FOR UPDATE OF p SKIP LOCKED") {
			t.Error("lock query must skip rows another worker holds")
		}
		if !strings.Contains(query, "s.deleted_at IS NULL") {
			t.Error("soft-deleted sources must never be selected")
		}
		if len(args) != 1 || args[0] != 10 {
			t.Errorf("default limit args = %v, want [10]", args)
		}
	})

	t.Run("actions and states", func(t *testing.T) {
		query, args := buildLockQuery("payment_requests", paymentColumns, QuerySpec{
			Actions:          []string{models.ActionWithdrawRequested},
			States:           []string{models.OnChainStateResultSubmitted},
			IncludeNullState: true,
			Limit:            25,
		})
		if !strings.Contains(query, "p.requested_action = ANY($1)") {
			t.Error("actions predicate missing")
		}
		if !strings.Contains(query, "(p.on_chain_state = ANY($2) OR p.on_chain_state IS NULL)") {
			t.Error("null-inclusive state predicate missing")
		}
		if len(args) != 3 || args[2] != 25 {
			t.Errorf("args = %v, want actions, states and limit", args)
		}
	})

	t.Run("refund due is state dependent", func(t *testing.T) {
		query, args := buildLockQuery("purchase_requests", purchaseColumns, QuerySpec{
			Actions:         []string{models.ActionWithdrawRefundRequested},
			RefundDueBefore: &now,
		})
		// A disputed refund waits for the external dispute deadline, a plain
		// one for the unlock time. Both compare against the same argument.
		if !strings.Contains(query, "p.on_chain_state = 'Disputed' AND p.external_dispute_unlock_time <= $2") {
			t.Errorf("disputed deadline predicate missing in %q", query)
		}
		if !strings.Contains(query, "p.on_chain_state = 'RefundRequested' AND p.unlock_time <= $2") {
			t.Errorf("refund unlock predicate missing in %q", query)
		}
		if len(args) != 3 || args[1] != now {
			t.Errorf("args = %v, want the deadline bound once", args)
		}
	})

	t.Run("time bounds consume sequential placeholders", func(t *testing.T) {
		query, args := buildLockQuery("payment_requests", paymentColumns, QuerySpec{
			UnlockTimeBefore:     &now,
			SellerCooldownBefore: &now,
		})
		if !strings.Contains(query, "p.unlock_time < $1") ||
			!strings.Contains(query, "p.seller_cool_down_time < $2") {
			t.Errorf("time predicates misnumbered in %q", query)
		}
		if len(args) != 3 {
			t.Errorf("args = %v, want both bounds plus limit", args)
		}
	})
}
