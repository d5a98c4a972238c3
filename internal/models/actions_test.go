package models

import "testing"

func strPtr(s string) *string { return &s }

func TestDetermineNewContractState(t *testing.T) {
	tests := []struct {
		name     string
		current  *string
		expected string
	}{
		{"nil state", nil, OnChainStateResultSubmitted},
		{"funds locked", strPtr(OnChainStateFundsLocked), OnChainStateResultSubmitted},
		{"refund requested forces dispute", strPtr(OnChainStateRefundRequested), OnChainStateDisputed},
		{"already disputed stays disputed", strPtr(OnChainStateDisputed), OnChainStateDisputed},
		{"result submitted", strPtr(OnChainStateResultSubmitted), OnChainStateResultSubmitted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetermineNewContractState(tt.current); got != tt.expected {
				t.Errorf("DetermineNewContractState(%v) = %q, want %q", tt.current, got, tt.expected)
			}
		})
	}
}

func TestIsValidActionTransition(t *testing.T) {
	tests := []struct {
		table    map[string][]string
		from     string
		to       string
		expected bool
	}{
		{ValidPaymentActionTransitions, ActionSubmitResultRequested, ActionSubmitResultInitiated, true},
		{ValidPaymentActionTransitions, ActionSubmitResultInitiated, ActionWaitingForExternalAction, true},
		{ValidPaymentActionTransitions, ActionWithdrawRequested, ActionWithdrawInitiated, true},
		{ValidPaymentActionTransitions, ActionWaitingForExternalAction, ActionWithdrawRequested, true},
		{ValidPaymentActionTransitions, ActionSubmitResultRequested, ActionWithdrawInitiated, false},
		{ValidPaymentActionTransitions, ActionWithdrawInitiated, ActionWithdrawRequested, false},

		{ValidPurchaseActionTransitions, ActionFundsLockingRequested, ActionFundsLockingInitiated, true},
		{ValidPurchaseActionTransitions, ActionSetRefundRequestedRequested, ActionSetRefundRequestedInitiated, true},
		{ValidPurchaseActionTransitions, ActionUnSetRefundRequestedRequested, ActionUnSetRefundRequestedInitiated, true},
		{ValidPurchaseActionTransitions, ActionWithdrawRefundRequested, ActionWithdrawRefundInitiated, true},
		{ValidPurchaseActionTransitions, ActionWithdrawRefundInitiated, ActionWithdrawRefundRequested, false},

		// Manual action is reachable from any known state.
		{ValidPaymentActionTransitions, ActionSubmitResultInitiated, ActionWaitingForManualAction, true},
		{ValidPurchaseActionTransitions, ActionFundsLockingRequested, ActionWaitingForManualAction, true},
		{ValidPaymentActionTransitions, "nonexistent", ActionWaitingForManualAction, false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			if got := IsValidActionTransition(tt.table, tt.from, tt.to); got != tt.expected {
				t.Errorf("IsValidActionTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.expected)
			}
		})
	}
}

func TestCanAdvanceOnChainState(t *testing.T) {
	tests := []struct {
		name     string
		current  *string
		observed string
		expected bool
	}{
		{"null to locked", nil, OnChainStateFundsLocked, true},
		{"locked to result submitted", strPtr(OnChainStateFundsLocked), OnChainStateResultSubmitted, true},
		{"locked to refund requested", strPtr(OnChainStateFundsLocked), OnChainStateRefundRequested, true},
		{"refund requested to disputed", strPtr(OnChainStateRefundRequested), OnChainStateDisputed, true},
		{"result submitted to withdrawn", strPtr(OnChainStateResultSubmitted), OnChainStateWithdrawn, true},
		{"backwards result to locked", strPtr(OnChainStateResultSubmitted), OnChainStateFundsLocked, false},
		{"terminal is frozen", strPtr(OnChainStateWithdrawn), OnChainStateFundsLocked, false},
		{"sideways to invalid", strPtr(OnChainStateFundsLocked), OnChainStateFundsOrDatumInvalid, true},
		{"invalid is terminal", strPtr(OnChainStateFundsOrDatumInvalid), OnChainStateFundsLocked, false},
		{"unknown observed state", strPtr(OnChainStateFundsLocked), "Bogus", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanAdvanceOnChainState(tt.current, tt.observed); got != tt.expected {
				t.Errorf("CanAdvanceOnChainState(%v, %q) = %v, want %v", tt.current, tt.observed, got, tt.expected)
			}
		})
	}
}

func TestErrorNoteRender(t *testing.T) {
	var n ErrorNote
	if n.Render() != "" {
		t.Fatalf("empty note should render empty, got %q", n.Render())
	}

	n = ErrorNote{{Time: 1, Action: "ActionX", Note: "A"}}
	if got := n.Render(); got != "A" {
		t.Errorf("single entry = %q, want %q", got, "A")
	}

	// A request already carrying note A under ActionX fails again with B:
	// the chain preserves the old note with its action.
	n = ErrorNote{
		{Time: 1, Action: "ActionX", Note: "A"},
		{Time: 2, Action: "ActionY", Note: "B"},
	}
	if got := n.Render(); got != "A (ActionX) -> B" {
		t.Errorf("two entries = %q, want %q", got, "A (ActionX) -> B")
	}

	n = n.Append("ActionZ", "C")
	if got := n.Render(); got != "A (ActionX) -> B (ActionY) -> C" {
		t.Errorf("three entries = %q, want %q", got, "A (ActionX) -> B (ActionY) -> C")
	}
}

func TestRequestAction(t *testing.T) {
	history := ErrorNote{{Time: 1, Action: ActionSubmitResultInitiated, Note: "tx rejected"}}

	tests := []struct {
		name    string
		table   map[string][]string
		current NextAction
		action  string
		hash    *string
		wantErr bool
	}{
		{
			"submit result from idle",
			ValidPaymentActionTransitions,
			NextAction{RequestedAction: ActionWaitingForExternalAction},
			ActionSubmitResultRequested, strPtr("abcd"), false,
		},
		{
			"withdraw from idle",
			ValidPaymentActionTransitions,
			NextAction{RequestedAction: ActionWaitingForExternalAction},
			ActionWithdrawRequested, nil, false,
		},
		{
			"retry after manual action",
			ValidPaymentActionTransitions,
			NextAction{RequestedAction: ActionWaitingForManualAction, ErrorEntries: history},
			ActionSubmitResultRequested, strPtr("abcd"), false,
		},
		{
			"refund request from idle purchase",
			ValidPurchaseActionTransitions,
			NextAction{RequestedAction: ActionWaitingForExternalAction},
			ActionSetRefundRequestedRequested, nil, false,
		},
		{
			"withdraw while locking in flight",
			ValidPaymentActionTransitions,
			NextAction{RequestedAction: ActionFundsLockingRequested},
			ActionWithdrawRequested, nil, true,
		},
		{
			"initiated states reject new directives",
			ValidPaymentActionTransitions,
			NextAction{RequestedAction: ActionSubmitResultInitiated},
			ActionWithdrawRequested, nil, true,
		},
		{
			"unknown current state",
			ValidPurchaseActionTransitions,
			NextAction{RequestedAction: "bogus"},
			ActionWithdrawRefundRequested, nil, true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := RequestAction(tt.table, tt.current, tt.action, tt.hash)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("RequestAction(%q from %q) should fail", tt.action, tt.current.RequestedAction)
				}
				return
			}
			if err != nil {
				t.Fatalf("RequestAction(%q from %q): %v", tt.action, tt.current.RequestedAction, err)
			}
			if next.RequestedAction != tt.action {
				t.Errorf("RequestedAction = %q, want %q", next.RequestedAction, tt.action)
			}
			if tt.hash != nil && (next.ResultHash == nil || *next.ResultHash != *tt.hash) {
				t.Errorf("ResultHash not carried into the directive")
			}
			if next.SubmittedTxHash != nil || next.ErrorType != nil {
				t.Error("stale submission state must not survive a new directive")
			}
			if len(next.ErrorEntries) != len(tt.current.ErrorEntries) {
				t.Errorf("error history length = %d, want %d", len(next.ErrorEntries), len(tt.current.ErrorEntries))
			}
		})
	}
}
