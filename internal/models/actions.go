package models

import (
	"fmt"
	"strings"
	"time"
)

// On-chain contract states as observed by the reconciliation engine.
// A null (nil pointer) state means the request has not been seen on-chain yet.
const (
	OnChainStateFundsLocked         = "FundsLocked"
	OnChainStateFundsOrDatumInvalid = "FundsOrDatumInvalid"
	OnChainStateResultSubmitted     = "ResultSubmitted"
	OnChainStateRefundRequested     = "RefundRequested"
	OnChainStateDisputed            = "Disputed"
	OnChainStateWithdrawn           = "Withdrawn"
	OnChainStateRefundWithdrawn     = "RefundWithdrawn"
	OnChainStateDisputedWithdrawn   = "DisputedWithdrawn"
)

// Terminal states: once reached, the request's reconciliation-relevant
// fields are frozen and no job may act on it again.
var terminalOnChainStates = map[string]bool{
	OnChainStateWithdrawn:           true,
	OnChainStateRefundWithdrawn:     true,
	OnChainStateDisputedWithdrawn:   true,
	OnChainStateFundsOrDatumInvalid: true,
}

func IsTerminalOnChainState(state string) bool {
	return terminalOnChainStates[state]
}

// onChainStateRank orders states so the engine only ever advances forward.
// FundsOrDatumInvalid is a sideways exit reachable from anywhere non-terminal.
var onChainStateRank = map[string]int{
	OnChainStateFundsLocked:       1,
	OnChainStateResultSubmitted:   2,
	OnChainStateRefundRequested:   2,
	OnChainStateDisputed:          3,
	OnChainStateWithdrawn:         4,
	OnChainStateRefundWithdrawn:   4,
	OnChainStateDisputedWithdrawn: 4,
	// FundsOrDatumInvalid intentionally absent: CanAdvanceOnChainState
	// special-cases it.
}

// CanAdvanceOnChainState reports whether moving from the currently recorded
// state to the newly observed one is a legal forward transition.
func CanAdvanceOnChainState(current *string, observed string) bool {
	if observed == OnChainStateFundsOrDatumInvalid {
		return current == nil || !IsTerminalOnChainState(*current)
	}
	observedRank, ok := onChainStateRank[observed]
	if !ok {
		return false
	}
	if current == nil {
		return true
	}
	if IsTerminalOnChainState(*current) {
		return false
	}
	return observedRank >= onChainStateRank[*current]
}

// Requested actions (the service's off-chain intent register).
// Payment side is the seller's view, purchase side the buyer's; the
// Requested/Initiated pairs bracket a transaction submission.
const (
	ActionWaitingForExternalAction = "WaitingForExternalAction"
	ActionWaitingForManualAction   = "WaitingForManualAction"

	ActionFundsLockingRequested = "FundsLockingRequested"
	ActionFundsLockingInitiated = "FundsLockingInitiated"

	ActionSubmitResultRequested = "SubmitResultRequested"
	ActionSubmitResultInitiated = "SubmitResultInitiated"

	ActionWithdrawRequested = "WithdrawRequested"
	ActionWithdrawInitiated = "WithdrawInitiated"

	ActionAuthorizeRefundRequested = "AuthorizeRefundRequested"
	ActionAuthorizeRefundInitiated = "AuthorizeRefundInitiated"

	ActionSetRefundRequestedRequested   = "SetRefundRequestedRequested"
	ActionSetRefundRequestedInitiated   = "SetRefundRequestedInitiated"
	ActionUnSetRefundRequestedRequested = "UnSetRefundRequestedRequested"
	ActionUnSetRefundRequestedInitiated = "UnSetRefundRequestedInitiated"

	ActionWithdrawRefundRequested = "WithdrawRefundRequested"
	ActionWithdrawRefundInitiated = "WithdrawRefundInitiated"
)

// Valid requested-action transitions, payment (seller) side: from -> []to.
// WaitingForManualAction is reachable from every state (operator escape
// hatch) and is therefore appended programmatically in IsValidActionTransition.
var ValidPaymentActionTransitions = map[string][]string{
	ActionWaitingForExternalAction: {ActionSubmitResultRequested, ActionWithdrawRequested, ActionAuthorizeRefundRequested},
	ActionWaitingForManualAction:   {ActionWaitingForExternalAction, ActionSubmitResultRequested, ActionWithdrawRequested, ActionAuthorizeRefundRequested},
	ActionFundsLockingRequested:    {ActionFundsLockingInitiated, ActionWaitingForExternalAction},
	ActionFundsLockingInitiated:    {ActionWaitingForExternalAction},
	ActionSubmitResultRequested:    {ActionSubmitResultInitiated},
	ActionSubmitResultInitiated:    {ActionWaitingForExternalAction},
	ActionWithdrawRequested:        {ActionWithdrawInitiated},
	ActionWithdrawInitiated:        {ActionWaitingForExternalAction},
	ActionAuthorizeRefundRequested: {ActionAuthorizeRefundInitiated},
	ActionAuthorizeRefundInitiated: {ActionWaitingForExternalAction},
}

// Purchase (buyer) side mirror with refund-request and cancel variants.
var ValidPurchaseActionTransitions = map[string][]string{
	ActionWaitingForExternalAction:      {ActionSetRefundRequestedRequested, ActionWithdrawRefundRequested},
	ActionWaitingForManualAction:        {ActionWaitingForExternalAction, ActionSetRefundRequestedRequested, ActionWithdrawRefundRequested},
	ActionFundsLockingRequested:         {ActionFundsLockingInitiated},
	ActionFundsLockingInitiated:         {ActionWaitingForExternalAction},
	ActionSetRefundRequestedRequested:   {ActionSetRefundRequestedInitiated},
	ActionSetRefundRequestedInitiated:   {ActionWaitingForExternalAction},
	ActionUnSetRefundRequestedRequested: {ActionUnSetRefundRequestedInitiated},
	ActionUnSetRefundRequestedInitiated: {ActionWaitingForExternalAction},
	ActionWithdrawRefundRequested:       {ActionWithdrawRefundInitiated},
	ActionWithdrawRefundInitiated:       {ActionWaitingForExternalAction},
}

func IsValidActionTransition(table map[string][]string, from, to string) bool {
	if to == ActionWaitingForManualAction {
		_, known := table[from]
		return known
	}
	allowed, ok := table[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// RequestAction validates an externally supplied directive against the
// transition table and builds the next-action row it implies. The error
// history survives the new directive; stale submission state does not.
func RequestAction(table map[string][]string, current NextAction, action string, resultHash *string) (NextAction, error) {
	if !IsValidActionTransition(table, current.RequestedAction, action) {
		return NextAction{}, fmt.Errorf("cannot request %s from %s", action, current.RequestedAction)
	}
	return NextAction{
		RequestedAction: action,
		ResultHash:      resultHash,
		ErrorEntries:    current.ErrorEntries,
	}, nil
}

// DetermineNewContractState resolves the datum state for a result
// submission. Submitting a result while a refund request or dispute is in
// flight forces Disputed so the contract keeps both parties' claims open;
// this asymmetry is a business rule, not a bug.
func DetermineNewContractState(current *string) string {
	if current != nil && (*current == OnChainStateDisputed || *current == OnChainStateRefundRequested) {
		return OnChainStateDisputed
	}
	return OnChainStateResultSubmitted
}

// Error categories persisted with a failed request.
const (
	ErrorTypeUnknown           = "Unknown"
	ErrorTypeNetwork           = "NetworkError"
	ErrorTypeInsufficientFunds = "InsufficientFunds"
	ErrorTypeStateMismatch     = "StateMismatch"
)

// ErrorNoteEntry is one structured link in a request's failure chain.
// History entries keep the action that was being attempted when the
// failure occurred; the legacy string rendering is reconstructed from them.
type ErrorNoteEntry struct {
	Time   int64  `json:"time"`
	Action string `json:"action"`
	Note   string `json:"note"`
}

type ErrorNote []ErrorNoteEntry

func (n ErrorNote) Append(action, note string) ErrorNote {
	return append(n, ErrorNoteEntry{
		Time:   time.Now().UnixMilli(),
		Action: action,
		Note:   note,
	})
}

// Render produces the operator-facing causal chain. Every entry except the
// newest is suffixed with the action it failed under, so a chain of
// [{A, ActionX}, {B, ActionY}] renders as "A (ActionX) -> B" — the exact
// format existing tooling parses.
func (n ErrorNote) Render() string {
	if len(n) == 0 {
		return ""
	}
	parts := make([]string, 0, len(n))
	for i, e := range n {
		if i == len(n)-1 {
			parts = append(parts, e.Note)
		} else {
			parts = append(parts, fmt.Sprintf("%s (%s)", e.Note, e.Action))
		}
	}
	return strings.Join(parts, " -> ")
}
