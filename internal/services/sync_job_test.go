package services

import (
	"testing"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
)

func strPtr(s string) *string { return &s }

func TestDecideObserved(t *testing.T) {
	tests := []struct {
		name       string
		current    *string
		action     models.NextAction
		utxoTxHash string
		observed   string
		want       observeOutcome
		wantAction string
		wantUnlock bool
	}{
		{
			// A worker that crashed between submitting the lock and
			// recording the hash leaves the directive in FundsLocking*;
			// the observed lock must finish it.
			name:       "stalled lock request resolved by observed lock",
			current:    nil,
			action:     models.NextAction{RequestedAction: models.ActionFundsLockingRequested},
			utxoTxHash: "aa11",
			observed:   models.OnChainStateFundsLocked,
			want:       observeExternal,
			wantAction: models.ActionWaitingForExternalAction,
			wantUnlock: true,
		},
		{
			name:    "stalled lock initiation with unknown hash",
			current: nil,
			action: models.NextAction{
				RequestedAction: models.ActionFundsLockingInitiated,
				SubmittedTxHash: strPtr("bb22"),
			},
			utxoTxHash: "aa11",
			observed:   models.OnChainStateFundsLocked,
			want:       observeExternal,
			wantAction: models.ActionWaitingForExternalAction,
			wantUnlock: true,
		},
		{
			name:    "own submission landed",
			current: strPtr(models.OnChainStateFundsLocked),
			action: models.NextAction{
				RequestedAction: models.ActionSubmitResultInitiated,
				SubmittedTxHash: strPtr("aa11"),
			},
			utxoTxHash: "aa11",
			observed:   models.OnChainStateResultSubmitted,
			want:       observeConfirmed,
			wantAction: models.ActionWaitingForExternalAction,
			wantUnlock: true,
		},
		{
			name:       "backwards observation ignored",
			current:    strPtr(models.OnChainStateResultSubmitted),
			action:     models.NextAction{RequestedAction: models.ActionWaitingForExternalAction},
			utxoTxHash: "aa11",
			observed:   models.OnChainStateFundsLocked,
			want:       observeStale,
		},
		{
			name:       "unchanged state is a noop",
			current:    strPtr(models.OnChainStateFundsLocked),
			action:     models.NextAction{RequestedAction: models.ActionWaitingForExternalAction},
			utxoTxHash: "aa11",
			observed:   models.OnChainStateFundsLocked,
			want:       observeNoop,
		},
		{
			name:       "counterparty dispute keeps the directive",
			current:    strPtr(models.OnChainStateRefundRequested),
			action:     models.NextAction{RequestedAction: models.ActionWaitingForExternalAction},
			utxoTxHash: "cc33",
			observed:   models.OnChainStateDisputed,
			want:       observeExternal,
			wantAction: models.ActionWaitingForExternalAction,
			wantUnlock: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, upd := decideObserved(tt.current, tt.action, tt.utxoTxHash, tt.observed)
			if outcome != tt.want {
				t.Fatalf("outcome = %d, want %d", outcome, tt.want)
			}
			if outcome == observeNoop || outcome == observeStale {
				return
			}
			if upd.NextAction.RequestedAction != tt.wantAction {
				t.Errorf("RequestedAction = %q, want %q", upd.NextAction.RequestedAction, tt.wantAction)
			}
			if upd.UnlockWallet != tt.wantUnlock {
				t.Errorf("UnlockWallet = %v, want %v", upd.UnlockWallet, tt.wantUnlock)
			}
			if !upd.SetOnChainState || upd.OnChainState == nil || *upd.OnChainState != tt.observed {
				t.Errorf("OnChainState not set to %q", tt.observed)
			}
			if outcome == observeExternal {
				tx := upd.NewTransaction
				if tx == nil || tx.TxHash != tt.utxoTxHash || tx.Status != models.TxStatusConfirmed {
					t.Errorf("external transition must record the observed tx as confirmed, got %+v", tx)
				}
			}
		})
	}
}

func TestDecideVanished(t *testing.T) {
	t.Run("never seen on-chain", func(t *testing.T) {
		act, _, _ := decideVanished(nil, models.NextAction{}, nil)
		if act {
			t.Fatal("a request never observed on-chain has nothing to resolve")
		}
	})

	tests := []struct {
		name    string
		current string
		want    string
	}{
		{"result submitted implies withdrawal", models.OnChainStateResultSubmitted, models.OnChainStateWithdrawn},
		{"disputed implies disputed withdrawal", models.OnChainStateDisputed, models.OnChainStateDisputedWithdrawn},
		{"refund requested implies refund withdrawal", models.OnChainStateRefundRequested, models.OnChainStateRefundWithdrawn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action := models.NextAction{RequestedAction: models.ActionWaitingForExternalAction}
			act, confirmOwn, upd := decideVanished(strPtr(tt.current), action, nil)
			if !act || confirmOwn {
				t.Fatalf("act = %v, confirmOwn = %v, want true, false", act, confirmOwn)
			}
			if upd.OnChainState == nil || *upd.OnChainState != tt.want {
				t.Errorf("final state = %v, want %q", upd.OnChainState, tt.want)
			}
			if upd.NextAction.RequestedAction != models.ActionWaitingForExternalAction || !upd.UnlockWallet {
				t.Error("terminal transition must idle the directive and free the wallet")
			}
		})
	}

	t.Run("own pending spend declares the outcome", func(t *testing.T) {
		action := models.NextAction{
			RequestedAction: models.ActionWithdrawInitiated,
			SubmittedTxHash: strPtr("dd44"),
		}
		pending := &models.ChainTransaction{
			TxHash:   "dd44",
			Status:   models.TxStatusPending,
			NewState: strPtr(models.OnChainStateWithdrawn),
		}
		act, confirmOwn, upd := decideVanished(strPtr(models.OnChainStateFundsLocked), action, pending)
		if !act || !confirmOwn {
			t.Fatalf("act = %v, confirmOwn = %v, want true, true", act, confirmOwn)
		}
		if *upd.OnChainState != models.OnChainStateWithdrawn {
			t.Errorf("final state = %q, want the state the pending tx declared", *upd.OnChainState)
		}
	})

	t.Run("foreign pending spend falls back to inference", func(t *testing.T) {
		action := models.NextAction{
			RequestedAction: models.ActionWithdrawInitiated,
			SubmittedTxHash: strPtr("dd44"),
		}
		pending := &models.ChainTransaction{
			TxHash:   "ee55",
			Status:   models.TxStatusPending,
			NewState: strPtr(models.OnChainStateWithdrawn),
		}
		act, confirmOwn, upd := decideVanished(strPtr(models.OnChainStateDisputed), action, pending)
		if !act || confirmOwn {
			t.Fatalf("act = %v, confirmOwn = %v, want true, false", act, confirmOwn)
		}
		if *upd.OnChainState != models.OnChainStateDisputedWithdrawn {
			t.Errorf("final state = %q, want %q", *upd.OnChainState, models.OnChainStateDisputedWithdrawn)
		}
	})
}

func TestInvalidateUpdate(t *testing.T) {
	action := models.NextAction{
		RequestedAction: models.ActionSubmitResultRequested,
		ErrorEntries:    models.ErrorNote{{Time: 1, Action: models.ActionSubmitResultInitiated, Note: "tx rejected"}},
	}

	upd := invalidateUpdate(action, "on-chain datum does not match the agreed terms")

	if upd.NextAction.RequestedAction != models.ActionWaitingForManualAction {
		t.Errorf("RequestedAction = %q, want %q", upd.NextAction.RequestedAction, models.ActionWaitingForManualAction)
	}
	if upd.NextAction.ErrorType == nil || *upd.NextAction.ErrorType != models.ErrorTypeStateMismatch {
		t.Error("invalidation must carry the state-mismatch error type")
	}
	if n := len(upd.NextAction.ErrorEntries); n != 2 {
		t.Fatalf("error entries = %d, want the history plus the new note", n)
	}
	if last := upd.NextAction.ErrorEntries[1]; last.Action != action.RequestedAction {
		t.Errorf("new note attributed to %q, want %q", last.Action, action.RequestedAction)
	}
	if upd.OnChainState == nil || *upd.OnChainState != models.OnChainStateFundsOrDatumInvalid || !upd.UnlockWallet {
		t.Error("invalidation must land in FundsOrDatumInvalid and free the wallet")
	}
}
