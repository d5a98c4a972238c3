package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/events"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
	"github.com/masumi-network/masumi-payment-service-sub003/internal/repositories"
)

// alertCache remembers which requests were already alerted on, so restarts
// aside, an operator sees each stuck request once. Bounded: when the cache
// fills up, the oldest half is evicted.
type alertCache struct {
	mu    sync.Mutex
	max   int
	seen  map[string]struct{}
	order []string
}

func newAlertCache(max int) *alertCache {
	if max < 2 {
		max = 2
	}
	return &alertCache{max: max, seen: make(map[string]struct{}, max)}
}

// Add records the key, reporting whether it was newly added.
func (c *alertCache) Add(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[key]; ok {
		return false
	}
	if len(c.order) >= c.max {
		half := len(c.order) / 2
		for _, k := range c.order[:half] {
			delete(c.seen, k)
		}
		c.order = append(c.order[:0], c.order[half:]...)
	}
	c.seen[key] = struct{}{}
	c.order = append(c.order, key)
	return true
}

// RunAlerts fails transactions stuck in Pending past the confirmation
// timeout and surfaces every request waiting on an operator.
func (e *Engine) RunAlerts(ctx context.Context) {
	e.runGuarded(ctx, JobAlerts, func(ctx context.Context) error {
		if err := e.failStaleTransactions(ctx); err != nil {
			return err
		}
		return e.alertManualActions(ctx)
	})
}

func (e *Engine) failStaleTransactions(ctx context.Context) error {
	cutoff := time.Now().Add(-e.cfg.TxConfirmTimeout)
	stale, err := e.txs.ListStalePending(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, tx := range stale {
		if err := e.txs.FailViaTimeout(ctx, tx.ID); err != nil {
			e.log.Error("failed to time out transaction",
				zap.String("tx_id", tx.ID.String()), zap.Error(err))
			continue
		}
		note := fmt.Sprintf("transaction %s not confirmed within %s", tx.TxHash, e.cfg.TxConfirmTimeout)
		errType := models.ErrorTypeNetwork

		switch tx.RequestType {
		case "payment":
			req, err := e.payments.GetByID(ctx, tx.RequestID)
			if err != nil || req.CurrentTransactionID == nil || *req.CurrentTransactionID != tx.ID {
				continue
			}
			err = e.payments.ApplyTransition(ctx, req.ID, repositories.RequestUpdate{
				NextAction: models.NextAction{
					RequestedAction: models.ActionWaitingForManualAction,
					ErrorType:       &errType,
					ErrorEntries:    req.NextAction.ErrorEntries.Append(req.NextAction.RequestedAction, note),
				},
				UnlockWallet: true,
			})
			if err != nil {
				e.log.Error("failed to escalate timed out payment",
					zap.String("payment_id", req.ID.String()), zap.Error(err))
				continue
			}
		case "purchase":
			req, err := e.purchases.GetByID(ctx, tx.RequestID)
			if err != nil || req.CurrentTransactionID == nil || *req.CurrentTransactionID != tx.ID {
				continue
			}
			err = e.purchases.ApplyTransition(ctx, req.ID, repositories.RequestUpdate{
				NextAction: models.NextAction{
					RequestedAction: models.ActionWaitingForManualAction,
					ErrorType:       &errType,
					ErrorEntries:    req.NextAction.ErrorEntries.Append(req.NextAction.RequestedAction, note),
				},
				UnlockWallet: true,
			})
			if err != nil {
				e.log.Error("failed to escalate timed out purchase",
					zap.String("purchase_id", req.ID.String()), zap.Error(err))
				continue
			}
		default:
			continue
		}

		_ = e.publisher.Publish(ctx, e.cfg.AlertChannel, events.Event{
			Type: events.EventTransactionTimedOut,
			Payload: map[string]any{
				"request_type": tx.RequestType,
				"request_id":   tx.RequestID.String(),
				"tx_hash":      tx.TxHash,
			},
		})
	}
	return nil
}

// alertKey dedupes one alert per escalation, not per request: a fresh error
// entry on an already-alerted request produces a new key and re-alerts.
func alertKey(requestType, id string, entries models.ErrorNote) string {
	var last int64
	if n := len(entries); n > 0 {
		last = entries[n-1].Time
	}
	return fmt.Sprintf("%s:%s:%d", requestType, id, last)
}

func (e *Engine) alertManualActions(ctx context.Context) error {
	spec := repositories.QuerySpec{
		Actions: []string{models.ActionWaitingForManualAction},
		Limit:   100,
	}

	payments, err := e.payments.LockAndQuery(ctx, spec)
	if err != nil {
		return err
	}
	for i := range payments {
		req := &payments[i].Request
		if !e.alerted.Add(alertKey("payment", req.ID.String(), req.NextAction.ErrorEntries)) {
			continue
		}
		e.log.Warn("payment request waiting for manual action",
			zap.String("payment_id", req.ID.String()),
			zap.String("error", req.NextAction.ErrorNoteRendered()))
		e.publishManualAction(ctx, "payment", req.ID.String(), req.NextAction.ErrorNoteRendered())
	}

	purchases, err := e.purchases.LockAndQuery(ctx, spec)
	if err != nil {
		return err
	}
	for i := range purchases {
		req := &purchases[i].Request
		if !e.alerted.Add(alertKey("purchase", req.ID.String(), req.NextAction.ErrorEntries)) {
			continue
		}
		e.log.Warn("purchase request waiting for manual action",
			zap.String("purchase_id", req.ID.String()),
			zap.String("error", req.NextAction.ErrorNoteRendered()))
		e.publishManualAction(ctx, "purchase", req.ID.String(), req.NextAction.ErrorNoteRendered())
	}
	return nil
}
