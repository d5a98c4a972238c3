package services

import (
	"fmt"
	"testing"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
)

func TestAlertCacheDedup(t *testing.T) {
	c := newAlertCache(10)

	if !c.Add("a") {
		t.Fatal("first add should report new")
	}
	if c.Add("a") {
		t.Fatal("second add of the same key should report seen")
	}
	if !c.Add("b") {
		t.Fatal("different key should report new")
	}
}

func TestAlertCacheEvictsOldestHalf(t *testing.T) {
	c := newAlertCache(4)
	for i := 0; i < 4; i++ {
		c.Add(fmt.Sprintf("k%d", i))
	}

	// Cache is full; the next insert evicts k0 and k1.
	if !c.Add("k4") {
		t.Fatal("new key after eviction should report new")
	}
	if !c.Add("k0") {
		t.Error("evicted key should be addable again")
	}
	if c.Add("k3") {
		t.Error("recent key should survive eviction")
	}
	if c.Add("k4") {
		t.Error("just-added key should be deduplicated")
	}
}

func TestAlertCacheStaysBounded(t *testing.T) {
	c := newAlertCache(8)
	for i := 0; i < 1000; i++ {
		c.Add(fmt.Sprintf("k%d", i))
	}
	if len(c.seen) > 8 || len(c.order) > 8 {
		t.Fatalf("cache exceeded bound: %d keys, %d order entries", len(c.seen), len(c.order))
	}
}

func TestAlertKeyPerEscalation(t *testing.T) {
	c := newAlertCache(10)
	id := "3f0c"

	first := models.ErrorNote{{Time: 100, Action: models.ActionSubmitResultInitiated, Note: "tx rejected"}}
	if !c.Add(alertKey("payment", id, first)) {
		t.Fatal("first escalation should alert")
	}
	if c.Add(alertKey("payment", id, first)) {
		t.Fatal("unchanged escalation should be deduplicated")
	}

	// The operator retried, the request failed again: the new error entry
	// must alert again.
	second := append(first, models.ErrorNoteEntry{Time: 200, Action: models.ActionSubmitResultInitiated, Note: "tx rejected"})
	if !c.Add(alertKey("payment", id, second)) {
		t.Fatal("a newer error entry should alert again")
	}

	// Same request under the other table is a distinct alert.
	if !c.Add(alertKey("purchase", id, first)) {
		t.Fatal("request type must be part of the key")
	}
}
