package services

import (
	"testing"
	"time"
)

func TestJobMutexSkipsWhenHeld(t *testing.T) {
	mu := NewJobMutex()

	if !mu.TryAcquire(0) {
		t.Fatal("expected to acquire a free mutex")
	}
	if mu.TryAcquire(10 * time.Millisecond) {
		t.Fatal("expected second acquire to fail while held")
	}

	mu.Release()
	if !mu.TryAcquire(0) {
		t.Fatal("expected to acquire after release")
	}
}

func TestJobMutexAcquireWithinTimeout(t *testing.T) {
	mu := NewJobMutex()
	if !mu.TryAcquire(0) {
		t.Fatal("expected to acquire a free mutex")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		mu.Release()
	}()

	if !mu.TryAcquire(time.Second) {
		t.Fatal("expected to acquire once the holder released within the timeout")
	}
}

func TestJobMutexReleaseIdempotent(t *testing.T) {
	mu := NewJobMutex()
	mu.Release() // never acquired
	if !mu.TryAcquire(0) {
		t.Fatal("expected mutex still acquirable after spurious release")
	}
}
