package services

import "time"

// JobMutex serializes the ticks of one job type inside this process. A tick
// that cannot acquire the mutex within the timeout is skipped entirely, it
// never queues behind the running one.
type JobMutex struct {
	ch chan struct{}
}

func NewJobMutex() *JobMutex {
	return &JobMutex{ch: make(chan struct{}, 1)}
}

func (m *JobMutex) TryAcquire(timeout time.Duration) bool {
	select {
	case m.ch <- struct{}{}:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case m.ch <- struct{}{}:
		return true
	case <-t.C:
		return false
	}
}

func (m *JobMutex) Release() {
	select {
	case <-m.ch:
	default:
	}
}
