package core

// op_limiter.go serializes engine operations.
//
// Loads assume exclusive access to the target tables, so mutating
// operations take a slot before touching storage. With the default of one
// slot a second operation waits up to maxWait, then fails with
// ErrOperationBusy.

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOperationBusy is returned when no operation slot frees up in time.
var ErrOperationBusy = errors.New("another operation is running, please try again later")

// DefaultMaxWaitTime is how long to wait for a slot before rejecting.
const DefaultMaxWaitTime = 30 * time.Second

// OperationLimiter bounds the number of concurrently running operations.
type OperationLimiter struct {
	semaphore chan struct{}
	maxWait   time.Duration

	mu      sync.RWMutex
	active  int
	current []string
}

// NewOperationLimiter creates a limiter allowing maxConcurrent operations.
func NewOperationLimiter(maxConcurrent int, maxWait time.Duration) *OperationLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitTime
	}
	return &OperationLimiter{
		semaphore: make(chan struct{}, maxConcurrent),
		maxWait:   maxWait,
	}
}

// Acquire takes a slot for op. The caller must call Release.
func (l *OperationLimiter) Acquire(ctx context.Context, op string) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.current = append(l.current, op)
		l.mu.Unlock()
		return nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrOperationBusy
	}
}

// Release frees the slot taken for op.
func (l *OperationLimiter) Release(op string) {
	l.mu.Lock()
	l.active--
	for i, c := range l.current {
		if c == op {
			l.current = append(l.current[:i], l.current[i+1:]...)
			break
		}
	}
	l.mu.Unlock()

	<-l.semaphore
}

// ActiveCount returns the number of running operations.
func (l *OperationLimiter) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// WaitForDrain blocks until no operation is running or ctx is done.
func (l *OperationLimiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// LimiterStatus is a snapshot of the limiter.
type LimiterStatus struct {
	Active        int      `json:"active"`
	Running       []string `json:"running,omitempty"`
	MaxConcurrent int      `json:"max_concurrent"`
}

// Status returns the current limiter state.
func (l *OperationLimiter) Status() LimiterStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LimiterStatus{
		Active:        l.active,
		Running:       append([]string(nil), l.current...),
		MaxConcurrent: cap(l.semaphore),
	}
}
