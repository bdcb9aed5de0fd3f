// Package worker bounds how many pipelines run at the same time.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"intakego/internal/apperr"
)

const (
	defaultMaxRunning = 4
	defaultQueueWait  = 30 * time.Second
)

// ErrDispatcherBusy is returned when no slot frees up within the queue wait.
var ErrDispatcherBusy = errors.New("dispatcher busy")

// Limiter is a counting semaphore with a bounded wait. Callers that cannot get a
// slot in time are turned away instead of queued.
type Limiter struct {
	slots    chan struct{}
	wait     time.Duration
	inFlight atomic.Int64
}

// NewLimiter allows up to maxRunning concurrent holders.
func NewLimiter(maxRunning int, wait time.Duration) *Limiter {
	if maxRunning <= 0 {
		maxRunning = defaultMaxRunning
	}
	if wait <= 0 {
		wait = defaultQueueWait
	}
	return &Limiter{
		slots: make(chan struct{}, maxRunning),
		wait:  wait,
	}
}

// Acquire blocks until a slot is free, the queue wait elapses or ctx is done.
// The returned release func is safe to call more than once.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case l.slots <- struct{}{}:
	case <-timer.C:
		return nil, apperr.Busy("Server is busy processing other recordings. Please try again shortly.", ErrDispatcherBusy)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	l.inFlight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			l.inFlight.Add(-1)
			<-l.slots
		})
	}, nil
}

// InFlight reports how many slots are currently held.
func (l *Limiter) InFlight() int {
	return int(l.inFlight.Load())
}

// Capacity reports the maximum number of concurrent holders.
func (l *Limiter) Capacity() int {
	return cap(l.slots)
}
