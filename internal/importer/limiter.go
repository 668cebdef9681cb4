package importer

// limiter.go bounds how many batches one process runs at a time.
//
// Slots are a buffered channel used as a semaphore. A start request that
// finds every slot taken waits up to maxWait before failing with
// ErrTooManyImports, so callers get a fast answer instead of an unbounded
// queue inside the API process.

import (
	"context"
	"sync/atomic"
	"time"
)

const (
	DefaultMaxConcurrent = 3
	DefaultMaxWait       = 10 * time.Second
)

// Limiter is a counting semaphore for batch runs.
type Limiter struct {
	slots   chan struct{}
	maxWait time.Duration
	active  atomic.Int64
}

func NewLimiter(maxConcurrent int, maxWait time.Duration) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &Limiter{
		slots:   make(chan struct{}, maxConcurrent),
		maxWait: maxWait,
	}
}

// Acquire takes a slot, waiting at most maxWait. The caller must Release a
// slot it acquired.
func (l *Limiter) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	select {
	case l.slots <- struct{}{}:
		l.active.Add(1)
		return nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTooManyImports
	}
}

// TryAcquire takes a slot only if one is free.
func (l *Limiter) TryAcquire() bool {
	select {
	case l.slots <- struct{}{}:
		l.active.Add(1)
		return true
	default:
		return false
	}
}

func (l *Limiter) Release() {
	l.active.Add(-1)
	<-l.slots
}

// LimiterStatus is a snapshot for health output.
type LimiterStatus struct {
	Active        int `json:"active"`
	Available     int `json:"available"`
	MaxConcurrent int `json:"max_concurrent"`
}

func (l *Limiter) Status() LimiterStatus {
	return LimiterStatus{
		Active:        int(l.active.Load()),
		Available:     cap(l.slots) - len(l.slots),
		MaxConcurrent: cap(l.slots),
	}
}
