package importer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLimiter_AcquireRelease(t *testing.T) {
	l := NewLimiter(2, time.Second)
	ctx := context.Background()

	if got := l.Status(); got.Active != 0 || got.Available != 2 {
		t.Fatalf("initial status = %+v", got)
	}
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if got := l.Status(); got.Active != 2 || got.Available != 0 {
		t.Errorf("full status = %+v", got)
	}

	l.Release()
	l.Release()
	if got := l.Status(); got.Active != 0 || got.Available != 2 {
		t.Errorf("drained status = %+v", got)
	}
}

func TestLimiter_TimesOutWhenFull(t *testing.T) {
	l := NewLimiter(1, 50*time.Millisecond)
	ctx := context.Background()

	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	start := time.Now()
	err := l.Acquire(ctx)
	if !errors.Is(err, ErrTooManyImports) {
		t.Fatalf("err = %v, want ErrTooManyImports", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("returned after %v, expected to wait", elapsed)
	}
	if l.TryAcquire() {
		t.Error("TryAcquire succeeded on a full limiter")
	}
}

func TestLimiter_CancelledContext(t *testing.T) {
	l := NewLimiter(1, time.Second)
	if !l.TryAcquire() {
		t.Fatal("TryAcquire failed on an empty limiter")
	}
	defer l.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestLimiter_Defaults(t *testing.T) {
	l := NewLimiter(0, 0)
	if got := l.Status().MaxConcurrent; got != DefaultMaxConcurrent {
		t.Errorf("MaxConcurrent = %d, want %d", got, DefaultMaxConcurrent)
	}
	if l.maxWait != DefaultMaxWait {
		t.Errorf("maxWait = %v, want %v", l.maxWait, DefaultMaxWait)
	}
}

func TestLimiter_ConcurrentUse(t *testing.T) {
	l := NewLimiter(3, time.Second)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		running int
		peak    int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(ctx); err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			running++
			peak = max(peak, running)
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()
			l.Release()
		}()
	}
	wg.Wait()

	if peak > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak)
	}
}
