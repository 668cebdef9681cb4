package importer

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/JonMunkholm/catalogimport/internal/logging"
)

// Runner dispatches a mapped batch for processing.
type Runner interface {
	// Run hands the batch off and returns without waiting for it.
	Run(ctx context.Context, batchID uuid.UUID) error

	// Queued reports whether batches wait in the queued status until an
	// out-of-process worker picks them up.
	Queued() bool
}

// Processor is what runners execute.
type Processor interface {
	Process(ctx context.Context, batchID uuid.UUID) error
}

// InlineRunner processes batches on goroutines of the current process,
// bounded by a Limiter.
type InlineRunner struct {
	proc    Processor
	limiter *Limiter
	base    context.Context
	wg      sync.WaitGroup
}

// NewInlineRunner returns a runner whose batches run under base, so
// cancelling base interrupts them at their next chunk boundary.
func NewInlineRunner(base context.Context, proc Processor, limiter *Limiter) *InlineRunner {
	return &InlineRunner{proc: proc, limiter: limiter, base: base}
}

func (r *InlineRunner) Queued() bool { return false }

// Run waits for a free slot and starts the batch. It fails with
// ErrTooManyImports when no slot frees up in time.
func (r *InlineRunner) Run(ctx context.Context, batchID uuid.UUID) error {
	if err := r.limiter.Acquire(ctx); err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.limiter.Release()

		ctx := logging.WithBatch(r.base, batchID)
		if err := r.proc.Process(ctx, batchID); err != nil {
			logging.FromContext(ctx).Error("batch run failed", "error", err)
		}
	}()
	return nil
}

// Wait blocks until every started batch returns or ctx is done.
func (r *InlineRunner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
