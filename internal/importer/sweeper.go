package importer

// sweeper.go fails batches whose worker disappeared.
//
// A batch left in queued or processing without any update for StaleAfter
// cannot finish on its own: the process that owned it crashed or the queue
// entry was lost. The sweeper runs once on start and then every interval;
// a failed sweep is logged and retried on the next tick.

import (
	"context"
	"log/slog"
	"time"

	"github.com/JonMunkholm/catalogimport/internal/store"
)

const staleMessage = "worker lost"

// Sweeper periodically fails stale batches.
type Sweeper struct {
	store      store.Store
	staleAfter time.Duration
	interval   time.Duration
	now        func() time.Time
}

func NewSweeper(s store.Store, staleAfter, interval time.Duration) *Sweeper {
	return &Sweeper{store: s, staleAfter: staleAfter, interval: interval, now: time.Now}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("stale batch sweeper started",
		"stale_after", s.staleAfter,
		"interval", s.interval,
	)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stale batch sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass and returns the number of batches failed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	start := s.now()
	ids, err := s.store.FailStaleBatches(ctx, start.Add(-s.staleAfter), staleMessage)
	if err != nil {
		slog.Error("stale batch sweep failed", "error", err)
		return 0
	}
	for _, id := range ids {
		err := s.store.AppendLog(ctx, store.LogEntry{
			BatchID: id,
			Level:   store.LevelError,
			Message: "Import failed: " + staleMessage,
		})
		if err != nil {
			slog.Error("append batch log", "batch_id", id, "error", err)
		}
		getMetrics().swept()
	}
	if len(ids) > 0 {
		slog.Warn("failed stale batches", "count", len(ids))
	}
	slog.Debug("stale batch sweep completed", "duration_ms", s.now().Sub(start).Milliseconds())
	return len(ids)
}
