// Package queue dispatches batches through a redis list so that processing
// can run in worker processes separate from the API.
//
// The API pushes batch ids with LPUSH; workers pop them with BRPOP, which
// hands every id to exactly one worker. A batch whose worker dies stays in
// processing until the stale sweeper fails it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/catalogimport/internal/config"
	"github.com/JonMunkholm/catalogimport/internal/importer"
	"github.com/JonMunkholm/catalogimport/internal/logging"
)

// Open connects to redis and verifies the connection.
func Open(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	if cfg.BlockTimeout > 0 {
		// Blocking pops must not be cut short by the read timeout.
		opts.ReadTimeout = cfg.BlockTimeout + 5*time.Second
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// RedisRunner is an importer.Runner that enqueues batch ids.
type RedisRunner struct {
	rdb redis.Cmdable
	key string
}

func NewRedisRunner(rdb redis.Cmdable, key string) *RedisRunner {
	return &RedisRunner{rdb: rdb, key: key}
}

var _ importer.Runner = (*RedisRunner)(nil)

func (r *RedisRunner) Queued() bool { return true }

func (r *RedisRunner) Run(ctx context.Context, batchID uuid.UUID) error {
	if err := r.rdb.LPush(ctx, r.key, batchID.String()).Err(); err != nil {
		return fmt.Errorf("enqueue batch %s: %w", batchID, err)
	}
	return nil
}

// Worker consumes batch ids and processes them.
type Worker struct {
	rdb         redis.Cmdable
	key         string
	block       time.Duration
	proc        importer.Processor
	concurrency int
}

func NewWorker(rdb redis.Cmdable, key string, block time.Duration, proc importer.Processor, concurrency int) *Worker {
	if block <= 0 {
		block = 5 * time.Second
	}
	return &Worker{rdb: rdb, key: key, block: block, proc: proc, concurrency: max(concurrency, 1)}
}

// Run starts the consumers and blocks until ctx is cancelled. A batch in
// flight when ctx ends is stopped at its next chunk boundary.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("queue worker started", "queue", w.key, "concurrency", w.concurrency)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error { return w.consume(ctx) })
	}
	err := g.Wait()
	slog.Info("queue worker stopped")
	return err
}

func (w *Worker) consume(ctx context.Context) error {
	backoff := time.Second
	for {
		id, err := w.next(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			slog.Error("dequeue batch", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		backoff = time.Second

		w.handle(ctx, id)
	}
}

// next pops one id. It returns redis.Nil when the block timeout expires.
func (w *Worker) next(ctx context.Context) (string, error) {
	res, err := w.rdb.BRPop(ctx, w.block, w.key).Result()
	if err != nil {
		return "", err
	}
	// BRPOP replies with [key, value].
	if len(res) != 2 {
		return "", fmt.Errorf("unexpected BRPOP reply %v", res)
	}
	return res[1], nil
}

func (w *Worker) handle(ctx context.Context, raw string) {
	id, err := uuid.Parse(raw)
	if err != nil {
		slog.Warn("discarding malformed queue entry", "entry", raw)
		return
	}
	ctx = logging.WithBatch(ctx, id)
	if err := w.proc.Process(ctx, id); err != nil {
		logging.FromContext(ctx).Error("batch run failed", "error", err)
	}
}
