package main

import (
	"context"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/catalogimport/internal/importer"
	"github.com/JonMunkholm/catalogimport/internal/queue"
	"github.com/JonMunkholm/catalogimport/internal/web"
)

func newServeCmd(a *app) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the batch runner and the stale batch sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, migrate || a.cfg.Database.AutoMigrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply pending migrations before serving")
	return cmd
}

func (a *app) serve(ctx context.Context, migrate bool) error {
	cfg := a.cfg
	slog.Info("configuration loaded", "config", cfg.String())

	st, err := a.openStore(ctx, migrate)
	if err != nil {
		return err
	}
	defer st.Close()

	files, err := importer.NewDiskFiles(cfg.Import.UploadDir)
	if err != nil {
		return err
	}
	orch := importer.NewOrchestrator(st, files, cfg.Import)

	// Inline batches outlive the signal so that shutdown can drain them;
	// interrupt cancels whatever is still running when the drain times out.
	runCtx, interrupt := context.WithCancel(context.WithoutCancel(ctx))
	defer interrupt()

	var (
		runner importer.Runner
		inline *importer.InlineRunner
	)
	if strings.EqualFold(cfg.Runner.Mode, "redis") {
		rdb, err := queue.Open(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer func(rdb *redis.Client) { _ = rdb.Close() }(rdb)
		runner = queue.NewRedisRunner(rdb, cfg.Redis.QueueKey)
		slog.Info("batches dispatched to redis", "queue", cfg.Redis.QueueKey)
	} else {
		limiter := importer.NewLimiter(cfg.Import.MaxConcurrent, cfg.Import.MaxWaitTime)
		inline = importer.NewInlineRunner(runCtx, orch, limiter)
		runner = inline
		slog.Info("batches run inline", "max_concurrent", cfg.Import.MaxConcurrent)
	}

	svc := importer.NewService(st, files, orch, runner, cfg.Import)
	server := web.NewServer(svc, cfg)
	sweeper := importer.NewSweeper(st, cfg.Import.StaleAfter, cfg.Import.SweepInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown", "error", err)
		}
		if inline != nil {
			if err := inline.Wait(shutdownCtx); err != nil {
				slog.Warn("batches still running, interrupting", "error", err)
				interrupt()
				// Give interrupted batches a chunk boundary to record their state.
				drainCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
				_ = inline.Wait(drainCtx)
				done()
			}
		}
		return nil
	})
	return g.Wait()
}
