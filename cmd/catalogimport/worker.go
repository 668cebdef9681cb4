package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/catalogimport/internal/importer"
	"github.com/JonMunkholm/catalogimport/internal/queue"
)

func newWorkerCmd(a *app) *cobra.Command {
	var (
		concurrency int
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume queued batches from redis and process them",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.EqualFold(a.cfg.Database.Driver, "memory") {
				return fmt.Errorf("worker needs a shared store, STORE_DRIVER=memory is process local")
			}
			if concurrency <= 0 {
				concurrency = a.cfg.Import.MaxConcurrent
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.work(ctx, concurrency, metricsAddr)
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Batches processed in parallel (default IMPORT_MAX_CONCURRENT)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address, e.g. :9090")
	return cmd
}

func (a *app) work(ctx context.Context, concurrency int, metricsAddr string) error {
	st, err := a.openStore(ctx, false)
	if err != nil {
		return err
	}
	defer st.Close()

	files, err := importer.NewDiskFiles(a.cfg.Import.UploadDir)
	if err != nil {
		return err
	}
	rdb, err := queue.Open(ctx, a.cfg.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	orch := importer.NewOrchestrator(st, files, a.cfg.Import)
	worker := queue.NewWorker(rdb, a.cfg.Redis.QueueKey, a.cfg.Redis.BlockTimeout, orch, concurrency)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })

	if metricsAddr != "" && a.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(a.cfg.Metrics.Path, promhttp.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			slog.Info("serving metrics", "addr", metricsAddr, "path", a.cfg.Metrics.Path)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}
