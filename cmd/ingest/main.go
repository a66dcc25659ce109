package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"doc-rag/internal/app"
	"doc-rag/internal/httputil"
	"doc-rag/internal/ingest"
	"doc-rag/internal/queue"
)

func main() {
	deps, err := app.Build("ingest")
	if err != nil {
		slog.Default().Error("failed to build dependencies", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			deps.Log.Error("shutdown failed", "err", err)
		}
	}()
	deps.Log.Info("ingest worker starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, deps); err != nil {
		deps.Log.Error("ingest service stopped", "err", err)
	}
}

func run(ctx context.Context, deps *app.Deps) error {
	g, ctx := errgroup.WithContext(ctx)

	// Run queue worker
	g.Go(func() error {
		return deps.Queue.Worker(ctx, queue.TaskTypeIngest, ingest.TaskHandler(deps.Orchestrator, deps.Blob, deps.Log))
	})

	// Run health check server
	g.Go(func() error {
		return httputil.ServeHealth(ctx, deps.Log, deps.Config.HealthPort, "ingest")
	})

	// Wait for either to fail
	return g.Wait()
}
