package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"doc-rag/internal/app"
	"doc-rag/internal/httputil"
	"doc-rag/internal/retrieval"
)

func main() {
	deps, err := app.Build("retrieval")
	if err != nil {
		slog.Default().Error("failed to build dependencies", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			deps.Log.Error("shutdown failed", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", deps.Config.Port),
		Handler:           newRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	deps.Log.Info("retrieval service listening", "addr", srv.Addr)
	if err := httputil.Serve(ctx, srv); err != nil {
		deps.Log.Error("server error", "err", err)
	}
}

func newRouter(deps *app.Deps) http.Handler {
	r := httputil.NewRouter(deps.Log)
	r.Post("/api/retrieve", retrieval.Handler(deps.Retriever, deps.Log))
	r.Get("/healthz", httputil.HealthHandler(deps.Log))
	return r
}
