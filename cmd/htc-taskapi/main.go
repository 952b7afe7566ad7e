package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/darkhaniop/simple-task-api-htc/internal/api"
	"github.com/darkhaniop/simple-task-api-htc/internal/bootstrap"
	"github.com/darkhaniop/simple-task-api-htc/internal/config"
	"github.com/darkhaniop/simple-task-api-htc/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file (STAPI_CONFIG_FILE is used when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	shutdownTrace, err := observability.InitTracing(context.Background(), "htc-taskapi", cfg.Tracing)
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	rt, err := bootstrap.New(cfg)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	rt.Start(ctx)

	server := api.NewServer(rt.Engine, api.Options{
		Tokens:          cfg.APITokens,
		RateLimitPerSec: cfg.RateLimitPerSec,
		RateLimitBurst:  cfg.RateLimitBurst,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("htc-taskapi listening on %s store=%s engine=%s", cfg.ListenAddr, cfg.Store, cfg.Engine)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Printf("htc-taskapi stopping")
	case err := <-errCh:
		if err != nil {
			log.Printf("http server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := rt.Close(); err != nil {
		log.Printf("runtime close: %v", err)
	}
}
