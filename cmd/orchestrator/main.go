package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jaystack/device-megatest/internal/app"
	"github.com/jaystack/device-megatest/internal/config"
	"github.com/jaystack/device-megatest/internal/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "megatest-orchestrator", cfg.TracingEnabled, os.Stderr)
	if err != nil {
		log.Fatalf("tracing setup failed: %v", err)
	}
	defer flushTracing(shutdownTracing)

	a, err := app.New(ctx, cfg, app.Deps{})
	if err != nil {
		log.Fatalf("orchestrator startup failed: %v", err)
	}
	defer a.Close()
	log.Printf("config loaded: %s embedded_worker=%t", a.Describe(), cfg.EmbeddedWorker)

	if cfg.EmbeddedWorker {
		go func() {
			if err := a.RunWorker(ctx); err != nil {
				log.Printf("ERROR: embedded worker stopped: %v", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      a.Server().Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownHTTP(httpServer)
	}()

	log.Printf("orchestrator listening on %s", cfg.HTTPAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("orchestrator failed: %v", err)
	}
}

func shutdownHTTP(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("orchestrator shutdown error: %v", err)
	}
}

func flushTracing(shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Printf("tracing shutdown error: %v", err)
	}
}
