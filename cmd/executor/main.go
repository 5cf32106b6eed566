package main

import (
	"context"
	"log"
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
	if cfg.QueueKind == config.QueueMemory {
		log.Fatalf("executor needs a shared queue: set MEGATEST_QUEUE=redis")
	}
	// The embedded-worker check in Validate only concerns the orchestrator.
	cfg.EmbeddedWorker = true

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "megatest-executor", cfg.TracingEnabled, os.Stderr)
	if err != nil {
		log.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Printf("tracing shutdown error: %v", err)
		}
	}()

	a, err := app.New(ctx, cfg, app.Deps{})
	if err != nil {
		log.Fatalf("executor startup failed: %v", err)
	}
	defer a.Close()

	log.Printf("executor started: %s", a.Describe())
	if err := a.RunWorker(ctx); err != nil {
		log.Printf("ERROR: executor stopped: %v", err)
		return
	}
	log.Printf("executor stopped")
}
