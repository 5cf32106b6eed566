// Package api exposes the scheduling and viewing entry points over HTTP.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jaystack/device-megatest/internal/capture"
	"github.com/jaystack/device-megatest/internal/idempotency"
	"github.com/jaystack/device-megatest/internal/queue"
	"github.com/jaystack/device-megatest/internal/results"
	"github.com/jaystack/device-megatest/internal/testdef"
	"github.com/jaystack/device-megatest/pkg/httpx"
)

type Launcher interface {
	Schedule(ctx context.Context, req testdef.TestRequest) (testdef.TestDefinition, error)
}

type ResultSource interface {
	Aggregate(ctx context.Context, testID string) (testdef.TestResult, error)
}

type QueueInspector interface {
	Stats(ctx context.Context) (queue.Stats, error)
	DeadLetters(ctx context.Context, limit int) ([]queue.DeadLetter, error)
}

type Options struct {
	Launcher    Launcher
	Results     ResultSource
	Store       capture.Store
	Queue       QueueInspector
	Idempotency idempotency.Store
	Renderer    results.Renderer

	APIKey          string
	LaunchRateLimit float64
	LaunchRateBurst int
	IdempotencyTTL  time.Duration
	IdempotencyLock time.Duration
	Logger          *log.Logger
}

type Server struct {
	launcher    Launcher
	results     ResultSource
	store       capture.Store
	queue       QueueInspector
	idempotency idempotency.Store
	renderer    results.Renderer

	requiredAPIKey  string
	rateLimiter     *clientLimiter
	idempotencyTTL  time.Duration
	idempotencyLock time.Duration
	logger          *log.Logger
}

func NewServer(opts Options) *Server {
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = idempotency.DefaultEntryTTL
	}
	if opts.IdempotencyLock <= 0 {
		opts.IdempotencyLock = idempotency.DefaultClaimTTL
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	var limiter *clientLimiter
	if opts.LaunchRateLimit > 0 {
		limiter = newClientLimiter(opts.LaunchRateLimit, opts.LaunchRateBurst)
	}
	return &Server{
		launcher:        opts.Launcher,
		results:         opts.Results,
		store:           opts.Store,
		queue:           opts.Queue,
		idempotency:     opts.Idempotency,
		renderer:        opts.Renderer,
		requiredAPIKey:  opts.APIKey,
		rateLimiter:     limiter,
		idempotencyTTL:  opts.IdempotencyTTL,
		idempotencyLock: opts.IdempotencyLock,
		logger:          opts.Logger,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.With(s.withLaunchSecurity).Post("/launch", s.handleLaunch)
	r.With(s.withLaunchSecurity).Post("/v1/tests", s.handleLaunch)

	r.Get("/view", s.handleView)
	r.Get("/v1/tests/{testID}", s.handleTestResult)
	r.Get("/captures/*", s.handleCapture)
	r.Head("/captures/*", s.handleCapture)

	r.Get("/v1/queue", s.handleQueueStats)
	r.Get("/v1/queue/dead-letters", s.handleDeadLetters)

	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
