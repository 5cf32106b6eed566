// Package app builds the concrete components selected by config.Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/jaystack/device-megatest/internal/api"
	"github.com/jaystack/device-megatest/internal/browser"
	"github.com/jaystack/device-megatest/internal/capture"
	"github.com/jaystack/device-megatest/internal/cdp"
	"github.com/jaystack/device-megatest/internal/config"
	"github.com/jaystack/device-megatest/internal/idempotency"
	"github.com/jaystack/device-megatest/internal/queue"
	"github.com/jaystack/device-megatest/internal/results"
	"github.com/jaystack/device-megatest/internal/scheduler"
	"github.com/jaystack/device-megatest/internal/slot"
	"github.com/jaystack/device-megatest/internal/steps"
	"github.com/jaystack/device-megatest/internal/trigger"
	"github.com/jaystack/device-megatest/internal/webdriver"
	"github.com/jaystack/device-megatest/internal/worker"
)

// Deps overrides components that New would otherwise build from config.
type Deps struct {
	Logger  *log.Logger
	Factory browser.Factory
}

type App struct {
	Config config.Config
	Logger *log.Logger

	Store       capture.Store
	Queue       queue.Queue
	Guard       slot.Guard
	Idempotency idempotency.Store
	// Nudges wakes the drainer of this process.
	Nudges *trigger.Local
	// Trigger is fired after scheduling and after each processed job.
	Trigger trigger.Trigger
	Factory browser.Factory

	Scheduler  *scheduler.Scheduler
	Aggregator *results.Aggregator
	Worker     *worker.Worker

	nats    *trigger.NATS
	closers []func()
}

func New(ctx context.Context, cfg config.Config, deps Deps) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	a := &App{Config: cfg, Logger: logger, Nudges: trigger.NewLocal()}

	if err := a.buildStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildTrigger(); err != nil {
		a.Close()
		return nil, err
	}

	a.Factory = deps.Factory
	if a.Factory == nil {
		factory, err := newFactory(cfg, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Factory = factory
	}

	a.Scheduler = scheduler.New(a.Store, a.Queue, a.Trigger, scheduler.Options{
		Logger:      logger,
		Concurrency: cfg.ScheduleConcurrency,
	})
	a.Aggregator = results.NewAggregator(a.Store, logger)
	interp := steps.NewInterpreter(a.Store, steps.Options{PollInterval: cfg.StepPollInterval, Logger: logger})
	a.Worker = worker.New(a.Queue, a.Guard, a.Factory, interp, a.Trigger, worker.Config{
		Visibility:         cfg.Visibility,
		SessionOpenTimeout: cfg.SessionOpenTimeout,
		RetryBaseDelay:     cfg.RetryBaseDelay,
		RetryMaxDelay:      cfg.RetryMaxDelay,
		MaxReceives:        cfg.MaxReceives,
		Holder:             cfg.WorkerHolder,
	}, logger)
	return a, nil
}

func (a *App) buildStorage(ctx context.Context) error {
	cfg := a.Config
	switch cfg.StoreKind {
	case config.StorePostgres:
		store, err := capture.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		a.Store = store
		a.closers = append(a.closers, store.Close)
	case config.StoreMemory:
		a.Store = capture.NewMemoryStore()
	default:
		store, err := capture.NewLocalStore(cfg.CaptureDir)
		if err != nil {
			return err
		}
		a.Store = store
	}

	switch cfg.QueueKind {
	case config.QueueRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis %s: %w", cfg.RedisAddr, err)
		}
		opts := queue.Options{MaxReceives: cfg.MaxReceives}
		a.Queue = queue.NewRedisQueue(client, cfg.QueueName, opts)
		a.Guard = slot.NewRedisGuard(client, "")
		a.Idempotency = idempotency.NewRedisStore(client, "")
	default:
		a.Queue = queue.NewInMemory(queue.Options{MaxReceives: cfg.MaxReceives})
		a.Guard = slot.NewInMemoryGuard()
		a.Idempotency = idempotency.NewInMemoryStore()
	}
	return nil
}

func (a *App) buildTrigger() error {
	if a.Config.TriggerKind != config.TriggerNATS {
		a.Trigger = a.Nudges
		return nil
	}
	nc, err := trigger.DialNATS(trigger.NATSConfig{URL: a.Config.NATSURL, Subject: a.Config.NATSSubject})
	if err != nil {
		return err
	}
	a.nats = nc
	a.closers = append(a.closers, nc.Close)
	a.Trigger = trigger.Fanout{a.Nudges, nc}
	return nil
}

func newFactory(cfg config.Config, logger *log.Logger) (browser.Factory, error) {
	switch cfg.BackendKind {
	case config.BackendCDP:
		return cdp.NewFactory(cdp.Config{URL: cfg.CDPURL, Logger: logger}), nil
	default:
		factory, err := webdriver.NewFactory(webdriver.Config{
			URL:     cfg.WebDriverURL,
			Timeout: cfg.SessionOpenTimeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("webdriver backend: %w", err)
		}
		return factory, nil
	}
}

// Server returns the HTTP surface over this App's components.
func (a *App) Server() *api.Server {
	return api.NewServer(api.Options{
		Launcher:        a.Scheduler,
		Results:         a.Aggregator,
		Store:           a.Store,
		Queue:           a.Queue,
		Idempotency:     a.Idempotency,
		Renderer:        results.Renderer{CaptureBaseURL: a.Config.CaptureBaseURL},
		APIKey:          a.Config.APIKey,
		LaunchRateLimit: a.Config.LaunchRateLimit,
		LaunchRateBurst: a.Config.LaunchRateBurst,
		IdempotencyTTL:  a.Config.IdempotencyTTL,
		IdempotencyLock: a.Config.IdempotencyLockTTL,
		Logger:          a.Logger,
	})
}

// RunWorker drains the queue until ctx is done. Remote nudges, when NATS is
// configured, are forwarded into the local drainer.
func (a *App) RunWorker(ctx context.Context) error {
	drainer := worker.NewDrainer(a.Worker, a.Nudges.C(), worker.DrainConfig{
		MinPoll: a.Config.MinPoll,
		MaxPoll: a.Config.MaxPoll,
	}, a.Logger)

	group, groupCtx := errgroup.WithContext(ctx)
	if a.nats != nil {
		group.Go(func() error { return a.nats.Listen(groupCtx, a.Nudges, a.Logger) })
	}
	group.Go(func() error { return drainer.Run(groupCtx) })
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) Describe() string {
	parts := []string{
		"store=" + a.Config.StoreKind,
		"queue=" + a.Config.QueueKind,
		"backend=" + a.Config.BackendKind,
		"trigger=" + a.Config.TriggerKind,
		fmt.Sprintf("visibility=%s", a.Config.Visibility),
		fmt.Sprintf("max_receives=%d", a.Config.MaxReceives),
	}
	return strings.Join(parts, " ")
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
