// Package worker executes device jobs one at a time. Worker.Invoke performs a
// single receive-run-delete cycle; Drainer keeps invoking it for a long-lived
// executor process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jaystack/device-megatest/internal/browser"
	"github.com/jaystack/device-megatest/internal/queue"
	"github.com/jaystack/device-megatest/internal/slot"
	"github.com/jaystack/device-megatest/internal/steps"
	"github.com/jaystack/device-megatest/internal/testdef"
	"github.com/jaystack/device-megatest/internal/trigger"
)

type Outcome string

const (
	// OutcomeIdle: nothing was visible on the queue.
	OutcomeIdle Outcome = "idle"
	// OutcomeBusy: another holder owns the session slot; nothing was received.
	OutcomeBusy Outcome = "busy"
	// OutcomeCompleted: the job ran and its message was deleted.
	OutcomeCompleted Outcome = "completed"
	// OutcomeDropped: the message could never be processed and was deleted.
	OutcomeDropped Outcome = "dropped"
	// OutcomeRetry: a transient failure; the message was left for redelivery.
	OutcomeRetry Outcome = "retry"
)

type Config struct {
	// Visibility must exceed the worst-case job duration.
	Visibility         time.Duration
	SessionOpenTimeout time.Duration
	QuitTimeout        time.Duration
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	MaxReceives        int
	Holder             string
}

type Worker struct {
	queue   queue.Queue
	guard   slot.Guard
	factory browser.Factory
	interp  *steps.Interpreter
	nudge   trigger.Trigger
	cfg     Config
	logger  *log.Logger
	tracer  trace.Tracer
}

// New builds a Worker. guard and nudge may be nil: without a guard the caller
// must ensure invocations never overlap.
func New(q queue.Queue, guard slot.Guard, factory browser.Factory, interp *steps.Interpreter, nudge trigger.Trigger, cfg Config, logger *log.Logger) *Worker {
	if cfg.Visibility <= 0 {
		cfg.Visibility = 3 * time.Minute
	}
	if cfg.SessionOpenTimeout <= 0 {
		cfg.SessionOpenTimeout = 2 * time.Minute
	}
	if cfg.SessionOpenTimeout > cfg.Visibility {
		cfg.SessionOpenTimeout = cfg.Visibility
	}
	if cfg.QuitTimeout <= 0 {
		cfg.QuitTimeout = 30 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 2 * time.Second
	}
	if cfg.RetryMaxDelay <= 0 || cfg.RetryMaxDelay > cfg.Visibility {
		cfg.RetryMaxDelay = cfg.Visibility
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	if cfg.MaxReceives <= 0 {
		cfg.MaxReceives = queue.DefaultMaxReceives
	}
	if strings.TrimSpace(cfg.Holder) == "" {
		cfg.Holder = defaultHolder()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		queue:   q,
		guard:   guard,
		factory: factory,
		interp:  interp,
		nudge:   nudge,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("github.com/jaystack/device-megatest/internal/worker"),
	}
}

func defaultHolder() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Invoke runs at most one job. Errors are returned only for infrastructure
// failures (slot or queue unavailable); job failures are reported as outcomes.
func (w *Worker) Invoke(ctx context.Context) (Outcome, error) {
	if w.queue == nil || w.factory == nil || w.interp == nil {
		return "", errors.New("worker is not configured")
	}

	if w.guard != nil {
		ticket, ok, err := w.guard.Acquire(ctx, w.cfg.Holder, w.cfg.Visibility)
		if err != nil {
			return "", fmt.Errorf("acquire session slot: %w", err)
		}
		if !ok {
			cycles.WithLabelValues(string(OutcomeBusy)).Inc()
			return OutcomeBusy, nil
		}
		// Losing the slot mid-run aborts the job; it is redelivered later.
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		stop := slot.Keep(ctx, w.guard, ticket, w.cfg.Visibility, w.logger, cancel)
		defer func() {
			stop()
			if err := w.guard.Release(context.Background(), ticket); err != nil {
				w.logger.Printf("warn: release session slot: %v", err)
			}
		}()
	}

	msg, ok, err := w.queue.Receive(ctx, w.cfg.Visibility)
	if err != nil {
		return "", fmt.Errorf("receive job: %w", err)
	}
	if !ok {
		cycles.WithLabelValues(string(OutcomeIdle)).Inc()
		return OutcomeIdle, nil
	}

	outcome := w.process(ctx, msg)
	cycles.WithLabelValues(string(outcome)).Inc()
	w.fire(ctx)
	return outcome, nil
}

func (w *Worker) process(ctx context.Context, msg queue.Message) Outcome {
	job, err := testdef.DecodeDeviceJob(msg.Body)
	if err != nil {
		w.logger.Printf("ERROR: dropping unprocessable message id=%s receive=%d: %v body=%q", msg.ID, msg.ReceiveCount, err, truncate(msg.Body, 512))
		if delErr := w.queue.Delete(ctx, msg.Receipt); delErr != nil {
			w.logger.Printf("ERROR: delete unprocessable message id=%s: %v", msg.ID, delErr)
		}
		return OutcomeDropped
	}

	ctx, span := w.tracer.Start(ctx, "worker.job", trace.WithAttributes(
		attribute.String("test.id", job.TestID),
		attribute.String("device.id", job.DeviceID),
		attribute.Int("job.receive_count", msg.ReceiveCount),
	))
	defer span.End()

	started := time.Now()
	w.logger.Printf("job started test=%s device=%s attempt=%d/%d capabilities=%s", job.TestID, job.DeviceID, msg.ReceiveCount, w.cfg.MaxReceives, job.Capabilities)
	if err := w.run(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return w.retry(ctx, msg, job, err)
	}
	jobDuration.Observe(time.Since(started).Seconds())

	if err := w.queue.Delete(ctx, msg.Receipt); err != nil {
		// The run already overwrote its captures; a redelivery repeats it harmlessly.
		w.logger.Printf("warn: job test=%s device=%s finished but delete failed: %v", job.TestID, job.DeviceID, err)
	}
	w.logger.Printf("job completed test=%s device=%s duration=%s", job.TestID, job.DeviceID, time.Since(started).Round(time.Millisecond))
	return OutcomeCompleted
}

func (w *Worker) run(ctx context.Context, job testdef.DeviceJob) error {
	runCtx, cancel := context.WithTimeout(ctx, w.cfg.Visibility)
	defer cancel()

	openCtx, cancelOpen := context.WithTimeout(runCtx, w.cfg.SessionOpenTimeout)
	session, err := w.factory.Open(openCtx, job.Capabilities.Map())
	cancelOpen()
	if err != nil {
		sessionOpenFailures.Inc()
		return fmt.Errorf("open session: %w", err)
	}
	defer func() {
		quitCtx, cancelQuit := context.WithTimeout(context.Background(), w.cfg.QuitTimeout)
		defer cancelQuit()
		if err := session.Quit(quitCtx); err != nil {
			w.logger.Printf("warn: job test=%s device=%s session=%s quit failed: %v", job.TestID, job.DeviceID, session.ID(), err)
		}
	}()

	if _, err := w.interp.Run(runCtx, session, job.TestID, job.DeviceID, job.Test); err != nil {
		return fmt.Errorf("run steps: %w", err)
	}
	return nil
}

func (w *Worker) retry(ctx context.Context, msg queue.Message, job testdef.DeviceJob, cause error) Outcome {
	delay := w.retryDelay(msg.ReceiveCount)
	nackCtx := ctx
	if ctx.Err() != nil {
		nackCtx = context.Background()
		delay = 0
	}
	if err := w.queue.Nack(nackCtx, msg.Receipt, delay); err != nil {
		w.logger.Printf("warn: job test=%s device=%s nack failed, message reappears after visibility timeout: %v", job.TestID, job.DeviceID, err)
	}

	if msg.ReceiveCount >= w.cfg.MaxReceives {
		w.logger.Printf("ERROR: job test=%s device=%s failed on final attempt %d/%d, moving to dead letters: %v", job.TestID, job.DeviceID, msg.ReceiveCount, w.cfg.MaxReceives, cause)
	} else {
		w.logger.Printf("job test=%s device=%s attempt=%d/%d failed; redelivery in %s: %v", job.TestID, job.DeviceID, msg.ReceiveCount, w.cfg.MaxReceives, delay, cause)
	}
	return OutcomeRetry
}

func (w *Worker) retryDelay(attempt int) time.Duration {
	exponent := math.Max(0, float64(attempt-1))
	delay := float64(w.cfg.RetryBaseDelay) * math.Pow(2, exponent)
	if delay > float64(w.cfg.RetryMaxDelay) {
		delay = float64(w.cfg.RetryMaxDelay)
	}
	return time.Duration(delay)
}

func (w *Worker) fire(ctx context.Context) {
	if w.nudge == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}
	if err := w.nudge.Fire(ctx); err != nil {
		w.logger.Printf("warn: worker nudge failed: %v", err)
	}
}

func truncate(raw []byte, limit int) string {
	if len(raw) <= limit {
		return string(raw)
	}
	return string(raw[:limit]) + "..."
}
