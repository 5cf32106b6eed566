// Package scheduler expands a multi-device test request into per-device jobs.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jaystack/device-megatest/internal/capture"
	"github.com/jaystack/device-megatest/internal/queue"
	"github.com/jaystack/device-megatest/internal/testdef"
	"github.com/jaystack/device-megatest/internal/trigger"
)

var (
	// ErrInvalidRequest marks a request the caller must fix.
	ErrInvalidRequest = errors.New("invalid test request")
	// ErrNotConfigured marks a scheduler missing its store, queue or trigger.
	ErrNotConfigured = errors.New("scheduler is not configured")
)

type Options struct {
	Logger *log.Logger
	Tracer trace.Tracer
	// Concurrency bounds parallel persistence and enqueue calls.
	Concurrency int
	NewID       func() string
	Now         func() time.Time
}

type Scheduler struct {
	store   capture.Store
	queue   queue.Queue
	trigger trigger.Trigger
	opts    Options
	logger  *log.Logger
}

func New(store capture.Store, q queue.Queue, nudge trigger.Trigger, opts Options) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.NewID == nil {
		opts.NewID = NewTestID
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/jaystack/device-megatest/internal/scheduler")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{store: store, queue: q, trigger: nudge, opts: opts, logger: logger}
}

// NewTestID returns 128 random bits as hex.
func NewTestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// DecodeRequest parses a JSON TestRequest. Every failure wraps ErrInvalidRequest.
func DecodeRequest(raw []byte) (testdef.TestRequest, error) {
	var req testdef.TestRequest
	if len(strings.TrimSpace(string(raw))) == 0 {
		return req, fmt.Errorf("%w: request body is required", ErrInvalidRequest)
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return req, nil
}

// Schedule persists the definition and every device job, then enqueues the jobs
// and nudges the worker. Nothing is enqueued unless every definition was stored.
func (s *Scheduler) Schedule(ctx context.Context, req testdef.TestRequest) (testdef.TestDefinition, error) {
	if s.store == nil || s.queue == nil {
		return testdef.TestDefinition{}, ErrNotConfigured
	}
	if err := req.Validate(); err != nil {
		return testdef.TestDefinition{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	def := s.expand(req)
	ctx, span := s.opts.Tracer.Start(ctx, "scheduler.schedule", trace.WithAttributes(
		attribute.String("test.id", def.TestID),
		attribute.Int("test.devices", len(def.Devices)),
	))
	defer span.End()

	if err := s.persist(ctx, def); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return testdef.TestDefinition{}, err
	}
	if err := s.enqueue(ctx, def); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return testdef.TestDefinition{}, err
	}
	testsScheduled.Inc()
	jobsEnqueued.Add(float64(len(def.Devices)))
	s.logger.Printf("test scheduled test=%s devices=%d steps=%d", def.TestID, len(def.Devices), len(req.Test))

	if s.trigger != nil {
		if err := s.trigger.Fire(ctx); err != nil {
			s.logger.Printf("warn: test=%s worker nudge failed: %v", def.TestID, err)
		}
	}
	return def, nil
}

func (s *Scheduler) expand(req testdef.TestRequest) testdef.TestDefinition {
	testID := s.opts.NewID()
	created := s.opts.Now().UnixMilli()
	def := testdef.TestDefinition{
		TestID:  testID,
		Devices: make([]testdef.DeviceJob, 0, len(req.Devices)),
	}
	for i, device := range req.Devices {
		def.Devices = append(def.Devices, testdef.DeviceJob{
			SchemaVersion: testdef.SchemaVersion,
			TestID:        testID,
			DeviceID:      testdef.DeviceID(i),
			Capabilities:  testdef.CapabilitiesFor(device),
			CreationDate:  created,
			Test:          req.Test,
		})
	}
	return def
}

func (s *Scheduler) persist(ctx context.Context, def testdef.TestDefinition) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode test definition: %w", err)
	}
	if _, err := s.store.Put(ctx, capture.DefinitionKey(def.TestID), capture.ContentTypeJSON, raw); err != nil {
		return fmt.Errorf("persist test definition: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, job := range def.Devices {
		g.Go(func() error {
			body, err := testdef.EncodeDeviceJob(job)
			if err != nil {
				return err
			}
			if _, err := s.store.Put(gctx, capture.DeviceDefinitionKey(job.TestID, job.DeviceID), capture.ContentTypeJSON, body); err != nil {
				return fmt.Errorf("persist %s definition: %w", job.DeviceID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) enqueue(ctx context.Context, def testdef.TestDefinition) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, job := range def.Devices {
		g.Go(func() error {
			body, err := testdef.EncodeDeviceJob(job)
			if err != nil {
				return err
			}
			if _, err := s.queue.Send(gctx, body); err != nil {
				return fmt.Errorf("enqueue %s: %w", job.DeviceID, err)
			}
			return nil
		})
	}
	return g.Wait()
}
