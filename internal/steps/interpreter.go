package steps

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jaystack/device-megatest/internal/browser"
	"github.com/jaystack/device-megatest/internal/capture"
)

type Options struct {
	PollInterval time.Duration
	Logger       *log.Logger
	Tracer       trace.Tracer
}

// Interpreter runs step programs against browser sessions. It holds no per-run
// state and may be shared.
type Interpreter struct {
	store  capture.Store
	opts   Options
	logger *log.Logger
}

func NewInterpreter(store capture.Store, opts Options) *Interpreter {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/jaystack/device-megatest/internal/steps")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Interpreter{store: store, opts: opts, logger: logger}
}

// RunContext is the state of one interpreter run. Bindings never outlive it.
type RunContext struct {
	TestID   string
	DeviceID string
	Captures []*capture.Record
	Skipped  int

	bindings map[string]browser.Element
}

// Bound returns the element stored under name by a locate step of this run.
func (c *RunContext) Bound(name string) (browser.Element, bool) {
	el, ok := c.bindings[name]
	return el, ok
}

// Run executes program in order. Element misses and capture failures are logged
// and recorded as absent; navigation failures, click failures on a found element,
// cancellation and a failed manifest upload are returned. The manifest is written
// only when every step ran.
func (i *Interpreter) Run(ctx context.Context, session browser.Session, testID, deviceID string, program Program) (*RunContext, error) {
	if i.store == nil {
		return nil, errors.New("capture store is not configured")
	}
	if session == nil {
		return nil, errors.New("browser session is required")
	}
	r := &run{
		interp:  i,
		session: session,
		state: &RunContext{
			TestID:   testID,
			DeviceID: deviceID,
			Captures: []*capture.Record{},
			bindings: make(map[string]browser.Element),
		},
	}

	for index, step := range program {
		if err := r.exec(ctx, index, step); err != nil {
			return r.state, fmt.Errorf("step %d (%s): %w", index, step.Kind(), err)
		}
	}

	manifest, err := capture.EncodeManifest(r.state.Captures)
	if err != nil {
		return r.state, err
	}
	if _, err := i.store.Put(ctx, capture.ManifestKey(testID, deviceID), capture.ContentTypeJSON, manifest); err != nil {
		return r.state, fmt.Errorf("upload capture manifest: %w", err)
	}
	return r.state, nil
}

type run struct {
	interp  *Interpreter
	session browser.Session
	state   *RunContext
}

func (r *run) exec(ctx context.Context, index int, step Step) error {
	ctx, span := r.interp.opts.Tracer.Start(ctx, "step."+string(step.Kind()), trace.WithAttributes(
		attribute.String("test.id", r.state.TestID),
		attribute.String("device.id", r.state.DeviceID),
		attribute.Int("step.index", index),
	))
	defer span.End()

	stepsExecuted.WithLabelValues(kindLabel(step)).Inc()
	err := step.accept(ctx, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *run) warnf(format string, args ...any) {
	prefix := fmt.Sprintf("warn: test=%s device=%s ", r.state.TestID, r.state.DeviceID)
	r.interp.logger.Printf(prefix+format, args...)
}

func (r *run) visitNavigate(ctx context.Context, step Navigate) error {
	if err := r.session.Navigate(ctx, step.URL); err != nil {
		return fmt.Errorf("navigate to %s: %w", step.URL, err)
	}
	return nil
}

func (r *run) visitLocate(ctx context.Context, step Locate) error {
	el, err := r.locate(ctx, step.By, step.WaitTimeout)
	if err != nil {
		return err
	}
	if el != nil && step.BindAs != "" {
		r.state.bindings[step.BindAs] = el
	}
	return nil
}

func (r *run) visitClick(ctx context.Context, step Click) error {
	el, err := r.locate(ctx, step.By, step.WaitTimeout)
	if err != nil {
		return err
	}
	if el == nil {
		r.warnf("click skipped: no element for %s", describeSelector(step.By))
		return nil
	}
	if err := r.session.Click(ctx, el); err != nil {
		return fmt.Errorf("click %s: %w", describeSelector(step.By), err)
	}
	return nil
}

func (r *run) visitCapture(ctx context.Context, step Capture) error {
	key := capture.ArtifactKey(r.state.TestID, r.state.DeviceID, step.Name)
	record, err := r.capture(ctx, key)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		r.warnf("capture %s failed: %v", key, err)
		capturesStored.WithLabelValues("failed").Inc()
		r.state.Captures = append(r.state.Captures, nil)
		return nil
	}
	capturesStored.WithLabelValues("stored").Inc()
	r.state.Captures = append(r.state.Captures, record)
	return nil
}

func (r *run) capture(ctx context.Context, key string) (*capture.Record, error) {
	payload, err := r.session.Screenshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("take screenshot: %w", err)
	}
	body, err := capture.DecodeScreenshot(payload)
	if err != nil {
		return nil, err
	}
	info, err := r.interp.store.Put(ctx, key, capture.ContentTypePNG, body)
	if err != nil {
		return nil, fmt.Errorf("upload screenshot: %w", err)
	}
	return &capture.Record{Key: key, Upload: &info}, nil
}

func (r *run) visitWait(ctx context.Context, step Wait) error {
	d := step.Duration()
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *run) visitUnknown(_ context.Context, step Unknown) error {
	r.state.Skipped++
	r.warnf("skipping unsupported step cmd=%q", step.Cmd)
	return nil
}

// locate resolves a selector to one element. A miss yields (nil, nil) after a
// warning; only cancellation is returned as an error.
func (r *run) locate(ctx context.Context, by Selector, timeout time.Duration) (browser.Element, error) {
	if by.Ref != "" {
		el, ok := r.state.bindings[by.Ref]
		if !ok {
			r.warnf("no element bound as %q", by.Ref)
		}
		return el, nil
	}

	var root browser.Element
	if by.Under != "" {
		el, ok := r.state.bindings[by.Under]
		if !ok {
			r.warnf("no element bound as %q to search under", by.Under)
			return nil, nil
		}
		root = el
	}

	loc := locatorFor(by)
	deadline := time.Now().Add(timeout)
	for {
		el, err := r.session.FindElement(ctx, loc, root)
		if err == nil && el != nil {
			return el, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if err == nil {
				err = browser.ErrNoSuchElement
			}
			r.warnf("locate %s failed after %s: %v", loc, timeout, err)
			return nil, nil
		}

		wait := r.interp.opts.PollInterval
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func locatorFor(by Selector) browser.Locator {
	switch {
	case by.XPath != "":
		return browser.Locator{Using: browser.StrategyXPath, Value: by.XPath}
	case by.ClassName != "":
		return browser.Locator{Using: browser.StrategyCSS, Value: "." + cssEscape(by.ClassName)}
	case by.ID != "":
		return browser.Locator{Using: browser.StrategyCSS, Value: "#" + cssEscape(by.ID)}
	default:
		return browser.Locator{Using: browser.StrategyCSS, Value: by.CSS}
	}
}

// cssEscape serialises an identifier the way CSS.escape does, so class names
// and ids such as "md:flex" or "1st" survive as a single compound selector.
func cssEscape(ident string) string {
	runes := []rune(ident)
	var b strings.Builder
	for i, r := range runes {
		switch {
		case r == 0:
			b.WriteRune('\uFFFD')
		case (r >= 0x01 && r <= 0x1F) || r == 0x7F,
			i == 0 && r >= '0' && r <= '9',
			i == 1 && r >= '0' && r <= '9' && runes[0] == '-':
			fmt.Fprintf(&b, "\\%x ", r)
		case i == 0 && r == '-' && len(runes) == 1:
			b.WriteString("\\-")
		case r >= 0x80, r == '-', r == '_',
			r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		default:
			b.WriteByte('\\')
			b.WriteRune(r)
		}
	}
	return b.String()
}

func describeSelector(by Selector) string {
	if by.Ref != "" {
		return "ref " + by.Ref
	}
	desc := locatorFor(by).String()
	if by.Under != "" {
		desc += " under " + by.Under
	}
	return desc
}

func kindLabel(step Step) string {
	if _, ok := step.(Unknown); ok {
		return "unknown"
	}
	return strings.ToLower(string(step.Kind()))
}
