// Package steps implements the step language that drives one browser session:
// a closed set of step kinds, their JSON wire form, and the interpreter.
package steps

import (
	"context"
	"math"
	"time"
)

type Kind string

const (
	KindNavigate Kind = "navigate"
	KindLocate   Kind = "locate"
	KindClick    Kind = "click"
	KindCapture  Kind = "capture"
	KindWait     Kind = "wait"
)

// Step is one node of a Program. The set of implementations is closed: adding a
// kind means adding a visitor method, which every interpreter must then implement.
type Step interface {
	Kind() Kind
	accept(ctx context.Context, v visitor) error
}

type visitor interface {
	visitNavigate(ctx context.Context, step Navigate) error
	visitLocate(ctx context.Context, step Locate) error
	visitClick(ctx context.Context, step Click) error
	visitCapture(ctx context.Context, step Capture) error
	visitWait(ctx context.Context, step Wait) error
	visitUnknown(ctx context.Context, step Unknown) error
}

// Program is an ordered list of steps.
type Program []Step

// Selector names exactly one way of finding an element. Under, when set, scopes the
// search to an element bound earlier in the same run.
type Selector struct {
	XPath     string
	ClassName string
	ID        string
	CSS       string
	Ref       string
	Under     string
}

type Navigate struct {
	URL string
}

type Locate struct {
	By          Selector
	BindAs      string
	WaitTimeout time.Duration
}

type Click struct {
	By          Selector
	WaitTimeout time.Duration
}

type Capture struct {
	Name string
}

type Wait struct {
	Milliseconds int64
	Seconds      float64
}

// MaxWait bounds any single wait or locate timeout in a step program.
const MaxWait = time.Hour

// Duration is the larger of the explicit milliseconds and seconds values,
// capped at MaxWait.
func (w Wait) Duration() time.Duration {
	ms := MaxWait
	if w.Milliseconds < int64(MaxWait/time.Millisecond) {
		ms = time.Duration(w.Milliseconds) * time.Millisecond
	}
	var secs time.Duration
	switch {
	case math.IsNaN(w.Seconds):
	case w.Seconds >= MaxWait.Seconds():
		secs = MaxWait
	default:
		secs = time.Duration(w.Seconds * float64(time.Second))
	}
	if secs > ms {
		return secs
	}
	return ms
}

// Unknown carries a step whose cmd this build does not understand. It is kept
// verbatim so it survives re-encoding and is skipped at run time.
type Unknown struct {
	Cmd string
	Raw []byte
}

func (Navigate) Kind() Kind { return KindNavigate }
func (Locate) Kind() Kind   { return KindLocate }
func (Click) Kind() Kind    { return KindClick }
func (Capture) Kind() Kind  { return KindCapture }
func (Wait) Kind() Kind     { return KindWait }
func (u Unknown) Kind() Kind {
	return Kind(u.Cmd)
}

func (s Navigate) accept(ctx context.Context, v visitor) error { return v.visitNavigate(ctx, s) }
func (s Locate) accept(ctx context.Context, v visitor) error   { return v.visitLocate(ctx, s) }
func (s Click) accept(ctx context.Context, v visitor) error    { return v.visitClick(ctx, s) }
func (s Capture) accept(ctx context.Context, v visitor) error  { return v.visitCapture(ctx, s) }
func (s Wait) accept(ctx context.Context, v visitor) error     { return v.visitWait(ctx, s) }
func (s Unknown) accept(ctx context.Context, v visitor) error  { return v.visitUnknown(ctx, s) }
