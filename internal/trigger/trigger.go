// Package trigger delivers nudges: fire-and-forget requests for one more worker
// cycle. A nudge carries no payload and may be lost; workers also poll.
package trigger

import "context"

type Trigger interface {
	Fire(ctx context.Context) error
}

// Local is an in-process trigger. Pending nudges coalesce: firing while one is
// already waiting is a no-op.
type Local struct {
	ch chan struct{}
}

func NewLocal() *Local {
	return &Local{ch: make(chan struct{}, 1)}
}

func (l *Local) Fire(context.Context) error {
	select {
	case l.ch <- struct{}{}:
	default:
	}
	return nil
}

// C receives one value per coalesced nudge.
func (l *Local) C() <-chan struct{} {
	return l.ch
}

// Func adapts a function to Trigger.
type Func func(ctx context.Context) error

func (f Func) Fire(ctx context.Context) error {
	return f(ctx)
}

// Fanout fires every trigger and returns the first error.
type Fanout []Trigger

func (f Fanout) Fire(ctx context.Context) error {
	var first error
	for _, t := range f {
		if t == nil {
			continue
		}
		if err := t.Fire(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
