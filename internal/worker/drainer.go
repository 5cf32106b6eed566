package worker

import (
	"context"
	"log"
	"time"
)

// Invoker is one worker cycle.
type Invoker interface {
	Invoke(ctx context.Context) (Outcome, error)
}

type DrainConfig struct {
	MinPoll time.Duration
	MaxPoll time.Duration
}

// Drainer runs cycles back to back while they find work. When idle it waits for
// a nudge or a poll timer whose interval doubles up to MaxPoll; a nudge or any
// processed job resets it.
type Drainer struct {
	worker Invoker
	nudges <-chan struct{}
	cfg    DrainConfig
	logger *log.Logger
}

func NewDrainer(worker Invoker, nudges <-chan struct{}, cfg DrainConfig, logger *log.Logger) *Drainer {
	if cfg.MinPoll <= 0 {
		cfg.MinPoll = time.Second
	}
	if cfg.MaxPoll <= 0 {
		cfg.MaxPoll = 30 * time.Second
	}
	if cfg.MaxPoll < cfg.MinPoll {
		cfg.MaxPoll = cfg.MinPoll
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Drainer{worker: worker, nudges: nudges, cfg: cfg, logger: logger}
}

// Run blocks until ctx is done. Cycles never overlap.
func (d *Drainer) Run(ctx context.Context) error {
	d.logger.Printf("drainer started min_poll=%s max_poll=%s", d.cfg.MinPoll, d.cfg.MaxPoll)
	delay := d.cfg.MinPoll
	for {
		if ctx.Err() != nil {
			d.logger.Printf("drainer stopping")
			return nil
		}

		outcome, err := d.worker.Invoke(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.Printf("warn: worker cycle failed: %v", err)
		}
		if err == nil && outcome != OutcomeIdle && outcome != OutcomeBusy {
			delay = d.cfg.MinPoll
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.logger.Printf("drainer stopping")
			return nil
		case <-d.nudges:
			timer.Stop()
			delay = d.cfg.MinPoll
		case <-timer.C:
			delay *= 2
			if delay > d.cfg.MaxPoll {
				delay = d.cfg.MaxPoll
			}
		}
	}
}
