package slot

import (
	"context"
	"log"
	"sync"
	"time"
)

// Keep renews ticket every ttl/3 until the returned stop func is called. If a
// renewal reports the slot lost, lost is invoked once and renewals end.
func Keep(ctx context.Context, guard Guard, ticket Ticket, ttl time.Duration, logger *log.Logger, lost func()) (stop func()) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = log.Default()
	}
	interval := ttl / 3
	if interval <= 0 {
		interval = ttl
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				next, ok, err := guard.Renew(ctx, ticket, ttl)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					logger.Printf("warn: slot renew holder=%s token=%d failed: %v", ticket.Holder, ticket.Token, err)
					continue
				}
				if !ok {
					logger.Printf("warn: slot lost holder=%s token=%d", ticket.Holder, ticket.Token)
					if lost != nil {
						lost()
					}
					return
				}
				ticket = next
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}
