package slot

import (
	"context"
	"sync"
	"time"
)

// InMemoryGuard serialises holders within one process.
type InMemoryGuard struct {
	mu      sync.Mutex
	seq     uint64
	current *Ticket
	now     func() time.Time
}

func NewInMemoryGuard() *InMemoryGuard {
	return &InMemoryGuard{now: func() time.Time { return time.Now().UTC() }}
}

func (g *InMemoryGuard) Acquire(_ context.Context, holder string, ttl time.Duration) (Ticket, bool, error) {
	holder, ttl, err := normalize(holder, ttl)
	if err != nil {
		return Ticket{}, false, err
	}

	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current != nil && now.Before(g.current.ExpiresAt) {
		return Ticket{}, false, nil
	}

	g.seq++
	ticket := Ticket{Holder: holder, Token: g.seq, ExpiresAt: now.Add(ttl)}
	g.current = &ticket
	return ticket, true, nil
}

func (g *InMemoryGuard) Renew(_ context.Context, ticket Ticket, ttl time.Duration) (Ticket, bool, error) {
	if err := checkTicket(ticket); err != nil {
		return Ticket{}, false, err
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}

	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return Ticket{}, false, nil
	}
	if now.After(g.current.ExpiresAt) {
		g.current = nil
		return Ticket{}, false, nil
	}
	if g.current.Holder != ticket.Holder || g.current.Token != ticket.Token {
		return Ticket{}, false, nil
	}

	g.current.ExpiresAt = now.Add(ttl)
	return *g.current, true, nil
}

func (g *InMemoryGuard) Release(_ context.Context, ticket Ticket) error {
	if err := checkTicket(ticket); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return nil
	}
	if g.current.Holder != ticket.Holder || g.current.Token != ticket.Token {
		return nil
	}
	g.current = nil
	return nil
}
