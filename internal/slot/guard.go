// Package slot guards the single remote browser session the automation backend
// allows. At most one holder owns the slot at a time; ownership expires unless renewed.
package slot

import (
	"context"
	"errors"
	"strings"
	"time"
)

const defaultTTL = 3 * time.Minute

// Ticket proves ownership of the slot. Token is a fencing token that grows with
// every successful Acquire.
type Ticket struct {
	Holder    string
	Token     uint64
	ExpiresAt time.Time
}

type Guard interface {
	// Acquire returns ok=false without error when another holder owns the slot.
	Acquire(ctx context.Context, holder string, ttl time.Duration) (Ticket, bool, error)
	Renew(ctx context.Context, ticket Ticket, ttl time.Duration) (Ticket, bool, error)
	Release(ctx context.Context, ticket Ticket) error
}

func normalize(holder string, ttl time.Duration) (string, time.Duration, error) {
	holder = strings.TrimSpace(holder)
	if holder == "" {
		return "", 0, errors.New("slot holder is required")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return holder, ttl, nil
}

func checkTicket(ticket Ticket) error {
	if strings.TrimSpace(ticket.Holder) == "" {
		return errors.New("slot holder is required")
	}
	if ticket.Token == 0 {
		return errors.New("slot token is required")
	}
	return nil
}
