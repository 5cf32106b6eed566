package slot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGuard shares the slot between processes. The slot key holds
// "<holder>|<token>" with a PX expiry; renew and release compare that value.
type RedisGuard struct {
	client redis.Cmdable
	prefix string
}

func NewRedisGuard(client redis.Cmdable, prefix string) *RedisGuard {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = "megatest:slot"
	}
	return &RedisGuard{client: client, prefix: normalized}
}

func (g *RedisGuard) Acquire(ctx context.Context, holder string, ttl time.Duration) (Ticket, bool, error) {
	holder, ttl, err := normalize(holder, ttl)
	if err != nil {
		return Ticket{}, false, err
	}

	token, err := g.client.Incr(ctx, g.seqKey()).Uint64()
	if err != nil {
		return Ticket{}, false, fmt.Errorf("slot incr token: %w", err)
	}

	acquired, err := g.client.SetNX(ctx, g.holdKey(), holdValue(holder, token), ttl).Result()
	if err != nil {
		return Ticket{}, false, fmt.Errorf("slot setnx: %w", err)
	}
	if !acquired {
		return Ticket{}, false, nil
	}
	return Ticket{Holder: holder, Token: token, ExpiresAt: time.Now().UTC().Add(ttl)}, true, nil
}

func (g *RedisGuard) Renew(ctx context.Context, ticket Ticket, ttl time.Duration) (Ticket, bool, error) {
	if err := checkTicket(ticket); err != nil {
		return Ticket{}, false, err
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}

	renewed, err := renewSlotScript.Run(ctx, g.client, []string{g.holdKey()}, holdValue(ticket.Holder, ticket.Token), ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Ticket{}, false, fmt.Errorf("slot renew: %w", err)
	}
	if renewed == 0 {
		return Ticket{}, false, nil
	}
	ticket.ExpiresAt = time.Now().UTC().Add(ttl)
	return ticket, true, nil
}

func (g *RedisGuard) Release(ctx context.Context, ticket Ticket) error {
	if err := checkTicket(ticket); err != nil {
		return err
	}
	_, err := releaseSlotScript.Run(ctx, g.client, []string{g.holdKey()}, holdValue(ticket.Holder, ticket.Token)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("slot release: %w", err)
	}
	return nil
}

func (g *RedisGuard) holdKey() string {
	return g.prefix + ":hold"
}

func (g *RedisGuard) seqKey() string {
	return g.prefix + ":seq"
}

func holdValue(holder string, token uint64) string {
	return fmt.Sprintf("%s|%d", holder, token)
}

var releaseSlotScript = redis.NewScript(`
local existing = redis.call("GET", KEYS[1])
if not existing then
  return 0
end
if existing == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var renewSlotScript = redis.NewScript(`
local existing = redis.call("GET", KEYS[1])
if not existing then
  return 0
end
if existing == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
