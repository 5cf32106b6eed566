package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps message ids in a sorted set scored by the unix-millisecond
// time they become visible. Bodies, receive counts and current receipts live in
// hashes; dead letters are pushed onto a list.
type RedisQueue struct {
	client redis.Cmdable
	prefix string
	opts   Options
}

func NewRedisQueue(client redis.Cmdable, name string, opts Options) *RedisQueue {
	normalized := strings.TrimSpace(name)
	if normalized == "" {
		normalized = "megatest:jobs"
	}
	return &RedisQueue{client: client, prefix: normalized, opts: opts.normalized()}
}

func (q *RedisQueue) Send(ctx context.Context, body []byte) (string, error) {
	if len(body) == 0 {
		return "", errors.New("message body is required")
	}
	id := newID()
	now := q.opts.Now().UnixMilli()
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key("body"), id, body)
		pipe.HSet(ctx, q.key("count"), id, 0)
		pipe.ZAdd(ctx, q.key("ready"), redis.Z{Score: float64(now), Member: id})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("queue send: %w", err)
	}
	return id, nil
}

func (q *RedisQueue) Receive(ctx context.Context, visibility time.Duration) (Message, bool, error) {
	now := q.opts.Now().UnixMilli()
	raw, err := receiveScript.Run(ctx, q.client, q.keys(),
		now, visibility.Milliseconds(), q.opts.MaxReceives, newID(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("queue receive: %w", err)
	}
	if len(raw) != 4 {
		return Message{}, false, fmt.Errorf("queue receive: unexpected reply of %d items", len(raw))
	}

	msg := Message{
		ID:      fmt.Sprint(raw[0]),
		Body:    []byte(fmt.Sprint(raw[1])),
		Receipt: fmt.Sprint(raw[2]),
	}
	switch count := raw[3].(type) {
	case int64:
		msg.ReceiveCount = int(count)
	default:
		parsed, err := strconv.Atoi(fmt.Sprint(count))
		if err != nil {
			return Message{}, false, fmt.Errorf("queue receive: bad receive count %v", count)
		}
		msg.ReceiveCount = parsed
	}
	return msg, true, nil
}

func (q *RedisQueue) Delete(ctx context.Context, receipt string) error {
	id, err := messageIDOf(receipt)
	if err != nil {
		return err
	}
	deleted, err := deleteScript.Run(ctx, q.client, q.keys(), id, receipt).Int()
	if err != nil {
		return fmt.Errorf("queue delete: %w", err)
	}
	if deleted == 0 {
		return ErrReceiptInvalid
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, receipt string, delay time.Duration) error {
	id, err := messageIDOf(receipt)
	if err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}
	visibleAt := q.opts.Now().Add(delay).UnixMilli()
	nacked, err := nackScript.Run(ctx, q.client, q.keys(), id, receipt, visibleAt).Int()
	if err != nil {
		return fmt.Errorf("queue nack: %w", err)
	}
	if nacked == 0 {
		return ErrReceiptInvalid
	}
	return nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	now := strconv.FormatInt(q.opts.Now().UnixMilli(), 10)
	var pending, inFlight *redis.IntCmd
	var dead *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pending = pipe.ZCount(ctx, q.key("ready"), "-inf", now)
		inFlight = pipe.ZCount(ctx, q.key("ready"), "("+now, "+inf")
		dead = pipe.LLen(ctx, q.key("dead"))
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Pending:      pending.Val(),
		InFlight:     inFlight.Val(),
		DeadLettered: dead.Val(),
	}, nil
}

// DeadLetters lists dead letters, most recent first.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := q.client.LRange(ctx, q.key("dead"), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("queue dead letters: %w", err)
	}
	if len(ids) == 0 {
		return []DeadLetter{}, nil
	}
	bodies, err := q.client.HMGet(ctx, q.key("deadbody"), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("queue dead letter bodies: %w", err)
	}
	metas, err := q.client.HMGet(ctx, q.key("deadmeta"), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("queue dead letter metadata: %w", err)
	}

	out := make([]DeadLetter, 0, len(ids))
	for i, id := range ids {
		letter := DeadLetter{ID: id}
		if body, ok := bodies[i].(string); ok {
			letter.Body = []byte(body)
		}
		if meta, ok := metas[i].(string); ok {
			count, at, _ := strings.Cut(meta, "|")
			letter.ReceiveCount, _ = strconv.Atoi(count)
			if ms, err := strconv.ParseInt(at, 10, 64); err == nil {
				letter.DeadLetteredAt = time.UnixMilli(ms).UTC()
			}
		}
		out = append(out, letter)
	}
	return out, nil
}

func (q *RedisQueue) key(part string) string {
	return q.prefix + ":" + part
}

func (q *RedisQueue) keys() []string {
	return []string{
		q.key("ready"),
		q.key("body"),
		q.key("count"),
		q.key("receipt"),
		q.key("dead"),
		q.key("deadbody"),
		q.key("deadmeta"),
	}
}

// KEYS: ready, body, count, receipt, dead, deadbody, deadmeta
// ARGV: now ms, visibility ms, max receives, delivery id
var receiveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local max = tonumber(ARGV[3])
while true do
  local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", now, "LIMIT", 0, 1)
  if #ids == 0 then
    return false
  end
  local id = ids[1]
  local count = tonumber(redis.call("HGET", KEYS[3], id) or "0")
  local body = redis.call("HGET", KEYS[2], id)
  if (not body) or count >= max then
    redis.call("ZREM", KEYS[1], id)
    redis.call("HDEL", KEYS[2], id)
    redis.call("HDEL", KEYS[3], id)
    redis.call("HDEL", KEYS[4], id)
    if body then
      redis.call("HSET", KEYS[6], id, body)
      redis.call("HSET", KEYS[7], id, count .. "|" .. ARGV[1])
      redis.call("LPUSH", KEYS[5], id)
    end
  else
    count = count + 1
    local receipt = id .. "." .. ARGV[4]
    redis.call("HSET", KEYS[3], id, count)
    redis.call("HSET", KEYS[4], id, receipt)
    redis.call("ZADD", KEYS[1], now + tonumber(ARGV[2]), id)
    return {id, body, receipt, count}
  end
end
`)

// ARGV: id, receipt
var deleteScript = redis.NewScript(`
if redis.call("HGET", KEYS[4], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("HDEL", KEYS[3], ARGV[1])
redis.call("HDEL", KEYS[4], ARGV[1])
return 1
`)

// ARGV: id, receipt, visible-at ms
var nackScript = redis.NewScript(`
if redis.call("HGET", KEYS[4], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call("HDEL", KEYS[4], ARGV[1])
redis.call("ZADD", KEYS[1], "XX", tonumber(ARGV[3]), ARGV[1])
return 1
`)
