package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

type inMemoryEntry struct {
	id        string
	body      []byte
	seq       uint64
	visibleAt time.Time
	count     int
	receipt   string
}

// InMemory is a process-local Queue.
type InMemory struct {
	opts Options

	mu      sync.Mutex
	seq     uint64
	entries map[string]*inMemoryEntry
	dead    []DeadLetter
}

func NewInMemory(opts Options) *InMemory {
	return &InMemory{
		opts:    opts.normalized(),
		entries: make(map[string]*inMemoryEntry),
	}
}

func (q *InMemory) Send(ctx context.Context, body []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(body) == 0 {
		return "", errors.New("message body is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	entry := &inMemoryEntry{
		id:        newID(),
		body:      append([]byte(nil), body...),
		seq:       q.seq,
		visibleAt: q.opts.Now(),
	}
	q.entries[entry.id] = entry
	return entry.id, nil
}

func (q *InMemory) Receive(ctx context.Context, visibility time.Duration) (Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, false, err
	}
	now := q.opts.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, entry := range q.visibleLocked(now) {
		if entry.count >= q.opts.MaxReceives {
			delete(q.entries, entry.id)
			q.dead = append(q.dead, DeadLetter{
				ID:             entry.id,
				Body:           entry.body,
				ReceiveCount:   entry.count,
				DeadLetteredAt: now,
			})
			continue
		}
		entry.count++
		entry.receipt = newReceipt(entry.id)
		entry.visibleAt = now.Add(visibility)
		return Message{
			ID:           entry.id,
			Body:         append([]byte(nil), entry.body...),
			Receipt:      entry.receipt,
			ReceiveCount: entry.count,
		}, true, nil
	}
	return Message{}, false, nil
}

func (q *InMemory) Delete(ctx context.Context, receipt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, err := q.byReceiptLocked(receipt)
	if err != nil {
		return err
	}
	delete(q.entries, entry.id)
	return nil
}

func (q *InMemory) Nack(ctx context.Context, receipt string, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}
	now := q.opts.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, err := q.byReceiptLocked(receipt)
	if err != nil {
		return err
	}
	entry.receipt = ""
	entry.visibleAt = now.Add(delay)
	return nil
}

func (q *InMemory) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	now := q.opts.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	var stats Stats
	for _, entry := range q.entries {
		if entry.visibleAt.After(now) {
			stats.InFlight++
		} else {
			stats.Pending++
		}
	}
	stats.DeadLettered = int64(len(q.dead))
	return stats, nil
}

// DeadLetters lists dead letters, most recent first.
func (q *InMemory) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.dead) {
		limit = len(q.dead)
	}
	out := make([]DeadLetter, 0, limit)
	for i := len(q.dead) - 1; i >= 0 && len(out) < limit; i-- {
		letter := q.dead[i]
		letter.Body = append([]byte(nil), letter.Body...)
		out = append(out, letter)
	}
	return out, nil
}

func (q *InMemory) visibleLocked(now time.Time) []*inMemoryEntry {
	visible := make([]*inMemoryEntry, 0, len(q.entries))
	for _, entry := range q.entries {
		if !entry.visibleAt.After(now) {
			visible = append(visible, entry)
		}
	}
	sort.Slice(visible, func(i, j int) bool {
		if !visible[i].visibleAt.Equal(visible[j].visibleAt) {
			return visible[i].visibleAt.Before(visible[j].visibleAt)
		}
		return visible[i].seq < visible[j].seq
	})
	return visible
}

func (q *InMemory) byReceiptLocked(receipt string) (*inMemoryEntry, error) {
	id, err := messageIDOf(receipt)
	if err != nil {
		return nil, err
	}
	entry, ok := q.entries[id]
	if !ok || entry.receipt == "" || entry.receipt != receipt {
		return nil, ErrReceiptInvalid
	}
	return entry, nil
}
