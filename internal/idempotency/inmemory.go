package idempotency

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

type memoryItem struct {
	entry     Entry
	expiresAt time.Time
}

type claimItem struct {
	owner     string
	expiresAt time.Time
}

type InMemoryStore struct {
	mu     sync.Mutex
	items  map[string]memoryItem
	claims map[string]claimItem
	now    func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		items:  make(map[string]memoryItem),
		claims: make(map[string]claimItem),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) Get(_ context.Context, scope, key string) (Entry, bool, error) {
	compound, err := normalizeCompoundKey(scope, key)
	if err != nil {
		return Entry{}, false, err
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[compound]
	if !ok {
		return Entry{}, false, nil
	}
	if now.After(item.expiresAt) {
		delete(s.items, compound)
		return Entry{}, false, nil
	}
	return item.entry, true, nil
}

func (s *InMemoryStore) Claim(_ context.Context, scope, key, owner string, ttl time.Duration) (bool, error) {
	compound, err := normalizeCompoundKey(scope, key)
	if err != nil {
		return false, err
	}
	if owner, err = normalizeOwner(owner); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.claims[compound]; ok && now.Before(existing.expiresAt) {
		return false, nil
	}
	s.claims[compound] = claimItem{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) Save(_ context.Context, scope, key string, entry Entry, ttl time.Duration) error {
	compound, err := normalizeCompoundKey(scope, key)
	if err != nil {
		return err
	}
	if strings.TrimSpace(entry.TestID) == "" {
		return errors.New("entry test id is required")
	}
	if ttl <= 0 {
		ttl = DefaultEntryTTL
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[compound] = memoryItem{entry: entry, expiresAt: now.Add(ttl)}
	return nil
}

func (s *InMemoryStore) Release(_ context.Context, scope, key, owner string) error {
	compound, err := normalizeCompoundKey(scope, key)
	if err != nil {
		return err
	}
	if owner, err = normalizeOwner(owner); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.claims[compound]; ok && existing.owner == owner {
		delete(s.claims, compound)
	}
	return nil
}
