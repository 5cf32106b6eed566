package capture

import (
	"context"
	"sort"
	"sync"
)

type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func (s *MemoryStore) Put(ctx context.Context, key, contentType string, body []byte) (UploadInfo, error) {
	if ctx.Err() != nil {
		return UploadInfo{}, ctx.Err()
	}
	if err := validateKey(key); err != nil {
		return UploadInfo{}, err
	}
	s.mu.Lock()
	s.objects[key] = append([]byte(nil), body...)
	s.types[key] = contentType
	s.mu.Unlock()
	return describe(contentType, body), nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), raw...), nil
}

// Keys lists stored keys in lexical order.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of every stored object.
func (s *MemoryStore) Snapshot() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(s.objects))
	for key, raw := range s.objects {
		out[key] = append([]byte(nil), raw...)
	}
	return out
}
