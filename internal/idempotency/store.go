// Package idempotency remembers which test an Idempotency-Key launched, so a
// retried launch returns the original test instead of scheduling a new one.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

const (
	DefaultClaimTTL = 30 * time.Second
	DefaultEntryTTL = 24 * time.Hour
)

type Entry struct {
	TestID    string    `json:"test_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Store records launches per (scope, key). A claim is a short-lived lock taken
// while the first request schedules its test; Save records the outcome.
type Store interface {
	Get(ctx context.Context, scope, key string) (Entry, bool, error)
	Claim(ctx context.Context, scope, key, owner string, ttl time.Duration) (bool, error)
	Save(ctx context.Context, scope, key string, entry Entry, ttl time.Duration) error
	Release(ctx context.Context, scope, key, owner string) error
}

func normalizeCompoundKey(scope, key string) (string, error) {
	scope = strings.TrimSpace(scope)
	key = strings.TrimSpace(key)
	if scope == "" {
		return "", errors.New("scope is required")
	}
	if key == "" {
		return "", errors.New("key is required")
	}
	sum := sha256.Sum256([]byte(scope + "|" + key))
	return scope + ":" + hex.EncodeToString(sum[:]), nil
}

func normalizeOwner(owner string) (string, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return "", errors.New("owner is required")
	}
	return owner, nil
}
