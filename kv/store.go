// Package kv defines the key-value store the facilitator persists nonce
// records and discovery entries in, together with its backends.
//
// The contract is deliberately small and matches an eventually-consistent,
// last-writer-wins store with per-key expiry and no transactions:
//   - Get returns ErrNotFound for absent or expired keys
//   - Put overwrites and (re)sets the expiry; ttl <= 0 means no expiry
//   - Delete is idempotent
//   - List returns at most limit live keys with the given prefix, in key order
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// MaxKeyLength is the largest key accepted by every backend.
const MaxKeyLength = 512

// Store is the key-value store used by the nonce ledger and discovery catalog.
// Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string, limit int) ([]string, error)
}

// Closer is implemented by backends holding connections.
type Closer interface {
	Close() error
}

// ErrInvalidKey is returned by Put for empty or oversized keys.
var ErrInvalidKey = errors.New("kv: invalid key")

// ValidateKey checks key against the limits shared by all backends.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidKey, len(key), MaxKeyLength)
	}
	return nil
}

// GetJSON reads key and decodes it into v.
func GetJSON(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("kv: decode %s: %w", key, err)
	}
	return nil
}

// PutJSON encodes v and stores it under key.
func PutJSON(ctx context.Context, s Store, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv: encode %s: %w", key, err)
	}
	return s.Put(ctx, key, data, ttl)
}
