package state

import (
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound         = errors.New("key not found")
	ErrKeyExists        = errors.New("key already exists")
	ErrRevisionMismatch = errors.New("revision mismatch")
	ErrClosed           = errors.New("store closed")
	ErrLockHeld         = errors.New("lock already held")
	ErrLockNotHeld      = errors.New("lock not held")
	ErrLockExpired      = errors.New("lock expired")
	ErrInvalidKey       = errors.New("invalid key")
	ErrInvalidTTL       = errors.New("invalid TTL")
)

// KeyValue represents a key-value entry with metadata.
type KeyValue struct {
	// Key is the entry key.
	Key string

	// Value is the entry value.
	Value []byte

	// Revision changes on every write to the key. Pass it to Update.
	Revision uint64

	// Created is when the key was first created.
	Created time.Time

	// Modified is when the key was last modified.
	Modified time.Time
}

// StateStore provides shared key-value storage with optimistic concurrency
// and locking.
type StateStore interface {
	// Get retrieves a value by key.
	// Returns ErrNotFound if the key does not exist.
	Get(key string) ([]byte, error)

	// GetKeyValue retrieves the full KeyValue entry.
	// Returns ErrNotFound if the key does not exist.
	GetKeyValue(key string) (*KeyValue, error)

	// Put stores a value with an optional TTL.
	// If ttl is 0, the key never expires.
	Put(key string, value []byte, ttl time.Duration) error

	// Create stores a value only if the key does not exist.
	// Returns ErrKeyExists otherwise.
	Create(key string, value []byte) (uint64, error)

	// Update replaces a value only if its current revision matches.
	// Returns ErrRevisionMismatch if another writer got there first.
	Update(key string, value []byte, revision uint64) (uint64, error)

	// Delete removes a key.
	// Returns nil if the key does not exist.
	Delete(key string) error

	// Keys returns all keys matching a pattern.
	// Pattern supports * wildcard at the end (e.g., "executions.*").
	Keys(pattern string) ([]string, error)

	// Lock acquires a lock with the given TTL.
	// Returns ErrLockHeld if the lock is already held.
	Lock(key string, ttl time.Duration) (Lock, error)

	// Close shuts down the store and releases resources.
	Close() error
}

// Lock represents a held lock.
type Lock interface {
	// Unlock releases the lock.
	// Returns ErrLockNotHeld if already released.
	Unlock() error

	// Refresh extends the lock TTL.
	// Returns ErrLockExpired if the lock has expired.
	Refresh() error

	// Key returns the lock key.
	Key() string
}

// lockKey is where a lock on key is stored.
func lockKey(key string) string {
	return "_lock." + key
}

// ValidateKey checks if a key is valid.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if strings.ContainsAny(key, " *>") {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") {
		return ErrInvalidKey
	}
	if len(key) > 1024 {
		return ErrInvalidKey
	}
	return nil
}

// ValidateTTL checks if a TTL is valid.
func ValidateTTL(ttl time.Duration) error {
	if ttl < 0 {
		return ErrInvalidTTL
	}
	return nil
}

// MatchPattern checks if a key matches a pattern.
// Supports * wildcard at the end (e.g., "config.*" matches "config.foo").
func MatchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(key, prefix)
	}
	return pattern == key
}
