package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore implements StateStore using NATS JetStream KV.
type NATSStore struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	config NATSStoreConfig
	closed atomic.Bool

	lockMu sync.Mutex
	locks  map[string]*natsLock
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// TTL is the bucket-wide entry TTL (0 = none).
	TTL time.Duration

	// History is the number of revisions to keep per key.
	// Default: 1
	History int

	// MaxValueSize is the maximum value size in bytes.
	// Default: 1MB
	MaxValueSize int32

	// Timeout bounds each KV operation.
	// Default: 5 seconds
	Timeout time.Duration
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "taskkit",
		History:      1,
		MaxValueSize: 1024 * 1024,
		Timeout:      5 * time.Second,
	}
}

// NewNATSStore creates a NATS JetStream KV store, creating the bucket if needed.
func NewNATSStore(cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	defaults := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = defaults.Bucket
	}
	if cfg.History <= 0 {
		cfg.History = defaults.History
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = defaults.MaxValueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		TTL:          cfg.TTL,
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSStore{
		conn:   cfg.Conn,
		js:     js,
		kv:     kv,
		config: cfg,
		locks:  make(map[string]*natsLock),
	}, nil
}

func (s *NATSStore) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.config.Timeout)
}

// Get retrieves a value by key.
func (s *NATSStore) Get(key string) ([]byte, error) {
	kv, err := s.GetKeyValue(key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue retrieves the full KeyValue entry.
func (s *NATSStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}

	return &KeyValue{
		Key:      entry.Key(),
		Value:    entry.Value(),
		Revision: entry.Revision(),
		Created:  entry.Created(),
		Modified: entry.Created(), // JetStream stamps each revision as Created
	}, nil
}

// Put stores a value. Per-key TTL is not supported by JetStream KV; ttl is
// validated and otherwise governed by the bucket TTL.
func (s *NATSStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	if _, err := s.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Create stores a value only if the key is absent.
func (s *NATSStore) Create(key string, value []byte) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	rev, err := s.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, ErrKeyExists
		}
		return 0, fmt.Errorf("kv create: %w", err)
	}
	return rev, nil
}

// Update replaces a value if its revision still matches.
func (s *NATSStore) Update(key string, value []byte, revision uint64) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	rev, err := s.kv.Update(ctx, key, value, revision)
	if err != nil {
		if isWrongLastSequence(err) {
			return 0, ErrRevisionMismatch
		}
		return 0, fmt.Errorf("kv update: %w", err)
	}
	return rev, nil
}

// isWrongLastSequence reports whether JetStream rejected a write because the
// expected revision was stale.
func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}

// Delete removes a key.
func (s *NATSStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	err := s.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// Keys returns all keys matching a pattern.
func (s *NATSStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*s.config.Timeout)
	defer cancel()

	var (
		lister jetstream.KeyLister
		err    error
	)
	if strings.HasSuffix(pattern, "*") && pattern != "*" {
		// NATS subject filters only accept wildcards on whole tokens.
		prefix := strings.TrimSuffix(pattern, "*")
		if strings.HasSuffix(prefix, ".") {
			lister, err = s.kv.ListKeysFiltered(ctx, prefix+">")
		} else {
			lister, err = s.kv.ListKeys(ctx)
		}
	} else {
		lister, err = s.kv.ListKeys(ctx)
	}
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	defer lister.Stop()

	var keys []string
	for key := range lister.Keys() {
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Lock acquires a lock. The lock entry holds its TTL so other processes can
// take over a lock whose holder stopped refreshing it.
func (s *NATSStore) Lock(key string, ttl time.Duration) (Lock, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	lk := lockKey(key)

	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	ctx, cancel := s.opContext()
	defer cancel()

	value := []byte(ttl.String())
	rev, err := s.kv.Create(ctx, lk, value)
	if errors.Is(err, jetstream.ErrKeyExists) {
		entry, getErr := s.kv.Get(ctx, lk)
		if getErr != nil {
			return nil, fmt.Errorf("check lock: %w", getErr)
		}
		storedTTL, _ := time.ParseDuration(string(entry.Value()))
		if time.Since(entry.Created()) < storedTTL {
			return nil, ErrLockHeld
		}
		rev, err = s.kv.Update(ctx, lk, value, entry.Revision())
		if isWrongLastSequence(err) {
			return nil, ErrLockHeld
		}
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	lock := &natsLock{
		store:    s,
		key:      lk,
		ttl:      ttl,
		revision: rev,
		created:  time.Now(),
	}
	s.locks[lk] = lock

	return lock, nil
}

// Close shuts down the store. The NATS connection stays open.
func (s *NATSStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	for _, lock := range s.locks {
		lock.released.Store(true)
	}
	s.locks = nil

	return nil
}

// natsLock implements the Lock interface for NATSStore.
type natsLock struct {
	store    *NATSStore
	key      string
	ttl      time.Duration
	mu       sync.Mutex
	revision uint64
	created  time.Time
	released atomic.Bool
}

// Unlock releases the lock.
func (l *natsLock) Unlock() error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}

	l.store.lockMu.Lock()
	delete(l.store.locks, l.key)
	l.store.lockMu.Unlock()

	ctx, cancel := l.store.opContext()
	defer cancel()

	l.mu.Lock()
	rev := l.revision
	l.mu.Unlock()

	// Only delete the entry we wrote; a newer holder owns any later revision.
	err := l.store.kv.Delete(ctx, l.key, jetstream.LastRevision(rev))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) && !isWrongLastSequence(err) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Refresh extends the lock TTL.
func (l *natsLock) Refresh() error {
	if l.released.Load() {
		return ErrLockNotHeld
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Since(l.created) > l.ttl {
		l.released.Store(true)
		return ErrLockExpired
	}

	ctx, cancel := l.store.opContext()
	defer cancel()

	rev, err := l.store.kv.Update(ctx, l.key, []byte(l.ttl.String()), l.revision)
	if err != nil {
		if isWrongLastSequence(err) {
			l.released.Store(true)
			return ErrLockExpired
		}
		return fmt.Errorf("refresh lock: %w", err)
	}

	l.revision = rev
	l.created = time.Now()
	return nil
}

// Key returns the lock key.
func (l *natsLock) Key() string {
	return l.key
}
