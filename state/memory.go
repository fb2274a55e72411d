package state

import (
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore implements StateStore in process memory.
// Useful for testing and single-process deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*entry
	locks    map[string]*memoryLock
	revision uint64
	closed   atomic.Bool

	cleanupTicker *time.Ticker
	done          chan struct{}
}

type entry struct {
	value    []byte
	revision uint64
	created  time.Time
	modified time.Time
	expires  time.Time // Zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// NewMemoryStore creates a new in-memory state store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		data:          make(map[string]*entry),
		locks:         make(map[string]*memoryLock),
		cleanupTicker: time.NewTicker(time.Second),
		done:          make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanupExpired()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) cleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
		}
	}
	for key, lock := range s.locks {
		if now.After(lock.expires) {
			lock.released.Store(true)
			delete(s.locks, key)
		}
	}
}

// live returns the entry for key unless it is missing or expired.
// Must be called with the lock held.
func (s *MemoryStore) live(key string) (*entry, bool) {
	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) {
		return nil, false
	}
	return e, true
}

// Get retrieves a value by key.
func (s *MemoryStore) Get(key string) ([]byte, error) {
	kv, err := s.GetKeyValue(key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue retrieves the full KeyValue entry.
func (s *MemoryStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.live(key)
	if !ok {
		return nil, ErrNotFound
	}

	return &KeyValue{
		Key:      key,
		Value:    copyBytes(e.value),
		Revision: e.revision,
		Created:  e.created,
		Modified: e.modified,
	}, nil
}

// Put stores a value with optional TTL.
func (s *MemoryStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.write(key, value, ttl)
	return nil
}

// Create stores a value only if the key is absent.
func (s *MemoryStore) Create(key string, value []byte) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); ok {
		return 0, ErrKeyExists
	}
	delete(s.data, key)
	return s.write(key, value, 0), nil
}

// Update replaces a value if its revision still matches.
func (s *MemoryStore) Update(key string, value []byte, revision uint64) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok || e.revision != revision {
		return 0, ErrRevisionMismatch
	}
	return s.write(key, value, 0), nil
}

// write stores value under key and returns the new revision.
// Must be called with the lock held.
func (s *MemoryStore) write(key string, value []byte, ttl time.Duration) uint64 {
	now := time.Now()
	s.revision++

	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}

	created := now
	if existing, ok := s.live(key); ok {
		created = existing.created
	}

	s.data[key] = &entry{
		value:    copyBytes(value),
		revision: s.revision,
		created:  created,
		modified: now,
		expires:  expires,
	}
	return s.revision
}

// Delete removes a key.
func (s *MemoryStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// Keys returns all keys matching a pattern.
func (s *MemoryStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var keys []string
	for key, e := range s.data {
		if e.expired(now) {
			continue
		}
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Lock acquires a lock that expires after ttl unless refreshed.
func (s *MemoryStore) Lock(key string, ttl time.Duration) (Lock, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lk := lockKey(key)
	if existing, ok := s.locks[lk]; ok {
		if !existing.released.Load() && time.Now().Before(existing.expires) {
			return nil, ErrLockHeld
		}
		existing.released.Store(true)
	}

	lock := &memoryLock{
		store:   s,
		key:     lk,
		ttl:     ttl,
		expires: time.Now().Add(ttl),
	}
	s.locks[lk] = lock

	return lock, nil
}

// Close shuts down the store.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	close(s.done)
	s.cleanupTicker.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, lock := range s.locks {
		lock.released.Store(true)
	}
	s.data = nil
	s.locks = nil

	return nil
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// memoryLock implements the Lock interface for MemoryStore.
type memoryLock struct {
	store    *MemoryStore
	key      string
	ttl      time.Duration
	expires  time.Time
	released atomic.Bool
}

// Unlock releases the lock.
func (l *memoryLock) Unlock() error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}

	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	if l.store.locks[l.key] == l {
		delete(l.store.locks, l.key)
	}
	return nil
}

// Refresh extends the lock TTL.
func (l *memoryLock) Refresh() error {
	if l.released.Load() {
		return ErrLockNotHeld
	}

	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	if time.Now().After(l.expires) {
		l.released.Store(true)
		if l.store.locks[l.key] == l {
			delete(l.store.locks, l.key)
		}
		return ErrLockExpired
	}

	l.expires = time.Now().Add(l.ttl)
	return nil
}

// Key returns the lock key.
func (l *memoryLock) Key() string {
	return l.key
}
