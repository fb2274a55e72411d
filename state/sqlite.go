package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

const createSQLiteSchema = `
CREATE TABLE IF NOT EXISTS kv (
    key       TEXT PRIMARY KEY,
    value     BLOB NOT NULL,
    revision  INTEGER NOT NULL,
    created   INTEGER NOT NULL,
    modified  INTEGER NOT NULL,
    expires   INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS locks (
    key      TEXT PRIMARY KEY,
    owner    INTEGER NOT NULL,
    expires  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sequence (
    id     INTEGER PRIMARY KEY CHECK (id = 1),
    value  INTEGER NOT NULL
);
INSERT OR IGNORE INTO sequence (id, value) VALUES (1, 0);`

var _ StateStore = (*SQLiteStore)(nil)

// SQLiteStore implements StateStore on a SQLite database file.
// It serves single-node deployments that need state to survive restarts.
type SQLiteStore struct {
	db      *sql.DB
	timeout time.Duration
	closed  atomic.Bool
	owners  atomic.Int64
}

// NewSQLiteStore opens (or creates) the database at path.
// Use ":memory:" for a throwaway store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(createSQLiteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &SQLiteStore{db: db, timeout: 5 * time.Second}
	s.owners.Store(time.Now().UnixNano())
	return s, nil
}

func (s *SQLiteStore) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// Get retrieves a value by key.
func (s *SQLiteStore) Get(key string) ([]byte, error) {
	kv, err := s.GetKeyValue(key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue retrieves the full KeyValue entry.
func (s *SQLiteStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	var (
		kv                KeyValue
		created, modified int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, revision, created, modified FROM kv
		WHERE key = ? AND (expires = 0 OR expires > ?)`, key, time.Now().UnixNano(),
	).Scan(&kv.Key, &kv.Value, &kv.Revision, &created, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get key: %w", err)
	}
	kv.Created = time.Unix(0, created)
	kv.Modified = time.Unix(0, modified)
	return &kv, nil
}

// Put stores a value with optional TTL.
func (s *SQLiteStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	return s.inTx(func(ctx context.Context, tx *sql.Tx) error {
		rev, err := nextRevision(ctx, tx)
		if err != nil {
			return err
		}
		now := time.Now()
		var expires int64
		if ttl > 0 {
			expires = now.Add(ttl).UnixNano()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO kv (key, value, revision, created, modified, expires)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				revision = excluded.revision,
				modified = excluded.modified,
				expires = excluded.expires,
				created = CASE WHEN kv.expires != 0 AND kv.expires <= excluded.modified
					THEN excluded.created ELSE kv.created END`,
			key, value, rev, now.UnixNano(), now.UnixNano(), expires,
		)
		if err != nil {
			return fmt.Errorf("put key: %w", err)
		}
		return nil
	})
}

// Create stores a value only if the key is absent.
func (s *SQLiteStore) Create(key string, value []byte) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}

	var rev uint64
	err := s.inTx(func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now().UnixNano()
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM kv WHERE key = ? AND expires != 0 AND expires <= ?`, key, now); err != nil {
			return fmt.Errorf("purge expired key: %w", err)
		}

		var err error
		rev, err = nextRevision(ctx, tx)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO kv (key, value, revision, created, modified) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(key) DO NOTHING`,
			key, value, rev, now, now,
		)
		if err != nil {
			return fmt.Errorf("create key: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrKeyExists
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rev, nil
}

// Update replaces a value if its revision still matches.
func (s *SQLiteStore) Update(key string, value []byte, revision uint64) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}

	var rev uint64
	err := s.inTx(func(ctx context.Context, tx *sql.Tx) error {
		var err error
		rev, err = nextRevision(ctx, tx)
		if err != nil {
			return err
		}
		now := time.Now().UnixNano()
		res, err := tx.ExecContext(ctx,
			`UPDATE kv SET value = ?, revision = ?, modified = ?, expires = 0
			WHERE key = ? AND revision = ? AND (expires = 0 OR expires > ?)`,
			value, rev, now, key, revision, now,
		)
		if err != nil {
			return fmt.Errorf("update key: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrRevisionMismatch
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rev, nil
}

// Delete removes a key.
func (s *SQLiteStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	return nil
}

// Keys returns all keys matching a pattern.
func (s *SQLiteStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE expires = 0 OR expires > ? ORDER BY key`, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, rows.Err()
}

// Lock acquires a lock row that expires after ttl unless refreshed.
func (s *SQLiteStore) Lock(key string, ttl time.Duration) (Lock, error) {
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
	owner := s.owners.Add(1)

	err := s.inTx(func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO locks (key, owner, expires) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET owner = excluded.owner, expires = excluded.expires
			WHERE locks.expires <= ?`,
			lk, owner, now.Add(ttl).UnixNano(), now.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrLockHeld
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &sqliteLock{store: s, key: lk, owner: owner, ttl: ttl}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) inTx(fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := s.opContext()
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func nextRevision(ctx context.Context, tx *sql.Tx) (uint64, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE sequence SET value = value + 1 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("bump revision: %w", err)
	}
	var rev uint64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM sequence WHERE id = 1`).Scan(&rev); err != nil {
		return 0, fmt.Errorf("read revision: %w", err)
	}
	return rev, nil
}

// sqliteLock implements the Lock interface for SQLiteStore.
type sqliteLock struct {
	store    *SQLiteStore
	key      string
	owner    int64
	ttl      time.Duration
	released atomic.Bool
}

// Unlock releases the lock.
func (l *sqliteLock) Unlock() error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}
	if l.store.closed.Load() {
		return nil
	}

	ctx, cancel := l.store.opContext()
	defer cancel()

	if _, err := l.store.db.ExecContext(ctx,
		`DELETE FROM locks WHERE key = ? AND owner = ?`, l.key, l.owner); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Refresh extends the lock TTL.
func (l *sqliteLock) Refresh() error {
	if l.released.Load() {
		return ErrLockNotHeld
	}
	if l.store.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := l.store.opContext()
	defer cancel()

	now := time.Now()
	res, err := l.store.db.ExecContext(ctx,
		`UPDATE locks SET expires = ? WHERE key = ? AND owner = ? AND expires > ?`,
		now.Add(l.ttl).UnixNano(), l.key, l.owner, now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("refresh lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		l.released.Store(true)
		return ErrLockExpired
	}
	return nil
}

// Key returns the lock key.
func (l *sqliteLock) Key() string {
	return l.key
}
