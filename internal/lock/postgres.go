package lock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// PGAdvisoryLock implements KeyedLock with PostgreSQL session advisory locks.
// Each held key pins one pooled connection until release; ttl is not supported
// by advisory locks and the lock ends with the connection.
type PGAdvisoryLock struct {
	db *sql.DB
}

// NewPGAdvisoryLock creates an advisory lock backend on an open lib/pq pool.
func NewPGAdvisoryLock(db *sql.DB) *PGAdvisoryLock {
	return &PGAdvisoryLock{db: db}
}

// Acquire blocks in pg_advisory_lock until the key is held or ctx is cancelled.
func (l *PGAdvisoryLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lockID := hashToInt64(key)

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection for %s: %w", key, err)
	}

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", lockID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("acquire lock for %s: %w", key, err)
	}
	return pgReleaser(conn, key, lockID), nil
}

// TryAcquire calls pg_try_advisory_lock and returns without waiting.
func (l *PGAdvisoryLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	lockID := hashToInt64(key)

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("try acquire lock connection for %s: %w", key, err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("try acquire lock for %s: %w", key, err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}
	return pgReleaser(conn, key, lockID), true, nil
}

func pgReleaser(conn *sql.Conn, key string, lockID int64) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled.
			if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", lockID); err != nil {
				slog.Warn("PGAdvisoryLock.release: unlock failed", "key", key, "error", err)
			}
			conn.Close()
		})
	}
}

// hashToInt64 maps a key to a non-negative advisory lock id using FNV-1a.
func hashToInt64(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF)
}
