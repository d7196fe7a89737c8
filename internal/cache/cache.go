// Package cache is the persistent response cache. Entries are keyed by
// request fingerprint and carry an absolute expiry; reads treat expired
// rows as absent, so correctness never depends on sweep timing.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/seuriin/hokgo/internal/metrics"
	"github.com/seuriin/hokgo/internal/store"
)

// ErrUnavailable reports that the backing store could not serve the
// operation. Callers should treat it as a miss and fall back to a
// direct fetch; the cache is an optimization, not a dependency.
var ErrUnavailable = errors.New("cache unavailable")

// Cache is a TTL key/value store over the shared SQLite file.
// Safe for concurrent use; writes for the same key are last-write-wins.
type Cache struct {
	store *store.Store
	now   func() time.Time
}

// New returns a cache over the given store.
func New(s *store.Store) *Cache {
	return &Cache{store: s, now: time.Now}
}

// Get returns the payload stored under key, or (nil, false) when the
// key is absent or expired. Expired rows are deleted opportunistically.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	conn, err := c.store.Take(ctx)
	if err != nil {
		metrics.CacheMisses.Inc()
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer c.store.Put(conn)

	var payload []byte
	var expiresAt int64
	found := false
	err = sqlitex.Execute(conn,
		"SELECT value, expires_at FROM api_cache WHERE key = ?",
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				payload = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, payload)
				expiresAt = stmt.ColumnInt64(1)
				found = true
				return nil
			},
		})
	if err != nil {
		metrics.CacheMisses.Inc()
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if !found {
		metrics.CacheMisses.Inc()
		return nil, false, nil
	}
	if c.now().Unix() >= expiresAt {
		// Expired rows are misses. Removal here is best effort.
		_ = sqlitex.Execute(conn, "DELETE FROM api_cache WHERE key = ?",
			&sqlitex.ExecOptions{Args: []any{key}})
		metrics.CacheMisses.Inc()
		return nil, false, nil
	}

	metrics.CacheHits.Inc()
	return payload, true, nil
}

// Put stores payload under key with the given TTL, replacing any
// previous entry for the key.
func (c *Cache) Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache: ttl must be positive, got %s", ttl)
	}

	conn, err := c.store.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer c.store.Put(conn)

	now := c.now()
	err = sqlitex.Execute(conn,
		"REPLACE INTO api_cache (key, value, stored_at, expires_at) VALUES (?, ?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{key, payload, now.Unix(), now.Add(ttl).Unix()},
		})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Sweep deletes all expired entries and returns how many were removed.
// Sweeping is advisory; Get already ignores expired rows.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	conn, err := c.store.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer c.store.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM api_cache WHERE expires_at <= ?",
		&sqlitex.ExecOptions{Args: []any{c.now().Unix()}})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return conn.Changes(), nil
}

// Stats reports the number of live and expired entries.
func (c *Cache) Stats(ctx context.Context) (live, expired int, err error) {
	conn, err := c.store.Take(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer c.store.Put(conn)

	now := c.now().Unix()
	err = sqlitex.Execute(conn,
		"SELECT COUNT(*) FILTER (WHERE expires_at > ?), COUNT(*) FILTER (WHERE expires_at <= ?) FROM api_cache",
		&sqlitex.ExecOptions{
			Args: []any{now, now},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				live = stmt.ColumnInt(0)
				expired = stmt.ColumnInt(1)
				return nil
			},
		})
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return live, expired, nil
}
