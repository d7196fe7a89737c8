// Package store owns the single SQLite file shared by the response
// cache and the token pool. It wraps a fixed-size connection pool with
// WAL-mode pragmas tuned for many concurrent in-process callers.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS api_cache (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	stored_at  INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS api_cache_expires ON api_cache (expires_at);

CREATE TABLE IF NOT EXISTS token_pool (
	value     TEXT PRIMARY KEY,
	issued_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS token_pool_issued ON token_pool (issued_at);
`

// Store is a pool of SQLite connections over one database file.
// Store is safe for concurrent use; individual connections are not —
// each caller must Take its own connection and Put it back when done.
type Store struct {
	pool *sqlitex.Pool
	path string
}

// Open creates the database file if needed, applies pragmas to every
// connection, and initializes the schema. The caller must Close the
// store when done.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: path is required")
	}

	poolSize := runtime.NumCPU()
	if poolSize < 4 {
		poolSize = 4
	}
	if path == ":memory:" {
		// Each in-memory connection is an independent database.
		poolSize = 1
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("store: create db dir: %w", err)
		}
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	s := &Store{pool: pool, path: path}
	if err := s.initSchema(); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return s, nil
}

// Take borrows a connection. Blocks until one is available or ctx is
// cancelled. Pair with Put, typically via defer.
func (s *Store) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: take: %w", err)
	}
	return conn, nil
}

// Put returns a connection to the pool. Safe with nil.
func (s *Store) Put(conn *sqlite.Conn) {
	if conn == nil {
		return
	}
	s.pool.Put(conn)
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes all connections. Blocks until borrowed connections are
// returned; after Close, Take fails.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: close %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) initSchema() error {
	conn, err := s.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.Put(conn)
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// prepareConn runs once per pooled connection on first use. WAL keeps
// readers unblocked by the single writer; busy_timeout covers writer
// contention across connections.
func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA cache_size=-8192",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	return nil
}
