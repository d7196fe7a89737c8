// Package tokenpool maintains the stock of unused security tokens.
// Tokens are handed out oldest-first and exactly once: issuance deletes
// the row inside one transaction, so no two callers — goroutines or
// processes sharing the database — ever observe the same token.
package tokenpool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/seuriin/hokgo/internal/daemon"
	"github.com/seuriin/hokgo/internal/metrics"
	"github.com/seuriin/hokgo/internal/store"
)

// ErrUnavailable reports that no token could be served: the pool is
// empty and the daemon stayed unhealthy through an escalated restart.
// Callers should back off before retrying.
var ErrUnavailable = errors.New("no security token available")

const (
	defaultTarget         = 100
	defaultLowWater       = 20
	defaultBatch          = 2
	defaultAcquireTimeout = 30 * time.Second

	refillRetries = 3
)

// refillRetryDelay paces the background worker when the daemon is
// unhealthy, so a dead helper does not spin the refill loop.
// Variable for tests.
var refillRetryDelay = 5 * time.Second

// Source issues fresh tokens and can be restarted when unhealthy.
// *daemon.Daemon is the production implementation.
type Source interface {
	RequestTokens(ctx context.Context, n int) ([]daemon.Token, error)
	Start(ctx context.Context) error
	Stop()
}

// Config wires a pool to its token source and persistence.
type Config struct {
	Daemon Source       // required
	Store  *store.Store // required

	Target         int           // stock the refill worker aims for, default 100
	LowWater       int           // refill trigger threshold, default 20
	Batch          int           // clusters requested per daemon round trip, default 2
	AcquireTimeout time.Duration // bound on Acquire, default 30s
}

// Pool serves single-use tokens and replenishes them in the background.
// Safe for concurrent use.
type Pool struct {
	cfg Config

	refillCh chan struct{} // bounded trigger: at most one pending refill
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
}

// New validates the config and starts the background refill worker.
// The caller must Close the pool to stop the worker.
func New(cfg Config) (*Pool, error) {
	if cfg.Daemon == nil || cfg.Store == nil {
		return nil, fmt.Errorf("tokenpool: Daemon and Store are required")
	}
	if cfg.Target <= 0 {
		cfg.Target = defaultTarget
	}
	if cfg.LowWater <= 0 {
		cfg.LowWater = defaultLowWater
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultBatch
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:      cfg,
		refillCh: make(chan struct{}, 1),
		cancel:   cancel,
	}
	p.wg.Add(1)
	go p.refillLoop(ctx)
	return p, nil
}

// Acquire returns the oldest unused token. When stock exists the call
// never waits on the daemon; dropping to the low-water mark only
// triggers the background refill. An empty pool falls through to a
// direct daemon fetch, escalating one restart if the daemon is down.
func (p *Pool) Acquire(ctx context.Context) (daemon.Token, error) {
	ctx, cancelTimeout := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancelTimeout()

	tok, remaining, ok, err := p.takeOldest(ctx)
	if err != nil {
		return daemon.Token{}, err
	}
	if ok {
		if remaining <= p.cfg.LowWater {
			p.triggerRefill()
		}
		return tok, nil
	}

	// Emergency path: pool is dry.
	log.Printf("token pool empty, fetching directly from helper")
	tokens, err := p.fetchEscalated(ctx)
	if err != nil {
		return daemon.Token{}, err
	}
	// First token goes to the caller and is never persisted; the rest
	// become stock.
	if len(tokens) > 1 {
		if err := p.insert(ctx, tokens[1:]); err != nil {
			log.Printf("persist surplus tokens: %v", err)
		}
	}
	p.triggerRefill()
	return tokens[0], nil
}

// WarmUp synchronously fills the pool to n tokens. progress, when
// non-nil, is called after every batch with the current and wanted
// counts (it is also called once before the first fetch).
func (p *Pool) WarmUp(ctx context.Context, n int, progress func(have, want int)) error {
	if n <= 0 {
		n = p.cfg.Target
	}
	for {
		have, err := p.Count(ctx)
		if err != nil {
			return err
		}
		if progress != nil {
			progress(have, n)
		}
		if have >= n {
			return nil
		}
		tokens, err := p.fetchEscalated(ctx)
		if err != nil {
			return err
		}
		if err := p.insert(ctx, tokens); err != nil {
			return err
		}
	}
}

// Count returns the current number of unused tokens.
func (p *Pool) Count(ctx context.Context) (int, error) {
	conn, err := p.cfg.Store.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("tokenpool: %w", err)
	}
	defer p.cfg.Store.Put(conn)
	return countLocked(conn)
}

// CountStock reports the persisted token stock without constructing a
// pool. Used by status tooling.
func CountStock(ctx context.Context, st *store.Store) (int, error) {
	conn, err := st.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("tokenpool: %w", err)
	}
	defer st.Put(conn)
	return countLocked(conn)
}

// Close stops the refill worker and waits for it to exit. In-flight
// refill round trips are cancelled. Idempotent.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}

// takeOldest removes and returns the oldest token in one transaction.
// Returns the stock remaining after the take.
func (p *Pool) takeOldest(ctx context.Context) (tok daemon.Token, remaining int, ok bool, err error) {
	conn, err := p.cfg.Store.Take(ctx)
	if err != nil {
		return daemon.Token{}, 0, false, fmt.Errorf("tokenpool: %w", err)
	}
	defer p.cfg.Store.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return daemon.Token{}, 0, false, fmt.Errorf("tokenpool: begin: %w", err)
	}
	defer endFn(&err)

	var value string
	var issuedAt int64
	err = sqlitex.Execute(conn,
		"SELECT value, issued_at FROM token_pool ORDER BY issued_at ASC, value ASC LIMIT 1",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = stmt.ColumnText(0)
				issuedAt = stmt.ColumnInt64(1)
				ok = true
				return nil
			},
		})
	if err != nil {
		return daemon.Token{}, 0, false, fmt.Errorf("tokenpool: select: %w", err)
	}
	if !ok {
		return daemon.Token{}, 0, false, nil
	}

	err = sqlitex.Execute(conn, "DELETE FROM token_pool WHERE value = ?",
		&sqlitex.ExecOptions{Args: []any{value}})
	if err != nil {
		return daemon.Token{}, 0, false, fmt.Errorf("tokenpool: delete: %w", err)
	}

	remaining, err = countLocked(conn)
	if err != nil {
		return daemon.Token{}, 0, false, err
	}
	metrics.PoolTokens.Set(float64(remaining))

	return daemon.Token{Value: value, IssuedAt: time.Unix(0, issuedAt)}, remaining, true, nil
}

// fetchEscalated requests one batch from the daemon. If the daemon's
// restart budget is exhausted it forces one full stop/start cycle and
// retries once; persistent failure surfaces ErrUnavailable.
func (p *Pool) fetchEscalated(ctx context.Context) ([]daemon.Token, error) {
	tokens, err := p.cfg.Daemon.RequestTokens(ctx, p.cfg.Batch)
	if err == nil {
		if len(tokens) == 0 {
			return nil, fmt.Errorf("%w: helper returned an empty batch", ErrUnavailable)
		}
		return tokens, nil
	}
	if !errors.Is(err, daemon.ErrUnavailable) {
		return nil, err
	}

	log.Printf("daemon unavailable, escalating restart: %v", err)
	p.cfg.Daemon.Stop()
	if err := p.cfg.Daemon.Start(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	tokens, err = p.cfg.Daemon.RequestTokens(ctx, p.cfg.Batch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: helper returned an empty batch", ErrUnavailable)
	}
	return tokens, nil
}

// insert stores tokens as stock, ignoring values already present.
func (p *Pool) insert(ctx context.Context, tokens []daemon.Token) error {
	if len(tokens) == 0 {
		return nil
	}
	conn, err := p.cfg.Store.Take(ctx)
	if err != nil {
		return fmt.Errorf("tokenpool: %w", err)
	}
	defer p.cfg.Store.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("tokenpool: begin: %w", err)
	}
	defer endFn(&err)

	for _, tok := range tokens {
		err = sqlitex.Execute(conn,
			"INSERT OR IGNORE INTO token_pool (value, issued_at) VALUES (?, ?)",
			&sqlitex.ExecOptions{Args: []any{tok.Value, tok.IssuedAt.UnixNano()}})
		if err != nil {
			return fmt.Errorf("tokenpool: insert: %w", err)
		}
	}

	n, err := countLocked(conn)
	if err != nil {
		return err
	}
	metrics.PoolTokens.Set(float64(n))
	return nil
}

func (p *Pool) triggerRefill() {
	select {
	case p.refillCh <- struct{}{}:
	default:
	}
}

// refillLoop is the supervised background worker: it waits for a
// trigger, then tops the pool up to the target without ever blocking
// Acquire callers served from existing stock.
func (p *Pool) refillLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.refillCh:
		}

		failures := 0
		for {
			have, err := p.Count(ctx)
			if err != nil || have >= p.cfg.Target {
				break
			}
			tokens, err := p.cfg.Daemon.RequestTokens(ctx, p.cfg.Batch)
			if err == nil {
				if err := p.insert(ctx, tokens); err != nil {
					log.Printf("refill persist: %v", err)
					break
				}
				now, cerr := p.Count(ctx)
				if cerr != nil {
					break
				}
				if now > have {
					failures = 0
					continue
				}
				// The batch added no stock (duplicate or empty values).
				// Counts as a failure so a misbehaving helper cannot
				// spin the loop.
				err = fmt.Errorf("batch of %d tokens added no stock", len(tokens))
			}
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures > refillRetries {
				log.Printf("refill abandoned after %d failures: %v", failures, err)
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(refillRetryDelay):
			}
		}
		metrics.PoolRefills.Inc()
	}
}

func countLocked(conn *sqlite.Conn) (int, error) {
	n := 0
	err := sqlitex.Execute(conn, "SELECT COUNT(*) FROM token_pool",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("tokenpool: count: %w", err)
	}
	return n, nil
}
