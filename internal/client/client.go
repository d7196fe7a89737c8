// Package client wires the support layer together: one SQLite store,
// the response cache, the verified helper daemon, and the token pool.
// Open acquires the resources in order and Close releases them on
// every exit path, so callers never leak a child process or a database
// handle.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seuriin/hokgo/internal/cache"
	"github.com/seuriin/hokgo/internal/config"
	"github.com/seuriin/hokgo/internal/daemon"
	"github.com/seuriin/hokgo/internal/security"
	"github.com/seuriin/hokgo/internal/store"
	"github.com/seuriin/hokgo/internal/tokenpool"
)

// tokenHeader carries the acquired security token on outbound calls.
const tokenHeader = "specialencodeparam"

const fetchTimeout = 30 * time.Second

// Client is the process-wide handle over the support layer. Obtain one
// with Open, pass it by reference, and Close it exactly once.
type Client struct {
	cfg    *config.Config
	store  *store.Store
	cache  *cache.Cache
	prov   *security.Provisioner
	daemon *daemon.Daemon
	pool   *tokenpool.Pool

	http       *http.Client
	metricsSrv *http.Server

	closeOnce sync.Once
	closeErr  error
}

// Options tunes Open.
type Options struct {
	// Progress receives provisioning step updates.
	Progress func(msg string)

	// EagerStart starts the helper daemon during Open instead of on
	// the first token request.
	EagerStart bool
}

// Open builds the full stack. On any failure everything already
// acquired is released before returning.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	cachePath, err := cfg.CachePathOrDefault()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cachePath)
	if err != nil {
		return nil, err
	}

	prov := &security.Provisioner{BinDir: cfg.BinDir, Progress: opts.Progress}
	bin, err := prov.Ensure(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	d, err := daemon.New(daemon.Config{Binary: bin, Verify: prov.Verify})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if opts.EagerStart {
		if err := d.Start(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	pool, err := tokenpool.New(tokenpool.Config{
		Daemon:   d,
		Store:    st,
		Target:   cfg.PoolTarget,
		LowWater: cfg.PoolLowWater,
	})
	if err != nil {
		d.Stop()
		_ = st.Close()
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		store:  st,
		cache:  cache.New(st),
		prov:   prov,
		daemon: d,
		pool:   pool,
		http:   &http.Client{Timeout: fetchTimeout},
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		c.metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := c.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics listener: %v", err)
			}
		}()
	}

	return c, nil
}

// Close releases everything: the refill worker, the helper process,
// the metrics listener, and the store. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.pool.Close()
		c.daemon.Stop()
		if c.metricsSrv != nil {
			_ = c.metricsSrv.Close()
		}
		c.closeErr = c.store.Close()
	})
	return c.closeErr
}

// Cache exposes the response cache to the request layer.
func (c *Client) Cache() *cache.Cache { return c.cache }

// Pool exposes the token pool to the request layer.
func (c *Client) Pool() *tokenpool.Pool { return c.pool }

// Daemon exposes the helper supervisor.
func (c *Client) Daemon() *daemon.Daemon { return c.daemon }

// WarmUp pre-fills the token pool to n tokens (the configured target
// when n <= 0), starting the daemon if needed.
func (c *Client) WarmUp(ctx context.Context, n int, progress func(have, want int)) error {
	if err := c.daemon.Start(ctx); err != nil {
		return err
	}
	return c.pool.WarmUp(ctx, n, progress)
}

// Fetch performs a cache-aside authenticated GET. Cache failures are
// degraded to misses: the request proceeds over the network and the
// response is served even when the store is unusable.
func (c *Client) Fetch(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	key := cache.Fingerprint(endpoint, params)

	payload, hit, err := c.cache.Get(ctx, key)
	if err != nil {
		log.Printf("cache read degraded to miss: %v", err)
	}
	if hit {
		return payload, nil
	}

	tok, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	body, err := c.get(ctx, endpoint, params, tok)
	if err != nil {
		return nil, err
	}

	if err := c.cache.Put(ctx, key, body, c.cfg.TTL()); err != nil {
		log.Printf("cache write skipped: %v", err)
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, endpoint string, params map[string]string, tok daemon.Token) ([]byte, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(tokenHeader, tok.Value)
	req.Header.Set("traceparent", newTraceparent())
	req.Header.Set("camp-language", c.cfg.Language)
	req.Header.Set("camp-region", strconv.Itoa(c.cfg.Region))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: HTTP %d", endpoint, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
