package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/seuriin/hokgo/internal/cache"
	"github.com/seuriin/hokgo/internal/store"
	"github.com/seuriin/hokgo/internal/ui"
)

// CacheCmd groups cache maintenance commands. These open the store
// directly: no helper process is needed to inspect the cache.
type CacheCmd struct {
	Stats CacheStatsCmd `cmd:"" help:"Show entry counts."`
	Get   CacheGetCmd   `cmd:"" help:"Print a cached payload by key."`
	Put   CachePutCmd   `cmd:"" help:"Store a payload under a key."`
	Sweep CacheSweepCmd `cmd:"" help:"Delete expired entries."`
}

// openCache opens the configured store and returns the cache over it.
func openCache(cli *CLI) (*cache.Cache, *store.Store, error) {
	cfg, err := loadConfig(cli)
	if err != nil {
		return nil, nil, err
	}
	path, err := cfg.CachePathOrDefault()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return cache.New(st), st, nil
}

// CacheStatsCmd shows live/expired entry counts.
type CacheStatsCmd struct{}

func (c *CacheStatsCmd) Run(cli *CLI) error {
	ca, st, err := openCache(cli)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	live, expired, err := ca.Stats(context.Background())
	if err != nil {
		return err
	}
	fmt.Println(ui.Table(
		[]string{"LIVE", "EXPIRED", "FILE"},
		[][]string{{fmt.Sprint(live), fmt.Sprint(expired), st.Path()}},
	))
	return nil
}

// CacheGetCmd prints one payload.
type CacheGetCmd struct {
	Key string `arg:"" help:"Cache key (fingerprint)."`
}

func (c *CacheGetCmd) Run(cli *CLI) error {
	ca, st, err := openCache(cli)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	payload, ok, err := ca.Get(context.Background(), c.Key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no live entry for %q", c.Key)
	}
	_, err = os.Stdout.Write(payload)
	return err
}

// CachePutCmd stores a payload from the command line.
type CachePutCmd struct {
	Key   string        `arg:"" help:"Cache key."`
	Value string        `arg:"" help:"Payload to store."`
	TTL   time.Duration `help:"Entry lifetime." default:"50m"`
}

func (c *CachePutCmd) Run(cli *CLI) error {
	ca, st, err := openCache(cli)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	return ca.Put(context.Background(), c.Key, []byte(c.Value), c.TTL)
}

// CacheSweepCmd removes expired rows.
type CacheSweepCmd struct{}

func (c *CacheSweepCmd) Run(cli *CLI) error {
	ca, st, err := openCache(cli)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	n, err := ca.Sweep(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("removed %d expired entries\n", n)
	return nil
}
