package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/seuriin/hokgo/internal/cache"
	"github.com/seuriin/hokgo/internal/security"
	"github.com/seuriin/hokgo/internal/store"
	"github.com/seuriin/hokgo/internal/tokenpool"
	"github.com/seuriin/hokgo/internal/ui"
)

// StatusCmd shows helper, pool, and cache health without starting the
// helper process.
type StatusCmd struct{}

func (c *StatusCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	width := ui.MaxWidth
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}

	var b strings.Builder

	// Helper install state. Read-only: never downloads or deletes.
	prov := &security.Provisioner{BinDir: cfg.BinDir}
	if bin, ok := prov.Installed(); ok {
		b.WriteString(ui.Dot(ui.StateStopped) + " helper installed and verified\n")
		b.WriteString(ui.Row("binary", bin.Path) + "\n")
	} else {
		b.WriteString(ui.Dot(ui.StateDegraded) + " helper not provisioned (run 'hok provision')\n")
	}

	path, err := cfg.CachePathOrDefault()
	if err != nil {
		return err
	}
	st, err := store.Open(path)
	if err != nil {
		b.WriteString(ui.Warn(fmt.Sprintf("store unavailable: %v", err)) + "\n")
		fmt.Println(ui.Section("hokgo", strings.TrimRight(b.String(), "\n"), width))
		return nil
	}
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	if live, expired, err := cache.New(st).Stats(ctx); err == nil {
		b.WriteString(ui.Row("cache", fmt.Sprintf("%d live, %d expired", live, expired)) + "\n")
	} else {
		b.WriteString(ui.Warn(fmt.Sprintf("cache stats: %v", err)) + "\n")
	}
	if n, err := countTokens(ctx, st); err == nil {
		b.WriteString(ui.Row("token stock", fmt.Sprintf("%d (target %d, low water %d)",
			n, cfg.PoolTarget, cfg.PoolLowWater)) + "\n")
	}
	b.WriteString(ui.Row("store", path) + "\n")

	fmt.Println(ui.Section("hokgo", strings.TrimRight(b.String(), "\n"), width))
	return nil
}

func countTokens(ctx context.Context, st *store.Store) (int, error) {
	// Count without a daemon: a pool is not constructed here.
	return tokenpool.CountStock(ctx, st)
}
