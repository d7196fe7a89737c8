package main

import (
	"context"
	"fmt"

	"github.com/seuriin/hokgo/internal/client"
	"github.com/seuriin/hokgo/internal/tui"
)

// WarmupCmd pre-fills the token pool so the first real requests skip
// the helper round trip.
type WarmupCmd struct {
	Count int `short:"n" help:"Tokens to stock (default: configured pool target)."`
}

func (c *WarmupCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	var cl *client.Client
	defer func() {
		if cl != nil {
			_ = cl.Close()
		}
	}()

	steps := []tui.Step{
		{
			Title: "start security helper",
			Run: func(ctx context.Context, sub func(string)) error {
				opened, err := client.Open(ctx, cfg, client.Options{
					Progress:   sub,
					EagerStart: true,
				})
				if err != nil {
					return err
				}
				cl = opened
				return nil
			},
		},
		{
			Title: "warm up token pool",
			Run: func(ctx context.Context, sub func(string)) error {
				return cl.WarmUp(ctx, c.Count, func(have, want int) {
					sub(fmt.Sprintf("warming up token pool (%d/%d)", have, want))
				})
			},
		},
	}
	return tui.RunSteps(context.Background(), steps)
}
