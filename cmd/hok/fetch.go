package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/seuriin/hokgo/internal/client"
)

// FetchCmd performs one cache-aside authenticated GET and writes the
// body to stdout.
type FetchCmd struct {
	Endpoint string   `arg:"" help:"Endpoint URL."`
	Param    []string `short:"p" help:"Query parameter as key=value (repeatable)."`
}

func (c *FetchCmd) Run(cli *CLI) error {
	params := make(map[string]string, len(c.Param))
	for _, kv := range c.Param {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("bad parameter %q, want key=value", kv)
		}
		params[k] = v
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	ctx := context.Background()
	cl, err := client.Open(ctx, cfg, client.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = cl.Close() }()

	body, err := cl.Fetch(ctx, c.Endpoint, params)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(body)
	return err
}
