package main

import (
	"context"
	"fmt"

	"github.com/seuriin/hokgo/internal/client"
)

// TokenCmd acquires one security token and prints it. Intended for
// scripting against the API outside the Go client.
type TokenCmd struct{}

func (c *TokenCmd) Run(cli *CLI) error {
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

	tok, err := cl.Pool().Acquire(ctx)
	if err != nil {
		return err
	}
	fmt.Println(tok.Value)
	return nil
}
