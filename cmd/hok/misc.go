package main

import (
	"github.com/seuriin/hokgo/internal/config"
)

// loadConfig reads the config from --config or the default location.
func loadConfig(cli *CLI) (*config.Config, error) {
	if cli.Config != "" {
		return config.LoadFile(cli.Config)
	}
	return config.Load()
}
