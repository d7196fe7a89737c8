package main

import (
	"fmt"

	"github.com/seuriin/hokgo/internal/version"
)

// VersionCmd prints version info.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("hok %s (commit %s, built %s)\n",
		version.Version, version.Commit, version.Date)
	return nil
}
