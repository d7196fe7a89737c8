package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/seuriin/hokgo/internal/ui"
)

// CLI is the top-level Kong struct.
type CLI struct {
	Config string `short:"c" help:"Path to config file (default ~/.config/hokgo/config.yaml)." type:"path"`

	Provision ProvisionCmd `cmd:"" help:"Download and verify the camp-security helper."`
	Warmup    WarmupCmd    `cmd:"" help:"Pre-fill the security token pool."`
	Token     TokenCmd     `cmd:"" help:"Acquire one security token and print it."`
	Cache     CacheCmd     `cmd:"" help:"Inspect and maintain the response cache."`
	Fetch     FetchCmd     `cmd:"" help:"Fetch an endpoint through the cache and token pool."`
	Status    StatusCmd    `cmd:"" help:"Show helper, pool, and cache health."`
	Version   VersionCmd   `cmd:"" help:"Print version."`
}

func main() {
	var cli CLI
	k, err := kong.New(&cli,
		kong.Name("hok"),
		kong.Description("hokgo — verified token helper and response cache for the HOK Camp API"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			NoExpandSubcommands: true,
			Compact:             true,
		}),
	)
	if err != nil {
		panic(err)
	}

	args := os.Args[1:]
	if len(args) == 0 || (len(args) == 1 && args[0] == "help") {
		_, _ = k.Parse([]string{"--help"})
		os.Exit(0) // unreachable; kong exits after printing help
	}

	ctx, err := k.Parse(args)
	k.FatalIfErrorf(err)
	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, ui.Error(err.Error()))
		os.Exit(1)
	}
}
