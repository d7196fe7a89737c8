package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/seuriin/hokgo/internal/security"
	"github.com/seuriin/hokgo/internal/tui"
)

// ProvisionCmd downloads and verifies the camp-security helper ahead
// of first use.
type ProvisionCmd struct {
	Yes bool `short:"y" help:"Skip the download confirmation prompt."`
}

func (c *ProvisionCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	if !c.Yes && term.IsTerminal(int(os.Stdin.Fd())) {
		ok := true
		confirm := huh.NewConfirm().
			Title("Download the camp-security helper?").
			Description("The helper binary is fetched once and verified against a pinned SHA-256 digest.").
			Value(&ok)
		if err := confirm.Run(); err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("provisioning cancelled")
		}
	}

	prov := &security.Provisioner{BinDir: cfg.BinDir}
	var bin *security.HelperBinary

	steps := []tui.Step{{
		Title: "provision camp-security helper",
		Run: func(ctx context.Context, sub func(string)) error {
			prov.Progress = sub
			b, err := prov.Ensure(ctx)
			if err != nil {
				return err
			}
			bin = b
			sub("helper verified at " + b.Path)
			return nil
		},
	}}
	if err := tui.RunSteps(context.Background(), steps); err != nil {
		return err
	}

	fmt.Printf("sha256 %s\n", bin.SHA256)
	return nil
}
