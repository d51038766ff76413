package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/asheshgoplani/devin-relay/internal/config"
	"github.com/asheshgoplani/devin-relay/internal/update"
)

type releaseChecker interface {
	Check(ctx context.Context, currentVersion string, force bool) (*update.Info, error)
}

func newUpdateChecker(cfg *config.Config) *update.Checker {
	dir, err := config.Dir()
	if err != nil {
		dir = ""
	}
	return update.NewChecker(dir, cfg.UpdateInterval())
}

func handleVersion(configPath string, args []string) {
	fs := flag.NewFlagSet("version", flag.ExitOnError)
	check := fs.Bool("check", false, "Check GitHub for a newer release")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}
	out := NewCLIOutput(*jsonOut, false)
	if !*check {
		out.Print(fmt.Sprintf("devin-relay v%s\n", Version), map[string]any{"version": Version})
		return
	}

	checker := newUpdateChecker(loadConfig(configPath))
	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()
	if err := runVersionCheck(ctx, checker, out); err != nil {
		os.Exit(1)
	}
}

func runVersionCheck(ctx context.Context, checker releaseChecker, out *CLIOutput) error {
	info, err := checker.Check(ctx, Version, true)
	if err != nil {
		out.Error("update check failed: "+err.Error(), ErrCodeNetwork)
		return err
	}
	if !info.Available {
		out.Print(fmt.Sprintf("devin-relay v%s is up to date\n", Version), info)
		return nil
	}
	out.Print(fmt.Sprintf("devin-relay v%s is available (running v%s)\n%s\n", info.LatestVersion, Version, info.ReleaseURL), info)
	return nil
}
