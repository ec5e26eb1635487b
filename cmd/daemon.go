package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/devlens/scmscan/internal/daemon"
)

var daemonManifest string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Sweep all manifest repositories on a schedule",
	Long: `Runs a persistent sweep loop: every sweep scans each enabled repository
from the YAML manifest, with the configured number of repositories in
flight. Sweeps run on the configured cron schedule (daemon.schedule) and
once at startup.

Example:
  scmscan daemon --manifest ./repos.yaml`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&daemonManifest, "manifest", "",
		"repository manifest path (overrides scan.manifest_path)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if daemonManifest != "" {
		a.cfg.Scan.ManifestPath = daemonManifest
	}
	if a.cfg.Scan.ManifestPath == "" {
		return fmt.Errorf("no manifest configured; pass --manifest or set scan.manifest_path")
	}

	d := daemon.New(a.cfg, a.orchestrator)
	return d.Run(ctx)
}
