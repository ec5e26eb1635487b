package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/devlens/scmscan/internal/platform"
	"github.com/devlens/scmscan/models"
)

var (
	scanRepoURL   string
	scanRepoName  string
	scanBranch    string
	scanToolType  string
	scanConfigID  string
	scanStrategy  string
	scanClone     bool
	scanSince     string
	scanUntil     string
	scanLimit     int
	scanOutputFmt string
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan a single repository",
	Long: `Fetches commits, merge requests and contributors for one repository and
upserts them into storage. Re-running the same scan is safe: records are
keyed by their natural identity.

Examples:
  scmscan scan --repo https://github.com/example/myapp --tool-type github
  scmscan scan --repo https://gitlab.example.com/team/app --tool-type gitlab --since 2024-01-01
  scmscan scan --repo https://bitbucket.org/ws/app --tool-type bitbucketcloud --clone`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanRepoURL, "repo", "", "Repository URL to scan (required)")
	scanCmd.Flags().StringVar(&scanRepoName, "name", "", "Repository display name (default: derived from URL)")
	scanCmd.Flags().StringVar(&scanBranch, "branch", "", "Branch to scan (default: platform default)")
	scanCmd.Flags().StringVar(&scanToolType, "tool-type", "", "Hosting platform: github|gitlab|bitbucketcloud|bitbucketserver (default: detected from URL)")
	scanCmd.Flags().StringVar(&scanConfigID, "scan-config-id", "", "Storage key for this repository's records (default: repo URL)")
	scanCmd.Flags().StringVar(&scanStrategy, "strategy", "", "Commit fetch strategy: rest|clone (default: automatic)")
	scanCmd.Flags().BoolVar(&scanClone, "clone", false, "Prefer the clone-based commit strategy")
	scanCmd.Flags().StringVar(&scanSince, "since", "", "Window start (YYYY-MM-DD or RFC3339; default: watermark, else first-scan window)")
	scanCmd.Flags().StringVar(&scanUntil, "until", "", "Window end (YYYY-MM-DD or RFC3339; default: open-ended)")
	scanCmd.Flags().IntVar(&scanLimit, "limit", 0, "Maximum records per fetch (default: from config)")
	scanCmd.Flags().StringVar(&scanOutputFmt, "output", "table", "Output format: table|json")
	_ = scanCmd.MarkFlagRequired("repo")
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	toolType := scanToolType
	if toolType == "" {
		p, err := platform.Detect(scanRepoURL)
		if err != nil {
			return fmt.Errorf("detecting platform from URL (pass --tool-type): %w", err)
		}
		toolType = string(p)
	}

	configID := scanConfigID
	if configID == "" {
		configID = scanRepoURL
	}

	req := models.ScanRequest{
		RepoURL:      scanRepoURL,
		RepoName:     scanRepoName,
		Branch:       scanBranch,
		ToolType:     toolType,
		ScanConfigID: configID,
		Strategy:     scanStrategy,
		CloneEnabled: scanClone || a.cfg.Scan.CloneEnabled,
		Limit:        scanLimit,
		Credential:   a.cfg.CredentialFor(toolType, platform.Host(scanRepoURL)),
	}

	if scanSince != "" {
		t, err := parseDateFlag(scanSince)
		if err != nil {
			return fmt.Errorf("parsing --since: %w", err)
		}
		req.Since = &t
	} else if w, err := a.orchestrator.Watermark(ctx, configID); err == nil && w != nil && w.LastScanAt != nil {
		req.LastScanFrom = w.LastScanAt.UnixMilli()
	}
	if scanUntil != "" {
		t, err := parseDateFlag(scanUntil)
		if err != nil {
			return fmt.Errorf("parsing --until: %w", err)
		}
		req.Until = &t
	}

	result, scanErr := a.orchestrator.ScanRepository(ctx, req)
	if err := printResult(result); err != nil {
		return err
	}
	return scanErr
}

func parseDateFlag(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func printResult(result models.ScanResult) error {
	if scanOutputFmt == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	status := "ok"
	if !result.Success {
		status = "failed"
	}
	fmt.Printf("Repository:     %s\n", result.RepoURL)
	fmt.Printf("Status:         %s\n", status)
	fmt.Printf("Commits:        %d\n", result.CommitCount)
	fmt.Printf("Merge requests: %d\n", result.MergeRequestCount)
	fmt.Printf("Users:          %d\n", result.UserCount)
	fmt.Printf("Duration:       %s\n", result.Duration.Round(time.Millisecond))
	if result.ErrorMsg != "" {
		fmt.Printf("Error:          %s\n", result.ErrorMsg)
	}
	return nil
}
