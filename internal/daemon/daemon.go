// Package daemon runs scheduled sweeps over the repository manifest: every
// sweep scans each enabled repository through the scan orchestrator, with a
// bounded number of repositories in flight.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/devlens/scmscan/internal/config"
	"github.com/devlens/scmscan/internal/manifest"
	"github.com/devlens/scmscan/internal/platform"
	"github.com/devlens/scmscan/internal/scan"
	"github.com/devlens/scmscan/models"
)

// Daemon owns the sweep loop.
type Daemon struct {
	cfg          *config.Config
	orchestrator *scan.Orchestrator
	triggerCh    chan struct{}

	mu        sync.Mutex
	lastSweep []models.ScanResult
}

func New(cfg *config.Config, orchestrator *scan.Orchestrator) *Daemon {
	return &Daemon{
		cfg:          cfg,
		orchestrator: orchestrator,
		triggerCh:    make(chan struct{}, 1),
	}
}

// Trigger requests an immediate sweep. If one is already queued the signal
// is dropped rather than stacking.
func (d *Daemon) Trigger() {
	select {
	case d.triggerCh <- struct{}{}:
	default:
	}
}

// LastSweep returns the results of the most recently completed sweep.
func (d *Daemon) LastSweep() []models.ScanResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.ScanResult(nil), d.lastSweep...)
}

// Run starts the loop: an initial sweep, then one sweep per cron tick or
// Trigger call. Blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if d.cfg.Scan.ManifestPath == "" {
		return fmt.Errorf("daemon mode requires scan.manifest_path to be set")
	}

	scheduleCh := make(chan struct{}, 1)
	var schedule *cron.Cron
	if expr := d.cfg.Daemon.Schedule; expr != "" {
		schedule = cron.New()
		if _, err := schedule.AddFunc(expr, func() {
			select {
			case scheduleCh <- struct{}{}:
			default:
			}
		}); err != nil {
			return fmt.Errorf("invalid daemon schedule %q: %w", expr, err)
		}
		schedule.Start()
		defer schedule.Stop()
		slog.Info("Daemon schedule active", "schedule", expr)
	} else {
		slog.Info("No daemon schedule configured; sweeps run on trigger only")
	}

	for {
		if err := d.runSweep(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Sweep error", "error", err)
		}

		select {
		case <-ctx.Done():
			slog.Info("Daemon received shutdown signal")
			return nil
		case <-d.triggerCh:
			slog.Info("Daemon: triggered, starting next sweep immediately")
		case <-scheduleCh:
			slog.Info("Daemon: schedule fired, starting sweep")
		}
	}
}

// runSweep reloads the manifest and scans every enabled repository. The
// manifest is re-read each sweep so edits take effect without a restart.
func (d *Daemon) runSweep(ctx context.Context) error {
	m, err := manifest.Load(d.cfg.Scan.ManifestPath)
	if err != nil {
		return err
	}
	reqs := m.ScanRequests()
	if len(reqs) == 0 {
		slog.Info("Manifest has no enabled repositories; nothing to scan")
		return nil
	}

	workers := d.cfg.Scan.Workers
	if workers < 1 {
		workers = 1
	}
	slog.Info("Starting sweep", "repositories", len(reqs), "workers", workers)

	results := make([]models.ScanResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, req := range reqs {
		g.Go(func() error {
			results[i] = d.scanOne(gctx, req)
			// A failed repository never aborts the sweep.
			return nil
		})
	}
	_ = g.Wait()

	d.mu.Lock()
	d.lastSweep = results
	d.mu.Unlock()

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	slog.Info("Sweep complete", "repositories", len(results), "succeeded", succeeded)
	return ctx.Err()
}

func (d *Daemon) scanOne(ctx context.Context, req models.ScanRequest) models.ScanResult {
	req.Credential = d.cfg.CredentialFor(req.ToolType, platform.Host(req.RepoURL))
	if req.Strategy == "" && !req.CloneEnabled {
		req.CloneEnabled = d.cfg.Scan.CloneEnabled
	}
	if w, err := d.orchestrator.Watermark(ctx, req.ScanConfigID); err == nil && w != nil && w.LastScanAt != nil {
		req.LastScanFrom = w.LastScanAt.UnixMilli()
	}

	result, err := d.orchestrator.ScanRepository(ctx, req)
	if err != nil {
		slog.Warn("Repository scan failed", "repo", req.RepoURL, "error", err)
	}
	return result
}
