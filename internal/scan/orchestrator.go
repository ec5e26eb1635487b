// Package scan composes strategy selection, platform fetching, merge-request
// reconciliation, user resolution and persistence into one repository scan.
package scan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/devlens/scmscan/internal/config"
	"github.com/devlens/scmscan/internal/platform"
	"github.com/devlens/scmscan/internal/reconcile"
	"github.com/devlens/scmscan/internal/strategy"
	"github.com/devlens/scmscan/internal/users"
	"github.com/devlens/scmscan/models"
)

// ProcessingError wraps any unexpected failure during orchestration,
// carrying the stage that failed.
type ProcessingError struct {
	Stage string
	Err   error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("scan failed during %s: %v", e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Gateway is the persistence surface the orchestrator writes through.
type Gateway interface {
	users.Store
	reconcile.OpenStore
	UpsertCommits(ctx context.Context, commits []*models.Commit) (int, error)
	UpsertMergeRequests(ctx context.Context, mrs []*models.MergeRequest) (int, error)
	Watermark(ctx context.Context, scanConfigID string) (*models.ScanWatermark, error)
	SetWatermark(ctx context.Context, w *models.ScanWatermark) error
}

// AdapterResolver looks up the platform adapter for a scan. Satisfied by
// platform.Registry.
type AdapterResolver interface {
	Adapter(p platform.Platform) (platform.Adapter, error)
}

// Orchestrator runs repository scans. Safe for concurrent use: one scan per
// repository, any number of repositories in flight.
type Orchestrator struct {
	strategies *strategy.Registry
	platforms  AdapterResolver
	reconciler *reconcile.Reconciler
	resolver   *users.Resolver
	gateway    Gateway
	cfg        config.ScanConfig
	now        func() time.Time
}

func NewOrchestrator(strategies *strategy.Registry, platforms AdapterResolver, reconciler *reconcile.Reconciler, resolver *users.Resolver, gateway Gateway, cfg config.ScanConfig) *Orchestrator {
	return &Orchestrator{
		strategies: strategies,
		platforms:  platforms,
		reconciler: reconciler,
		resolver:   resolver,
		gateway:    gateway,
		cfg:        cfg,
		now:        time.Now,
	}
}

// ScanRepository runs one scan synchronously: strategy selection, commit
// fetch, merge-request reconciliation, user resolution, then persistence.
// The returned result is populated even on failure, with whatever counts
// were reached before the error.
func (o *Orchestrator) ScanRepository(ctx context.Context, req models.ScanRequest) (models.ScanResult, error) {
	started := o.now()
	owner, name := platform.ParseRepoURL(req.RepoURL)
	repoName := req.RepoName
	if repoName == "" && owner != "" {
		repoName = owner + "/" + name
	}

	result := models.ScanResult{
		RepoURL:      req.RepoURL,
		RepoName:     repoName,
		ScanConfigID: req.ScanConfigID,
		StartedAt:    started,
	}
	fail := func(stage string, err error) (models.ScanResult, error) {
		perr := &ProcessingError{Stage: stage, Err: err}
		result.Success = false
		result.ErrorMsg = perr.Error()
		o.finish(&result)
		return result, perr
	}

	req, err := models.NewScanRequest(req)
	if err != nil {
		return fail("validation", err)
	}

	fetcher, err := o.strategies.Select(req)
	if err != nil {
		return fail("strategy selection", err)
	}
	slog.Info("Scanning repository",
		"repo", req.RepoURL, "strategy", fetcher.Name(), "scan_config_id", req.ScanConfigID)

	windowStart := req.WindowStart(o.cfg.FirstScanMonths, started)
	var until time.Time
	if req.Until != nil {
		until = *req.Until
	}

	commits, err := fetcher.FetchCommits(ctx, req, windowStart, until)
	if err != nil {
		return fail("commit fetch", err)
	}
	if req.Limit > 0 && len(commits) > req.Limit {
		commits = commits[:req.Limit]
	}

	// Merge-request failures do not invalidate the commits already fetched;
	// the scan persists what it has and reports the failure.
	mrs, mrErr := o.fetchMergeRequests(ctx, req, windowStart, until)
	if mrErr != nil {
		slog.Warn("Merge request reconciliation failed",
			"repo", req.RepoURL, "error", mrErr)
	}

	commitPtrs := make([]*models.Commit, len(commits))
	for i := range commits {
		commits[i].ScanConfigID = req.ScanConfigID
		commits[i].RepoName = repoName
		commitPtrs[i] = &commits[i]
	}
	mrPtrs := make([]*models.MergeRequest, len(mrs))
	for i := range mrs {
		mrs[i].ScanConfigID = req.ScanConfigID
		mrs[i].RepoName = repoName
		mrPtrs[i] = &mrs[i]
	}

	// User resolution is best-effort: failures leave records with an
	// unresolved author reference but never abort the scan.
	extracted := users.Extract(repoName, commitPtrs, mrPtrs)
	resolution := o.resolver.Resolve(ctx, extracted)
	users.Annotate(resolution, commitPtrs, mrPtrs)
	result.UserCount = resolution.Count()

	written, err := o.gateway.UpsertCommits(ctx, commitPtrs)
	result.CommitCount = written
	if err != nil {
		return fail("commit persistence", err)
	}

	writtenMRs, err := o.gateway.UpsertMergeRequests(ctx, mrPtrs)
	result.MergeRequestCount = writtenMRs
	if err != nil {
		return fail("merge request persistence", err)
	}

	if mrErr != nil {
		return fail("merge request fetch", mrErr)
	}

	result.Success = true
	o.finish(&result)
	o.recordWatermark(ctx, req, &result, commitPtrs)

	slog.Info("Scan complete",
		"repo", req.RepoURL,
		"commits", result.CommitCount,
		"merge_requests", result.MergeRequestCount,
		"users", result.UserCount,
		"duration", result.Duration)
	return result, nil
}

// Watermark returns the stored watermark for a scan configuration, or nil
// when the configuration has never been scanned.
func (o *Orchestrator) Watermark(ctx context.Context, scanConfigID string) (*models.ScanWatermark, error) {
	return o.gateway.Watermark(ctx, scanConfigID)
}

// Outcome pairs a scan result with its error for asynchronous delivery.
type Outcome struct {
	Result models.ScanResult
	Err    error
}

// ScanRepositoryAsync runs the scan in its own goroutine and delivers the
// outcome on the returned channel. Semantics are identical to
// ScanRepository.
func (o *Orchestrator) ScanRepositoryAsync(ctx context.Context, req models.ScanRequest) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		result, err := o.ScanRepository(ctx, req)
		ch <- Outcome{Result: result, Err: err}
	}()
	return ch
}

func (o *Orchestrator) fetchMergeRequests(ctx context.Context, req models.ScanRequest, windowStart, until time.Time) ([]models.MergeRequest, error) {
	p, err := resolvePlatform(req)
	if err != nil {
		return nil, err
	}
	adapter, err := o.platforms.Adapter(p)
	if err != nil {
		return nil, err
	}
	owner, name := platform.ParseRepoURL(req.RepoURL)
	repo := platform.RepoRef{URL: req.RepoURL, Owner: owner, Name: name, Branch: req.Branch}
	return o.reconciler.Reconcile(ctx, adapter, req.ScanConfigID, repo, req.Credential, windowStart, until)
}

func resolvePlatform(req models.ScanRequest) (platform.Platform, error) {
	if req.ToolType != "" {
		return platform.Parse(req.ToolType)
	}
	return platform.Detect(req.RepoURL)
}

func (o *Orchestrator) finish(result *models.ScanResult) {
	result.CompletedAt = o.now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
}

// recordWatermark stores where this successful scan ended so the next scan
// can start from there. Failure only costs the next scan a wider window.
func (o *Orchestrator) recordWatermark(ctx context.Context, req models.ScanRequest, result *models.ScanResult, commits []*models.Commit) {
	lastSHA := ""
	var newest time.Time
	for _, c := range commits {
		if c.Timestamp.After(newest) {
			newest = c.Timestamp
			lastSHA = c.SHA
		}
	}
	at := result.CompletedAt
	err := o.gateway.SetWatermark(ctx, &models.ScanWatermark{
		ScanConfigID:  req.ScanConfigID,
		RepoURL:       req.RepoURL,
		LastScanAt:    &at,
		LastCommitSHA: lastSHA,
	})
	if err != nil {
		slog.Warn("Failed to record scan watermark",
			"scan_config_id", req.ScanConfigID, "error", err)
	}
}
