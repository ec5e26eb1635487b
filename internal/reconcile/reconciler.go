// Package reconcile combines newly-updated merge requests with a refresh of
// previously-stored open ones, so that stale OPEN records pick up their
// merged/closed transitions without re-scanning full history.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/devlens/scmscan/internal/platform"
	"github.com/devlens/scmscan/models"
)

// maxOpenPages bounds how many stored pages of open merge requests one scan
// will load.
const maxOpenPages = 10

// Fetcher is the slice of platform.Adapter the reconciler drives.
type Fetcher interface {
	FetchMergeRequests(ctx context.Context, configID string, repo platform.RepoRef, cred models.Credential, since, until time.Time) ([]models.MergeRequest, error)
}

// OpenStore loads previously persisted OPEN merge requests, one page at a
// time. Page numbering starts at 0; an empty page ends iteration.
type OpenStore interface {
	ListOpenMergeRequests(ctx context.Context, scanConfigID string, page int) ([]*models.MergeRequest, error)
}

// Options tunes the refresh window.
type Options struct {
	// RefreshDefaultMonths is the lookback used when no stored open merge
	// request carries an updated timestamp. Defaults to 3.
	RefreshDefaultMonths int
	// RefreshCapMonths caps the lookback regardless of how old the oldest
	// open record is. Defaults to 6.
	RefreshCapMonths int
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// Reconciler produces the deduplicated merge-request set for one scan.
type Reconciler struct {
	store OpenStore
	opts  Options
}

func New(store OpenStore, opts Options) *Reconciler {
	if opts.RefreshDefaultMonths <= 0 {
		opts.RefreshDefaultMonths = 3
	}
	if opts.RefreshCapMonths <= 0 {
		opts.RefreshCapMonths = 6
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconciler{store: store, opts: opts}
}

// Reconcile fetches merge requests updated since windowStart (set A), then
// refreshes the stored OPEN records through a second, id-filtered fetch
// (set B'), and merges the two with the refresh winning on collision.
func (r *Reconciler) Reconcile(ctx context.Context, fetcher Fetcher, scanConfigID string, repo platform.RepoRef, cred models.Credential, windowStart, until time.Time) ([]models.MergeRequest, error) {
	setA, err := fetcher.FetchMergeRequests(ctx, scanConfigID, repo, cred, windowStart, until)
	if err != nil {
		return nil, fmt.Errorf("fetching updated merge requests: %w", err)
	}

	open := r.loadOpen(ctx, scanConfigID)
	if len(open) == 0 {
		return setA, nil
	}

	refreshStart := r.refreshWindowStart(open)
	refreshed, err := fetcher.FetchMergeRequests(ctx, scanConfigID, repo, cred, refreshStart, until)
	if err != nil {
		return nil, fmt.Errorf("refreshing open merge requests: %w", err)
	}

	openIDs := make(map[string]bool, len(open))
	for _, m := range open {
		openIDs[m.ExternalID] = true
	}
	setB := refreshed[:0:0]
	for _, m := range refreshed {
		if openIDs[m.ExternalID] {
			setB = append(setB, m)
		}
	}

	return merge(setA, setB), nil
}

// loadOpen reads stored OPEN merge requests page by page. A store failure is
// logged and treated as "no open records": the scan still ingests set A.
func (r *Reconciler) loadOpen(ctx context.Context, scanConfigID string) []*models.MergeRequest {
	var all []*models.MergeRequest
	for page := 0; page < maxOpenPages; page++ {
		mrs, err := r.store.ListOpenMergeRequests(ctx, scanConfigID, page)
		if err != nil {
			slog.Warn("Failed to load stored open merge requests; skipping refresh",
				"scan_config_id", scanConfigID, "page", page, "error", err)
			return nil
		}
		if len(mrs) == 0 {
			break
		}
		all = append(all, mrs...)
	}
	return all
}

// refreshWindowStart is the oldest still-open record's updated timestamp,
// defaulting to RefreshDefaultMonths back when no record has one and never
// exceeding RefreshCapMonths.
func (r *Reconciler) refreshWindowStart(open []*models.MergeRequest) time.Time {
	now := r.opts.Now()
	var start time.Time
	for _, m := range open {
		if m.UpdatedOn != nil && (start.IsZero() || m.UpdatedOn.Before(start)) {
			start = *m.UpdatedOn
		}
	}
	if start.IsZero() {
		start = now.AddDate(0, -r.opts.RefreshDefaultMonths, 0)
	}
	if floor := now.AddDate(0, -r.opts.RefreshCapMonths, 0); start.Before(floor) {
		start = floor
	}
	return start
}

// merge keys by external id, inserting set A first and then set B so the
// refreshed copy wins on collision. Order: set A's order, then B-only items.
func merge(setA, setB []models.MergeRequest) []models.MergeRequest {
	byID := make(map[string]models.MergeRequest, len(setA)+len(setB))
	order := make([]string, 0, len(setA)+len(setB))

	for _, m := range setA {
		if _, ok := byID[m.ExternalID]; !ok {
			order = append(order, m.ExternalID)
		}
		byID[m.ExternalID] = m
	}
	for _, m := range setB {
		if _, ok := byID[m.ExternalID]; !ok {
			order = append(order, m.ExternalID)
		}
		byID[m.ExternalID] = m
	}

	out := make([]models.MergeRequest, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}
