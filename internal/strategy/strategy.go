// Package strategy selects how commits are obtained for a repository:
// through the platform REST API or by walking a local clone.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/devlens/scmscan/models"
)

// ErrNoStrategy indicates that no registered commit-fetch strategy supports
// the requested repository. The scan aborts before any network call.
var ErrNoStrategy = errors.New("no commit fetch strategy available")

// CommitFetcher is a pluggable policy for obtaining commits.
type CommitFetcher interface {
	Name() string
	// Supports reports whether this strategy can serve the repository.
	// An exact tool-type match is preferred; the URL heuristic applies only
	// when the tool type is absent.
	Supports(repoURL, toolType string) bool
	FetchCommits(ctx context.Context, req models.ScanRequest, since, until time.Time) ([]models.Commit, error)
}

// Registry holds the registered strategies. Registration order is the
// fallback order.
type Registry struct {
	strategies []CommitFetcher
}

// NewRegistry creates a Registry with the given strategies.
func NewRegistry(strategies ...CommitFetcher) *Registry {
	return &Registry{strategies: strategies}
}

// Select picks the strategy for a scan request:
//  1. the explicitly named strategy, when it exists and supports the repo;
//  2. the clone strategy when cloning is enabled and it supports the repo,
//     otherwise the REST strategy when it supports the repo;
//  3. the first registered strategy that supports the repo.
func (r *Registry) Select(req models.ScanRequest) (CommitFetcher, error) {
	if req.Strategy != "" {
		if s := r.byName(req.Strategy); s != nil && s.Supports(req.RepoURL, req.ToolType) {
			return s, nil
		}
	}
	if req.CloneEnabled {
		if s := r.byName("clone"); s != nil && s.Supports(req.RepoURL, req.ToolType) {
			return s, nil
		}
	}
	if s := r.byName("rest"); s != nil && s.Supports(req.RepoURL, req.ToolType) {
		return s, nil
	}
	for _, s := range r.strategies {
		if s.Supports(req.RepoURL, req.ToolType) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w for %s (tool type %q)", ErrNoStrategy, req.RepoURL, req.ToolType)
}

func (r *Registry) byName(name string) CommitFetcher {
	for _, s := range r.strategies {
		if strings.EqualFold(s.Name(), name) {
			return s
		}
	}
	return nil
}

// knownHost is the URL-substring heuristic used when no tool type is given.
func knownHost(repoURL string) bool {
	lower := strings.ToLower(repoURL)
	for _, frag := range []string{"github.com", "gitlab", "bitbucket", "dev.azure.com", "visualstudio.com"} {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}
