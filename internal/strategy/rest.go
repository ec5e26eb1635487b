package strategy

import (
	"context"
	"time"

	"github.com/devlens/scmscan/internal/platform"
	"github.com/devlens/scmscan/models"
)

// RESTStrategy fetches commits through the platform adapter for the
// repository's hosting platform.
type RESTStrategy struct {
	registry *platform.Registry
}

// NewRESTStrategy creates a RESTStrategy over the adapter registry.
func NewRESTStrategy(registry *platform.Registry) *RESTStrategy {
	return &RESTStrategy{registry: registry}
}

func (s *RESTStrategy) Name() string { return "rest" }

func (s *RESTStrategy) Supports(repoURL, toolType string) bool {
	if toolType != "" {
		_, err := platform.Parse(toolType)
		return err == nil
	}
	_, err := platform.Detect(repoURL)
	return err == nil
}

func (s *RESTStrategy) FetchCommits(ctx context.Context, req models.ScanRequest, since, until time.Time) ([]models.Commit, error) {
	p, err := resolvePlatform(req)
	if err != nil {
		return nil, err
	}
	adapter, err := s.registry.Adapter(p)
	if err != nil {
		return nil, err
	}
	owner, name := platform.ParseRepoURL(req.RepoURL)
	repo := platform.RepoRef{URL: req.RepoURL, Owner: owner, Name: name, Branch: req.Branch}
	return adapter.FetchCommits(ctx, repo, req.Credential, since, until)
}

// resolvePlatform maps the request to a platform: exact tool type first,
// URL detection only as a fallback.
func resolvePlatform(req models.ScanRequest) (platform.Platform, error) {
	if req.ToolType != "" {
		return platform.Parse(req.ToolType)
	}
	return platform.Detect(req.RepoURL)
}
