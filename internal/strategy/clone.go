package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/devlens/scmscan/models"
)

// errLimitReached stops the history walk once the result limit is hit.
var errLimitReached = errors.New("commit limit reached")

// CloneStrategy obtains commits by cloning the repository to a temporary
// directory and walking its history with go-git. Produces per-file diff
// stats that the REST list endpoints do not carry.
type CloneStrategy struct {
	limit int
}

// NewCloneStrategy creates a CloneStrategy.
func NewCloneStrategy(resultLimit int) *CloneStrategy {
	return &CloneStrategy{limit: resultLimit}
}

func (s *CloneStrategy) Name() string { return "clone" }

// Supports accepts any repository the git transport can reach: an exact tool
// type, a known host, or any URL at all (cloning does not need a platform
// API).
func (s *CloneStrategy) Supports(repoURL, toolType string) bool {
	if toolType != "" {
		return true
	}
	if knownHost(repoURL) {
		return true
	}
	return repoURL != ""
}

func (s *CloneStrategy) FetchCommits(ctx context.Context, req models.ScanRequest, since, until time.Time) ([]models.Commit, error) {
	tmpDir, err := os.MkdirTemp("", "scmscan-clone-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			slog.Warn("Failed to clean up clone directory", "path", tmpDir, "error", err)
		}
	}()

	cloneOpts := &gogit.CloneOptions{
		URL:        req.RepoURL,
		NoCheckout: true, // history only, no working tree
	}
	if req.Credential.Token != "" {
		username := req.Credential.Username
		if username == "" {
			username = "scmscan"
		}
		cloneOpts.Auth = &githttp.BasicAuth{Username: username, Password: req.Credential.Token}
	}
	if req.Branch != "" {
		cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(req.Branch)
		cloneOpts.SingleBranch = true
	}

	slog.Debug("Cloning repository for history walk",
		"url", req.RepoURL, "branch", req.Branch, "dest", tmpDir)

	repo, err := gogit.PlainCloneContext(ctx, tmpDir, true, cloneOpts)
	if err != nil {
		return nil, fmt.Errorf("cloning %s: %w", req.RepoURL, err)
	}

	logOpts := &gogit.LogOptions{Order: gogit.LogOrderCommitterTime}
	if !since.IsZero() {
		logOpts.Since = &since
	}
	if !until.IsZero() {
		logOpts.Until = &until
	}
	iter, err := repo.Log(logOpts)
	if err != nil {
		return nil, fmt.Errorf("walking history of %s: %w", req.RepoURL, err)
	}
	defer iter.Close()

	var commits []models.Commit
	err = iter.ForEach(func(c *object.Commit) error {
		commits = append(commits, s.convertCommit(c, req.Branch))
		if s.limit > 0 && len(commits) >= s.limit {
			return errLimitReached
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimitReached) && !errors.Is(err, storer.ErrStop) {
		return nil, fmt.Errorf("walking history of %s: %w", req.RepoURL, err)
	}
	return commits, nil
}

func (s *CloneStrategy) convertCommit(c *object.Commit, branch string) models.Commit {
	parents := make([]string, 0, len(c.ParentHashes))
	for _, p := range c.ParentHashes {
		parents = append(parents, p.String())
	}

	commit := models.Commit{
		SHA:            c.Hash.String(),
		Message:        c.Message,
		AuthorName:     c.Author.Name,
		AuthorEmail:    c.Author.Email,
		CommitterName:  c.Committer.Name,
		CommitterEmail: c.Committer.Email,
		Timestamp:      c.Author.When.UTC(),
		Merge:          c.NumParents() > 1,
		ParentSHAs:     parents,
		Branch:         branch,
	}

	// Stats require resolving the parent tree; a failure degrades to a
	// commit without line counts rather than dropping it.
	stats, err := c.Stats()
	if err != nil {
		slog.Warn("Could not compute diff stats", "sha", commit.SHA, "error", err)
		return commit
	}
	for _, fs := range stats {
		commit.Files = append(commit.Files, models.FileChange{
			Path:         fs.Name,
			ChangeType:   "modified",
			LinesAdded:   fs.Addition,
			LinesRemoved: fs.Deletion,
		})
		commit.LinesAdded += fs.Addition
		commit.LinesRemoved += fs.Deletion
	}
	commit.LinesChanged = commit.LinesAdded + commit.LinesRemoved
	return commit
}
