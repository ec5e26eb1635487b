package platform

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/devlens/scmscan/internal/ratelimit"
	"github.com/devlens/scmscan/models"
)

// GitLabAdapter implements Adapter for GitLab (cloud and self-hosted) using
// the official client. The platform's native page objects drive pagination.
type GitLabAdapter struct {
	limiter *ratelimit.Limiter
	limit   int
}

// NewGitLabAdapter creates a GitLabAdapter.
func NewGitLabAdapter(limiter *ratelimit.Limiter, resultLimit int) *GitLabAdapter {
	return &GitLabAdapter{limiter: limiter, limit: resultLimit}
}

func (g *GitLabAdapter) Name() string { return string(GitLab) }

// client builds a client against the host of the originating repo URL.
// Self-hosted instances are addressed per call from that URL; the adapter
// itself holds no host state.
func (g *GitLabAdapter) client(repoURL string, cred models.Credential) (*gitlab.Client, string, error) {
	host := "gitlab.com"
	if u, err := url.Parse(repoURL); err == nil && u.Host != "" {
		host = u.Host
	}

	opts := []gitlab.ClientOptionFunc{}
	if host != "gitlab.com" {
		opts = append(opts, gitlab.WithBaseURL(fmt.Sprintf("https://%s/api/v4/", host)))
	}
	client, err := gitlab.NewClient(cred.Token, opts...)
	if err != nil {
		return nil, "", fmt.Errorf("creating GitLab client: %w", err)
	}
	return client, host, nil
}

func (g *GitLabAdapter) FetchCommits(ctx context.Context, repo RepoRef, cred models.Credential, since, until time.Time) ([]models.Commit, error) {
	client, host, err := g.client(repo.URL, cred)
	if err != nil {
		return nil, apiErr(GitLab, "building client", err)
	}
	pid := repo.Owner + "/" + repo.Name

	opts := &gitlab.ListCommitsOptions{
		ListOptions: gitlab.ListOptions{PerPage: 100},
		WithStats:   gitlab.Ptr(true),
	}
	if repo.Branch != "" {
		opts.RefName = gitlab.Ptr(repo.Branch)
	}
	if !since.IsZero() {
		opts.Since = gitlab.Ptr(since)
	}
	if !until.IsZero() {
		opts.Until = gitlab.Ptr(until)
	}

	var commits []models.Commit
	for {
		if err := g.limiter.Acquire(ctx, limitKey(GitLab, cred, repo, host)); err != nil {
			return nil, apiErr(GitLab, "rate limit", err)
		}
		page, resp, err := client.Commits.ListCommits(pid, opts, gitlab.WithContext(ctx))
		if err != nil {
			return nil, apiErr(GitLab, fmt.Sprintf("listing commits for %s", pid), err)
		}
		for _, c := range page {
			if c == nil || c.ID == "" {
				slog.Warn("Skipping malformed commit record", "repo", pid)
				continue
			}
			commits = append(commits, g.convertCommit(c, repo))
		}
		if g.limit > 0 && len(commits) >= g.limit {
			commits = commits[:g.limit]
			break
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = int64(resp.NextPage)
	}
	return commits, nil
}

func (g *GitLabAdapter) convertCommit(c *gitlab.Commit, repo RepoRef) models.Commit {
	var ts time.Time
	if c.CommittedDate != nil {
		ts = *c.CommittedDate
	} else if c.CreatedAt != nil {
		ts = *c.CreatedAt
	}
	commit := models.Commit{
		SHA:            c.ID,
		Message:        c.Message,
		AuthorName:     c.AuthorName,
		AuthorEmail:    c.AuthorEmail,
		CommitterName:  c.CommitterName,
		CommitterEmail: c.CommitterEmail,
		Timestamp:      ts,
		Merge:          len(c.ParentIDs) > 1,
		ParentSHAs:     c.ParentIDs,
		Branch:         repo.Branch,
	}
	if c.Stats != nil {
		commit.LinesAdded = int(c.Stats.Additions)
		commit.LinesRemoved = int(c.Stats.Deletions)
		commit.LinesChanged = int(c.Stats.Total)
	}
	return commit
}

func (g *GitLabAdapter) FetchMergeRequests(ctx context.Context, configID string, repo RepoRef, cred models.Credential, since, until time.Time) ([]models.MergeRequest, error) {
	client, host, err := g.client(repo.URL, cred)
	if err != nil {
		return nil, apiErr(GitLab, "building client", err)
	}
	pid := repo.Owner + "/" + repo.Name

	opts := &gitlab.ListProjectMergeRequestsOptions{
		ListOptions: gitlab.ListOptions{PerPage: 100},
		State:       gitlab.Ptr("all"),
	}
	if !since.IsZero() {
		opts.UpdatedAfter = gitlab.Ptr(since)
	}
	if !until.IsZero() {
		opts.UpdatedBefore = gitlab.Ptr(until)
	}
	if repo.Branch != "" {
		opts.TargetBranch = gitlab.Ptr(repo.Branch)
	}

	var mrs []models.MergeRequest
	for {
		if err := g.limiter.Acquire(ctx, limitKey(GitLab, cred, repo, host)); err != nil {
			return nil, apiErr(GitLab, "rate limit", err)
		}
		page, resp, err := client.MergeRequests.ListProjectMergeRequests(pid, opts, gitlab.WithContext(ctx))
		if err != nil {
			return nil, apiErr(GitLab, fmt.Sprintf("listing merge requests for %s", pid), err)
		}
		for _, mr := range page {
			if mr == nil {
				continue
			}
			mrs = append(mrs, g.convertMergeRequest(mr, configID))
		}
		if g.limit > 0 && len(mrs) >= g.limit {
			mrs = mrs[:g.limit]
			break
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = int64(resp.NextPage)
	}
	return mrs, nil
}

func (g *GitLabAdapter) convertMergeRequest(mr *gitlab.BasicMergeRequest, configID string) models.MergeRequest {
	state := models.MROpen
	switch mr.State {
	case "merged":
		state = models.MRMerged
	case "closed":
		state = models.MRClosed
	}

	var reviewers []string
	for _, r := range mr.Reviewers {
		if r != nil && r.Username != "" {
			reviewers = append(reviewers, r.Username)
		}
	}

	out := models.MergeRequest{
		ScanConfigID: configID,
		ExternalID:   fmt.Sprintf("%d", mr.IID),
		Title:        mr.Title,
		Description:  mr.Description,
		State:        state,
		SourceBranch: mr.SourceBranch,
		TargetBranch: mr.TargetBranch,
		Reviewers:    reviewers,
		CreatedOn:    mr.CreatedAt,
		UpdatedOn:    mr.UpdatedAt,
		MergedOn:     mr.MergedAt,
		ClosedOn:     mr.ClosedAt,
		URL:          mr.WebURL,
	}
	if mr.Author != nil {
		out.AuthorUsername = mr.Author.Username
		out.AuthorName = mr.Author.Name
	}
	return out
}
