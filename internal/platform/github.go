package platform

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	gogithub "github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"github.com/devlens/scmscan/internal/ratelimit"
	"github.com/devlens/scmscan/models"
)

// GitHubAdapter implements Adapter for GitHub and GitHub Enterprise using
// the go-github client. Pagination follows resp.NextPage until it is zero.
type GitHubAdapter struct {
	limiter *ratelimit.Limiter
	limit   int
}

// NewGitHubAdapter creates a GitHubAdapter.
func NewGitHubAdapter(limiter *ratelimit.Limiter, resultLimit int) *GitHubAdapter {
	return &GitHubAdapter{limiter: limiter, limit: resultLimit}
}

func (g *GitHubAdapter) Name() string { return string(GitHub) }

// client builds a go-github client for the host of the originating repo URL.
// The client is per-call on purpose: base URL and credential travel with the
// call, never with the adapter, so concurrent scans of github.com and an
// enterprise host cannot cross-contaminate.
func (g *GitHubAdapter) client(ctx context.Context, repoURL string, cred models.Credential) (*gogithub.Client, string, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.Token})
	tc := oauth2.NewClient(ctx, ts)
	client := gogithub.NewClient(tc)

	host := "github.com"
	if u, err := url.Parse(repoURL); err == nil && u.Host != "" {
		host = u.Host
	}
	if host != "github.com" {
		base := fmt.Sprintf("https://%s/api/v3/", host)
		upload := fmt.Sprintf("https://%s/api/uploads/", host)
		var err error
		client, err = client.WithEnterpriseURLs(base, upload)
		if err != nil {
			return nil, "", fmt.Errorf("configuring GitHub enterprise URLs: %w", err)
		}
	}
	return client, host, nil
}

func (g *GitHubAdapter) FetchCommits(ctx context.Context, repo RepoRef, cred models.Credential, since, until time.Time) ([]models.Commit, error) {
	client, host, err := g.client(ctx, repo.URL, cred)
	if err != nil {
		return nil, apiErr(GitHub, "building client", err)
	}

	opts := &gogithub.CommitsListOptions{
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	if repo.Branch != "" {
		opts.SHA = repo.Branch
	}
	if !since.IsZero() {
		opts.Since = since
	}
	if !until.IsZero() {
		opts.Until = until
	}

	var commits []models.Commit
	for {
		if err := g.limiter.Acquire(ctx, limitKey(GitHub, cred, repo, host)); err != nil {
			return nil, apiErr(GitHub, "rate limit", err)
		}
		page, resp, err := client.Repositories.ListCommits(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return nil, apiErr(GitHub, fmt.Sprintf("listing commits for %s/%s", repo.Owner, repo.Name), err)
		}
		for _, rc := range page {
			if rc.GetSHA() == "" {
				slog.Warn("Skipping malformed commit record", "repo", repo.Owner+"/"+repo.Name)
				continue
			}
			commits = append(commits, g.convertCommit(rc, repo))
		}
		if g.limit > 0 && len(commits) >= g.limit {
			commits = commits[:g.limit]
			break
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return commits, nil
}

func (g *GitHubAdapter) convertCommit(rc *gogithub.RepositoryCommit, repo RepoRef) models.Commit {
	c := rc.GetCommit()
	parents := make([]string, 0, len(rc.Parents))
	for _, p := range rc.Parents {
		parents = append(parents, p.GetSHA())
	}
	return models.Commit{
		SHA:            rc.GetSHA(),
		Message:        c.GetMessage(),
		AuthorName:     c.GetAuthor().GetName(),
		AuthorEmail:    c.GetAuthor().GetEmail(),
		AuthorUsername: rc.GetAuthor().GetLogin(),
		CommitterName:  c.GetCommitter().GetName(),
		CommitterEmail: c.GetCommitter().GetEmail(),
		Timestamp:      c.GetAuthor().GetDate().Time,
		Merge:          len(rc.Parents) > 1,
		ParentSHAs:     parents,
		Branch:         repo.Branch,
	}
}

func (g *GitHubAdapter) FetchMergeRequests(ctx context.Context, configID string, repo RepoRef, cred models.Credential, since, until time.Time) ([]models.MergeRequest, error) {
	client, host, err := g.client(ctx, repo.URL, cred)
	if err != nil {
		return nil, apiErr(GitHub, "building client", err)
	}

	// Sorted by update time descending so paging can stop at the first pull
	// request older than the window.
	opts := &gogithub.PullRequestListOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	if repo.Branch != "" {
		opts.Base = repo.Branch
	}

	var mrs []models.MergeRequest
	for {
		if err := g.limiter.Acquire(ctx, limitKey(GitHub, cred, repo, host)); err != nil {
			return nil, apiErr(GitHub, "rate limit", err)
		}
		page, resp, err := client.PullRequests.List(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return nil, apiErr(GitHub, fmt.Sprintf("listing pull requests for %s/%s", repo.Owner, repo.Name), err)
		}
		done := false
		for _, pr := range page {
			updated := pr.GetUpdatedAt().Time
			if !since.IsZero() && !updated.IsZero() && updated.Before(since) {
				done = true
				break
			}
			if !until.IsZero() && updated.After(until) {
				continue
			}
			mrs = append(mrs, g.convertPullRequest(pr, configID))
		}
		if g.limit > 0 && len(mrs) >= g.limit {
			mrs = mrs[:g.limit]
			break
		}
		if done || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return mrs, nil
}

func (g *GitHubAdapter) convertPullRequest(pr *gogithub.PullRequest, configID string) models.MergeRequest {
	state := models.MROpen
	var mergedOn, closedOn *time.Time
	switch {
	case pr.MergedAt != nil:
		state = models.MRMerged
		mergedOn = timePtr(pr.GetMergedAt().Time)
	case pr.GetState() == "closed":
		state = models.MRClosed
		closedOn = timePtr(pr.GetClosedAt().Time)
	}

	reviewers := make([]string, 0, len(pr.RequestedReviewers))
	for _, r := range pr.RequestedReviewers {
		if login := r.GetLogin(); login != "" {
			reviewers = append(reviewers, login)
		}
	}

	return models.MergeRequest{
		ScanConfigID:   configID,
		ExternalID:     strconv.Itoa(pr.GetNumber()),
		Title:          pr.GetTitle(),
		Description:    pr.GetBody(),
		State:          state,
		SourceBranch:   pr.GetHead().GetRef(),
		TargetBranch:   pr.GetBase().GetRef(),
		AuthorUsername: pr.GetUser().GetLogin(),
		AuthorName:     pr.GetUser().GetName(),
		Reviewers:      reviewers,
		CreatedOn:      timePtr(pr.GetCreatedAt().Time),
		UpdatedOn:      timePtr(pr.GetUpdatedAt().Time),
		MergedOn:       mergedOn,
		ClosedOn:       closedOn,
		LinesChanged:   pr.GetAdditions() + pr.GetDeletions(),
		CommitCount:    pr.GetCommits(),
		FilesChanged:   pr.GetChangedFiles(),
		URL:            pr.GetHTMLURL(),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
