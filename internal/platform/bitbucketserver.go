package platform

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/devlens/scmscan/internal/ratelimit"
	"github.com/devlens/scmscan/models"
)

// BitbucketServerAdapter implements Adapter for Bitbucket Server / Data
// Center via its v1 REST API. Pagination uses offset counters: each page
// reports isLastPage and nextPageStart.
type BitbucketServerAdapter struct {
	limiter *ratelimit.Limiter
	limit   int
	bb      *bbClient
}

// NewBitbucketServerAdapter creates a BitbucketServerAdapter.
func NewBitbucketServerAdapter(limiter *ratelimit.Limiter, resultLimit int) *BitbucketServerAdapter {
	return &BitbucketServerAdapter{limiter: limiter, limit: resultLimit, bb: newBBClient()}
}

func (b *BitbucketServerAdapter) Name() string { return string(BitbucketServer) }

// baseURL derives the instance base from the originating repository URL,
// per call. Clone URLs look like https://host[/context]/scm/PROJ/repo.git;
// everything before /scm/ is the REST base.
func (b *BitbucketServerAdapter) baseURL(repoURL string) (string, error) {
	u, err := url.Parse(repoURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("cannot derive base URL from %q", repoURL)
	}
	path := u.Path
	if idx := strings.Index(path, "/scm/"); idx >= 0 {
		path = path[:idx]
	} else {
		path = ""
	}
	return u.Scheme + "://" + u.Host + path, nil
}

type serverCommitPage struct {
	Values        []serverCommit `json:"values"`
	IsLastPage    bool           `json:"isLastPage"`
	NextPageStart int            `json:"nextPageStart"`
}

type serverCommit struct {
	ID     string `json:"id"`
	Message string `json:"message"`
	Author struct {
		Name         string `json:"name"`
		EmailAddress string `json:"emailAddress"`
		DisplayName  string `json:"displayName"`
	} `json:"author"`
	AuthorTimestamp int64 `json:"authorTimestamp"`
	Committer       struct {
		Name         string `json:"name"`
		EmailAddress string `json:"emailAddress"`
	} `json:"committer"`
	CommitterTimestamp int64 `json:"committerTimestamp"`
	Parents            []struct {
		ID string `json:"id"`
	} `json:"parents"`
}

func (b *BitbucketServerAdapter) FetchCommits(ctx context.Context, repo RepoRef, cred models.Credential, since, until time.Time) ([]models.Commit, error) {
	base, err := b.baseURL(repo.URL)
	if err != nil {
		return nil, apiErr(BitbucketServer, "resolving base URL", err)
	}

	var commits []models.Commit
	start := 0
	for {
		if err := b.limiter.Acquire(ctx, limitKey(BitbucketServer, cred, repo, base)); err != nil {
			return nil, apiErr(BitbucketServer, "rate limit", err)
		}
		q := url.Values{}
		q.Set("limit", "100")
		q.Set("start", strconv.Itoa(start))
		if repo.Branch != "" {
			q.Set("until", "refs/heads/"+repo.Branch)
		}
		pageURL := fmt.Sprintf("%s/rest/api/1.0/projects/%s/repos/%s/commits?%s",
			base, url.PathEscape(repo.Owner), url.PathEscape(repo.Name), q.Encode())

		var page serverCommitPage
		if err := b.bb.getJSON(ctx, pageURL, cred.Username, cred.Token, &page); err != nil {
			return nil, apiErr(BitbucketServer, fmt.Sprintf("listing commits for %s/%s", repo.Owner, repo.Name), err)
		}

		stop := false
		for _, c := range page.Values {
			if c.ID == "" {
				slog.Warn("Skipping malformed commit record", "repo", repo.Owner+"/"+repo.Name)
				continue
			}
			if !MillisInRange(c.AuthorTimestamp, since, until) {
				if c.AuthorTimestamp > 0 && !since.IsZero() && time.UnixMilli(c.AuthorTimestamp).Before(since) {
					stop = true
					break
				}
				continue
			}
			commits = append(commits, b.convertCommit(c, repo))
		}
		if b.limit > 0 && len(commits) >= b.limit {
			commits = commits[:b.limit]
			break
		}
		if stop || page.IsLastPage {
			break
		}
		start = page.NextPageStart
	}
	return commits, nil
}

func (b *BitbucketServerAdapter) convertCommit(c serverCommit, repo RepoRef) models.Commit {
	parents := make([]string, 0, len(c.Parents))
	for _, p := range c.Parents {
		parents = append(parents, p.ID)
	}
	commit := models.Commit{
		SHA:            c.ID,
		Message:        c.Message,
		AuthorName:     c.Author.DisplayName,
		AuthorEmail:    c.Author.EmailAddress,
		AuthorUsername: c.Author.Name,
		CommitterName:  c.Committer.Name,
		CommitterEmail: c.Committer.EmailAddress,
		Merge:          len(parents) > 1,
		ParentSHAs:     parents,
		Branch:         repo.Branch,
	}
	if commit.AuthorName == "" {
		commit.AuthorName = c.Author.Name
	}
	if t := millisToTime(c.AuthorTimestamp); t != nil {
		commit.Timestamp = *t
	}
	return commit
}

type serverPRPage struct {
	Values        []serverPR `json:"values"`
	IsLastPage    bool       `json:"isLastPage"`
	NextPageStart int        `json:"nextPageStart"`
}

type serverPR struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	State       string `json:"state"` // OPEN | MERGED | DECLINED
	CreatedDate int64  `json:"createdDate"`
	UpdatedDate int64  `json:"updatedDate"`
	ClosedDate  int64  `json:"closedDate"`
	FromRef     struct {
		DisplayID string `json:"displayId"`
	} `json:"fromRef"`
	ToRef struct {
		DisplayID string `json:"displayId"`
	} `json:"toRef"`
	Author struct {
		User serverUser `json:"user"`
	} `json:"author"`
	Reviewers []struct {
		User serverUser `json:"user"`
	} `json:"reviewers"`
	Links struct {
		Self []struct {
			Href string `json:"href"`
		} `json:"self"`
	} `json:"links"`
}

type serverUser struct {
	Name         string `json:"name"`
	EmailAddress string `json:"emailAddress"`
	DisplayName  string `json:"displayName"`
}

func (b *BitbucketServerAdapter) FetchMergeRequests(ctx context.Context, configID string, repo RepoRef, cred models.Credential, since, until time.Time) ([]models.MergeRequest, error) {
	base, err := b.baseURL(repo.URL)
	if err != nil {
		return nil, apiErr(BitbucketServer, "resolving base URL", err)
	}

	var mrs []models.MergeRequest
	start := 0
	for {
		if err := b.limiter.Acquire(ctx, limitKey(BitbucketServer, cred, repo, base)); err != nil {
			return nil, apiErr(BitbucketServer, "rate limit", err)
		}
		q := url.Values{}
		q.Set("state", "ALL")
		q.Set("order", "NEWEST")
		q.Set("limit", "50")
		q.Set("start", strconv.Itoa(start))
		pageURL := fmt.Sprintf("%s/rest/api/1.0/projects/%s/repos/%s/pull-requests?%s",
			base, url.PathEscape(repo.Owner), url.PathEscape(repo.Name), q.Encode())

		var page serverPRPage
		if err := b.bb.getJSON(ctx, pageURL, cred.Username, cred.Token, &page); err != nil {
			return nil, apiErr(BitbucketServer, fmt.Sprintf("listing pull requests for %s/%s", repo.Owner, repo.Name), err)
		}

		for _, pr := range page.Values {
			if !MillisInRange(pr.UpdatedDate, since, until) {
				continue
			}
			mr, err := b.convertPR(ctx, pr, configID, repo, cred, base)
			if err != nil {
				return nil, err
			}
			mrs = append(mrs, mr)
		}
		if b.limit > 0 && len(mrs) >= b.limit {
			mrs = mrs[:b.limit]
			break
		}
		if page.IsLastPage {
			break
		}
		start = page.NextPageStart
	}
	return mrs, nil
}

func (b *BitbucketServerAdapter) convertPR(ctx context.Context, pr serverPR, configID string, repo RepoRef, cred models.Credential, base string) (models.MergeRequest, error) {
	state := models.MROpen
	var mergedOn, closedOn *time.Time
	switch pr.State {
	case "MERGED":
		state = models.MRMerged
		mergedOn = millisToTime(pr.ClosedDate)
	case "DECLINED":
		state = models.MRClosed
		closedOn = millisToTime(pr.ClosedDate)
	}

	var reviewers []string
	for _, r := range pr.Reviewers {
		if r.User.Name != "" {
			reviewers = append(reviewers, r.User.Name)
		}
	}

	mr := models.MergeRequest{
		ScanConfigID:   configID,
		ExternalID:     strconv.FormatInt(pr.ID, 10),
		Title:          pr.Title,
		Description:    pr.Description,
		State:          state,
		SourceBranch:   pr.FromRef.DisplayID,
		TargetBranch:   pr.ToRef.DisplayID,
		AuthorUsername: pr.Author.User.Name,
		AuthorName:     pr.Author.User.DisplayName,
		AuthorEmail:    pr.Author.User.EmailAddress,
		Reviewers:      reviewers,
		CreatedOn:      millisToTime(pr.CreatedDate),
		UpdatedOn:      millisToTime(pr.UpdatedDate),
		MergedOn:       mergedOn,
		ClosedOn:       closedOn,
	}
	if len(pr.Links.Self) > 0 {
		mr.URL = pr.Links.Self[0].Href
	}

	if err := b.limiter.Acquire(ctx, limitKey(BitbucketServer, cred, repo, base)); err != nil {
		return models.MergeRequest{}, apiErr(BitbucketServer, "rate limit", err)
	}
	diffURL := fmt.Sprintf("%s/rest/api/1.0/projects/%s/repos/%s/pull-requests/%d.diff",
		base, url.PathEscape(repo.Owner), url.PathEscape(repo.Name), pr.ID)
	diff, err := b.bb.fetchDiff(ctx, diffURL, cred.Username, cred.Token)
	if err != nil {
		return models.MergeRequest{}, apiErr(BitbucketServer, fmt.Sprintf("fetching diff for PR %d", pr.ID), err)
	}
	added, removed, files := diffStats(diff)
	mr.LinesChanged = added + removed
	mr.FilesChanged = files
	return mr, nil
}
