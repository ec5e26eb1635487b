package platform

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/devlens/scmscan/internal/ratelimit"
	"github.com/devlens/scmscan/models"
)

const bitbucketCloudAPI = "https://api.bitbucket.org/2.0"

// BitbucketCloudAdapter implements Adapter for Bitbucket Cloud via its v2
// REST API. Pagination uses the opaque absolute "next" URL from each page,
// relativized onto the adapter base before reuse.
type BitbucketCloudAdapter struct {
	limiter *ratelimit.Limiter
	limit   int
	bb      *bbClient
	apiBase string
}

// NewBitbucketCloudAdapter creates a BitbucketCloudAdapter.
func NewBitbucketCloudAdapter(limiter *ratelimit.Limiter, resultLimit int) *BitbucketCloudAdapter {
	return &BitbucketCloudAdapter{
		limiter: limiter,
		limit:   resultLimit,
		bb:      newBBClient(),
		apiBase: bitbucketCloudAPI,
	}
}

func (b *BitbucketCloudAdapter) Name() string { return string(BitbucketCloud) }

type cloudCommitPage struct {
	Values []cloudCommit `json:"values"`
	Next   string        `json:"next"`
}

type cloudCommit struct {
	Hash    string `json:"hash"`
	Message string `json:"message"`
	Date    string `json:"date"`
	Author  struct {
		Raw  string `json:"raw"`
		User struct {
			Nickname    string `json:"nickname"`
			DisplayName string `json:"display_name"`
			AccountID   string `json:"account_id"`
			Links       struct {
				Avatar struct {
					Href string `json:"href"`
				} `json:"avatar"`
			} `json:"links"`
		} `json:"user"`
	} `json:"author"`
	Parents []struct {
		Hash string `json:"hash"`
	} `json:"parents"`
}

func (b *BitbucketCloudAdapter) FetchCommits(ctx context.Context, repo RepoRef, cred models.Credential, since, until time.Time) ([]models.Commit, error) {
	path := fmt.Sprintf("%s/repositories/%s/%s/commits", b.apiBase, repo.Owner, repo.Name)
	if repo.Branch != "" {
		path += "/" + url.PathEscape(repo.Branch)
	}
	next := path + "?pagelen=100"

	var commits []models.Commit
	for next != "" {
		if err := b.limiter.Acquire(ctx, limitKey(BitbucketCloud, cred, repo, b.apiBase)); err != nil {
			return nil, apiErr(BitbucketCloud, "rate limit", err)
		}
		var page cloudCommitPage
		if err := b.bb.getJSON(ctx, next, cred.Username, cred.Token, &page); err != nil {
			return nil, apiErr(BitbucketCloud, fmt.Sprintf("listing commits for %s/%s", repo.Owner, repo.Name), err)
		}

		stop := false
		for _, c := range page.Values {
			if c.Hash == "" {
				slog.Warn("Skipping malformed commit record", "repo", repo.Owner+"/"+repo.Name)
				continue
			}
			ts, ok := ParseTime(c.Date)
			if !InRange(ts, ok, since, until) {
				// Commits page newest-first; once a parseable date drops
				// below the window there is nothing older worth paging for.
				if ok && !since.IsZero() && ts.Before(since) {
					stop = true
					break
				}
				continue
			}
			commits = append(commits, b.convertCommit(c, repo, ts, ok))
		}
		if b.limit > 0 && len(commits) >= b.limit {
			commits = commits[:b.limit]
			break
		}
		if stop {
			break
		}
		next = relativizeNext(page.Next, b.apiBase)
	}
	return commits, nil
}

func (b *BitbucketCloudAdapter) convertCommit(c cloudCommit, repo RepoRef, ts time.Time, tsOK bool) models.Commit {
	name, email := parseRawAuthor(c.Author.Raw)
	parents := make([]string, 0, len(c.Parents))
	for _, p := range c.Parents {
		parents = append(parents, p.Hash)
	}
	commit := models.Commit{
		SHA:            c.Hash,
		Message:        c.Message,
		AuthorName:     name,
		AuthorEmail:    email,
		AuthorUsername: c.Author.User.Nickname,
		Merge:          len(parents) > 1,
		ParentSHAs:     parents,
		Branch:         repo.Branch,
	}
	if tsOK {
		commit.Timestamp = ts
	}
	return commit
}

type cloudPRPage struct {
	Values []cloudPR `json:"values"`
	Next   string    `json:"next"`
}

type cloudPR struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	State       string `json:"state"` // OPEN | MERGED | DECLINED | SUPERSEDED
	CreatedOn   string `json:"created_on"`
	UpdatedOn   string `json:"updated_on"`
	Source      struct {
		Branch struct {
			Name string `json:"name"`
		} `json:"branch"`
	} `json:"source"`
	Destination struct {
		Branch struct {
			Name string `json:"name"`
		} `json:"branch"`
	} `json:"destination"`
	Author struct {
		Nickname    string `json:"nickname"`
		DisplayName string `json:"display_name"`
	} `json:"author"`
	Reviewers []struct {
		Nickname    string `json:"nickname"`
		DisplayName string `json:"display_name"`
	} `json:"reviewers"`
	Links struct {
		HTML struct {
			Href string `json:"href"`
		} `json:"html"`
	} `json:"links"`
}

func (b *BitbucketCloudAdapter) FetchMergeRequests(ctx context.Context, configID string, repo RepoRef, cred models.Credential, since, until time.Time) ([]models.MergeRequest, error) {
	q := url.Values{}
	q.Set("pagelen", "50")
	q.Set("state", "ALL")
	if !since.IsZero() {
		q.Set("q", fmt.Sprintf("updated_on >= %s", strconv.Quote(since.UTC().Format(time.RFC3339))))
	}
	next := fmt.Sprintf("%s/repositories/%s/%s/pullrequests?%s", b.apiBase, repo.Owner, repo.Name, q.Encode())

	var mrs []models.MergeRequest
	for next != "" {
		if err := b.limiter.Acquire(ctx, limitKey(BitbucketCloud, cred, repo, b.apiBase)); err != nil {
			return nil, apiErr(BitbucketCloud, "rate limit", err)
		}
		var page cloudPRPage
		if err := b.bb.getJSON(ctx, next, cred.Username, cred.Token, &page); err != nil {
			return nil, apiErr(BitbucketCloud, fmt.Sprintf("listing pull requests for %s/%s", repo.Owner, repo.Name), err)
		}
		for _, pr := range page.Values {
			// Filter on updated_on: the window wants anything touched during
			// the period, including older PRs that changed state.
			if !StringInRange(pr.UpdatedOn, since, until) {
				continue
			}
			mr, err := b.convertPR(ctx, pr, configID, repo, cred)
			if err != nil {
				return nil, err
			}
			mrs = append(mrs, mr)
		}
		if b.limit > 0 && len(mrs) >= b.limit {
			mrs = mrs[:b.limit]
			break
		}
		next = relativizeNext(page.Next, b.apiBase)
	}
	return mrs, nil
}

func (b *BitbucketCloudAdapter) convertPR(ctx context.Context, pr cloudPR, configID string, repo RepoRef, cred models.Credential) (models.MergeRequest, error) {
	state := models.MROpen
	switch pr.State {
	case "MERGED":
		state = models.MRMerged
	case "DECLINED", "SUPERSEDED":
		state = models.MRClosed
	}

	var reviewers []string
	for _, r := range pr.Reviewers {
		if r.Nickname != "" {
			reviewers = append(reviewers, r.Nickname)
		}
	}

	mr := models.MergeRequest{
		ScanConfigID:   configID,
		ExternalID:     strconv.FormatInt(pr.ID, 10),
		Title:          pr.Title,
		Description:    pr.Description,
		State:          state,
		SourceBranch:   pr.Source.Branch.Name,
		TargetBranch:   pr.Destination.Branch.Name,
		AuthorUsername: pr.Author.Nickname,
		AuthorName:     pr.Author.DisplayName,
		Reviewers:      reviewers,
		URL:            pr.Links.HTML.Href,
	}
	if t, ok := ParseTime(pr.CreatedOn); ok {
		mr.CreatedOn = &t
	}
	if t, ok := ParseTime(pr.UpdatedOn); ok {
		mr.UpdatedOn = &t
		if state == models.MRMerged {
			// The list payload carries no merge timestamp; the last update of
			// a merged PR is the merge event.
			mr.MergedOn = &t
		}
		if state == models.MRClosed {
			mr.ClosedOn = &t
		}
	}

	if err := b.attachDiffStats(ctx, &mr, pr.ID, repo, cred); err != nil {
		return models.MergeRequest{}, err
	}
	return mr, nil
}

// attachDiffStats pulls the PR diff (a redirect-first endpoint on cloud) and
// fills in line/file counts.
func (b *BitbucketCloudAdapter) attachDiffStats(ctx context.Context, mr *models.MergeRequest, prID int64, repo RepoRef, cred models.Credential) error {
	if err := b.limiter.Acquire(ctx, limitKey(BitbucketCloud, cred, repo, b.apiBase)); err != nil {
		return apiErr(BitbucketCloud, "rate limit", err)
	}
	diffURL := fmt.Sprintf("%s/repositories/%s/%s/pullrequests/%d/diff", b.apiBase, repo.Owner, repo.Name, prID)
	diff, err := b.bb.fetchDiff(ctx, diffURL, cred.Username, cred.Token)
	if err != nil {
		return apiErr(BitbucketCloud, fmt.Sprintf("fetching diff for PR %d", prID), err)
	}
	added, removed, files := diffStats(diff)
	mr.LinesChanged = added + removed
	mr.FilesChanged = files
	return nil
}
