// Package platform provides one adapter per supported Git hosting platform.
// Adapters normalise pagination, auth and date filtering so callers only see
// "all commits / merge requests for the window".
package platform

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/devlens/scmscan/internal/ratelimit"
	"github.com/devlens/scmscan/models"
)

// Platform enumerates the supported hosting platforms. The set is closed:
// dispatch happens over this enum, resolved once at startup, so an
// unsupported platform fails before any network call.
type Platform string

const (
	GitHub          Platform = "github"
	GitLab          Platform = "gitlab"
	BitbucketCloud  Platform = "bitbucketcloud"
	BitbucketServer Platform = "bitbucketserver"
)

// Parse maps a tool-type tag to a Platform.
func Parse(toolType string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(toolType))) {
	case GitHub:
		return GitHub, nil
	case GitLab:
		return GitLab, nil
	case BitbucketCloud:
		return BitbucketCloud, nil
	case BitbucketServer:
		return BitbucketServer, nil
	default:
		return "", fmt.Errorf("unsupported platform %q", toolType)
	}
}

// Detect infers the hosting platform from a repository URL. Used only when
// the tool type is absent; an exact tool-type match always wins.
func Detect(repoURL string) (Platform, error) {
	lower := strings.ToLower(repoURL)
	switch {
	case strings.Contains(lower, "github.com") || strings.Contains(lower, "github."):
		return GitHub, nil
	case strings.Contains(lower, "gitlab"):
		return GitLab, nil
	case strings.Contains(lower, "bitbucket.org"):
		return BitbucketCloud, nil
	case strings.Contains(lower, "bitbucket"):
		return BitbucketServer, nil
	default:
		return "", fmt.Errorf("cannot detect platform from URL %q", repoURL)
	}
}

// RepoRef identifies the repository addressed by one adapter call. URL is the
// originating repository URL and is threaded through every call explicitly:
// on-premise base URLs are derived from it per call, never from adapter
// state, so concurrent scans of different hosts stay isolated.
type RepoRef struct {
	URL    string
	Owner  string
	Name   string
	Branch string // empty means platform default
}

// Adapter is the uniform capability every platform implements. Fetches page
// until the platform signals no further pages; each page fetch is preceded
// by a rate-limiter check. A zero until means "no upper bound".
type Adapter interface {
	Name() string
	FetchCommits(ctx context.Context, repo RepoRef, cred models.Credential, since, until time.Time) ([]models.Commit, error)
	FetchMergeRequests(ctx context.Context, configID string, repo RepoRef, cred models.Credential, since, until time.Time) ([]models.MergeRequest, error)
}

// APIError wraps any transport, non-2xx or decoding failure while talking to
// a hosting platform. A page-level failure aborts the whole fetch; partial
// pages are discarded.
type APIError struct {
	Platform string
	Message  string
	Err      error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Platform, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Platform, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

func apiErr(platform Platform, msg string, err error) *APIError {
	return &APIError{Platform: string(platform), Message: msg, Err: err}
}

// Registry holds one adapter per platform, built once at startup.
type Registry struct {
	adapters map[Platform]Adapter
}

// NewRegistry constructs all adapters sharing one rate limiter and result
// limit.
func NewRegistry(limiter *ratelimit.Limiter, resultLimit int) *Registry {
	return &Registry{adapters: map[Platform]Adapter{
		GitHub:          NewGitHubAdapter(limiter, resultLimit),
		GitLab:          NewGitLabAdapter(limiter, resultLimit),
		BitbucketCloud:  NewBitbucketCloudAdapter(limiter, resultLimit),
		BitbucketServer: NewBitbucketServerAdapter(limiter, resultLimit),
	}}
}

// Adapter returns the adapter for the given platform.
func (r *Registry) Adapter(p Platform) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for platform %q", p)
	}
	return a, nil
}

// ParseRepoURL extracts the owner and repository name from a git URL.
// Supports HTTPS (https://host/owner/repo.git), Bitbucket Server SCM paths
// (https://host/scm/PROJ/repo.git) and SSH (git@host:owner/repo.git).
func ParseRepoURL(repoURL string) (owner, repo string) {
	u := strings.TrimSuffix(strings.TrimSuffix(repoURL, "/"), ".git")

	if strings.Contains(u, "://") {
		parts := strings.Split(u, "/")
		if len(parts) >= 2 {
			repo = parts[len(parts)-1]
			owner = parts[len(parts)-2]
			return
		}
	}

	// SSH format: git@host:owner/repo
	if idx := strings.Index(u, ":"); idx != -1 {
		path := u[idx+1:]
		parts := strings.SplitN(path, "/", 2)
		if len(parts) == 2 {
			owner = parts[0]
			repo = parts[1]
			return
		}
	}

	return "", u
}

// Host extracts the hostname from a repository URL, for matching configured
// credentials against self-hosted instances.
func Host(repoURL string) string {
	u := repoURL
	if idx := strings.Index(u, "://"); idx != -1 {
		u = u[idx+3:]
	} else if at := strings.Index(u, "@"); at != -1 {
		// SSH format: git@host:owner/repo
		u = u[at+1:]
		if colon := strings.Index(u, ":"); colon != -1 {
			return u[:colon]
		}
	}
	if slash := strings.Index(u, "/"); slash != -1 {
		u = u[:slash]
	}
	if at := strings.Index(u, "@"); at != -1 {
		u = u[at+1:]
	}
	return u
}

func limitKey(p Platform, cred models.Credential, repo RepoRef, baseURL string) ratelimit.Key {
	id := cred.Token
	if cred.Username != "" {
		id = cred.Username
	}
	return ratelimit.Key{
		Platform:   string(p),
		Credential: id,
		Repo:       repo.Owner + "/" + repo.Name,
		BaseURL:    baseURL,
	}
}
