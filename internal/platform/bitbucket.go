package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// bbClient is the shared HTTP layer for both Bitbucket adapters. Plain
// net/http with basic auth; the Bitbucket APIs have no official Go client.
type bbClient struct {
	api *http.Client
	// raw never follows redirects on its own: the diff endpoints need the
	// follow-exactly-once policy implemented in fetchDiff.
	raw *http.Client
}

func newBBClient() *bbClient {
	return &bbClient{
		api: &http.Client{},
		raw: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// getJSON issues an authenticated GET and decodes the JSON body into dest.
func (c *bbClient) getJSON(ctx context.Context, urlStr, username, token string, dest interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(username, token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.api.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("bitbucket API error %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decoding response from %s: %w", urlStr, err)
	}
	return nil
}

// fetchDiff retrieves a diff endpoint. Bitbucket answers these with a 3xx to
// a pre-signed URL: the redirect is followed exactly once, with the same
// credential, and only when Location is an absolute http(s) URL. Any other
// redirect target yields empty content, not an error.
func (c *bbClient) fetchDiff(ctx context.Context, urlStr, username, token string) (string, error) {
	body, status, loc, err := c.rawGet(ctx, urlStr, username, token)
	if err != nil {
		return "", err
	}
	if status < 300 || status >= 400 {
		if status >= 400 {
			return "", fmt.Errorf("bitbucket diff error %d", status)
		}
		return body, nil
	}

	if !isAbsoluteHTTP(loc) {
		return "", nil
	}
	body, status, _, err = c.rawGet(ctx, loc, username, token)
	if err != nil {
		return "", err
	}
	if status >= 400 {
		return "", fmt.Errorf("bitbucket diff error %d after redirect", status)
	}
	if status >= 300 {
		// A second redirect is not followed.
		return "", nil
	}
	return body, nil
}

func (c *bbClient) rawGet(ctx context.Context, urlStr, username, token string) (body string, status int, location string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return "", 0, "", err
	}
	req.SetBasicAuth(username, token)

	resp, err := c.raw.Do(req)
	if err != nil {
		return "", 0, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, "", err
	}
	return string(data), resp.StatusCode, resp.Header.Get("Location"), nil
}

func isAbsoluteHTTP(loc string) bool {
	if loc == "" {
		return false
	}
	u, err := url.Parse(loc)
	if err != nil {
		return false
	}
	return u.IsAbs() && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// relativizeNext rebases the opaque absolute next-page URL the platform
// returns onto the adapter's own base. The platform's host is discarded on
// purpose: only path and query are reused.
func relativizeNext(next, base string) string {
	if next == "" {
		return ""
	}
	nu, err := url.Parse(next)
	if err != nil || !nu.IsAbs() {
		return ""
	}
	bu, err := url.Parse(base)
	if err != nil {
		return ""
	}
	path := nu.Path
	if bu.Path != "" && bu.Path != "/" {
		path = strings.TrimPrefix(path, bu.Path)
	}
	rebased := strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
	if nu.RawQuery != "" {
		rebased += "?" + nu.RawQuery
	}
	return rebased
}

// diffStats counts added/removed lines and touched files in a unified diff.
func diffStats(diff string) (added, removed, files int) {
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git"):
			files++
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}
	return added, removed, files
}

// parseRawAuthor splits Bitbucket's "Name <email>" author form.
func parseRawAuthor(raw string) (name, email string) {
	open := strings.LastIndex(raw, "<")
	close := strings.LastIndex(raw, ">")
	if open == -1 || close == -1 || close < open {
		return strings.TrimSpace(raw), ""
	}
	return strings.TrimSpace(raw[:open]), strings.TrimSpace(raw[open+1 : close])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
