package models

import (
	"errors"
	"time"
)

// Credential is a decrypted username/token pair for a hosting platform.
// Bitbucket Server uses username+password basic auth; the other platforms
// only need the token.
type Credential struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

// ScanRequest describes one repository scan. Construct with NewScanRequest;
// the value is immutable once built.
type ScanRequest struct {
	RepoURL      string     `json:"repo_url"`
	RepoName     string     `json:"repo_name"`
	Branch       string     `json:"branch"` // empty means platform default / all branches
	Credential   Credential `json:"-"`
	ToolType     string     `json:"tool_type"` // github | gitlab | bitbucketcloud | bitbucketserver
	ScanConfigID string     `json:"scan_config_id"`
	CloneEnabled bool       `json:"clone_enabled"`
	// Since/Until bound the scan window explicitly. When both Since and
	// LastScanFrom are absent the window start defaults to now minus the
	// configured first-scan months.
	Since *time.Time `json:"since,omitempty"`
	Until *time.Time `json:"until,omitempty"`
	// LastScanFrom is the epoch-millis watermark recorded after the previous
	// successful scan.
	LastScanFrom int64 `json:"last_scan_from,omitempty"`
	Limit        int   `json:"limit,omitempty"`
	// Strategy optionally names a commit-fetch strategy; selection falls back
	// when it does not exist or does not support the repository.
	Strategy string `json:"strategy,omitempty"`
}

// NewScanRequest validates the required fields and returns the request.
func NewScanRequest(req ScanRequest) (ScanRequest, error) {
	if req.RepoURL == "" {
		return ScanRequest{}, errors.New("scan request: repository URL is required")
	}
	if req.ToolType == "" {
		return ScanRequest{}, errors.New("scan request: tool type is required")
	}
	return req, nil
}

// WindowStart returns the effective start of the scan window: the watermark
// when present, then the explicit since, then now minus firstScanMonths.
func (r ScanRequest) WindowStart(firstScanMonths int, now time.Time) time.Time {
	if r.LastScanFrom > 0 {
		return time.UnixMilli(r.LastScanFrom).UTC()
	}
	if r.Since != nil {
		return *r.Since
	}
	return now.AddDate(0, -firstScanMonths, 0)
}

// ScanResult summarises one completed repository scan. Created once per
// scan and never mutated afterwards.
type ScanResult struct {
	RepoURL           string        `json:"repo_url"`
	RepoName          string        `json:"repo_name"`
	ScanConfigID      string        `json:"scan_config_id"`
	StartedAt         time.Time     `json:"started_at"`
	CompletedAt       time.Time     `json:"completed_at"`
	Duration          time.Duration `json:"duration"`
	CommitCount       int           `json:"commit_count"`
	MergeRequestCount int           `json:"merge_request_count"`
	UserCount         int           `json:"user_count"`
	Success           bool          `json:"success"`
	ErrorMsg          string        `json:"error_msg,omitempty"`
}

// ScanWatermark records where the previous successful scan of a
// configuration left off.
type ScanWatermark struct {
	ID            int64      `json:"id"              db:"id"`
	ScanConfigID  string     `json:"scan_config_id"  db:"scan_config_id"`
	RepoURL       string     `json:"repo_url"        db:"repo_url"`
	LastScanAt    *time.Time `json:"last_scan_at"    db:"last_scan_at"`
	LastCommitSHA string     `json:"last_commit_sha" db:"last_commit_sha"`
	CreatedAt     time.Time  `json:"created_at"      db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"      db:"updated_at"`
}
