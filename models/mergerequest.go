package models

import "time"

// MRState is the lifecycle state of a merge request as reported by the
// hosting platform. Tri-state on purpose: merged and closed are different
// outcomes and must not collapse into a boolean.
type MRState string

const (
	MROpen   MRState = "OPEN"
	MRClosed MRState = "CLOSED"
	MRMerged MRState = "MERGED"
)

// MergeRequest represents a merge/pull request ingested from a hosting
// platform. Natural key: (scan_config_id, external_id), where the external
// id is the identifier assigned by the platform itself.
type MergeRequest struct {
	ID           int64   `json:"id"             db:"id"`
	ScanConfigID string  `json:"scan_config_id" db:"scan_config_id"`
	ExternalID   string  `json:"external_id"    db:"external_id"`
	Title        string  `json:"title"          db:"title"`
	Description  string  `json:"description"    db:"description"`
	State        MRState `json:"state"          db:"state"`
	SourceBranch string  `json:"source_branch"  db:"source_branch"`
	TargetBranch string  `json:"target_branch"  db:"target_branch"`

	AuthorName     string `json:"author_name"     db:"author_name"`
	AuthorUsername string `json:"author_username" db:"author_username"`
	AuthorEmail    string `json:"author_email"    db:"author_email"`
	AuthorUserID   int64  `json:"author_user_id"  db:"author_user_id"`

	// Reviewers holds platform usernames; serialised to a JSON column.
	Reviewers []string `json:"reviewers" db:"-"`

	// Platform timestamps. UpdatedOn drives window filtering: the scan wants
	// anything touched during the period, including older MRs that changed
	// state.
	CreatedOn  *time.Time `json:"created_on"   db:"created_on"`
	UpdatedOn  *time.Time `json:"updated_on"   db:"updated_on"`
	MergedOn   *time.Time `json:"merged_on"    db:"merged_on"`
	ClosedOn   *time.Time `json:"closed_on"    db:"closed_on"`
	PickedUpOn *time.Time `json:"picked_up_on" db:"picked_up_on"` // first review activity

	LinesChanged int    `json:"lines_changed" db:"lines_changed"`
	CommitCount  int    `json:"commit_count"  db:"commit_count"`
	FilesChanged int    `json:"files_changed" db:"files_changed"`
	URL          string `json:"url"           db:"url"`
	RepoName     string `json:"repo_name"     db:"repo_name"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
