package models

import "time"

// Commit represents a single commit ingested from a hosting platform or a
// local clone. Natural key: (scan_config_id, sha).
type Commit struct {
	ID             int64     `json:"id"              db:"id"`
	ScanConfigID   string    `json:"scan_config_id"  db:"scan_config_id"`
	SHA            string    `json:"sha"             db:"sha"`
	Message        string    `json:"message"         db:"message"`
	AuthorName     string    `json:"author_name"     db:"author_name"`
	AuthorEmail    string    `json:"author_email"    db:"author_email"`
	AuthorUsername string    `json:"author_username" db:"author_username"`
	CommitterName  string    `json:"committer_name"  db:"committer_name"`
	CommitterEmail string    `json:"committer_email" db:"committer_email"`
	// AuthorUserID references the resolved repository-scoped user, when known.
	AuthorUserID int64     `json:"author_user_id" db:"author_user_id"`
	Timestamp    time.Time `json:"timestamp"      db:"committed_at"`
	LinesAdded   int       `json:"lines_added"    db:"lines_added"`
	LinesRemoved int       `json:"lines_removed"  db:"lines_removed"`
	LinesChanged int       `json:"lines_changed"  db:"lines_changed"`
	Merge        bool      `json:"merge"          db:"is_merge"`
	Branch       string    `json:"branch"         db:"branch"`
	RepoName     string    `json:"repo_name"      db:"repo_name"`

	// Files and ParentSHAs are serialised to JSON columns by the store.
	Files      []FileChange `json:"files"       db:"-"`
	ParentSHAs []string     `json:"parent_shas" db:"-"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// FileChange is a file-level entry within a commit.
type FileChange struct {
	Path         string `json:"path"`
	ChangeType   string `json:"change_type"` // added | modified | deleted | renamed
	LinesAdded   int    `json:"lines_added"`
	LinesRemoved int    `json:"lines_removed"`
	Binary       bool   `json:"binary"`
	ChangedLines []int  `json:"changed_lines,omitempty"`
}
