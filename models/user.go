package models

import "time"

// User represents a contributor sighted in a repository's commits or merge
// requests. Users are repository-scoped, not global: the natural key is
// (repo_name, username), with (repo_name, email) as a secondary lookup.
// Users are merged on every subsequent sighting and never deleted.
type User struct {
	ID          int64  `json:"id"           db:"id"`
	RepoName    string `json:"repo_name"    db:"repo_name"`
	Username    string `json:"username"     db:"username"`
	DisplayName string `json:"display_name" db:"display_name"`
	Email       string `json:"email"        db:"email"`
	AvatarURL   string `json:"avatar_url"   db:"avatar_url"`
	ProfileURL  string `json:"profile_url"  db:"profile_url"`
	Bio         string `json:"bio"          db:"bio"`
	Company     string `json:"company"      db:"company"`
	Location    string `json:"location"     db:"location"`
	Active      bool   `json:"active"       db:"active"`
	Bot         bool   `json:"bot"          db:"bot"`
	ExternalID  string `json:"external_id"  db:"external_id"`
	// Metadata carries platform-specific attributes as a JSON object.
	Metadata   string     `json:"metadata"     db:"metadata"`
	LastSeenAt *time.Time `json:"last_seen_at" db:"last_seen_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
