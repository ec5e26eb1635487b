// Package users extracts contributor identities from scanned commits and
// merge requests and reconciles them against the user store. Identities are
// scoped per repository: the same username in two repositories is two users.
package users

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/devlens/scmscan/internal/database"
	"github.com/devlens/scmscan/models"
)

// Store is the slice of the persistence gateway the resolver needs.
type Store interface {
	FindUserByUsername(ctx context.Context, repoName, username string) (*models.User, error)
	FindUserByEmail(ctx context.Context, repoName, email string) (*models.User, error)
	InsertUser(ctx context.Context, u *models.User) (*models.User, error)
	UpdateUser(ctx context.Context, u *models.User) error
	IsDuplicateUser(err error) bool
}

// UserError wraps a failure to resolve a single contributor. Resolution
// failures are reported but never abort a scan.
type UserError struct {
	Username string
	Email    string
	Err      error
}

func (e *UserError) Error() string {
	id := e.Username
	if id == "" {
		id = e.Email
	}
	return fmt.Sprintf("resolving user %q: %v", id, e.Err)
}

func (e *UserError) Unwrap() error { return e.Err }

// Resolution maps contributor identities to stored user IDs.
type Resolution struct {
	ByUsername map[string]int64
	ByEmail    map[string]int64
	// Errors holds per-user failures; the rest of the batch still resolves.
	Errors []*UserError
}

// Count returns the number of distinct stored users in the resolution. A
// user reachable by both username and email counts once.
func (r *Resolution) Count() int {
	ids := make(map[int64]bool, len(r.ByUsername)+len(r.ByEmail))
	for _, id := range r.ByUsername {
		ids[id] = true
	}
	for _, id := range r.ByEmail {
		ids[id] = true
	}
	return len(ids)
}

// Resolver reconciles extracted contributors with the user store.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Extract builds the deduplicated contributor set for one scan: commit
// authors, merge request authors, and reviewers (as username-only stubs).
// Contributors with neither username nor email are dropped.
func Extract(repoName string, commits []*models.Commit, mrs []*models.MergeRequest) []*models.User {
	seen := map[string]*models.User{}
	order := []string{}

	add := func(username, displayName, email string, seenAt *time.Time) {
		username = strings.TrimSpace(username)
		email = strings.TrimSpace(email)
		if username == "" && email == "" {
			return
		}
		key := strings.ToLower(username)
		if key == "" {
			key = "email:" + strings.ToLower(email)
		}
		u, ok := seen[key]
		if !ok {
			u = &models.User{
				RepoName: repoName,
				Username: username,
				Active:   true,
			}
			seen[key] = u
			order = append(order, key)
		}
		if u.DisplayName == "" {
			u.DisplayName = displayName
		}
		if u.Email == "" {
			u.Email = email
		}
		if seenAt != nil && (u.LastSeenAt == nil || seenAt.After(*u.LastSeenAt)) {
			t := *seenAt
			u.LastSeenAt = &t
		}
	}

	for _, c := range commits {
		ts := c.Timestamp
		var at *time.Time
		if !ts.IsZero() {
			at = &ts
		}
		add(c.AuthorUsername, c.AuthorName, c.AuthorEmail, at)
	}
	for _, m := range mrs {
		add(m.AuthorUsername, m.AuthorName, m.AuthorEmail, m.UpdatedOn)
		for _, r := range m.Reviewers {
			add(r, "", "", nil)
		}
	}

	out := make([]*models.User, 0, len(order))
	for _, k := range order {
		out = append(out, seen[k])
	}
	return out
}

// Resolve upserts the contributors and returns their stored IDs. Users are
// matched by username first, then by email; matched rows are enriched with
// any fields the stored row is missing, never overwritten. A failed user is
// recorded in Resolution.Errors and skipped.
func (r *Resolver) Resolve(ctx context.Context, users []*models.User) *Resolution {
	res := &Resolution{
		ByUsername: map[string]int64{},
		ByEmail:    map[string]int64{},
	}

	for _, u := range users {
		stored, err := r.resolveOne(ctx, u)
		if err != nil {
			ue := &UserError{Username: u.Username, Email: u.Email, Err: err}
			res.Errors = append(res.Errors, ue)
			slog.Warn("User resolution failed", "repo", u.RepoName, "user", u.Username, "error", err)
			continue
		}
		if stored.Username != "" {
			res.ByUsername[strings.ToLower(stored.Username)] = stored.ID
		}
		if stored.Email != "" {
			res.ByEmail[strings.ToLower(stored.Email)] = stored.ID
		}
	}
	return res
}

func (r *Resolver) resolveOne(ctx context.Context, u *models.User) (*models.User, error) {
	stored, err := r.lookup(ctx, u)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		return r.enrich(ctx, stored, u)
	}

	// Email-only authors (GitLab commits, Bitbucket raw authors, clone
	// walks) are stored under their email so every contributor satisfies
	// the (repo, username) natural key.
	insert := *u
	if insert.Username == "" {
		insert.Username = insert.Email
	}
	created, err := r.store.InsertUser(ctx, &insert)
	if err == nil {
		return created, nil
	}
	if !r.store.IsDuplicateUser(err) {
		return nil, err
	}
	// Another scan created the row between lookup and insert.
	stored, lookupErr := r.lookup(ctx, u)
	if lookupErr != nil {
		return nil, lookupErr
	}
	if stored == nil {
		return nil, err
	}
	return r.enrich(ctx, stored, u)
}

func (r *Resolver) lookup(ctx context.Context, u *models.User) (*models.User, error) {
	if u.Username != "" {
		stored, err := r.store.FindUserByUsername(ctx, u.RepoName, u.Username)
		if err == nil {
			return stored, nil
		}
		if !database.IsNotFound(err) {
			return nil, err
		}
	}
	if u.Email != "" {
		stored, err := r.store.FindUserByEmail(ctx, u.RepoName, u.Email)
		if err == nil {
			return stored, nil
		}
		if !database.IsNotFound(err) {
			return nil, err
		}
	}
	return nil, nil
}

// enrich fills the stored row's empty fields from the freshly extracted
// contributor and persists it when anything changed. A username that was
// stored as the email placeholder is upgraded once the platform supplies
// the real one.
func (r *Resolver) enrich(ctx context.Context, stored, fresh *models.User) (*models.User, error) {
	changed := false
	placeholder := stored.Username == "" || strings.EqualFold(stored.Username, stored.Email)
	if placeholder && fresh.Username != "" && !strings.EqualFold(stored.Username, fresh.Username) {
		stored.Username = fresh.Username
		changed = true
	}
	if stored.Email == "" && fresh.Email != "" {
		stored.Email = fresh.Email
		changed = true
	}
	if stored.DisplayName == "" && fresh.DisplayName != "" {
		stored.DisplayName = fresh.DisplayName
		changed = true
	}
	if stored.ExternalID == "" && fresh.ExternalID != "" {
		stored.ExternalID = fresh.ExternalID
		changed = true
	}
	if !stored.Active {
		stored.Active = true
		changed = true
	}
	if fresh.LastSeenAt != nil && (stored.LastSeenAt == nil || fresh.LastSeenAt.After(*stored.LastSeenAt)) {
		stored.LastSeenAt = fresh.LastSeenAt
		changed = true
	}
	if changed {
		if err := r.store.UpdateUser(ctx, stored); err != nil {
			return nil, err
		}
	}
	return stored, nil
}

// Annotate stamps resolved user IDs onto commits and merge requests,
// matching by username first and email second.
func Annotate(res *Resolution, commits []*models.Commit, mrs []*models.MergeRequest) {
	find := func(username, email string) int64 {
		if username != "" {
			if id, ok := res.ByUsername[strings.ToLower(username)]; ok {
				return id
			}
		}
		if email != "" {
			if id, ok := res.ByEmail[strings.ToLower(email)]; ok {
				return id
			}
		}
		return 0
	}
	for _, c := range commits {
		if id := find(c.AuthorUsername, c.AuthorEmail); id != 0 {
			c.AuthorUserID = id
		}
	}
	for _, m := range mrs {
		if id := find(m.AuthorUsername, m.AuthorEmail); id != 0 {
			m.AuthorUserID = id
		}
	}
}
