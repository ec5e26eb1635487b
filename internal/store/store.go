// Package store is the persistence gateway between the scan pipeline and
// the database. All writes are idempotent upserts keyed on the natural key
// of each record; a uniqueness violation during insert is treated as a race
// with a concurrent writer and resolved by re-reading and updating.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/devlens/scmscan/internal/database"
	"github.com/devlens/scmscan/models"
)

// Gateway wraps a database.DB with domain-level persistence operations.
type Gateway struct {
	db       database.DB
	pageSize int
}

// New builds a Gateway. pageSize bounds ListOpenMergeRequests pages;
// values below 1 fall back to 500.
func New(db database.DB, pageSize int) *Gateway {
	if pageSize < 1 {
		pageSize = 500
	}
	return &Gateway{db: db, pageSize: pageSize}
}

// DB exposes the underlying database, mainly for migrations at startup.
func (g *Gateway) DB() database.DB { return g.db }

// --- commits ---

// commitRow is the flat database image of a models.Commit, with the
// JSON-encoded columns materialised as strings.
type commitRow struct {
	ID             int64     `db:"id"`
	ScanConfigID   string    `db:"scan_config_id"`
	SHA            string    `db:"sha"`
	Message        string    `db:"message"`
	AuthorName     string    `db:"author_name"`
	AuthorEmail    string    `db:"author_email"`
	AuthorUsername string    `db:"author_username"`
	CommitterName  string    `db:"committer_name"`
	CommitterEmail string    `db:"committer_email"`
	AuthorUserID   int64     `db:"author_user_id"`
	CommittedAt    time.Time `db:"committed_at"`
	LinesAdded     int       `db:"lines_added"`
	LinesRemoved   int       `db:"lines_removed"`
	LinesChanged   int       `db:"lines_changed"`
	Merge          bool      `db:"is_merge"`
	Branch         string    `db:"branch"`
	RepoName       string    `db:"repo_name"`
	Files          string    `db:"files"`
	ParentSHAs     string    `db:"parent_shas"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func toCommitRow(c *models.Commit, now time.Time) commitRow {
	return commitRow{
		ScanConfigID:   c.ScanConfigID,
		SHA:            c.SHA,
		Message:        c.Message,
		AuthorName:     c.AuthorName,
		AuthorEmail:    c.AuthorEmail,
		AuthorUsername: c.AuthorUsername,
		CommitterName:  c.CommitterName,
		CommitterEmail: c.CommitterEmail,
		AuthorUserID:   c.AuthorUserID,
		CommittedAt:    c.Timestamp,
		LinesAdded:     c.LinesAdded,
		LinesRemoved:   c.LinesRemoved,
		LinesChanged:   c.LinesChanged,
		Merge:          c.Merge,
		Branch:         c.Branch,
		RepoName:       c.RepoName,
		Files:          encodeJSON(c.Files),
		ParentSHAs:     encodeJSON(c.ParentSHAs),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func fromCommitRow(r commitRow) *models.Commit {
	c := &models.Commit{
		ID:             r.ID,
		ScanConfigID:   r.ScanConfigID,
		SHA:            r.SHA,
		Message:        r.Message,
		AuthorName:     r.AuthorName,
		AuthorEmail:    r.AuthorEmail,
		AuthorUsername: r.AuthorUsername,
		CommitterName:  r.CommitterName,
		CommitterEmail: r.CommitterEmail,
		AuthorUserID:   r.AuthorUserID,
		Timestamp:      r.CommittedAt,
		LinesAdded:     r.LinesAdded,
		LinesRemoved:   r.LinesRemoved,
		LinesChanged:   r.LinesChanged,
		Merge:          r.Merge,
		Branch:         r.Branch,
		RepoName:       r.RepoName,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	decodeJSON(r.Files, &c.Files)
	decodeJSON(r.ParentSHAs, &c.ParentSHAs)
	return c
}

// UpsertCommits persists commits keyed on (scan config, SHA). Existing rows
// are updated with the incoming values; re-running the same scan leaves the
// table unchanged. Returns the number of rows written.
func (g *Gateway) UpsertCommits(ctx context.Context, commits []*models.Commit) (int, error) {
	written := 0
	now := time.Now().UTC()
	for _, c := range commits {
		if c.SHA == "" {
			continue
		}
		if err := g.upsertCommit(ctx, c, now); err != nil {
			return written, fmt.Errorf("upserting commit %s: %w", c.SHA, err)
		}
		written++
	}
	return written, nil
}

func (g *Gateway) upsertCommit(ctx context.Context, c *models.Commit, now time.Time) error {
	row := toCommitRow(c, now)

	var existing commitRow
	err := g.db.Get(ctx, &existing,
		`SELECT * FROM commits WHERE scan_config_id = ? AND sha = ?`,
		c.ScanConfigID, c.SHA)
	if database.IsNotFound(err) {
		_, insErr := g.db.Insert(ctx, "commits", &row)
		if insErr == nil {
			return nil
		}
		if !database.IsUniqueViolation(insErr) {
			return insErr
		}
		// Lost the insert race; fetch what the other writer created.
		if err := g.db.Get(ctx, &existing,
			`SELECT * FROM commits WHERE scan_config_id = ? AND sha = ?`,
			c.ScanConfigID, c.SHA); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	row.ID = existing.ID
	row.CreatedAt = existing.CreatedAt
	if row.AuthorUserID == 0 {
		row.AuthorUserID = existing.AuthorUserID
	}
	return g.db.Update(ctx, "commits", &row, "id = ?", existing.ID)
}

// --- merge requests ---

type mergeRequestRow struct {
	ID             int64      `db:"id"`
	ScanConfigID   string     `db:"scan_config_id"`
	ExternalID     string     `db:"external_id"`
	Title          string     `db:"title"`
	Description    string     `db:"description"`
	State          string     `db:"state"`
	SourceBranch   string     `db:"source_branch"`
	TargetBranch   string     `db:"target_branch"`
	AuthorName     string     `db:"author_name"`
	AuthorUsername string     `db:"author_username"`
	AuthorEmail    string     `db:"author_email"`
	AuthorUserID   int64      `db:"author_user_id"`
	CreatedOn      *time.Time `db:"created_on"`
	UpdatedOn      *time.Time `db:"updated_on"`
	MergedOn       *time.Time `db:"merged_on"`
	ClosedOn       *time.Time `db:"closed_on"`
	PickedUpOn     *time.Time `db:"picked_up_on"`
	LinesChanged   int        `db:"lines_changed"`
	CommitCount    int        `db:"commit_count"`
	FilesChanged   int        `db:"files_changed"`
	Reviewers      string     `db:"reviewers"`
	URL            string     `db:"url"`
	RepoName       string     `db:"repo_name"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

func toMergeRequestRow(m *models.MergeRequest, now time.Time) mergeRequestRow {
	return mergeRequestRow{
		ScanConfigID:   m.ScanConfigID,
		ExternalID:     m.ExternalID,
		Title:          m.Title,
		Description:    m.Description,
		State:          string(m.State),
		SourceBranch:   m.SourceBranch,
		TargetBranch:   m.TargetBranch,
		AuthorName:     m.AuthorName,
		AuthorUsername: m.AuthorUsername,
		AuthorEmail:    m.AuthorEmail,
		AuthorUserID:   m.AuthorUserID,
		CreatedOn:      m.CreatedOn,
		UpdatedOn:      m.UpdatedOn,
		MergedOn:       m.MergedOn,
		ClosedOn:       m.ClosedOn,
		PickedUpOn:     m.PickedUpOn,
		LinesChanged:   m.LinesChanged,
		CommitCount:    m.CommitCount,
		FilesChanged:   m.FilesChanged,
		Reviewers:      encodeJSON(m.Reviewers),
		URL:            m.URL,
		RepoName:       m.RepoName,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func fromMergeRequestRow(r mergeRequestRow) *models.MergeRequest {
	m := &models.MergeRequest{
		ID:             r.ID,
		ScanConfigID:   r.ScanConfigID,
		ExternalID:     r.ExternalID,
		Title:          r.Title,
		Description:    r.Description,
		State:          models.MRState(r.State),
		SourceBranch:   r.SourceBranch,
		TargetBranch:   r.TargetBranch,
		AuthorName:     r.AuthorName,
		AuthorUsername: r.AuthorUsername,
		AuthorEmail:    r.AuthorEmail,
		AuthorUserID:   r.AuthorUserID,
		CreatedOn:      r.CreatedOn,
		UpdatedOn:      r.UpdatedOn,
		MergedOn:       r.MergedOn,
		ClosedOn:       r.ClosedOn,
		PickedUpOn:     r.PickedUpOn,
		LinesChanged:   r.LinesChanged,
		CommitCount:    r.CommitCount,
		FilesChanged:   r.FilesChanged,
		URL:            r.URL,
		RepoName:       r.RepoName,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	decodeJSON(r.Reviewers, &m.Reviewers)
	return m
}

// UpsertMergeRequests persists merge requests keyed on (scan config,
// external id). On update the incoming record wins field by field, except
// that nil timestamps and empty values never erase stored ones.
func (g *Gateway) UpsertMergeRequests(ctx context.Context, mrs []*models.MergeRequest) (int, error) {
	written := 0
	now := time.Now().UTC()
	for _, m := range mrs {
		if m.ExternalID == "" {
			continue
		}
		if err := g.upsertMergeRequest(ctx, m, now); err != nil {
			return written, fmt.Errorf("upserting merge request %s: %w", m.ExternalID, err)
		}
		written++
	}
	return written, nil
}

func (g *Gateway) upsertMergeRequest(ctx context.Context, m *models.MergeRequest, now time.Time) error {
	row := toMergeRequestRow(m, now)

	var existing mergeRequestRow
	err := g.db.Get(ctx, &existing,
		`SELECT * FROM merge_requests WHERE scan_config_id = ? AND external_id = ?`,
		m.ScanConfigID, m.ExternalID)
	if database.IsNotFound(err) {
		_, insErr := g.db.Insert(ctx, "merge_requests", &row)
		if insErr == nil {
			return nil
		}
		if !database.IsUniqueViolation(insErr) {
			return insErr
		}
		if err := g.db.Get(ctx, &existing,
			`SELECT * FROM merge_requests WHERE scan_config_id = ? AND external_id = ?`,
			m.ScanConfigID, m.ExternalID); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	merged := mergeMergeRequestRows(existing, row)
	return g.db.Update(ctx, "merge_requests", &merged, "id = ?", existing.ID)
}

// mergeMergeRequestRows overlays incoming onto existing: fresh values win,
// but absent incoming values keep what is already stored.
func mergeMergeRequestRows(existing, incoming mergeRequestRow) mergeRequestRow {
	out := incoming
	out.ID = existing.ID
	out.CreatedAt = existing.CreatedAt

	if out.Title == "" {
		out.Title = existing.Title
	}
	if out.Description == "" {
		out.Description = existing.Description
	}
	if out.State == "" {
		out.State = existing.State
	}
	if out.SourceBranch == "" {
		out.SourceBranch = existing.SourceBranch
	}
	if out.TargetBranch == "" {
		out.TargetBranch = existing.TargetBranch
	}
	if out.AuthorName == "" {
		out.AuthorName = existing.AuthorName
	}
	if out.AuthorUsername == "" {
		out.AuthorUsername = existing.AuthorUsername
	}
	if out.AuthorEmail == "" {
		out.AuthorEmail = existing.AuthorEmail
	}
	if out.AuthorUserID == 0 {
		out.AuthorUserID = existing.AuthorUserID
	}
	if out.CreatedOn == nil {
		out.CreatedOn = existing.CreatedOn
	}
	if out.UpdatedOn == nil {
		out.UpdatedOn = existing.UpdatedOn
	}
	if out.MergedOn == nil {
		out.MergedOn = existing.MergedOn
	}
	if out.ClosedOn == nil {
		out.ClosedOn = existing.ClosedOn
	}
	if out.PickedUpOn == nil {
		out.PickedUpOn = existing.PickedUpOn
	}
	if out.LinesChanged == 0 {
		out.LinesChanged = existing.LinesChanged
	}
	if out.CommitCount == 0 {
		out.CommitCount = existing.CommitCount
	}
	if out.FilesChanged == 0 {
		out.FilesChanged = existing.FilesChanged
	}
	if out.Reviewers == "" || out.Reviewers == "null" {
		out.Reviewers = existing.Reviewers
	}
	if out.URL == "" {
		out.URL = existing.URL
	}
	if out.RepoName == "" {
		out.RepoName = existing.RepoName
	}
	return out
}

// ListOpenMergeRequests returns one page of stored OPEN merge requests for
// the scan configuration, newest update first. Page numbering starts at 0.
func (g *Gateway) ListOpenMergeRequests(ctx context.Context, scanConfigID string, page int) ([]*models.MergeRequest, error) {
	var rows []mergeRequestRow
	err := g.db.Select(ctx, &rows,
		`SELECT * FROM merge_requests
		 WHERE scan_config_id = ? AND state = ?
		 ORDER BY updated_on DESC, id DESC
		 LIMIT ? OFFSET ?`,
		scanConfigID, string(models.MROpen), g.pageSize, page*g.pageSize)
	if err != nil {
		return nil, fmt.Errorf("listing open merge requests: %w", err)
	}
	out := make([]*models.MergeRequest, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromMergeRequestRow(r))
	}
	return out, nil
}

// --- users ---

// FindUserByUsername returns the user registered for (repo, username),
// or a not-found error.
func (g *Gateway) FindUserByUsername(ctx context.Context, repoName, username string) (*models.User, error) {
	var u models.User
	err := g.db.Get(ctx, &u,
		`SELECT * FROM users WHERE repo_name = ? AND username = ?`,
		repoName, username)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// FindUserByEmail returns the first user registered for (repo, email).
func (g *Gateway) FindUserByEmail(ctx context.Context, repoName, email string) (*models.User, error) {
	var u models.User
	err := g.db.Get(ctx, &u,
		`SELECT * FROM users WHERE repo_name = ? AND email = ? ORDER BY id LIMIT 1`,
		repoName, email)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// InsertUser creates the user row and returns it with the assigned ID.
func (g *Gateway) InsertUser(ctx context.Context, u *models.User) (*models.User, error) {
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	id, err := g.db.Insert(ctx, "users", u)
	if err != nil {
		return nil, err
	}
	u.ID = id
	return u, nil
}

// UpdateUser overwrites the stored row for u.ID.
func (g *Gateway) UpdateUser(ctx context.Context, u *models.User) error {
	u.UpdatedAt = time.Now().UTC()
	return g.db.Update(ctx, "users", u, "id = ?", u.ID)
}

// IsDuplicateUser reports whether err came from the unique
// (repo, username) constraint.
func (g *Gateway) IsDuplicateUser(err error) bool {
	return database.IsUniqueViolation(err)
}

// --- watermarks ---

// Watermark returns the stored scan watermark for the configuration, or
// nil when no scan has completed yet.
func (g *Gateway) Watermark(ctx context.Context, scanConfigID string) (*models.ScanWatermark, error) {
	var w models.ScanWatermark
	err := g.db.Get(ctx, &w,
		`SELECT * FROM scan_watermarks WHERE scan_config_id = ?`, scanConfigID)
	if database.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// SetWatermark records the completion point of a successful scan.
func (g *Gateway) SetWatermark(ctx context.Context, w *models.ScanWatermark) error {
	now := time.Now().UTC()
	w.UpdatedAt = now

	existing, err := g.Watermark(ctx, w.ScanConfigID)
	if err != nil {
		return err
	}
	if existing == nil {
		w.CreatedAt = now
		_, err := g.db.Insert(ctx, "scan_watermarks", w)
		if database.IsUniqueViolation(err) {
			return g.db.Update(ctx, "scan_watermarks", w, "scan_config_id = ?", w.ScanConfigID)
		}
		return err
	}
	w.ID = existing.ID
	w.CreatedAt = existing.CreatedAt
	return g.db.Update(ctx, "scan_watermarks", w, "id = ?", existing.ID)
}

// --- helpers ---

func encodeJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to encode JSON column", "error", err)
		return "null"
	}
	return string(b)
}

func decodeJSON(s string, dest interface{}) {
	if s == "" {
		return
	}
	if err := json.Unmarshal([]byte(s), dest); err != nil {
		slog.Warn("Failed to decode JSON column", "error", err)
	}
}
