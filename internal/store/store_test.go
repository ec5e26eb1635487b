package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/devlens/scmscan/internal/config"
	"github.com/devlens/scmscan/internal/database"
	"github.com/devlens/scmscan/models"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	db, err := database.NewSQLite(config.DatabaseConfig{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return New(db, 2)
}

func tp(s string) *time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return &t
}

func TestUpsertCommitsIdempotent(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	commits := []*models.Commit{
		{
			ScanConfigID: "cfg-1",
			SHA:          "abc123",
			Message:      "initial commit",
			AuthorName:   "Alice",
			AuthorEmail:  "alice@example.com",
			Timestamp:    time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
			LinesAdded:   10,
			LinesRemoved: 2,
			RepoName:     "acme/widgets",
			Files:        []models.FileChange{{Path: "main.go", ChangeType: "added", LinesAdded: 10}},
			ParentSHAs:   []string{"000aaa"},
		},
		{
			ScanConfigID: "cfg-1",
			SHA:          "def456",
			Message:      "second commit",
			Timestamp:    time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC),
			RepoName:     "acme/widgets",
		},
	}

	n, err := g.UpsertCommits(ctx, commits)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 writes, got %d", n)
	}

	// Same batch again must not create duplicates.
	if _, err := g.UpsertCommits(ctx, commits); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var count int
	type countRow struct {
		N int `db:"n"`
	}
	var rows []countRow
	if err := g.db.Select(ctx, &rows, `SELECT COUNT(*) AS n FROM commits`); err != nil {
		t.Fatalf("counting commits: %v", err)
	}
	count = rows[0].N
	if count != 2 {
		t.Fatalf("expected 2 commit rows after re-upsert, got %d", count)
	}
}

func TestUpsertCommitsRefreshUpdatesStats(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	first := &models.Commit{
		ScanConfigID: "cfg-1",
		SHA:          "abc123",
		Message:      "wip",
		LinesAdded:   1,
		RepoName:     "acme/widgets",
		Timestamp:    time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	if _, err := g.UpsertCommits(ctx, []*models.Commit{first}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	refreshed := &models.Commit{
		ScanConfigID: "cfg-1",
		SHA:          "abc123",
		Message:      "wip",
		LinesAdded:   12,
		LinesRemoved: 3,
		AuthorUserID: 42,
		RepoName:     "acme/widgets",
		Timestamp:    time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	if _, err := g.UpsertCommits(ctx, []*models.Commit{refreshed}); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	var row commitRow
	err := g.db.Get(ctx, &row, `SELECT * FROM commits WHERE scan_config_id = ? AND sha = ?`, "cfg-1", "abc123")
	if err != nil {
		t.Fatalf("reading back: %v", err)
	}
	if row.LinesAdded != 12 || row.LinesRemoved != 3 {
		t.Errorf("expected refreshed stats 12/3, got %d/%d", row.LinesAdded, row.LinesRemoved)
	}
	if row.AuthorUserID != 42 {
		t.Errorf("expected author user id 42, got %d", row.AuthorUserID)
	}
}

func TestUpsertCommitSkipsEmptySHA(t *testing.T) {
	g := newTestGateway(t)

	n, err := g.UpsertCommits(context.Background(), []*models.Commit{
		{ScanConfigID: "cfg-1", SHA: ""},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 writes for empty SHA, got %d", n)
	}
}

func TestUpsertMergeRequestsMergeKeepsStoredFields(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	stored := &models.MergeRequest{
		ScanConfigID: "cfg-1",
		ExternalID:   "17",
		Title:        "Add widget API",
		State:        models.MROpen,
		CreatedOn:    tp("2024-02-01T09:00:00Z"),
		UpdatedOn:    tp("2024-02-05T09:00:00Z"),
		PickedUpOn:   tp("2024-02-02T14:00:00Z"),
		LinesChanged: 120,
		Reviewers:    []string{"bob"},
		RepoName:     "acme/widgets",
	}
	if _, err := g.UpsertMergeRequests(ctx, []*models.MergeRequest{stored}); err != nil {
		t.Fatalf("initial upsert: %v", err)
	}

	// Refresh carries a newer state but no picked-up time and no stats.
	refresh := &models.MergeRequest{
		ScanConfigID: "cfg-1",
		ExternalID:   "17",
		Title:        "Add widget API",
		State:        models.MRMerged,
		UpdatedOn:    tp("2024-02-07T09:00:00Z"),
		MergedOn:     tp("2024-02-07T09:00:00Z"),
	}
	if _, err := g.UpsertMergeRequests(ctx, []*models.MergeRequest{refresh}); err != nil {
		t.Fatalf("refresh upsert: %v", err)
	}

	mrs, err := g.ListOpenMergeRequests(ctx, "cfg-1", 0)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(mrs) != 0 {
		t.Fatalf("merged MR should no longer be listed as open, got %d", len(mrs))
	}

	var row mergeRequestRow
	err = g.db.Get(ctx, &row, `SELECT * FROM merge_requests WHERE scan_config_id = ? AND external_id = ?`, "cfg-1", "17")
	if err != nil {
		t.Fatalf("reading back: %v", err)
	}
	if row.State != string(models.MRMerged) {
		t.Errorf("expected state MERGED, got %s", row.State)
	}
	if row.MergedOn == nil || !row.MergedOn.Equal(*refresh.MergedOn) {
		t.Errorf("expected merged_on from refresh, got %v", row.MergedOn)
	}
	if row.PickedUpOn == nil || !row.PickedUpOn.Equal(*stored.PickedUpOn) {
		t.Errorf("expected picked_up_on preserved from stored row, got %v", row.PickedUpOn)
	}
	if row.LinesChanged != 120 {
		t.Errorf("expected stored lines_changed 120 preserved, got %d", row.LinesChanged)
	}
	if row.CreatedOn == nil || !row.CreatedOn.Equal(*stored.CreatedOn) {
		t.Errorf("expected created_on preserved, got %v", row.CreatedOn)
	}
}

func TestListOpenMergeRequestsPagination(t *testing.T) {
	g := newTestGateway(t) // page size 2
	ctx := context.Background()

	for i, id := range []string{"1", "2", "3"} {
		mr := &models.MergeRequest{
			ScanConfigID: "cfg-1",
			ExternalID:   id,
			State:        models.MROpen,
			UpdatedOn:    tp(time.Date(2024, 2, 1+i, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)),
		}
		if _, err := g.UpsertMergeRequests(ctx, []*models.MergeRequest{mr}); err != nil {
			t.Fatalf("seeding: %v", err)
		}
	}

	page0, err := g.ListOpenMergeRequests(ctx, "cfg-1", 0)
	if err != nil {
		t.Fatalf("page 0: %v", err)
	}
	if len(page0) != 2 {
		t.Fatalf("expected 2 on page 0, got %d", len(page0))
	}
	if page0[0].ExternalID != "3" {
		t.Errorf("expected newest update first, got %s", page0[0].ExternalID)
	}

	page1, err := g.ListOpenMergeRequests(ctx, "cfg-1", 1)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page1) != 1 {
		t.Fatalf("expected 1 on page 1, got %d", len(page1))
	}
}

func TestUserLookupAndUpdate(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	u := &models.User{
		RepoName: "acme/widgets",
		Username: "alice",
		Email:    "alice@example.com",
		Active:   true,
	}
	created, err := g.InsertUser(ctx, u)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("expected assigned user ID")
	}

	byName, err := g.FindUserByUsername(ctx, "acme/widgets", "alice")
	if err != nil {
		t.Fatalf("find by username: %v", err)
	}
	if byName.Email != "alice@example.com" {
		t.Errorf("unexpected email %q", byName.Email)
	}

	byEmail, err := g.FindUserByEmail(ctx, "acme/widgets", "alice@example.com")
	if err != nil {
		t.Fatalf("find by email: %v", err)
	}
	if byEmail.ID != created.ID {
		t.Errorf("email lookup returned different user: %d vs %d", byEmail.ID, created.ID)
	}

	// Same username in a different repository is a different user.
	if _, err := g.FindUserByUsername(ctx, "acme/gadgets", "alice"); !database.IsNotFound(err) {
		t.Errorf("expected not-found for other repo, got %v", err)
	}

	// Duplicate (repo, username) insert surfaces as a unique violation.
	_, err = g.InsertUser(ctx, &models.User{RepoName: "acme/widgets", Username: "alice"})
	if !g.IsDuplicateUser(err) {
		t.Errorf("expected duplicate-user error, got %v", err)
	}

	byName.DisplayName = "Alice A."
	if err := g.UpdateUser(ctx, byName); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, err := g.FindUserByUsername(ctx, "acme/widgets", "alice")
	if err != nil {
		t.Fatalf("re-find: %v", err)
	}
	if again.DisplayName != "Alice A." {
		t.Errorf("expected updated display name, got %q", again.DisplayName)
	}
}

func TestWatermarkRoundTrip(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	w, err := g.Watermark(ctx, "cfg-1")
	if err != nil {
		t.Fatalf("initial read: %v", err)
	}
	if w != nil {
		t.Fatalf("expected nil watermark before first scan, got %+v", w)
	}

	at := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	err = g.SetWatermark(ctx, &models.ScanWatermark{
		ScanConfigID:  "cfg-1",
		RepoURL:       "https://github.com/acme/widgets",
		LastScanAt:    &at,
		LastCommitSHA: "abc123",
	})
	if err != nil {
		t.Fatalf("set: %v", err)
	}

	w, err = g.Watermark(ctx, "cfg-1")
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if w == nil || w.LastCommitSHA != "abc123" {
		t.Fatalf("unexpected watermark %+v", w)
	}

	later := at.Add(24 * time.Hour)
	err = g.SetWatermark(ctx, &models.ScanWatermark{
		ScanConfigID:  "cfg-1",
		RepoURL:       "https://github.com/acme/widgets",
		LastScanAt:    &later,
		LastCommitSHA: "def456",
	})
	if err != nil {
		t.Fatalf("second set: %v", err)
	}
	w, err = g.Watermark(ctx, "cfg-1")
	if err != nil {
		t.Fatalf("read after update: %v", err)
	}
	if w.LastCommitSHA != "def456" {
		t.Errorf("expected updated watermark, got %s", w.LastCommitSHA)
	}
	if w.LastScanAt == nil || !w.LastScanAt.Equal(later) {
		t.Errorf("expected updated last_scan_at, got %v", w.LastScanAt)
	}
}
