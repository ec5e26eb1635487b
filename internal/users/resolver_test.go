package users

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/devlens/scmscan/models"
)

type fakeStore struct {
	users  map[string]*models.User // key: repo|username
	nextID int64

	insertErr   error
	updateCalls int
	// missLookups makes the next N username lookups report not-found, to
	// simulate a row appearing between lookup and insert.
	missLookups int
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[string]*models.User{}, nextID: 1}
}

func (f *fakeStore) key(repo, username string) string { return repo + "|" + username }

func (f *fakeStore) FindUserByUsername(_ context.Context, repo, username string) (*models.User, error) {
	if f.missLookups > 0 {
		f.missLookups--
		return nil, sql.ErrNoRows
	}
	if u, ok := f.users[f.key(repo, username)]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeStore) FindUserByEmail(_ context.Context, repo, email string) (*models.User, error) {
	for _, u := range f.users {
		if u.RepoName == repo && u.Email == email && email != "" {
			cp := *u
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeStore) InsertUser(_ context.Context, u *models.User) (*models.User, error) {
	if f.insertErr != nil {
		err := f.insertErr
		f.insertErr = nil
		return nil, err
	}
	if _, ok := f.users[f.key(u.RepoName, u.Username)]; ok {
		return nil, errors.New("UNIQUE constraint failed: users.repo_name, users.username")
	}
	cp := *u
	cp.ID = f.nextID
	f.nextID++
	f.users[f.key(u.RepoName, u.Username)] = &cp
	out := cp
	return &out, nil
}

func (f *fakeStore) UpdateUser(_ context.Context, u *models.User) error {
	f.updateCalls++
	for k, existing := range f.users {
		if existing.ID == u.ID {
			cp := *u
			f.users[k] = &cp
			return nil
		}
	}
	return errors.New("user not found")
}

func (f *fakeStore) IsDuplicateUser(err error) bool {
	return err != nil && err.Error() == "UNIQUE constraint failed: users.repo_name, users.username"
}

func TestExtractDeduplicatesContributors(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	commits := []*models.Commit{
		{AuthorUsername: "alice", AuthorName: "Alice", AuthorEmail: "alice@example.com", Timestamp: ts},
		{AuthorUsername: "alice", AuthorEmail: "alice@example.com", Timestamp: ts.Add(time.Hour)},
		{AuthorUsername: "", AuthorEmail: "bob@example.com", AuthorName: "Bob"},
		{AuthorUsername: "", AuthorEmail: ""}, // no identity: dropped
	}
	mrs := []*models.MergeRequest{
		{AuthorUsername: "carol", Reviewers: []string{"alice", "dave"}},
	}

	users := Extract("acme/widgets", commits, mrs)
	if len(users) != 4 {
		names := make([]string, 0, len(users))
		for _, u := range users {
			names = append(names, u.Username+"/"+u.Email)
		}
		t.Fatalf("expected 4 contributors (alice, bob-by-email, carol, dave), got %d: %v", len(users), names)
	}

	alice := users[0]
	if alice.Username != "alice" || alice.DisplayName != "Alice" {
		t.Errorf("unexpected first contributor %+v", alice)
	}
	if alice.LastSeenAt == nil || !alice.LastSeenAt.Equal(ts.Add(time.Hour)) {
		t.Errorf("expected latest commit time as last_seen_at, got %v", alice.LastSeenAt)
	}
	for _, u := range users {
		if u.RepoName != "acme/widgets" {
			t.Errorf("contributor %q not repo-scoped: %q", u.Username, u.RepoName)
		}
		if !u.Active {
			t.Errorf("contributor %q should be active", u.Username)
		}
	}
}

func TestResolveCreatesAndMatches(t *testing.T) {
	store := newFakeStore()
	r := NewResolver(store)
	ctx := context.Background()

	res := r.Resolve(ctx, []*models.User{
		{RepoName: "acme/widgets", Username: "alice", Email: "alice@example.com", Active: true},
	})
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	id := res.ByUsername["alice"]
	if id == 0 {
		t.Fatal("expected alice to be created with an ID")
	}

	// Second resolve matches instead of duplicating.
	res2 := r.Resolve(ctx, []*models.User{
		{RepoName: "acme/widgets", Username: "alice", Email: "alice@example.com", Active: true},
	})
	if res2.ByUsername["alice"] != id {
		t.Errorf("expected stable ID %d, got %d", id, res2.ByUsername["alice"])
	}
	if len(store.users) != 1 {
		t.Errorf("expected 1 stored user, got %d", len(store.users))
	}
}

func TestResolveMatchesByEmailAndEnriches(t *testing.T) {
	store := newFakeStore()
	r := NewResolver(store)
	ctx := context.Background()

	// A user known only by email (e.g. from a clone-based scan).
	seeded, _ := store.InsertUser(ctx, &models.User{
		RepoName: "acme/widgets", Username: "alice", Email: "alice@example.com",
	})

	// REST scan now provides the display name; email matching must find the
	// same row and fill in what is missing without overwriting.
	res := r.Resolve(ctx, []*models.User{
		{RepoName: "acme/widgets", Username: "", Email: "alice@example.com", DisplayName: "Alice A."},
	})
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if res.ByEmail["alice@example.com"] != seeded.ID {
		t.Errorf("expected email match to ID %d, got %d", seeded.ID, res.ByEmail["alice@example.com"])
	}
	stored := store.users["acme/widgets|alice"]
	if stored.DisplayName != "Alice A." {
		t.Errorf("expected enriched display name, got %q", stored.DisplayName)
	}
	if stored.Username != "alice" {
		t.Errorf("existing username must not be overwritten, got %q", stored.Username)
	}
}

func TestResolveTwoEmailOnlyContributors(t *testing.T) {
	store := newFakeStore()
	r := NewResolver(store)
	ctx := context.Background()

	// GitLab, Bitbucket raw authors and clone walks yield authors with no
	// username at all; two of them must not collide on the (repo, username)
	// unique key.
	res := r.Resolve(ctx, []*models.User{
		{RepoName: "acme/widgets", Email: "alice@example.com", Active: true},
		{RepoName: "acme/widgets", Email: "bob@example.com", Active: true},
	})
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	aliceID := res.ByEmail["alice@example.com"]
	bobID := res.ByEmail["bob@example.com"]
	if aliceID == 0 || bobID == 0 {
		t.Fatalf("both email-only contributors must persist, got alice=%d bob=%d", aliceID, bobID)
	}
	if aliceID == bobID {
		t.Fatalf("distinct contributors share ID %d", aliceID)
	}
	if len(store.users) != 2 {
		t.Errorf("expected 2 stored users, got %d", len(store.users))
	}

	// A re-scan matches the same rows instead of colliding or duplicating.
	res2 := r.Resolve(ctx, []*models.User{
		{RepoName: "acme/widgets", Email: "alice@example.com", Active: true},
		{RepoName: "acme/widgets", Email: "bob@example.com", Active: true},
	})
	if len(res2.Errors) != 0 {
		t.Fatalf("re-scan must resolve cleanly, got %v", res2.Errors)
	}
	if res2.ByEmail["alice@example.com"] != aliceID || res2.ByEmail["bob@example.com"] != bobID {
		t.Errorf("re-scan changed IDs: %v", res2.ByEmail)
	}
}

func TestResolveUpgradesEmailPlaceholderUsername(t *testing.T) {
	store := newFakeStore()
	r := NewResolver(store)
	ctx := context.Background()

	res := r.Resolve(ctx, []*models.User{
		{RepoName: "acme/widgets", Email: "alice@example.com"},
	})
	id := res.ByEmail["alice@example.com"]
	if id == 0 {
		t.Fatal("email-only contributor must persist")
	}

	// A later REST scan knows the real username for the same email.
	res2 := r.Resolve(ctx, []*models.User{
		{RepoName: "acme/widgets", Username: "alice", Email: "alice@example.com"},
	})
	if len(res2.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res2.Errors)
	}
	if res2.ByUsername["alice"] != id {
		t.Errorf("expected username to land on existing ID %d, got %d", id, res2.ByUsername["alice"])
	}
	var stored *models.User
	for _, u := range store.users {
		if u.ID == id {
			stored = u
		}
	}
	if stored == nil || stored.Username != "alice" {
		t.Errorf("placeholder username not upgraded: %+v", stored)
	}
}

func TestResolutionCountsDistinctUsers(t *testing.T) {
	store := newFakeStore()
	r := NewResolver(store)

	res := r.Resolve(context.Background(), []*models.User{
		{RepoName: "acme/widgets", Username: "alice", Email: "alice@example.com"},
		{RepoName: "acme/widgets", Email: "bob@example.com"},
	})
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	// alice appears in both maps but is one user; bob only by email.
	if got := res.Count(); got != 2 {
		t.Errorf("expected 2 distinct users, got %d", got)
	}
}

func TestResolveInsertRaceFallsBackToLookup(t *testing.T) {
	store := newFakeStore()
	r := NewResolver(store)
	ctx := context.Background()

	// The row exists, but the first lookup misses it: the insert then
	// collides on the unique key and the resolver must re-read.
	seeded, _ := store.InsertUser(ctx, &models.User{
		RepoName: "acme/widgets", Username: "bob",
	})
	store.missLookups = 1

	res := r.Resolve(ctx, []*models.User{
		{RepoName: "acme/widgets", Username: "bob"},
	})
	if len(res.Errors) != 0 {
		t.Fatalf("expected race to resolve cleanly, got %v", res.Errors)
	}
	if res.ByUsername["bob"] != seeded.ID {
		t.Errorf("expected race to land on existing ID %d, got %d", seeded.ID, res.ByUsername["bob"])
	}
}

func TestResolveErrorsAreNonFatal(t *testing.T) {
	store := newFakeStore()
	r := NewResolver(store)
	ctx := context.Background()

	store.insertErr = errors.New("disk I/O error")
	res := r.Resolve(ctx, []*models.User{
		{RepoName: "acme/widgets", Username: "failing"},
		{RepoName: "acme/widgets", Username: "fine"},
	})

	if len(res.Errors) != 1 {
		t.Fatalf("expected exactly one user error, got %d", len(res.Errors))
	}
	var ue *UserError
	if !errors.As(res.Errors[0], &ue) {
		t.Fatalf("expected *UserError, got %T", res.Errors[0])
	}
	if ue.Username != "failing" {
		t.Errorf("unexpected failing user %q", ue.Username)
	}
	if res.ByUsername["fine"] == 0 {
		t.Error("second user should still resolve")
	}
}

func TestAnnotateStampsAuthorIDs(t *testing.T) {
	res := &Resolution{
		ByUsername: map[string]int64{"alice": 7},
		ByEmail:    map[string]int64{"bob@example.com": 9},
	}
	commits := []*models.Commit{
		{AuthorUsername: "alice"},
		{AuthorEmail: "bob@example.com"},
		{AuthorUsername: "nobody"},
	}
	mrs := []*models.MergeRequest{{AuthorUsername: "Alice"}}

	Annotate(res, commits, mrs)

	if commits[0].AuthorUserID != 7 {
		t.Errorf("username match failed: %d", commits[0].AuthorUserID)
	}
	if commits[1].AuthorUserID != 9 {
		t.Errorf("email match failed: %d", commits[1].AuthorUserID)
	}
	if commits[2].AuthorUserID != 0 {
		t.Errorf("unknown author must stay unassigned: %d", commits[2].AuthorUserID)
	}
	if mrs[0].AuthorUserID != 7 {
		t.Errorf("case-insensitive username match failed: %d", mrs[0].AuthorUserID)
	}
}
