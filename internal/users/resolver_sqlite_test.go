package users

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/devlens/scmscan/internal/config"
	"github.com/devlens/scmscan/internal/database"
	"github.com/devlens/scmscan/internal/store"
	"github.com/devlens/scmscan/models"
)

func newSQLiteStore(t *testing.T) *store.Gateway {
	t.Helper()
	db, err := database.NewSQLite(config.DatabaseConfig{
		Path: filepath.Join(t.TempDir(), "users.db"),
	})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return store.New(db, 0)
}

func TestResolveEmailOnlyContributorsAgainstSQLite(t *testing.T) {
	gw := newSQLiteStore(t)
	r := NewResolver(gw)
	ctx := context.Background()

	commits := []*models.Commit{
		{AuthorEmail: "alice@example.com", AuthorName: "Alice"},
		{AuthorEmail: "bob@example.com", AuthorName: "Bob"},
	}
	res := r.Resolve(ctx, Extract("acme/widgets", commits, nil))
	if len(res.Errors) != 0 {
		t.Fatalf("email-only contributors must persist cleanly, got %v", res.Errors)
	}
	aliceID := res.ByEmail["alice@example.com"]
	bobID := res.ByEmail["bob@example.com"]
	if aliceID == 0 || bobID == 0 || aliceID == bobID {
		t.Fatalf("expected two distinct stored users, got alice=%d bob=%d", aliceID, bobID)
	}

	stored, err := gw.FindUserByEmail(ctx, "acme/widgets", "bob@example.com")
	if err != nil {
		t.Fatalf("bob not found in store: %v", err)
	}
	if stored.ID != bobID {
		t.Errorf("stored ID %d does not match resolution %d", stored.ID, bobID)
	}
}
