package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devlens/scmscan/models"
)

// fakeFetcher is a configurable strategy for selection tests.
type fakeFetcher struct {
	name     string
	supports bool
}

func (f *fakeFetcher) Name() string                       { return f.name }
func (f *fakeFetcher) Supports(repoURL, toolType string) bool { return f.supports }
func (f *fakeFetcher) FetchCommits(ctx context.Context, req models.ScanRequest, since, until time.Time) ([]models.Commit, error) {
	return nil, nil
}

func TestSelectExplicitStrategyWins(t *testing.T) {
	named := &fakeFetcher{name: "special", supports: true}
	rest := &fakeFetcher{name: "rest", supports: true}
	r := NewRegistry(rest, named)

	got, err := r.Select(models.ScanRequest{
		RepoURL: "https://github.com/acme/api", ToolType: "github", Strategy: "special",
	})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got != named {
		t.Errorf("expected the explicitly named strategy, got %q", got.Name())
	}
}

func TestSelectFallsBackToRESTForUnknownName(t *testing.T) {
	rest := &fakeFetcher{name: "rest", supports: true}
	clone := &fakeFetcher{name: "clone", supports: true}
	r := NewRegistry(rest, clone)

	got, err := r.Select(models.ScanRequest{
		RepoURL: "https://github.com/acme/api", ToolType: "github",
		Strategy: "does-not-exist", CloneEnabled: false,
	})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got != rest {
		t.Errorf("expected the REST strategy, got %q", got.Name())
	}
}

func TestSelectPrefersCloneWhenEnabled(t *testing.T) {
	rest := &fakeFetcher{name: "rest", supports: true}
	clone := &fakeFetcher{name: "clone", supports: true}
	r := NewRegistry(rest, clone)

	got, err := r.Select(models.ScanRequest{
		RepoURL: "https://github.com/acme/api", ToolType: "github", CloneEnabled: true,
	})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got != clone {
		t.Errorf("expected the clone strategy, got %q", got.Name())
	}
}

func TestSelectFirstSupportingFallback(t *testing.T) {
	a := &fakeFetcher{name: "a", supports: false}
	b := &fakeFetcher{name: "b", supports: true}
	r := NewRegistry(a, b)

	got, err := r.Select(models.ScanRequest{RepoURL: "https://example.com/x/y", ToolType: "custom"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got != b {
		t.Errorf("expected the first supporting strategy in registration order, got %q", got.Name())
	}
}

func TestSelectNoStrategyAvailable(t *testing.T) {
	r := NewRegistry(&fakeFetcher{name: "rest", supports: false})
	_, err := r.Select(models.ScanRequest{RepoURL: "https://example.com/x/y"})
	if !errors.Is(err, ErrNoStrategy) {
		t.Fatalf("expected ErrNoStrategy, got %v", err)
	}
}

func TestRESTSupports(t *testing.T) {
	s := NewRESTStrategy(nil)
	if !s.Supports("https://whatever.example.com/a/b", "github") {
		t.Error("exact tool type must win regardless of URL")
	}
	if s.Supports("https://whatever.example.com/a/b", "subversion") {
		t.Error("unknown tool type is not supported")
	}
	if !s.Supports("https://gitlab.example.com/a/b", "") {
		t.Error("URL heuristic should recognise gitlab hosts")
	}
	if s.Supports("https://example.com/a/b", "") {
		t.Error("unrecognised host without tool type is not supported")
	}
}

func TestCloneSupports(t *testing.T) {
	s := NewCloneStrategy(0)
	if !s.Supports("https://dev.azure.com/org/proj/_git/repo", "") {
		t.Error("clone should support azure URLs via the host heuristic")
	}
	if !s.Supports("https://git.internal.example.com/a/b.git", "github") {
		t.Error("clone supports anything with a tool type")
	}
	if s.Supports("", "") {
		t.Error("clone cannot support an empty URL")
	}
}
