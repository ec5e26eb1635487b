package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "repos.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	return path
}

func TestLoadAndConvert(t *testing.T) {
	path := writeManifest(t, `
repositories:
  - url: https://github.com/acme/widgets
    name: widgets
    tool_type: github
    branch: main
  - url: https://bitbucket.example.com/scm/proj/repo.git
    tool_type: bitbucketserver
    scan_config_id: proj-repo
    clone_enabled: true
  - url: https://gitlab.com/acme/old
    tool_type: gitlab
    disabled: true
`)

	m, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(m.Repositories) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(m.Repositories))
	}

	reqs := m.ScanRequests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 enabled requests, got %d", len(reqs))
	}
	if reqs[0].RepoName != "widgets" || reqs[0].Branch != "main" {
		t.Errorf("unexpected first request %+v", reqs[0])
	}
	if reqs[0].ScanConfigID != "https://github.com/acme/widgets" {
		t.Errorf("scan config id should default to the URL, got %q", reqs[0].ScanConfigID)
	}
	if reqs[1].ScanConfigID != "proj-repo" || !reqs[1].CloneEnabled {
		t.Errorf("unexpected second request %+v", reqs[1])
	}
}

func TestLoadRejectsMissingFields(t *testing.T) {
	path := writeManifest(t, `
repositories:
  - url: https://github.com/acme/widgets
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing tool_type")
	}

	path = writeManifest(t, `
repositories:
  - tool_type: github
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing url")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
