// Package manifest loads the YAML list of repositories the daemon sweeps.
package manifest

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"

	"github.com/devlens/scmscan/models"
)

// Repository is one entry in the sweep manifest.
type Repository struct {
	// URL is the repository clone/browse URL. Required.
	URL string `yaml:"url"`
	// Name is the display name; derived from the URL when empty.
	Name string `yaml:"name"`
	// ToolType tags the hosting platform: github, gitlab, bitbucketcloud or
	// bitbucketserver. Required.
	ToolType string `yaml:"tool_type"`
	// Branch restricts the scan to one branch; empty means the platform
	// default.
	Branch string `yaml:"branch"`
	// ScanConfigID keys this repository's records in storage. Defaults to
	// the URL when empty.
	ScanConfigID string `yaml:"scan_config_id"`
	// Strategy optionally pins a commit-fetch strategy by name.
	Strategy string `yaml:"strategy"`
	// CloneEnabled prefers the clone strategy for this repository.
	CloneEnabled bool `yaml:"clone_enabled"`
	// Disabled skips the repository without removing its entry.
	Disabled bool `yaml:"disabled"`
}

// Manifest is the top-level document.
type Manifest struct {
	Repositories []Repository `yaml:"repositories"`
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	for i, r := range m.Repositories {
		if r.URL == "" {
			return nil, fmt.Errorf("manifest %s: repository %d has no url", path, i)
		}
		if r.ToolType == "" {
			return nil, fmt.Errorf("manifest %s: repository %q has no tool_type", path, r.URL)
		}
	}
	return &m, nil
}

// ScanRequests converts the enabled manifest entries into scan requests.
func (m *Manifest) ScanRequests() []models.ScanRequest {
	reqs := make([]models.ScanRequest, 0, len(m.Repositories))
	for _, r := range m.Repositories {
		if r.Disabled {
			continue
		}
		configID := r.ScanConfigID
		if configID == "" {
			configID = r.URL
		}
		reqs = append(reqs, models.ScanRequest{
			RepoURL:      r.URL,
			RepoName:     r.Name,
			Branch:       r.Branch,
			ToolType:     r.ToolType,
			ScanConfigID: configID,
			Strategy:     r.Strategy,
			CloneEnabled: r.CloneEnabled,
		})
	}
	return reqs
}
