package platform

import (
	"testing"
	"time"
)

func TestParseTimeFormats(t *testing.T) {
	cases := []struct {
		in   string
		ok   bool
		want time.Time
	}{
		{"2024-01-15T10:30:00Z", true, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)},
		{"2024-01-15T10:30:00.123Z", true, time.Date(2024, 1, 15, 10, 30, 0, 123000000, time.UTC)},
		{"2024-01-15T10:30:00+0000", true, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)},
		{"2024-01-15", true, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"1705314600000", true, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)},
		{"not-a-date", false, time.Time{}},
		{"", false, time.Time{}},
	}
	for _, c := range cases {
		got, ok := ParseTime(c.in)
		if ok != c.ok {
			t.Errorf("ParseTime(%q): ok=%v, want %v", c.in, ok, c.ok)
			continue
		}
		if ok && !got.Equal(c.want) {
			t.Errorf("ParseTime(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestInRangeFailsOpenOnUnparseableDate(t *testing.T) {
	since := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	until := time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)

	if !StringInRange("garbage-date", since, until) {
		t.Error("unparseable date must be in range regardless of bounds")
	}
	if !StringInRange("", since, until) {
		t.Error("missing date must be in range regardless of bounds")
	}
	if !MillisInRange(0, since, until) {
		t.Error("zero millis must be in range regardless of bounds")
	}
}

func TestInRangeBounds(t *testing.T) {
	since := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	until := time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)

	if StringInRange("2024-01-01T00:00:00Z", since, until) {
		t.Error("date before since must be out of range")
	}
	if !StringInRange("2024-01-15T00:00:00Z", since, until) {
		t.Error("date inside window must be in range")
	}
	if StringInRange("2024-02-01T00:00:00Z", since, until) {
		t.Error("date after until must be out of range")
	}
	if !StringInRange("2024-02-01T00:00:00Z", since, time.Time{}) {
		t.Error("zero until means no upper bound")
	}
}

func TestParseRepoURL(t *testing.T) {
	cases := []struct {
		url   string
		owner string
		repo  string
	}{
		{"https://github.com/acme/api.git", "acme", "api"},
		{"https://gitlab.example.com/platform/billing", "platform", "billing"},
		{"https://stash.corp.example.com/scm/PAY/ledger.git", "PAY", "ledger"},
		{"git@github.com:acme/api.git", "acme", "api"},
	}
	for _, c := range cases {
		owner, repo := ParseRepoURL(c.url)
		if owner != c.owner || repo != c.repo {
			t.Errorf("ParseRepoURL(%q) = (%q, %q), want (%q, %q)", c.url, owner, repo, c.owner, c.repo)
		}
	}
}

func TestDetect(t *testing.T) {
	cases := []struct {
		url  string
		want Platform
	}{
		{"https://github.com/acme/api.git", GitHub},
		{"https://gitlab.example.com/acme/api", GitLab},
		{"https://bitbucket.org/acme/api", BitbucketCloud},
		{"https://bitbucket.corp.example.com/scm/ACME/api.git", BitbucketServer},
	}
	for _, c := range cases {
		got, err := Detect(c.url)
		if err != nil {
			t.Errorf("Detect(%q): %v", c.url, err)
			continue
		}
		if got != c.want {
			t.Errorf("Detect(%q) = %v, want %v", c.url, got, c.want)
		}
	}
	if _, err := Detect("https://example.com/acme/api"); err == nil {
		t.Error("expected an error for an unrecognised host")
	}
}

func TestParseRawAuthor(t *testing.T) {
	name, email := parseRawAuthor("Ada Lovelace <ada@example.com>")
	if name != "Ada Lovelace" || email != "ada@example.com" {
		t.Errorf("got (%q, %q)", name, email)
	}
	name, email = parseRawAuthor("just-a-name")
	if name != "just-a-name" || email != "" {
		t.Errorf("got (%q, %q)", name, email)
	}
}
