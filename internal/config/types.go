package config

// Config is the root configuration structure for scmscan.
// Serialised to ~/.scmscan/config.json.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"   json:"database"`
	Scan      ScanConfig      `mapstructure:"scan"       json:"scan"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" json:"rate_limit"`
	Git       GitConfig       `mapstructure:"git"        json:"git"`
	Daemon    DaemonConfig    `mapstructure:"daemon"     json:"daemon"`
}

// DatabaseConfig controls the storage backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "mysql".
	Driver string `mapstructure:"driver" json:"driver"`
	// Path is the SQLite file path (expanded at runtime).
	Path string `mapstructure:"path"   json:"path"`
	// DSN is the MySQL data source name (used when Driver == "mysql").
	DSN string `mapstructure:"dsn"    json:"dsn"`
}

// ScanConfig holds the ingestion tuning knobs.
type ScanConfig struct {
	// FirstScanMonths bounds the window of a first scan: when a request has
	// neither a watermark nor an explicit since, the window starts at
	// now minus this many months.
	FirstScanMonths int `mapstructure:"first_scan_months" json:"first_scan_months"`
	// RefreshDefaultMonths is the default lookback for refreshing stored
	// open merge requests that carry no updated timestamp.
	RefreshDefaultMonths int `mapstructure:"refresh_default_months" json:"refresh_default_months"`
	// RefreshCapMonths caps the refresh lookback regardless of how old the
	// oldest stored open merge request is.
	RefreshCapMonths int `mapstructure:"refresh_cap_months" json:"refresh_cap_months"`
	// MaxMergeRequestsPerScan is the page size when loading stored open
	// merge requests (at most ten pages are read per scan).
	MaxMergeRequestsPerScan int `mapstructure:"max_merge_requests_per_scan" json:"max_merge_requests_per_scan"`
	// ResultLimit caps the number of records a single fetch may return.
	ResultLimit int `mapstructure:"result_limit" json:"result_limit"`
	// Workers is the number of concurrent repository scans in daemon mode.
	Workers int `mapstructure:"workers" json:"workers"`
	// CloneEnabled selects the clone-based commit strategy when supported.
	CloneEnabled bool `mapstructure:"clone_enabled" json:"clone_enabled"`
	// ManifestPath points at the YAML repository manifest for daemon mode.
	ManifestPath string `mapstructure:"manifest_path" json:"manifest_path"`
}

// RateLimitConfig controls the per-credential API call budget.
type RateLimitConfig struct {
	// Requests is the number of API calls allowed per window.
	Requests int `mapstructure:"requests" json:"requests"`
	// WindowSeconds is the budget window length.
	WindowSeconds int `mapstructure:"window_seconds" json:"window_seconds"`
	// FailFast returns an error when the budget is exhausted instead of
	// blocking until the window resets.
	FailFast bool `mapstructure:"fail_fast" json:"fail_fast"`
}

// GitConfig holds credentials for each supported git hosting platform.
type GitConfig struct {
	GitHub          []GitHubConfig    `mapstructure:"github"           json:"github"`
	GitLab          []GitLabConfig    `mapstructure:"gitlab"           json:"gitlab"`
	BitbucketCloud  []BitbucketConfig `mapstructure:"bitbucket_cloud"  json:"bitbucket_cloud"`
	BitbucketServer []BitbucketConfig `mapstructure:"bitbucket_server" json:"bitbucket_server"`
}

// GitHubConfig holds credentials for a single GitHub instance.
type GitHubConfig struct {
	Token string `mapstructure:"token" json:"token"`
	// Host allows enterprise GitHub (e.g. github.mycompany.com).
	Host string `mapstructure:"host"  json:"host"`
}

// GitLabConfig holds credentials for a single GitLab instance.
type GitLabConfig struct {
	Token string `mapstructure:"token" json:"token"`
	Host  string `mapstructure:"host"  json:"host"`
}

// BitbucketConfig holds credentials for a Bitbucket Cloud workspace or a
// Bitbucket Server (Data Center) instance.
type BitbucketConfig struct {
	Username string `mapstructure:"username" json:"username"`
	Token    string `mapstructure:"token"    json:"token"`
	Host     string `mapstructure:"host"     json:"host"`
}

// DaemonConfig controls the persistent sweep daemon.
type DaemonConfig struct {
	// Schedule is a cron expression for automatic sweeps; empty disables the
	// schedule so sweeps run only on trigger.
	Schedule string `mapstructure:"schedule" json:"schedule"`
}
