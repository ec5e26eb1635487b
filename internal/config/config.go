package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/devlens/scmscan/models"
)

const (
	DefaultConfigDir  = ".scmscan"
	DefaultConfigFile = "config.json"
	DefaultDBFile     = ".scmscan/scmscan.db"
)

// Load reads the config file (creating it with defaults if absent) and returns
// a populated Config. The configPath flag may override the default location.
func Load(configPath string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Join(home, DefaultConfigDir))
	}

	setDefaults(v, home)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file exists but is malformed.
			if !isNotExist(err) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
		// No config yet — defaults apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	expandPaths(&cfg, home)
	return &cfg, nil
}

// Save writes the config to disk as JSON.
func Save(cfg *Config, configPath string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("cannot determine home directory: %w", err)
	}

	if configPath == "" {
		configPath = filepath.Join(home, DefaultConfigDir, DefaultConfigFile)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("serialising config: %w", err)
	}

	return os.WriteFile(configPath, data, 0o600)
}

// ConfigPath returns the effective config file path.
func ConfigPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFile), nil
}

// CredentialFor returns the configured credential for the given tool type and
// repository host. An empty host matches the first configured entry; this is
// the credential-store boundary consumed by the scan orchestrator.
func (c *Config) CredentialFor(toolType, host string) models.Credential {
	match := func(entryHost string) bool {
		return host == "" || entryHost == "" || strings.EqualFold(entryHost, host)
	}
	switch strings.ToLower(toolType) {
	case "github":
		for _, g := range c.Git.GitHub {
			if g.Token != "" && match(g.Host) {
				return models.Credential{Token: g.Token}
			}
		}
	case "gitlab":
		for _, g := range c.Git.GitLab {
			if g.Token != "" && match(g.Host) {
				return models.Credential{Token: g.Token}
			}
		}
	case "bitbucketcloud":
		for _, b := range c.Git.BitbucketCloud {
			if b.Token != "" && match(b.Host) {
				return models.Credential{Username: b.Username, Token: b.Token}
			}
		}
	case "bitbucketserver":
		for _, b := range c.Git.BitbucketServer {
			if b.Token != "" && match(b.Host) {
				return models.Credential{Username: b.Username, Token: b.Token}
			}
		}
	}
	return models.Credential{}
}

// setDefaults populates viper with sensible out-of-the-box values.
func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(home, DefaultDBFile))
	v.SetDefault("database.dsn", "")

	v.SetDefault("scan.first_scan_months", 3)
	v.SetDefault("scan.refresh_default_months", 3)
	v.SetDefault("scan.refresh_cap_months", 6)
	v.SetDefault("scan.max_merge_requests_per_scan", 500)
	v.SetDefault("scan.result_limit", 2000)
	v.SetDefault("scan.workers", 3)
	v.SetDefault("scan.clone_enabled", false)
	v.SetDefault("scan.manifest_path", filepath.Join(home, DefaultConfigDir, "repos.yaml"))

	v.SetDefault("rate_limit.requests", 2500)
	v.SetDefault("rate_limit.window_seconds", 3600)
	v.SetDefault("rate_limit.fail_fast", false)

	v.SetDefault("daemon.schedule", "")
}

// expandPaths resolves ~ in configured paths.
func expandPaths(cfg *Config, home string) {
	cfg.Database.Path = expandHome(cfg.Database.Path, home)
	cfg.Scan.ManifestPath = expandHome(cfg.Scan.ManifestPath, home)
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func isNotExist(err error) bool {
	return os.IsNotExist(err) || strings.Contains(err.Error(), "no such file")
}
