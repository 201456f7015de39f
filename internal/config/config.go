package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hopkinslab/appsyncd/internal/plan"
)

// Strategy selects how manifest entries are applied
type Strategy string

const (
	// StrategyAuto defers on Windows (the running program's own files are
	// locked there) and applies in-process elsewhere.
	StrategyAuto      Strategy = "auto"
	StrategyImmediate Strategy = "immediate"
	StrategyDeferred  Strategy = "deferred"
)

// Duration wraps time.Duration for YAML fields like "5s" or "1m30s".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the complete appsyncd configuration
type Config struct {
	Repo   RepoConfig          `yaml:"repo"`
	Paths  PathsConfig         `yaml:"paths"`
	Update UpdateConfig        `yaml:"update"`
	Auth   AuthConfig          `yaml:"auth"`
	Files  []ManagedFileConfig `yaml:"managed_files"`
}

// RepoConfig configures the canonical Git repository
type RepoConfig struct {
	URL string `yaml:"url"`
	Ref string `yaml:"ref"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	RootDir      string `yaml:"root_dir"`
	WorkspaceDir string `yaml:"workspace_dir"`
	VersionFile  string `yaml:"version_file"`
}

// UpdateConfig configures update behavior
type UpdateConfig struct {
	Strategy      Strategy `yaml:"strategy"`
	GraceInterval Duration `yaml:"grace_interval"`
	CheckTimeout  Duration `yaml:"check_timeout"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// ManagedFileConfig maps one managed local file to its path in the remote tree
type ManagedFileConfig struct {
	Local string `yaml:"local"`
	Repo  string `yaml:"repo"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Repo.URL = os.ExpandEnv(c.Repo.URL)
	c.Repo.Ref = os.ExpandEnv(c.Repo.Ref)
	c.Paths.RootDir = os.ExpandEnv(c.Paths.RootDir)
	c.Paths.WorkspaceDir = os.ExpandEnv(c.Paths.WorkspaceDir)
	c.Paths.VersionFile = os.ExpandEnv(c.Paths.VersionFile)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Repo.Ref == "" {
		c.Repo.Ref = "HEAD"
	}
	if c.Update.Strategy == "" {
		c.Update.Strategy = StrategyAuto
	}
	if c.Update.GraceInterval == 0 {
		c.Update.GraceInterval = Duration(5 * time.Second)
	}
	if c.Update.CheckTimeout == 0 {
		c.Update.CheckTimeout = Duration(30 * time.Second)
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate repo config
	if c.Repo.URL == "" {
		return fmt.Errorf("repo.url is required")
	}

	// Validate paths
	if c.Paths.RootDir == "" {
		return fmt.Errorf("paths.root_dir is required")
	}
	if !filepath.IsAbs(c.Paths.RootDir) {
		return fmt.Errorf("paths.root_dir must be an absolute path: %s", c.Paths.RootDir)
	}
	if c.Paths.WorkspaceDir != "" && !filepath.IsAbs(c.Paths.WorkspaceDir) {
		return fmt.Errorf("paths.workspace_dir must be an absolute path: %s", c.Paths.WorkspaceDir)
	}
	if c.Paths.VersionFile != "" && !filepath.IsAbs(c.Paths.VersionFile) {
		return fmt.Errorf("paths.version_file must be an absolute path: %s", c.Paths.VersionFile)
	}

	// Validate update config
	switch c.Update.Strategy {
	case StrategyAuto, StrategyImmediate, StrategyDeferred:
		// valid
	default:
		return fmt.Errorf("invalid update.strategy: %s (must be auto, immediate, or deferred)", c.Update.Strategy)
	}
	if c.Update.GraceInterval < 0 {
		return fmt.Errorf("update.grace_interval must not be negative")
	}
	if c.Update.CheckTimeout.Std() <= 0 {
		return fmt.Errorf("update.check_timeout must be positive")
	}

	// Validate managed file overrides
	for _, f := range c.Files {
		if f.Local == "" || f.Repo == "" {
			return fmt.Errorf("managed_files entries require both local and repo paths")
		}
		for _, p := range []string{f.Local, f.Repo} {
			if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
				return fmt.Errorf("managed_files paths must be relative: %s", p)
			}
			if p != filepath.ToSlash(filepath.Clean(p)) || strings.HasPrefix(p, "..") {
				return fmt.Errorf("managed_files paths must not escape their root: %s", p)
			}
		}
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	// Validate auth: when auth is configured, the URL scheme must match
	if c.Auth.SSHKeyFile != "" && !c.IsSSH() {
		return fmt.Errorf("auth.ssh_key_file is set but repo.url does not use an SSH scheme (git@ or ssh://)")
	}
	if c.Auth.HTTPSTokenFile != "" && !c.IsHTTPS() {
		return fmt.Errorf("auth.https_token_file is set but repo.url does not use HTTPS scheme")
	}

	return nil
}

// WorkspaceDir returns the scratch directory used for staging snapshots
func (c *Config) WorkspaceDir() string {
	if c.Paths.WorkspaceDir != "" {
		return c.Paths.WorkspaceDir
	}
	return filepath.Join(c.Paths.RootDir, "temp")
}

// VersionFilePath returns the path of the persisted version identifier
func (c *Config) VersionFilePath() string {
	if c.Paths.VersionFile != "" {
		return c.Paths.VersionFile
	}
	return filepath.Join(c.Paths.RootDir, "ID.txt")
}

// ManagedFiles returns the configured managed-file mapping, falling back to
// the built-in set when no override is present.
func (c *Config) ManagedFiles() []plan.ManagedFile {
	if len(c.Files) == 0 {
		return plan.DefaultManagedFiles
	}
	files := make([]plan.ManagedFile, 0, len(c.Files))
	for _, f := range c.Files {
		files = append(files, plan.ManagedFile{LocalPath: f.Local, RepoPath: f.Repo})
	}
	return files
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Repo.URL, "https://")
}

// IsSSH returns true if the repo URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Repo.URL, "git@") || strings.HasPrefix(c.Repo.URL, "ssh://")
}
