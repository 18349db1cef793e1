package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"
)

// Defaults for the Fantasy Premier League dataset
const (
	DefaultOwner      = "vaastav"
	DefaultRepo       = "Fantasy-Premier-League"
	DefaultBranch     = "master"
	DefaultDataDir    = "data"
	DefaultExtension  = ".csv"
	DefaultAPIURL     = "https://api.github.com"
	DefaultRawURL     = "https://raw.githubusercontent.com"
	DefaultOutputDir  = "data/raw"
	DefaultStateDir   = ".fplsync"
	DefaultTokenEnv   = "GITHUB_API_KEY"
	DefaultEnvFile    = ".env"
	DefaultListenAddr = "127.0.0.1:8787"
)

// Config represents the complete fplsync configuration
type Config struct {
	Source SourceConfig `yaml:"source"`
	Paths  PathsConfig  `yaml:"paths"`
	Auth   AuthConfig   `yaml:"auth"`
	Sync   SyncConfig   `yaml:"sync"`
	Serve  ServeConfig  `yaml:"serve"`
}

// SourceConfig identifies the remote repository and which files to mirror
type SourceConfig struct {
	Owner     string `yaml:"owner"`
	Repo      string `yaml:"repo"`
	Branch    string `yaml:"branch"`
	DataDir   string `yaml:"data_dir"`
	Extension string `yaml:"extension"`
	APIURL    string `yaml:"api_url"`
	RawURL    string `yaml:"raw_url"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	OutputDir string `yaml:"output_dir"`
	StateDir  string `yaml:"state_dir"`
}

// AuthConfig configures where the GitHub API token comes from
type AuthConfig struct {
	TokenEnv  string `yaml:"token_env"`
	TokenFile string `yaml:"token_file"`
	EnvFile   string `yaml:"env_file"`
}

// SyncConfig configures download behavior
type SyncConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	Retries      int           `yaml:"retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	Incremental  bool          `yaml:"incremental"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs"`
}

// Default returns the built-in configuration used when no config file exists
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
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
	c.Source.Owner = os.ExpandEnv(c.Source.Owner)
	c.Source.Repo = os.ExpandEnv(c.Source.Repo)
	c.Source.Branch = os.ExpandEnv(c.Source.Branch)
	c.Source.APIURL = os.ExpandEnv(c.Source.APIURL)
	c.Source.RawURL = os.ExpandEnv(c.Source.RawURL)
	c.Paths.OutputDir = os.ExpandEnv(c.Paths.OutputDir)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Auth.TokenFile = os.ExpandEnv(c.Auth.TokenFile)
	c.Auth.EnvFile = os.ExpandEnv(c.Auth.EnvFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	setDefault(&c.Source.Owner, DefaultOwner)
	setDefault(&c.Source.Repo, DefaultRepo)
	setDefault(&c.Source.Branch, DefaultBranch)
	setDefault(&c.Source.DataDir, DefaultDataDir)
	setDefault(&c.Source.Extension, DefaultExtension)
	setDefault(&c.Source.APIURL, DefaultAPIURL)
	setDefault(&c.Source.RawURL, DefaultRawURL)
	setDefault(&c.Paths.OutputDir, DefaultOutputDir)
	setDefault(&c.Paths.StateDir, DefaultStateDir)
	setDefault(&c.Auth.TokenEnv, DefaultTokenEnv)
	setDefault(&c.Auth.EnvFile, DefaultEnvFile)
	setDefault(&c.Serve.ListenAddr, DefaultListenAddr)

	c.Source.APIURL = strings.TrimRight(c.Source.APIURL, "/")
	c.Source.RawURL = strings.TrimRight(c.Source.RawURL, "/")

	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = 1
	}
	if c.Sync.RetryBackoff == 0 {
		c.Sync.RetryBackoff = time.Second
	}
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate source
	if c.Source.Owner == "" {
		return fmt.Errorf("source.owner is required")
	}
	if c.Source.Repo == "" {
		return fmt.Errorf("source.repo is required")
	}
	if c.Source.Branch == "" {
		return fmt.Errorf("source.branch is required")
	}
	if c.Source.DataDir == "" || strings.Contains(c.Source.DataDir, "/") || c.Source.DataDir == "." || c.Source.DataDir == ".." {
		return fmt.Errorf("source.data_dir must be a single path segment: %q", c.Source.DataDir)
	}
	if !strings.HasPrefix(c.Source.Extension, ".") || len(c.Source.Extension) < 2 {
		return fmt.Errorf("source.extension must start with a dot: %q", c.Source.Extension)
	}
	if !isHTTPURL(c.Source.APIURL) {
		return fmt.Errorf("source.api_url must be an http(s) URL: %s", c.Source.APIURL)
	}
	if !isHTTPURL(c.Source.RawURL) {
		return fmt.Errorf("source.raw_url must be an http(s) URL: %s", c.Source.RawURL)
	}

	// Validate paths
	if c.Paths.OutputDir == "" {
		return fmt.Errorf("paths.output_dir is required")
	}
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}

	// Validate sync
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1, got %d", c.Sync.Concurrency)
	}
	if c.Sync.Retries < 0 {
		return fmt.Errorf("sync.retries must not be negative, got %d", c.Sync.Retries)
	}
	if c.Sync.RetryBackoff < 0 {
		return fmt.Errorf("sync.retry_backoff must not be negative")
	}
	if c.Sync.Timeout < 0 {
		return fmt.Errorf("sync.timeout must not be negative")
	}

	// Validate serve config if enabled
	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.GitHubWebhookSecretFile == "" {
			return fmt.Errorf("serve.github_webhook_secret_file is required when serve is enabled")
		}
	}

	return nil
}

// StateFilePath returns the path to the mirror manifest
func (c *Config) StateFilePath() string {
	return filepath.Join(c.Paths.StateDir, "state.json")
}

// FullName returns the owner/repo form of the source repository
func (c *Config) FullName() string {
	return c.Source.Owner + "/" + c.Source.Repo
}

// BranchRef returns the fully qualified ref of the source branch
func (c *Config) BranchRef() string {
	return "refs/heads/" + c.Source.Branch
}

// LoadEnvFile exports the variables of the configured dotenv file into the
// process environment. Variables that are already set are left untouched.
// A missing file is not an error.
func (c *Config) LoadEnvFile() error {
	if c.Auth.EnvFile == "" {
		return nil
	}
	if _, err := os.Stat(c.Auth.EnvFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat env file: %w", err)
	}
	if err := gotenv.Load(c.Auth.EnvFile); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", c.Auth.EnvFile, err)
	}
	return nil
}

// Token resolves the GitHub API token. A token file takes precedence over
// the environment variable. An empty token is allowed; requests are then
// sent unauthenticated.
func (c *Config) Token() (string, error) {
	if c.Auth.TokenFile != "" {
		data, err := os.ReadFile(c.Auth.TokenFile)
		if err != nil {
			return "", fmt.Errorf("failed to read token file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return strings.TrimSpace(os.Getenv(c.Auth.TokenEnv)), nil
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.TokenFile != "" {
		return "token-file"
	}
	if os.Getenv(c.Auth.TokenEnv) != "" {
		return "env"
	}
	return "none"
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}
