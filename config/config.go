package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	// EnvGithubToken is the environment variable name for the GitHub API token
	EnvGithubToken = "GHMIRROR_GITHUB_TOKEN"
	// EnvGithubTokenFallback is consulted when EnvGithubToken is unset
	EnvGithubTokenFallback = "GITHUB_TOKEN"
	// EnvRepository overrides the configured repository
	EnvRepository = "GHMIRROR_REPOSITORY"

	DefaultDataDir             = "mirror"
	DefaultDatabasePath        = "ghmirror.db"
	DefaultLogLevel            = "info"
	DefaultSafetyMarginSeconds = 5
	DefaultPerPage             = 100
)

// Config represents the application configuration
type Config struct {
	// GitHub API token for authentication (optional, can be set via GHMIRROR_GITHUB_TOKEN or GITHUB_TOKEN)
	GitHubToken string `json:"github_token" yaml:"github_token" toml:"github_token"`

	// Repository to mirror in the format "owner/name"
	Repository string `json:"repository" yaml:"repository" toml:"repository"`

	// Root of the mirrored files; each repository gets <data_dir>/<owner>/<name>
	DataDir string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`

	// Path to the SQLite database holding the sync state
	DatabasePath string `json:"database_path" yaml:"database_path" toml:"database_path"`

	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`
	// Optional rotating log file, in addition to stderr
	LogFile string `json:"log_file,omitempty" yaml:"log_file,omitempty" toml:"log_file,omitempty"`

	// Overrides for GitHub Enterprise
	APIBaseURL string `json:"api_base_url,omitempty" yaml:"api_base_url,omitempty" toml:"api_base_url,omitempty"`
	GraphQLURL string `json:"graphql_url,omitempty" yaml:"graphql_url,omitempty" toml:"graphql_url,omitempty"`

	// Extra wait after a rate limit window resets
	SafetyMarginSeconds int `json:"safety_margin_seconds" yaml:"safety_margin_seconds" toml:"safety_margin_seconds"`
	PerPage             int `json:"per_page" yaml:"per_page" toml:"per_page"`
}

// SafetyMargin returns the rate limit safety margin as a duration
func (c *Config) SafetyMargin() time.Duration {
	return time.Duration(c.SafetyMarginSeconds) * time.Second
}

// Validate checks that the configuration can drive a sync
func (c *Config) Validate() error {
	parts := strings.Split(c.Repository, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("invalid repository %q, expected 'owner/name'", c.Repository)
	}
	if c.PerPage < 1 || c.PerPage > 100 {
		return fmt.Errorf("per_page must be between 1 and 100, got %d", c.PerPage)
	}
	if c.SafetyMarginSeconds < 0 {
		return fmt.Errorf("safety_margin_seconds must not be negative, got %d", c.SafetyMarginSeconds)
	}
	return nil
}

type format int

const (
	formatJSON format = iota
	formatYAML
	formatTOML
)

func formatFor(path string) (format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON, nil
	case ".yaml", ".yml":
		return formatYAML, nil
	case ".toml":
		return formatTOML, nil
	}
	return 0, fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
}

// LoadConfig loads the configuration from a JSON, YAML or TOML file
func LoadConfig(path string) (*Config, error) {
	f, err := formatFor(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Numeric defaults are set before decoding so an explicit zero survives.
	config := Config{
		SafetyMarginSeconds: DefaultSafetyMarginSeconds,
		PerPage:             DefaultPerPage,
	}
	switch f {
	case formatJSON:
		err = json.Unmarshal(data, &config)
	case formatYAML:
		err = yaml.Unmarshal(data, &config)
	case formatTOML:
		_, err = toml.Decode(string(data), &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(&config)
	applyDefaults(&config)

	// Make paths absolute if they're relative
	configDir := filepath.Dir(path)
	config.DataDir = resolve(configDir, config.DataDir)
	config.DatabasePath = resolve(configDir, config.DatabasePath)
	if config.LogFile != "" {
		config.LogFile = resolve(configDir, config.LogFile)
	}

	return &config, nil
}

func applyEnv(config *Config) {
	// Check for GitHub token in environment variables
	if envToken := os.Getenv(EnvGithubToken); envToken != "" {
		config.GitHubToken = envToken
	} else if envToken := os.Getenv(EnvGithubTokenFallback); envToken != "" && config.GitHubToken == "" {
		config.GitHubToken = envToken
	}
	if repo := os.Getenv(EnvRepository); repo != "" {
		config.Repository = repo
	}
}

func applyDefaults(config *Config) {
	if config.DataDir == "" {
		config.DataDir = DefaultDataDir
	}
	if config.DatabasePath == "" {
		config.DatabasePath = DefaultDatabasePath
	}
	if config.LogLevel == "" {
		config.LogLevel = DefaultLogLevel
	}
	if config.PerPage == 0 {
		config.PerPage = DefaultPerPage
	}
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// SaveConfig saves the configuration in the format implied by the file extension
func SaveConfig(config *Config, path string) error {
	f, err := formatFor(path)
	if err != nil {
		return err
	}

	var data []byte
	switch f {
	case formatJSON:
		data, err = json.MarshalIndent(config, "", "  ")
	case formatYAML:
		data, err = yaml.Marshal(config)
	case formatTOML:
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(config)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CreateDefaultConfig creates a default configuration file if it doesn't exist
func CreateDefaultConfig(path string) error {
	// Check if the file already exists
	if _, err := os.Stat(path); err == nil {
		return nil // File exists, don't overwrite
	}

	config := &Config{
		Repository:          "example/repo",
		DataDir:             DefaultDataDir,
		DatabasePath:        DefaultDatabasePath,
		LogLevel:            DefaultLogLevel,
		SafetyMarginSeconds: DefaultSafetyMarginSeconds,
		PerPage:             DefaultPerPage,
	}

	// Ensure the directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return SaveConfig(config, path)
}
